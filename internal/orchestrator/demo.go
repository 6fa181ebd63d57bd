package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"trustgate.ai/internal/escrow"
)

const (
	DemoCriteria      = "Must be excellent"
	DemoDefaultAmount = 1000000
)

type DemoOptions struct {
	// Delays before the result and before judging, so observers see each stage.
	ResultDelay time.Duration
	JudgeDelay  time.Duration
}

// Demo opens an escrow against the mock seller and drives it in the
// background. quality "good" gets an excellent delivery, anything else a poor one.
func (o *Orchestrator) Demo(ctx context.Context, quality string, amount int64) (escrow.Escrow, error) {
	quality = strings.ToLower(strings.TrimSpace(quality))
	if quality == "" {
		quality = "good"
	}
	if strings.ContainsAny(quality, "- ") {
		return escrow.Escrow{}, &ValidationError{Field: "expectedQuality", Msg: "must be a single word"}
	}
	if amount == 0 {
		amount = DemoDefaultAmount
	}
	e, err := o.open(ctx, TaskRequest{
		Target:   "mock-" + quality,
		Amount:   amount,
		Criteria: DemoCriteria,
	}, fmt.Sprintf("Demo task requiring %s quality", quality))
	if err != nil {
		return escrow.Escrow{}, err
	}
	o.goDrive(ctx, e.ID, pacing{beforeResult: o.demo.ResultDelay, beforeJudging: o.demo.JudgeDelay})
	return e, nil
}
