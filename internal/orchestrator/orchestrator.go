package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"trustgate.ai/internal/escrow"
	"trustgate.ai/internal/executor"
	"trustgate.ai/internal/ledger"
	"trustgate.ai/internal/protocol"
)

const DefaultCriteria = "Good quality"

// ValidationError rejects a task request before anything is opened.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

// ErrBusy is returned by Drive when another goroutine is driving the same escrow.
var ErrBusy = errors.New("orchestrator: escrow is already being driven")

type Ledger interface {
	OpenEscrow(ctx context.Context, counterparty string, amount int64, taskHash [32]byte, judgeRef string) (int64, error)
	Settle(ctx context.Context, ledgerID int64, v escrow.Verdict) (ledger.Settlement, error)
	JudgeRef() string
}

type Judge interface {
	Score(ctx context.Context, task, criteria, result string) escrow.Verdict
}

type Publisher interface {
	Publish(ev protocol.Event) protocol.Event
}

type Metrics interface {
	EscrowOpened()
	EscrowResolved(status, settlement string, took time.Duration)
	LedgerError(op string)
	ExecutionFailed()
	Reconcile(result string)
}

type nopMetrics struct{}

func (nopMetrics) EscrowOpened()                                {}
func (nopMetrics) EscrowResolved(string, string, time.Duration) {}
func (nopMetrics) LedgerError(string)                           {}
func (nopMetrics) ExecutionFailed()                             {}
func (nopMetrics) Reconcile(string)                             {}

// TaskRequest is a paid request to have Target perform work under escrow.
type TaskRequest struct {
	Target   string
	Amount   int64
	Criteria string
	Seller   string
	Payer    string
	// Body is forwarded to the target. When present it is also the task text.
	Body []byte
}

type Options struct {
	Logger  *log.Logger
	Metrics Metrics
	// DefaultSeller is the counterparty address used when a request names none.
	DefaultSeller string
	// PipelineTimeout bounds one Drive; expiry degrades like any remote failure.
	PipelineTimeout time.Duration
	Demo            DemoOptions
}

type Orchestrator struct {
	reg    *escrow.Registry
	ledger Ledger
	judge  Judge
	exec   executor.Executor
	pub    Publisher

	log      *log.Logger
	metrics  Metrics
	seller   string
	timeout  time.Duration
	demo     DemoOptions
	inflight sync.WaitGroup

	mu      sync.Mutex
	driving map[int64]struct{}
}

func New(reg *escrow.Registry, l Ledger, j Judge, x executor.Executor, pub Publisher, opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	return &Orchestrator{
		reg:     reg,
		ledger:  l,
		judge:   j,
		exec:    x,
		pub:     pub,
		log:     opts.Logger,
		metrics: opts.Metrics,
		seller:  opts.DefaultSeller,
		timeout: opts.PipelineTimeout,
		demo:    opts.Demo,
		driving: map[int64]struct{}{},
	}
}

// Run opens an escrow for req and drives it to a terminal status. Only a
// ValidationError or a registry failure returns early; every remote failure is
// absorbed into the record.
func (o *Orchestrator) Run(ctx context.Context, req TaskRequest) (escrow.Escrow, error) {
	ctx = context.WithoutCancel(ctx)
	e, err := o.Open(ctx, req)
	if err != nil {
		return escrow.Escrow{}, err
	}
	return o.Drive(ctx, e.ID)
}

// Open binds the escrow on the ledger and records it as Created. A ledger
// failure leaves the record unbound (LedgerID 0) with a local id.
func (o *Orchestrator) Open(ctx context.Context, req TaskRequest) (escrow.Escrow, error) {
	task, err := taskText(strings.TrimSpace(req.Target), req.Body)
	if err != nil {
		return escrow.Escrow{}, err
	}
	return o.open(ctx, req, task)
}

func (o *Orchestrator) open(ctx context.Context, req TaskRequest, task string) (escrow.Escrow, error) {
	ctx = context.WithoutCancel(ctx)
	target := strings.TrimSpace(req.Target)
	if target == "" {
		return escrow.Escrow{}, &ValidationError{Field: "target", Msg: "missing target url"}
	}
	if req.Amount <= 0 {
		return escrow.Escrow{}, &ValidationError{Field: "amount", Msg: "escrow amount must be a positive integer"}
	}
	criteria := strings.TrimSpace(req.Criteria)
	if criteria == "" {
		criteria = DefaultCriteria
	}
	seller := strings.TrimSpace(req.Seller)
	if seller == "" {
		seller = o.seller
	}

	ledgerID, err := o.ledger.OpenEscrow(ctx, seller, req.Amount, ledger.TaskHash(task), o.ledger.JudgeRef())
	if err != nil {
		o.metrics.LedgerError("create")
		o.log.Printf("open: ledger create failed, continuing unbound seller=%s amount=%d err=%v", seller, req.Amount, err)
		ledgerID = 0
	}

	e, err := o.reg.Create(escrow.Escrow{
		LedgerID:        ledgerID,
		CounterpartyRef: target,
		Seller:          seller,
		Payer:           req.Payer,
		Task:            task,
		QualityCriteria: criteria,
		Amount:          req.Amount,
	}, ledgerID)
	if err != nil {
		return escrow.Escrow{}, err
	}
	o.metrics.EscrowOpened()
	o.pub.Publish(protocol.Created(e))
	o.log.Printf("open: escrow=%d ledger=%d amount=%d target=%s", e.ID, e.LedgerID, e.Amount, e.CounterpartyRef)
	return e, nil
}

// taskText is the request body as compact JSON, or the target when there is
// no body.
func taskText(target string, body []byte) (string, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return target, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return "", &ValidationError{Field: "body", Msg: "request body must be JSON"}
	}
	return buf.String(), nil
}

// jobBody recovers the forwarded body from a record. The task text is the
// compacted body whenever one was sent.
func jobBody(e escrow.Escrow) []byte {
	if e.Task == e.CounterpartyRef || !json.Valid([]byte(e.Task)) {
		return nil
	}
	return []byte(e.Task)
}

// Drive walks escrow id forward from its current status until it is terminal.
// Drive is not cancellable by ctx; only the pipeline timeout bounds the remote
// calls, and their failures degrade instead of aborting.
func (o *Orchestrator) Drive(ctx context.Context, id int64) (escrow.Escrow, error) {
	return o.drive(ctx, id, pacing{})
}

type pacing struct {
	beforeResult  time.Duration
	beforeJudging time.Duration
}

func (o *Orchestrator) drive(ctx context.Context, id int64, p pacing) (escrow.Escrow, error) {
	if !o.claim(id) {
		return escrow.Escrow{}, ErrBusy
	}
	defer o.release(id)

	ctx = context.WithoutCancel(ctx)
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	e, err := o.reg.Get(id)
	if err != nil {
		return escrow.Escrow{}, err
	}
	for !e.Status.Terminal() {
		switch e.Status {
		case escrow.StatusCreated:
			pause(p.beforeResult)
			e, err = o.execute(ctx, e)
		case escrow.StatusResultSubmitted:
			pause(p.beforeJudging)
			e, err = o.beginJudging(e)
		case escrow.StatusJudging:
			e, err = o.resolve(ctx, e)
		default:
			err = fmt.Errorf("orchestrator: escrow %d in unknown status %q", id, e.Status)
		}
		if err != nil {
			o.log.Printf("drive: escrow=%d stopped: %v", id, err)
			return e, err
		}
	}
	return e, nil
}

func (o *Orchestrator) claim(id int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.driving[id]; ok {
		return false
	}
	o.driving[id] = struct{}{}
	return true
}

func (o *Orchestrator) release(id int64) {
	o.mu.Lock()
	delete(o.driving, id)
	o.mu.Unlock()
}

func pause(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

// execute runs the task. An executor failure becomes the result text so the
// judge scores the failure.
func (o *Orchestrator) execute(ctx context.Context, e escrow.Escrow) (escrow.Escrow, error) {
	result, err := o.exec.Execute(ctx, executor.Job{Target: e.CounterpartyRef, Task: e.Task, Body: jobBody(e)})
	if err != nil {
		o.metrics.ExecutionFailed()
		o.log.Printf("execute: escrow=%d target=%s failed: %v", e.ID, e.CounterpartyRef, err)
		var xe *executor.Error
		if errors.As(err, &xe) && result == "" {
			result = xe.Text
		}
		if result == "" {
			result = err.Error()
		}
	}
	next, err := o.reg.SubmitResult(e.ID, result)
	if err != nil {
		return e, err
	}
	o.pub.Publish(protocol.ResultSubmitted(next))
	return next, nil
}

func (o *Orchestrator) beginJudging(e escrow.Escrow) (escrow.Escrow, error) {
	next, err := o.reg.BeginJudging(e.ID)
	if err != nil {
		return e, err
	}
	o.pub.Publish(protocol.Judging(next))
	return next, nil
}

// resolve scores the result and settles it. A failed settlement still
// resolves the record, with a synthesized reference marked unconfirmed for
// the reconciler.
func (o *Orchestrator) resolve(ctx context.Context, e escrow.Escrow) (escrow.Escrow, error) {
	if e.Verdict == nil {
		v := o.judge.Score(ctx, e.Task, e.QualityCriteria, e.Result)
		judged, err := o.reg.SetVerdict(e.ID, v)
		if err != nil {
			return e, err
		}
		e = judged
	}

	ref, state := "", escrow.SettlementConfirmed
	s, err := o.ledger.Settle(ctx, e.LedgerID, *e.Verdict)
	switch {
	case err != nil:
		o.metrics.LedgerError("settle")
		ref, state = UnconfirmedRef(), escrow.SettlementUnconfirmed
		o.log.Printf("resolve: escrow=%d ledger=%d settle failed, resolving unconfirmed ref=%s err=%v", e.ID, e.LedgerID, ref, err)
	case s.Simulated:
		ref, state = s.Ref, escrow.SettlementSimulated
	default:
		ref = s.Ref
	}

	done, err := o.reg.Resolve(e.ID, ref, state)
	if err != nil {
		return e, err
	}
	var took time.Duration
	if done.ResolvedAt != nil {
		took = done.ResolvedAt.Sub(done.CreatedAt)
	}
	o.metrics.EscrowResolved(string(done.Status), string(state), took)
	o.pub.Publish(protocol.Resolved(done))
	o.log.Printf("resolve: escrow=%d status=%s score=%d ref=%s state=%s", done.ID, done.Status, done.Verdict.Score, done.SettlementRef, state)
	return done, nil
}

// UnconfirmedRef is the placeholder reference of a settlement the ledger did
// not confirm.
func UnconfirmedRef() string { return "unconfirmed:" + uuid.NewString() }

// Resume drives every restored pre-terminal record to completion in the
// background and returns how many were started.
func (o *Orchestrator) Resume(ctx context.Context) int {
	pending := o.reg.Pending()
	for _, e := range pending {
		id := e.ID
		o.log.Printf("resume: escrow=%d status=%s", id, e.Status)
		o.goDrive(ctx, id, pacing{})
	}
	return len(pending)
}

func (o *Orchestrator) goDrive(ctx context.Context, id int64, p pacing) {
	ctx = context.WithoutCancel(ctx)
	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		_, _ = o.drive(ctx, id, p)
	}()
}

// Wait blocks until background drives finish or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
