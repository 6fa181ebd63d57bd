package orchestrator

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"trustgate.ai/internal/escrow"
	"trustgate.ai/internal/protocol"
)

type ReconcilerOptions struct {
	Interval    time.Duration
	MaxAttempts int
	Logger      *log.Logger
	Metrics     Metrics
}

// Reconciler retries settlements that were resolved without ledger
// confirmation. The settlement reference published at resolve time is kept;
// the confirmed transaction is recorded next to it.
type Reconciler struct {
	reg    *escrow.Registry
	ledger Ledger
	pub    Publisher

	interval    time.Duration
	maxAttempts int
	log         *log.Logger
	metrics     Metrics

	// One sweep at a time, so no escrow sees two concurrent settle calls.
	sweepMu sync.Mutex
}

type SweepResult struct {
	Checked    int `json:"checked"`
	Reconciled int `json:"reconciled"`
	Failed     int `json:"failed"`
	Exhausted  int `json:"exhausted"`
}

func NewReconciler(reg *escrow.Registry, l Ledger, pub Publisher, opts ReconcilerOptions) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	return &Reconciler{
		reg:         reg,
		ledger:      l,
		pub:         pub,
		interval:    opts.Interval,
		maxAttempts: opts.MaxAttempts,
		log:         opts.Logger,
		metrics:     opts.Metrics,
	}
}

// Run sweeps every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res := r.Sweep(ctx)
			if res.Checked > 0 {
				r.log.Printf("reconcile: checked=%d reconciled=%d failed=%d exhausted=%d",
					res.Checked, res.Reconciled, res.Failed, res.Exhausted)
			}
		}
	}
}

// Sweep makes one settle attempt for every unconfirmed escrow that has
// attempts left.
func (r *Reconciler) Sweep(ctx context.Context) SweepResult {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	var res SweepResult
	for _, e := range r.reg.Unconfirmed() {
		if ctx.Err() != nil {
			break
		}
		res.Checked++
		if e.SettleAttempts >= r.maxAttempts {
			res.Exhausted++
			continue
		}
		if e.Verdict == nil {
			res.Failed++
			continue
		}
		s, err := r.ledger.Settle(ctx, e.LedgerID, *e.Verdict)
		if err != nil {
			res.Failed++
			r.metrics.LedgerError("settle")
			r.metrics.Reconcile("failed")
			if _, aerr := r.reg.RecordSettleAttempt(e.ID); aerr != nil {
				r.log.Printf("reconcile: escrow=%d record attempt: %v", e.ID, aerr)
			}
			r.log.Printf("reconcile: escrow=%d ledger=%d attempt=%d failed: %v", e.ID, e.LedgerID, e.SettleAttempts+1, err)
			continue
		}
		done, err := r.reg.MarkReconciled(e.ID, s.Ref)
		if err != nil {
			r.log.Printf("reconcile: escrow=%d mark reconciled: %v", e.ID, err)
			continue
		}
		res.Reconciled++
		r.metrics.Reconcile("reconciled")
		r.pub.Publish(protocol.Settled(done))
		r.log.Printf("reconcile: escrow=%d ledger=%d tx=%s", done.ID, done.LedgerID, done.LedgerTx)
	}
	return res
}
