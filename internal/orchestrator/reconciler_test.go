package orchestrator

import (
	"context"
	"errors"
	"testing"

	"trustgate.ai/internal/escrow"
	"trustgate.ai/internal/protocol"
)

func TestReconciler_ConfirmsUnconfirmedSettlement(t *testing.T) {
	l := &fakeLedger{nextID: 20, ref: "0xlater", settleErr: errors.New("rpc timeout")}
	o, reg, rec := newTestOrchestrator(t, l, nil)
	e, err := o.Run(context.Background(), TaskRequest{Target: "mock", Amount: 1000000})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	ref := e.SettlementRef

	r := NewReconciler(reg, l, rec, ReconcilerOptions{MaxAttempts: 5})
	res := r.Sweep(context.Background())
	if res.Checked != 1 || res.Failed != 1 || res.Reconciled != 0 {
		t.Fatalf("unexpected first sweep %+v", res)
	}
	if got, _ := reg.Get(e.ID); got.SettleAttempts != 2 || got.SettlementState != escrow.SettlementUnconfirmed {
		t.Fatalf("expected a counted attempt, got %+v", got)
	}

	l.setSettleErr(nil)
	res = r.Sweep(context.Background())
	if res.Reconciled != 1 {
		t.Fatalf("unexpected second sweep %+v", res)
	}
	got, _ := reg.Get(e.ID)
	if got.SettlementState != escrow.SettlementReconciled || got.LedgerTx != "0xlater" {
		t.Fatalf("expected reconciled with ledger tx, got %+v", got)
	}
	if got.SettlementRef != ref {
		t.Fatalf("settlement ref changed: %q -> %q", ref, got.SettlementRef)
	}
	evs := rec.forEscrow(e.ID)
	if last := evs[len(evs)-1]; last.Event != protocol.EventSettled || last.Data.LedgerTx != "0xlater" {
		t.Fatalf("expected settled event, got %+v", last)
	}
	if res := r.Sweep(context.Background()); res.Checked != 0 {
		t.Fatalf("reconciled escrow should not be checked again: %+v", res)
	}
}

func TestReconciler_StopsAfterMaxAttempts(t *testing.T) {
	l := &fakeLedger{nextID: 30, settleErr: errors.New("execution reverted")}
	o, reg, rec := newTestOrchestrator(t, l, nil)
	if _, err := o.Run(context.Background(), TaskRequest{Target: "mock-bad", Amount: 10}); err != nil {
		t.Fatalf("run: %v", err)
	}

	r := NewReconciler(reg, l, rec, ReconcilerOptions{MaxAttempts: 2})
	if res := r.Sweep(context.Background()); res.Failed != 1 {
		t.Fatalf("unexpected sweep %+v", res)
	}
	settles := len(l.settled)
	res := r.Sweep(context.Background())
	if res.Exhausted != 1 || res.Failed != 0 {
		t.Fatalf("expected exhausted escrow, got %+v", res)
	}
	if len(l.settled) != settles {
		t.Fatalf("exhausted escrow should not be settled again")
	}
	if got, _ := reg.Get(30); got.Status != escrow.StatusRefunded || got.SettlementState != escrow.SettlementUnconfirmed {
		t.Fatalf("unexpected record %+v", got)
	}
}
