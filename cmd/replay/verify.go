package main

import (
	"fmt"
	"sort"

	"trustgate.ai/internal/escrow"
	"trustgate.ai/internal/protocol"
)

// verifier folds a lifecycle event stream and checks that every escrow only
// moves forward and never rewrites its verdict or settlement reference.
type verifier struct {
	last    map[int64]escrow.Escrow
	seenRun map[int64]int
	lastSeq uint64
	run     int
	events  int
	partial int
}

func newVerifier() *verifier {
	return &verifier{last: make(map[int64]escrow.Escrow), seenRun: make(map[int64]int)}
}

func (v *verifier) apply(ev protocol.Event) error {
	v.events++
	if err := ev.Check(); err != nil {
		return err
	}
	e := ev.Data
	if e.ID <= 0 {
		return fmt.Errorf("%s event without escrow id", ev.Event)
	}
	if ev.Seq > 0 {
		switch {
		case ev.Seq == 1 && v.lastSeq > 0:
			// Server restart.
			v.run++
		case ev.Seq <= v.lastSeq:
			return fmt.Errorf("escrow %d: seq %d after %d", e.ID, ev.Seq, v.lastSeq)
		}
		v.lastSeq = ev.Seq
	}
	if e.Amount <= 0 {
		return fmt.Errorf("escrow %d: non-positive amount %d", e.ID, e.Amount)
	}
	if e.Status.Terminal() && (e.Verdict == nil || e.SettlementRef == "") {
		return fmt.Errorf("escrow %d: terminal status %s without verdict or settlement", e.ID, e.Status)
	}
	if e.ResolvedAt != nil && e.ResolvedAt.Before(e.CreatedAt) {
		return fmt.Errorf("escrow %d: resolved before created", e.ID)
	}

	prev, seen := v.last[e.ID]
	if seen && ev.Event == protocol.EventCreated && v.seenRun[e.ID] < v.run {
		// Ids restart with the server when no index restores the registry.
		seen = false
	}
	v.seenRun[e.ID] = v.run
	if !seen {
		if ev.Event != protocol.EventCreated {
			// Older log files were pruned; start from whatever we have.
			v.partial++
		}
		v.last[e.ID] = e.Clone()
		return nil
	}

	if ev.Event == protocol.EventCreated {
		return fmt.Errorf("escrow %d: created twice", e.ID)
	}
	if e.Status.Rank() < prev.Status.Rank() {
		return fmt.Errorf("escrow %d: status moved back %s -> %s", e.ID, prev.Status, e.Status)
	}
	if prev.Status.Terminal() && e.Status != prev.Status {
		return fmt.Errorf("escrow %d: terminal status changed %s -> %s", e.ID, prev.Status, e.Status)
	}
	if prev.Verdict != nil {
		if e.Verdict == nil || e.Verdict.Score != prev.Verdict.Score || e.Verdict.Decision != prev.Verdict.Decision {
			return fmt.Errorf("escrow %d: verdict rewritten", e.ID)
		}
	}
	if prev.SettlementRef != "" && e.SettlementRef != prev.SettlementRef {
		return fmt.Errorf("escrow %d: settlement ref rewritten %s -> %s", e.ID, prev.SettlementRef, e.SettlementRef)
	}
	if prev.Amount != e.Amount || prev.Task != e.Task {
		return fmt.Errorf("escrow %d: terms changed after creation", e.ID)
	}
	if ev.Event == protocol.EventSettled {
		if prev.SettlementState != escrow.SettlementUnconfirmed {
			return fmt.Errorf("escrow %d: settled event for %q settlement", e.ID, prev.SettlementState)
		}
		if e.SettlementState != escrow.SettlementReconciled || e.LedgerTx == "" {
			return fmt.Errorf("escrow %d: settled event without ledger confirmation", e.ID)
		}
	}
	v.last[e.ID] = e.Clone()
	return nil
}

// final returns the last known state of every escrow by id.
func (v *verifier) final() []escrow.Escrow {
	out := make([]escrow.Escrow, 0, len(v.last))
	for _, e := range v.last {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v *verifier) statusCounts() map[escrow.Status]int {
	out := make(map[escrow.Status]int)
	for _, e := range v.last {
		out[e.Status]++
	}
	return out
}
