// Package indexdb keeps a queryable read model of escrows and their
// lifecycle events. The zstd event log stays the source of truth; indexes
// drop writes rather than stall the pipeline.
package indexdb

import (
	"context"
	"encoding/json"

	"trustgate.ai/internal/escrow"
	"trustgate.ai/internal/protocol"
)

type Index interface {
	// RecordEvent enqueues ev without blocking.
	RecordEvent(ev protocol.Event)
	// LoadEscrows returns the latest snapshot of every indexed escrow.
	LoadEscrows(ctx context.Context) ([]escrow.Escrow, error)
	Close() error
}

// Sink adapts an Index to a broadcast sink.
type Sink struct{ Index Index }

func (s Sink) HandleEvent(ev protocol.Event) {
	if s.Index != nil {
		s.Index.RecordEvent(ev)
	}
}

type eventRow struct {
	Seq      uint64
	EscrowID int64
	Event    string
	Status   string
	TS       int64
	Raw      []byte
	Snapshot []byte
	Escrow   escrow.Escrow
}

func newEventRow(ev protocol.Event) (eventRow, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return eventRow{}, err
	}
	snap, err := json.Marshal(ev.Data)
	if err != nil {
		return eventRow{}, err
	}
	return eventRow{
		Seq:      ev.Seq,
		EscrowID: ev.Data.ID,
		Event:    string(ev.Event),
		Status:   string(ev.Data.Status),
		TS:       ev.Timestamp,
		Raw:      raw,
		Snapshot: snap,
		Escrow:   ev.Data,
	}, nil
}

func scoreOf(e escrow.Escrow) any {
	if e.Verdict == nil {
		return nil
	}
	return e.Verdict.Score
}
