package log

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"trustgate.ai/internal/escrow"
	"trustgate.ai/internal/protocol"
)

func TestEventLogger_RoundTripAcrossRotation(t *testing.T) {
	dir := t.TempDir()
	l := NewEventLogger(dir, nil)
	now := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	l.w.now = func() time.Time { return now }

	e := escrow.Escrow{ID: 1, Status: escrow.StatusCreated, Amount: 5}
	ev := protocol.Created(e)
	ev.Seq = 1
	l.HandleEvent(ev)

	now = now.Add(2 * time.Minute) // next hour
	e.Status = escrow.StatusResultSubmitted
	ev = protocol.ResultSubmitted(e)
	ev.Seq = 2
	l.HandleEvent(ev)
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := Files(filepath.Join(dir, "events"), "events")
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	if len(files) != 2 || filepath.Base(files[0]) != "events-2026-03-01-10.jsonl.zst" {
		t.Fatalf("unexpected files %v", files)
	}

	var seqs []uint64
	err = ReadEvents(dir, func(_ string, ev protocol.Event) error {
		seqs = append(seqs, ev.Seq)
		return nil
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Fatalf("unexpected replay %v", seqs)
	}
}

func TestJSONLZstdWriter_ReopenAppends(t *testing.T) {
	dir := t.TempDir()
	fixed := func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }

	for i := 0; i < 2; i++ {
		w := NewJSONLZstdWriter(dir, "audit")
		w.now = fixed
		if err := w.Write(AuditEntry{Actor: "admin", Action: "reconcile", EscrowID: int64(i + 1)}); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}

	files, _ := Files(dir, "audit")
	if len(files) != 1 {
		t.Fatalf("expected one file, got %v", files)
	}
	var ids []int64
	err := ReadLines(files[0], func(line []byte) error {
		var a AuditEntry
		if err := json.Unmarshal(line, &a); err != nil {
			return err
		}
		ids = append(ids, a.EscrowID)
		return nil
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("expected both sessions' lines, got %v", ids)
	}
}

func TestJSONLZstdWriter_OnFileClosed(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	w := NewJSONLZstdWriter(dir, "events")
	w.now = func() time.Time { return now }
	var closed []string
	w.OnFileClosed(func(p string) { closed = append(closed, filepath.Base(p)) })

	if err := w.Write(map[string]int{"n": 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(closed) != 0 {
		t.Fatalf("nothing should be closed yet: %v", closed)
	}
	now = now.Add(time.Hour)
	if err := w.Write(map[string]int{"n": 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	want := []string{"events-2026-03-01-10.jsonl.zst", "events-2026-03-01-11.jsonl.zst"}
	if len(closed) != 2 || closed[0] != want[0] || closed[1] != want[1] {
		t.Fatalf("closed=%v want %v", closed, want)
	}
}
