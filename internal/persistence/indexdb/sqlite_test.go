package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"trustgate.ai/internal/escrow"
	"trustgate.ai/internal/protocol"
)

func lifecycle(id int64) []protocol.Event {
	created := time.Unix(1700000000, 0).UTC()
	e := escrow.Escrow{ID: id, Amount: 1000000, Seller: "0xseller", Task: "t", Status: escrow.StatusCreated, CreatedAt: created}
	var evs []protocol.Event
	evs = append(evs, protocol.Created(e))
	e.Status = escrow.StatusResultSubmitted
	e.Result = "[EXCELLENT] ok"
	evs = append(evs, protocol.ResultSubmitted(e))
	e.Status = escrow.StatusJudging
	evs = append(evs, protocol.Judging(e))
	e.Status = escrow.StatusApproved
	e.Verdict = &escrow.Verdict{Score: 90, Decision: escrow.DecisionApprove, Reason: "good"}
	e.SettlementRef = "0xabc"
	e.SettlementState = escrow.SettlementConfirmed
	resolved := created.Add(time.Second)
	e.ResolvedAt = &resolved
	evs = append(evs, protocol.Resolved(e))
	for i := range evs {
		evs[i].Seq = uint64(i + 1)
	}
	return evs
}

func TestSQLiteIndex_RecordAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index", "trustgate.sqlite")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, ev := range lifecycle(7) {
		idx.RecordEvent(ev)
	}
	created := lifecycle(8)[0]
	idx.RecordEvent(created)
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	idx, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx.Close()

	got, err := idx.LoadEscrows(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 escrows, got %d", len(got))
	}
	if got[0].ID != 7 || got[0].Status != escrow.StatusApproved || got[0].Verdict == nil || got[0].SettlementRef != "0xabc" {
		t.Fatalf("unexpected latest snapshot: %+v", got[0])
	}
	if got[1].ID != 8 || got[1].Status != escrow.StatusCreated {
		t.Fatalf("unexpected second escrow: %+v", got[1])
	}

	evs, err := idx.Events(context.Background(), 7)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evs) != 4 || evs[0].Event != protocol.EventCreated || evs[3].Event != protocol.EventResolved {
		t.Fatalf("unexpected event history: %+v", evs)
	}
}

func TestSQLiteIndex_FailedRowKeepsBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trustgate.sqlite")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := idx.db.Exec(`CREATE TRIGGER reject_escrow_13 BEFORE INSERT ON events WHEN NEW.escrow_id = 13
		BEGIN SELECT RAISE(ABORT, 'rejected'); END;`); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	for _, id := range []int64{1, 13, 2} {
		idx.RecordEvent(lifecycle(id)[0])
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if idx.Dropped() != 1 {
		t.Fatalf("dropped=%d want 1", idx.Dropped())
	}

	idx, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx.Close()
	got, err := idx.LoadEscrows(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 2 {
		t.Fatalf("expected escrows 1 and 2 to survive, got %+v", got)
	}
	if evs, _ := idx.Events(context.Background(), 13); len(evs) != 0 {
		t.Fatalf("rejected event was indexed: %+v", evs)
	}
}

func TestSQLiteIndex_FlushesWithoutClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trustgate.sqlite")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer idx.Close()
	idx.RecordEvent(lifecycle(1)[0])

	deadline := time.Now().Add(3 * time.Second)
	for {
		got, err := idx.LoadEscrows(context.Background())
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if len(got) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("event not committed by the background flush")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSQLiteIndex_Columns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trustgate.sqlite")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, ev := range lifecycle(3) {
		Sink{Index: idx}.HandleEvent(ev)
	}
	_ = idx.Close()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	defer db.Close()
	var status, state string
	var score int
	if err := db.QueryRow(`SELECT status, settlement_state, score FROM escrows WHERE id = 3`).Scan(&status, &state, &score); err != nil {
		t.Fatalf("query: %v", err)
	}
	if status != "Approved" || state != "confirmed" || score != 90 {
		t.Fatalf("unexpected row: %s %s %d", status, state, score)
	}
}

func TestIngestIndex_BatchesEvents(t *testing.T) {
	var mu sync.Mutex
	var kinds []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(ingestTokenHeader) != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body struct {
			Events []ingestEvent `json:"events"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		for _, ev := range body.Events {
			kinds = append(kinds, ev.Kind)
		}
		mu.Unlock()
	}))
	defer srv.Close()

	idx, err := OpenIngest(IngestConfig{Endpoint: srv.URL, Token: "tok", BatchSize: 2, FlushInterval: time.Hour})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, ev := range lifecycle(1) {
		idx.RecordEvent(ev)
	}
	_ = idx.Close()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"created", "result_submitted", "judging", "resolved"}
	if len(kinds) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("unexpected order %v", kinds)
		}
	}
}
