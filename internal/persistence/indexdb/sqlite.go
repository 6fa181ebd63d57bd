package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"trustgate.ai/internal/escrow"
	"trustgate.ai/internal/protocol"
)

const (
	upsertEscrowSQL = `INSERT OR REPLACE INTO escrows(id,ledger_id,status,amount,seller,score,settlement_ref,settlement_state,created_at,updated_at,snapshot_json) VALUES(?,?,?,?,?,?,?,?,?,?,?)`
	insertEventSQL  = `INSERT INTO events(seq,escrow_id,event,status,ts,raw_json) VALUES(?,?,?,?,?,?)`
)

// errTxLost means the open transaction is gone along with its pending rows.
var errTxLost = errors.New("indexdb: transaction lost")

type SQLiteIndex struct {
	db           *sql.DB
	upsertEscrow *sql.Stmt
	insertEvent  *sql.Stmt

	ch   chan eventRow
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	upsert, err := db.Prepare(upsertEscrowSQL)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("indexdb: prepare escrow upsert: %w", err)
	}
	insert, err := db.Prepare(insertEventSQL)
	if err != nil {
		_ = upsert.Close()
		_ = db.Close()
		return nil, fmt.Errorf("indexdb: prepare event insert: %w", err)
	}

	s := &SQLiteIndex{
		db:           db,
		upsertEscrow: upsert,
		insertEvent:  insert,
		ch:           make(chan eventRow, 16384),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	// NORMAL is a decent durability/perf tradeoff for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS escrows (
			id INTEGER PRIMARY KEY,
			ledger_id INTEGER NOT NULL,
			status TEXT NOT NULL,
			amount INTEGER NOT NULL,
			seller TEXT NOT NULL,
			score INTEGER,
			settlement_ref TEXT NOT NULL,
			settlement_state TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			snapshot_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_escrows_status ON escrows(status);`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			seq INTEGER NOT NULL,
			escrow_id INTEGER NOT NULL,
			event TEXT NOT NULL,
			status TEXT NOT NULL,
			ts INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_escrow ON events(escrow_id, id);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		_ = s.upsertEscrow.Close()
		_ = s.insertEvent.Close()
		err = s.db.Close()
	})
	return err
}

// Dropped counts events that never reached the index: the writer fell behind,
// a row failed to write, or a batch failed to commit.
func (s *SQLiteIndex) Dropped() uint64 { return s.dropped.Load() }

func (s *SQLiteIndex) RecordEvent(ev protocol.Event) {
	if s == nil || s.closed.Load() {
		return
	}
	row, err := newEventRow(ev)
	if err != nil {
		return
	}
	select {
	case s.ch <- row:
	default:
		// Drop if the indexer falls behind; JSONL logs remain the source of truth.
		s.dropped.Add(1)
	}
}

func (s *SQLiteIndex) LoadEscrows(ctx context.Context) ([]escrow.Escrow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT snapshot_json FROM escrows ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []escrow.Escrow
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e escrow.Escrow
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("indexdb: decode escrow: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Events returns the indexed events of one escrow in write order.
func (s *SQLiteIndex) Events(ctx context.Context, escrowID int64) ([]protocol.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT raw_json FROM events WHERE escrow_id = ? ORDER BY id`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []protocol.Event
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var ev protocol.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	var (
		tx            *sql.Tx
		pending       int
		lastCommit    = time.Now()
		commitEvery   = 128
		commitMaxWait = 250 * time.Millisecond
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			// If we can't start a tx, we can't do much; sleep a bit.
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		pending = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.dropped.Add(uint64(pending))
		}
		tx = nil
		pending = 0
		lastCommit = time.Now()
	}
	abandon := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.dropped.Add(uint64(pending))
		tx = nil
		pending = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if pending >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	// Sparse traffic must still reach disk.
	ticker := time.NewTicker(commitMaxWait)
	defer ticker.Stop()

	for {
		var r eventRow
		select {
		case row, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			r = row
		case <-ticker.C:
			flushIfNeeded()
			continue
		}

		begin()
		if tx == nil {
			s.dropped.Add(1)
			continue
		}
		if err := s.writeRow(ctx, tx, r); err != nil {
			s.dropped.Add(1)
			if errors.Is(err, errTxLost) {
				abandon()
			}
			continue
		}
		pending++
		flushIfNeeded()
	}
}

// writeRow applies one event inside a savepoint so a failing row leaves the
// rest of the batch intact.
func (s *SQLiteIndex) writeRow(ctx context.Context, tx *sql.Tx, r eventRow) error {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT index_row"); err != nil {
		return fmt.Errorf("%w: %v", errTxLost, err)
	}
	undo := func(cause error) error {
		if _, err := tx.ExecContext(ctx, "ROLLBACK TO index_row"); err != nil {
			return fmt.Errorf("%w: %v", errTxLost, cause)
		}
		_, _ = tx.ExecContext(ctx, "RELEASE index_row")
		return cause
	}
	e := r.Escrow
	if _, err := tx.StmtContext(ctx, s.upsertEscrow).ExecContext(ctx,
		e.ID,
		e.LedgerID,
		string(e.Status),
		e.Amount,
		e.Seller,
		scoreOf(e),
		e.SettlementRef,
		string(e.SettlementState),
		e.CreatedAt.UnixMilli(),
		r.TS,
		string(r.Snapshot),
	); err != nil {
		return undo(err)
	}
	if _, err := tx.StmtContext(ctx, s.insertEvent).ExecContext(ctx, int64(r.Seq), r.EscrowID, r.Event, r.Status, r.TS, string(r.Raw)); err != nil {
		return undo(err)
	}
	if _, err := tx.ExecContext(ctx, "RELEASE index_row"); err != nil {
		return fmt.Errorf("%w: %v", errTxLost, err)
	}
	return nil
}
