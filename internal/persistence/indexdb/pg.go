package indexdb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"trustgate.ai/internal/escrow"
	"trustgate.ai/internal/protocol"
)

// PGIndex mirrors the sqlite index into Postgres for multi-reader setups.
type PGIndex struct {
	pool *pgxpool.Pool
	log  *log.Logger

	ch   chan eventRow
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64

	batchSize     int
	flushInterval time.Duration
}

func OpenPostgres(ctx context.Context, dsn string, logger *log.Logger) (*PGIndex, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PGIndex{
		pool:          pool,
		log:           logger,
		ch:            make(chan eventRow, 16384),
		batchSize:     128,
		flushInterval: 250 * time.Millisecond,
	}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func (s *PGIndex) initSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS escrows (
  id BIGINT PRIMARY KEY,
  ledger_id BIGINT NOT NULL,
  status TEXT NOT NULL,
  amount BIGINT NOT NULL,
  seller TEXT NOT NULL,
  score INTEGER,
  settlement_ref TEXT NOT NULL,
  settlement_state TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at BIGINT NOT NULL,
  snapshot JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_escrows_status ON escrows(status);
CREATE TABLE IF NOT EXISTS escrow_events (
  id BIGSERIAL PRIMARY KEY,
  seq BIGINT NOT NULL,
  escrow_id BIGINT NOT NULL,
  event TEXT NOT NULL,
  status TEXT NOT NULL,
  ts BIGINT NOT NULL,
  raw JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_escrow_events_escrow ON escrow_events(escrow_id, id);
`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PGIndex) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		s.pool.Close()
	})
	return nil
}

func (s *PGIndex) Dropped() uint64 { return s.dropped.Load() }

func (s *PGIndex) RecordEvent(ev protocol.Event) {
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
		s.dropped.Add(1)
	}
}

func (s *PGIndex) LoadEscrows(ctx context.Context) ([]escrow.Escrow, error) {
	rows, err := s.pool.Query(ctx, `SELECT snapshot FROM escrows ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []escrow.Escrow
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e escrow.Escrow
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("indexdb: decode escrow: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGIndex) loop() {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]eventRow, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.writeBatch(ctx, batch); err != nil {
			s.log.Printf("indexdb: postgres flush failed batch=%d err=%v", len(batch), err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case r, ok := <-s.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, r)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *PGIndex) writeBatch(ctx context.Context, rows []eventRow) error {
	b := &pgx.Batch{}
	for _, r := range rows {
		e := r.Escrow
		b.Queue(`INSERT INTO escrows(id,ledger_id,status,amount,seller,score,settlement_ref,settlement_state,created_at,updated_at,snapshot)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET ledger_id=EXCLUDED.ledger_id, status=EXCLUDED.status, amount=EXCLUDED.amount,
  seller=EXCLUDED.seller, score=EXCLUDED.score, settlement_ref=EXCLUDED.settlement_ref,
  settlement_state=EXCLUDED.settlement_state, updated_at=EXCLUDED.updated_at, snapshot=EXCLUDED.snapshot`,
			e.ID, e.LedgerID, string(e.Status), e.Amount, e.Seller, scoreOf(e), e.SettlementRef,
			string(e.SettlementState), e.CreatedAt, r.TS, string(r.Snapshot))
		b.Queue(`INSERT INTO escrow_events(seq,escrow_id,event,status,ts,raw) VALUES($1,$2,$3,$4,$5,$6)`,
			int64(r.Seq), r.EscrowID, r.Event, r.Status, r.TS, string(r.Raw))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
