package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// dbCmd queries the sqlite index written by the server.
//
//	admin db [escrows|events|status] [-status S] [-id N] [-limit N]
func dbCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("db", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional; defaults to <data>/index/trustgate.sqlite)")
	limit := fs.Int("limit", 20, "result limit")
	status := fs.String("status", "", "status filter (escrows)")
	id := fs.Int64("id", 0, "escrow id (events)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	q := "escrows"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "trustgate.sqlite")
	}
	if *limit <= 0 {
		*limit = 20
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer db.Close()
	enc := json.NewEncoder(out)

	switch q {
	case "escrows":
		query := `SELECT id,ledger_id,status,amount,seller,score,settlement_ref,settlement_state,created_at,updated_at FROM escrows`
		var qargs []any
		if s := strings.TrimSpace(*status); s != "" {
			query += ` WHERE status = ?`
			qargs = append(qargs, s)
		}
		query += ` ORDER BY id DESC LIMIT ?`
		qargs = append(qargs, *limit)
		rows, err := db.Query(query, qargs...)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				ID              int64  `json:"id"`
				LedgerID        int64  `json:"ledger_id"`
				Status          string `json:"status"`
				Amount          int64  `json:"amount"`
				Seller          string `json:"seller"`
				Score           *int64 `json:"score"`
				SettlementRef   string `json:"settlement_ref"`
				SettlementState string `json:"settlement_state"`
				CreatedAt       int64  `json:"created_at"`
				UpdatedAt       int64  `json:"updated_at"`
			}
			var score sql.NullInt64
			if err := rows.Scan(&r.ID, &r.LedgerID, &r.Status, &r.Amount, &r.Seller, &score, &r.SettlementRef, &r.SettlementState, &r.CreatedAt, &r.UpdatedAt); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			if score.Valid {
				r.Score = &score.Int64
			}
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return rows.Err()

	case "events":
		if *id <= 0 {
			return fmt.Errorf("%w: events requires -id", errUsage)
		}
		rows, err := db.Query(`SELECT seq,event,status,ts FROM events WHERE escrow_id = ? ORDER BY id LIMIT ?`, *id, *limit)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Seq    uint64 `json:"seq"`
				Event  string `json:"event"`
				Status string `json:"status"`
				TS     int64  `json:"ts"`
			}
			if err := rows.Scan(&r.Seq, &r.Event, &r.Status, &r.TS); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return rows.Err()

	case "status":
		rows, err := db.Query(`SELECT status, COUNT(*), COALESCE(SUM(amount),0) FROM escrows GROUP BY status ORDER BY status`)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Status string `json:"status"`
				Count  int64  `json:"count"`
				Volume int64  `json:"volume"`
			}
			if err := rows.Scan(&r.Status, &r.Count, &r.Volume); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return rows.Err()

	default:
		return fmt.Errorf("%w: unknown db query %q (escrows|events|status)", errUsage, q)
	}
}
