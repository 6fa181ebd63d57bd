package indexdb

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"trustgate.ai/internal/escrow"
)

// postgresDSN reuses TG_PG_DSN when set, otherwise starts a container when
// TG_PG_TESTCONTAINERS=1 (requires docker).
func postgresDSN(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("TG_PG_DSN"); dsn != "" {
		return dsn
	}
	if os.Getenv("TG_PG_TESTCONTAINERS") != "1" {
		t.Skip("set TG_PG_DSN or TG_PG_TESTCONTAINERS=1 to run postgres tests")
	}
	ctx := context.Background()
	pgC, err := postgres.Run(ctx,
		"postgres:16",
		postgres.WithDatabase("trustgate"),
		postgres.WithUsername("trustgate"),
		postgres.WithPassword("trustgate"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { _ = pgC.Terminate(context.Background()) })
	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}
	return dsn
}

func TestPGIndex_RecordAndLoad(t *testing.T) {
	dsn := postgresDSN(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	idx, err := OpenPostgres(ctx, dsn, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := idx.pool.Exec(ctx, `TRUNCATE escrows, escrow_events`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	for _, ev := range lifecycle(11) {
		idx.RecordEvent(ev)
	}
	_ = idx.Close()

	idx, err = OpenPostgres(ctx, dsn, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx.Close()
	got, err := idx.LoadEscrows(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 || got[0].ID != 11 || got[0].Status != escrow.StatusApproved {
		t.Fatalf("unexpected escrows: %+v", got)
	}
	var n int
	if err := idx.pool.QueryRow(ctx, `SELECT count(*) FROM escrow_events WHERE escrow_id = 11`).Scan(&n); err != nil || n != 4 {
		t.Fatalf("expected 4 events, got %d (%v)", n, err)
	}
}
