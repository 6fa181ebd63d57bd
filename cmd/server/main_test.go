package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"trustgate.ai/internal/config"
	"trustgate.ai/internal/escrow"
	"trustgate.ai/internal/ledger"
	"trustgate.ai/internal/mcptools"
	"trustgate.ai/internal/persistence/indexdb"
	persistlog "trustgate.ai/internal/persistence/log"
	"trustgate.ai/internal/persistence/snapshot"
	"trustgate.ai/internal/transport/httpapi"
)

func discardLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestOpenRuntimeIndex(t *testing.T) {
	ctx := context.Background()

	idx, err := openRuntimeIndex(ctx, config.Storage{IndexDriver: "none"}, discardLogger())
	if err != nil || idx != nil {
		t.Fatalf("none: idx=%v err=%v", idx, err)
	}

	dir := t.TempDir()
	idx, err = openRuntimeIndex(ctx, config.Storage{DataDir: dir, IndexDriver: "SQLite"}, discardLogger())
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	if _, ok := idx.(*indexdb.SQLiteIndex); !ok {
		t.Fatalf("sqlite: got %T", idx)
	}
	_ = idx.Close()
	if _, err := os.Stat(filepath.Join(dir, "index", "trustgate.sqlite")); err != nil {
		t.Fatalf("default sqlite path: %v", err)
	}

	if _, err := openRuntimeIndex(ctx, config.Storage{IndexDriver: "postgres"}, discardLogger()); err == nil {
		t.Fatalf("postgres without dsn should fail")
	}
	if _, err := openRuntimeIndex(ctx, config.Storage{IndexDriver: "ingest"}, discardLogger()); err == nil {
		t.Fatalf("ingest without url should fail")
	}
	if _, err := openRuntimeIndex(ctx, config.Storage{IndexDriver: "mongo"}, discardLogger()); err == nil {
		t.Fatalf("unknown backend should fail")
	}

	idx, err = openRuntimeIndex(ctx, config.Storage{IndexDriver: "ingest", IngestURL: "http://127.0.0.1:1/ingest"}, discardLogger())
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, ok := idx.(*indexdb.IngestIndex); !ok {
		t.Fatalf("ingest: got %T", idx)
	}
	_ = idx.Close()
}

func TestOpenGate_PayeeIsNeverTheSeller(t *testing.T) {
	cfg := config.Defaults()
	cfg.Payment.PayTo = ""
	conn := ledger.NewConnector(nil, ledger.Options{})
	if _, err := openGate(cfg, conn, discardLogger()); err == nil {
		t.Fatalf("expected error without pay_to or a bound operator")
	}

	cfg.Payment.PayTo = "0x2222222222222222222222222222222222222222"
	gate, err := openGate(cfg, conn, discardLogger())
	if err != nil {
		t.Fatalf("openGate: %v", err)
	}
	req := gate.Requirement(1000000)
	if req.Payee != cfg.Payment.PayTo || req.Payee == cfg.Ledger.DefaultSeller {
		t.Fatalf("payee=%q want %q", req.Payee, cfg.Payment.PayTo)
	}
	if req.ChargeAmount != 1000000+cfg.Payment.Fee {
		t.Fatalf("charge=%d", req.ChargeAmount)
	}
	doc := gate.Document(req)
	if doc.Accepts[0].Resource != "http://127.0.0.1:4021/task-escrow" {
		t.Fatalf("resource=%q", doc.Accepts[0].Resource)
	}
}

func TestOpenLedger_NoContractIsSimulated(t *testing.T) {
	conn, closeFn := openLedger(context.Background(), config.Ledger{}, discardLogger())
	defer closeFn()
	if !conn.Simulated() {
		t.Fatalf("expected simulated connector")
	}
}

func TestIsLoopbackListenAddress(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:4022": true,
		"localhost:4022": true,
		"[::1]:4022":     true,
		"0.0.0.0:4022":   false,
		":4022":          false,
		"10.0.0.5:4022":  false,
	}
	for addr, want := range cases {
		if got := isLoopbackListenAddress(addr); got != want {
			t.Fatalf("%s: got %v want %v", addr, got, want)
		}
	}
}

func TestStartEmbeddedMCP_Guards(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	backend := mcptools.Local{Registry: escrow.NewRegistry()}

	em, err := startEmbeddedMCP(ctx, embeddedMCPCfg{Backend: backend}, discardLogger())
	if err != nil || em != nil {
		t.Fatalf("empty listen should disable: em=%v err=%v", em, err)
	}
	if _, err := startEmbeddedMCP(ctx, embeddedMCPCfg{Listen: "0.0.0.0:0", Backend: backend}, discardLogger()); err == nil {
		t.Fatalf("non-loopback listen without secret should be refused")
	}

	em, err = startEmbeddedMCP(ctx, embeddedMCPCfg{Listen: "127.0.0.1:0", JWTSecret: "s3cret", Backend: backend}, discardLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer em.Close()

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Post("http://"+em.Addr()+"/mcp", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status=%d want 401", resp.StatusCode)
	}
}

func TestRequireAdminToken(t *testing.T) {
	h := requireAdminToken("s3cret", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rec.Code)
	}

	bad, _ := httpapi.MintAdminToken("other", "ops", time.Minute)
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+bad)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("foreign token: %d", rec.Code)
	}

	good, err := httpapi.MintAdminToken("s3cret", "ops", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	req = httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+good)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("valid token: %d", rec.Code)
	}
}

func TestOpenMirror_UploadsClosedLogs(t *testing.T) {
	if mir, err := openMirror(config.Storage{}, nil, discardLogger()); err != nil || mir != nil {
		t.Fatalf("disabled: mirror=%v err=%v", mir, err)
	}

	var (
		mu   sync.Mutex
		keys []string
	)
	s3 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.URL.Path)
		mu.Unlock()
	}))
	defer s3.Close()

	dir := t.TempDir()
	st := config.Storage{DataDir: dir, Mirror: config.Mirror{
		Endpoint: s3.URL, Bucket: "logs", AccessKey: "a", SecretKey: "s", Prefix: "node-1",
	}}
	mir, err := openMirror(st, nil, discardLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	audit := persistlog.NewAuditLogger(dir)
	audit.OnFileClosed(mir.Enqueue)
	if err := audit.WriteAudit(persistlog.AuditEntry{Actor: "cli", Action: "reconcile"}); err != nil {
		t.Fatalf("audit: %v", err)
	}
	if err := audit.Close(); err != nil {
		t.Fatalf("close audit: %v", err)
	}
	if err := mir.Close(context.Background()); err != nil {
		t.Fatalf("close mirror: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(keys) != 1 || !strings.HasPrefix(keys[0], "/logs/node-1/audit/audit-") {
		t.Fatalf("uploaded keys=%v", keys)
	}
}

func TestRestoreSnapshot(t *testing.T) {
	dir := t.TempDir()
	reg := escrow.NewRegistry()
	restoreSnapshot(reg, dir, discardLogger())
	if len(reg.List()) != 0 {
		t.Fatalf("missing snapshot should restore nothing")
	}

	recs := []escrow.Escrow{{ID: 4, Task: "t", QualityCriteria: "c", Amount: 10, Status: escrow.StatusCreated, CreatedAt: time.Now().UTC()}}
	if err := snapshot.Write(snapshot.Path(dir), snapshot.Take(recs, time.Now())); err != nil {
		t.Fatalf("write: %v", err)
	}
	restoreSnapshot(reg, dir, discardLogger())
	if got, err := reg.Get(4); err != nil || got.Amount != 10 {
		t.Fatalf("get: %+v %v", got, err)
	}
}
