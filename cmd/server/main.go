package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"trustgate.ai/internal/broadcast"
	"trustgate.ai/internal/config"
	"trustgate.ai/internal/escrow"
	"trustgate.ai/internal/executor"
	"trustgate.ai/internal/judge"
	"trustgate.ai/internal/ledger"
	"trustgate.ai/internal/mcptools"
	"trustgate.ai/internal/metrics"
	"trustgate.ai/internal/orchestrator"
	"trustgate.ai/internal/paygate"
	"trustgate.ai/internal/persistence/indexdb"
	persistlog "trustgate.ai/internal/persistence/log"
	"trustgate.ai/internal/persistence/s3mirror"
	"trustgate.ai/internal/persistence/snapshot"
	"trustgate.ai/internal/transport/httpapi"
	"trustgate.ai/internal/transport/observer"
)

func main() {
	var (
		configPath = flag.String("config", "trustgate.yaml", "config file (optional)")
		addr       = flag.String("addr", "", "http listen address (overrides config)")
		dataDir    = flag.String("data", "", "runtime data directory (overrides config)")
		indexFlag  = flag.String("index", "", "index backend: sqlite|postgres|ingest|none (overrides config)")
		judgeFlag  = flag.String("judge", "", "judge provider: gemini|openai|static (overrides config)")
		mcpListen  = flag.String("mcp_listen", "", "embedded MCP http listen address (overrides config; '-' disables)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath, true)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		logger.Fatalf("%v", err)
	}
	if err := cfg.ApplyAddressFile(); err != nil {
		logger.Fatalf("address file: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}
	if *indexFlag != "" {
		cfg.Storage.IndexDriver = *indexFlag
	}
	if *judgeFlag != "" {
		cfg.Judge.Provider = *judgeFlag
	}
	switch *mcpListen {
	case "":
	case "-":
		cfg.Server.MCPListen = ""
	default:
		cfg.Server.MCPListen = *mcpListen
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("%v", err)
	}
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	m := metrics.New()
	hub := broadcast.NewHub(log.New(os.Stdout, "[hub] ", log.LstdFlags|log.Lmicroseconds))
	m.RegisterSubscriberGauge(hub.Subscribers)

	mirror, err := openMirror(cfg.Storage, m, log.New(os.Stdout, "[mirror] ", log.LstdFlags|log.Lmicroseconds))
	if err != nil {
		logger.Fatalf("mirror: %v", err)
	}
	if mirror != nil {
		// Deferred first so it runs after the loggers have queued their last files.
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := mirror.Close(ctx); err != nil {
				logger.Printf("mirror: %v (stats=%+v)", err, mirror.Stats())
			}
		}()
	}
	if cfg.Storage.EventLog {
		eventLog := persistlog.NewEventLogger(cfg.Storage.DataDir, func(err error) {
			logger.Printf("event log: %v", err)
		})
		if mirror != nil {
			eventLog.OnFileClosed(mirror.Enqueue)
		}
		defer eventLog.Close()
		hub.AddSink(eventLog)
	}
	auditLog := persistlog.NewAuditLogger(cfg.Storage.DataDir)
	if mirror != nil {
		auditLog.OnFileClosed(mirror.Enqueue)
	}
	defer auditLog.Close()

	reg := escrow.NewRegistry()
	restoreSnapshot(reg, cfg.Storage.DataDir, logger)
	idx, err := openRuntimeIndex(ctx, cfg.Storage, log.New(os.Stdout, "[index] ", log.LstdFlags|log.Lmicroseconds))
	if err != nil {
		logger.Fatalf("index: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		recs, err := idx.LoadEscrows(ctx)
		if err != nil {
			logger.Printf("index: load escrows: %v", err)
		} else if n := reg.Restore(recs); n > 0 {
			logger.Printf("index: restored %d escrows", n)
		}
		hub.AddSink(indexdb.Sink{Index: idx})
	}
	logger.Printf("index backend=%s", cfg.Storage.IndexDriver)

	conn, closeLedger := openLedger(ctx, cfg.Ledger, logger)
	defer closeLedger()

	gate, err := openGate(cfg, conn, logger)
	if err != nil {
		logger.Fatalf("paygate: %v", err)
	}

	scorer, err := judge.NewScorer(cfg.Judge.Provider, cfg.Judge.BaseURL, cfg.Judge.Model, cfg.Judge.APIKey, cfg.Judge.AllowSplit, nil)
	if err != nil {
		logger.Fatalf("judge: %v", err)
	}
	jc, err := judge.New(scorer, judge.Options{
		Timeout:    cfg.Judge.Timeout,
		AllowSplit: cfg.Judge.AllowSplit,
		Logger:     log.New(os.Stdout, "[judge] ", log.LstdFlags|log.Lmicroseconds),
		OnFallback: func(error) { m.JudgeFallback() },
	})
	if err != nil {
		logger.Fatalf("judge: %v", err)
	}
	logger.Printf("judge provider=%s", jc.Provider())

	exec := executor.Router{
		Mock: executor.Mock{},
		HTTP: executor.NewHTTP(executor.HTTPOptions{
			Timeout:      cfg.Executor.Timeout,
			MaxBodyBytes: cfg.Executor.MaxBodyBytes,
			HMACSecret:   cfg.Executor.HMACSecret,
		}),
	}

	orch := orchestrator.New(reg, conn, jc, exec, hub, orchestrator.Options{
		Logger:          log.New(os.Stdout, "[escrow] ", log.LstdFlags|log.Lmicroseconds),
		Metrics:         m,
		DefaultSeller:   cfg.Ledger.DefaultSeller,
		PipelineTimeout: cfg.Server.PipelineTimeout,
		Demo: orchestrator.DemoOptions{
			ResultDelay: cfg.Demo.ResultDelay,
			JudgeDelay:  cfg.Demo.JudgeDelay,
		},
	})
	recon := orchestrator.NewReconciler(reg, conn, hub, orchestrator.ReconcilerOptions{
		Interval:    cfg.Reconcile.Interval,
		MaxAttempts: cfg.Reconcile.MaxAttempts,
		Logger:      log.New(os.Stdout, "[reconcile] ", log.LstdFlags|log.Lmicroseconds),
		Metrics:     m,
	})

	obs := observer.NewServer(hub, cfg.Server.SubscriberQueue, log.New(os.Stdout, "[observer] ", log.LstdFlags|log.Lmicroseconds))
	api := httpapi.New(httpapi.Deps{
		Registry:   reg,
		Gate:       gate,
		Pipeline:   orch,
		Reconciler: recon,
		Observer:   obs.WSHandler(),
		Metrics:    m.Handler(),
		Payments:   m,
		Audit:      auditLog,
	}, httpapi.Config{
		JWTSecret:    cfg.Admin.JWTSecret,
		DemoEnabled:  cfg.Demo.Enabled,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Network:      cfg.Payment.Network,
		Logger:       logger,
	})

	local := mcptools.Local{Registry: reg, Gate: gate}
	if cfg.Demo.Enabled {
		local.Demo = orch.Demo
	}
	mcpLogger := log.New(os.Stdout, "[mcp] ", log.LstdFlags|log.Lmicroseconds)
	em, err := startEmbeddedMCP(ctx, embeddedMCPCfg{
		Listen:    cfg.Server.MCPListen,
		JWTSecret: cfg.Admin.JWTSecret,
		Backend:   local,
	}, mcpLogger)
	if err != nil {
		logger.Fatalf("embedded mcp: %v", err)
	}
	defer em.Close()

	if n := orch.Resume(ctx); n > 0 {
		logger.Printf("resumed %d pending escrows", n)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Printf("listening on %s (public=%s simulated_ledger=%t demo=%t)",
			cfg.Server.Addr, cfg.Server.PublicURL, conn.Simulated(), cfg.Demo.Enabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return recon.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		ctx2, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx2)
		if err := orch.Wait(ctx2); err != nil {
			logger.Printf("shutdown: escrows still in flight: %v", err)
		}
		hub.Close()
		snapPath := snapshot.Path(cfg.Storage.DataDir)
		if err := snapshot.Write(snapPath, snapshot.Take(reg.List(), time.Now())); err != nil {
			logger.Printf("snapshot: %v", err)
		} else {
			logger.Printf("snapshot written to %s", snapPath)
		}
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("server: %v", err)
	}
	logger.Printf("stopped")
}

// restoreSnapshot seeds the registry from the last shutdown snapshot. A
// readable index restores on top of it, since Restore keeps the record that
// is furthest along.
func restoreSnapshot(reg *escrow.Registry, dataDir string, logger *log.Logger) {
	snap, err := snapshot.Read(snapshot.Path(dataDir))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return
	case err != nil:
		logger.Printf("snapshot: %v", err)
		return
	}
	n := reg.Restore(snap.Escrows)
	logger.Printf("snapshot: restored %d escrows (taken %s)", n, snap.Header.TakenAt.Format(time.RFC3339))
}

// openMirror returns nil when no mirror endpoint is configured.
func openMirror(st config.Storage, m *metrics.Metrics, logger *log.Logger) (*s3mirror.Mirror, error) {
	if !st.Mirror.Enabled() {
		return nil, nil
	}
	client, err := s3mirror.NewClient(s3mirror.ClientConfig{
		Endpoint:  st.Mirror.Endpoint,
		Bucket:    st.Mirror.Bucket,
		Region:    st.Mirror.Region,
		AccessKey: st.Mirror.AccessKey,
		SecretKey: st.Mirror.SecretKey,
	})
	if err != nil {
		return nil, err
	}
	logger.Printf("mirroring rotated logs to %s/%s prefix=%q", st.Mirror.Endpoint, st.Mirror.Bucket, st.Mirror.Prefix)
	return s3mirror.NewMirror(client, s3mirror.Options{
		DataDir:  st.DataDir,
		Prefix:   st.Mirror.Prefix,
		Workers:  2,
		OnResult: m.MirrorUpload,
		Logger:   logger,
	}), nil
}

// openLedger dials the escrow contract when one is configured. Without a
// contract, or when the dial fails, the connector runs simulated.
func openLedger(ctx context.Context, lc config.Ledger, logger *log.Logger) (*ledger.Connector, func()) {
	opts := ledger.Options{
		CallTimeout: lc.CallTimeout,
		Logger:      log.New(os.Stdout, "[ledger] ", log.LstdFlags|log.Lmicroseconds),
	}
	if strings.TrimSpace(lc.EscrowAddress) == "" {
		logger.Printf("ledger: no escrow contract configured, settlements are simulated")
		return ledger.NewConnector(nil, opts), func() {}
	}
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	evm, err := ledger.DialEVM(dialCtx, ledger.EVMConfig{
		RPCURL:        lc.RPCURL,
		EscrowAddress: lc.EscrowAddress,
		TokenAddress:  lc.TokenAddress,
		PrivateKey:    lc.PrivateKey,
		ChainID:       lc.ChainID,
	})
	if err != nil {
		logger.Printf("ledger: dial %s: %v (settlements are simulated)", lc.RPCURL, err)
		return ledger.NewConnector(nil, opts), func() {}
	}
	logger.Printf("ledger: escrow=%s operator=%s", lc.EscrowAddress, evm.Operator())
	return ledger.NewConnector(evm, opts), evm.Close
}

func openGate(cfg config.Config, conn *ledger.Connector, logger *log.Logger) (*paygate.Gate, error) {
	var replay paygate.ReplayStore
	switch cfg.Replay.Store {
	case "redis":
		replay = paygate.NewRedisReplay(redis.NewClient(&redis.Options{Addr: cfg.Replay.RedisAddr}))
		logger.Printf("paygate: replay store=redis addr=%s", cfg.Replay.RedisAddr)
	default:
		replay = paygate.NewMemoryReplay()
	}
	payTo := strings.TrimSpace(cfg.Payment.PayTo)
	if payTo == "" {
		payTo = conn.JudgeRef()
	}
	if payTo == "" {
		return nil, errors.New("paygate: payment.pay_to is not set and no escrow operator is bound")
	}
	return paygate.New(paygate.Config{
		Fee:               cfg.Payment.Fee,
		Network:           cfg.Payment.Network,
		Asset:             cfg.Payment.Asset,
		AssetName:         cfg.Payment.AssetName,
		AssetVersion:      cfg.Payment.AssetVersion,
		PayTo:             payTo,
		MaxTimeoutSeconds: cfg.Payment.MaxTimeoutSeconds,
		ResourceURL:       strings.TrimRight(cfg.Server.PublicURL, "/") + "/task-escrow",
		SettleOnVerify:    cfg.Payment.SettleOnVerify,
		ReplayTTL:         cfg.Replay.TTL,
	}, paygate.NewFacilitator(cfg.Payment.FacilitatorURL, cfg.Payment.VerifyTimeout), replay, log.New(os.Stdout, "[paygate] ", log.LstdFlags|log.Lmicroseconds))
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
