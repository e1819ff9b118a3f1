// Command escrowd runs a Lightning escrow agent or client over Nostr.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/lnescrow/internal/agent"
	"github.com/mbd888/lnescrow/internal/client"
	"github.com/mbd888/lnescrow/internal/config"
	"github.com/mbd888/lnescrow/internal/escrow"
	"github.com/mbd888/lnescrow/internal/health"
	"github.com/mbd888/lnescrow/internal/logging"
	"github.com/mbd888/lnescrow/internal/metrics"
	"github.com/mbd888/lnescrow/internal/realtime"
	"github.com/mbd888/lnescrow/internal/relay"
	"github.com/mbd888/lnescrow/internal/relay/wsrelay"
	"github.com/mbd888/lnescrow/internal/server"
	"github.com/mbd888/lnescrow/internal/storage"
	"github.com/mbd888/lnescrow/internal/traces"
	"github.com/mbd888/lnescrow/internal/wallet"
	"github.com/mbd888/lnescrow/internal/wallet/natswallet"
	"github.com/mbd888/lnescrow/internal/webhooks"
	"github.com/mbd888/lnescrow/migrations"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting escrowd",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"role", cfg.Role,
		"network", cfg.Network,
		"storage", cfg.StorageBackend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("escrowd failed", "error", err)
		os.Exit(1)
	}
	logger.Info("escrowd stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, "escrowd-"+cfg.Role, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	w, closeWallet, err := openWallet(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeWallet()

	rcfg := relay.DefaultConfig(cfg.Relays)
	rcfg.Proxy = cfg.Proxy
	rcfg.GracePeriod = cfg.RelayGracePeriod
	sched := relay.NewScheduler(rcfg, wsrelay.New(logger), logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start relay scheduler: %w", err)
	}
	defer sched.Stop()

	hub := realtime.NewHub(logger)
	obs := escrow.Observers(hub)
	if len(cfg.WebhookURLs) > 0 {
		targets := make([]webhooks.Target, 0, len(cfg.WebhookURLs))
		for _, u := range cfg.WebhookURLs {
			targets = append(targets, webhooks.Target{URL: u, Secret: cfg.WebhookSecret})
		}
		d := webhooks.NewDispatcher(targets, logger)
		go d.Run(ctx)
		obs = escrow.Observers(hub, d)
		logger.Info("webhooks enabled", "targets", len(targets))
	}
	reg := health.NewRegistry(0)
	reg.Register("storage", health.Storage(store))
	reg.Register("relays", health.Flag(sched.Running, "relay scheduler stopped"))

	opts := []server.Option{server.WithLogger(logger), server.WithHealth(reg), server.WithHub(hub)}
	switch cfg.Role {
	case config.RoleAgent:
		a, err := startAgent(ctx, cfg, w, sched, store, obs, logger)
		if err != nil {
			return err
		}
		defer a.Stop()
		reg.Register("agent", health.Flag(a.Alive, "agent stopped"))
		opts = append(opts, server.WithAgent(a))
	default:
		c, err := startClient(ctx, cfg, w, sched, store, obs, logger)
		if err != nil {
			return err
		}
		defer c.Stop()
		reg.Register("client", health.Flag(c.Alive, "client stopped"))
		opts = append(opts, server.WithClient(c))
	}

	srv, err := server.New(cfg, opts...)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

func startAgent(ctx context.Context, cfg *config.Config, w wallet.Wallet, sched *relay.Scheduler, store storage.Store, obs escrow.Observer, logger *slog.Logger) (*agent.Agent, error) {
	if err := agent.Enable(ctx, store, w.ID()); err != nil {
		return nil, fmt.Errorf("enable agent: %w", err)
	}
	acfg := agent.DefaultConfig(cfg.Network)
	acfg.Relays = cfg.Relays
	acfg.PendingCapacity = cfg.PendingTradeCapacity
	acfg.MinTradeAmountSat = cfg.MinTradeAmountSat
	acfg.Observer = obs
	a, err := agent.New(w, sched, store, logger, acfg)
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	if err := a.Start(ctx); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}
	logger.Info("agent running", "pubkey", a.PubKey())
	return a, nil
}

func startClient(ctx context.Context, cfg *config.Config, w wallet.Wallet, sched *relay.Scheduler, store storage.Store, obs escrow.Observer, logger *slog.Logger) (*client.Client, error) {
	enabled, err := agent.IsEnabled(ctx, store, w.ID())
	if err != nil {
		return nil, fmt.Errorf("check wallet mode: %w", err)
	}
	if enabled {
		return nil, errors.New("wallet is running in agent mode; set ESCROW_ROLE=agent or use another WALLET_ID")
	}
	c := client.New(w, sched, store, logger, client.Config{Network: cfg.Network, Observer: obs})
	for _, pub := range cfg.TrustedAgents {
		if err := c.AddTrustedAgent(ctx, pub); err != nil {
			return nil, fmt.Errorf("trust agent %s: %w", pub, err)
		}
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("start client: %w", err)
	}
	return c, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, func(), error) {
	switch cfg.StorageBackend {
	case config.BackendLevelDB:
		s, err := storage.OpenLevelDB(cfg.LevelDBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open leveldb: %w", err)
		}
		logger.Info("using leveldb storage", "path", cfg.LevelDBPath)
		return s, func() { _ = s.Close() }, nil
	case config.BackendPostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("connect database: %w", err)
		}
		goose.SetBaseFS(migrations.FS)
		goose.SetLogger(goose.NopLogger())
		if err := goose.SetDialect("postgres"); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		if err := goose.UpContext(pctx, db, "."); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrate database: %w", err)
		}
		go metrics.StartDBStatsCollector(ctx, db, 15*time.Second)
		logger.Info("using postgres storage")
		return storage.NewPostgresStore(db), func() { _ = db.Close() }, nil
	default:
		logger.Warn("using in-memory storage, trades are lost on restart")
		s := storage.NewMemoryStore()
		return s, func() { _ = s.Close() }, nil
	}
}

func openWallet(ctx context.Context, cfg *config.Config, logger *slog.Logger) (wallet.Wallet, func(), error) {
	if cfg.WalletNATSURL != "" {
		w, err := natswallet.Dial(ctx, cfg.WalletNATSURL, cfg.WalletNATSSubject, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using remote wallet", "walletId", w.ID())
		return w, func() { _ = w.Close() }, nil
	}
	if cfg.IsProduction() {
		return nil, nil, errors.New("WALLET_NATS_URL is required in production")
	}
	logger.Warn("using in-memory wallet, for development only")
	w := wallet.NewMemoryWallet(cfg.WalletID, wallet.NewMemoryNetwork(), cfg.Network.Params(), 0)
	return w, func() {}, nil
}
