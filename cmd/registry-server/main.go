// Package main provides the configuration registry server entry point.
// It wires the document store, command bus, referential integrity service,
// audit trail, seeder, and HTTP admin surface into a single process.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/dataflow-works/config-registry/internal/config"
	"github.com/dataflow-works/config-registry/internal/datastore"
	"github.com/dataflow-works/config-registry/internal/server"
	"github.com/dataflow-works/config-registry/pkg/audit"
	"github.com/dataflow-works/config-registry/pkg/commands"
	"github.com/dataflow-works/config-registry/pkg/events"
	"github.com/dataflow-works/config-registry/pkg/ha"
	"github.com/dataflow-works/config-registry/pkg/refgraph"
	"github.com/dataflow-works/config-registry/pkg/seed"
	"github.com/dataflow-works/config-registry/pkg/store"
)

func main() {
	var (
		configPath   string
		listenAddr   string
		databaseType string
		databaseDSN  string
		seedPath     string
	)

	flag.StringVar(&configPath, "config", "", "Path to registry config file")
	flag.StringVar(&listenAddr, "listen", "", "Address to listen on (overrides REGISTRY_LISTEN)")
	flag.StringVar(&databaseType, "db-type", "", "Database type: postgres, mysql, or sqlite (overrides REGISTRY_DATABASE_TYPE)")
	flag.StringVar(&databaseDSN, "db-dsn", "", "Database connection string (overrides REGISTRY_DATABASE_DSN)")
	flag.StringVar(&seedPath, "seed", "", "Path to a seed document (overrides REGISTRY_SEED_PATH)")
	flag.Parse()

	// Flag values enter the loader through its environment defaults, so a
	// bare invocation works without a config file. Explicit file values
	// still take precedence.
	if listenAddr != "" {
		os.Setenv("REGISTRY_LISTEN", listenAddr)
	}
	if databaseType != "" {
		os.Setenv("REGISTRY_DATABASE_TYPE", databaseType)
	}
	if databaseDSN != "" {
		os.Setenv("REGISTRY_DATABASE_DSN", databaseDSN)
	}
	if seedPath != "" {
		os.Setenv("REGISTRY_SEED_PATH", seedPath)
	}

	// Initialize glog for backwards compatibility
	_ = flag.Set("logtostderr", "true")

	// Set up structured logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		glog.Fatalf("Failed to load config: %v", err)
	}

	logger.Info("starting registry server",
		"listen", cfg.Server.Listen,
		"database", cfg.Database.Type,
		"authMode", cfg.Server.AuthMode,
	)

	// Setup database
	db, err := datastore.Connect(cfg.Database)
	if err != nil {
		glog.Fatalf("Failed to connect to database: %v", err)
	}

	docs := store.NewDocumentStore(db)
	auditStore := audit.NewStore(db)

	migrations := []func() error{docs.AutoMigrate, auditStore.AutoMigrate}

	leaderCfg := ha.ConfigFromEnv()
	var elector *ha.LeaderElector
	if leaderCfg.Enabled {
		elector = ha.NewLeaderElector(db, leaderCfg, logger)
		migrations = append(migrations, elector.AutoMigrate)
	}

	if err := datastore.Migrate(ctx, db, migrations...); err != nil {
		glog.Fatalf("Failed to run migrations: %v", err)
	}

	// Core services: reference graph, event broker, command dispatch.
	integrity := refgraph.NewService(docs, refgraph.DefaultGraph())
	broker := events.NewBrokerWithBuffer(cfg.Events.BufferSize)

	dispatcher := commands.NewDispatcher(commands.DispatcherConfig{
		Integrity: integrity,
		Publisher: broker,
		Guard:     datastore.NewDeleteGuard(db),
		Logger:    logger,
	})
	commands.RegisterAll(dispatcher, docs)

	busCfg := cfg.Command.Bus()
	bus := commands.NewBus(dispatcher, &busCfg, logger)
	go bus.Run(ctx)

	// Loops that must not run on more than one replica at once. The audit
	// recorder is not one of them: it drains the local broker, so every
	// replica runs its own.
	var singletons []func(context.Context)

	if cfg.Audit.Enabled {
		recorder := audit.NewRecorder(auditStore, broker, logger)
		go recorder.Run(ctx)
		if cfg.Audit.RetentionDays > 0 {
			retention := audit.NewRetentionWorker(auditStore, cfg.Audit.RetentionDays, logger)
			singletons = append(singletons, retention.Run)
		}
	}

	if cfg.Seed.Enabled() {
		resync, err := startSeeding(ctx, cfg.Seed, bus, logger)
		if err != nil {
			glog.Fatalf("Failed to start seeding: %v", err)
		}
		if resync != nil {
			singletons = append(singletons, resync)
		}
	}

	switch {
	case elector != nil:
		elector.OnStartLeading(func(leadCtx context.Context) {
			for _, run := range singletons {
				go run(leadCtx)
			}
		})
		go elector.Run(ctx)
	case len(singletons) > 0:
		for _, run := range singletons {
			go run(ctx)
		}
	}

	// Set up auth based on the configured mode.
	var serverOpts []server.ServerOption
	switch cfg.Server.AuthMode {
	case config.AuthModeJWT:
		extractor, err := server.NewJWTPrincipalExtractor(cfg.Server.JWT, logger)
		if err != nil {
			glog.Fatalf("Failed to configure JWT auth: %v", err)
		}
		serverOpts = append(serverOpts, server.WithPrincipalExtractor(extractor))
		logger.Info("using JWT auth",
			"roleClaim", cfg.Server.JWT.RoleClaim,
			"operatorValue", cfg.Server.JWT.OperatorRoleValue,
			"hasPublicKey", cfg.Server.JWT.PublicKeyPath != "")
	case config.AuthModeHeader:
		serverOpts = append(serverOpts, server.WithPrincipalExtractor(server.HeaderPrincipalExtractor))
		logger.Info("using header-based auth (X-Registry-User / X-Registry-Role)")
	case config.AuthModeNone:
		logger.Info("auth disabled, all requests run as operator")
	default:
		glog.Fatalf("Unknown auth mode: %q (expected jwt, header, or none)", cfg.Server.AuthMode)
	}

	if cfg.Audit.Enabled {
		serverOpts = append(serverOpts, server.WithAuditStore(auditStore))
	}
	if cfg.Cache.Enabled {
		serverOpts = append(serverOpts, server.WithCache(cfg.Cache.Size, cfg.Cache.TTL(), broker))
	}
	if len(cfg.Server.AllowedOrigins) > 0 {
		serverOpts = append(serverOpts, server.WithAllowedOrigins(cfg.Server.AllowedOrigins))
	}

	// Mount routes and start
	srv := server.NewServer(bus, integrity, db, logger, serverOpts...)
	router := srv.MountRoutes()
	srv.Start(ctx)

	logger.Info("registry server ready", "listen", cfg.Server.Listen)

	// Create HTTP server with graceful shutdown
	httpServer := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: router,
	}

	// Start HTTP server in goroutine
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()

	logger.Info("shutting down...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	broker.Close()

	logger.Info("registry server stopped")
}

// startSeeding applies the configured seed source once. For a git source it
// returns the periodic re-sync loop for the caller to schedule, leader-only
// when election is enabled. File watching stays local to each replica, so
// the file source returns no loop. Provider construction errors are fatal;
// load and apply errors after startup are logged and retried on the next
// trigger.
func startSeeding(ctx context.Context, cfg config.SeedConfig, bus *commands.Bus, logger *slog.Logger) (func(context.Context), error) {
	seeder := seed.NewSeeder(bus, logger)
	if cfg.Git.URL != "" {
		return seedFromGit(ctx, cfg.Git, seeder, logger)
	}
	return nil, seedFromFile(ctx, cfg, seeder, logger)
}

func seedFromFile(ctx context.Context, cfg config.SeedConfig, seeder *seed.Seeder, logger *slog.Logger) error {
	provider, err := seed.NewFileProvider(cfg.Path)
	if err != nil {
		return err
	}

	lastVersion := applySeedFile(ctx, provider, seeder, "", logger)
	if !cfg.Watch {
		return nil
	}

	watcher, err := seed.NewWatcher(cfg.Path, time.Second)
	if err != nil {
		return err
	}
	changes, err := watcher.Start()
	if err != nil {
		_ = watcher.Stop()
		return err
	}

	go func() {
		defer func() { _ = watcher.Stop() }()
		for {
			select {
			case <-ctx.Done():
				return
			case <-changes:
				lastVersion = applySeedFile(ctx, provider, seeder, lastVersion, logger)
			}
		}
	}()

	logger.Info("watching seed file for changes", "path", cfg.Path)
	return nil
}

// applySeedFile loads and applies the seed file, returning the version that
// is now in effect. Unchanged content is not re-applied.
func applySeedFile(ctx context.Context, provider *seed.FileProvider, seeder *seed.Seeder, lastVersion string, logger *slog.Logger) string {
	doc, version, err := provider.Load(ctx)
	if err != nil {
		logger.Error("seed load failed", "path", provider.Path(), "error", err)
		return lastVersion
	}
	if version == lastVersion {
		return lastVersion
	}
	if _, err := seeder.Apply(ctx, doc); err != nil {
		logger.Error("seed apply failed", "path", provider.Path(), "error", err)
		return lastVersion
	}
	return version
}

func seedFromGit(ctx context.Context, cfg config.GitSeedConfig, seeder *seed.Seeder, logger *slog.Logger) (func(context.Context), error) {
	gitCfg := seed.GitConfig{
		URL:       cfg.URL,
		Branch:    cfg.Ref,
		AuthToken: cfg.Token,
	}
	if cfg.Dir != "" {
		gitCfg.Path = path.Join(cfg.Dir, "**/*.yaml")
	}

	provider, err := seed.NewGitProvider(gitCfg, logger)
	if err != nil {
		return nil, err
	}

	// The checkout lives for the whole process; the re-sync loop may stop
	// and restart with leadership.
	go func() {
		<-ctx.Done()
		provider.Close()
	}()

	applySeedSync(ctx, provider, seeder, logger)
	logger.Info("syncing seed documents from git", "url", cfg.URL, "interval", cfg.Interval())

	return func(runCtx context.Context) {
		ticker := time.NewTicker(cfg.Interval())
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				applySeedSync(runCtx, provider, seeder, logger)
			}
		}
	}, nil
}

func applySeedSync(ctx context.Context, provider *seed.GitProvider, seeder *seed.Seeder, logger *slog.Logger) {
	doc, changed, err := provider.Load(ctx)
	if err != nil {
		logger.Error("seed sync failed", "error", err)
		return
	}
	if !changed {
		return
	}
	if _, err := seeder.Apply(ctx, doc); err != nil {
		logger.Error("seed apply failed", "error", err)
	}
}
