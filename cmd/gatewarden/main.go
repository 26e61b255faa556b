// Gatewarden is the governance daemon for AI agent runs.
//
// This binary wires the policy gateway, audit ledger, approval queue,
// orchestrator, rule engine and evidence exporter behind the REST API.
//
// Configuration is loaded from ~/.config/gatewarden/config.yaml (or --config)
// and overridden by GATEWARDEN_* environment variables. See internal/config.
//
// Usage:
//
//	# Start the daemon with defaults (in-memory storage, port 9191)
//	gatewarden
//
//	# Persist to sqlite and fan ledger events out to NATS
//	GATEWARDEN_STORAGE_DRIVER=sqlite GATEWARDEN_STORAGE_PATH=/var/lib/gatewarden/gw.db \
//	GATEWARDEN_AUDIT_NATS_URL=nats://localhost:4222 gatewarden
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gatewarden/internal/approval"
	"github.com/fyrsmithlabs/gatewarden/internal/audit"
	"github.com/fyrsmithlabs/gatewarden/internal/config"
	"github.com/fyrsmithlabs/gatewarden/internal/documents"
	"github.com/fyrsmithlabs/gatewarden/internal/evidence"
	api "github.com/fyrsmithlabs/gatewarden/internal/http"
	"github.com/fyrsmithlabs/gatewarden/internal/logging"
	"github.com/fyrsmithlabs/gatewarden/internal/orchestrator"
	"github.com/fyrsmithlabs/gatewarden/internal/policy"
	"github.com/fyrsmithlabs/gatewarden/internal/rules"
	"github.com/fyrsmithlabs/gatewarden/internal/secrets"
	"github.com/fyrsmithlabs/gatewarden/internal/store"
	"github.com/fyrsmithlabs/gatewarden/internal/telemetry"
	"github.com/fyrsmithlabs/gatewarden/internal/tools"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath = flag.String("config", "", "path to config.yaml (default ~/.config/gatewarden/config.yaml)")

func main() {
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  gatewarden [--config path]   Start the gatewarden daemon\n")
			fmt.Fprintf(os.Stderr, "  gatewarden version           Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("gatewarden by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until ctx is cancelled.
//
// This function initializes all dependencies and services:
//  1. Loads and validates configuration
//  2. Initializes telemetry and the logger
//  3. Opens storage and the audit sink
//  4. Builds the policy gateway, ledger, queue and orchestrator
//  5. Builds the document store, rule engine and evidence exporter
//  6. Serves the API until ctx is cancelled, then shuts down gracefully
func run(ctx context.Context, path string) error {
	cfg, err := config.LoadWithFile(path)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	lg, err := initLogger(cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = lg.Sync() // Best-effort sync on shutdown
	}()
	logger := lg.Underlying()
	if st := tel.Status(); st.Degraded {
		logger.Warn("Telemetry degraded", zap.String("reason", st.Reason))
	}

	logger.Info("Starting gatewarden",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("storage", cfg.Storage.Driver),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout))

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()
	deps.tel = tel

	logger.Info("Dependencies initialized",
		zap.Bool("sqlite", deps.db != nil),
		zap.Bool("nats_sink", deps.sink != nil),
		zap.String("policy_id", deps.gateway.Policy().PolicyID))

	svc, err := initServices(ctx, cfg, deps, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	if cfg.Policy.Watch && cfg.Policy.Path != "" {
		w, err := policy.NewWatcher(deps.gateway, cfg.Policy.Path, logger)
		if err != nil {
			return fmt.Errorf("failed to create policy watcher: %w", err)
		}
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("failed to start policy watcher: %w", err)
		}
		defer w.Stop()
	}

	srv, err := api.NewServer(svc, logger, &api.Config{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Version: version,
		Metrics: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	logger.Info("Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)),
		zap.String("api_prefix", "/api/v1"),
		zap.String("metrics_endpoint", "/metrics"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// initLogger builds the structured logger from the observability section.
func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	lcfg := logging.NewDefaultConfig()
	level, err := logging.LevelFromString(cfg.Observability.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Observability.LogLevel, err)
	}
	lcfg.Level = level
	lcfg.Format = cfg.Observability.LogFormat

	provider := tel.LoggerProvider()
	lcfg.Output.OTEL = provider != nil
	return logging.NewLogger(lcfg, provider)
}

// dependencies holds the storage and policy infrastructure.
type dependencies struct {
	tel     *telemetry.Telemetry
	db      *store.Store
	sink    *audit.NATSSink
	gateway *policy.Gateway

	ledgerStore   audit.Store
	approvalStore approval.Store
	runStore      orchestrator.RunStore
	ruleStore     rules.Store
	documentStore documents.Backend
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.sink != nil {
		_ = d.sink.Close()
	}
	if d.db != nil {
		_ = d.db.Close()
	}
}

// initDependencies opens storage, the optional NATS sink and the policy.
//
// A configured policy path that does not exist yet is seeded with the
// bundled policy so that it can be edited and hot reloaded.
func initDependencies(_ context.Context, cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	deps := &dependencies{}

	switch cfg.Storage.Driver {
	case "sqlite":
		db, err := store.Open(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		deps.db = db
		deps.ledgerStore, deps.approvalStore, deps.runStore = db, db, db
		deps.ruleStore, deps.documentStore = db, db
		logger.Info("Opened sqlite store", zap.String("path", cfg.Storage.Path))
	default:
		deps.ledgerStore = audit.NewMemoryStore()
		deps.approvalStore = approval.NewMemoryStore()
		deps.runStore = orchestrator.NewMemoryRunStore()
		deps.ruleStore = rules.NewMemoryStore()
		deps.documentStore = documents.NewMemoryBackend()
	}

	if cfg.Audit.NATSURL != "" {
		sink, err := audit.DialNATSSink(cfg.Audit.NATSURL, cfg.Audit.SubjectPrefix, logger)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to connect audit sink: %w", err)
		}
		deps.sink = sink
		logger.Info("Connected to NATS", zap.String("url", cfg.Audit.NATSURL))
	}

	pol, err := loadPolicy(cfg.Policy.Path, logger)
	if err != nil {
		deps.Close()
		return nil, err
	}
	gw, err := policy.NewGateway(pol, cfg.Policy.Path, logger)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to create policy gateway: %w", err)
	}
	deps.gateway = gw
	return deps, nil
}

func loadPolicy(path string, logger *zap.Logger) (*policy.Policy, error) {
	if path == "" {
		return policy.Default(), nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		p := policy.Default()
		if err := policy.Save(path, p); err != nil {
			return nil, fmt.Errorf("failed to seed policy file: %w", err)
		}
		logger.Info("Seeded policy file", zap.String("path", path))
		return p, nil
	}
	p, err := policy.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}
	return p, nil
}

// initServices builds the business services on top of deps.
func initServices(ctx context.Context, cfg *config.Config, deps *dependencies, logger *zap.Logger) (api.Services, error) {
	var ledgerOpts []audit.Option
	if deps.sink != nil {
		ledgerOpts = append(ledgerOpts, audit.WithSink(deps.sink))
	}
	ledger, err := audit.NewLedger(ctx, deps.ledgerStore, logger, ledgerOpts...)
	if err != nil {
		return api.Services{}, fmt.Errorf("ledger: %w", err)
	}

	queue, err := approval.NewQueue(deps.approvalStore, logger)
	if err != nil {
		return api.Services{}, fmt.Errorf("approval queue: %w", err)
	}

	registry := tools.NewRegistry(tools.Config{
		Timeout:    cfg.Orchestrator.ToolTimeout,
		MaxRetries: cfg.Orchestrator.ToolRetries,
	}, logger)
	tools.RegisterBuiltin(registry)

	orch, err := orchestrator.New(deps.gateway, ledger, queue, registry, deps.runStore, logger,
		orchestrator.WithMetrics(orchestrator.NewMetrics()),
		orchestrator.WithContinueOnError(cfg.Orchestrator.ContinueOnError),
		orchestrator.WithTelemetry(deps.tel),
	)
	if err != nil {
		return api.Services{}, fmt.Errorf("orchestrator: %w", err)
	}
	if n, err := orch.Reconcile(ctx); err != nil {
		return api.Services{}, fmt.Errorf("failed to reconcile runs: %w", err)
	} else if n > 0 {
		logger.Info("Reconciled interrupted runs", zap.Int("runs", n))
	}

	docs := documents.NewStore(logger, documents.WithBackend(deps.documentStore))

	baseline, err := loadBaseline(cfg.Baseline.Path)
	if err != nil {
		return api.Services{}, err
	}

	var primary rules.Primary
	if cfg.Extraction.Enabled {
		extractor, err := rules.NewOpenAIExtractor(rules.Config{
			Provider:      cfg.Extraction.Provider,
			BaseURL:       cfg.Extraction.BaseURL,
			Model:         cfg.Extraction.Model,
			APIKey:        cfg.Extraction.APIKey.Value(),
			MaxChars:      cfg.Extraction.MaxChars,
			Timeout:       cfg.Extraction.Timeout,
			RatePerMinute: cfg.Extraction.RatePerMinute,
		}, logger)
		if err != nil {
			return api.Services{}, fmt.Errorf("rule extractor: %w", err)
		}
		primary = extractor
		logger.Info("Primary rule extraction enabled",
			zap.String("provider", cfg.Extraction.Provider),
			zap.String("model", cfg.Extraction.Model))
	}
	engine, err := rules.NewEngine(ctx, primary, docs, baseline, logger,
		rules.WithMetrics(rules.NewMetrics()),
		rules.WithStore(deps.ruleStore),
	)
	if err != nil {
		return api.Services{}, fmt.Errorf("rule engine: %w", err)
	}

	var evidenceOpts []evidence.Option
	if cfg.Evidence.Redact {
		redactor, err := secrets.New(secrets.Options{})
		if err != nil {
			return api.Services{}, fmt.Errorf("redactor: %w", err)
		}
		evidenceOpts = append(evidenceOpts, evidence.WithRedactor(redactor))
	}
	exporter, err := evidence.NewExporter(ledger, queue, orch, deps.gateway, logger, evidenceOpts...)
	if err != nil {
		return api.Services{}, fmt.Errorf("evidence exporter: %w", err)
	}

	return api.Services{
		Orchestrator: orch,
		Approvals:    queue,
		Ledger:       ledger,
		Evidence:     exporter,
		Policy:       deps.gateway,
		Documents:    docs,
		Rules:        engine,
	}, nil
}

func loadBaseline(path string) ([]rules.BaselineRule, error) {
	if path == "" {
		return rules.DefaultBaseline()
	}
	baseline, err := rules.LoadBaseline(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load baseline: %w", err)
	}
	return baseline, nil
}
