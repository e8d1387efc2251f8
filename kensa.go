// Package kensa wires the Kensa agent platform: run tracking, semantic
// memory, provider verification workflows and the HTTP and MCP surfaces.
//
//	app, err := kensa.New(
//	    kensa.WithVersion(version),
//	    kensa.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// internal/* never imports this package.
package kensa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kensa/internal/auth"
	"github.com/ashita-ai/kensa/internal/config"
	"github.com/ashita-ai/kensa/internal/encryption"
	"github.com/ashita-ai/kensa/internal/integrations/geocode"
	"github.com/ashita-ai/kensa/internal/integrations/npi"
	"github.com/ashita-ai/kensa/internal/mcp"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/ratelimit"
	"github.com/ashita-ai/kensa/internal/search"
	"github.com/ashita-ai/kensa/internal/server"
	"github.com/ashita-ai/kensa/internal/service/embedding"
	"github.com/ashita-ai/kensa/internal/service/feedback"
	"github.com/ashita-ai/kensa/internal/service/memory"
	"github.com/ashita-ai/kensa/internal/service/orchestrator"
	"github.com/ashita-ai/kensa/internal/service/runs"
	"github.com/ashita-ai/kensa/internal/service/workflow"
	"github.com/ashita-ai/kensa/internal/storage"
	"github.com/ashita-ai/kensa/internal/telemetry"
	"github.com/ashita-ai/kensa/migrations"
)

// App is the Kensa server lifecycle. Construct with New, run with Run.
type App struct {
	cfg          config.Config
	db           *storage.DB
	index        search.Index
	srv          *server.Server
	memories     *memory.Store
	reindexer    *memory.Reindexer
	scheduler    *workflow.Scheduler
	executor     *workflow.Executor
	npiClient    *npi.Client
	geoClient    *geocode.Client
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New loads configuration, connects to Postgres, runs migrations and wires
// every subsystem. It starts no goroutines; call Run.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// A .env file is optional; production sets the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kensa starting", "version", version, "port", cfg.Port, "search_backend", cfg.SearchBackend)

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// cleanup unwinds partially constructed state on error paths.
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		_ = otelShutdown(context.Background())
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("storage: %w", err)
	}
	closers = append(closers, db.Close)
	db.RegisterPoolMetrics()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		cleanup()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extra := range o.extraMigrations {
		if err := db.RunMigrations(ctx, extra); err != nil {
			cleanup()
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("auth: %w", err)
	}
	var adminKeyHash string
	if cfg.AdminAPIKey != "" {
		if adminKeyHash, err = auth.HashAPIKey(cfg.AdminAPIKey); err != nil {
			cleanup()
			return nil, fmt.Errorf("auth: hash admin key: %w", err)
		}
	} else {
		logger.Warn("KENSA_ADMIN_API_KEY is not set; /auth/token will reject every request")
	}

	cipher, err := encryption.New(cfg.EncryptionKey)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("encryption: %w", err)
	}

	embedder := newEmbeddingProvider(ctx, cfg, logger)
	index, err := newSearchIndex(ctx, cfg, db, embedder, logger)
	if err != nil {
		cleanup()
		return nil, err
	}
	closers = append(closers, func() { _ = index.Close() })

	npiClient := npi.New(npi.Config{
		BaseURL:     cfg.NPIBaseURL,
		MinInterval: cfg.NPIRateLimit,
		CacheTTL:    cfg.NPICacheTTL,
		Timeout:     cfg.HTTPClientTimeout,
		Attempts:    cfg.RetryAttempts,
	}, logger)
	closers = append(closers, npiClient.Close)
	geoClient := geocode.New(geocode.Config{
		BaseURL:     cfg.NominatimBaseURL,
		UserAgent:   cfg.NominatimUserAgent,
		MinInterval: cfg.NominatimRateLimit,
		CacheTTL:    cfg.GeocodeCacheTTL,
		Timeout:     cfg.HTTPClientTimeout,
		Attempts:    cfg.RetryAttempts,
	}, logger)
	closers = append(closers, geoClient.Close)

	tracker := runs.NewTracker(db, logger)
	memories := memory.New(db, index, cipher, logger)
	ledger := feedback.NewLedger(db, logger)
	scheduler := workflow.NewScheduler(cfg.WorkflowConcurrency, logger)
	executor := workflow.NewExecutor(db, tracker, npiClient, geoClient, scheduler, logger)
	orch := orchestrator.New(tracker, npiClient, geoClient, memories, logger)
	reindexer := memory.NewReindexer(memories, logger, cfg.ReindexInterval, cfg.ReindexGrace, cfg.ReindexBatchSize)

	// Executions left running by a previous process can never finish.
	if _, err := executor.RecoverStale(ctx); err != nil {
		cleanup()
		return nil, err
	}

	mcpSrv := mcp.New(mcp.Services{Memories: memories, Orchestrator: orch, Workflows: executor}, logger, version)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		Store:               db,
		JWTMgr:              jwtMgr,
		Runs:                tracker,
		Memories:            memories,
		Feedback:            ledger,
		Workflows:           executor,
		Orchestrator:        orch,
		Logger:              logger,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		AdminKeyHash:        adminKeyHash,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		index:        index,
		srv:          srv,
		memories:     memories,
		reindexer:    reindexer,
		scheduler:    scheduler,
		executor:     executor,
		npiClient:    npiClient,
		geoClient:    geoClient,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the background workers and the HTTP server, then blocks until
// ctx is cancelled or the server fails. Shutdown runs on return.
func (a *App) Run(ctx context.Context) error {
	a.reindexer.Start(ctx)
	if a.cfg.PruneInterval > 0 {
		go a.pruneLoop(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		a.logger.Error("http server failed", "error", runErr)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// Shutdown stops intake first, then drains background work:
// (1) HTTP requests in flight, (2) scheduled workflows and the reindex pass
// concurrently, (3) connections and telemetry.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kensa shutting down")

	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownWorkflowTimeout)
	var g errgroup.Group
	g.Go(func() error {
		if err := a.scheduler.Drain(drainCtx); err != nil {
			return fmt.Errorf("workflow drain: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.reindexer.Drain(drainCtx)
		return nil
	})
	drainErr := g.Wait()
	drainCancel()
	if drainErr != nil {
		a.logger.Error("workflows still running at shutdown will be failed on next start",
			"error", drainErr, "in_flight", a.executor.InFlight())
	}

	_ = a.limiter.Close()
	a.npiClient.Close()
	a.geoClient.Close()
	if err := a.index.Close(); err != nil {
		a.logger.Warn("search index close", "error", err)
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close()
	a.logger.Info("kensa stopped")
	return drainErr
}

// pruneLoop applies the default retention policy on a fixed interval.
func (a *App) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			deleted, err := a.memories.Prune(opCtx, model.DefaultPrunePolicy())
			cancel()
			if err != nil {
				a.logger.Warn("memory prune failed", "error", err)
				continue
			}
			if deleted > 0 {
				a.logger.Info("memory prune deleted rows", "deleted", deleted)
			}
		}
	}
}

func newSearchIndex(ctx context.Context, cfg config.Config, db *storage.DB, embedder embedding.Provider, logger *slog.Logger) (search.Index, error) {
	switch cfg.SearchBackend {
	case config.SearchBackendQdrant:
		idx, err := search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(embedder.Dimensions()), //nolint:gosec // validated positive in config.Validate
		}, embedder, logger)
		if err != nil {
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		if err := idx.EnsureCollection(ctx); err != nil {
			_ = idx.Close()
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		logger.Info("search index: qdrant", "collection", cfg.QdrantCollection)
		return idx, nil

	case config.SearchBackendPGVector:
		idx := search.NewPGVectorIndex(db.Pool(), embedder, logger)
		if err := idx.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("pgvector: %w", err)
		}
		logger.Info("search index: pgvector")
		return idx, nil

	default:
		if dir := filepath.Dir(cfg.LocalIndexPath); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("local index: create directory %s: %w", dir, err)
			}
		}
		idx, err := search.OpenLocalIndex(ctx, cfg.LocalIndexPath, embedder, logger)
		if err != nil {
			return nil, fmt.Errorf("local index: %w", err)
		}
		logger.Info("search index: local", "path", cfg.LocalIndexPath, "entries", idx.Len())
		return idx, nil
	}
}

// newEmbeddingProvider picks the configured embedder. "auto" prefers a
// reachable Ollama, then OpenAI, then the model-free hashing embedder.
func newEmbeddingProvider(ctx context.Context, cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	openAI := func() embedding.Provider {
		p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		if err != nil {
			logger.Error("openai provider init failed, using hashing embedder", "error", err)
			return embedding.NewHashingProvider(dims)
		}
		return p
	}

	switch cfg.EmbeddingProvider {
	case "openai":
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return openAI()
	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
	case "hashing":
		logger.Info("embedding provider: hashing", "dimensions", dims)
		return embedding.NewHashingProvider(dims)
	case "noop":
		logger.Warn("embedding provider: noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)
	default:
		if embedding.Reachable(ctx, cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return openAI()
		}
		logger.Warn("no model-backed embedder available, using hashing embedder (lexical similarity only)")
		return embedding.NewHashingProvider(dims)
	}
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
