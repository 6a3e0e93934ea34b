// Package tsunagi is the public API for embedding the Tsunagi multi-agent
// conversation server.
//
// Consumers construct and run the server without forking it:
//
//	app, err := tsunagi.New(
//	    tsunagi.WithVersion(version),
//	    tsunagi.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, but internal/* never imports the root.
package tsunagi

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/tsunagi/internal/auth"
	"github.com/ashita-ai/tsunagi/internal/composio"
	"github.com/ashita-ai/tsunagi/internal/config"
	"github.com/ashita-ai/tsunagi/internal/llm"
	"github.com/ashita-ai/tsunagi/internal/mcp"
	"github.com/ashita-ai/tsunagi/internal/model"
	"github.com/ashita-ai/tsunagi/internal/orchestrator"
	"github.com/ashita-ai/tsunagi/internal/ratelimit"
	"github.com/ashita-ai/tsunagi/internal/search"
	"github.com/ashita-ai/tsunagi/internal/server"
	"github.com/ashita-ai/tsunagi/internal/service/embedding"
	"github.com/ashita-ai/tsunagi/internal/service/ingest"
	"github.com/ashita-ai/tsunagi/internal/storage"
	"github.com/ashita-ai/tsunagi/internal/storage/sqlite"
	"github.com/ashita-ai/tsunagi/internal/telemetry"
	"github.com/ashita-ai/tsunagi/internal/tools"
	"github.com/ashita-ai/tsunagi/migrations"
)

// store is what the App needs from a storage backend. Both storage.DB and
// sqlite.Store satisfy it.
type store interface {
	server.Store
	ingest.Store
	tools.ChunkSearcher
	tools.SourceStore
	tools.DocumentStore
	Close() error
}

// App is the Tsunagi server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	store        store
	srv          *server.Server
	orch         *orchestrator.Orchestrator
	jwtMgr       *auth.JWTManager
	qdrantIndex  *search.QdrantIndex
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New constructs a fully-initialized App. It loads configuration from
// environment variables (and .env if present), connects to storage, runs
// migrations, and wires every component. It does not start serving; call
// Run for that.
func New(opts ...Option) (*App, error) {
	o := &resolvedOptions{}
	for _, opt := range opts {
		opt(o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.StorageBackend = "postgres"
		cfg.DatabaseURL = o.databaseURL
	}
	if o.sqlitePath != "" {
		cfg.StorageBackend = "sqlite"
		cfg.SQLitePath = o.sqlitePath
	}

	logger.Info("tsunagi starting", "version", version, "port", cfg.Port, "storage", cfg.StorageBackend)

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Unwind everything opened so far when a later step fails.
	var cleanups []func()
	fail := func(err error) (*App, error) {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		_ = otelShutdown(context.Background())
		return nil, err
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	cleanups = append(cleanups, func() { _ = st.Close() })

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}

	// External embedding override takes priority over auto-detect.
	var embedder embedding.Provider
	if o.embeddingProvider != nil {
		embedder = &embeddingAdapter{p: o.embeddingProvider}
	} else {
		embedder = newEmbeddingProvider(cfg, logger)
	}

	// Chunk search runs on Qdrant when configured, otherwise on the store.
	var chunkSearcher tools.ChunkSearcher = st
	var qdrantIndex *search.QdrantIndex
	if cfg.QdrantURL != "" {
		qdrantIndex, err = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(embedder.Dimensions()), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("qdrant: %w", err))
		}
		cleanups = append(cleanups, func() { _ = qdrantIndex.Close() })
		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			return fail(fmt.Errorf("qdrant ensure collection: %w", err))
		}
		chunkSearcher = qdrantIndex
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	}

	retriever := &tools.Retriever{
		Embedder:  embedder,
		Searcher:  chunkSearcher,
		Sources:   st,
		Documents: st,
	}

	// The LLM provider runs agents and backs mock tools. A runner override
	// replaces it for agent runs only.
	var runner llm.Runner
	var generator tools.TextGenerator
	provider, err := llm.NewAnthropicProvider(ctx, llm.Config{
		APIKey:       cfg.AnthropicAPIKey,
		DefaultModel: cfg.DefaultModel,
		MaxTokens:    int64(cfg.MaxTokens),
		UseBedrock:   cfg.UseBedrock,
		AWSRegion:    cfg.AWSRegion,
		AWSProfile:   cfg.AWSProfile,
		Logger:       logger,
	})
	switch {
	case err == nil:
		runner, generator = provider, provider
		logger.Info("llm provider: anthropic", "model", cfg.DefaultModel, "bedrock", cfg.UseBedrock)
	case o.runner == nil:
		return fail(fmt.Errorf("llm: %w", err))
	default:
		logger.Warn("llm provider unavailable, mock tools disabled", "error", err)
	}
	if o.runner != nil {
		runner = o.runner
	}

	toolDeps := tools.Deps{
		Retriever:         retriever,
		Generator:         generator,
		MockModel:         cfg.DefaultModel,
		MCP:               mcp.NewClient(version, logger),
		Accounts:          st,
		AllowPrivateHosts: cfg.AllowPrivateToolHosts,
		Logger:            logger,
	}
	var toolkits composio.AccountReader
	if cfg.ComposioAPIKey != "" {
		client := composio.New(cfg.ComposioBaseURL, cfg.ComposioAPIKey)
		toolDeps.Toolkits = client
		toolkits = client
		logger.Info("toolkits: composio enabled", "base_url", cfg.ComposioBaseURL)
	} else {
		logger.Info("toolkits: disabled (no COMPOSIO_API_KEY)")
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Runner:        runner,
		Tools:         toolDeps,
		DefaultModel:  cfg.DefaultModel,
		MaxHandoffs:   cfg.MaxHandoffs,
		MaxIterations: cfg.MaxIterations,
		Greeting:      cfg.Greeting,
		Policy:        o.returnPolicy,
		Logger:        logger,
	})
	if err != nil {
		return fail(err)
	}

	var ingestOpts []ingest.Option
	if qdrantIndex != nil {
		ingestOpts = append(ingestOpts, ingest.WithIndex(qdrantIndex))
	}
	ingestSvc := ingest.New(st, embedder, logger, ingestOpts...)

	mcpSrv := mcp.NewServer(retriever, version, logger)

	limiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst)
	if cfg.RateLimitRPS > 0 {
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}
	if cfg.AuthDisabled {
		logger.Warn("auth: disabled, project scope comes from X-Project-ID (not for production)")
	}

	srvCfg := server.ServerConfig{
		Store:               st,
		Orchestrator:        orch,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Ingest:              ingestSvc,
		Toolkits:            toolkits,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		AuthDisabled:        cfg.AuthDisabled,
		StorageName:         cfg.StorageBackend,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		TurnTimeout:         cfg.TurnTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	}
	if qdrantIndex != nil {
		srvCfg.Index = qdrantIndex
	}

	return &App{
		cfg:          cfg,
		store:        st,
		srv:          server.New(srvCfg),
		orch:         orch,
		jwtMgr:       jwtMgr,
		qdrantIndex:  qdrantIndex,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// openStore connects to the configured storage backend and brings its
// schema up to date.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store, error) {
	if cfg.StorageBackend == "sqlite" {
		st, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		logger.Info("storage: sqlite", "path", cfg.SQLitePath)
		return st, nil
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	// RunMigrations skips files already recorded in schema_migrations, so an
	// error here is a real failure.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	logger.Info("storage: postgres")
	return db, nil
}

// Handler returns the root HTTP handler, for tests and for embedding the
// server behind another listener.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Chat runs one conversation turn without going through HTTP.
func (a *App) Chat(ctx context.Context, wf model.Workflow, messages []model.Message) iter.Seq2[model.Event, error] {
	return a.orch.StreamResponse(ctx, orchestrator.Params{Workflow: wf, Messages: messages})
}

// IssueToken mints a bearer token scoped to projectID.
func (a *App) IssueToken(subject, projectID string) (string, time.Time, error) {
	return a.jwtMgr.IssueToken(subject, projectID)
}

// Run starts the HTTP server, then blocks until ctx is cancelled or a fatal
// server error occurs. On return, Shutdown has been called; callers should
// not call it again.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown drains in-flight HTTP requests (turns included) and then releases
// the limiter, the vector index, storage and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("tsunagi shutting down")

	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	err := a.srv.Shutdown(httpCtx)
	httpCancel()
	if err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	_ = a.limiter.Close()
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	if closeErr := a.store.Close(); closeErr != nil {
		a.logger.Warn("storage close failed", "error", closeErr)
	}
	_ = a.otelShutdown(context.Background())

	a.logger.Info("tsunagi stopped")
	return err
}

func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when TSUNAGI_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
	case "noop":
		logger.Info("embedding provider: noop (retrieval disabled)")
		return embedding.NewNoopProvider(dims)
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		}
		logger.Warn("no embedding provider available, using noop (retrieval disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

func ollamaReachable(baseURL string) bool {
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(c, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
