package tsunagi

import (
	"log/slog"

	"github.com/ashita-ai/tsunagi/internal/llm"
	"github.com/ashita-ai/tsunagi/internal/orchestrator"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port              int
	databaseURL       string
	sqlitePath        string
	logger            *slog.Logger
	version           string
	embeddingProvider EmbeddingProvider
	runner            llm.Runner
	returnPolicy      orchestrator.ReturnPolicy
}

// WithPort overrides the TCP port from config (TSUNAGI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL selects the postgres backend and overrides DATABASE_URL.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithSQLitePath selects the sqlite backend and overrides TSUNAGI_SQLITE_PATH.
// Use ":memory:" for a throwaway store.
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbeddingProvider replaces the auto-detected embedding provider (Ollama/OpenAI/noop).
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}

// WithRunner replaces the Anthropic provider for agent runs. Mock tools still
// use the Anthropic provider when one can be configured.
func WithRunner(r llm.Runner) Option {
	return func(o *resolvedOptions) { o.runner = r }
}

// WithReturnPolicy replaces the rule that picks who speaks after an internal
// agent. The default returns control to the innermost caller.
func WithReturnPolicy(p orchestrator.ReturnPolicy) Option {
	return func(o *resolvedOptions) { o.returnPolicy = p }
}
