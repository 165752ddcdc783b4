package echotrail

import (
	"log/slog"
	"time"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port        int
	ledger      string
	sqlitePath  string
	databaseURL string
	notifyURL   string
	redisURL    string
	watchDir    string
	staleRunTTL time.Duration
	logger      *slog.Logger
	version     string
	stages      []Stage
	publisher   Publisher
	noServer    bool
}

// WithPort overrides the TCP port from config (ECHOTRAIL_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithLedger selects the ledger backend: "sqlite", "postgres" or "memory"
// (ECHOTRAIL_LEDGER env var).
func WithLedger(backend string) Option {
	return func(o *resolvedOptions) { o.ledger = backend }
}

// WithSQLitePath overrides the SQLite ledger file (ECHOTRAIL_SQLITE_PATH env var).
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithDatabaseURL overrides the Postgres connection string (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN (NOTIFY_URL env var).
// Set this when queries go through a connection pooler.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithRedisURL overrides the Redis URL (REDIS_URL env var).
func WithRedisURL(url string) Option {
	return func(o *resolvedOptions) { o.redisURL = url }
}

// WithWatchDir overrides the directory polled for raw files (ECHOTRAIL_WATCH_DIR env var).
func WithWatchDir(dir string) Option {
	return func(o *resolvedOptions) { o.watchDir = dir }
}

// WithStaleRunTTL overrides how old a provisional ledger row must be before
// the janitor fails it (ECHOTRAIL_STALE_RUN_TTL env var).
func WithStaleRunTTL(ttl time.Duration) Option {
	return func(o *resolvedOptions) { o.staleRunTTL = ttl }
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

// WithStage registers a stage. May be called more than once; a later stage
// with the same name wins.
func WithStage(s Stage) Option {
	return func(o *resolvedOptions) { o.stages = append(o.stages, s) }
}

// WithPublisher replaces the configured publishers. Only the last call wins.
func WithPublisher(p Publisher) Option {
	return func(o *resolvedOptions) { o.publisher = p }
}

// WithoutServer builds an App for one-shot commands: no HTTP server and no
// trigger sources are created, and Run is not available.
func WithoutServer() Option {
	return func(o *resolvedOptions) { o.noServer = true }
}
