package kestrel

import "log/slog"

// Option configures an Engine.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	logger      *slog.Logger
	version     string
	databaseURL string
	notifyURL   string
	archivePath string
	profilePath string
	scorer      Scorer
	sinks       []Sink
}

// WithLogger sets the structured logger for the Engine.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithDatabaseURL overrides the Postgres connection string from config
// (DATABASE_URL env var). An empty value in both places disables the
// Postgres sink.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY
// (NOTIFY_URL env var). Set this when queries go through a connection
// pooler; LISTEN/NOTIFY requires a direct connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithArchivePath overrides the bbolt archive file from config
// (KESTREL_ARCHIVE_PATH env var).
func WithArchivePath(path string) Option {
	return func(o *resolvedOptions) { o.archivePath = path }
}

// WithProfilePath overrides the sensor profile YAML from config
// (KESTREL_PROFILE_PATH env var). The file merges over the built-in
// per-type ranges.
func WithProfilePath(path string) Option {
	return func(o *resolvedOptions) { o.profilePath = path }
}

// WithScorer replaces the built-in statistical scorer. Only the last call
// wins. The per-type range checks still run in front of the replacement.
func WithScorer(s Scorer) Option {
	return func(o *resolvedOptions) { o.scorer = s }
}

// WithSink registers an additional delivery target behind the retry
// dispatcher. Multiple sinks may be registered; all receive every
// transition.
func WithSink(s Sink) Option {
	return func(o *resolvedOptions) { o.sinks = append(o.sinks, s) }
}
