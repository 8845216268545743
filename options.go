package grower

import (
	"log/slog"
	"os"
	"time"

	"github.com/maxbolgarin/lang"
)

const (
	defaultQueryTimeout = 10 * time.Second
	defaultTopLimit     = 10
	defaultStatsWorkers = 16
)

type (
	// Logger is an interface for logging messages.
	Logger interface {
		Debug(string, ...any)
		Info(string, ...any)
		Warn(string, ...any)
		Error(string, ...any)
	}

	// Options contains additional options for [Ledger] and [Stats].
	Options struct {
		// Logger is a logger. It uses slog JSON logger by default.
		Logger Logger

		// Metrics contains Prometheus settings. Metrics are disabled if Registry is nil.
		Metrics MetricsConfig

		// QueryTimeout is applied to storage calls when the caller's context has no deadline.
		// Default: 10 seconds.
		QueryTimeout time.Duration

		// TopLimit is the default size of a chat leaderboard.
		// Default: 10.
		TopLimit int

		// StatsWorkers is the size of the pool used by [Stats.GetMany].
		// Default: 16.
		StatsWorkers int

		// ChatsMerging makes [Ledger.ChatFromUpdate] merge records of a chat instance
		// into the chat ID once the alias becomes known.
		ChatsMerging bool

		// Debug sets the default logger level to debug.
		Debug bool

		// DisableLogging replaces the logger with a noop one.
		DisableLogging bool
	}
)

// WithLogger returns an option that sets the logger.
func WithLogger(logger Logger) func(opts *Options) {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetrics returns an option that enables Prometheus metrics.
func WithMetrics(cfg MetricsConfig) func(opts *Options) {
	return func(opts *Options) {
		opts.Metrics = cfg
	}
}

// WithQueryTimeout returns an option that sets the storage query timeout.
func WithQueryTimeout(timeout time.Duration) func(opts *Options) {
	return func(opts *Options) {
		opts.QueryTimeout = timeout
	}
}

// WithTopLimit returns an option that sets the default leaderboard size.
func WithTopLimit(limit int) func(opts *Options) {
	return func(opts *Options) {
		opts.TopLimit = limit
	}
}

// WithStatsWorkers returns an option that sets the size of the stats worker pool.
func WithStatsWorkers(workers int) func(opts *Options) {
	return func(opts *Options) {
		opts.StatsWorkers = workers
	}
}

// WithChatsMerging returns an option that enables merging of chat instance records.
func WithChatsMerging() func(opts *Options) {
	return func(opts *Options) {
		opts.ChatsMerging = true
	}
}

// WithDebug returns an option that enables debug logging.
func WithDebug() func(opts *Options) {
	return func(opts *Options) {
		opts.Debug = true
	}
}

func prepareOpts(optsFuncs ...func(*Options)) Options {
	var opts Options
	for _, f := range optsFuncs {
		f(&opts)
	}

	opts.QueryTimeout = lang.Check(opts.QueryTimeout, defaultQueryTimeout)
	opts.TopLimit = lang.Check(opts.TopLimit, defaultTopLimit)
	opts.StatsWorkers = lang.Check(opts.StatsWorkers, defaultStatsWorkers)
	opts.Logger = prepareLogger(opts.Logger, opts.Debug, opts.DisableLogging)

	return opts
}

func prepareLogger(l Logger, debug, disabled bool) Logger {
	if disabled {
		return noopLogger{}
	}
	if l != nil {
		return l
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: lang.If(debug, slog.LevelDebug, slog.LevelInfo),
	}))
}

type noopLogger struct{}

func (noopLogger) Debug(msg string, fields ...any) {}
func (noopLogger) Info(msg string, fields ...any)  {}
func (noopLogger) Warn(msg string, fields ...any)  {}
func (noopLogger) Error(msg string, fields ...any) {}
