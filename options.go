package blobmgr

import (
	"log/slog"
	"time"

	"github.com/hupe1980/blobmgr/dispatch"
	"github.com/hupe1980/blobmgr/event"
	"github.com/hupe1980/blobmgr/keyreplace"
	"github.com/hupe1980/blobmgr/repository"
	"github.com/hupe1980/blobmgr/tombstone"
	"github.com/juju/clock"
)

// DefaultGCTimeout bounds the transaction of a garbage collection run.
const DefaultGCTimeout = 24 * time.Hour

type options struct {
	metricsCollector MetricsCollector
	logger           *Logger
	repositories     *repository.Repositories
	tx               repository.TxManager
	events           event.Publisher
	replacements     keyreplace.Table
	tombstones       tombstone.Store
	dispatchers      *dispatch.Registry
	dispatcher       dispatch.Dispatcher
	clock            clock.Clock
	safetyWindow     time.Duration
	gcTimeout        time.Duration
}

// Option configures a Manager.
type Option func(*options)

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &blobmgr.BasicMetricsCollector{}
//	m := blobmgr.New(providers, blobmgr.WithMetricsCollector(metrics))
//	// ... use m ...
//	stats := metrics.GetStats()
//	fmt.Printf("Writes: %d, Avg latency: %dns\n", stats.WriteCount, stats.WriteAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := blobmgr.NewJSONLogger(slog.LevelInfo)
//	m := blobmgr.New(providers, blobmgr.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithRepositories sets the repositories enumerated by garbage collection
// and maintenance operations.
func WithRepositories(rs *repository.Repositories) Option {
	return func(o *options) {
		o.repositories = rs
	}
}

// WithTxManager sets the transaction manager.
func WithTxManager(tx repository.TxManager) Option {
	return func(o *options) {
		o.tx = tx
	}
}

// WithEventPublisher sets where lifecycle events are published.
func WithEventPublisher(p event.Publisher) Option {
	return func(o *options) {
		o.events = p
	}
}

// WithKeyReplacements sets the key replacement table, for example a
// keyreplace.RedisTable shared by all processes.
func WithKeyReplacements(t keyreplace.Table) Option {
	return func(o *options) {
		o.replacements = t
	}
}

// WithTombstones sets the deferred deletion store.
func WithTombstones(s tombstone.Store) Option {
	return func(o *options) {
		o.tombstones = s
	}
}

// WithDispatcherRegistry sets the registry used by Manager.Configure.
func WithDispatcherRegistry(r *dispatch.Registry) Option {
	return func(o *options) {
		o.dispatchers = r
	}
}

// WithDispatcher sets the initial, already initialized dispatcher.
func WithDispatcher(d dispatch.Dispatcher) Option {
	return func(o *options) {
		o.dispatcher = d
	}
}

// WithClock sets the clock used for durations and tombstone ages.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithSafetyWindow sets the minimum tombstone age before SweepDeletions
// deletes a blob.
func WithSafetyWindow(d time.Duration) Option {
	return func(o *options) {
		o.safetyWindow = d
	}
}

// WithGCTimeout sets the transaction timeout of garbage collection runs.
func WithGCTimeout(d time.Duration) Option {
	return func(o *options) {
		o.gcTimeout = d
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
		events:           event.Nop{},
		clock:            clock.WallClock,
		safetyWindow:     tombstone.DefaultSafetyWindow,
		gcTimeout:        DefaultGCTimeout,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.repositories == nil {
		o.repositories = repository.NewRepositories()
	}
	if o.tx == nil {
		o.tx = repository.NewLocalTx()
	}
	if o.replacements == nil {
		o.replacements = keyreplace.NewMemoryTable(keyreplace.WithClock(o.clock))
	}
	if o.tombstones == nil {
		o.tombstones = tombstone.NewMemory()
	}
	if o.dispatchers == nil {
		o.dispatchers = dispatch.NewRegistry()
	}
	if o.dispatcher == nil {
		o.dispatcher = dispatch.NewDefault()
	}
	return o
}
