package blobmgr

import (
	"context"
	"log/slog"
	"os"

	"github.com/hupe1980/blobmgr/provider"
)

// Logger wraps slog.Logger with blob-manager-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return NewLogger(slog.DiscardHandler)
}

// WithProvider adds a provider field to the logger.
func (l *Logger) WithProvider(id string) *Logger {
	return &Logger{
		Logger: l.Logger.With("provider", id),
	}
}

// WithRepository adds a repository field to the logger.
func (l *Logger) WithRepository(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("repository", name),
	}
}

// LogRead logs a blob read.
func (l *Logger) LogRead(ctx context.Context, key string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "read failed",
			"key", key,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "read completed",
			"key", key,
		)
	}
}

// LogWrite logs a blob write.
func (l *Logger) LogWrite(ctx context.Context, providerID, key string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "write failed",
			"provider", providerID,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "write completed",
			"provider", providerID,
			"key", key,
		)
	}
}

// LogGC logs a garbage collection run.
func (l *Logger) LogGC(ctx context.Context, del bool, status provider.GCStatus, err error) {
	if err != nil {
		l.ErrorContext(ctx, "GC binaries failed",
			"delete", del,
			"error", err,
		)
	} else {
		l.WarnContext(ctx, "GC binaries completed",
			"delete", del,
			"binaries", status.NumBinaries,
			"size", status.SizeBinaries,
			"binaries_gc", status.NumBinariesGC,
			"size_gc", status.SizeBinariesGC,
			"duration", status.Duration,
		)
	}
}

// LogDelete logs a single blob deletion decision.
func (l *Logger) LogDelete(ctx context.Context, repositoryName, key string, deleted, dryRun bool, err error) {
	switch {
	case err != nil:
		l.ErrorContext(ctx, "delete failed",
			"repository", repositoryName,
			"key", key,
			"error", err,
		)
	case !deleted:
		l.InfoContext(ctx, "blob cannot be deleted",
			"repository", repositoryName,
			"key", key,
		)
	default:
		l.InfoContext(ctx, "blob can be deleted",
			"repository", repositoryName,
			"key", key,
			"dry_run", dryRun,
		)
	}
}

// LogSweep logs a deferred deletion sweep.
func (l *Logger) LogSweep(ctx context.Context, status SweepStatus, err error) {
	if err != nil {
		l.ErrorContext(ctx, "sweep failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "sweep completed",
			"due", status.Due,
			"deleted", status.Deleted,
			"referenced", status.Referenced,
			"skipped", status.Skipped,
		)
	}
}
