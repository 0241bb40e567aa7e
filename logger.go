package simstate

import (
	"context"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/hupe1980/simstate/rtsync"
	"github.com/hupe1980/simstate/runner"
)

// Logger wraps slog.Logger with simstate-specific context.
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
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithRun adds a run field to the logger.
func (l *Logger) WithRun(run rtsync.RunID) *Logger {
	return &Logger{
		Logger: l.Logger.With("run", run),
	}
}

// WithRuntime adds a runtime kind field to the logger.
func (l *Logger) WithRuntime(kind runner.Kind) *Logger {
	return &Logger{
		Logger: l.Logger.With("runtime", kind.String()),
	}
}

// LogMigration logs a migration.
func (l *Logger) LogMigration(ctx context.Context, groupsBefore, groupsAfter, agents int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "migration failed",
			"groups", groupsBefore,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "migration completed",
			"groups_before", groupsBefore,
			"groups_after", groupsAfter,
			"agents", agents,
		)
	}
}

// LogSync logs a sync message broadcast to every runtime.
func (l *Logger) LogSync(ctx context.Context, kind rtsync.Kind, outcomes []rtsync.Outcome, err error) {
	work := 0
	for _, o := range outcomes {
		work += o.Work()
	}
	if err != nil {
		l.WarnContext(ctx, "sync failed",
			"kind", kind.String(),
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "sync completed",
			"kind", kind.String(),
			"runtimes", len(outcomes),
			"segments_read", work,
		)
	}
}

// LogTask logs a finished task.
func (l *Logger) LogTask(ctx context.Context, stats runner.TaskStats) {
	if stats.Err != nil {
		l.ErrorContext(ctx, "task failed",
			"task", stats.TaskID,
			"parts", stats.Parts,
			"error", stats.Err,
		)
	} else {
		l.DebugContext(ctx, "task completed",
			"task", stats.TaskID,
			"parts", stats.Parts,
			"duration", stats.Duration,
		)
	}
	for _, d := range stats.Diagnostics {
		level := slog.LevelWarn
		switch d.Kind {
		case rtsync.RunnerLog:
			level = slog.LevelDebug
		case rtsync.UserError:
			level = slog.LevelError
		}
		l.Log(ctx, level, "runtime diagnostic",
			"task", stats.TaskID,
			"kind", d.Kind.String(),
			"message", d.Message,
		)
	}
}

// LogSegmentBytes logs the shared memory held by the experiment.
func (l *Logger) LogSegmentBytes(ctx context.Context, used, limit int64) {
	if limit > 0 {
		l.DebugContext(ctx, "shared memory",
			"used", humanize.IBytes(uint64(used)),
			"limit", humanize.IBytes(uint64(limit)),
		)
		return
	}
	l.DebugContext(ctx, "shared memory", "used", humanize.IBytes(uint64(used)))
}
