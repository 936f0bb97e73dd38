package segkv

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with helpers that log every DB operation under
// consistent field names (key_len, value_len, name, freed, error).
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger on handler. A nil handler logs text at Info
// level to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		return NewTextLogger(slog.LevelInfo)
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that writes JSON lines to stderr.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger creates a Logger that writes key=value text to stderr.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger creates a Logger that discards all output.
func NoopLogger() *Logger {
	return NewLogger(slog.DiscardHandler)
}

// WithKey adds a key field to the logger.
func (l *Logger) WithKey(key []byte) *Logger {
	return &Logger{
		Logger: l.Logger.With("key", string(key)),
	}
}

// WithVolume adds a volume field to the logger.
func (l *Logger) WithVolume(id uint32) *Logger {
	return &Logger{
		Logger: l.Logger.With("volume", id),
	}
}

// LogInsert logs an insert operation.
func (l *Logger) LogInsert(ctx context.Context, key []byte, valueLen int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "insert failed",
			"key_len", len(key),
			"value_len", valueLen,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "insert completed",
			"key_len", len(key),
			"value_len", valueLen,
		)
	}
}

// LogGet logs a lookup. Misses are not errors.
func (l *Logger) LogGet(ctx context.Context, key []byte, found bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "get failed",
			"key_len", len(key),
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "get completed",
			"key_len", len(key),
			"found", found,
		)
	}
}

// LogDelete logs a delete operation.
func (l *Logger) LogDelete(ctx context.Context, key []byte, err error) {
	if err != nil {
		l.ErrorContext(ctx, "delete failed",
			"key_len", len(key),
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "delete completed",
			"key_len", len(key),
		)
	}
}

// LogBatch logs a batch write.
func (l *Logger) LogBatch(ctx context.Context, count, failed int) {
	if failed > 0 {
		l.WarnContext(ctx, "batch completed with failures",
			"total", count,
			"failed", failed,
			"success", count-failed,
		)
	} else {
		l.DebugContext(ctx, "batch completed",
			"count", count,
		)
	}
}

// LogCompaction logs a foreground compaction request.
func (l *Logger) LogCompaction(ctx context.Context, full bool, freed int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "compaction failed",
			"full", full,
			"freed", freed,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "compaction completed",
			"full", full,
			"freed", freed,
		)
	}
}

// LogCheckpoint logs a checkpoint or restore.
func (l *Logger) LogCheckpoint(ctx context.Context, op, name string, err error) {
	if err != nil {
		l.ErrorContext(ctx, op+" failed",
			"name", name,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, op+" completed",
			"name", name,
		)
	}
}

// LogRecovery logs the outcome of opening a database.
func (l *Logger) LogRecovery(ctx context.Context, keys int64, epoch uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "open failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "database opened",
			"keys", keys,
			"epoch", epoch,
		)
	}
}
