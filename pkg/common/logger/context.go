package logger

import "context"

// LoggerContext accumulates key/values across a unit of work so that every
// subsequent record carries them.
type LoggerContext struct {
	base  *Logger
	attrs []any
}

// NewLoggerContext starts an empty context on top of l.
func NewLoggerContext(l *Logger) *LoggerContext { return &LoggerContext{base: l} }

// Add appends key/value pairs.
func (lc *LoggerContext) Add(args ...any) { lc.attrs = append(lc.attrs, args...) }

func (lc *LoggerContext) merged(args []any) []any {
	out := make([]any, 0, len(lc.attrs)+len(args))
	out = append(out, lc.attrs...)
	return append(out, args...)
}

func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.base.write(ctx, LevelDebug, 4, msg, lc.merged(args)...)
}

func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.base.write(ctx, LevelInfo, 4, msg, lc.merged(args)...)
}

func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.base.write(ctx, LevelWarn, 4, msg, lc.merged(args)...)
}

func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.base.write(ctx, LevelError, 4, msg, lc.merged(args)...)
}
