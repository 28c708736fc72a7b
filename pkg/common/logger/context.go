package logger

import "context"

// LoggerContext accumulates attributes over the lifetime of a single
// operation so the final log lines carry everything learned along the way.
// It is not safe for concurrent use.
type LoggerContext struct {
	base  *Logger
	attrs []any
}

// NewLoggerContext wraps the logger.
func NewLoggerContext(l *Logger) *LoggerContext {
	return &LoggerContext{base: l}
}

// Add appends key/value pairs that will be attached to subsequent records.
func (lc *LoggerContext) Add(args ...any) { lc.attrs = append(lc.attrs, args...) }

func (lc *LoggerContext) merged(args []any) []any {
	out := make([]any, 0, len(lc.attrs)+len(args))
	out = append(out, lc.attrs...)
	return append(out, args...)
}

func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.base.Debugc(ctx, 4, msg, lc.merged(args)...)
}

func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.base.Infoc(ctx, 4, msg, lc.merged(args)...)
}

func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.base.Warnc(ctx, 4, msg, lc.merged(args)...)
}

func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.base.Errorc(ctx, 4, msg, lc.merged(args)...)
}
