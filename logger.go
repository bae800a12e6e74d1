package peerlink

import "log/slog"

// Logger is the structured logger used by connections and servers.
// *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// defaultLogger returns slog.Default().
func defaultLogger() Logger {
	return slog.Default()
}

// withAttrs returns a logger that adds attrs to every entry.
func withAttrs(l Logger, attrs ...any) Logger {
	if sl, ok := l.(*slog.Logger); ok {
		return sl.With(attrs...)
	}
	return &attrLogger{next: l, attrs: attrs}
}

type attrLogger struct {
	next  Logger
	attrs []any
}

func (l *attrLogger) args(args []any) []any {
	return append(append(make([]any, 0, len(l.attrs)+len(args)), l.attrs...), args...)
}

func (l *attrLogger) Debug(msg string, args ...any) { l.next.Debug(msg, l.args(args)...) }
func (l *attrLogger) Info(msg string, args ...any)  { l.next.Info(msg, l.args(args)...) }
func (l *attrLogger) Warn(msg string, args ...any)  { l.next.Warn(msg, l.args(args)...) }
func (l *attrLogger) Error(msg string, args ...any) { l.next.Error(msg, l.args(args)...) }
