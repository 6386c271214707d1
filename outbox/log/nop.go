package log

import "context"

// NopLogger discards every entry.
type NopLogger struct{}

// NewNop returns a logger that discards every entry.
//
//nolint:ireturn
func NewNop() Logger {
	return &NopLogger{}
}

func (l *NopLogger) Log(context.Context, Level, string, ...Field) {}

//nolint:ireturn
func (l *NopLogger) With(...Field) Logger {
	return l
}

//nolint:ireturn
func (l *NopLogger) WithGroup(string) Logger {
	return l
}

func (l *NopLogger) Enabled(Level) bool {
	return false
}

func (l *NopLogger) Sync(context.Context) error {
	return nil
}
