package logger

// Logger is the minimal logging surface dispatchers, consumers and stores
// write to. Adapters bind it to a real logging backend.
type Logger interface {
	Info(msg string)
	Debug(msg string)
	Warn(msg string)
	Error(msg string, err error)
}

// Loggable is implemented by components that accept a logger at wiring
// time.
type Loggable interface {
	SetLogger(Logger)
}

// NopLogger discards everything and is the default logger.
type NopLogger struct{}

var _ Logger = (*NopLogger)(nil)

func (*NopLogger) Debug(msg string) {} //nolint:all

func (*NopLogger) Warn(msg string) {} //nolint:all

func (*NopLogger) Error(msg string, err error) {} //nolint:all

func (*NopLogger) Info(msg string) {} //nolint:all
