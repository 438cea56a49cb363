package servicecontrol

// Field is one structured logging key/value pair. Adapters translate
// fields into their backend's native representation.
type Field struct {
	Key   string
	Value interface{}
}

// errField wraps an error as a logging field.
func errField(err error) Field { return Field{Key: "error", Value: err} }

// Logger is the engine's logging surface. The engine logs sparingly:
// degraded verdicts, dropped snapshots, and persistence trouble, never
// the request path's happy case.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// NoopLogger discards everything. It is the default when no Logger is
// configured.
type NoopLogger struct{}

func (*NoopLogger) Debug(string, ...Field) {}
func (*NoopLogger) Info(string, ...Field)  {}
func (*NoopLogger) Warn(string, ...Field)  {}
func (*NoopLogger) Error(string, ...Field) {}
