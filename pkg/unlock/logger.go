package unlock

// Field is a key/value pair attached to a log line.
type Field struct {
	Key   string
	Value interface{}
}

// Logger receives structured log lines from the resolver, the sweeper and
// the storage adapters. Concrete backends live under logger/.
type Logger interface {
	// Debug records fast-path detail such as mirror hits and charge retries.
	Debug(msg string, fields ...Field)

	// Info records ledger-changing outcomes such as charges and sweeps.
	Info(msg string, fields ...Field)

	// Warn records recoverable trouble such as a failed reuse audit append.
	Warn(msg string, fields ...Field)

	// Error records failures that surfaced to a caller.
	Error(msg string, fields ...Field)
}

// NoopLogger discards everything; it is the default when no logger is
// configured.
type NoopLogger struct{}

func (n *NoopLogger) Debug(msg string, fields ...Field) {}
func (n *NoopLogger) Info(msg string, fields ...Field)  {}
func (n *NoopLogger) Warn(msg string, fields ...Field)  {}
func (n *NoopLogger) Error(msg string, fields ...Field) {}
