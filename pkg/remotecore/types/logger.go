package types

// Logger is the logging interface used throughout the remote messaging
// core. The default implementation lives in package definition.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})
	Panic(v ...interface{})
	Panicf(format string, v ...interface{})

	// ToggleDebug enables or disables Debug/Debugf output and returns the
	// resulting state.
	ToggleDebug(value bool) bool

	// WithFields returns a Logger that attaches the given structured
	// fields to every subsequent line, if the backing implementation
	// supports it (the default logrus-backed one does); otherwise it may
	// return the receiver unchanged.
	WithFields(fields map[string]interface{}) Logger
}
