//go:build !stdlog && !nolog
// +build !stdlog,!nolog

package build

// LoggingType is a log type that writes to both stdout and the log rotator, if
// present.
const LoggingType = LogTypeDefault

// LogLevel is the default log level for loggers created outside of the
// daemon's handler set.
const LogLevel = "info"
