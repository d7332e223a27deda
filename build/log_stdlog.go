//go:build stdlog
// +build stdlog

package build

// LoggingType is a log type that only writes to stdout.
const LoggingType = LogTypeStdOut

// LogLevel is the log level used by the stdout loggers handed out to unit
// tests.
const LogLevel = "debug"
