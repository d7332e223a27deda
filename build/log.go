package build

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/btcsuite/btclog/v2"
)

// LogType selects where package level loggers write to. It is fixed at build
// time through the stdlog and nolog tags.
type LogType byte

const (
	// LogTypeNone compiles logging out.
	LogTypeNone LogType = iota

	// LogTypeStdOut writes every subsystem straight to stdout. It is used
	// by unit tests.
	LogTypeStdOut

	// LogTypeDefault hands out loggers from the daemon's handler set.
	LogTypeDefault
)

// logLevels lists the levels accepted on the command line.
var logLevels = []string{
	"trace", "debug", "info", "warn", "error", "critical", "off",
}

// NewSubLogger returns the logger of a subsystem for the build's LogType.
// With the default type the logger comes from genSubLogger, and a nil
// genSubLogger yields a disabled logger until the daemon replaces it.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	switch LoggingType {
	case LogTypeDefault:
		if genSubLogger != nil {
			return genSubLogger(subsystem)
		}

	case LogTypeStdOut:
		handler := btclog.NewDefaultHandler(os.Stdout)
		logger := btclog.NewSLogger(handler.SubSystem(subsystem))

		level, _ := btclog.LevelFromString(LogLevel)
		logger.SetLevel(level)

		return logger
	}

	return btclog.Disabled
}

// SubLoggers maps subsystem tags to their loggers.
type SubLoggers map[string]btclog.Logger

// LeveledSubLogger is a registry of subsystem loggers whose levels can be
// changed at runtime.
type LeveledSubLogger interface {
	// SubLoggers returns every registered subsystem logger.
	SubLoggers() SubLoggers

	// SupportedSubsystems returns the sorted subsystem tags.
	SupportedSubsystems() []string

	// SetLogLevel sets the level of one subsystem.
	SetLogLevel(subsystemID string, logLevel string)

	// SetLogLevels sets the level of every subsystem.
	SetLogLevels(logLevel string)
}

// ParseAndSetDebugLevels applies a debug level string to the registry. The
// string is either a single level for every subsystem, a comma separated list
// of subsystem=level pairs, or a global level followed by such pairs, e.g.
// "info,HDCH=trace".
func ParseAndSetDebugLevels(level string, logger LeveledSubLogger) error {
	pairs := strings.Split(level, ",")

	global := pairs[0]
	if !strings.Contains(global, "=") {
		if !validLogLevel(global) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", global)
		}
		logger.SetLogLevels(global)

		pairs = pairs[1:]
	}

	for _, pair := range pairs {
		subsystem, subLevel, ok := strings.Cut(pair, "=")
		if !ok || strings.Contains(subLevel, "=") {
			return fmt.Errorf("the specified debug level has an "+
				"invalid subsystem/level pair [%v], use "+
				"subsystem1=level1,subsystem2=level2", pair)
		}

		if _, ok := logger.SubLoggers()[subsystem]; !ok {
			return fmt.Errorf("the specified subsystem [%v] is "+
				"invalid, supported subsystems are %v",
				subsystem, logger.SupportedSubsystems())
		}

		if !validLogLevel(subLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", subLevel)
		}

		logger.SetLogLevel(subsystem, subLevel)
	}

	return nil
}

// validLogLevel reports whether the level is one of logLevels.
func validLogLevel(logLevel string) bool {
	return slices.Contains(logLevels, logLevel)
}
