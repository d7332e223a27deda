package build

import (
	"sync"

	"github.com/btcsuite/btclog/v2"
)

// shutdownLogger is a logger that requests a shutdown the first time a
// critical message is written through it.
type shutdownLogger struct {
	btclog.Logger

	shutdown     func()
	shutdownOnce sync.Once
}

// newShutdownLogger wraps logger so that critical messages call shutdown.
func newShutdownLogger(logger btclog.Logger,
	shutdown func()) *shutdownLogger {

	return &shutdownLogger{
		Logger:   logger,
		shutdown: shutdown,
	}
}

// requestShutdown calls the shutdown function once.
func (s *shutdownLogger) requestShutdown() {
	s.shutdownOnce.Do(func() {
		s.Logger.Info("Sending request for shutdown")
		s.shutdown()
	})
}

// Criticalf logs at the critical level and requests a shutdown.
//
// NOTE: This is part of the btclog.Logger interface.
func (s *shutdownLogger) Criticalf(format string, params ...any) {
	s.Logger.Criticalf(format, params...)
	s.requestShutdown()
}

// Critical logs at the critical level and requests a shutdown.
//
// NOTE: This is part of the btclog.Logger interface.
func (s *shutdownLogger) Critical(v ...any) {
	s.Logger.Critical(v...)
	s.requestShutdown()
}
