package spvchain

import (
	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/spvchain/build"
	"github.com/lightningnetwork/spvchain/consensus"
	"github.com/lightningnetwork/spvchain/headerchain"
	"github.com/lightningnetwork/spvchain/headerstore"
	"github.com/lightningnetwork/spvchain/merkleproof"
	"github.com/lightningnetwork/spvchain/signal"
)

// replaceableLogger is a thin wrapper around a logger that is used so the
// logger can be replaced easily without some black pointer magic.
type replaceableLogger struct {
	btclog.Logger
	subsystem string
}

// Loggers can not be used before the log rotator has been initialized with a
// log file. This must be performed early during application startup by
// calling ValidateConfig.
var (
	// spvdPkgLoggers is a list of all spvchain package level loggers that
	// are registered. They are tracked here so they can be replaced once
	// the SetupLoggers function is called with the final root logger.
	spvdPkgLoggers []*replaceableLogger

	// addSpvdPkgLogger is a helper function that creates a new replaceable
	// main package level logger and adds it to the list of loggers that
	// are replaced again later, once the final root logger is ready.
	addSpvdPkgLogger = func(subsystem string) *replaceableLogger {
		l := &replaceableLogger{
			Logger:    build.NewSubLogger(subsystem, nil),
			subsystem: subsystem,
		}
		spvdPkgLoggers = append(spvdPkgLoggers, l)

		return l
	}

	// Loggers that need to be accessible from the spvchain package can be
	// placed here. Loggers that are only used in sub modules can be added
	// directly by using the addSubLogger method. We declare all loggers so
	// we never run into a nil reference if they are used early. But the
	// SetupLoggers function should always be called as soon as possible to
	// finish setting them up properly with a root logger.
	spvdLog = addSpvdPkgLogger("SPVD")
	hdimLog = addSpvdPkgLogger("HDIM")
)

// genSubLogger creates a logger for a subsystem. We provide an instance of
// a signal.Interceptor to be able to shutdown in the case of a critical error.
func genSubLogger(root *build.SubLoggerManager,
	interceptor signal.Interceptor) func(string) btclog.Logger {

	// Create a shutdown function which will request shutdown from our
	// interceptor if it is listening.
	shutdown := func() {
		if !interceptor.Listening() {
			return
		}

		interceptor.RequestShutdown()
	}

	// Return a function which will create a sublogger from our root
	// logger without shutdown fn.
	return func(tag string) btclog.Logger {
		return root.GenSubLogger(tag, shutdown)
	}
}

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.SubLoggerManager,
	interceptor signal.Interceptor) {

	genLogger := genSubLogger(root, interceptor)

	// Now that we have the proper root logger, we can replace the
	// placeholder spvchain package loggers.
	for _, l := range spvdPkgLoggers {
		l.Logger = build.NewSubLogger(l.subsystem, genLogger)
		SetSubLogger(root, l.subsystem, l.Logger)
	}

	AddSubLogger(root, signal.Subsystem, interceptor, signal.UseLogger)
	AddSubLogger(
		root, consensus.Subsystem, interceptor, consensus.UseLogger,
	)
	AddSubLogger(
		root, headerstore.Subsystem, interceptor, headerstore.UseLogger,
	)
	AddSubLogger(
		root, headerchain.Subsystem, interceptor, headerchain.UseLogger,
	)
	AddSubLogger(
		root, merkleproof.Subsystem, interceptor, merkleproof.UseLogger,
	)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.SubLoggerManager, subsystem string,
	interceptor signal.Interceptor, useLoggers ...func(btclog.Logger)) {

	// genSubLogger will return a callback for creating a logger instance,
	// which we will give to the root logger.
	genLogger := genSubLogger(root, interceptor)

	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := build.NewSubLogger(subsystem, genLogger)
	SetSubLogger(root, subsystem, logger, useLoggers...)
}

// SetSubLogger is a helper method to conveniently register the logger of a
// sub system.
func SetSubLogger(root *build.SubLoggerManager, subsystem string,
	logger btclog.Logger, useLoggers ...func(btclog.Logger)) {

	root.RegisterSubLogger(subsystem, logger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}
