package walletsync

import (
	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/walletsync/blockcache"
	"github.com/lightningnetwork/walletsync/build"
	"github.com/lightningnetwork/walletsync/chainio"
	"github.com/lightningnetwork/walletsync/chainoracle"
	"github.com/lightningnetwork/walletsync/chainoracle/bitcoindoracle"
	"github.com/lightningnetwork/walletsync/chainsync"
	"github.com/lightningnetwork/walletsync/logstore"
	"github.com/lightningnetwork/walletsync/multimutex"
	"github.com/lightningnetwork/walletsync/signal"
	"github.com/lightningnetwork/walletsync/txgraph"
	"github.com/lightningnetwork/walletsync/wallet"
)

// replaceableLogger is a thin wrapper around a logger that is used so the
// logger can be replaced easily without some black pointer magic.
type replaceableLogger struct {
	btclog.Logger
	subsystem string
}

// Loggers can not be used before the log rotator has been initialized with a
// log file. This must be performed early during application startup by
// calling InitLogRotator() on the main log writer instance in the config.
var (
	// wsynPkgLoggers is a list of all walletsync package level loggers
	// that are registered. They are tracked here so they can be replaced
	// once the SetupLoggers function is called with the final root logger.
	wsynPkgLoggers []*replaceableLogger

	// addWsynPkgLogger is a helper function that creates a new replaceable
	// main walletsync package level logger and adds it to the list of
	// loggers that are replaced again later, once the final root logger is
	// ready.
	addWsynPkgLogger = func(subsystem string) *replaceableLogger {
		l := &replaceableLogger{
			Logger:    build.NewSubLogger(subsystem, nil),
			subsystem: subsystem,
		}
		wsynPkgLoggers = append(wsynPkgLoggers, l)

		return l
	}

	// Loggers that need to be accessible from the walletsync package can
	// be placed here. Loggers that are only used in sub modules can be
	// added directly by using the addSubLogger method. We declare all
	// loggers so we never run into a nil reference if they are used early.
	// But the SetupLoggers function should always be called as soon as
	// possible to finish setting them up properly with a root logger.
	wsynLog = addWsynPkgLogger("WSYN")
)

// genSubLogger creates a logger for a subsystem. We provide an instance of
// a signal.Interceptor to be able to shutdown in the case of a critical
// error.
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
	// placeholder walletsync package loggers.
	for _, l := range wsynPkgLoggers {
		l.Logger = build.NewSubLogger(l.subsystem, genLogger)
		SetSubLogger(root, l.subsystem, l.Logger)
	}

	AddSubLogger(root, signal.Subsystem, interceptor, signal.UseLogger)
	AddSubLogger(root, wallet.Subsystem, interceptor, wallet.UseLogger)
	AddSubLogger(root, chainsync.Subsystem, interceptor, chainsync.UseLogger)
	AddSubLogger(root, chainio.Subsystem, interceptor, chainio.UseLogger)
	AddSubLogger(
		root, chainoracle.Subsystem, interceptor, chainoracle.UseLogger,
	)
	AddSubLogger(
		root, bitcoindoracle.Subsystem, interceptor,
		bitcoindoracle.UseLogger,
	)
	AddSubLogger(root, logstore.Subsystem, interceptor, logstore.UseLogger)
	AddSubLogger(root, txgraph.Subsystem, interceptor, txgraph.UseLogger)
	AddSubLogger(
		root, blockcache.Subsystem, interceptor, blockcache.UseLogger,
	)
	AddSubLogger(
		root, multimutex.Subsystem, interceptor, multimutex.UseLogger,
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
