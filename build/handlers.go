package build

import (
	"os"

	"github.com/btcsuite/btclog/v2"
)

// NewDefaultLogHandlers returns the standard console logger and rotating log
// writer handlers that we generally want to use. It also applies the various
// config options to the loggers. Disabled loggers are left out.
func NewDefaultLogHandlers(cfg *LogConfig,
	rotator *RotatingLogWriter) []btclog.Handler {

	var handlers []btclog.Handler

	add := func(cfg LoggerConfig, handler func() btclog.Handler) {
		if cfg.Disable {
			return
		}

		handlers = append(handlers, handler())
	}

	add(cfg.Console.LoggerConfig, func() btclog.Handler {
		return btclog.NewDefaultHandler(
			os.Stdout, cfg.Console.HandlerOptions()...,
		)
	})

	add(cfg.File.LoggerConfig, func() btclog.Handler {
		return btclog.NewDefaultHandler(
			rotator, cfg.File.HandlerOptions()...,
		)
	})

	return handlers
}
