//go:build dev

package build

import "os"

// Deployment specifies a development build.
const Deployment = Development

// LogLevel is the level used by the stdout loggers of unit tests. It can be
// overridden with the WALLETSYNC_LOGLEVEL environment variable.
var LogLevel = func() string {
	if lvl := os.Getenv("WALLETSYNC_LOGLEVEL"); lvl != "" {
		return lvl
	}

	return "info"
}()
