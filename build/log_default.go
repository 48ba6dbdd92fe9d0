//go:build !stdlog && !nolog

package build

import "os"

// LoggingType is a log type that writes to both stdout and the log rotator, if
// present.
const LoggingType = LogTypeDefault

// Write writes the byte slice to stdout.
func (w *LogWriter) Write(b []byte) (int, error) {
	_, _ = os.Stdout.Write(b)

	return len(b), nil
}
