package build

import (
	"bytes"
	"testing"

	btclogv1 "github.com/btcsuite/btclog"
	"github.com/btcsuite/btclog/v2"
	"github.com/stretchr/testify/require"
)

func TestParseAndSetDebugLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		level   string
		wantErr bool
		want    map[string]btclogv1.Level
	}{
		{
			name:  "global",
			level: "debug",
			want: map[string]btclogv1.Level{
				"SYNC": btclogv1.LevelDebug,
				"CHIO": btclogv1.LevelDebug,
			},
		},
		{
			name:  "global and subsystem",
			level: "warn,SYNC=trace",
			want: map[string]btclogv1.Level{
				"SYNC": btclogv1.LevelTrace,
				"CHIO": btclogv1.LevelWarn,
			},
		},
		{
			name:  "subsystem only",
			level: "CHIO=error",
			want: map[string]btclogv1.Level{
				"SYNC": btclogv1.LevelInfo,
				"CHIO": btclogv1.LevelError,
			},
		},
		{
			name:    "unknown subsystem",
			level:   "info,ABCD=debug",
			wantErr: true,
		},
		{
			name:    "bad level",
			level:   "loud",
			wantErr: true,
		},
		{
			name:    "bad pair",
			level:   "info,SYNC",
			wantErr: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			mgr := NewSubLoggerManager(btclog.NewDefaultHandler(&buf))
			mgr.GenSubLogger("SYNC", func() {})
			mgr.GenSubLogger("CHIO", func() {})

			err := ParseAndSetDebugLevels(test.level, mgr)
			if test.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			loggers := mgr.SubLoggers()
			for subsystem, level := range test.want {
				require.Equal(
					t, level, loggers[subsystem].Level(),
					subsystem,
				)
			}
		})
	}
}

func TestShutdownLogger(t *testing.T) {
	t.Parallel()

	var (
		buf       bytes.Buffer
		shutdowns int
	)
	mgr := NewSubLoggerManager(btclog.NewDefaultHandler(&buf))
	logger := mgr.GenSubLogger("WLLT", func() {
		shutdowns++
	})

	logger.Errorf("not critical")
	require.Zero(t, shutdowns)

	logger.Criticalf("storage fault: %v", "disk full")
	require.Equal(t, 1, shutdowns)
	require.Contains(t, buf.String(), "storage fault: disk full")
	require.Contains(t, buf.String(), "WLLT")
}

func TestSupportedSubsystems(t *testing.T) {
	t.Parallel()

	mgr := NewSubLoggerManager()
	mgr.GenSubLogger("SYNC", func() {})
	mgr.GenSubLogger("BTCD", func() {})
	mgr.GenSubLogger("CHIO", func() {})

	require.Equal(
		t, []string{"BTCD", "CHIO", "SYNC"}, mgr.SupportedSubsystems(),
	)
}

func TestHandlerSetLevel(t *testing.T) {
	t.Parallel()

	var console, file bytes.Buffer
	consoleHandler := btclog.NewDefaultHandler(&console)
	fileHandler := btclog.NewDefaultHandler(&file)

	set := NewHandlerSet(btclogv1.LevelInfo, consoleHandler, fileHandler)
	require.Equal(t, btclogv1.LevelInfo, set.Level())
	require.Equal(t, btclogv1.LevelInfo, consoleHandler.Level())

	set.SetLevel(btclogv1.LevelDebug)
	require.Equal(t, btclogv1.LevelDebug, set.Level())
	require.Equal(t, btclogv1.LevelDebug, consoleHandler.Level())
	require.Equal(t, btclogv1.LevelDebug, fileHandler.Level())

	// Records reach every handler of the set.
	logger := btclog.NewSLogger(set.SubSystem("SYNC"))
	logger.Debugf("catching up from %d", 7)
	require.Contains(t, console.String(), "catching up from 7")
	require.Contains(t, file.String(), "catching up from 7")
}

func TestDeploymentString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "development", Development.String())
	require.Equal(t, "production", Production.String())
	require.Equal(t, "unknown", DeploymentType(7).String())
}
