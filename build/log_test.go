package build

import (
	"bytes"
	"testing"

	btclogv1 "github.com/btcsuite/btclog"
	"github.com/btcsuite/btclog/v2"
	"github.com/stretchr/testify/require"
)

// newTestManager returns a manager with two registered subsystems writing to
// the returned buffer.
func newTestManager(t *testing.T) (*SubLoggerManager, *bytes.Buffer) {
	t.Helper()

	var b bytes.Buffer
	mgr := NewSubLoggerManager(btclog.NewDefaultHandler(&b))
	mgr.GenSubLogger("HDCH", func() {})
	mgr.GenSubLogger("HDST", func() {})

	return mgr, &b
}

// TestParseAndSetDebugLevels checks the accepted debug level formats.
func TestParseAndSetDebugLevels(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		level  string
		want   map[string]btclogv1.Level
		errStr string
	}{
		{
			name:  "global level",
			level: "debug",
			want: map[string]btclogv1.Level{
				"HDCH": btclog.LevelDebug,
				"HDST": btclog.LevelDebug,
			},
		},
		{
			name:  "global level and pair",
			level: "warn,HDCH=trace",
			want: map[string]btclogv1.Level{
				"HDCH": btclog.LevelTrace,
				"HDST": btclog.LevelWarn,
			},
		},
		{
			name:  "pairs only",
			level: "HDST=error",
			want: map[string]btclogv1.Level{
				"HDCH": btclog.LevelInfo,
				"HDST": btclog.LevelError,
			},
		},
		{
			name:   "unknown global level",
			level:  "loud",
			errStr: "debug level [loud] is invalid",
		},
		{
			name:   "unknown subsystem",
			level:  "info,XXXX=debug",
			errStr: "subsystem [XXXX] is invalid",
		},
		{
			name:   "pair without level",
			level:  "info,HDCH",
			errStr: "invalid subsystem/level pair",
		},
		{
			name:   "pair with two separators",
			level:  "HDCH=debug=trace",
			errStr: "invalid subsystem/level pair",
		},
		{
			name:   "unknown subsystem level",
			level:  "HDCH=loud",
			errStr: "debug level [loud] is invalid",
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			mgr, _ := newTestManager(t)

			err := ParseAndSetDebugLevels(tc.level, mgr)
			if tc.errStr != "" {
				require.ErrorContains(t, err, tc.errStr)
				return
			}
			require.NoError(t, err)

			for subsystem, level := range tc.want {
				logger := mgr.SubLoggers()[subsystem]
				require.Equal(t, level, logger.Level(), subsystem)
			}
		})
	}
}

// TestShutdownLogger checks that only the first critical message requests a
// shutdown.
func TestShutdownLogger(t *testing.T) {
	t.Parallel()

	var b bytes.Buffer
	mgr := NewSubLoggerManager(btclog.NewDefaultHandler(&b))

	var requests int
	logger := mgr.GenSubLogger("HDCH", func() {
		requests++
	})

	logger.Info("starting")
	require.Zero(t, requests)

	logger.Criticalf("store failed: %v", "disk full")
	logger.Critical("store failed again")
	require.Equal(t, 1, requests)

	require.Contains(t, b.String(), "store failed: disk full")
	require.Contains(t, b.String(), "Sending request for shutdown")
	require.Equal(
		t, []string{"HDCH"}, mgr.SupportedSubsystems(),
	)
}
