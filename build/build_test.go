package build_test

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	btclogv1 "github.com/btcsuite/btclog"
	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/towerd/build"
	"github.com/stretchr/testify/require"
)

func newManager(subsystems ...string) *build.SubLoggerManager {
	mgr := build.NewSubLoggerManager(
		btclog.NewDefaultHandler(os.Stderr),
	)
	for _, s := range subsystems {
		mgr.GenSubLogger(s)
	}

	return mgr
}

func TestParseAndSetDebugLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		level    string
		expected map[string]btclogv1.Level
		err      string
	}{
		{
			name:  "global level",
			level: "debug",
			expected: map[string]btclogv1.Level{
				"WTCH": btclog.LevelDebug,
				"RSPD": btclog.LevelDebug,
			},
		},
		{
			name:  "global level and override",
			level: "warn,RSPD=trace",
			expected: map[string]btclogv1.Level{
				"WTCH": btclog.LevelWarn,
				"RSPD": btclog.LevelTrace,
			},
		},
		{
			name:  "pairs only",
			level: "WTCH=error,RSPD=off",
			expected: map[string]btclogv1.Level{
				"WTCH": btclog.LevelError,
				"RSPD": btclog.LevelOff,
			},
		},
		{
			name:  "invalid level",
			level: "loud",
			err:   "debug level [loud] is invalid",
		},
		{
			name:  "unknown subsystem",
			level: "info,LNWL=debug",
			err:   "subsystem [LNWL] is invalid",
		},
		{
			name:  "bad pair",
			level: "WTCH=debug=trace",
			err:   "invalid format",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			mgr := newManager("WTCH", "RSPD")
			err := build.ParseAndSetDebugLevels(test.level, mgr)
			if test.err != "" {
				require.ErrorContains(t, err, test.err)
				return
			}
			require.NoError(t, err)

			for subsystem, level := range test.expected {
				logger := mgr.GenSubLogger(subsystem)
				require.Equal(t, level, logger.Level())
			}
		})
	}
}

func TestSubLoggerManager(t *testing.T) {
	t.Parallel()

	mgr := newManager("WTCH", "GTKP", "CHMN")
	require.Equal(t, []string{"CHMN", "GTKP", "WTCH"},
		mgr.SupportedSubsystems())

	// Loggers are created once per subsystem.
	require.Same(t, mgr.GenSubLogger("WTCH"), mgr.GenSubLogger("WTCH"))
	require.Equal(t, btclog.LevelInfo, mgr.GenSubLogger("WTCH").Level())
}

func TestRotatingLogWriter(t *testing.T) {
	t.Parallel()

	cfg := build.DefaultLogConfig()
	require.NoError(t, cfg.Validate())

	logFile := filepath.Join(t.TempDir(), "logs", "towerd.log")
	w := build.NewRotatingLogWriter()
	require.NoError(t, w.InitLogRotator(cfg, logFile))

	_, err := w.Write([]byte("hello tower\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	require.Equal(t, "hello tower\n", string(content))

	cfg.Compressor = "lz4"
	require.Error(t, cfg.Validate())
	require.Error(t, build.NewRotatingLogWriter().InitLogRotator(
		cfg, logFile,
	))
}

func TestVersion(t *testing.T) {
	t.Parallel()

	require.Regexp(t, regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9a-z-]+)?$`),
		build.Version())
}
