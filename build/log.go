package build

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"

	btclogv1 "github.com/btcsuite/btclog"
	"github.com/btcsuite/btclog/v2"
)

// NewDefaultLogHandler returns a handler writing to stdout and, when
// rotator is set, to the rotating log file.
func NewDefaultLogHandler(cfg *LogConfig,
	rotator *RotatingLogWriter) btclog.Handler {

	var w io.Writer = os.Stdout
	if rotator != nil {
		w = io.MultiWriter(os.Stdout, rotator)
	}

	return btclog.NewDefaultHandler(w, cfg.HandlerOptions()...)
}

// SubLoggerManager hands out one logger per subsystem, all writing through
// the same handler, and controls their levels.
type SubLoggerManager struct {
	handler btclog.Handler

	mu         sync.Mutex
	subLoggers map[string]btclog.Logger
}

// NewSubLoggerManager creates a manager writing through handler.
func NewSubLoggerManager(handler btclog.Handler) *SubLoggerManager {
	return &SubLoggerManager{
		handler:    handler,
		subLoggers: make(map[string]btclog.Logger),
	}
}

// GenSubLogger returns the logger of subsystem, creating it at info level
// on first use.
func (m *SubLoggerManager) GenSubLogger(subsystem string) btclog.Logger {
	m.mu.Lock()
	defer m.mu.Unlock()

	if logger, ok := m.subLoggers[subsystem]; ok {
		return logger
	}

	logger := btclog.NewSLogger(m.handler.SubSystem(subsystem))
	logger.SetLevel(btclog.LevelInfo)
	m.subLoggers[subsystem] = logger

	return logger
}

// SupportedSubsystems returns the sorted tags of the registered loggers.
func (m *SubLoggerManager) SupportedSubsystems() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	subsystems := make([]string, 0, len(m.subLoggers))
	for subsystem := range m.subLoggers {
		subsystems = append(subsystems, subsystem)
	}
	slices.Sort(subsystems)

	return subsystems
}

// SetLogLevel sets the level of a single subsystem. Unknown subsystems are
// ignored.
func (m *SubLoggerManager) SetLogLevel(subsystem string, level btclogv1.Level) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if logger, ok := m.subLoggers[subsystem]; ok {
		logger.SetLevel(level)
	}
}

// SetLogLevels sets the level of every subsystem.
func (m *SubLoggerManager) SetLogLevels(level btclogv1.Level) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, logger := range m.subLoggers {
		logger.SetLevel(level)
	}
}

// ParseAndSetDebugLevels parses a debug level string and applies it to the
// loggers of m. The string is either a single level applied to every
// subsystem, or a comma separated list of subsystem=level pairs, optionally
// preceded by a global level: "info,WTCH=debug,RSPD=trace".
func ParseAndSetDebugLevels(level string, m *SubLoggerManager) error {
	// Single global level.
	if !strings.Contains(level, "=") && !strings.Contains(level, ",") {
		lvl, ok := btclog.LevelFromString(level)
		if !ok {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", level)
		}
		m.SetLogLevels(lvl)

		return nil
	}

	pairs := strings.Split(level, ",")

	// An optional global level may come first.
	if !strings.Contains(pairs[0], "=") {
		lvl, ok := btclog.LevelFromString(pairs[0])
		if !ok {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", pairs[0])
		}
		m.SetLogLevels(lvl)
		pairs = pairs[1:]
	}

	supported := m.SupportedSubsystems()
	for _, pair := range pairs {
		fields := strings.Split(pair, "=")
		if len(fields) != 2 {
			return fmt.Errorf("the specified debug level has an "+
				"invalid format [%v] -- use format "+
				"subsystem1=level1,subsystem2=level2", pair)
		}
		subsystem, levelStr := fields[0], fields[1]

		if !slices.Contains(supported, subsystem) {
			return fmt.Errorf("the specified subsystem [%v] is "+
				"invalid -- supported subsystems are %v",
				subsystem, supported)
		}

		lvl, ok := btclog.LevelFromString(levelStr)
		if !ok {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", levelStr)
		}

		m.SetLogLevel(subsystem, lvl)
	}

	return nil
}
