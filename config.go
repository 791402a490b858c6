package towerd

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/towerd/build"
	"github.com/lightningnetwork/towerd/chainmonitor"
	"github.com/lightningnetwork/towerd/gatekeeper"
	"github.com/lightningnetwork/towerd/monitoring"
	"github.com/lightningnetwork/towerd/watcher"
	"github.com/lightningnetwork/towerd/wtdb"
)

const (
	defaultConfigFilename = "towerd.conf"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "towerd.log"
	defaultLogLevel       = "info"

	defaultRPCHost         = "localhost"
	defaultZMQReadDeadline = 5 * time.Second

	defaultHealthCheckInterval = time.Minute
	defaultHealthCheckTimeout  = 30 * time.Second
	defaultHealthCheckBackoff  = 30 * time.Second
	defaultHealthCheckAttempts = 3
)

var (
	// DefaultTowerDir is the default directory holding every file of the
	// tower.
	DefaultTowerDir = btcutil.AppDataDir("towerd", false)

	// DefaultConfigFile is the default full path of the config file.
	DefaultConfigFile = filepath.Join(
		DefaultTowerDir, defaultConfigFilename,
	)

	defaultDataDir = filepath.Join(DefaultTowerDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultTowerDir, defaultLogDirname)
)

// rpcPorts are the default bitcoind RPC ports per network.
var rpcPorts = map[string]string{
	chaincfg.MainNetParams.Name:       "8332",
	chaincfg.TestNet3Params.Name:      "18332",
	chaincfg.RegressionNetParams.Name: "18443",
	chaincfg.SigNetParams.Name:        "38332",
}

// BitcoindConfig holds the settings of the connection to bitcoind.
//
//nolint:lll
type BitcoindConfig struct {
	RPCHost         string        `long:"rpchost" description:"The bitcoind RPC host:port. The port defaults to the one of the network."`
	RPCUser         string        `long:"rpcuser" description:"Username for RPC connections to bitcoind."`
	RPCPass         string        `long:"rpcpass" default-mask:"-" description:"Password for RPC connections to bitcoind."`
	ZMQPubHashBlock string        `long:"zmqpubhashblock" description:"The address listening for ZMQ hashblock notifications. Polling is used alone if unset."`
	ZMQReadDeadline time.Duration `long:"zmqreaddeadline" description:"The read deadline for reading ZMQ messages."`
	PollInterval    time.Duration `long:"pollinterval" description:"How often bitcoind is polled for its best block."`
	Network         string        `long:"network" description:"The network bitcoind runs on." choice:"mainnet" choice:"testnet3" choice:"regtest" choice:"signet"`
}

// DBConfig selects and tunes the database backend.
//
//nolint:lll
type DBConfig struct {
	Backend string           `long:"backend" description:"The database backend." choice:"bolt" choice:"leveldb"`
	Bolt    *wtdb.BoltConfig `group:"bolt" namespace:"bolt" description:"bbolt settings."`
}

// SubscriptionConfig holds the terms granted to users on registration.
//
//nolint:lll
type SubscriptionConfig struct {
	Slots       uint32 `long:"slots" description:"The number of slots granted per registration."`
	Duration    uint32 `long:"duration" description:"The number of blocks a registration lasts."`
	ExpiryDelta uint32 `long:"expirydelta" description:"The number of blocks the data of an expired user is kept around."`
}

// PrometheusConfig controls the metrics exporter.
//
//nolint:lll
type PrometheusConfig struct {
	Enable bool   `long:"enable" description:"Export tower metrics to Prometheus."`
	Listen string `long:"listen" description:"The address the /metrics endpoint listens on."`
}

// HealthCheckConfig controls the liveness check of bitcoind.
//
//nolint:lll
type HealthCheckConfig struct {
	Interval time.Duration `long:"interval" description:"How often bitcoind is checked. Set to 0 to disable."`
	Attempts int           `long:"attempts" description:"The number of failed checks tolerated before shutting down."`
	Timeout  time.Duration `long:"timeout" description:"The amount of time a check is allowed to take."`
	Backoff  time.Duration `long:"backoff" description:"The amount of time to wait between failed checks."`
}

// Config is the configuration of towerd, loaded from the command line and
// the config file.
//
//nolint:lll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	TowerDir   string `long:"towerdir" description:"The base directory that contains the tower's data, logs, configuration file, etc."`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store the tower's data within"`
	LogDir     string `long:"logdir" description:"Directory to log output."`
	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`

	MaxAppointments  int `long:"maxappointments" description:"The maximum number of appointments watched at once."`
	LocatorCacheSize int `long:"locatorcachesize" description:"The number of recent blocks whose transactions are kept to answer late appointments."`

	Bitcoind     *BitcoindConfig     `group:"bitcoind" namespace:"bitcoind"`
	DB           *DBConfig           `group:"db" namespace:"db"`
	Subscription *SubscriptionConfig `group:"subscription" namespace:"subscription"`
	Prometheus   *PrometheusConfig   `group:"prometheus" namespace:"prometheus"`
	HealthChecks *HealthCheckConfig  `group:"healthchecks" namespace:"healthchecks"`
	Logging      *build.LogConfig    `group:"logging" namespace:"logging"`

	// ActiveNetParams are the parameters of the selected network.
	ActiveNetParams *chaincfg.Params
}

// DefaultConfig returns the default configuration of towerd.
func DefaultConfig() Config {
	return Config{
		TowerDir:         DefaultTowerDir,
		ConfigFile:       DefaultConfigFile,
		DataDir:          defaultDataDir,
		LogDir:           defaultLogDir,
		DebugLevel:       defaultLogLevel,
		MaxAppointments:  watcher.DefaultMaxAppointments,
		LocatorCacheSize: watcher.DefaultLocatorCacheSize,
		Bitcoind: &BitcoindConfig{
			RPCHost:         defaultRPCHost,
			ZMQReadDeadline: defaultZMQReadDeadline,
			PollInterval:    chainmonitor.DefaultPollInterval,
			Network:         chaincfg.MainNetParams.Name,
		},
		DB: &DBConfig{
			Backend: wtdb.BoltBackend,
			Bolt:    wtdb.DefaultBoltConfig(),
		},
		Subscription: &SubscriptionConfig{
			Slots:       gatekeeper.DefaultSubscriptionSlots,
			Duration:    gatekeeper.DefaultSubscriptionDuration,
			ExpiryDelta: gatekeeper.DefaultExpiryDelta,
		},
		Prometheus: &PrometheusConfig{
			Listen: monitoring.DefaultListen,
		},
		HealthChecks: &HealthCheckConfig{
			Interval: defaultHealthCheckInterval,
			Attempts: defaultHealthCheckAttempts,
			Timeout:  defaultHealthCheckTimeout,
			Backoff:  defaultHealthCheckBackoff,
		},
		Logging: build.DefaultLogConfig(),
	}
}

// LoadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig(args []string) (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.ParseArgs(&preCfg, args); err != nil {
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	if preCfg.ShowVersion {
		fmt.Println("towerd version", build.Version(),
			"commit="+build.Commit)
		os.Exit(0)
	}

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their towerdir, then we should assume they intend to use
	// the config file within it.
	configFileDir := CleanAndExpandPath(preCfg.TowerDir)
	configFilePath := CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultTowerDir &&
		configFilePath == DefaultConfigFile {

		configFilePath = filepath.Join(
			configFileDir, defaultConfigFilename,
		)
	}

	// Next, load any additional configuration options from the file.
	cfg := preCfg
	err := flags.IniParse(configFilePath, &cfg)
	if err != nil {
		// A missing config file is fine, a broken one is not.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.ParseArgs(&cfg, args); err != nil {
		return nil, err
	}

	return ValidateConfig(cfg)
}

// ValidateConfig checks the given configuration to be sane and normalizes
// all file system paths. The cleaned up config is returned on success.
func ValidateConfig(cfg Config) (*Config, error) {
	// If the provided tower directory is not the default, we'll modify
	// the path to all of the files and directories that will live within
	// it.
	towerDir := CleanAndExpandPath(cfg.TowerDir)
	if towerDir != DefaultTowerDir {
		if cfg.DataDir == defaultDataDir {
			cfg.DataDir = filepath.Join(
				towerDir, defaultDataDirname,
			)
		}
		if cfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(towerDir, defaultLogDirname)
		}
	}
	cfg.TowerDir = towerDir
	cfg.DataDir = CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = CleanAndExpandPath(cfg.LogDir)

	switch cfg.Bitcoind.Network {
	case chaincfg.MainNetParams.Name:
		cfg.ActiveNetParams = &chaincfg.MainNetParams
	case chaincfg.TestNet3Params.Name:
		cfg.ActiveNetParams = &chaincfg.TestNet3Params
	case chaincfg.RegressionNetParams.Name:
		cfg.ActiveNetParams = &chaincfg.RegressionNetParams
	case chaincfg.SigNetParams.Name:
		cfg.ActiveNetParams = &chaincfg.SigNetParams
	default:
		return nil, fmt.Errorf("unknown network: %v",
			cfg.Bitcoind.Network)
	}

	// Append the default RPC port of the network if none was given.
	if _, _, err := net.SplitHostPort(cfg.Bitcoind.RPCHost); err != nil {
		cfg.Bitcoind.RPCHost = net.JoinHostPort(
			cfg.Bitcoind.RPCHost,
			rpcPorts[cfg.ActiveNetParams.Name],
		)
	}

	if cfg.Bitcoind.PollInterval <= 0 {
		return nil, errors.New("bitcoind.pollinterval must be positive")
	}

	switch cfg.DB.Backend {
	case wtdb.BoltBackend, wtdb.LevelBackend:
	default:
		return nil, fmt.Errorf("unknown db backend: %v", cfg.DB.Backend)
	}

	if cfg.Subscription.Slots == 0 || cfg.Subscription.Duration == 0 {
		return nil, errors.New("subscription slots and duration must " +
			"be positive")
	}

	if cfg.MaxAppointments <= 0 {
		return nil, errors.New("maxappointments must be positive")
	}
	if cfg.LocatorCacheSize <= 0 {
		return nil, errors.New("locatorcachesize must be positive")
	}

	if cfg.HealthChecks.Interval > 0 && cfg.HealthChecks.Attempts <= 0 {
		return nil, errors.New("healthchecks.attempts must be " +
			"positive when health checks are enabled")
	}

	if err := cfg.Logging.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LogFile returns the path of the tower's log file.
func (c *Config) LogFile() string {
	return filepath.Join(c.LogDir, defaultLogFilename)
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
