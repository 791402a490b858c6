package towerd

import (
	"fmt"

	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/towerd/build"
	"github.com/lightningnetwork/towerd/chain"
	"github.com/lightningnetwork/towerd/chainmonitor"
	"github.com/lightningnetwork/towerd/signal"
)

// SetupLogging creates the console and file log handlers described by cfg
// and registers every subsystem of the tower with the returned manager. The
// returned writer must be closed on shutdown.
func SetupLogging(cfg *Config) (*build.SubLoggerManager,
	*build.RotatingLogWriter, error) {

	var logWriter *build.RotatingLogWriter
	if !cfg.Logging.NoFile {
		logWriter = build.NewRotatingLogWriter()
		err := logWriter.InitLogRotator(cfg.Logging, cfg.LogFile())
		if err != nil {
			return nil, nil, err
		}
	}

	mgr := build.NewSubLoggerManager(
		build.NewDefaultLogHandler(cfg.Logging, logWriter),
	)
	SetupLoggers(mgr)

	err := build.ParseAndSetDebugLevels(cfg.DebugLevel, mgr)
	if err != nil {
		if logWriter != nil {
			_ = logWriter.Close()
		}

		return nil, nil, err
	}

	return mgr, logWriter, nil
}

// SignalLogger returns the logger of the signal interceptor.
func SignalLogger(mgr *build.SubLoggerManager) btclog.Logger {
	return newLoggers(mgr).sgnl
}

// Main is the true entry point of towerd. It connects to bitcoind, runs the
// tower and blocks until a shutdown is requested.
func Main(cfg *Config, mgr *build.SubLoggerManager,
	interceptor signal.Interceptor) error {

	log := newLoggers(mgr).towr
	log.Infof("Version: %s commit=%s, network=%v", build.Version(),
		build.Commit, cfg.ActiveNetParams.Name)

	rpcConn, err := chain.NewRPCConn(chain.RPCConfig{
		Host: cfg.Bitcoind.RPCHost,
		User: cfg.Bitcoind.RPCUser,
		Pass: cfg.Bitcoind.RPCPass,
	})
	if err != nil {
		return fmt.Errorf("unable to create bitcoind client: %w", err)
	}
	defer rpcConn.Shutdown()

	var zmqConn chainmonitor.ZMQConn
	if cfg.Bitcoind.ZMQPubHashBlock != "" {
		conn, err := chainmonitor.SubscribeHashBlock(
			cfg.Bitcoind.ZMQPubHashBlock,
			cfg.Bitcoind.ZMQReadDeadline,
		)
		if err != nil {
			return fmt.Errorf("unable to subscribe to %v: %w",
				cfg.Bitcoind.ZMQPubHashBlock, err)
		}
		zmqConn = conn
	} else {
		log.Infof("No zmqpubhashblock set, relying on polling every %v",
			cfg.Bitcoind.PollInterval)
	}

	tower, err := NewTower(TowerConfig{
		DataDir:              cfg.DataDir,
		DBBackend:            cfg.DB.Backend,
		Bolt:                 cfg.DB.Bolt,
		Conn:                 rpcConn,
		ZMQ:                  zmqConn,
		PollTicker:           ticker.New(cfg.Bitcoind.PollInterval),
		SubscriptionSlots:    cfg.Subscription.Slots,
		SubscriptionDuration: cfg.Subscription.Duration,
		ExpiryDelta:          cfg.Subscription.ExpiryDelta,
		MaxAppointments:      cfg.MaxAppointments,
		LocatorCacheSize:     cfg.LocatorCacheSize,
		Prometheus:           cfg.Prometheus,
		HealthChecks:         cfg.HealthChecks,
		LogMgr:               mgr,
		RequestShutdown:      interceptor.RequestShutdown,
	})
	if err != nil {
		return err
	}

	if err := tower.Start(); err != nil {
		_ = tower.Stop()
		return fmt.Errorf("unable to start tower: %w", err)
	}
	defer func() {
		if err := tower.Stop(); err != nil {
			log.Errorf("Unable to stop tower: %v", err)
		}
	}()

	log.Infof("Tower id: %x",
		tower.TowerID().SerializeCompressed())

	<-interceptor.ShutdownChannel()

	return nil
}
