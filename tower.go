package towerd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/towerd/blockqueue"
	"github.com/lightningnetwork/towerd/build"
	"github.com/lightningnetwork/towerd/builder"
	"github.com/lightningnetwork/towerd/chain"
	"github.com/lightningnetwork/towerd/chainmonitor"
	"github.com/lightningnetwork/towerd/cleaner"
	"github.com/lightningnetwork/towerd/gatekeeper"
	"github.com/lightningnetwork/towerd/monitoring"
	"github.com/lightningnetwork/towerd/responder"
	"github.com/lightningnetwork/towerd/watcher"
	"github.com/lightningnetwork/towerd/wtdb"
)

const (
	// towerKeyFilename is the name of the file holding the tower's
	// private key inside the data directory.
	towerKeyFilename = "tower.key"

	appointmentsDBName = "appointments"
	usersDBName        = "users"

	// maxCatchUpRounds bounds the number of times the tower tries to
	// catch up with a tip that keeps moving during startup.
	maxCatchUpRounds = 10
)

// TowerConfig holds everything needed to run a tower.
type TowerConfig struct {
	// DataDir holds the databases and the tower key.
	DataDir string

	// DBBackend is one of wtdb.BoltBackend and wtdb.LevelBackend.
	DBBackend string

	// Bolt tunes the bolt backend.
	Bolt *wtdb.BoltConfig

	// Conn is the connection to bitcoind.
	Conn chain.Conn

	// ZMQ is an optional hashblock subscription.
	ZMQ chainmonitor.ZMQConn

	// PollTicker overrides the chain monitor's polling ticker.
	PollTicker ticker.Ticker

	// RetryInterval is how long blocking RPC calls wait between
	// attempts while bitcoind is unreachable.
	RetryInterval time.Duration

	// Subscription terms handed out to users.
	SubscriptionSlots    uint32
	SubscriptionDuration uint32
	ExpiryDelta          uint32

	MaxAppointments  int
	LocatorCacheSize int

	// MinToSelfDelay is the smallest to_self_delay accepted in
	// appointments. watcher.MinToSelfDelay is used if zero.
	MinToSelfDelay uint32

	// Prometheus enables the metrics exporter if set and enabled.
	Prometheus *PrometheusConfig

	// HealthChecks enables the bitcoind liveness check if set with a
	// non-zero interval.
	HealthChecks *HealthCheckConfig

	// LogMgr hands out the subsystem loggers. Logging is disabled if
	// nil.
	LogMgr *build.SubLoggerManager

	// RequestShutdown is called when the tower hits an error it cannot
	// recover from.
	RequestShutdown func()
}

// TowerInfo summarizes the state of the tower.
type TowerInfo struct {
	TowerID         *btcec.PublicKey
	NumAppointments int
	NumTrackers     int
	NumUsers        int
	LastKnownBlock  chainhash.Hash
}

// Tower wires the watcher, the responder and the gatekeeper to bitcoind and
// to the databases.
type Tower struct {
	started sync.Once
	stopped sync.Once

	cfg  TowerConfig
	logs *loggers
	log  btclog.Logger

	towerKey  *btcec.PrivateKey
	inspector *watcher.Inspector

	apptDB  *wtdb.AppointmentsDB
	usersDB *wtdb.UsersDB

	processor *chain.BlockProcessor
	carrier   *chain.Carrier

	watcherQueue    *blockqueue.Queue
	responderQueue  *blockqueue.Queue
	gatekeeperQueue *blockqueue.Queue

	gatekeeper   *gatekeeper.Gatekeeper
	responder    *responder.Responder
	watcher      *watcher.Watcher
	chainMonitor *chainmonitor.ChainMonitor

	exporter *monitoring.Exporter
	health   *healthcheck.Monitor
}

// NewTower opens the databases and loads, or creates, the tower key.
func NewTower(cfg TowerConfig) (*Tower, error) {
	if cfg.Conn == nil {
		return nil, errors.New("no bitcoind connection")
	}
	if cfg.DBBackend == "" {
		cfg.DBBackend = wtdb.BoltBackend
	}
	if cfg.Bolt == nil {
		cfg.Bolt = wtdb.DefaultBoltConfig()
	}
	if cfg.RequestShutdown == nil {
		cfg.RequestShutdown = func() {}
	}

	logs := newLoggers(cfg.LogMgr)

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}

	towerKey, err := loadOrCreateTowerKey(
		filepath.Join(cfg.DataDir, towerKeyFilename),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load tower key: %w", err)
	}

	apptDB, usersDB, err := openDatabases(cfg, logs.wtdb)
	if err != nil {
		return nil, err
	}

	return &Tower{
		cfg:       cfg,
		logs:      logs,
		log:       logs.towr,
		towerKey:  towerKey,
		inspector: watcher.NewInspector(cfg.MinToSelfDelay),
		apptDB:    apptDB,
		usersDB:   usersDB,
	}, nil
}

// openDatabases opens the appointments and the users databases.
func openDatabases(cfg TowerConfig, log btclog.Logger) (*wtdb.AppointmentsDB,
	*wtdb.UsersDB, error) {

	log.Infof("Opening %v databases in %v", cfg.DBBackend, cfg.DataDir)

	apptStore, err := wtdb.OpenStore(
		cfg.DBBackend, cfg.DataDir, appointmentsDBName, cfg.Bolt,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to open appointments "+
			"db: %w", err)
	}
	apptDB, err := wtdb.NewAppointmentsDB(apptStore)
	if err != nil {
		_ = apptStore.Close()
		return nil, nil, err
	}

	userStore, err := wtdb.OpenStore(
		cfg.DBBackend, cfg.DataDir, usersDBName, cfg.Bolt,
	)
	if err != nil {
		_ = apptDB.Close()
		return nil, nil, fmt.Errorf("unable to open users db: %w",
			err)
	}
	usersDB, err := wtdb.NewUsersDB(userStore)
	if err != nil {
		_ = apptDB.Close()
		_ = userStore.Close()
		return nil, nil, err
	}

	return apptDB, usersDB, nil
}

// loadOrCreateTowerKey reads the raw private key stored at path, generating
// and storing a fresh one if the file does not exist.
func loadOrCreateTowerKey(path string) (*btcec.PrivateKey, error) {
	keyBytes, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(keyBytes) != btcec.PrivKeyBytesLen {
			return nil, fmt.Errorf("invalid tower key length %d",
				len(keyBytes))
		}
		key, _ := btcec.PrivKeyFromBytes(keyBytes)

		return key, nil

	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}

	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key.Serialize(), 0600); err != nil {
		return nil, err
	}

	return key, nil
}

// Start brings the tower up to date with the chain and starts watching it.
func (t *Tower) Start() error {
	var err error
	t.started.Do(func() {
		t.log.Info("Tower starting")
		err = t.start()
	})

	return err
}

// fatalError reports errors the processing loops cannot recover from.
func (t *Tower) fatalError(err error) {
	t.log.Criticalf("Unrecoverable error, shutting down: %v", err)
	t.cfg.RequestShutdown()
}

// syncPoint returns the block a component must resume from given the last
// block it processed. A block that left the best chain is replaced by the
// last ancestor still in it.
func (t *Tower) syncPoint(name string, last *chainhash.Hash,
	tip *chainhash.Hash) (chainhash.Hash, error) {

	if last == nil {
		t.log.Infof("No %v state found, starting at tip %v", name,
			tip)

		return *tip, nil
	}

	inBest, err := t.processor.IsBlockInBestChain(last, true)
	if err != nil {
		return chainhash.Hash{}, err
	}
	if inBest {
		return *last, nil
	}

	ancestor, dropped, err := t.processor.FindLastCommonAncestor(
		last, true,
	)
	if err != nil {
		return chainhash.Hash{}, err
	}

	t.log.Warnf("Last %v block %v was reorged out, resuming at %v",
		name, last, ancestor)
	t.log.Debugf("Transactions dropped from the %v view: %v", name,
		spewClosure(dropped))

	return ancestor, nil
}

// loadLastBlock reads the last processed block of a component, returning
// nil if none was stored.
func loadLastBlock(load func() (*chainhash.Hash, error)) (*chainhash.Hash,
	error) {

	hash, err := load()
	if errors.Is(err, wtdb.ErrNotFound) {
		return nil, nil
	}

	return hash, err
}

func (t *Tower) start() error {
	t.processor = chain.NewBlockProcessor(chain.ProcessorConfig{
		Conn:          t.cfg.Conn,
		RetryInterval: t.cfg.RetryInterval,
		Log:           t.logs.chain,
	})
	t.carrier = chain.NewCarrier(chain.CarrierConfig{
		Conn:          t.cfg.Conn,
		RetryInterval: t.cfg.RetryInterval,
		Log:           t.logs.chain,
	})

	tip, err := t.processor.GetBestBlockHash(true)
	if err != nil {
		return err
	}

	lastWatcher, err := loadLastBlock(t.apptDB.LoadLastBlockHashWatcher)
	if err != nil {
		return err
	}
	lastResponder, err := loadLastBlock(
		t.apptDB.LoadLastBlockHashResponder,
	)
	if err != nil {
		return err
	}

	watcherStart, err := t.syncPoint("watcher", lastWatcher, tip)
	if err != nil {
		return err
	}
	responderStart, err := t.syncPoint("responder", lastResponder, tip)
	if err != nil {
		return err
	}

	// Record where a fresh tower starts so blocks mined while it is down
	// are replayed on the next start.
	if lastWatcher == nil {
		err := t.apptDB.StoreLastBlockHashWatcher(watcherStart)
		if err != nil {
			return err
		}
	}
	if lastResponder == nil {
		err := t.apptDB.StoreLastBlockHashResponder(responderStart)
		if err != nil {
			return err
		}
	}

	watcherMissed, err := t.processor.GetMissedBlocks(&watcherStart, true)
	if err != nil {
		return err
	}
	responderMissed, err := t.processor.GetMissedBlocks(
		&responderStart, true,
	)
	if err != nil {
		return err
	}

	if err := t.buildComponents(watcherStart, responderStart); err != nil {
		return err
	}

	err = builder.UpdateStates(context.Background(), builder.ReplayConfig{
		Watcher:         t.watcherQueue,
		Responder:       t.responderQueue,
		Others:          []*blockqueue.Queue{t.gatekeeperQueue},
		WatcherMissed:   watcherMissed,
		ResponderMissed: responderMissed,
		Log:             t.logs.bldr,
	})
	if err != nil {
		return fmt.Errorf("unable to replay missed blocks: %w", err)
	}

	bestTip, err := t.catchUp(*tip)
	if err != nil {
		return err
	}

	t.chainMonitor, err = chainmonitor.New(chainmonitor.Config{
		Blocks: t.processor,
		Queues: []*blockqueue.Queue{
			t.watcherQueue, t.responderQueue, t.gatekeeperQueue,
		},
		BestTip:    bestTip,
		PollTicker: t.cfg.PollTicker,
		ZMQ:        t.cfg.ZMQ,
		Log:        t.logs.chmn,
	})
	if err != nil {
		return err
	}
	if err := t.chainMonitor.Start(); err != nil {
		return err
	}

	if err := t.startExporter(); err != nil {
		return err
	}
	if err := t.startHealthChecks(); err != nil {
		return err
	}

	t.log.Infof("Tower started at block %v, tower id %x", bestTip,
		t.towerKey.PubKey().SerializeCompressed())

	return nil
}

// buildComponents rebuilds the in-memory state from the database and starts
// the gatekeeper, the responder and the watcher at the given blocks.
func (t *Tower) buildComponents(watcherStart,
	responderStart chainhash.Hash) error {

	appointments, err := t.apptDB.LoadWatcherAppointments(false)
	if err != nil {
		return err
	}
	trackers, err := t.apptDB.LoadResponderTrackers()
	if err != nil {
		return err
	}

	watcherState := builder.BuildAppointments(appointments)
	responderState := builder.BuildTrackers(trackers)

	t.log.Infof("Loaded %d appointments and %d trackers",
		len(watcherState.Appointments), len(responderState.Trackers))

	t.watcherQueue = blockqueue.New()
	t.responderQueue = blockqueue.New()
	t.gatekeeperQueue = blockqueue.New()

	clean := cleaner.New(t.log)

	t.gatekeeper, err = gatekeeper.New(gatekeeper.Config{
		SubscriptionSlots:    t.cfg.SubscriptionSlots,
		SubscriptionDuration: t.cfg.SubscriptionDuration,
		ExpiryDelta:          t.cfg.ExpiryDelta,
		Blocks:               t.processor,
		UsersDB:              t.usersDB,
		BlockQueue:           t.gatekeeperQueue,
		Cleaner:              clean,
		FatalError:           t.fatalError,
		Log:                  t.logs.gtkp,
	})
	if err != nil {
		return err
	}

	t.responder, err = responder.New(responder.Config{
		Carrier:        t.carrier,
		Blocks:         t.processor,
		Gatekeeper:     t.gatekeeper,
		DB:             t.apptDB,
		BlockQueue:     t.responderQueue,
		Cleaner:        clean,
		LastKnownBlock: responderStart,
		Trackers:       responderState.Trackers,
		TxTrackerMap:   responderState.TxTrackerMap,
		FatalError:     t.fatalError,
		Log:            t.logs.rspd,
	})
	if err != nil {
		return err
	}

	t.watcher = watcher.New(watcher.Config{
		Blocks:           t.processor,
		Responder:        t.responder,
		Gatekeeper:       t.gatekeeper,
		DB:               t.apptDB,
		BlockQueue:       t.watcherQueue,
		Cleaner:          clean,
		LocatorCacheSize: t.cfg.LocatorCacheSize,
		MaxAppointments:  t.cfg.MaxAppointments,
		TowerKey:         t.towerKey,
		LastKnownBlock:   watcherStart,
		Appointments:     watcherState.Appointments,
		LocatorUUIDMap:   watcherState.LocatorUUIDMap,
		FatalError:       t.fatalError,
		Log:              t.logs.wtch,
	})

	for _, q := range []*blockqueue.Queue{
		t.watcherQueue, t.responderQueue, t.gatekeeperQueue,
	} {
		q.Start()
	}

	if err := t.gatekeeper.Start(); err != nil {
		return err
	}
	if err := t.responder.Start(); err != nil {
		return err
	}

	return t.watcher.Start()
}

// catchUp feeds the blocks mined since from to every component until the
// tip stops moving, and returns the tip they are synced to.
func (t *Tower) catchUp(from chainhash.Hash) (chainhash.Hash, error) {
	queues := []*blockqueue.Queue{
		t.watcherQueue, t.responderQueue, t.gatekeeperQueue,
	}

	synced := from
	for i := 0; i < maxCatchUpRounds; i++ {
		resume, err := t.syncPoint("tower", &synced, &synced)
		if err != nil {
			return chainhash.Hash{}, err
		}

		missed, err := t.processor.GetMissedBlocks(&resume, true)
		if err != nil {
			return chainhash.Hash{}, err
		}
		if len(missed) == 0 {
			return synced, nil
		}

		t.log.Infof("Chain moved during startup, catching up %d "+
			"blocks", len(missed))

		err = builder.UpdateStates(
			context.Background(), builder.ReplayConfig{
				Watcher:         t.watcherQueue,
				Responder:       t.responderQueue,
				Others:          queues[2:],
				WatcherMissed:   missed,
				ResponderMissed: missed,
				Log:             t.logs.bldr,
			},
		)
		if err != nil {
			return chainhash.Hash{}, err
		}
		synced = missed[len(missed)-1]
	}

	// The chain monitor picks up whatever is left.
	return synced, nil
}

// startExporter serves the tower metrics if enabled.
func (t *Tower) startExporter() error {
	if t.cfg.Prometheus == nil || !t.cfg.Prometheus.Enable {
		return nil
	}

	exporter, err := monitoring.NewExporter(monitoring.Config{
		Listen:  t.cfg.Prometheus.Listen,
		Version: build.Version(),
		Commit:  build.Commit,
		Log:     t.logs.mntr,
	}, t)
	if err != nil {
		return err
	}
	if err := exporter.Start(); err != nil {
		return fmt.Errorf("unable to start prometheus exporter: %w",
			err)
	}
	t.exporter = exporter

	return nil
}

// startHealthChecks periodically checks bitcoind is alive if enabled.
// Exhausting the attempts of the check requests a shutdown.
func (t *Tower) startHealthChecks() error {
	hc := t.cfg.HealthChecks
	if hc == nil || hc.Interval == 0 {
		return nil
	}

	chainCheck := healthcheck.NewObservation(
		"chain backend",
		func() error {
			_, err := t.processor.GetBlockCount(false)
			return err
		},
		hc.Interval, hc.Timeout, hc.Backoff, hc.Attempts,
	)

	t.health = healthcheck.NewMonitor(&healthcheck.Config{
		Checks: []*healthcheck.Observation{chainCheck},
		Shutdown: func(format string, params ...interface{}) {
			t.log.Criticalf("Health check: "+format, params...)
			t.cfg.RequestShutdown()
		},
	})

	return t.health.Start()
}

// Stop shuts every component down and closes the databases.
func (t *Tower) Stop() error {
	var err error
	t.stopped.Do(func() {
		t.log.Info("Tower shutting down")
		err = t.stop()
	})

	return err
}

func (t *Tower) stop() error {
	if t.health != nil {
		if err := t.health.Stop(); err != nil {
			t.log.Errorf("Unable to stop health checks: %v", err)
		}
	}
	if t.exporter != nil {
		t.exporter.Stop()
	}

	// Stopping the chain monitor tells the processing loops to exit.
	if t.chainMonitor != nil {
		t.chainMonitor.Stop()
	}

	// Unblock any RPC call retrying while bitcoind is down before
	// waiting for the loops.
	if t.carrier != nil {
		t.carrier.Stop()
	}
	if t.processor != nil {
		t.processor.Stop()
	}

	if t.watcher != nil {
		t.watcher.Stop()
	}
	if t.responder != nil {
		t.responder.Stop()
	}
	if t.gatekeeper != nil {
		t.gatekeeper.Stop()
	}

	for _, q := range []*blockqueue.Queue{
		t.watcherQueue, t.responderQueue, t.gatekeeperQueue,
	} {
		if q != nil {
			q.Stop()
		}
	}

	return errors.Join(t.apptDB.Close(), t.usersDB.Close())
}

// TowerID returns the public key users verify receipts against.
func (t *Tower) TowerID() *btcec.PublicKey {
	return t.towerKey.PubKey()
}

// Watcher returns the watcher serving user requests. It is nil until the
// tower is started.
func (t *Tower) Watcher() *watcher.Watcher {
	return t.watcher
}

// Register adds, or renews, the subscription of the user identified by the
// hex encoded compressed public key.
func (t *Tower) Register(userIDHex string) (*watcher.RegistrationReceipt,
	error) {

	return t.watcher.Register(userIDHex)
}

// AddAppointment checks the format of a hex encoded appointment before
// handing it to the watcher.
func (t *Tower) AddAppointment(locatorHex, blobHex string, toSelfDelay uint32,
	userSig string) (*watcher.AppointmentReceipt, error) {

	appt, err := t.inspector.Inspect(locatorHex, blobHex, toSelfDelay)
	if err != nil {
		t.log.Debugf("Rejected appointment: %v", err)
		return nil, err
	}

	return t.watcher.AddAppointment(appt, userSig)
}

// GetTowerInfo summarizes the state of the tower.
func (t *Tower) GetTowerInfo() *TowerInfo {
	return &TowerInfo{
		TowerID:         t.TowerID(),
		NumAppointments: t.watcher.NumAppointments(),
		NumTrackers:     t.responder.NumTrackers(),
		NumUsers:        t.gatekeeper.NumUsers(),
		LastKnownBlock:  t.watcher.LastKnownBlock(),
	}
}

// GetAllAppointments returns every appointment held by the tower.
func (t *Tower) GetAllAppointments() (*watcher.AllAppointments, error) {
	return t.watcher.GetAllAppointments()
}

// GetUsers returns the ids of the registered users.
func (t *Tower) GetUsers() []wtdb.UserID {
	return t.watcher.GetRegisteredUserIDs()
}

// GetUser returns the subscription of a registered user.
func (t *Tower) GetUser(userIDHex string) (*wtdb.UserInfo, error) {
	userID, err := wtdb.ParseUserID(userIDHex)
	if err != nil {
		return nil, err
	}

	info, ok := t.watcher.GetUserInfo(userID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown user %v",
			gatekeeper.ErrAuthenticationFailure, userID)
	}

	return info, nil
}

// NumAppointments is part of the monitoring.TowerState interface.
func (t *Tower) NumAppointments() int {
	return t.watcher.NumAppointments()
}

// NumTrackers is part of the monitoring.TowerState interface.
func (t *Tower) NumTrackers() int {
	return t.responder.NumTrackers()
}

// NumUnconfirmed is part of the monitoring.TowerState interface.
func (t *Tower) NumUnconfirmed() int {
	return t.responder.NumUnconfirmed()
}

// NumUsers is part of the monitoring.TowerState interface.
func (t *Tower) NumUsers() int {
	return t.gatekeeper.NumUsers()
}

// NumCachedBlocks is part of the monitoring.TowerState interface.
func (t *Tower) NumCachedBlocks() int {
	return t.watcher.LocatorCache().NumBlocks()
}

// A compile time check to ensure Tower implements monitoring.TowerState.
var _ monitoring.TowerState = (*Tower)(nil)
