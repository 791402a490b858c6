package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/towerd/blockqueue"
	"github.com/lightningnetwork/towerd/chain"
	"github.com/lightningnetwork/towerd/cleaner"
	"github.com/lightningnetwork/towerd/gatekeeper"
	"github.com/lightningnetwork/towerd/responder"
	"github.com/lightningnetwork/towerd/wtcrypto"
	"github.com/lightningnetwork/towerd/wtdb"
)

// DefaultMaxAppointments is the default number of appointments the tower
// watches at once.
const DefaultMaxAppointments = 1_000_000

const (
	// subscriptionInfoMsg is the message users sign to query their
	// subscription.
	subscriptionInfoMsg = "get subscription info"

	// getAppointmentMsgPrefix is followed by the hex locator in the
	// message users sign to query an appointment.
	getAppointmentMsgPrefix = "get appointment "
)

// ChainSource is the view of the backing node used by the watcher.
type ChainSource interface {
	BlockSource

	// GetBlockCount returns the height of the best block.
	GetBlockCount(blocking bool) (uint32, error)
}

// Config holds the dependencies of the Watcher.
type Config struct {
	// Blocks fetches blocks and the current height.
	Blocks ChainSource

	// Responder takes over the breaches found by the watcher.
	Responder *responder.Responder

	// Gatekeeper authenticates and bills users.
	Gatekeeper *gatekeeper.Gatekeeper

	// DB persists appointments and the last processed block.
	DB *wtdb.AppointmentsDB

	// BlockQueue delivers new tips.
	BlockQueue *blockqueue.Queue

	// Cleaner removes appointments from memory and disk.
	Cleaner *cleaner.Cleaner

	// LocatorCacheSize is the number of recent blocks whose locators
	// are kept around.
	LocatorCacheSize int

	// MaxAppointments caps the number of watched appointments.
	MaxAppointments int

	// TowerKey signs the receipts handed to users.
	TowerKey *btcec.PrivateKey

	// LastKnownBlock is the last block the watcher processed.
	LastKnownBlock chainhash.Hash

	// Appointments and LocatorUUIDMap seed the in-memory state, as
	// rebuilt from the database.
	Appointments   map[wtdb.UUID]wtdb.AppointmentSummary
	LocatorUUIDMap map[wtdb.Locator][]wtdb.UUID

	// FatalError is called when a block cannot be processed.
	FatalError func(error)

	// Log is the logger of the watcher.
	Log btclog.Logger
}

// RegistrationReceipt is handed to users when they register.
type RegistrationReceipt struct {
	UserID             wtdb.UserID
	AvailableSlots     uint32
	SubscriptionExpiry uint32

	// Signature is the tower's signature over the registration.
	Signature string
}

// AppointmentReceipt is handed to users when an appointment is accepted.
type AppointmentReceipt struct {
	Locator            wtdb.Locator
	StartBlock         uint32
	AvailableSlots     uint32
	SubscriptionExpiry uint32

	// Signature is the tower's signature over the user signature and
	// the start block.
	Signature string
}

// AppointmentStatus tells where an appointment is.
type AppointmentStatus string

const (
	// StatusBeingWatched is used for appointments held by the watcher.
	StatusBeingWatched AppointmentStatus = "being_watched"

	// StatusDisputeResponded is used for appointments the responder
	// reacted to.
	StatusDisputeResponded AppointmentStatus = "dispute_responded"
)

// AppointmentInfo is what a user gets back when querying an appointment.
// Exactly one of Appointment and Tracker is set, depending on Status.
type AppointmentInfo struct {
	Status      AppointmentStatus
	Appointment *wtdb.ExtendedAppointment
	Tracker     *wtdb.TransactionTracker
}

// AllAppointments holds every appointment known by the tower.
type AllAppointments struct {
	Watcher   map[wtdb.UUID]*wtdb.ExtendedAppointment
	Responder map[wtdb.UUID]*wtdb.TransactionTracker
}

// Watcher accepts appointments from users and looks for their dispute
// transactions in every new block. Breaches are handed to the Responder.
type Watcher struct {
	started sync.Once
	stopped sync.Once

	cfg Config
	log btclog.Logger

	locatorCache *LocatorCache

	// mu guards state and lastKnownBlock.
	mu             sync.RWMutex
	state          cleaner.WatcherState
	lastKnownBlock chainhash.Hash

	gm *fn.GoroutineManager
}

// New creates a Watcher seeded with cfg.Appointments.
func New(cfg Config) *Watcher {
	log := cfg.Log
	if log == nil {
		log = btclog.Disabled
	}
	if cfg.Cleaner == nil {
		cfg.Cleaner = cleaner.New(log)
	}
	if cfg.FatalError == nil {
		cfg.FatalError = func(error) {}
	}
	if cfg.MaxAppointments == 0 {
		cfg.MaxAppointments = DefaultMaxAppointments
	}

	w := &Watcher{
		cfg:          cfg,
		log:          log,
		locatorCache: NewLocatorCache(cfg.LocatorCacheSize),
		state: cleaner.WatcherState{
			Appointments: make(
				map[wtdb.UUID]wtdb.AppointmentSummary,
			),
			LocatorUUIDMap: make(map[wtdb.Locator][]wtdb.UUID),
		},
		lastKnownBlock: cfg.LastKnownBlock,
		gm:             fn.NewGoroutineManager(),
	}

	for uuid, summary := range cfg.Appointments {
		w.state.Appointments[uuid] = summary
	}
	for locator, uuids := range cfg.LocatorUUIDMap {
		w.state.LocatorUUIDMap[locator] = append(
			[]wtdb.UUID(nil), uuids...,
		)
	}

	return w
}

// Start fills the locator cache and launches the block processing loop.
func (w *Watcher) Start() error {
	var err error
	w.started.Do(func() {
		w.log.Info("Watcher starting")

		err = w.locatorCache.Init(w.LastKnownBlock(), w.cfg.Blocks)
		if err != nil {
			err = fmt.Errorf("unable to init locator cache: %w",
				err)

			return
		}

		if !w.gm.Go(context.Background(), w.doWatch) {
			err = errors.New("unable to start watcher")
		}
	})

	return err
}

// Stop terminates the block processing loop.
func (w *Watcher) Stop() {
	w.stopped.Do(func() {
		w.log.Info("Watcher shutting down")
		w.gm.Stop()
	})
}

// Register registers a user, or renews its subscription, and signs the
// outcome.
func (w *Watcher) Register(userIDHex string) (*RegistrationReceipt, error) {
	reg, err := w.cfg.Gatekeeper.AddUpdateUser(userIDHex)
	if err != nil {
		return nil, err
	}

	receipt := wtcrypto.RegistrationReceipt(
		reg.UserID, reg.AvailableSlots, reg.SubscriptionExpiry,
	)

	return &RegistrationReceipt{
		UserID:             reg.UserID,
		AvailableSlots:     reg.AvailableSlots,
		SubscriptionExpiry: reg.SubscriptionExpiry,
		Signature:          wtcrypto.Sign(receipt, w.cfg.TowerKey),
	}, nil
}

// authenticate returns the registered user that signed msg, failing if its
// subscription expired.
func (w *Watcher) authenticate(msg []byte, userSig string) (wtdb.UserID,
	error) {

	userID, err := w.cfg.Gatekeeper.AuthenticateUser(msg, userSig)
	if err != nil {
		return wtdb.UserID{}, err
	}

	expired, expiry, err := w.cfg.Gatekeeper.HasSubscriptionExpired(userID)
	if err != nil {
		return wtdb.UserID{}, err
	}
	if expired {
		return wtdb.UserID{}, &SubscriptionExpiredError{Expiry: expiry}
	}

	return userID, nil
}

// AddAppointment accepts an appointment signed by a registered user. If the
// dispute transaction was seen in one of the cached blocks the breach is
// handed to the responder right away.
func (w *Watcher) AddAppointment(appointment *wtdb.Appointment,
	userSig string) (*AppointmentReceipt, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.state.Appointments) >= w.cfg.MaxAppointments {
		w.log.Infof("Appointment limit reached: appointments=%d",
			len(w.state.Appointments))

		return nil, ErrAppointmentLimitReached
	}

	userID, err := w.authenticate(appointment.Serialize(), userSig)
	if err != nil {
		return nil, err
	}

	uuid := wtdb.NewUUID(appointment.Locator, userID)
	if w.cfg.Responder.HasTracker(uuid) {
		w.log.Infof("Appointment already in Responder: uuid=%v", uuid)

		return nil, ErrAppointmentAlreadyTriggered
	}

	startBlock, err := w.cfg.Blocks.GetBlockCount(false)
	if err != nil {
		return nil, err
	}

	availableSlots, err := w.cfg.Gatekeeper.AddUpdateAppointment(
		userID, uuid, appointment,
	)
	if err != nil {
		return nil, err
	}

	extended := &wtdb.ExtendedAppointment{
		Appointment:   *appointment,
		UserID:        userID,
		UserSignature: userSig,
		StartBlock:    startBlock,
	}

	disputeTxID, ok := w.locatorCache.GetTxID(appointment.Locator)
	if ok {
		err = w.triggerLocked(uuid, extended, disputeTxID)
	} else {
		err = w.watchLocked(uuid, extended)
	}
	if err != nil {
		return nil, err
	}

	msg, err := wtcrypto.AppointmentReceipt(userSig, startBlock)
	if err != nil {
		return nil, err
	}

	var expiry uint32
	if user, ok := w.cfg.Gatekeeper.GetUserInfo(userID); ok {
		expiry = user.SubscriptionExpiry
	}

	return &AppointmentReceipt{
		Locator:            appointment.Locator,
		StartBlock:         startBlock,
		AvailableSlots:     availableSlots,
		SubscriptionExpiry: expiry,
		Signature:          wtcrypto.Sign(msg, w.cfg.TowerKey),
	}, nil
}

// watchLocked starts watching an appointment.
func (w *Watcher) watchLocked(uuid wtdb.UUID,
	appt *wtdb.ExtendedAppointment) error {

	if err := w.cfg.DB.StoreWatcherAppointment(uuid, appt); err != nil {
		return err
	}
	err := w.cfg.DB.CreateAppendLocatorMap(appt.Locator, uuid)
	if err != nil {
		return err
	}

	if _, ok := w.state.Appointments[uuid]; !ok {
		w.state.LocatorUUIDMap[appt.Locator] = append(
			w.state.LocatorUUIDMap[appt.Locator], uuid,
		)
	}
	w.state.Appointments[uuid] = appt.Summary()

	w.log.Infof("New appointment accepted: locator=%v, uuid=%v",
		appt.Locator, uuid)

	return nil
}

// triggerLocked reacts to an appointment whose dispute transaction was
// already mined. The appointment is only kept if the responder takes it.
// Otherwise it is dropped and the user keeps paying for it.
func (w *Watcher) triggerLocked(uuid wtdb.UUID,
	appt *wtdb.ExtendedAppointment, disputeTxID chainhash.Hash) error {

	w.log.Infof("Trigger for locator found in cache: locator=%v, "+
		"dispute_txid=%v", appt.Locator, disputeTxID)

	_, watched := w.state.Appointments[uuid]

	breach, err := checkBreach(uuid, appt, disputeTxID)
	if err != nil && !isBreachError(err) {
		return err
	}
	if err != nil {
		w.log.Infof("Appointment in cache cannot be decrypted or "+
			"holds an invalid transaction: uuid=%v, err=%v",
			uuid, err)

		return w.dropLocked(uuid, appt.UserID, watched)
	}

	receipt, err := w.cfg.Responder.HandleBreach(
		breach, w.lastKnownBlock,
	)
	if err != nil {
		return err
	}
	if !receipt.Delivered {
		return w.dropLocked(uuid, appt.UserID, watched)
	}

	if watched {
		err := w.cfg.Cleaner.FlagTriggeredAppointments(
			[]wtdb.UUID{uuid}, &w.state, w.cfg.DB,
		)
		if err != nil {
			return err
		}
	}

	return w.cfg.DB.StoreTriggeredAppointment(uuid, appt)
}

// dropLocked forgets about an appointment that could not be acted upon.
// The slots it was charged are not refunded.
func (w *Watcher) dropLocked(uuid wtdb.UUID, userID wtdb.UserID,
	watched bool) error {

	if watched {
		err := w.cfg.Cleaner.DeleteAppointments(
			[]wtdb.UUID{uuid}, &w.state, w.cfg.DB,
		)
		if err != nil {
			return err
		}
	}

	return w.cfg.Gatekeeper.DeleteAppointments(
		map[wtdb.UUID]wtdb.UserID{uuid: userID},
	)
}

// GetAppointment returns the appointment of the signing user matching
// locator, wherever it is.
func (w *Watcher) GetAppointment(locator wtdb.Locator,
	userSig string) (*AppointmentInfo, error) {

	msg := []byte(getAppointmentMsgPrefix + locator.String())
	userID, err := w.authenticate(msg, userSig)
	if err != nil {
		return nil, err
	}

	uuid := wtdb.NewUUID(locator, userID)

	w.mu.RLock()
	_, watched := w.state.Appointments[uuid]
	w.mu.RUnlock()

	if watched {
		appt, err := w.cfg.DB.LoadWatcherAppointment(uuid)
		if err != nil {
			return nil, err
		}

		return &AppointmentInfo{
			Status:      StatusBeingWatched,
			Appointment: appt,
		}, nil
	}

	tracker, err := w.cfg.Responder.GetTracker(uuid)
	switch {
	case errors.Is(err, wtdb.ErrNotFound):
		return nil, ErrAppointmentNotFound

	case err != nil:
		return nil, err
	}

	return &AppointmentInfo{
		Status:  StatusDisputeResponded,
		Tracker: tracker,
	}, nil
}

// GetSubscriptionInfo returns the subscription of the signing user.
func (w *Watcher) GetSubscriptionInfo(userSig string) (*wtdb.UserInfo,
	error) {

	userID, err := w.authenticate([]byte(subscriptionInfoMsg), userSig)
	if err != nil {
		return nil, err
	}

	user, ok := w.cfg.Gatekeeper.GetUserInfo(userID)
	if !ok {
		return nil, gatekeeper.ErrAuthenticationFailure
	}

	return user, nil
}

// GetAllAppointments loads every appointment held by the watcher and the
// responder.
func (w *Watcher) GetAllAppointments() (*AllAppointments, error) {
	all := &AllAppointments{
		Watcher:   make(map[wtdb.UUID]*wtdb.ExtendedAppointment),
		Responder: make(map[wtdb.UUID]*wtdb.TransactionTracker),
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	for uuid := range w.state.Appointments {
		appt, err := w.cfg.DB.LoadWatcherAppointment(uuid)
		if err != nil {
			return nil, err
		}
		all.Watcher[uuid] = appt
	}

	for uuid := range w.cfg.Responder.Trackers() {
		tracker, err := w.cfg.DB.LoadResponderTracker(uuid)
		if err != nil {
			return nil, err
		}
		all.Responder[uuid] = tracker
	}

	return all, nil
}

// GetRegisteredUserIDs returns the ids of every registered user.
func (w *Watcher) GetRegisteredUserIDs() []wtdb.UserID {
	users := w.cfg.Gatekeeper.GetUsers()

	ids := make([]wtdb.UserID, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}

	return ids
}

// GetUserInfo returns the subscription of userID.
func (w *Watcher) GetUserInfo(userID wtdb.UserID) (*wtdb.UserInfo, bool) {
	return w.cfg.Gatekeeper.GetUserInfo(userID)
}

// HasAppointment reports whether uuid is being watched.
func (w *Watcher) HasAppointment(uuid wtdb.UUID) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	_, ok := w.state.Appointments[uuid]

	return ok
}

// NumAppointments returns the number of watched appointments.
func (w *Watcher) NumAppointments() int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return len(w.state.Appointments)
}

// LocatorUUIDs returns the uuids watched under locator.
func (w *Watcher) LocatorUUIDs(locator wtdb.Locator) []wtdb.UUID {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return append([]wtdb.UUID(nil), w.state.LocatorUUIDMap[locator]...)
}

// LocatorCache returns the cache of recent locators.
func (w *Watcher) LocatorCache() *LocatorCache {
	return w.locatorCache
}

// LastKnownBlock returns the last block the watcher processed.
func (w *Watcher) LastKnownBlock() chainhash.Hash {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.lastKnownBlock
}

// checkBreach decrypts the blob of appt with the key derived from
// disputeTxID and makes sure it holds a transaction.
func checkBreach(uuid wtdb.UUID, appt *wtdb.ExtendedAppointment,
	disputeTxID chainhash.Hash) (*responder.BreachInfo, error) {

	raw, err := wtcrypto.Decrypt(appt.EncryptedBlob, &disputeTxID)
	if err != nil {
		return nil, err
	}

	penalty, err := chain.DecodeTransaction(raw)
	if err != nil {
		return nil, err
	}

	return &responder.BreachInfo{
		UUID:         uuid,
		Locator:      appt.Locator,
		DisputeTxID:  disputeTxID,
		PenaltyTxID:  penalty.TxHash(),
		PenaltyRawTx: raw,
		UserID:       appt.UserID,
	}, nil
}
