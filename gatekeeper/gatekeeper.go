package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/towerd/blockqueue"
	"github.com/lightningnetwork/towerd/chain"
	"github.com/lightningnetwork/towerd/cleaner"
	"github.com/lightningnetwork/towerd/wtcrypto"
	"github.com/lightningnetwork/towerd/wtdb"
)

const (
	// DefaultSubscriptionSlots is the number of slots granted by every
	// registration.
	DefaultSubscriptionSlots = 100

	// DefaultSubscriptionDuration is the number of blocks a registration
	// lasts.
	DefaultSubscriptionDuration = 4320

	// DefaultExpiryDelta is the number of blocks the data of an expired
	// subscription is kept before being deleted.
	DefaultExpiryDelta = 6
)

// BlockSource provides the chain data the gatekeeper needs.
type BlockSource interface {
	// GetBlockCount returns the height of the best block.
	GetBlockCount(blocking bool) (uint32, error)

	// GetBlock fetches a block by hash.
	GetBlock(hash *chainhash.Hash, blocking bool) (*chain.Block, error)
}

// Config holds the parameters and dependencies of the Gatekeeper.
type Config struct {
	// SubscriptionSlots is the number of slots added per registration.
	SubscriptionSlots uint32

	// SubscriptionDuration is the number of blocks a registration lasts.
	SubscriptionDuration uint32

	// ExpiryDelta is the number of blocks expired users are kept around.
	ExpiryDelta uint32

	// Blocks is used to learn the current height and the height of new
	// tips.
	Blocks BlockSource

	// UsersDB persists user records.
	UsersDB *wtdb.UsersDB

	// BlockQueue delivers new tips to the expiry sweep.
	BlockQueue *blockqueue.Queue

	// Cleaner deletes outdated users.
	Cleaner *cleaner.Cleaner

	// FatalError is called when the expiry sweep cannot persist its
	// changes.
	FatalError func(error)

	// Log is the logger of the gatekeeper.
	Log btclog.Logger
}

// Registration is the outcome of a registration.
type Registration struct {
	UserID             wtdb.UserID
	AvailableSlots     uint32
	SubscriptionExpiry uint32
}

// Gatekeeper keeps track of user subscriptions. It authenticates users,
// charges slots for appointments and deletes users whose subscription
// outdated.
type Gatekeeper struct {
	started sync.Once
	stopped sync.Once

	cfg Config
	log btclog.Logger

	// mu guards registeredUsers and outdated.
	mu              sync.Mutex
	registeredUsers map[wtdb.UserID]*wtdb.UserInfo
	outdated        *outdatedCache

	gm *fn.GoroutineManager
}

// New creates a Gatekeeper and loads the registered users from the
// database.
func New(cfg Config) (*Gatekeeper, error) {
	if cfg.SubscriptionSlots == 0 {
		cfg.SubscriptionSlots = DefaultSubscriptionSlots
	}
	if cfg.SubscriptionDuration == 0 {
		cfg.SubscriptionDuration = DefaultSubscriptionDuration
	}

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

	users, err := cfg.UsersDB.LoadAllUsers()
	if err != nil {
		return nil, fmt.Errorf("unable to load users: %w", err)
	}

	return &Gatekeeper{
		cfg:             cfg,
		log:             log,
		registeredUsers: users,
		outdated:        newOutdatedCache(),
		gm:              fn.NewGoroutineManager(),
	}, nil
}

// Start launches the subscription expiry sweep.
func (g *Gatekeeper) Start() error {
	var err error
	g.started.Do(func() {
		g.log.Info("Gatekeeper starting")

		if !g.gm.Go(context.Background(), g.manageSubscriptionExpiry) {
			err = errors.New("unable to start expiry sweep")
		}
	})

	return err
}

// Stop terminates the subscription expiry sweep.
func (g *Gatekeeper) Stop() {
	g.stopped.Do(func() {
		g.log.Info("Gatekeeper shutting down")
		g.gm.Stop()
	})
}

// AddUpdateUser registers a user, or renews the subscription of a known
// one. Slots accumulate across registrations while the expiry is reset to
// the current height plus the subscription duration.
func (g *Gatekeeper) AddUpdateUser(userIDHex string) (*Registration, error) {
	userID, err := wtdb.ParseUserID(userIDHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}

	height, err := g.cfg.Blocks.GetBlockCount(false)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	user, ok := g.registeredUsers[userID]
	if !ok {
		user = wtdb.NewUserInfo(0, 0)
	}

	slots := uint64(user.AvailableSlots) + uint64(g.cfg.SubscriptionSlots)
	if slots > math.MaxUint32 {
		return nil, ErrMaxSlotsReached
	}

	updated := user.Copy()
	updated.AvailableSlots = uint32(slots)
	updated.SubscriptionExpiry = height + g.cfg.SubscriptionDuration

	if err := g.cfg.UsersDB.StoreUser(userID, updated); err != nil {
		return nil, err
	}
	g.registeredUsers[userID] = updated

	g.log.Infof("Adding new user or updating existing one: "+
		"user_id=%v, slots=%d, expiry=%d", userID,
		updated.AvailableSlots, updated.SubscriptionExpiry)

	return &Registration{
		UserID:             userID,
		AvailableSlots:     updated.AvailableSlots,
		SubscriptionExpiry: updated.SubscriptionExpiry,
	}, nil
}

// AuthenticateUser returns the registered user that signed message.
func (g *Gatekeeper) AuthenticateUser(message []byte,
	signature string) (wtdb.UserID, error) {

	pubKey, err := wtcrypto.RecoverPubKey(message, signature)
	if err != nil {
		return wtdb.UserID{}, fmt.Errorf("%w: %v",
			ErrAuthenticationFailure, err)
	}
	userID := wtdb.NewUserIDFromPubKey(pubKey)

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.registeredUsers[userID]; !ok {
		return wtdb.UserID{}, ErrAuthenticationFailure
	}

	return userID, nil
}

// HasSubscriptionExpired reports whether the subscription of userID has
// expired, together with its expiry height.
func (g *Gatekeeper) HasSubscriptionExpired(userID wtdb.UserID) (bool, uint32,
	error) {

	g.mu.Lock()
	user, ok := g.registeredUsers[userID]
	var expiry uint32
	if ok {
		expiry = user.SubscriptionExpiry
	}
	g.mu.Unlock()

	if !ok {
		return false, 0, ErrAuthenticationFailure
	}

	height, err := g.cfg.Blocks.GetBlockCount(false)
	if err != nil {
		return false, 0, err
	}

	return height >= expiry, expiry, nil
}

// AddUpdateAppointment charges userID for appointment. If the user already
// owns uuid only the difference between the new and the old cost is
// charged, which may free slots. The remaining slots are returned.
func (g *Gatekeeper) AddUpdateAppointment(userID wtdb.UserID, uuid wtdb.UUID,
	appointment *wtdb.Appointment) (uint32, error) {

	g.mu.Lock()
	defer g.mu.Unlock()

	user, ok := g.registeredUsers[userID]
	if !ok {
		return 0, ErrAuthenticationFailure
	}

	required := uint64(appointment.RequiredSlots())
	available := uint64(user.AvailableSlots)
	if oldCost, ok := user.Appointments[uuid]; ok {
		available += uint64(oldCost)
	}

	if available < required {
		return 0, ErrNotEnoughSlots
	}

	// Shrinking an appointment of a user close to the limit could free
	// more slots than the counter holds.
	if available-required > math.MaxUint32 {
		return 0, ErrMaxSlotsReached
	}

	updated := user.Copy()
	updated.AvailableSlots = uint32(available - required)
	updated.Appointments[uuid] = uint32(required)

	if err := g.cfg.UsersDB.StoreUser(userID, updated); err != nil {
		return 0, err
	}
	g.registeredUsers[userID] = updated

	return updated.AvailableSlots, nil
}

// GetOutdatedUsers returns the users whose subscription outdates at height,
// meaning height is ExpiryDelta blocks past their expiry, together with the
// appointments they own. Results are cached for the last
// OutdatedUsersCacheSizeBlocks heights.
func (g *Gatekeeper) GetOutdatedUsers(
	height uint32) map[wtdb.UserID][]wtdb.UUID {

	g.mu.Lock()
	defer g.mu.Unlock()

	return g.outdatedUsersLocked(height)
}

func (g *Gatekeeper) outdatedUsersLocked(height uint32) outdatedUsers {
	if users, ok := g.outdated.get(height); ok {
		return users
	}

	users := make(outdatedUsers)
	for userID, user := range g.registeredUsers {
		if uint64(user.SubscriptionExpiry)+
			uint64(g.cfg.ExpiryDelta) != uint64(height) {

			continue
		}

		uuids := make([]wtdb.UUID, 0, len(user.Appointments))
		for uuid := range user.Appointments {
			uuids = append(uuids, uuid)
		}
		users[userID] = uuids
	}
	g.outdated.put(height, users)

	return users
}

// GetOutdatedAppointments returns the appointments of every user outdated
// at height.
func (g *Gatekeeper) GetOutdatedAppointments(height uint32) []wtdb.UUID {
	var uuids []wtdb.UUID
	for _, owned := range g.GetOutdatedUsers(height) {
		uuids = append(uuids, owned...)
	}

	return uuids
}

// DeleteAppointments removes appointments from their owners' records. The
// slots they were charged are not refunded.
func (g *Gatekeeper) DeleteAppointments(
	appointments map[wtdb.UUID]wtdb.UserID) error {

	if len(appointments) == 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	return g.cfg.Cleaner.DeleteGatekeeperAppointments(
		appointments, g.registeredUsers, g.cfg.UsersDB,
	)
}

// GetUserInfo returns a copy of the record of userID.
func (g *Gatekeeper) GetUserInfo(userID wtdb.UserID) (*wtdb.UserInfo, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	user, ok := g.registeredUsers[userID]
	if !ok {
		return nil, false
	}

	return user.Copy(), true
}

// GetUsers returns a copy of every registered user record.
func (g *Gatekeeper) GetUsers() map[wtdb.UserID]*wtdb.UserInfo {
	g.mu.Lock()
	defer g.mu.Unlock()

	users := make(map[wtdb.UserID]*wtdb.UserInfo, len(g.registeredUsers))
	for userID, user := range g.registeredUsers {
		users[userID] = user.Copy()
	}

	return users
}

// NumUsers returns the number of registered users.
func (g *Gatekeeper) NumUsers() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.registeredUsers)
}

// manageSubscriptionExpiry deletes, for every new block, the users whose
// subscription outdated at its height.
//
// NOTE: This must be run as a goroutine.
func (g *Gatekeeper) manageSubscriptionExpiry(ctx context.Context) {
	for {
		msg, err := g.cfg.BlockQueue.Next(ctx)
		if err != nil {
			return
		}
		if msg.Shutdown {
			msg.Ack()
			return
		}

		err = g.processBlock(msg.Hash)
		msg.Ack()

		switch {
		case errors.Is(err, chain.ErrShuttingDown):
			return

		case err != nil:
			g.log.Criticalf("Unable to process block %v: %v",
				msg.Hash, err)
			g.cfg.FatalError(err)

			return
		}
	}
}

func (g *Gatekeeper) processBlock(hash chainhash.Hash) error {
	block, err := g.cfg.Blocks.GetBlock(&hash, true)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	outdated := g.outdatedUsersLocked(block.Height)
	if len(outdated) == 0 {
		return nil
	}

	userIDs := make([]wtdb.UserID, 0, len(outdated))
	for userID := range outdated {
		userIDs = append(userIDs, userID)
	}

	return g.cfg.Cleaner.DeleteOutdatedUsers(
		userIDs, g.registeredUsers, g.cfg.UsersDB,
	)
}
