// Package cleaner holds the deletion logic shared by the watcher, the
// responder and the gatekeeper. It keeps no state besides a logger: every
// method operates on the maps and databases it is handed and must be called
// with the owner's lock held.
package cleaner

import (
	"fmt"
	"slices"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/towerd/wtdb"
)

// WatcherState is the in-memory state of the watcher.
type WatcherState struct {
	// Appointments maps the uuid of every watched appointment to its
	// summary.
	Appointments map[wtdb.UUID]wtdb.AppointmentSummary

	// LocatorUUIDMap maps every watched locator to the uuids sharing it.
	LocatorUUIDMap map[wtdb.Locator][]wtdb.UUID
}

// ResponderState is the in-memory state of the responder.
type ResponderState struct {
	// Trackers maps the uuid of every tracker to its summary.
	Trackers map[wtdb.UUID]wtdb.TrackerSummary

	// TxTrackerMap maps every penalty txid to the uuids of the trackers
	// sharing it.
	TxTrackerMap map[chainhash.Hash][]wtdb.UUID
}

// Cleaner coordinates deletions across in-memory maps and databases.
type Cleaner struct {
	log btclog.Logger
}

// New creates a cleaner that logs to log.
func New(log btclog.Logger) *Cleaner {
	if log == nil {
		log = btclog.Disabled
	}

	return &Cleaner{log: log}
}

// deleteAppointmentFromMemory removes uuid from the appointment map and the
// locator index, dropping the locator entry if uuid was its last owner. The
// locator's remaining uuids are recorded in touched.
func deleteAppointmentFromMemory(uuid wtdb.UUID, state *WatcherState,
	touched map[wtdb.Locator][]wtdb.UUID) bool {

	summary, ok := state.Appointments[uuid]
	if !ok {
		return false
	}
	delete(state.Appointments, uuid)

	locator := summary.Locator
	remaining := slices.DeleteFunc(
		slices.Clone(state.LocatorUUIDMap[locator]),
		func(u wtdb.UUID) bool {
			return u == uuid
		},
	)
	if len(remaining) == 0 {
		delete(state.LocatorUUIDMap, locator)
	} else {
		state.LocatorUUIDMap[locator] = remaining
	}
	touched[locator] = remaining

	return true
}

// DeleteAppointments removes appointments from memory and from the
// database, together with their locator index entries. It is used for
// outdated appointments and for breaches that could not be acted upon.
func (c *Cleaner) DeleteAppointments(uuids []wtdb.UUID, state *WatcherState,
	db *wtdb.AppointmentsDB) error {

	if len(uuids) == 0 {
		return nil
	}

	touched := make(map[wtdb.Locator][]wtdb.UUID)
	for _, uuid := range uuids {
		if deleteAppointmentFromMemory(uuid, state, touched) {
			c.log.Infof("Appointment deleted: uuid=%v", uuid)
		}
	}

	if err := db.DeleteAppointments(uuids, touched); err != nil {
		return fmt.Errorf("unable to delete appointments: %w", err)
	}

	return nil
}

// FlagTriggeredAppointments removes appointments handed to the responder
// from memory and marks them as triggered on disk. The appointment records
// stay in the database until the tracker is deleted.
func (c *Cleaner) FlagTriggeredAppointments(uuids []wtdb.UUID,
	state *WatcherState, db *wtdb.AppointmentsDB) error {

	if len(uuids) == 0 {
		return nil
	}

	touched := make(map[wtdb.Locator][]wtdb.UUID)
	for _, uuid := range uuids {
		deleteAppointmentFromMemory(uuid, state, touched)
	}

	if err := db.FlagTriggeredAppointments(uuids, touched); err != nil {
		return fmt.Errorf("unable to flag triggered appointments: %w",
			err)
	}

	return nil
}

// DeleteTrackers removes trackers from memory and from the database,
// together with the appointments they came from and their triggered flags.
// The database deletion is a single batch; on failure the memory state is
// already updated and the caller must treat the error as fatal.
func (c *Cleaner) DeleteTrackers(uuids []wtdb.UUID, height uint32,
	state *ResponderState, db *wtdb.AppointmentsDB, outdated bool) error {

	if len(uuids) == 0 {
		return nil
	}

	for _, uuid := range uuids {
		summary, ok := state.Trackers[uuid]
		if !ok {
			continue
		}
		delete(state.Trackers, uuid)

		if outdated {
			c.log.Infof("Appointment couldn't be completed. "+
				"Expiry reached but penalty didn't make it "+
				"to the chain: uuid=%v, height=%d", uuid,
				height)
		} else {
			c.log.Infof("Appointment completed. Penalty "+
				"transaction was irrevocably confirmed: "+
				"uuid=%v, height=%d", uuid, height)
		}

		txid := summary.PenaltyTxID
		remaining := slices.DeleteFunc(
			slices.Clone(state.TxTrackerMap[txid]),
			func(u wtdb.UUID) bool {
				return u == uuid
			},
		)
		if len(remaining) == 0 {
			delete(state.TxTrackerMap, txid)
		} else {
			state.TxTrackerMap[txid] = remaining
		}
	}

	if err := db.DeleteTrackers(uuids); err != nil {
		return fmt.Errorf("unable to delete trackers: %w", err)
	}

	return nil
}

// DeleteGatekeeperAppointments removes appointments from the records of
// their owners and persists the updated users. Slots are not refunded.
func (c *Cleaner) DeleteGatekeeperAppointments(
	appointments map[wtdb.UUID]wtdb.UserID,
	users map[wtdb.UserID]*wtdb.UserInfo, db *wtdb.UsersDB) error {

	updated := make(map[wtdb.UserID]struct{})
	for uuid, userID := range appointments {
		user, ok := users[userID]
		if !ok {
			continue
		}
		if _, ok := user.Appointments[uuid]; !ok {
			continue
		}

		delete(user.Appointments, uuid)
		updated[userID] = struct{}{}
	}

	for userID := range updated {
		if err := db.StoreUser(userID, users[userID]); err != nil {
			return fmt.Errorf("unable to update user %v: %w",
				userID, err)
		}
	}

	return nil
}

// DeleteOutdatedUsers removes users from memory and from the database.
func (c *Cleaner) DeleteOutdatedUsers(userIDs []wtdb.UserID,
	users map[wtdb.UserID]*wtdb.UserInfo, db *wtdb.UsersDB) error {

	if len(userIDs) == 0 {
		return nil
	}

	for _, userID := range userIDs {
		delete(users, userID)
		c.log.Infof("Outdated user deleted: user_id=%v", userID)
	}

	if err := db.DeleteUsers(userIDs); err != nil {
		return fmt.Errorf("unable to delete outdated users: %w", err)
	}

	return nil
}
