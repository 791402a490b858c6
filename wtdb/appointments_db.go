package wtdb

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var (
	// appointmentPrefix keys watcher appointments by uuid.
	appointmentPrefix = []byte("appt/")

	// triggeredPrefix keys the flags of appointments that were handed to
	// the responder.
	triggeredPrefix = []byte("trig/")

	// trackerPrefix keys responder trackers by uuid.
	trackerPrefix = []byte("trk/")

	// locatorPrefix keys the list of uuids sharing a locator.
	locatorPrefix = []byte("loc/")

	watcherLastBlockKey   = []byte("meta/watcher-last-block")
	responderLastBlockKey = []byte("meta/responder-last-block")

	// flagValue is stored under triggered flags. Only the key matters.
	flagValue = []byte{1}
)

// ErrCorruptLocatorMap is returned when a persisted locator map is not a
// whole number of uuids.
var ErrCorruptLocatorMap = errors.New("corrupt locator map")

func prefixedKey(prefix, id []byte) []byte {
	key := make([]byte, 0, len(prefix)+len(id))
	key = append(key, prefix...)

	return append(key, id...)
}

func uuidFromKey(prefix, key []byte) (UUID, error) {
	var uuid UUID
	if len(key) != len(prefix)+UUIDSize {
		return uuid, fmt.Errorf("malformed key %x", key)
	}
	copy(uuid[:], key[len(prefix):])

	return uuid, nil
}

func encodeUUIDs(uuids []UUID) []byte {
	b := make([]byte, 0, len(uuids)*UUIDSize)
	for _, uuid := range uuids {
		b = append(b, uuid[:]...)
	}

	return b
}

func decodeUUIDs(b []byte) ([]UUID, error) {
	if len(b)%UUIDSize != 0 {
		return nil, ErrCorruptLocatorMap
	}

	uuids := make([]UUID, 0, len(b)/UUIDSize)
	for ; len(b) > 0; b = b[UUIDSize:] {
		var uuid UUID
		copy(uuid[:], b[:UUIDSize])
		uuids = append(uuids, uuid)
	}

	return uuids, nil
}

// AppointmentsDB persists the watcher's appointments, locator maps and
// triggered flags, and the responder's trackers. Both components also store
// the last block they processed here.
type AppointmentsDB struct {
	store Store

	// locatorMtx serializes read-modify-write cycles on locator maps.
	locatorMtx sync.Mutex
}

// NewAppointmentsDB wraps store, initializing or migrating its schema.
func NewAppointmentsDB(store Store) (*AppointmentsDB, error) {
	if err := syncVersions(store, appointmentsDBVersions); err != nil {
		return nil, err
	}

	return &AppointmentsDB{store: store}, nil
}

// Close closes the underlying store.
func (d *AppointmentsDB) Close() error {
	return d.store.Close()
}

// LoadWatcherAppointment loads a single appointment.
func (d *AppointmentsDB) LoadWatcherAppointment(
	uuid UUID) (*ExtendedAppointment, error) {

	raw, err := d.store.Get(prefixedKey(appointmentPrefix, uuid[:]))
	if err != nil {
		return nil, err
	}

	appt := &ExtendedAppointment{}
	if err := appt.Decode(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("unable to decode appointment %v: %w",
			uuid, err)
	}

	return appt, nil
}

// LoadWatcherAppointments loads every stored appointment. Appointments that
// were flagged as triggered are skipped unless includeTriggered is set.
func (d *AppointmentsDB) LoadWatcherAppointments(
	includeTriggered bool) (map[UUID]*ExtendedAppointment, error) {

	var (
		triggered map[UUID]struct{}
		err       error
	)
	if !includeTriggered {
		triggered, err = d.LoadAllTriggeredFlags()
		if err != nil {
			return nil, err
		}
	}

	appointments := make(map[UUID]*ExtendedAppointment)
	err = d.store.ForEachPrefix(appointmentPrefix, func(k, v []byte) error {
		uuid, err := uuidFromKey(appointmentPrefix, k)
		if err != nil {
			return err
		}
		if _, ok := triggered[uuid]; ok {
			return nil
		}

		appt := &ExtendedAppointment{}
		if err := appt.Decode(bytes.NewReader(v)); err != nil {
			return fmt.Errorf("unable to decode appointment %v: "+
				"%w", uuid, err)
		}
		appointments[uuid] = appt

		return nil
	})
	if err != nil {
		return nil, err
	}

	return appointments, nil
}

// StoreWatcherAppointment creates or overwrites an appointment.
func (d *AppointmentsDB) StoreWatcherAppointment(uuid UUID,
	appt *ExtendedAppointment) error {

	var b bytes.Buffer
	if err := appt.Encode(&b); err != nil {
		return err
	}

	return d.store.Put(prefixedKey(appointmentPrefix, uuid[:]), b.Bytes())
}

// StoreTriggeredAppointment stores an appointment together with its
// triggered flag. It is used when an appointment goes straight to the
// responder without ever being watched.
func (d *AppointmentsDB) StoreTriggeredAppointment(uuid UUID,
	appt *ExtendedAppointment) error {

	var b bytes.Buffer
	if err := appt.Encode(&b); err != nil {
		return err
	}

	return d.store.Update(func(batch WriteBatch) error {
		batch.Put(prefixedKey(appointmentPrefix, uuid[:]), b.Bytes())
		batch.Put(prefixedKey(triggeredPrefix, uuid[:]), flagValue)

		return nil
	})
}

// DeleteWatcherAppointment removes a single appointment.
func (d *AppointmentsDB) DeleteWatcherAppointment(uuid UUID) error {
	return d.store.Delete(prefixedKey(appointmentPrefix, uuid[:]))
}

// DeleteAppointments removes a set of appointments and rewrites the locator
// maps they belonged to in a single batch. An empty uuid list in
// locatorMaps deletes that locator map.
func (d *AppointmentsDB) DeleteAppointments(uuids []UUID,
	locatorMaps map[Locator][]UUID) error {

	d.locatorMtx.Lock()
	defer d.locatorMtx.Unlock()

	return d.store.Update(func(batch WriteBatch) error {
		for _, uuid := range uuids {
			batch.Delete(prefixedKey(appointmentPrefix, uuid[:]))
		}
		writeLocatorMaps(batch, locatorMaps)

		return nil
	})
}

// FlagTriggeredAppointments sets the triggered flag of a set of appointments
// and rewrites their locator maps in a single batch. The appointments
// themselves stay on disk.
func (d *AppointmentsDB) FlagTriggeredAppointments(uuids []UUID,
	locatorMaps map[Locator][]UUID) error {

	d.locatorMtx.Lock()
	defer d.locatorMtx.Unlock()

	return d.store.Update(func(batch WriteBatch) error {
		for _, uuid := range uuids {
			key := prefixedKey(triggeredPrefix, uuid[:])
			batch.Put(key, flagValue)
		}
		writeLocatorMaps(batch, locatorMaps)

		return nil
	})
}

func writeLocatorMaps(batch WriteBatch, locatorMaps map[Locator][]UUID) {
	for locator, uuids := range locatorMaps {
		key := prefixedKey(locatorPrefix, locator[:])
		if len(uuids) == 0 {
			batch.Delete(key)
			continue
		}
		batch.Put(key, encodeUUIDs(uuids))
	}
}

// LoadLocatorMap returns the uuids stored under locator, or ErrNotFound.
func (d *AppointmentsDB) LoadLocatorMap(locator Locator) ([]UUID, error) {
	raw, err := d.store.Get(prefixedKey(locatorPrefix, locator[:]))
	if err != nil {
		return nil, err
	}

	return decodeUUIDs(raw)
}

// CreateAppendLocatorMap adds uuid to the map of locator, creating it if
// needed. Adding a uuid that is already present is a no-op.
func (d *AppointmentsDB) CreateAppendLocatorMap(locator Locator,
	uuid UUID) error {

	d.locatorMtx.Lock()
	defer d.locatorMtx.Unlock()

	uuids, err := d.LoadLocatorMap(locator)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	for _, existing := range uuids {
		if existing == uuid {
			return nil
		}
	}
	uuids = append(uuids, uuid)

	return d.store.Put(
		prefixedKey(locatorPrefix, locator[:]), encodeUUIDs(uuids),
	)
}

// UpdateLocatorMap overwrites the map of locator. An empty list deletes it.
func (d *AppointmentsDB) UpdateLocatorMap(locator Locator,
	uuids []UUID) error {

	d.locatorMtx.Lock()
	defer d.locatorMtx.Unlock()

	return d.store.Update(func(batch WriteBatch) error {
		writeLocatorMaps(batch, map[Locator][]UUID{locator: uuids})
		return nil
	})
}

// DeleteLocatorMap removes the map of locator.
func (d *AppointmentsDB) DeleteLocatorMap(locator Locator) error {
	d.locatorMtx.Lock()
	defer d.locatorMtx.Unlock()

	return d.store.Delete(prefixedKey(locatorPrefix, locator[:]))
}

// CreateTriggeredAppointmentFlag flags a single appointment as triggered.
func (d *AppointmentsDB) CreateTriggeredAppointmentFlag(uuid UUID) error {
	return d.store.Put(prefixedKey(triggeredPrefix, uuid[:]), flagValue)
}

// LoadAllTriggeredFlags returns the set of appointments flagged as
// triggered.
func (d *AppointmentsDB) LoadAllTriggeredFlags() (map[UUID]struct{}, error) {
	flags := make(map[UUID]struct{})
	err := d.store.ForEachPrefix(triggeredPrefix, func(k, _ []byte) error {
		uuid, err := uuidFromKey(triggeredPrefix, k)
		if err != nil {
			return err
		}
		flags[uuid] = struct{}{}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return flags, nil
}

// DeleteTriggeredAppointmentFlags removes the triggered flags of uuids.
func (d *AppointmentsDB) DeleteTriggeredAppointmentFlags(uuids []UUID) error {
	return d.store.Update(func(batch WriteBatch) error {
		for _, uuid := range uuids {
			batch.Delete(prefixedKey(triggeredPrefix, uuid[:]))
		}

		return nil
	})
}

// LoadResponderTracker loads a single tracker.
func (d *AppointmentsDB) LoadResponderTracker(
	uuid UUID) (*TransactionTracker, error) {

	raw, err := d.store.Get(prefixedKey(trackerPrefix, uuid[:]))
	if err != nil {
		return nil, err
	}

	tracker := &TransactionTracker{}
	if err := tracker.Decode(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("unable to decode tracker %v: %w",
			uuid, err)
	}

	return tracker, nil
}

// LoadResponderTrackers loads every stored tracker.
func (d *AppointmentsDB) LoadResponderTrackers() (
	map[UUID]*TransactionTracker, error) {

	trackers := make(map[UUID]*TransactionTracker)
	err := d.store.ForEachPrefix(trackerPrefix, func(k, v []byte) error {
		uuid, err := uuidFromKey(trackerPrefix, k)
		if err != nil {
			return err
		}

		tracker := &TransactionTracker{}
		if err := tracker.Decode(bytes.NewReader(v)); err != nil {
			return fmt.Errorf("unable to decode tracker %v: %w",
				uuid, err)
		}
		trackers[uuid] = tracker

		return nil
	})
	if err != nil {
		return nil, err
	}

	return trackers, nil
}

// StoreResponderTracker creates or overwrites a tracker.
func (d *AppointmentsDB) StoreResponderTracker(uuid UUID,
	tracker *TransactionTracker) error {

	var b bytes.Buffer
	if err := tracker.Encode(&b); err != nil {
		return err
	}

	return d.store.Put(prefixedKey(trackerPrefix, uuid[:]), b.Bytes())
}

// DeleteTrackers removes the trackers of uuids together with the
// appointments they were created from and their triggered flags. All
// entries go in one batch so the responder and watcher records never
// diverge.
func (d *AppointmentsDB) DeleteTrackers(uuids []UUID) error {
	return d.store.Update(func(batch WriteBatch) error {
		for _, uuid := range uuids {
			batch.Delete(prefixedKey(trackerPrefix, uuid[:]))
			batch.Delete(prefixedKey(appointmentPrefix, uuid[:]))
			batch.Delete(prefixedKey(triggeredPrefix, uuid[:]))
		}

		return nil
	})
}

func (d *AppointmentsDB) loadHash(key []byte) (*chainhash.Hash, error) {
	raw, err := d.store.Get(key)
	if err != nil {
		return nil, err
	}

	return chainhash.NewHash(raw)
}

// LoadLastBlockHashWatcher returns the last block the watcher processed, or
// ErrNotFound on a fresh database.
func (d *AppointmentsDB) LoadLastBlockHashWatcher() (*chainhash.Hash, error) {
	return d.loadHash(watcherLastBlockKey)
}

// StoreLastBlockHashWatcher records the last block the watcher processed.
func (d *AppointmentsDB) StoreLastBlockHashWatcher(hash chainhash.Hash) error {
	return d.store.Put(watcherLastBlockKey, hash[:])
}

// LoadLastBlockHashResponder returns the last block the responder
// processed, or ErrNotFound on a fresh database.
func (d *AppointmentsDB) LoadLastBlockHashResponder() (*chainhash.Hash,
	error) {

	return d.loadHash(responderLastBlockKey)
}

// StoreLastBlockHashResponder records the last block the responder
// processed.
func (d *AppointmentsDB) StoreLastBlockHashResponder(
	hash chainhash.Hash) error {

	return d.store.Put(responderLastBlockKey, hash[:])
}
