package wtdb_test

import (
	"encoding/binary"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/towerd/wtdb"
	"github.com/stretchr/testify/require"
)

// storeInit is a closure used to initialize a wtdb.Store instance.
type storeInit func(*testing.T) wtdb.Store

// stores lists every backend the schema tests run against.
var stores = []struct {
	name string
	init storeInit
}{
	{
		name: "boltdb",
		init: func(t *testing.T) wtdb.Store {
			s, err := wtdb.OpenBoltStore(
				t.TempDir(), "appointments.db", nil,
			)
			require.NoError(t, err)

			return s
		},
	},
	{
		name: "leveldb",
		init: func(t *testing.T) wtdb.Store {
			s, err := wtdb.OpenLevelStore(t.TempDir(), "leveldb")
			require.NoError(t, err)

			return s
		},
	},
	{
		name: "leveldb in memory",
		init: func(t *testing.T) wtdb.Store {
			s, err := wtdb.NewMemLevelStore()
			require.NoError(t, err)

			return s
		},
	},
}

// appointmentsDBHarness holds the resources required to execute the
// appointments db tests.
type appointmentsDBHarness struct {
	t  *testing.T
	db *wtdb.AppointmentsDB
}

func newAppointmentsDBHarness(t *testing.T,
	init storeInit) *appointmentsDBHarness {

	db, err := wtdb.NewAppointmentsDB(init(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	return &appointmentsDBHarness{t: t, db: db}
}

// userFromInt creates a user id from an integer.
func userFromInt(i int) wtdb.UserID {
	var id wtdb.UserID
	id[0] = 0x02
	binary.BigEndian.PutUint32(id[1:5], uint32(i))

	return id
}

// appointmentFromInt creates a unique appointment for a given (locator,
// user) pair.
func appointmentFromInt(loc, user int) *wtdb.ExtendedAppointment {
	var locator wtdb.Locator
	binary.BigEndian.PutUint32(locator[:4], uint32(loc))

	return &wtdb.ExtendedAppointment{
		Appointment: wtdb.Appointment{
			Locator:       locator,
			EncryptedBlob: []byte{byte(loc), byte(user), 0xaa},
			ToSelfDelay:   20,
		},
		UserID:        userFromInt(user),
		UserSignature: "d7k9oc8fj1r5nnkwrgsxm4ae5tw",
		StartBlock:    uint32(100 + loc),
	}
}

func trackerFromAppointment(
	appt *wtdb.ExtendedAppointment) *wtdb.TransactionTracker {

	var dispute, penalty chainhash.Hash
	copy(dispute[:], appt.Locator[:])
	copy(penalty[:], appt.EncryptedBlob)

	return &wtdb.TransactionTracker{
		Locator:      appt.Locator,
		DisputeTxID:  dispute,
		PenaltyTxID:  penalty,
		PenaltyRawTx: []byte{0x01, 0x02, 0x03},
		UserID:       appt.UserID,
	}
}

func testStoreLoadAppointments(h *appointmentsDBHarness) {
	a1 := appointmentFromInt(1, 1)
	a2 := appointmentFromInt(2, 1)

	require.NoError(h.t, h.db.StoreWatcherAppointment(a1.UUID(), a1))
	require.NoError(h.t, h.db.StoreWatcherAppointment(a2.UUID(), a2))

	loaded, err := h.db.LoadWatcherAppointment(a1.UUID())
	require.NoError(h.t, err)
	require.Equal(h.t, a1, loaded)

	all, err := h.db.LoadWatcherAppointments(false)
	require.NoError(h.t, err)
	require.Len(h.t, all, 2)
	require.Equal(h.t, a2, all[a2.UUID()])

	// Once flagged as triggered, the appointment is only returned when
	// explicitly asked for.
	require.NoError(h.t, h.db.CreateTriggeredAppointmentFlag(a2.UUID()))

	all, err = h.db.LoadWatcherAppointments(false)
	require.NoError(h.t, err)
	require.Len(h.t, all, 1)
	require.Contains(h.t, all, a1.UUID())

	all, err = h.db.LoadWatcherAppointments(true)
	require.NoError(h.t, err)
	require.Len(h.t, all, 2)

	require.NoError(h.t, h.db.DeleteWatcherAppointment(a1.UUID()))
	_, err = h.db.LoadWatcherAppointment(a1.UUID())
	require.ErrorIs(h.t, err, wtdb.ErrNotFound)
}

func testLocatorMaps(h *appointmentsDBHarness) {
	a1 := appointmentFromInt(1, 1)
	a2 := appointmentFromInt(1, 2)

	_, err := h.db.LoadLocatorMap(a1.Locator)
	require.ErrorIs(h.t, err, wtdb.ErrNotFound)

	require.NoError(h.t, h.db.CreateAppendLocatorMap(a1.Locator, a1.UUID()))
	require.NoError(h.t, h.db.CreateAppendLocatorMap(a1.Locator, a2.UUID()))

	// Appending an existing uuid must not duplicate it.
	require.NoError(h.t, h.db.CreateAppendLocatorMap(a1.Locator, a1.UUID()))

	uuids, err := h.db.LoadLocatorMap(a1.Locator)
	require.NoError(h.t, err)
	require.Equal(h.t, []wtdb.UUID{a1.UUID(), a2.UUID()}, uuids)

	require.NoError(h.t, h.db.UpdateLocatorMap(
		a1.Locator, []wtdb.UUID{a2.UUID()},
	))
	uuids, err = h.db.LoadLocatorMap(a1.Locator)
	require.NoError(h.t, err)
	require.Equal(h.t, []wtdb.UUID{a2.UUID()}, uuids)

	require.NoError(h.t, h.db.UpdateLocatorMap(a1.Locator, nil))
	_, err = h.db.LoadLocatorMap(a1.Locator)
	require.ErrorIs(h.t, err, wtdb.ErrNotFound)
}

func testDeleteAppointments(h *appointmentsDBHarness) {
	a1 := appointmentFromInt(1, 1)
	a2 := appointmentFromInt(1, 2)
	a3 := appointmentFromInt(3, 1)

	for _, a := range []*wtdb.ExtendedAppointment{a1, a2, a3} {
		require.NoError(h.t, h.db.StoreWatcherAppointment(a.UUID(), a))
		require.NoError(h.t, h.db.CreateAppendLocatorMap(
			a.Locator, a.UUID(),
		))
	}

	err := h.db.DeleteAppointments(
		[]wtdb.UUID{a1.UUID(), a3.UUID()},
		map[wtdb.Locator][]wtdb.UUID{
			a1.Locator: {a2.UUID()},
			a3.Locator: nil,
		},
	)
	require.NoError(h.t, err)

	all, err := h.db.LoadWatcherAppointments(true)
	require.NoError(h.t, err)
	require.Len(h.t, all, 1)
	require.Contains(h.t, all, a2.UUID())

	uuids, err := h.db.LoadLocatorMap(a1.Locator)
	require.NoError(h.t, err)
	require.Equal(h.t, []wtdb.UUID{a2.UUID()}, uuids)

	_, err = h.db.LoadLocatorMap(a3.Locator)
	require.ErrorIs(h.t, err, wtdb.ErrNotFound)
}

func testTriggeredAndTrackers(h *appointmentsDBHarness) {
	a1 := appointmentFromInt(1, 1)
	a2 := appointmentFromInt(2, 1)
	require.NoError(h.t, h.db.StoreWatcherAppointment(a1.UUID(), a1))
	require.NoError(h.t, h.db.CreateAppendLocatorMap(a1.Locator, a1.UUID()))
	require.NoError(h.t, h.db.StoreTriggeredAppointment(a2.UUID(), a2))

	err := h.db.FlagTriggeredAppointments(
		[]wtdb.UUID{a1.UUID()},
		map[wtdb.Locator][]wtdb.UUID{a1.Locator: nil},
	)
	require.NoError(h.t, err)

	flags, err := h.db.LoadAllTriggeredFlags()
	require.NoError(h.t, err)
	require.Len(h.t, flags, 2)

	_, err = h.db.LoadLocatorMap(a1.Locator)
	require.ErrorIs(h.t, err, wtdb.ErrNotFound)

	t1 := trackerFromAppointment(a1)
	t2 := trackerFromAppointment(a2)
	require.NoError(h.t, h.db.StoreResponderTracker(a1.UUID(), t1))
	require.NoError(h.t, h.db.StoreResponderTracker(a2.UUID(), t2))

	loaded, err := h.db.LoadResponderTracker(a1.UUID())
	require.NoError(h.t, err)
	require.Equal(h.t, t1, loaded)

	// Deleting a tracker removes every record of the appointment.
	require.NoError(h.t, h.db.DeleteTrackers([]wtdb.UUID{a1.UUID()}))

	trackers, err := h.db.LoadResponderTrackers()
	require.NoError(h.t, err)
	require.Len(h.t, trackers, 1)
	require.Equal(h.t, t2, trackers[a2.UUID()])

	_, err = h.db.LoadWatcherAppointment(a1.UUID())
	require.ErrorIs(h.t, err, wtdb.ErrNotFound)

	flags, err = h.db.LoadAllTriggeredFlags()
	require.NoError(h.t, err)
	require.Equal(h.t, map[wtdb.UUID]struct{}{a2.UUID(): {}}, flags)

	require.NoError(h.t, h.db.DeleteTriggeredAppointmentFlags(
		[]wtdb.UUID{a2.UUID()},
	))
	flags, err = h.db.LoadAllTriggeredFlags()
	require.NoError(h.t, err)
	require.Empty(h.t, flags)
}

func testLastKnownBlocks(h *appointmentsDBHarness) {
	_, err := h.db.LoadLastBlockHashWatcher()
	require.ErrorIs(h.t, err, wtdb.ErrNotFound)
	_, err = h.db.LoadLastBlockHashResponder()
	require.ErrorIs(h.t, err, wtdb.ErrNotFound)

	w := chainhash.Hash{0x01}
	r := chainhash.Hash{0x02}
	require.NoError(h.t, h.db.StoreLastBlockHashWatcher(w))
	require.NoError(h.t, h.db.StoreLastBlockHashResponder(r))

	hash, err := h.db.LoadLastBlockHashWatcher()
	require.NoError(h.t, err)
	require.Equal(h.t, w, *hash)

	hash, err = h.db.LoadLastBlockHashResponder()
	require.NoError(h.t, err)
	require.Equal(h.t, r, *hash)
}

// TestAppointmentsDB runs the appointment schema tests against every store
// backend.
func TestAppointmentsDB(t *testing.T) {
	tests := []struct {
		name string
		run  func(*appointmentsDBHarness)
	}{
		{
			name: "store and load appointments",
			run:  testStoreLoadAppointments,
		},
		{
			name: "locator maps",
			run:  testLocatorMaps,
		},
		{
			name: "batch delete appointments",
			run:  testDeleteAppointments,
		},
		{
			name: "triggered flags and trackers",
			run:  testTriggeredAndTrackers,
		},
		{
			name: "last known blocks",
			run:  testLastKnownBlocks,
		},
	}

	for _, store := range stores {
		t.Run(store.name, func(t *testing.T) {
			t.Parallel()

			for _, test := range tests {
				t.Run(test.name, func(t *testing.T) {
					h := newAppointmentsDBHarness(
						t, store.init,
					)

					test.run(h)
				})
			}
		})
	}
}

// TestReopenBoltStore asserts that entries survive closing the database.
func TestReopenBoltStore(t *testing.T) {
	path := t.TempDir()

	s, err := wtdb.OpenBoltStore(path, "appointments.db", nil)
	require.NoError(t, err)
	db, err := wtdb.NewAppointmentsDB(s)
	require.NoError(t, err)

	appt := appointmentFromInt(7, 7)
	require.NoError(t, db.StoreWatcherAppointment(appt.UUID(), appt))
	require.NoError(t, db.Close())

	s, err = wtdb.OpenBoltStore(path, "appointments.db", nil)
	require.NoError(t, err)
	db, err = wtdb.NewAppointmentsDB(s)
	require.NoError(t, err)
	defer db.Close()

	loaded, err := db.LoadWatcherAppointment(appt.UUID())
	require.NoError(t, err)
	require.Equal(t, appt, loaded)
}
