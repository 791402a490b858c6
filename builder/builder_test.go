package builder_test

import (
	"context"
	"slices"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/towerd/blockqueue"
	"github.com/lightningnetwork/towerd/builder"
	"github.com/lightningnetwork/towerd/wtdb"
	"github.com/stretchr/testify/require"
)

func userID(i byte) wtdb.UserID {
	var id wtdb.UserID
	id[0] = 0x02
	id[1] = i

	return id
}

func locator(i byte) wtdb.Locator {
	return wtdb.Locator{i}
}

func TestBuildAppointments(t *testing.T) {
	t.Parallel()

	appointments := make(map[wtdb.UUID]*wtdb.ExtendedAppointment)
	for loc := byte(0); loc < 5; loc++ {
		for user := byte(0); user <= loc; user++ {
			appt := &wtdb.ExtendedAppointment{
				Appointment: wtdb.Appointment{
					Locator:       locator(loc),
					EncryptedBlob: []byte{loc, user},
					ToSelfDelay:   20,
				},
				UserID: userID(user),
			}
			appointments[appt.UUID()] = appt
		}
	}

	state := builder.BuildAppointments(appointments)
	require.Len(t, state.Appointments, len(appointments))
	require.Len(t, state.LocatorUUIDMap, 5)

	for uuid, appt := range appointments {
		require.Equal(t, appt.Summary(), state.Appointments[uuid])
		require.Contains(t, state.LocatorUUIDMap[appt.Locator], uuid)
	}
	for loc, uuids := range state.LocatorUUIDMap {
		require.Len(t, uuids, int(loc[0])+1)
	}

	// The outcome does not depend on the map order.
	again := builder.BuildAppointments(appointments)
	require.Equal(t, state, again)

	empty := builder.BuildAppointments(nil)
	require.Empty(t, empty.Appointments)
	require.NotNil(t, empty.LocatorUUIDMap)
}

func TestBuildTrackers(t *testing.T) {
	t.Parallel()

	trackers := make(map[wtdb.UUID]*wtdb.TransactionTracker)
	for i := byte(0); i < 6; i++ {
		tracker := &wtdb.TransactionTracker{
			Locator:     locator(i),
			DisputeTxID: chainhash.Hash{i},
			// Pairs of trackers share the same penalty.
			PenaltyTxID:  chainhash.Hash{0xff, i / 2},
			PenaltyRawTx: []byte{i},
			UserID:       userID(i),
		}
		trackers[wtdb.NewUUID(tracker.Locator, tracker.UserID)] =
			tracker
	}

	state := builder.BuildTrackers(trackers)
	require.Len(t, state.Trackers, 6)
	require.Len(t, state.TxTrackerMap, 3)

	for uuid, tracker := range trackers {
		require.Equal(t, tracker.Summary(), state.Trackers[uuid])
		require.Contains(t, state.TxTrackerMap[tracker.PenaltyTxID],
			uuid)
	}
	for _, uuids := range state.TxTrackerMap {
		require.Len(t, uuids, 2)
	}

	require.Equal(t, state, builder.BuildTrackers(trackers))
}

// recorder collects the blocks processed by fake consumers, in the order
// they were processed across all of them.
type recorder struct {
	mu     sync.Mutex
	events []event
}

type event struct {
	consumer string
	hash     chainhash.Hash
}

func (r *recorder) blocks(consumer string) []chainhash.Hash {
	r.mu.Lock()
	defer r.mu.Unlock()

	var hashes []chainhash.Hash
	for _, e := range r.events {
		if e.consumer == consumer {
			hashes = append(hashes, e.hash)
		}
	}

	return hashes
}

func (r *recorder) snapshot() []event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]event(nil), r.events...)
}

// consume starts a consumer loop over a new queue.
func (r *recorder) consume(t *testing.T, name string) *blockqueue.Queue {
	q := blockqueue.New()
	q.Start()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			msg, err := q.Next(ctx)
			if err != nil {
				return
			}

			r.mu.Lock()
			r.events = append(r.events, event{name, msg.Hash})
			r.mu.Unlock()

			msg.Ack()
		}
	}()

	t.Cleanup(func() {
		cancel()
		wg.Wait()
		q.Stop()
	})

	return q
}

func hashes(from, to int) []chainhash.Hash {
	var res []chainhash.Hash
	for i := from; i < to; i++ {
		res = append(res, chainhash.Hash{byte(i)})
	}

	return res
}

type replayHarness struct {
	rec *recorder
	cfg builder.ReplayConfig
}

func newReplayHarness(t *testing.T, watcherMissed,
	responderMissed []chainhash.Hash) *replayHarness {

	rec := &recorder{}

	return &replayHarness{
		rec: rec,
		cfg: builder.ReplayConfig{
			Watcher:   rec.consume(t, "watcher"),
			Responder: rec.consume(t, "responder"),
			Others: []*blockqueue.Queue{
				rec.consume(t, "gk"),
			},
			WatcherMissed:   watcherMissed,
			ResponderMissed: responderMissed,
		},
	}
}

// TestUpdateStatesLockstep checks the component further behind catches up
// first and that the common blocks are then processed one at a time.
func TestUpdateStatesLockstep(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name            string
		watcherMissed   []chainhash.Hash
		responderMissed []chainhash.Hash
		behind          string
	}{
		{
			name:            "watcher behind",
			watcherMissed:   hashes(0, 8),
			responderMissed: hashes(3, 8),
			behind:          "watcher",
		},
		{
			name:            "responder behind",
			watcherMissed:   hashes(5, 8),
			responderMissed: hashes(0, 8),
			behind:          "responder",
		},
		{
			name:            "same backlog",
			watcherMissed:   hashes(0, 8),
			responderMissed: hashes(0, 8),
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			h := newReplayHarness(
				t, test.watcherMissed, test.responderMissed,
			)

			err := builder.UpdateStates(t.Context(), h.cfg)
			require.NoError(t, err)

			all := hashes(0, 8)
			require.Equal(t, test.watcherMissed,
				h.rec.blocks("watcher"))
			require.Equal(t, test.responderMissed,
				h.rec.blocks("responder"))
			require.Equal(t, all, h.rec.blocks("gk"))

			// Once the component behind caught up, no block is
			// processed before every consumer is done with the
			// previous one.
			shorter := len(test.watcherMissed)
			if len(test.responderMissed) < shorter {
				shorter = len(test.responderMissed)
			}
			common := all[len(all)-shorter:]

			processed := make(map[chainhash.Hash]int)
			for _, e := range h.rec.snapshot() {
				i := slices.Index(common, e.hash)
				if i > 0 {
					require.Equal(t, 3,
						processed[common[i-1]],
						"block %d processed early", i)
				}
				processed[e.hash]++
			}
		})
	}
}

// TestUpdateStatesSingleBacklog checks a single component with missed
// blocks is fed alone.
func TestUpdateStatesSingleBacklog(t *testing.T) {
	t.Parallel()

	h := newReplayHarness(t, nil, hashes(0, 4))
	require.NoError(t, builder.UpdateStates(t.Context(), h.cfg))

	require.Empty(t, h.rec.blocks("watcher"))
	require.Equal(t, hashes(0, 4), h.rec.blocks("responder"))
	require.Equal(t, hashes(0, 4), h.rec.blocks("gk"))

	h = newReplayHarness(t, nil, nil)
	require.NoError(t, builder.UpdateStates(t.Context(), h.cfg))
	require.Empty(t, h.rec.snapshot())
}

func TestUpdateStatesDivergent(t *testing.T) {
	t.Parallel()

	h := newReplayHarness(t, hashes(0, 5), hashes(10, 12))

	err := builder.UpdateStates(t.Context(), h.cfg)
	require.ErrorIs(t, err, builder.ErrDivergentBacklogs)
	require.Empty(t, h.rec.snapshot())
}

func TestPopulateBlockQueue(t *testing.T) {
	t.Parallel()

	q := blockqueue.New()
	q.Start()
	defer q.Stop()

	last, err := builder.PopulateBlockQueue(q, nil)
	require.NoError(t, err)
	require.Nil(t, last)

	blocks := hashes(0, 3)
	last, err = builder.PopulateBlockQueue(q, blocks)
	require.NoError(t, err)
	require.Equal(t, blocks[2], last.Hash)

	for _, hash := range blocks {
		msg, err := q.Next(t.Context())
		require.NoError(t, err)
		require.Equal(t, hash, msg.Hash)
		msg.Ack()
	}
	require.NoError(t, last.Wait(t.Context()))

	q.Stop()
	_, err = builder.PopulateBlockQueue(q, blocks)
	require.ErrorIs(t, err, blockqueue.ErrQueueStopped)
}
