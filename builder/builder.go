// Package builder rebuilds the tower's in-memory state from the database
// and replays the blocks missed while the tower was offline.
package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/towerd/blockqueue"
	"github.com/lightningnetwork/towerd/cleaner"
	"github.com/lightningnetwork/towerd/wtdb"
	"golang.org/x/sync/errgroup"
)

// ErrDivergentBacklogs is returned when the blocks missed by the watcher
// and the responder do not lead to the same tip.
var ErrDivergentBacklogs = errors.New("watcher and responder missed " +
	"blocks of different chains")

func sortUUIDs(uuids []wtdb.UUID) {
	slices.SortFunc(uuids, func(a, b wtdb.UUID) int {
		return bytes.Compare(a[:], b[:])
	})
}

// BuildAppointments rebuilds the watcher's state from the appointments
// loaded from the database. The uuids under every locator are sorted so the
// outcome does not depend on the load order.
func BuildAppointments(
	appointments map[wtdb.UUID]*wtdb.ExtendedAppointment,
) cleaner.WatcherState {

	state := cleaner.WatcherState{
		Appointments: make(
			map[wtdb.UUID]wtdb.AppointmentSummary,
			len(appointments),
		),
		LocatorUUIDMap: make(map[wtdb.Locator][]wtdb.UUID),
	}

	for uuid, appt := range appointments {
		state.Appointments[uuid] = appt.Summary()
		state.LocatorUUIDMap[appt.Locator] = append(
			state.LocatorUUIDMap[appt.Locator], uuid,
		)
	}

	for _, uuids := range state.LocatorUUIDMap {
		sortUUIDs(uuids)
	}

	return state
}

// BuildTrackers rebuilds the responder's state from the trackers loaded
// from the database.
func BuildTrackers(
	trackers map[wtdb.UUID]*wtdb.TransactionTracker,
) cleaner.ResponderState {

	state := cleaner.ResponderState{
		Trackers: make(
			map[wtdb.UUID]wtdb.TrackerSummary, len(trackers),
		),
		TxTrackerMap: make(map[chainhash.Hash][]wtdb.UUID),
	}

	for uuid, tracker := range trackers {
		state.Trackers[uuid] = tracker.Summary()
		state.TxTrackerMap[tracker.PenaltyTxID] = append(
			state.TxTrackerMap[tracker.PenaltyTxID], uuid,
		)
	}

	for _, uuids := range state.TxTrackerMap {
		sortUUIDs(uuids)
	}

	return state
}

// PopulateBlockQueue pushes blocks to q in order without waiting for them to
// be processed. The message of the last block is returned so the caller can
// wait for the whole batch, or nil if blocks is empty.
func PopulateBlockQueue(q *blockqueue.Queue,
	blocks []chainhash.Hash) (*blockqueue.Message, error) {

	var last *blockqueue.Message
	for _, hash := range blocks {
		msg, err := q.Push(hash)
		if err != nil {
			return nil, fmt.Errorf("unable to queue block %v: %w",
				hash, err)
		}
		last = msg
	}

	return last, nil
}

// ReplayConfig describes the blocks missed by the tower while it was
// offline and the queues they must be fed to.
type ReplayConfig struct {
	// Watcher and Responder are the queues of the block processing loops
	// that persist their last known block.
	Watcher   *blockqueue.Queue
	Responder *blockqueue.Queue

	// Others receive every replayed block alongside whichever of the
	// watcher and the responder is furthest behind.
	Others []*blockqueue.Queue

	// WatcherMissed and ResponderMissed are the blocks each of them
	// missed, oldest first. Both end at the current tip.
	WatcherMissed   []chainhash.Hash
	ResponderMissed []chainhash.Hash

	// Log is the logger of the builder.
	Log btclog.Logger
}

// UpdateStates replays the missed blocks. The component further behind is
// first brought up to the other one, then both are fed the remaining blocks
// in lockstep: every block is processed by all of them before the next one
// is queued, so they never work on different chain views.
func UpdateStates(ctx context.Context, cfg ReplayConfig) error {
	log := cfg.Log
	if log == nil {
		log = btclog.Disabled
	}

	watcherMissed, responderMissed := cfg.WatcherMissed, cfg.ResponderMissed
	if len(watcherMissed) == 0 && len(responderMissed) == 0 {
		return nil
	}

	behind, longer, shorter := cfg.Watcher, watcherMissed, responderMissed
	if len(responderMissed) > len(watcherMissed) {
		behind, longer, shorter = cfg.Responder, responderMissed,
			watcherMissed
	}

	split := len(longer) - len(shorter)
	if !slices.Equal(longer[split:], shorter) {
		return ErrDivergentBacklogs
	}

	if split > 0 {
		log.Infof("Bringing the component behind up to date: "+
			"blocks=%d", split)

		queues := append([]*blockqueue.Queue{behind}, cfg.Others...)
		if err := drain(ctx, queues, longer[:split]); err != nil {
			return err
		}
	}

	if len(shorter) > 0 {
		log.Infof("Replaying missed blocks in lockstep: blocks=%d",
			len(shorter))
	}

	queues := append(
		[]*blockqueue.Queue{cfg.Watcher, cfg.Responder}, cfg.Others...,
	)
	for _, hash := range shorter {
		err := drain(ctx, queues, []chainhash.Hash{hash})
		if err != nil {
			return err
		}
	}

	return nil
}

// drain pushes blocks to every queue and waits until all of them processed
// the whole batch.
func drain(ctx context.Context, queues []*blockqueue.Queue,
	blocks []chainhash.Hash) error {

	g, ctx := errgroup.WithContext(ctx)
	for _, q := range queues {
		last, err := PopulateBlockQueue(q, blocks)
		if err != nil {
			return err
		}
		if last == nil {
			continue
		}

		g.Go(func() error {
			return last.Wait(ctx)
		})
	}

	return g.Wait()
}
