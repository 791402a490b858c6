package responder

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btclog/v2"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/towerd/blockqueue"
	"github.com/lightningnetwork/towerd/chain"
	"github.com/lightningnetwork/towerd/cleaner"
	"github.com/lightningnetwork/towerd/wtdb"
)

const (
	// IrrevocablyResolved is the depth at which a penalty transaction is
	// considered final and its tracker deleted.
	IrrevocablyResolved = 100

	// ConfirmationsBeforeRetry is the number of blocks an unconfirmed
	// penalty may miss before it is broadcast again.
	ConfirmationsBeforeRetry = 6
)

// Config holds the dependencies of the Responder.
type Config struct {
	// Carrier broadcasts penalties and reports their depth.
	Carrier Broadcaster

	// Blocks fetches the blocks announced through BlockQueue.
	Blocks BlockSource

	// Gatekeeper reports outdated users and is told about finished
	// trackers.
	Gatekeeper Gatekeeper

	// DB persists trackers and the last processed block.
	DB *wtdb.AppointmentsDB

	// BlockQueue delivers new tips.
	BlockQueue *blockqueue.Queue

	// Cleaner removes finished trackers from memory and disk.
	Cleaner *cleaner.Cleaner

	// LastKnownBlock is the last block the responder processed.
	LastKnownBlock chainhash.Hash

	// Trackers and TxTrackerMap seed the in-memory state, as rebuilt
	// from the database.
	Trackers     map[wtdb.UUID]wtdb.TrackerSummary
	TxTrackerMap map[chainhash.Hash][]wtdb.UUID

	// FatalError is called when a block cannot be processed.
	FatalError func(error)

	// Log is the logger of the responder.
	Log btclog.Logger
}

// Responder broadcasts the penalty transactions handed over by the watcher
// and follows them until they are irrevocably resolved. Penalties that miss
// too many blocks are broadcast again.
type Responder struct {
	started sync.Once
	stopped sync.Once

	cfg Config
	log btclog.Logger

	// mu guards everything below.
	mu                  sync.RWMutex
	state               cleaner.ResponderState
	unconfirmedTxs      map[chainhash.Hash]struct{}
	missedConfirmations map[chainhash.Hash]uint32
	lastKnownBlock      chainhash.Hash

	gm *fn.GoroutineManager
}

// New creates a Responder seeded with cfg.Trackers. The penalties of the
// seeded trackers are looked up to learn which ones are still unconfirmed.
func New(cfg Config) (*Responder, error) {
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

	r := &Responder{
		cfg: cfg,
		log: log,
		state: cleaner.ResponderState{
			Trackers: make(map[wtdb.UUID]wtdb.TrackerSummary),
			TxTrackerMap: make(
				map[chainhash.Hash][]wtdb.UUID,
			),
		},
		unconfirmedTxs:      make(map[chainhash.Hash]struct{}),
		missedConfirmations: make(map[chainhash.Hash]uint32),
		lastKnownBlock:      cfg.LastKnownBlock,
		gm:                  fn.NewGoroutineManager(),
	}

	maps.Copy(r.state.Trackers, cfg.Trackers)
	for txid, uuids := range cfg.TxTrackerMap {
		r.state.TxTrackerMap[txid] = append([]wtdb.UUID(nil), uuids...)

		info, err := cfg.Carrier.GetTransaction(txid)
		if err != nil {
			return nil, err
		}
		if info == nil || info.Confirmations == 0 {
			r.unconfirmedTxs[txid] = struct{}{}
		}
	}

	return r, nil
}

// Start launches the block processing loop.
func (r *Responder) Start() error {
	var err error
	r.started.Do(func() {
		r.log.Info("Responder starting")

		if !r.gm.Go(context.Background(), r.doWatch) {
			err = errors.New("unable to start responder")
		}
	})

	return err
}

// Stop terminates the block processing loop.
func (r *Responder) Stop() {
	r.stopped.Do(func() {
		r.log.Info("Responder shutting down")
		r.gm.Stop()
	})
}

// BreachInfo holds what the responder needs to act on a breach.
type BreachInfo struct {
	UUID         wtdb.UUID
	Locator      wtdb.Locator
	DisputeTxID  chainhash.Hash
	PenaltyTxID  chainhash.Hash
	PenaltyRawTx []byte
	UserID       wtdb.UserID
}

// HandleBreach broadcasts the penalty of a breach seen in blockHash. If the
// penalty is delivered a tracker is created for it, otherwise the receipt is
// returned without creating any state.
func (r *Responder) HandleBreach(breach *BreachInfo,
	blockHash chainhash.Hash) (*chain.Receipt, error) {

	receipt, err := r.cfg.Carrier.SendTransaction(
		breach.PenaltyRawTx, breach.PenaltyTxID,
	)
	if err != nil {
		return nil, err
	}

	if !receipt.Delivered {
		r.log.Warnf("Tracker cannot be created: uuid=%v, "+
			"penalty_txid=%v, reason=%d, on_sync=%v", breach.UUID,
			breach.PenaltyTxID, receipt.Reason,
			r.onSync(blockHash))

		return receipt, nil
	}

	err = r.addTracker(breach, receipt.Confirmations)
	if err != nil {
		return nil, err
	}

	return receipt, nil
}

// onSync reports whether blockHash is at most one block behind the tip.
func (r *Responder) onSync(blockHash chainhash.Hash) bool {
	distance, err := r.cfg.Blocks.GetDistanceToTip(&blockHash, false)
	if err != nil {
		return false
	}

	return distance <= 1
}

// addTracker persists a tracker for breach and starts following its
// penalty.
func (r *Responder) addTracker(breach *BreachInfo,
	confirmations uint32) error {

	tracker := &wtdb.TransactionTracker{
		Locator:      breach.Locator,
		DisputeTxID:  breach.DisputeTxID,
		PenaltyTxID:  breach.PenaltyTxID,
		PenaltyRawTx: breach.PenaltyRawTx,
		UserID:       breach.UserID,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.cfg.DB.StoreResponderTracker(breach.UUID, tracker)
	if err != nil {
		return fmt.Errorf("unable to store tracker %v: %w",
			breach.UUID, err)
	}

	if _, ok := r.state.Trackers[breach.UUID]; !ok {
		txid := breach.PenaltyTxID
		r.state.TxTrackerMap[txid] = append(
			r.state.TxTrackerMap[txid], breach.UUID,
		)
	}
	r.state.Trackers[breach.UUID] = tracker.Summary()

	if confirmations == 0 {
		r.unconfirmedTxs[breach.PenaltyTxID] = struct{}{}
	}

	r.log.Infof("New tracker added: uuid=%v, dispute_txid=%v, "+
		"penalty_txid=%v, user_id=%v", breach.UUID,
		breach.DisputeTxID, breach.PenaltyTxID, breach.UserID)

	return nil
}

// HasTracker reports whether uuid is being tracked.
func (r *Responder) HasTracker(uuid wtdb.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.state.Trackers[uuid]

	return ok
}

// GetTracker loads the full tracker of uuid, returning wtdb.ErrNotFound if
// it is not being tracked.
func (r *Responder) GetTracker(uuid wtdb.UUID) (*wtdb.TransactionTracker,
	error) {

	if !r.HasTracker(uuid) {
		return nil, wtdb.ErrNotFound
	}

	return r.cfg.DB.LoadResponderTracker(uuid)
}

// Trackers returns a snapshot of the tracker summaries.
func (r *Responder) Trackers() map[wtdb.UUID]wtdb.TrackerSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return maps.Clone(r.state.Trackers)
}

// NumTrackers returns the number of trackers.
func (r *Responder) NumTrackers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.state.Trackers)
}

// NumUnconfirmed returns the number of penalties waiting for their first
// confirmation.
func (r *Responder) NumUnconfirmed() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.unconfirmedTxs)
}

// IsUnconfirmed reports whether txid is waiting for its first
// confirmation.
func (r *Responder) IsUnconfirmed(txid chainhash.Hash) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.unconfirmedTxs[txid]

	return ok
}

// LastKnownBlock returns the last block the responder processed.
func (r *Responder) LastKnownBlock() chainhash.Hash {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.lastKnownBlock
}

// doWatch processes every block delivered through the block queue until the
// shutdown message is received.
//
// NOTE: This must be run as a goroutine.
func (r *Responder) doWatch(ctx context.Context) {
	for {
		msg, err := r.cfg.BlockQueue.Next(ctx)
		if err != nil {
			return
		}
		if msg.Shutdown {
			msg.Ack()
			return
		}

		err = r.processBlock(msg.Hash)
		msg.Ack()

		switch {
		case errors.Is(err, chain.ErrShuttingDown):
			return

		case err != nil:
			r.log.Criticalf("Unable to process block %v: %v",
				msg.Hash, err)
			r.cfg.FatalError(err)

			return
		}
	}
}

func (r *Responder) processBlock(hash chainhash.Hash) error {
	block, err := r.cfg.Blocks.GetBlock(&hash, true)
	if err != nil {
		return err
	}

	r.log.Infof("New block received: block_hash=%v, height=%d",
		block.Hash, block.Height)

	r.mu.RLock()
	lastKnown := r.lastKnownBlock
	numTrackers := len(r.state.Trackers)
	r.mu.RUnlock()

	if numTrackers > 0 {
		linear := lastKnown == (chainhash.Hash{}) ||
			block.PrevHash == lastKnown

		if linear {
			err = r.processLinearBlock(block)
		} else {
			r.log.Warnf("Reorg detected: block_hash=%v, "+
				"prev_block_hash=%v, last_known_block=%v",
				block.Hash, block.PrevHash, lastKnown)

			err = r.handleReorgs(block.Hash)
		}
		if err != nil {
			return err
		}
	}

	r.cfg.Carrier.ClearReceipts()

	if err := r.cfg.DB.StoreLastBlockHashResponder(hash); err != nil {
		return err
	}

	r.mu.Lock()
	r.lastKnownBlock = hash
	r.mu.Unlock()

	return nil
}

// processLinearBlock advances the trackers with a block building on the last
// known one.
func (r *Responder) processLinearBlock(block *chain.Block) error {
	completed, err := r.getCompletedTrackers()
	if err != nil {
		return err
	}
	outdatedUUIDs := r.cfg.Gatekeeper.GetOutdatedAppointments(block.Height)

	r.mu.Lock()
	defer r.mu.Unlock()

	outdated := r.outdatedTrackersLocked(outdatedUUIDs)
	r.checkConfirmationsLocked(block.Txids)

	owners := make(map[wtdb.UUID]wtdb.UserID)
	for _, uuid := range append(completed, outdated...) {
		if summary, ok := r.state.Trackers[uuid]; ok {
			owners[uuid] = summary.UserID
		}
	}

	err = r.cfg.Cleaner.DeleteTrackers(
		completed, block.Height, &r.state, r.cfg.DB, false,
	)
	if err != nil {
		return err
	}
	err = r.cfg.Cleaner.DeleteTrackers(
		outdated, block.Height, &r.state, r.cfg.DB, true,
	)
	if err != nil {
		return err
	}
	if err := r.cfg.Gatekeeper.DeleteAppointments(owners); err != nil {
		return err
	}

	// Penalties no tracker points to anymore are not followed.
	for txid := range r.unconfirmedTxs {
		if _, ok := r.state.TxTrackerMap[txid]; !ok {
			delete(r.unconfirmedTxs, txid)
			delete(r.missedConfirmations, txid)
		}
	}

	return r.rebroadcastLocked(r.txsToRebroadcastLocked())
}

// getCompletedTrackers returns the trackers whose penalty reached
// IrrevocablyResolved confirmations.
func (r *Responder) getCompletedTrackers() ([]wtdb.UUID, error) {
	r.mu.RLock()
	confirmed := make(map[chainhash.Hash][]wtdb.UUID)
	for txid, uuids := range r.state.TxTrackerMap {
		if _, ok := r.unconfirmedTxs[txid]; ok {
			continue
		}
		confirmed[txid] = append([]wtdb.UUID(nil), uuids...)
	}
	r.mu.RUnlock()

	var completed []wtdb.UUID
	for txid, uuids := range confirmed {
		info, err := r.cfg.Carrier.GetTransaction(txid)
		if err != nil {
			return nil, err
		}
		if info == nil || info.Confirmations < IrrevocablyResolved {
			continue
		}

		completed = append(completed, uuids...)
	}

	return completed, nil
}

// outdatedTrackersLocked filters uuids down to the trackers whose penalty is
// still unconfirmed. Confirmed penalties are followed to the end even if
// their owner outdated.
func (r *Responder) outdatedTrackersLocked(uuids []wtdb.UUID) []wtdb.UUID {
	var outdated []wtdb.UUID
	for _, uuid := range uuids {
		summary, ok := r.state.Trackers[uuid]
		if !ok {
			continue
		}
		if _, ok := r.unconfirmedTxs[summary.PenaltyTxID]; ok {
			outdated = append(outdated, uuid)
		}
	}

	return outdated
}

// checkConfirmationsLocked stops waiting for the penalties confirmed in a
// block and counts a missed confirmation for the rest.
func (r *Responder) checkConfirmationsLocked(txids []chainhash.Hash) {
	for _, txid := range txids {
		if _, ok := r.unconfirmedTxs[txid]; !ok {
			continue
		}

		delete(r.unconfirmedTxs, txid)
		delete(r.missedConfirmations, txid)

		r.log.Infof("Confirmation received for transaction: txid=%v",
			txid)
	}

	for txid := range r.unconfirmedTxs {
		r.missedConfirmations[txid]++

		r.log.Infof("Transaction missed a confirmation: txid=%v, "+
			"missed=%d", txid, r.missedConfirmations[txid])
	}
}

func (r *Responder) txsToRebroadcastLocked() []chainhash.Hash {
	var txids []chainhash.Hash
	for txid, missed := range r.missedConfirmations {
		if missed >= ConfirmationsBeforeRetry {
			txids = append(txids, txid)
		}
	}

	return txids
}

// rebroadcastLocked sends txids again, once per tracker sharing them. The
// carrier only talks to the node once per block for a given txid.
func (r *Responder) rebroadcastLocked(txids []chainhash.Hash) error {
	for _, txid := range txids {
		r.missedConfirmations[txid] = 0

		for _, uuid := range r.state.TxTrackerMap[txid] {
			tracker, err := r.cfg.DB.LoadResponderTracker(uuid)
			if err != nil {
				return fmt.Errorf("unable to load tracker "+
					"%v: %w", uuid, err)
			}

			r.log.Warnf("Transaction has missed many "+
				"confirmations. Rebroadcasting: txid=%v, "+
				"uuid=%v", txid, uuid)

			receipt, err := r.cfg.Carrier.SendTransaction(
				tracker.PenaltyRawTx, txid,
			)
			if err != nil {
				return err
			}
			if !receipt.Delivered {
				r.log.Warnf("Rebroadcast failed: txid=%v, "+
					"reason=%d", txid, receipt.Reason)
			}
		}
	}

	return nil
}

// handleReorgs checks every tracker against the new best chain. Penalties
// that were reorged out are broadcast again as long as their dispute is still
// around. Trackers whose dispute vanished are only reported.
func (r *Responder) handleReorgs(blockHash chainhash.Hash) error {
	r.mu.RLock()
	uuids := make([]wtdb.UUID, 0, len(r.state.Trackers))
	for uuid := range r.state.Trackers {
		uuids = append(uuids, uuid)
	}
	r.mu.RUnlock()

	for _, uuid := range uuids {
		tracker, err := r.cfg.DB.LoadResponderTracker(uuid)
		if err != nil {
			return fmt.Errorf("unable to load tracker %v: %w",
				uuid, err)
		}

		r.log.Debugf("Checking tracker after reorg: %v",
			spewClosure(tracker))

		dispute, err := r.cfg.Carrier.GetTransaction(
			tracker.DisputeTxID,
		)
		if err != nil {
			return err
		}
		if dispute == nil {
			r.log.Warnf("Dispute and penalty transaction missing: "+
				"uuid=%v, dispute_txid=%v", uuid,
				tracker.DisputeTxID)
			r.log.Error("Reorg manager not yet implemented")

			continue
		}

		penalty, err := r.cfg.Carrier.GetTransaction(
			tracker.PenaltyTxID,
		)
		if err != nil {
			return err
		}

		switch {
		case penalty == nil:
			r.log.Warnf("Penalty transaction banished. Resetting "+
				"the tracker: uuid=%v, penalty_txid=%v", uuid,
				tracker.PenaltyTxID)

			_, err := r.HandleBreach(&BreachInfo{
				UUID:         uuid,
				Locator:      tracker.Locator,
				DisputeTxID:  tracker.DisputeTxID,
				PenaltyTxID:  tracker.PenaltyTxID,
				PenaltyRawTx: tracker.PenaltyRawTx,
				UserID:       tracker.UserID,
			}, blockHash)
			if err != nil {
				return err
			}

		case penalty.Confirmations == 0:
			r.log.Infof("Penalty transaction back in mempool: "+
				"uuid=%v, penalty_txid=%v", uuid,
				tracker.PenaltyTxID)

			r.mu.Lock()
			r.unconfirmedTxs[tracker.PenaltyTxID] = struct{}{}
			r.mu.Unlock()
		}
	}

	return nil
}

// logClosure defers building a log message until it is actually logged.
type logClosure func() string

func (c logClosure) String() string {
	return c()
}

func spewClosure(v any) logClosure {
	return func() string {
		return spew.Sdump(v)
	}
}
