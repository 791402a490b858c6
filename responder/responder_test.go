package responder_test

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/towerd/blockqueue"
	"github.com/lightningnetwork/towerd/chain"
	"github.com/lightningnetwork/towerd/responder"
	"github.com/lightningnetwork/towerd/wtdb"
	"github.com/lightningnetwork/towerd/wtmock"
	"github.com/stretchr/testify/require"
)

// mockGatekeeper records the appointments it is told to delete and reports
// a fixed set of outdated appointments per height.
type mockGatekeeper struct {
	mu       sync.Mutex
	outdated map[uint32][]wtdb.UUID
	deleted  map[wtdb.UUID]wtdb.UserID
}

func newMockGatekeeper() *mockGatekeeper {
	return &mockGatekeeper{
		outdated: make(map[uint32][]wtdb.UUID),
		deleted:  make(map[wtdb.UUID]wtdb.UserID),
	}
}

func (m *mockGatekeeper) GetOutdatedAppointments(height uint32) []wtdb.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.outdated[height]
}

func (m *mockGatekeeper) DeleteAppointments(
	appointments map[wtdb.UUID]wtdb.UserID) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	for uuid, userID := range appointments {
		m.deleted[uuid] = userID
	}

	return nil
}

func (m *mockGatekeeper) setOutdated(height uint32, uuids ...wtdb.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.outdated[height] = uuids
}

func (m *mockGatekeeper) wasDeleted(uuid wtdb.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.deleted[uuid]

	return ok
}

type responderHarness struct {
	t         *testing.T
	backend   *wtmock.Chain
	carrier   *chain.Carrier
	processor *chain.BlockProcessor
	queue     *blockqueue.Queue
	db        *wtdb.AppointmentsDB
	gk        *mockGatekeeper
	responder *responder.Responder
}

func newResponderHarness(t *testing.T) *responderHarness {
	t.Helper()

	backend := wtmock.NewChain()
	backend.MineBlocks(10)

	processor := chain.NewBlockProcessor(chain.ProcessorConfig{
		Conn:          backend,
		RetryInterval: 10 * time.Millisecond,
	})
	t.Cleanup(processor.Stop)

	carrier := chain.NewCarrier(chain.CarrierConfig{
		Conn:          backend,
		RetryInterval: 10 * time.Millisecond,
	})
	t.Cleanup(carrier.Stop)

	store, err := wtdb.NewMemLevelStore()
	require.NoError(t, err)
	db, err := wtdb.NewAppointmentsDB(store)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	queue := blockqueue.New()
	queue.Start()
	t.Cleanup(queue.Stop)

	gk := newMockGatekeeper()

	r, err := responder.New(responder.Config{
		Carrier:        carrier,
		Blocks:         processor,
		Gatekeeper:     gk,
		DB:             db,
		BlockQueue:     queue,
		LastKnownBlock: backend.Tip(),
		FatalError: func(err error) {
			t.Errorf("unexpected fatal error: %v", err)
		},
	})
	require.NoError(t, err)
	require.NoError(t, r.Start())
	t.Cleanup(r.Stop)

	return &responderHarness{
		t:         t,
		backend:   backend,
		carrier:   carrier,
		processor: processor,
		queue:     queue,
		db:        db,
		gk:        gk,
		responder: r,
	}
}

// process hands hashes to the responder and waits until they are all
// processed.
func (h *responderHarness) process(hashes ...chainhash.Hash) {
	h.t.Helper()

	for _, hash := range hashes {
		msg, err := h.queue.Push(hash)
		require.NoError(h.t, err)
		require.NoError(h.t, msg.Wait(h.t.Context()))
	}
}

// mine mines n blocks, the first one holding txs, and processes them one
// by one.
func (h *responderHarness) mine(n int, txs ...*wire.MsgTx) {
	h.t.Helper()

	h.process(h.backend.MineBlock(txs...))
	for i := 1; i < n; i++ {
		h.process(h.backend.MineEmptyBlock())
	}
}

// newBreach creates a confirmed dispute and the breach info sweeping it.
func (h *responderHarness) newBreach(user int) (*responder.BreachInfo,
	*wire.MsgTx) {

	dispute := wtmock.NewTx()
	penalty := wtmock.SpendingTx(dispute)

	var userID wtdb.UserID
	userID[0] = 0x02
	binary.BigEndian.PutUint32(userID[1:], uint32(user))

	disputeTxID := dispute.TxHash()
	locator := wtdb.ComputeLocator(&disputeTxID)

	return &responder.BreachInfo{
		UUID:         wtdb.NewUUID(locator, userID),
		Locator:      locator,
		DisputeTxID:  disputeTxID,
		PenaltyTxID:  penalty.TxHash(),
		PenaltyRawTx: wtmock.Serialize(penalty),
		UserID:       userID,
	}, dispute
}

func (h *responderHarness) requireGone(uuid wtdb.UUID) {
	h.t.Helper()

	require.False(h.t, h.responder.HasTracker(uuid))
	_, err := h.db.LoadResponderTracker(uuid)
	require.ErrorIs(h.t, err, wtdb.ErrNotFound)
}

// TestHandleBreach covers tracker creation on delivered and rejected
// penalties.
func TestHandleBreach(t *testing.T) {
	t.Parallel()

	h := newResponderHarness(t)

	breach, dispute := h.newBreach(1)
	h.mine(1, dispute)

	receipt, err := h.responder.HandleBreach(breach, h.backend.Tip())
	require.NoError(t, err)
	require.True(t, receipt.Delivered)

	require.True(t, h.responder.HasTracker(breach.UUID))
	require.True(t, h.responder.IsUnconfirmed(breach.PenaltyTxID))
	require.True(t, h.backend.InMempool(breach.PenaltyTxID))

	tracker, err := h.responder.GetTracker(breach.UUID)
	require.NoError(t, err)
	require.Equal(t, breach.PenaltyRawTx, tracker.PenaltyRawTx)
	require.Equal(t, breach.DisputeTxID, tracker.DisputeTxID)

	// A rejected penalty creates no state.
	rejected, _ := h.newBreach(2)
	h.backend.RejectTx(rejected.PenaltyTxID, chain.RPCVerifyRejected)

	receipt, err = h.responder.HandleBreach(rejected, h.backend.Tip())
	require.NoError(t, err)
	require.False(t, receipt.Delivered)
	require.Equal(t, chain.RPCVerifyRejected, receipt.Reason)
	h.requireGone(rejected.UUID)

	_, err = h.responder.GetTracker(rejected.UUID)
	require.ErrorIs(t, err, wtdb.ErrNotFound)

	// A penalty that is already confirmed is tracked as confirmed.
	confirmed, dispute := h.newBreach(3)
	penalty, err := chain.DecodeTransaction(confirmed.PenaltyRawTx)
	require.NoError(t, err)
	h.mine(1, dispute, penalty)

	receipt, err = h.responder.HandleBreach(confirmed, h.backend.Tip())
	require.NoError(t, err)
	require.True(t, receipt.Delivered)
	require.Equal(t, uint32(1), receipt.Confirmations)
	require.True(t, h.responder.HasTracker(confirmed.UUID))
	require.False(t, h.responder.IsUnconfirmed(confirmed.PenaltyTxID))
}

// TestTrackerCompletion follows a penalty until it is irrevocably resolved.
func TestTrackerCompletion(t *testing.T) {
	t.Parallel()

	h := newResponderHarness(t)

	breach, dispute := h.newBreach(1)
	h.mine(1, dispute)

	_, err := h.responder.HandleBreach(breach, h.backend.Tip())
	require.NoError(t, err)

	// The penalty is mined from the mempool.
	h.mine(1)
	require.False(t, h.responder.IsUnconfirmed(breach.PenaltyTxID))
	require.Zero(t, h.responder.NumUnconfirmed())

	h.mine(responder.IrrevocablyResolved - 2)
	require.True(t, h.responder.HasTracker(breach.UUID))

	h.mine(1)
	h.requireGone(breach.UUID)
	require.True(t, h.gk.wasDeleted(breach.UUID))
	require.Zero(t, h.responder.NumTrackers())
	require.Equal(t, h.backend.Tip(), h.responder.LastKnownBlock())

	last, err := h.db.LoadLastBlockHashResponder()
	require.NoError(t, err)
	require.Equal(t, h.backend.Tip(), *last)
}

// TestRebroadcast asserts a penalty missing ConfirmationsBeforeRetry blocks
// is sent again.
func TestRebroadcast(t *testing.T) {
	t.Parallel()

	h := newResponderHarness(t)

	breach, dispute := h.newBreach(1)
	h.mine(1, dispute)

	_, err := h.responder.HandleBreach(breach, h.backend.Tip())
	require.NoError(t, err)
	require.Equal(t, 1, h.backend.SentCount(breach.PenaltyTxID))

	h.backend.DropFromMempool(breach.PenaltyTxID)

	for i := 0; i < responder.ConfirmationsBeforeRetry-1; i++ {
		h.process(h.backend.MineEmptyBlock())
	}
	require.Equal(t, 1, h.backend.SentCount(breach.PenaltyTxID))

	h.process(h.backend.MineEmptyBlock())
	require.Equal(t, 2, h.backend.SentCount(breach.PenaltyTxID))
	require.True(t, h.backend.InMempool(breach.PenaltyTxID))
	require.True(t, h.responder.IsUnconfirmed(breach.PenaltyTxID))

	h.mine(1)
	require.False(t, h.responder.IsUnconfirmed(breach.PenaltyTxID))
}

// TestOutdatedTrackers asserts only unconfirmed trackers are dropped when
// their owner outdates.
func TestOutdatedTrackers(t *testing.T) {
	t.Parallel()

	h := newResponderHarness(t)

	unconfirmed, dispute1 := h.newBreach(1)
	confirmed, dispute2 := h.newBreach(2)
	h.mine(1, dispute1, dispute2)

	_, err := h.responder.HandleBreach(confirmed, h.backend.Tip())
	require.NoError(t, err)
	h.mine(1)
	require.False(t, h.responder.IsUnconfirmed(confirmed.PenaltyTxID))

	// The second penalty is delivered but never makes it into a block.
	_, err = h.responder.HandleBreach(unconfirmed, h.backend.Tip())
	require.NoError(t, err)
	h.backend.DropFromMempool(unconfirmed.PenaltyTxID)
	require.True(t, h.responder.IsUnconfirmed(unconfirmed.PenaltyTxID))

	next := uint32(h.backend.Height() + 1)
	h.gk.setOutdated(next, unconfirmed.UUID, confirmed.UUID)
	h.mine(1)

	h.requireGone(unconfirmed.UUID)
	require.True(t, h.gk.wasDeleted(unconfirmed.UUID))
	require.False(t, h.responder.IsUnconfirmed(unconfirmed.PenaltyTxID))

	require.True(t, h.responder.HasTracker(confirmed.UUID))
	require.False(t, h.gk.wasDeleted(confirmed.UUID))
}

// TestReorgPenaltyBanished asserts a penalty reorged out while its dispute
// survives is broadcast again.
func TestReorgPenaltyBanished(t *testing.T) {
	t.Parallel()

	h := newResponderHarness(t)

	breach, dispute := h.newBreach(1)
	h.mine(1, dispute)
	forkHeight := h.backend.Height()

	_, err := h.responder.HandleBreach(breach, h.backend.Tip())
	require.NoError(t, err)
	h.mine(1)
	require.False(t, h.responder.IsUnconfirmed(breach.PenaltyTxID))

	h.process(h.backend.Reorg(forkHeight, 2)...)

	require.Equal(t, 2, h.backend.SentCount(breach.PenaltyTxID))
	require.True(t, h.backend.InMempool(breach.PenaltyTxID))
	require.True(t, h.responder.HasTracker(breach.UUID))
	require.True(t, h.responder.IsUnconfirmed(breach.PenaltyTxID))
}

// TestReorgDisputeMissing asserts trackers whose dispute was reorged out are
// kept untouched.
func TestReorgDisputeMissing(t *testing.T) {
	t.Parallel()

	h := newResponderHarness(t)
	forkHeight := h.backend.Height()

	breach, dispute := h.newBreach(1)
	h.mine(1, dispute)

	_, err := h.responder.HandleBreach(breach, h.backend.Tip())
	require.NoError(t, err)
	h.mine(1)

	h.process(h.backend.Reorg(forkHeight, 3)...)

	require.True(t, h.responder.HasTracker(breach.UUID))
	require.Equal(t, 1, h.backend.SentCount(breach.PenaltyTxID))
}

// TestSeededTrackers checks trackers rebuilt from disk resume their state.
func TestSeededTrackers(t *testing.T) {
	t.Parallel()

	h := newResponderHarness(t)

	pending, dispute1 := h.newBreach(1)
	done, dispute2 := h.newBreach(2)
	penalty, err := chain.DecodeTransaction(done.PenaltyRawTx)
	require.NoError(t, err)
	h.backend.MineBlock(dispute1, dispute2, penalty)

	trackers := map[wtdb.UUID]wtdb.TrackerSummary{
		pending.UUID: {
			PenaltyTxID: pending.PenaltyTxID,
			UserID:      pending.UserID,
		},
		done.UUID: {
			PenaltyTxID: done.PenaltyTxID,
			UserID:      done.UserID,
		},
	}
	txTrackerMap := map[chainhash.Hash][]wtdb.UUID{
		pending.PenaltyTxID: {pending.UUID},
		done.PenaltyTxID:    {done.UUID},
	}

	r, err := responder.New(responder.Config{
		Carrier:        h.carrier,
		Blocks:         h.processor,
		Gatekeeper:     h.gk,
		DB:             h.db,
		BlockQueue:     blockqueue.New(),
		LastKnownBlock: h.backend.Tip(),
		Trackers:       trackers,
		TxTrackerMap:   txTrackerMap,
	})
	require.NoError(t, err)

	require.Equal(t, 2, r.NumTrackers())
	require.Equal(t, 1, r.NumUnconfirmed())
	require.True(t, r.IsUnconfirmed(pending.PenaltyTxID))
	require.False(t, r.IsUnconfirmed(done.PenaltyTxID))
	require.Equal(t, trackers, r.Trackers())
}
