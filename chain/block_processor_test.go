package chain_test

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/towerd/chain"
	"github.com/lightningnetwork/towerd/wtmock"
	"github.com/stretchr/testify/require"
)

func newTestProcessor(t *testing.T) (*chain.BlockProcessor, *wtmock.Chain) {
	backend := wtmock.NewChain()
	p := chain.NewBlockProcessor(chain.ProcessorConfig{
		Conn:          backend,
		RetryInterval: 10 * time.Millisecond,
	})
	t.Cleanup(p.Stop)

	return p, backend
}

// TestGetBlock checks block decoding and the not found case.
func TestGetBlock(t *testing.T) {
	p, backend := newTestProcessor(t)

	dispute := wtmock.NewTx()
	genesis := backend.Tip()
	hash := backend.MineBlock(dispute)

	block, err := p.GetBlock(&hash, false)
	require.NoError(t, err)
	require.Equal(t, hash, block.Hash)
	require.Equal(t, genesis, block.PrevHash)
	require.Equal(t, uint32(1), block.Height)
	require.Contains(t, block.Txids, dispute.TxHash())
	require.True(t, block.InBestChain())

	_, err = p.GetBlock(&chainhash.Hash{0xff}, false)
	require.ErrorIs(t, err, chain.ErrBlockNotFound)

	_, err = p.IsBlockInBestChain(&chainhash.Hash{0xff}, false)
	require.ErrorIs(t, err, chain.ErrBlockNotFound)

	count, err := p.GetBlockCount(false)
	require.NoError(t, err)
	require.Equal(t, uint32(1), count)
}

// TestUnreachableNode asserts non-blocking calls fail fast while blocking
// calls wait for the node to come back.
func TestUnreachableNode(t *testing.T) {
	p, backend := newTestProcessor(t)

	backend.SetOffline(true)

	_, err := p.GetBestBlockHash(false)
	require.ErrorIs(t, err, chain.ErrNodeUnreachable)

	done := make(chan error, 1)
	go func() {
		_, err := p.GetBestBlockHash(true)
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("blocking call returned while offline: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	backend.SetOffline(false)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocking call did not return")
	}

	// Stop interrupts a blocking call.
	backend.SetOffline(true)
	go func() {
		_, err := p.GetBlockCount(true)
		done <- err
	}()
	p.Stop()

	select {
	case err := <-done:
		require.ErrorIs(t, err, chain.ErrShuttingDown)
	case <-time.After(time.Second):
		t.Fatal("blocking call not interrupted")
	}
}

// TestRetryInterval checks blocking calls only try again once the retry
// interval elapsed.
func TestRetryInterval(t *testing.T) {
	backend := wtmock.NewChain()
	start := time.Unix(1_000_000, 0)
	tickSignal := make(chan time.Duration, 1)
	testClock := clock.NewTestClockWithTickSignal(start, tickSignal)

	p := chain.NewBlockProcessor(chain.ProcessorConfig{
		Conn:          backend,
		RetryInterval: time.Minute,
		Clock:         testClock,
	})
	t.Cleanup(p.Stop)

	backend.SetOffline(true)

	done := make(chan error, 1)
	go func() {
		_, err := p.GetBlockCount(true)
		done <- err
	}()

	select {
	case interval := <-tickSignal:
		require.Equal(t, time.Minute, interval)
	case <-time.After(time.Second):
		t.Fatal("no retry scheduled")
	}

	// The node is back but the interval did not elapse yet.
	backend.SetOffline(false)
	select {
	case err := <-done:
		t.Fatalf("call retried too early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	testClock.SetTime(start.Add(time.Minute))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("call not retried")
	}
}

// TestGetMissedBlocks checks missed blocks are returned oldest first.
func TestGetMissedBlocks(t *testing.T) {
	p, backend := newTestProcessor(t)

	lastKnown := backend.MineEmptyBlock()
	mined := backend.MineBlocks(5)

	missed, err := p.GetMissedBlocks(&lastKnown, false)
	require.NoError(t, err)
	require.Equal(t, mined, missed)

	tip := backend.Tip()
	missed, err = p.GetMissedBlocks(&tip, false)
	require.NoError(t, err)
	require.Empty(t, missed)

	distance, err := p.GetDistanceToTip(&lastKnown, false)
	require.NoError(t, err)
	require.Equal(t, uint32(5), distance)
}

// TestFindLastCommonAncestor reorgs the chain and walks back from a stale
// block.
func TestFindLastCommonAncestor(t *testing.T) {
	p, backend := newTestProcessor(t)

	backend.MineBlocks(3)
	forkPoint := backend.Tip()

	dispute := wtmock.NewTx()
	backend.MineBlock(dispute)
	stale := backend.MineEmptyBlock()

	backend.Reorg(3, 3)

	inBest, err := p.IsBlockInBestChain(&stale, false)
	require.NoError(t, err)
	require.False(t, inBest)

	ancestor, dropped, err := p.FindLastCommonAncestor(&stale, false)
	require.NoError(t, err)
	require.Equal(t, forkPoint, ancestor)
	require.Contains(t, dropped, dispute.TxHash())

	// A block of the best chain is its own ancestor.
	ancestor, dropped, err = p.FindLastCommonAncestor(&forkPoint, false)
	require.NoError(t, err)
	require.Equal(t, forkPoint, ancestor)
	require.Empty(t, dropped)
}

// TestDecodeRawTransaction checks malformed transactions are reported.
func TestDecodeRawTransaction(t *testing.T) {
	p, _ := newTestProcessor(t)

	tx := wtmock.NewTx()
	decoded, err := p.DecodeRawTransaction(wtmock.Serialize(tx))
	require.NoError(t, err)
	require.Equal(t, tx.TxHash(), decoded.TxHash())

	_, err = p.DecodeRawTransaction([]byte("garbage"))
	require.ErrorIs(t, err, chain.ErrInvalidTransactionFormat)
}
