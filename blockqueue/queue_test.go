package blockqueue_test

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/towerd/blockqueue"
	"github.com/stretchr/testify/require"
)

// TestQueueOrder asserts messages come out in the order they were pushed
// and that acks are observed by the producer.
func TestQueueOrder(t *testing.T) {
	q := blockqueue.New()
	q.Start()
	defer q.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var msgs []*blockqueue.Message
	for i := 0; i < 50; i++ {
		m, err := q.Push(chainhash.Hash{byte(i)})
		require.NoError(t, err)
		msgs = append(msgs, m)
	}
	require.NoError(t, q.PushShutdown())

	for i := 0; i < 50; i++ {
		m, err := q.Next(ctx)
		require.NoError(t, err)
		require.False(t, m.Shutdown)
		require.Equal(t, chainhash.Hash{byte(i)}, m.Hash)
		m.Ack()
	}

	m, err := q.Next(ctx)
	require.NoError(t, err)
	require.True(t, m.Shutdown)

	for _, m := range msgs {
		require.NoError(t, m.Wait(ctx))
	}
}

// TestQueueWaitTimeout asserts Wait gives up with its context.
func TestQueueWaitTimeout(t *testing.T) {
	q := blockqueue.New()
	q.Start()
	defer q.Stop()

	m, err := q.Push(chainhash.Hash{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(
		context.Background(), 20*time.Millisecond,
	)
	defer cancel()
	require.ErrorIs(t, m.Wait(ctx), context.DeadlineExceeded)

	// Acking twice is harmless.
	m.Ack()
	m.Ack()
	require.NoError(t, m.Wait(context.Background()))
}

// TestQueueStopped asserts a stopped queue refuses work.
func TestQueueStopped(t *testing.T) {
	q := blockqueue.New()
	q.Start()
	q.Stop()

	_, err := q.Next(context.Background())
	require.ErrorIs(t, err, blockqueue.ErrQueueStopped)
}
