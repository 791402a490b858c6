package chainmonitor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/towerd/blockqueue"
	"github.com/lightningnetwork/towerd/chain"
	"github.com/lightningnetwork/towerd/wtmock"
	"github.com/stretchr/testify/require"
)

// mockZMQ feeds canned multipart messages to the chain monitor.
type mockZMQ struct {
	events chan [][]byte

	quit      chan struct{}
	closeOnce sync.Once
}

func newMockZMQ() *mockZMQ {
	return &mockZMQ{
		events: make(chan [][]byte),
		quit:   make(chan struct{}),
	}
}

func (m *mockZMQ) Receive(bufs [][]byte) ([][]byte, error) {
	select {
	case event := <-m.events:
		return event, nil
	case <-m.quit:
		return nil, io.EOF
	}
}

func (m *mockZMQ) Close() error {
	m.closeOnce.Do(func() {
		close(m.quit)
	})

	return nil
}

// announce publishes hash the way bitcoind does.
func (m *mockZMQ) announce(t *testing.T, hash chainhash.Hash) {
	raw := make([]byte, chainhash.HashSize)
	for i := range hash {
		raw[chainhash.HashSize-1-i] = hash[i]
	}

	select {
	case m.events <- [][]byte{[]byte(hashBlockTopic), raw, {0, 0, 0, 1}}:
	case <-time.After(5 * time.Second):
		t.Error("zmq event not consumed")
	}
}

type monitorHarness struct {
	t       *testing.T
	backend *wtmock.Chain
	ticker  *ticker.Force
	zmq     *mockZMQ
	queues  []*blockqueue.Queue
	monitor *ChainMonitor
}

func newMonitorHarness(t *testing.T) *monitorHarness {
	t.Helper()

	backend := wtmock.NewChain()
	backend.MineBlocks(5)

	processor := chain.NewBlockProcessor(chain.ProcessorConfig{
		Conn:          backend,
		RetryInterval: 10 * time.Millisecond,
	})
	t.Cleanup(processor.Stop)

	queues := make([]*blockqueue.Queue, 2)
	for i := range queues {
		queues[i] = blockqueue.New()
		queues[i].Start()
		t.Cleanup(queues[i].Stop)
	}

	forceTicker := ticker.NewForce(time.Hour)
	zmq := newMockZMQ()

	monitor, err := New(Config{
		Blocks:     processor,
		Queues:     queues,
		PollTicker: forceTicker,
		ZMQ:        zmq,
	})
	require.NoError(t, err)
	require.NoError(t, monitor.Start())
	t.Cleanup(monitor.Stop)

	require.Equal(t, backend.Tip(), monitor.BestTip())

	return &monitorHarness{
		t:       t,
		backend: backend,
		ticker:  forceTicker,
		zmq:     zmq,
		queues:  queues,
		monitor: monitor,
	}
}

func (h *monitorHarness) tick() {
	select {
	case h.ticker.Force <- time.Now():
	case <-time.After(5 * time.Second):
		h.t.Error("tick not consumed")
	}
}

// expect asserts every queue delivers hash next.
func (h *monitorHarness) expect(hash chainhash.Hash) {
	h.t.Helper()

	for _, q := range h.queues {
		ctx, cancel := context.WithTimeout(
			h.t.Context(), 5*time.Second,
		)
		msg, err := q.Next(ctx)
		cancel()

		require.NoError(h.t, err)
		require.False(h.t, msg.Shutdown)
		require.Equal(h.t, hash, msg.Hash)
		msg.Ack()
	}
}

// expectNothing asserts no queue has a pending message.
func (h *monitorHarness) expectNothing() {
	h.t.Helper()

	for _, q := range h.queues {
		ctx, cancel := context.WithTimeout(
			h.t.Context(), 50*time.Millisecond,
		)
		_, err := q.Next(ctx)
		cancel()

		require.ErrorIs(h.t, err, context.DeadlineExceeded)
	}
}

// TestPolling checks tips found through polling reach every queue once.
func TestPolling(t *testing.T) {
	t.Parallel()

	h := newMonitorHarness(t)

	// Nothing new on the first tick.
	h.tick()
	h.expectNothing()

	hash := h.backend.MineEmptyBlock()
	h.tick()
	h.expect(hash)

	h.tick()
	h.expectNothing()
}

// TestZMQ checks tips announced through zmq reach every queue, and that a
// tip seen through both sources is only forwarded once.
func TestZMQ(t *testing.T) {
	t.Parallel()

	h := newMonitorHarness(t)

	hash := h.backend.MineEmptyBlock()
	h.zmq.announce(t, hash)
	h.expect(hash)

	h.tick()
	h.expectNothing()

	// Garbage is ignored.
	h.zmq.events <- [][]byte{[]byte("rawtx"), {1, 2, 3}}
	h.zmq.events <- [][]byte{[]byte(hashBlockTopic), {1, 2, 3}}
	h.expectNothing()

	hash = h.backend.MineEmptyBlock()
	h.zmq.announce(t, hash)
	h.expect(hash)
}

// TestSameOrderEverywhere checks both sources racing over many tips never
// make the queues disagree.
func TestSameOrderEverywhere(t *testing.T) {
	t.Parallel()

	h := newMonitorHarness(t)
	hashes := h.backend.MineBlocks(20)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, hash := range hashes {
			h.zmq.announce(t, hash)
		}
	}()
	go func() {
		defer wg.Done()
		for range hashes {
			h.tick()
		}
	}()
	wg.Wait()

	var sequences [][]chainhash.Hash
	for _, q := range h.queues {
		var seen []chainhash.Hash
		for {
			ctx, cancel := context.WithTimeout(
				t.Context(), 200*time.Millisecond,
			)
			msg, err := q.Next(ctx)
			cancel()
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			require.NoError(t, err)
			msg.Ack()

			seen = append(seen, msg.Hash)
		}
		sequences = append(sequences, seen)
	}

	require.NotEmpty(t, sequences[0])
	require.Equal(t, sequences[0], sequences[1])
}

// TestUpdateState checks the tip window rules.
func TestUpdateState(t *testing.T) {
	t.Parallel()

	start := chainhash.Hash{0xff}
	monitor, err := New(Config{
		BestTip:    start,
		PollTicker: ticker.NewForce(time.Hour),
	})
	require.NoError(t, err)

	require.False(t, monitor.UpdateState(start))

	var tips []chainhash.Hash
	for i := range BlockWindowSize + 1 {
		tip := chainhash.Hash{byte(i + 1)}
		tips = append(tips, tip)

		require.True(t, monitor.UpdateState(tip))
		require.Equal(t, tip, monitor.BestTip())
	}

	// Tips within the window are refused, in any order.
	for _, tip := range tips[1:] {
		require.False(t, monitor.UpdateState(tip))
	}

	// The start tip and the first new tip left the window.
	require.True(t, monitor.UpdateState(start))
	require.True(t, monitor.UpdateState(tips[0]))
}

// TestStopSendsShutdown checks consumers are told to exit on stop.
func TestStopSendsShutdown(t *testing.T) {
	t.Parallel()

	h := newMonitorHarness(t)
	h.monitor.Stop()

	for _, q := range h.queues {
		msg, err := q.Next(t.Context())
		require.NoError(t, err)
		require.True(t, msg.Shutdown)
	}
}

func TestParseHashBlock(t *testing.T) {
	t.Parallel()

	hash := chainhash.DoubleHashH([]byte("block"))
	raw, err := chainhash.NewHashFromStr(hash.String())
	require.NoError(t, err)
	require.Equal(t, hash, *raw)

	display := make([]byte, chainhash.HashSize)
	for i := range hash {
		display[chainhash.HashSize-1-i] = hash[i]
	}

	parsed, err := parseHashBlock(
		[][]byte{[]byte(hashBlockTopic), display, {0, 0, 0, 0}},
	)
	require.NoError(t, err)
	require.Equal(t, hash, parsed)

	_, err = parseHashBlock([][]byte{[]byte("hashtx"), display})
	require.ErrorIs(t, err, errInvalidHashBlock)

	_, err = parseHashBlock([][]byte{[]byte(hashBlockTopic)})
	require.ErrorIs(t, err, errInvalidHashBlock)
}
