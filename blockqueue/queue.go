// Package blockqueue implements the per-consumer FIFO queues through which
// new chain tips are delivered to the watcher, the responder and the
// gatekeeper.
package blockqueue

import (
	"context"
	"errors"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ErrQueueStopped is returned when pushing to or reading from a stopped
// queue.
var ErrQueueStopped = errors.New("block queue stopped")

// Message is an item of a block queue. It either carries a block hash or
// asks the consumer to exit.
type Message struct {
	// Hash is the block to process. It is unset for shutdown messages.
	Hash chainhash.Hash

	// Shutdown tells the consumer loop to return.
	Shutdown bool

	done     chan struct{}
	doneOnce sync.Once
}

func newMessage(hash chainhash.Hash, shutdown bool) *Message {
	return &Message{
		Hash:     hash,
		Shutdown: shutdown,
		done:     make(chan struct{}),
	}
}

// Ack marks the message as fully processed.
func (m *Message) Ack() {
	m.doneOnce.Do(func() {
		close(m.done)
	})
}

// Wait blocks until the consumer acknowledges the message.
func (m *Message) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Queue is an unbounded FIFO of block messages with a single consumer.
// Producers never block on a slow consumer.
type Queue struct {
	queue *fn.ConcurrentQueue[*Message]

	startOnce sync.Once
	stopOnce  sync.Once
	quit      chan struct{}
}

// New creates a queue. Start must be called before it is used.
func New() *Queue {
	return &Queue{
		queue: fn.NewConcurrentQueue[*Message](10),
		quit:  make(chan struct{}),
	}
}

// Start starts the queue's forwarding goroutine.
func (q *Queue) Start() {
	q.startOnce.Do(q.queue.Start)
}

// Stop releases the queue. Pending messages are dropped.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.quit)
		q.queue.Stop()
	})
}

func (q *Queue) push(m *Message) (*Message, error) {
	select {
	case q.queue.ChanIn() <- m:
		return m, nil
	case <-q.quit:
		return nil, ErrQueueStopped
	}
}

// Push appends a block to the queue. The returned message can be waited on
// to learn when the consumer is done with it.
func (q *Queue) Push(hash chainhash.Hash) (*Message, error) {
	return q.push(newMessage(hash, false))
}

// PushShutdown appends the message telling the consumer to exit.
func (q *Queue) PushShutdown() error {
	_, err := q.push(newMessage(chainhash.Hash{}, true))
	return err
}

// Next blocks until a message is available.
func (q *Queue) Next(ctx context.Context) (*Message, error) {
	select {
	case m, ok := <-q.queue.ChanOut():
		if !ok {
			return nil, ErrQueueStopped
		}

		return m, nil
	case <-q.quit:
		return nil, ErrQueueStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
