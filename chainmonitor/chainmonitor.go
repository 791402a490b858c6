// Package chainmonitor detects new chain tips and hands them to the tower's
// block processing loops.
package chainmonitor

import (
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/towerd/blockqueue"
)

const (
	// DefaultPollInterval is how often the node is polled for its best
	// block.
	DefaultPollInterval = time.Minute

	// BlockWindowSize is the number of previous tips remembered to avoid
	// notifying the same tip twice.
	BlockWindowSize = 10
)

// TipFetcher returns the node's best block.
type TipFetcher interface {
	// GetBestBlockHash returns the hash of the best chain tip.
	GetBestBlockHash(blocking bool) (*chainhash.Hash, error)
}

// Config holds the dependencies of the ChainMonitor.
type Config struct {
	// Blocks is polled for the best tip.
	Blocks TipFetcher

	// Queues receive every new tip, in the same order.
	Queues []*blockqueue.Queue

	// BestTip is the tip the consumers are synced to. If unset it is
	// fetched from Blocks on start.
	BestTip chainhash.Hash

	// PollTicker drives the polling source. Defaults to a ticker firing
	// every DefaultPollInterval.
	PollTicker ticker.Ticker

	// ZMQ is the push source. Polling is the only source if nil.
	ZMQ ZMQConn

	// Log is the logger of the chain monitor.
	Log btclog.Logger
}

// ChainMonitor watches the node for new tips through polling and ZMQ and
// forwards each of them once to every consumer queue.
type ChainMonitor struct {
	started sync.Once
	stopped sync.Once

	cfg Config
	log btclog.Logger

	// mu guards the tip state and serializes the fan-out so every queue
	// sees the same sequence of tips.
	mu       sync.Mutex
	bestTip  chainhash.Hash
	lastTips *queue.CircularBuffer

	gm *fn.GoroutineManager
}

// New creates a ChainMonitor.
func New(cfg Config) (*ChainMonitor, error) {
	log := cfg.Log
	if log == nil {
		log = btclog.Disabled
	}
	if cfg.PollTicker == nil {
		cfg.PollTicker = ticker.New(DefaultPollInterval)
	}

	lastTips, err := queue.NewCircularBuffer(BlockWindowSize)
	if err != nil {
		return nil, err
	}

	return &ChainMonitor{
		cfg:      cfg,
		log:      log,
		bestTip:  cfg.BestTip,
		lastTips: lastTips,
		gm:       fn.NewGoroutineManager(),
	}, nil
}

// Start launches the polling and ZMQ loops.
func (c *ChainMonitor) Start() error {
	var err error
	c.started.Do(func() {
		err = c.start()
	})

	return err
}

func (c *ChainMonitor) start() error {
	c.mu.Lock()
	if c.bestTip == (chainhash.Hash{}) {
		tip, err := c.cfg.Blocks.GetBestBlockHash(true)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		c.bestTip = *tip
	}
	c.log.Infof("Starting chain monitor: best_tip=%v", c.bestTip)
	c.mu.Unlock()

	c.cfg.PollTicker.Resume()
	c.gm.Go(context.Background(), c.pollTips)

	if c.cfg.ZMQ != nil {
		c.gm.Go(context.Background(), c.listenTips)
	}

	return nil
}

// Stop halts both sources and tells every consumer to exit.
func (c *ChainMonitor) Stop() {
	c.stopped.Do(func() {
		c.log.Info("Terminating chain monitor")

		c.cfg.PollTicker.Stop()
		if c.cfg.ZMQ != nil {
			if err := c.cfg.ZMQ.Close(); err != nil {
				c.log.Warnf("Unable to close zmq "+
					"subscription: %v", err)
			}
		}
		c.gm.Stop()

		c.mu.Lock()
		defer c.mu.Unlock()

		for _, q := range c.cfg.Queues {
			if err := q.PushShutdown(); err != nil {
				c.log.Debugf("Unable to push shutdown "+
					"message: %v", err)
			}
		}
	})
}

// BestTip returns the last tip handed to the consumers.
func (c *ChainMonitor) BestTip() chainhash.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.bestTip
}

// UpdateState makes candidate the best tip unless it is the current tip or
// one of the recently seen ones. It returns whether the tip was accepted.
func (c *ChainMonitor) UpdateState(candidate chainhash.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.updateStateLocked(candidate)
}

func (c *ChainMonitor) updateStateLocked(candidate chainhash.Hash) bool {
	if candidate == c.bestTip {
		return false
	}

	for _, item := range c.lastTips.List() {
		if item.(chainhash.Hash) == candidate {
			return false
		}
	}

	if c.bestTip != (chainhash.Hash{}) {
		c.lastTips.Add(c.bestTip)
	}
	c.bestTip = candidate

	return true
}

// notify forwards hash to every queue if it is a new tip.
func (c *ChainMonitor) notify(hash chainhash.Hash, source string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.updateStateLocked(hash) {
		return
	}

	c.log.Infof("New block received via %s: block_hash=%v", source,
		hash)

	for _, q := range c.cfg.Queues {
		if _, err := q.Push(hash); err != nil {
			c.log.Errorf("Unable to queue block %v: %v", hash,
				err)
		}
	}
}

// pollTips asks the node for its best block on every tick.
func (c *ChainMonitor) pollTips(ctx context.Context) {
	for {
		select {
		case <-c.cfg.PollTicker.Ticks():
			tip, err := c.cfg.Blocks.GetBestBlockHash(false)
			if err != nil {
				c.log.Warnf("Unable to poll best block: %v",
					err)
				continue
			}

			c.notify(*tip, "polling")

		case <-ctx.Done():
			return
		}
	}
}

// listenTips reads hashblock events from the ZMQ subscription.
func (c *ChainMonitor) listenTips(ctx context.Context) {
	var (
		command [len(hashBlockTopic)]byte
		hash    [chainhash.HashSize]byte
		seqNum  [seqNumLen]byte
	)

	for {
		if ctx.Err() != nil {
			return
		}

		bufs := [][]byte{command[:], hash[:], seqNum[:]}
		bufs, err := c.cfg.ZMQ.Receive(bufs)
		switch {
		case err == nil:

		case isClosed(err) || ctx.Err() != nil:
			return

		case isTimeout(err):
			c.log.Trace("Re-establishing timed out ZMQ block " +
				"connection")
			continue

		default:
			c.log.Errorf("Unable to receive ZMQ %v message: %v",
				hashBlockTopic, err)
			continue
		}

		tip, err := parseHashBlock(bufs)
		if err != nil {
			c.log.Warnf("Ignoring ZMQ message: %v", err)
			continue
		}

		c.notify(tip, "zmq")
	}
}
