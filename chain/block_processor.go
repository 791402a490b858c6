package chain

import (
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/lnd/clock"
)

// DefaultRetryInterval is how long blocking calls wait before retrying an
// unreachable node.
const DefaultRetryInterval = 5 * time.Second

// Block is a block of the best chain, or of a fork, as reported by bitcoind.
type Block struct {
	// Hash is the hash of the block.
	Hash chainhash.Hash

	// PrevHash is the hash of the parent block.
	PrevHash chainhash.Hash

	// Height is the height of the block.
	Height uint32

	// Txids holds the ids of every transaction in the block.
	Txids []chainhash.Hash

	// Confirmations is the depth of the block in the best chain, or -1
	// if the block is not part of it.
	Confirmations int64
}

// InBestChain reports whether the block is part of the best chain.
func (b *Block) InBestChain() bool {
	return b.Confirmations >= 0
}

// ProcessorConfig holds the dependencies of a BlockProcessor.
type ProcessorConfig struct {
	// Conn is the connection to bitcoind.
	Conn Conn

	// RetryInterval is how long blocking calls wait between attempts.
	RetryInterval time.Duration

	// Clock times the retries. Defaults to the wall clock.
	Clock clock.Clock

	// Log is the logger of the block processor.
	Log btclog.Logger
}

// BlockProcessor decodes blocks and transactions and answers questions
// about the best chain. Every method that talks to the node takes a
// blocking flag: blocking calls retry until the node is reachable again,
// non-blocking calls return ErrNodeUnreachable immediately.
type BlockProcessor struct {
	cfg ProcessorConfig
	log btclog.Logger

	quit     chan struct{}
	stopOnce sync.Once
}

// NewBlockProcessor creates a BlockProcessor talking to cfg.Conn.
func NewBlockProcessor(cfg ProcessorConfig) *BlockProcessor {
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	log := cfg.Log
	if log == nil {
		log = btclog.Disabled
	}

	return &BlockProcessor{
		cfg:  cfg,
		log:  log,
		quit: make(chan struct{}),
	}
}

// Stop aborts any blocking call waiting for the node.
func (p *BlockProcessor) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
	})
}

// call runs f, retrying while the node is unreachable if blocking is set.
func (p *BlockProcessor) call(blocking bool, f func() error) error {
	return retryUnreachable(
		p.log, p.quit, p.cfg.Clock, p.cfg.RetryInterval, blocking, f,
	)
}

// retryUnreachable runs f until the node answers. Non-blocking calls give up
// after the first attempt.
func retryUnreachable(log btclog.Logger, quit <-chan struct{},
	clk clock.Clock, interval time.Duration, blocking bool,
	f func() error) error {

	for {
		err := f()
		if !isUnreachable(err) {
			return err
		}

		if !blocking {
			return fmt.Errorf("%w: %w", ErrNodeUnreachable, err)
		}

		log.Errorf("Cannot connect to bitcoind, retrying in %v: %v",
			interval, err)

		select {
		case <-clk.TickAfter(interval):
		case <-quit:
			return ErrShuttingDown
		}
	}
}

// GetBestBlockHash returns the hash of the best chain tip.
func (p *BlockProcessor) GetBestBlockHash(blocking bool) (*chainhash.Hash,
	error) {

	var hash *chainhash.Hash
	err := p.call(blocking, func() error {
		var err error
		hash, err = p.cfg.Conn.GetBestBlockHash()

		return err
	})
	if err != nil {
		return nil, err
	}

	return hash, nil
}

// GetBlockCount returns the height of the best chain tip.
func (p *BlockProcessor) GetBlockCount(blocking bool) (uint32, error) {
	var count int64
	err := p.call(blocking, func() error {
		var err error
		count, err = p.cfg.Conn.GetBlockCount()

		return err
	})
	if err != nil {
		return 0, err
	}

	return uint32(count), nil
}

// GetBlock fetches a block. ErrBlockNotFound is returned if the node does
// not know it.
func (p *BlockProcessor) GetBlock(hash *chainhash.Hash,
	blocking bool) (*Block, error) {

	var block *Block
	err := p.call(blocking, func() error {
		res, err := p.cfg.Conn.GetBlockVerbose(hash)
		if err != nil {
			return err
		}

		block = &Block{
			Hash:          *hash,
			Height:        uint32(res.Height),
			Confirmations: res.Confirmations,
			Txids:         make([]chainhash.Hash, 0, len(res.Tx)),
		}

		// The genesis block has no parent.
		if res.PreviousHash != "" {
			prev, err := chainhash.NewHashFromStr(res.PreviousHash)
			if err != nil {
				return err
			}
			block.PrevHash = *prev
		}

		for _, txid := range res.Tx {
			h, err := chainhash.NewHashFromStr(txid)
			if err != nil {
				return err
			}
			block.Txids = append(block.Txids, *h)
		}

		return nil
	})
	if code, ok := rpcCode(err); ok && code == RPCInvalidAddressOrKey {
		return nil, fmt.Errorf("%w: %v", ErrBlockNotFound, hash)
	}
	if err != nil {
		return nil, err
	}

	return block, nil
}

// DecodeRawTransaction deserializes a raw transaction.
func (p *BlockProcessor) DecodeRawTransaction(raw []byte) (*wire.MsgTx,
	error) {

	return DecodeTransaction(raw)
}

// DecodeTransaction deserializes a raw transaction, failing with
// ErrInvalidTransactionFormat on malformed input.
func DecodeTransaction(raw []byte) (*wire.MsgTx, error) {
	tx, err := btcutil.NewTxFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransactionFormat,
			err)
	}

	return tx.MsgTx(), nil
}

// GetDistanceToTip returns how many blocks the tip is ahead of hash, or
// ErrBlockNotFound if the node does not know hash.
func (p *BlockProcessor) GetDistanceToTip(hash *chainhash.Hash,
	blocking bool) (uint32, error) {

	block, err := p.GetBlock(hash, blocking)
	if err != nil {
		return 0, err
	}

	count, err := p.GetBlockCount(blocking)
	if err != nil {
		return 0, err
	}

	if count < block.Height {
		return 0, nil
	}

	return count - block.Height, nil
}

// GetMissedBlocks returns the hashes of the best chain blocks on top of
// lastKnown, oldest first. lastKnown must be part of the best chain.
func (p *BlockProcessor) GetMissedBlocks(lastKnown *chainhash.Hash,
	blocking bool) ([]chainhash.Hash, error) {

	tip, err := p.GetBestBlockHash(blocking)
	if err != nil {
		return nil, err
	}

	var missed []chainhash.Hash
	current := *tip
	for current != *lastKnown {
		block, err := p.GetBlock(&current, blocking)
		if err != nil {
			return nil, err
		}

		missed = append(missed, current)

		if block.Height == 0 {
			return nil, fmt.Errorf("block %v is not an ancestor "+
				"of the tip", lastKnown)
		}
		current = block.PrevHash
	}

	for i, j := 0, len(missed)-1; i < j; i, j = i+1, j-1 {
		missed[i], missed[j] = missed[j], missed[i]
	}

	return missed, nil
}

// IsBlockInBestChain reports whether hash is part of the best chain. The
// call fails with ErrBlockNotFound if the node does not know the block.
func (p *BlockProcessor) IsBlockInBestChain(hash *chainhash.Hash,
	blocking bool) (bool, error) {

	block, err := p.GetBlock(hash, blocking)
	if err != nil {
		return false, err
	}

	return block.InBestChain(), nil
}

// FindLastCommonAncestor walks back from hash until a block of the best
// chain is found. It returns that block together with the transactions of
// the walked blocks that are no longer confirmed.
func (p *BlockProcessor) FindLastCommonAncestor(hash *chainhash.Hash,
	blocking bool) (chainhash.Hash, []chainhash.Hash, error) {

	var dropped []chainhash.Hash
	current := *hash
	for {
		block, err := p.GetBlock(&current, blocking)
		if err != nil {
			return chainhash.Hash{}, nil, err
		}

		if block.InBestChain() {
			return current, dropped, nil
		}

		dropped = append(dropped, block.Txids...)
		current = block.PrevHash
	}
}
