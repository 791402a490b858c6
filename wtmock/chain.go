package wtmock

import (
	"encoding/binary"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ErrOffline is returned by every call while the chain is set offline. It
// is the dial error a client gets from a node that is down.
var ErrOffline error = &net.OpError{
	Op:  "dial",
	Net: "tcp",
	Err: os.NewSyscallError("connect", syscall.ECONNREFUSED),
}

type mockBlock struct {
	hash   chainhash.Hash
	prev   chainhash.Hash
	height int64
	txs    []*wire.MsgTx
}

// Chain is an in-memory bitcoind. It implements chain.Conn and lets tests
// mine blocks, fork the chain and control how broadcasts are answered.
type Chain struct {
	mu sync.Mutex

	blocks   map[chainhash.Hash]*mockBlock
	best     []chainhash.Hash
	mempool  map[chainhash.Hash]*wire.MsgTx
	rejected map[chainhash.Hash]btcjson.RPCErrorCode
	offline  bool
	nonce    uint32

	// sent counts every SendRawTransaction call per txid.
	sent map[chainhash.Hash]int

	tips chan chainhash.Hash
}

// NewChain creates a chain holding only a genesis block.
func NewChain() *Chain {
	c := &Chain{
		blocks:   make(map[chainhash.Hash]*mockBlock),
		mempool:  make(map[chainhash.Hash]*wire.MsgTx),
		rejected: make(map[chainhash.Hash]btcjson.RPCErrorCode),
		sent:     make(map[chainhash.Hash]int),
		tips:     make(chan chainhash.Hash, 1000),
	}

	genesis := c.newBlock(chainhash.Hash{}, 0, []*wire.MsgTx{NewTx()})
	c.best = []chainhash.Hash{genesis.hash}

	return c
}

func (c *Chain) newBlock(prev chainhash.Hash, height int64,
	txs []*wire.MsgTx) *mockBlock {

	c.nonce++

	var preimage []byte
	preimage = append(preimage, prev[:]...)
	preimage = binary.BigEndian.AppendUint64(preimage, uint64(height))
	preimage = binary.BigEndian.AppendUint32(preimage, c.nonce)
	for _, tx := range txs {
		txid := tx.TxHash()
		preimage = append(preimage, txid[:]...)
	}

	b := &mockBlock{
		hash:   chainhash.DoubleHashH(preimage),
		prev:   prev,
		height: height,
		txs:    txs,
	}
	c.blocks[b.hash] = b

	return b
}

// Tip returns the hash of the best block.
func (c *Chain) Tip() chainhash.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.best[len(c.best)-1]
}

// Height returns the height of the best block.
func (c *Chain) Height() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return int64(len(c.best) - 1)
}

// BlockAt returns the hash of the best chain block at height.
func (c *Chain) BlockAt(height int64) chainhash.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.best[height]
}

// Tips delivers the hash of every new best block, mimicking a zmq
// hashblock feed.
func (c *Chain) Tips() <-chan chainhash.Hash {
	return c.tips
}

// MineBlock mines a block on top of the tip holding the mempool and the
// extra transactions. The mempool is emptied.
func (c *Chain) MineBlock(extra ...*wire.MsgTx) chainhash.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()

	txs := []*wire.MsgTx{NewTx()}
	for _, tx := range c.mempool {
		txs = append(txs, tx)
	}
	txs = append(txs, extra...)
	c.mempool = make(map[chainhash.Hash]*wire.MsgTx)

	return c.extend(txs)
}

// MineEmptyBlock mines a block holding only a coinbase, leaving the mempool
// untouched.
func (c *Chain) MineEmptyBlock() chainhash.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.extend([]*wire.MsgTx{NewTx()})
}

// MineBlocks mines n blocks holding only coinbases and returns their hashes.
func (c *Chain) MineBlocks(n int) []chainhash.Hash {
	hashes := make([]chainhash.Hash, 0, n)
	for i := 0; i < n; i++ {
		hashes = append(hashes, c.MineEmptyBlock())
	}

	return hashes
}

func (c *Chain) extend(txs []*wire.MsgTx) chainhash.Hash {
	tip := c.best[len(c.best)-1]
	b := c.newBlock(tip, int64(len(c.best)), txs)
	c.best = append(c.best, b.hash)

	select {
	case c.tips <- b.hash:
	default:
	}

	return b.hash
}

// Reorg disconnects every block above forkHeight and connects n new blocks
// holding only coinbases. Transactions of disconnected blocks are dropped,
// not returned to the mempool. The hashes of the new blocks are returned.
func (c *Chain) Reorg(forkHeight int64, n int) []chainhash.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.best = c.best[:forkHeight+1]

	hashes := make([]chainhash.Hash, 0, n)
	for i := 0; i < n; i++ {
		hashes = append(hashes, c.extend([]*wire.MsgTx{NewTx()}))
	}

	return hashes
}

// ReorgWith disconnects every block above forkHeight and connects one block
// holding txs.
func (c *Chain) ReorgWith(forkHeight int64,
	txs ...*wire.MsgTx) chainhash.Hash {

	c.mu.Lock()
	defer c.mu.Unlock()

	c.best = c.best[:forkHeight+1]

	return c.extend(append([]*wire.MsgTx{NewTx()}, txs...))
}

// AddToMempool adds tx to the mempool without going through
// SendRawTransaction.
func (c *Chain) AddToMempool(tx *wire.MsgTx) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.mempool[tx.TxHash()] = tx
}

// InMempool reports whether txid is in the mempool.
func (c *Chain) InMempool(txid chainhash.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.mempool[txid]
	return ok
}

// DropFromMempool evicts txid from the mempool.
func (c *Chain) DropFromMempool(txid chainhash.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.mempool, txid)
}

// RejectTx makes every broadcast of txid fail with code.
func (c *Chain) RejectTx(txid chainhash.Hash, code btcjson.RPCErrorCode) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rejected[txid] = code
}

// SetOffline makes every call fail as if the node was down.
func (c *Chain) SetOffline(offline bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.offline = offline
}

// SentCount returns how many times txid was passed to SendRawTransaction.
func (c *Chain) SentCount(txid chainhash.Hash) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sent[txid]
}

// confirmationsLocked returns the depth of txid in the best chain, or false
// if it is not confirmed.
func (c *Chain) confirmationsLocked(txid chainhash.Hash) (int64, bool) {
	for i := len(c.best) - 1; i >= 0; i-- {
		for _, tx := range c.blocks[c.best[i]].txs {
			if tx.TxHash() == txid {
				return int64(len(c.best) - i), true
			}
		}
	}

	return 0, false
}

// blockConfirmationsLocked returns the depth of hash, or -1 if it is not
// part of the best chain.
func (c *Chain) blockConfirmationsLocked(b *mockBlock) int64 {
	if b.height < int64(len(c.best)) && c.best[b.height] == b.hash {
		return int64(len(c.best)) - b.height
	}

	return -1
}

// GetBestBlockHash returns the hash of the best block.
func (c *Chain) GetBestBlockHash() (*chainhash.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.offline {
		return nil, ErrOffline
	}

	tip := c.best[len(c.best)-1]
	return &tip, nil
}

// GetBlockCount returns the height of the best block.
func (c *Chain) GetBlockCount() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.offline {
		return 0, ErrOffline
	}

	return int64(len(c.best) - 1), nil
}

// GetBlockVerbose returns a known block, whether or not it is part of the
// best chain.
func (c *Chain) GetBlockVerbose(
	hash *chainhash.Hash) (*btcjson.GetBlockVerboseResult, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.offline {
		return nil, ErrOffline
	}

	b, ok := c.blocks[*hash]
	if !ok {
		return nil, btcjson.NewRPCError(
			btcjson.ErrRPCInvalidAddressOrKey, "Block not found",
		)
	}

	res := &btcjson.GetBlockVerboseResult{
		Hash:          b.hash.String(),
		Height:        b.height,
		Confirmations: c.blockConfirmationsLocked(b),
	}
	if b.height > 0 {
		res.PreviousHash = b.prev.String()
	}
	for _, tx := range b.txs {
		res.Tx = append(res.Tx, tx.TxHash().String())
	}

	return res, nil
}

// GetRawTransactionVerbose looks a transaction up in the mempool and the
// best chain.
func (c *Chain) GetRawTransactionVerbose(
	txid *chainhash.Hash) (*btcjson.TxRawResult, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.offline {
		return nil, ErrOffline
	}

	if _, ok := c.mempool[*txid]; ok {
		return &btcjson.TxRawResult{Txid: txid.String()}, nil
	}

	if confs, ok := c.confirmationsLocked(*txid); ok {
		return &btcjson.TxRawResult{
			Txid:          txid.String(),
			Confirmations: uint64(confs),
		}, nil
	}

	return nil, btcjson.NewRPCError(
		btcjson.ErrRPCInvalidAddressOrKey,
		"No such mempool or blockchain transaction",
	)
}

// SendRawTransaction adds tx to the mempool. Transactions already confirmed
// are refused with code -27, and those registered through RejectTx with the
// registered code.
func (c *Chain) SendRawTransaction(tx *wire.MsgTx,
	_ bool) (*chainhash.Hash, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.offline {
		return nil, ErrOffline
	}

	txid := tx.TxHash()
	c.sent[txid]++

	if code, ok := c.rejected[txid]; ok {
		return nil, btcjson.NewRPCError(code, "transaction rejected")
	}

	if _, ok := c.confirmationsLocked(txid); ok {
		return nil, btcjson.NewRPCError(
			-27, "Transaction already in block chain",
		)
	}

	c.mempool[txid] = tx

	return &txid, nil
}
