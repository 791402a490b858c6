package chain

import (
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Conn is the subset of bitcoind's JSON-RPC interface used by the tower. It
// is satisfied by *rpcclient.Client.
type Conn interface {
	// GetBestBlockHash returns the hash of the best chain tip.
	GetBestBlockHash() (*chainhash.Hash, error)

	// GetBlockCount returns the height of the best chain tip.
	GetBlockCount() (int64, error)

	// GetBlockVerbose returns a block with its transaction ids.
	GetBlockVerbose(blockHash *chainhash.Hash) (
		*btcjson.GetBlockVerboseResult, error)

	// GetRawTransactionVerbose looks a transaction up in the mempool and
	// the chain.
	GetRawTransactionVerbose(txHash *chainhash.Hash) (
		*btcjson.TxRawResult, error)

	// SendRawTransaction submits a transaction to the node's mempool.
	SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (
		*chainhash.Hash, error)
}
