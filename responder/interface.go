package responder

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/towerd/chain"
	"github.com/lightningnetwork/towerd/wtdb"
)

// BlockSource fetches decoded blocks from the backing node.
type BlockSource interface {
	// GetBlock fetches a block by hash.
	GetBlock(hash *chainhash.Hash, blocking bool) (*chain.Block, error)

	// GetDistanceToTip returns how many blocks the tip is ahead of hash.
	GetDistanceToTip(hash *chainhash.Hash, blocking bool) (uint32, error)
}

// Broadcaster pushes penalty transactions to the network and tracks them.
type Broadcaster interface {
	// SendTransaction broadcasts rawTx and classifies the outcome.
	SendTransaction(rawTx []byte, txid chainhash.Hash) (*chain.Receipt,
		error)

	// GetTransaction returns nil if the node does not know txid.
	GetTransaction(txid chainhash.Hash) (*chain.TxInfo, error)

	// ClearReceipts resets the per block broadcast cache.
	ClearReceipts()
}

// Gatekeeper is the view of the user registry needed by the responder.
type Gatekeeper interface {
	// GetOutdatedAppointments returns the appointments whose owner
	// outdated at height.
	GetOutdatedAppointments(height uint32) []wtdb.UUID

	// DeleteAppointments drops appointments from their owners' records.
	DeleteAppointments(appointments map[wtdb.UUID]wtdb.UserID) error
}
