package wtmock

import (
	"bytes"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// txCounter makes every transaction created by NewTx unique.
var txCounter atomic.Uint64

// NewTx creates a transaction spending a unique, made up outpoint.
func NewTx() *wire.MsgTx {
	n := txCounter.Add(1)

	var prev chainhash.Hash
	for i := 0; i < 8; i++ {
		prev[i] = byte(n >> (8 * i))
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prev, 0), nil, nil))
	tx.AddTxOut(wire.NewTxOut(100_000, []byte{0x51}))

	return tx
}

// SpendingTx creates a transaction spending the first output of parent, in
// the shape of a penalty transaction sweeping a breached commitment.
func SpendingTx(parent *wire.MsgTx) *wire.MsgTx {
	parentID := parent.TxHash()

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&parentID, 0), nil, nil))
	tx.AddTxOut(wire.NewTxOut(90_000, []byte{0x51}))

	return tx
}

// Serialize returns the raw bytes of tx.
func Serialize(tx *wire.MsgTx) []byte {
	var b bytes.Buffer
	if err := tx.Serialize(&b); err != nil {
		panic(err)
	}

	return b.Bytes()
}
