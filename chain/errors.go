package chain

import (
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/rpcclient"
)

var (
	// ErrNodeUnreachable is returned by non-blocking calls when bitcoind
	// cannot be reached.
	ErrNodeUnreachable = errors.New("bitcoind unreachable")

	// ErrBlockNotFound is returned when the node does not know a block.
	ErrBlockNotFound = errors.New("block not found")

	// ErrInvalidTransactionFormat is returned when raw bytes do not
	// decode into a transaction.
	ErrInvalidTransactionFormat = errors.New("invalid transaction format")

	// ErrShuttingDown is returned by blocking calls interrupted by Stop.
	ErrShuttingDown = errors.New("block processor shutting down")
)

// Error codes returned by bitcoind that the carrier tells apart. The last two
// never come from the node and only label receipts.
const (
	RPCInvalidAddressOrKey  btcjson.RPCErrorCode = -5
	RPCDeserializationErr   btcjson.RPCErrorCode = -22
	RPCVerifyError          btcjson.RPCErrorCode = -25
	RPCVerifyRejected       btcjson.RPCErrorCode = -26
	RPCVerifyAlreadyInChain btcjson.RPCErrorCode = -27

	RPCTxReorgedAfterBroadcast btcjson.RPCErrorCode = -98
	UnknownJSONRPCException    btcjson.RPCErrorCode = -99
)

// rpcCode extracts the JSON-RPC error code of err, if the node answered with
// one.
func rpcCode(err error) (btcjson.RPCErrorCode, bool) {
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code, true
	}

	return 0, false
}

// isUnreachable reports whether err means the node could not be talked to,
// as opposed to the node answering with an error. A node still loading its
// indexes counts as unreachable.
func isUnreachable(err error) bool {
	if err == nil {
		return false
	}
	if code, ok := rpcCode(err); ok {
		return code == btcjson.ErrRPCInWarmup
	}

	var netErr net.Error
	switch {
	case errors.As(err, &netErr):
		return true

	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):

		return true

	case errors.Is(err, rpcclient.ErrClientNotConnected),
		errors.Is(err, rpcclient.ErrClientDisconnect),
		errors.Is(err, rpcclient.ErrClientShutdown):

		return true
	}

	return false
}
