package chainmonitor

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/gozmq"
)

const (
	// hashBlockTopic is the bitcoind ZMQ topic announcing new block
	// hashes.
	hashBlockTopic = "hashblock"

	// seqNumLen is the length of the sequence number trailing every
	// bitcoind ZMQ message.
	seqNumLen = 4
)

var errInvalidHashBlock = errors.New("invalid hashblock message")

// ZMQConn is a subscription to a bitcoind ZMQ publisher. *gozmq.Conn
// satisfies it.
type ZMQConn interface {
	// Receive reads the next multipart message into bufs.
	Receive(bufs [][]byte) ([][]byte, error)

	// Close tears the subscription down, unblocking Receive.
	Close() error
}

// SubscribeHashBlock subscribes to the hashblock topic of the bitcoind ZMQ
// publisher at addr. readDeadline bounds each read so the subscription can
// notice a dead publisher and reconnect.
func SubscribeHashBlock(addr string,
	readDeadline time.Duration) (*gozmq.Conn, error) {

	conn, err := gozmq.Subscribe(
		addr, []string{hashBlockTopic}, readDeadline,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to subscribe for zmq block "+
			"events: %w", err)
	}

	return conn, nil
}

// parseHashBlock decodes a hashblock message. bitcoind publishes the hash
// in RPC byte order.
func parseHashBlock(bufs [][]byte) (chainhash.Hash, error) {
	var hash chainhash.Hash

	if len(bufs) < 2 || string(bufs[0]) != hashBlockTopic {
		return hash, errInvalidHashBlock
	}

	raw := bufs[1]
	if len(raw) != chainhash.HashSize {
		return hash, fmt.Errorf("%w: hash length %d",
			errInvalidHashBlock, len(raw))
	}

	for i := range raw {
		hash[chainhash.HashSize-1-i] = raw[i]
	}

	return hash, nil
}

// isTimeout reports whether err is a read deadline expiring, after which
// the subscription reconnects on its own.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isClosed reports whether err means the subscription was closed.
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
