package chain_test

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/lightningnetwork/towerd/chain"
	"github.com/lightningnetwork/towerd/wtmock"
	"github.com/stretchr/testify/require"
)

// failingConn is a node answering every height query with err and every
// block query with a block holding a malformed txid.
type failingConn struct {
	*wtmock.Chain

	err   error
	calls atomic.Int32
}

func (c *failingConn) GetBlockCount() (int64, error) {
	c.calls.Add(1)
	return 0, c.err
}

func (c *failingConn) GetBlockVerbose(
	hash *chainhash.Hash) (*btcjson.GetBlockVerboseResult, error) {

	c.calls.Add(1)

	return &btcjson.GetBlockVerboseResult{
		Hash:   hash.String(),
		Height: 1,
		Tx:     []string{"not a txid"},
	}, nil
}

// TestUnreachableErrors checks which failures are retried as an unreachable
// node and which are returned to the caller as they are.
func TestUnreachableErrors(t *testing.T) {
	t.Parallel()

	refused := &net.OpError{
		Op:  "dial",
		Net: "tcp",
		Err: os.NewSyscallError("connect", syscall.ECONNREFUSED),
	}

	tests := []struct {
		name        string
		err         error
		unreachable bool
	}{
		{
			name:        "connection refused",
			err:         refused,
			unreachable: true,
		},
		{
			name: "http client error",
			err: &url.Error{
				Op:  "Post",
				URL: "http://localhost:8332",
				Err: refused,
			},
			unreachable: true,
		},
		{
			name:        "connection reset",
			err:         fmt.Errorf("read: %w", syscall.ECONNRESET),
			unreachable: true,
		},
		{
			name:        "eof",
			err:         io.EOF,
			unreachable: true,
		},
		{
			name:        "client shutdown",
			err:         rpcclient.ErrClientShutdown,
			unreachable: true,
		},
		{
			name: "warming up",
			err: &btcjson.RPCError{
				Code:    btcjson.ErrRPCInWarmup,
				Message: "Loading block index...",
			},
			unreachable: true,
		},
		{
			name: "bad credentials",
			err: errors.New(`status code: 401, ` +
				`response: ""`),
		},
		{
			name: "rpc error",
			err: &btcjson.RPCError{
				Code:    chain.RPCVerifyRejected,
				Message: "bad-txns",
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			conn := &failingConn{
				Chain: wtmock.NewChain(),
				err:   test.err,
			}
			p := chain.NewBlockProcessor(chain.ProcessorConfig{
				Conn:          conn,
				RetryInterval: 10 * time.Millisecond,
			})
			t.Cleanup(p.Stop)

			_, err := p.GetBlockCount(false)
			require.ErrorIs(t, err, test.err)
			if test.unreachable {
				require.ErrorIs(
					t, err, chain.ErrNodeUnreachable,
				)

				return
			}
			require.NotErrorIs(t, err, chain.ErrNodeUnreachable)

			// A blocking call gives up right away too.
			_, err = p.GetBlockCount(true)
			require.ErrorIs(t, err, test.err)
			require.Equal(t, int32(2), conn.calls.Load())
		})
	}
}

// TestMalformedBlock asserts a block the node answered with, but that does
// not parse, is reported instead of retried.
func TestMalformedBlock(t *testing.T) {
	t.Parallel()

	backend := wtmock.NewChain()
	conn := &failingConn{Chain: backend}
	p := chain.NewBlockProcessor(chain.ProcessorConfig{
		Conn:          conn,
		RetryInterval: 10 * time.Millisecond,
	})
	t.Cleanup(p.Stop)

	tip := backend.Tip()
	done := make(chan error, 1)
	go func() {
		_, err := p.GetBlock(&tip, true)
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		require.NotErrorIs(t, err, chain.ErrNodeUnreachable)
		require.NotErrorIs(t, err, chain.ErrShuttingDown)
	case <-time.After(time.Second):
		t.Fatal("malformed block retried")
	}
	require.Equal(t, int32(1), conn.calls.Load())
}
