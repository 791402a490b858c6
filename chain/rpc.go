package chain

import (
	"github.com/btcsuite/btcd/rpcclient"
)

// RPCConfig describes how to reach bitcoind's JSON-RPC interface.
type RPCConfig struct {
	Host string
	User string
	Pass string
}

// NewRPCConn creates an HTTP POST mode client to bitcoind. No connection is
// made until the first call.
func NewRPCConn(cfg RPCConfig) (*rpcclient.Client, error) {
	return rpcclient.New(&rpcclient.ConnConfig{
		Host:                 cfg.Host,
		User:                 cfg.User,
		Pass:                 cfg.Pass,
		DisableConnectOnNew:  true,
		DisableAutoReconnect: false,
		DisableTLS:           true,
		HTTPPostMode:         true,
	}, nil)
}

// A compile-time check to ensure the rpc client implements Conn.
var _ Conn = (*rpcclient.Client)(nil)
