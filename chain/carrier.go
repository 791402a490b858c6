package chain

import (
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/lnd/clock"
)

// Receipt is the outcome of broadcasting a transaction.
type Receipt struct {
	// Delivered is true if the transaction is in the mempool or the
	// chain after the call.
	Delivered bool

	// Confirmations is the depth of the transaction if it was already
	// confirmed when broadcast.
	Confirmations uint32

	// Reason is the error code explaining why the transaction was not
	// delivered. It is zero for delivered transactions.
	Reason btcjson.RPCErrorCode
}

// TxInfo is what the node reports about a transaction.
type TxInfo struct {
	// TxID is the id of the transaction.
	TxID chainhash.Hash

	// Confirmations is zero while the transaction is in the mempool.
	Confirmations uint32
}

// CarrierConfig holds the dependencies of a Carrier.
type CarrierConfig struct {
	// Conn is the connection to bitcoind.
	Conn Conn

	// RetryInterval is how long calls wait before retrying an
	// unreachable node.
	RetryInterval time.Duration

	// Clock times the retries. Defaults to the wall clock.
	Clock clock.Clock

	// Log is the logger of the carrier.
	Log btclog.Logger
}

// Carrier broadcasts transactions and looks them up. Receipts are cached per
// transaction id until ClearReceipts is called, which the responder does
// once per block, so a transaction is sent at most once per block.
type Carrier struct {
	cfg CarrierConfig
	log btclog.Logger

	mu             sync.Mutex
	issuedReceipts map[chainhash.Hash]*Receipt

	quit     chan struct{}
	stopOnce sync.Once
}

// NewCarrier creates a Carrier talking to cfg.Conn.
func NewCarrier(cfg CarrierConfig) *Carrier {
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

	return &Carrier{
		cfg:            cfg,
		log:            log,
		issuedReceipts: make(map[chainhash.Hash]*Receipt),
		quit:           make(chan struct{}),
	}
}

// Stop aborts any call waiting for the node.
func (c *Carrier) Stop() {
	c.stopOnce.Do(func() {
		close(c.quit)
	})
}

// SendTransaction broadcasts rawTx, whose id is txid. Calls for a txid that
// was already sent since the last ClearReceipts return the cached receipt.
// Errors are only returned on shutdown; every node answer is classified into
// the receipt.
func (c *Carrier) SendTransaction(rawTx []byte,
	txid chainhash.Hash) (*Receipt, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	if receipt, ok := c.issuedReceipts[txid]; ok {
		c.log.Debugf("Transaction %v already sent in this block, "+
			"returning cached receipt", txid)

		return receipt, nil
	}

	receipt, err := c.send(rawTx, txid)
	if err != nil {
		return nil, err
	}
	c.issuedReceipts[txid] = receipt

	return receipt, nil
}

func (c *Carrier) send(rawTx []byte, txid chainhash.Hash) (*Receipt, error) {
	tx, err := DecodeTransaction(rawTx)
	if err != nil {
		c.log.Errorf("Transaction %v cannot be deserialized: %v",
			txid, err)

		return &Receipt{Reason: RPCDeserializationErr}, nil
	}

	c.log.Infof("Pushing transaction to the network: txid=%v", txid)

	err = retryUnreachable(
		c.log, c.quit, c.cfg.Clock, c.cfg.RetryInterval, true,
		func() error {
			_, err := c.cfg.Conn.SendRawTransaction(tx, true)
			return err
		},
	)
	if err == nil {
		c.log.Infof("Transaction successfully delivered: txid=%v",
			txid)

		return &Receipt{Delivered: true}, nil
	}
	if errors.Is(err, ErrShuttingDown) {
		return nil, err
	}

	code, _ := rpcCode(err)
	switch code {
	case RPCVerifyRejected:
		c.log.Errorf("Transaction %v couldn't be broadcast: %v", txid,
			err)

		return &Receipt{Reason: code}, nil

	case RPCVerifyError:
		c.log.Errorf("Transaction %v couldn't be verified: %v", txid,
			err)

		return &Receipt{Reason: code}, nil

	case RPCDeserializationErr:
		c.log.Errorf("Transaction %v cannot be deserialized by the "+
			"node: %v", txid, err)

		return &Receipt{Reason: code}, nil

	case RPCVerifyAlreadyInChain:
		c.log.Infof("Transaction is already in the blockchain: "+
			"txid=%v", txid)

		info, err := c.getTransaction(txid)
		if err != nil {
			return nil, err
		}

		// The transaction may have been reorged out between both
		// calls.
		if info == nil {
			return &Receipt{Reason: RPCTxReorgedAfterBroadcast}, nil
		}

		return &Receipt{
			Delivered:     true,
			Confirmations: info.Confirmations,
		}, nil

	default:
		c.log.Errorf("Unexpected error broadcasting %v: %v", txid, err)

		return &Receipt{Reason: UnknownJSONRPCException}, nil
	}
}

// GetTransaction looks txid up in the mempool and the chain. A nil TxInfo
// without error means the node does not know the transaction.
func (c *Carrier) GetTransaction(txid chainhash.Hash) (*TxInfo, error) {
	return c.getTransaction(txid)
}

func (c *Carrier) getTransaction(txid chainhash.Hash) (*TxInfo, error) {
	var res *btcjson.TxRawResult
	err := retryUnreachable(
		c.log, c.quit, c.cfg.Clock, c.cfg.RetryInterval, true,
		func() error {
			var err error
			res, err = c.cfg.Conn.GetRawTransactionVerbose(&txid)

			return err
		},
	)
	if code, ok := rpcCode(err); ok && code == RPCInvalidAddressOrKey {
		c.log.Debugf("Transaction not found in mempool nor "+
			"blockchain: txid=%v", txid)

		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &TxInfo{
		TxID:          txid,
		Confirmations: uint32(res.Confirmations),
	}, nil
}

// ClearReceipts forgets the receipts issued so far. It must be called once
// per processed block.
func (c *Carrier) ClearReceipts() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.issuedReceipts = make(map[chainhash.Hash]*Receipt)
}
