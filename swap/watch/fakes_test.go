// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package watch

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/blocknetdx/xbridge-go/swap/order"
	"github.com/blocknetdx/xbridge-go/swap/wallet"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/slog"
)

func testLogger() slog.Logger {
	b := slog.NewBackend(os.Stdout)
	l := b.Logger("TEST")
	l.SetLevel(slog.LevelOff)
	return l
}

// fakeConnector is a minimal in-memory wallet.Connector exercising only the
// behavior the watchers depend on: block/mempool scanning, spend detection,
// and transaction construction that always succeeds.
type fakeConnector struct {
	mu sync.Mutex

	currency     string
	coin         uint64
	blockCount   uint32
	blockTxs     map[uint32][]string
	mempool      []string
	spends       map[string]spendRecord // spendingTxid -> what it spent
	scriptSigs   map[string][]byte      // spendingTxid -> scriptSig of its input 0
	broadcastErr error
	refundErr    error
	txCount      int
}

type spendRecord struct {
	binTxID string
	vout    uint32
}

func newFakeConnector(currency string) *fakeConnector {
	return &fakeConnector{
		currency: currency, coin: 100000000,
		blockTxs:   make(map[uint32][]string),
		spends:     make(map[string]spendRecord),
		scriptSigs: make(map[string][]byte),
	}
}

func (c *fakeConnector) recordSpend(spendingTxid, binTxID string, vout uint32, scriptSig []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spends[spendingTxid] = spendRecord{binTxID: binTxID, vout: vout}
	c.scriptSigs[spendingTxid] = scriptSig
}

func (c *fakeConnector) Currency() string { return c.currency }
func (c *fakeConnector) COIN() uint64     { return c.coin }
func (c *fakeConnector) Init() error      { return nil }

func (c *fakeConnector) GetUnspent(map[string]order.UtxoEntry) ([]order.UtxoEntry, error) {
	return nil, nil
}

func (c *fakeConnector) GetBlockCount() (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockCount, nil
}

func (c *fakeConnector) GetBlockHash(height uint32) (string, error) {
	return fmt.Sprintf("%064d", height), nil
}

func (c *fakeConnector) GetRawMempool() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mempool, nil
}

func (c *fakeConnector) GetTransactionsInBlock(blockHash string) ([]string, error) {
	var height uint32
	fmt.Sscanf(blockHash, "%d", &height)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockTxs[height], nil
}

func (c *fakeConnector) IsUTXOSpentInTx(txid, binTxID string, vout uint32) (bool, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.spends[txid]
	if !ok || rec.binTxID != binTxID || rec.vout != vout {
		return false, -1, nil
	}
	return true, 0, nil
}

func (c *fakeConnector) GetInputScriptSig(txid string, inputIndex int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scriptSigs[txid], nil
}

func (c *fakeConnector) SignMessage(string, []byte) ([65]byte, error) { return [65]byte{}, nil }
func (c *fakeConnector) NewKeyPair() ([33]byte, [32]byte, error)      { return [33]byte{}, [32]byte{}, nil }
func (c *fakeConnector) GetKeyID([33]byte) ([20]byte, error)          { return [20]byte{}, nil }
func (c *fakeConnector) PrivateKeyFor(string) ([32]byte, error)       { return [32]byte{}, nil }
func (c *fakeConnector) ToXAddr([20]byte) (string, error)             { return "", nil }
func (c *fakeConnector) FromXAddr(string) ([20]byte, error)           { return [20]byte{}, nil }
func (c *fakeConnector) ServiceAddresses() ([][20]byte, error)        { return nil, nil }
func (c *fakeConnector) IsDustAmount(float64) bool                    { return false }
func (c *fakeConnector) MinTxFee1(int, int) float64                   { return 0.0002 }
func (c *fakeConnector) MinTxFee2(int, int) float64                   { return 0.0001 }
func (c *fakeConnector) BlockTimeSecs() uint32                        { return 150 }
func (c *fakeConnector) RequiredConfirmations() uint32                { return 2 }
func (c *fakeConnector) ServiceNodeFeeAmount() float64                { return 0.015 }

func (c *fakeConnector) PayToScriptHash(redeemScript []byte) ([]byte, error) {
	return append([]byte{0xa9}, redeemScript...), nil
}
func (c *fakeConnector) PayToAddress(rawAddress [20]byte) ([]byte, error) {
	return append([]byte{0x76, 0xa9}, rawAddress[:]...), nil
}

func (c *fakeConnector) CreateRefundTransaction(wallet.RefundRequest) (*wire.MsgTx, error) {
	if c.refundErr != nil {
		return nil, c.refundErr
	}
	return wire.NewMsgTx(wire.TxVersion), nil
}
func (c *fakeConnector) CreatePaymentTransaction(wallet.PaymentRequest) (*wire.MsgTx, error) {
	return wire.NewMsgTx(wire.TxVersion), nil
}
func (c *fakeConnector) CreateDepositTransaction(wallet.DepositRequest) (*wire.MsgTx, error) {
	return wire.NewMsgTx(wire.TxVersion), nil
}
func (c *fakeConnector) CreateFeeTransaction(wallet.FeeTxRequest) (*wire.MsgTx, error) {
	return wire.NewMsgTx(wire.TxVersion), nil
}

func (c *fakeConnector) Broadcast(tx *wire.MsgTx) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broadcastErr != nil {
		return "", c.broadcastErr
	}
	c.txCount++
	return fmt.Sprintf("%064d", c.txCount+100), nil
}

func testRegistry(conns map[string]*fakeConnector) *wallet.Registry {
	r := wallet.New(func(currency string) (wallet.Connector, error) {
		c, ok := conns[currency]
		if !ok {
			return nil, fmt.Errorf("no fake connector for %s", currency)
		}
		return c, nil
	}, 4, testLogger())
	currencies := make([]string, 0, len(conns))
	for cur := range conns {
		currencies = append(currencies, cur)
	}
	r.Refresh(context.Background(), currencies)
	return r
}
