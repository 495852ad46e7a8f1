// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package engine

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/blocknetdx/xbridge-go/dex"
	"github.com/blocknetdx/xbridge-go/swap/lockmgr"
	swapnet "github.com/blocknetdx/xbridge-go/swap/net"
	"github.com/blocknetdx/xbridge-go/swap/order"
	"github.com/blocknetdx/xbridge-go/swap/snode"
	"github.com/blocknetdx/xbridge-go/swap/wallet"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/slog"
)

func testLogger() slog.Logger {
	b := slog.NewBackend(os.Stdout)
	l := b.Logger("TEST")
	l.SetLevel(slog.LevelOff)
	return l
}

// fakeConnector is a minimal, fully in-memory wallet.Connector: real
// secp256k1 keys and fees computed from fixed constants, no RPC backend.
type fakeConnector struct {
	mu       sync.Mutex
	currency string
	coin     uint64
	unspent  []order.UtxoEntry
	keys     map[string][32]byte // address -> priv, populated by address()
	txCount  int
	dust     float64
	fee1     float64
	fee2     float64
	sfee     float64
}

func newFakeConnector(currency string) *fakeConnector {
	return &fakeConnector{
		currency: currency, coin: 100000000,
		keys: make(map[string][32]byte),
		dust: 0.00001, fee1: 0.0002, fee2: 0.0001, sfee: 0.015,
	}
}

// address derives a deterministic fake address string for a raw pubkey hash
// and remembers the private key behind it for PrivateKeyFor/SignMessage.
func (c *fakeConnector) address(priv [32]byte) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	k, _ := btcec.PrivKeyFromBytes(priv[:])
	var raw [20]byte
	copy(raw[:], chainhash.HashB(k.PubKey().SerializeCompressed())[:20])
	addr := fmt.Sprintf("%x", raw)
	c.keys[addr] = priv
	return addr
}

func (c *fakeConnector) addUnspent(addr string, amount float64) {
	c.unspent = append(c.unspent, order.UtxoEntry{
		Txid: fmt.Sprintf("%064d", len(c.unspent)+1), Vout: 0, Address: addr, Amount: amount,
	})
}

func (c *fakeConnector) Currency() string { return c.currency }
func (c *fakeConnector) COIN() uint64     { return c.coin }
func (c *fakeConnector) Init() error      { return nil }

func (c *fakeConnector) GetUnspent(excluded map[string]order.UtxoEntry) ([]order.UtxoEntry, error) {
	var out []order.UtxoEntry
	for _, u := range c.unspent {
		if _, locked := excluded[u.Key()]; locked {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func (c *fakeConnector) GetBlockCount() (uint32, error) { return 1000, nil }
func (c *fakeConnector) GetBlockHash(height uint32) (string, error) {
	return fmt.Sprintf("%064d", height), nil
}
func (c *fakeConnector) GetRawMempool() ([]string, error)                { return nil, nil }
func (c *fakeConnector) GetTransactionsInBlock(string) ([]string, error) { return nil, nil }
func (c *fakeConnector) IsUTXOSpentInTx(string, string, uint32) (bool, int, error) {
	return false, -1, nil
}
func (c *fakeConnector) GetInputScriptSig(string, int) ([]byte, error) { return nil, nil }

func (c *fakeConnector) SignMessage(address string, message []byte) ([65]byte, error) {
	var out [65]byte
	copy(out[:], chainhash.HashB(message))
	return out, nil
}

func (c *fakeConnector) NewKeyPair() ([33]byte, [32]byte, error) {
	k, err := btcec.NewPrivateKey()
	if err != nil {
		return [33]byte{}, [32]byte{}, err
	}
	var pub [33]byte
	copy(pub[:], k.PubKey().SerializeCompressed())
	var priv [32]byte
	copy(priv[:], k.Serialize())
	return pub, priv, nil
}

func (c *fakeConnector) GetKeyID(pub [33]byte) ([20]byte, error) {
	var out [20]byte
	copy(out[:], chainhash.HashB(pub[:])[:20])
	return out, nil
}

func (c *fakeConnector) PrivateKeyFor(address string) ([32]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	priv, ok := c.keys[address]
	if !ok {
		return [32]byte{}, fmt.Errorf("no key for address %s", address)
	}
	return priv, nil
}

func (c *fakeConnector) ToXAddr(raw [20]byte) (string, error) { return fmt.Sprintf("%x", raw), nil }
func (c *fakeConnector) FromXAddr(addr string) ([20]byte, error) {
	var out [20]byte
	if addr == "" {
		return out, nil
	}
	var b []byte
	if _, err := fmt.Sscanf(addr, "%x", &b); err != nil || len(b) != 20 {
		return out, fmt.Errorf("invalid test address %q", addr)
	}
	copy(out[:], b)
	return out, nil
}

func (c *fakeConnector) ServiceAddresses() ([][20]byte, error) { return nil, nil }

func (c *fakeConnector) IsDustAmount(amount float64) bool          { return amount < c.dust }
func (c *fakeConnector) MinTxFee1(int, int) float64                { return c.fee1 }
func (c *fakeConnector) MinTxFee2(int, int) float64                { return c.fee2 }
func (c *fakeConnector) BlockTimeSecs() uint32                     { return 150 }
func (c *fakeConnector) RequiredConfirmations() uint32             { return 2 }
func (c *fakeConnector) ServiceNodeFeeAmount() float64             { return c.sfee }
func (c *fakeConnector) PayToScriptHash(redeemScript []byte) ([]byte, error) {
	return append([]byte{0xa9}, redeemScript...), nil
}
func (c *fakeConnector) PayToAddress(rawAddress [20]byte) ([]byte, error) {
	return append([]byte{0x76, 0xa9}, rawAddress[:]...), nil
}

func (c *fakeConnector) CreateRefundTransaction(wallet.RefundRequest) (*wire.MsgTx, error) {
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
	c.txCount++
	return fmt.Sprintf("%064d", c.txCount+100), nil
}

// fakeTransport records every sent packet instead of putting it on a wire.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []swapnet.Packet
	sendErr error
}

func (t *fakeTransport) Send(p swapnet.Packet) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, p)
	return nil
}

func (t *fakeTransport) last() swapnet.Packet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent[len(t.sent)-1]
}

func (t *fakeTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
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

func testSelector(nodePub [33]byte) *snode.Selector {
	return snode.New([]snode.Node{{
		PubKey: nodePub, ProtocolVersion: 1, Running: true,
		Services: map[string]struct{}{"BTC": {}, "LTC": {}, "BLOCK": {}},
	}}, rand.NewSource(1))
}

func newTestEngine(t *testing.T, conns map[string]*fakeConnector, nodePub [33]byte) (*Engine, *fakeTransport) {
	t.Helper()
	store, err := order.New(nil, testLogger())
	if err != nil {
		t.Fatalf("order.New: %v", err)
	}
	locks := lockmgr.New()
	wallets := testRegistry(conns)
	transport := &fakeTransport{}
	var self [20]byte
	e := New(store, locks, wallets, transport, testSelector(nodePub), self, 1, testLogger())
	return e, transport
}

func decodeMsg[T any](t *testing.T, p swapnet.Packet, wantType MsgType, decode func([]byte) (T, error)) T {
	t.Helper()
	if MsgType(p.Body[0]) != wantType {
		t.Fatalf("expected msg type %d, got %d", wantType, p.Body[0])
	}
	m, err := decode(p.Body[1:])
	if err != nil {
		t.Fatalf("decoding packet: %v", err)
	}
	return m
}

func TestCreateOrderHappyPath(t *testing.T) {
	btc := newFakeConnector("BTC")
	ltc := newFakeConnector("LTC")
	fromAddr := btc.address([32]byte{1})
	btc.addUnspent(fromAddr, 1.0)
	toAddr := ltc.address([32]byte{2})

	nodePub := [33]byte{9}
	e, transport := newTestEngine(t, map[string]*fakeConnector{"BTC": btc, "LTC": ltc}, nodePub)

	d, err := e.CreateOrder(CreateOrderRequest{
		FromCurrency: "BTC", FromAmount: dex.AmountFromReal(0.5, btc.coin), FromAddress: fromAddr,
		ToCurrency: "LTC", ToAmount: dex.AmountFromReal(10, ltc.coin), ToAddress: toAddr,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if d.Role != order.RoleMaker {
		t.Errorf("expected RoleMaker, got %v", d.Role)
	}
	if d.State != order.StatePending {
		t.Errorf("expected StatePending after broadcast, got %v", d.State)
	}
	if d.ServiceNodePubKey != nodePub {
		t.Errorf("expected assigned service node %x, got %x", nodePub, d.ServiceNodePubKey)
	}
	if _, ok := e.store.Get(d.ID); !ok {
		t.Error("expected order appended to the live store")
	}

	if transport.count() != 1 {
		t.Fatalf("expected exactly one broadcast packet, got %d", transport.count())
	}
	msg := decodeMsg(t, transport.last(), MsgTransaction, DecodeTransactionMsg)
	if msg.FromCurrency != "BTC" || msg.ToCurrency != "LTC" {
		t.Errorf("unexpected currencies in announce: %+v", msg)
	}
}

func TestCreateOrderInsufficientFundsRollsBackLock(t *testing.T) {
	btc := newFakeConnector("BTC")
	ltc := newFakeConnector("LTC")
	fromAddr := btc.address([32]byte{1})
	btc.addUnspent(fromAddr, 0.1) // far short of the requested amount
	toAddr := ltc.address([32]byte{2})

	e, _ := newTestEngine(t, map[string]*fakeConnector{"BTC": btc, "LTC": ltc}, [33]byte{9})

	_, err := e.CreateOrder(CreateOrderRequest{
		FromCurrency: "BTC", FromAmount: dex.AmountFromReal(5, btc.coin), FromAddress: fromAddr,
		ToCurrency: "LTC", ToAmount: dex.AmountFromReal(10, ltc.coin), ToAddress: toAddr,
	})
	if err == nil {
		t.Fatal("expected an error for insufficient funds")
	}
	locked := e.locks.GetAllLockedUtxos("BTC")
	if len(locked) != 0 {
		t.Errorf("expected no coins left locked after a failed create, got %d", len(locked))
	}
}

func TestAcceptOrderHappyPath(t *testing.T) {
	btc := newFakeConnector("BTC")
	ltc := newFakeConnector("LTC")
	block := newFakeConnector("BLOCK")

	makerFrom := btc.address([32]byte{1})
	takerFrom := ltc.address([32]byte{2}) // taker funds its own deposit in LTC
	takerTo := btc.address([32]byte{3})
	feePayer := block.address([32]byte{4})
	block.addUnspent(feePayer, 1.0)
	ltc.addUnspent(takerFrom, 20.0)

	e, transport := newTestEngine(t, map[string]*fakeConnector{"BTC": btc, "LTC": ltc, "BLOCK": block}, [33]byte{9})

	ann := TransactionMsg{
		OrderID: [32]byte{0xaa}, FromCurrency: "BTC", FromAmount: dex.AmountFromReal(0.5, btc.coin),
		ToCurrency: "LTC", ToAmount: dex.AmountFromReal(10, ltc.coin),
	}
	makerFromRaw := mustRaw(t, btc, makerFrom)
	copy(ann.From[:], makerFromRaw[:])

	d, err := e.AcceptOrder(AcceptOrderRequest{
		Announce: ann, TakerFromAddress: takerFrom, TakerToAddress: takerTo,
		ServiceNodeFeeAddress: [20]byte{0x42}, BlockChangeAddress: feePayer,
	})
	if err != nil {
		t.Fatalf("AcceptOrder: %v", err)
	}
	if d.Role != order.RoleTaker {
		t.Errorf("expected RoleTaker, got %v", d.Role)
	}
	if d.State != order.StateAccepting {
		t.Errorf("expected StateAccepting, got %v", d.State)
	}
	if d.FromCurrency != "LTC" || d.ToCurrency != "BTC" {
		t.Errorf("expected taker deposit leg LTC and receive leg BTC, got from=%s to=%s", d.FromCurrency, d.ToCurrency)
	}
	if transport.count() != 1 {
		t.Fatalf("expected exactly one accepting broadcast, got %d", transport.count())
	}
	decodeMsg(t, transport.last(), MsgTransactionAccepting, DecodeAcceptingMsg)
}

func mustRaw(t *testing.T, c *fakeConnector, addr string) [20]byte {
	t.Helper()
	raw, err := c.FromXAddr(addr)
	if err != nil {
		t.Fatalf("FromXAddr(%s): %v", addr, err)
	}
	return raw
}

// TestFullSwapLifecycle drives both roles through Hold, Init, Created,
// ConfirmA, and ConfirmB, confirming both sides reach Finished and that the
// counterparty's M private key and the secret X are propagated exactly the
// way the wire messages carry them.
func TestFullSwapLifecycle(t *testing.T) {
	btc := newFakeConnector("BTC")
	ltc := newFakeConnector("LTC")

	makerFromAddr := btc.address([32]byte{1})
	btc.addUnspent(makerFromAddr, 1.0)
	makerToAddr := ltc.address([32]byte{2})

	takerFromAddr := ltc.address([32]byte{3})
	ltc.addUnspent(takerFromAddr, 20.0)
	takerToAddr := btc.address([32]byte{4})

	// The taker pays the service-node fee in BLOCK when accepting.
	block := newFakeConnector("BLOCK")
	feePayer := block.address([32]byte{5})
	block.addUnspent(feePayer, 1.0)

	nodePub := [33]byte{9}
	makerEngine, makerTransport := newTestEngine(t, map[string]*fakeConnector{"BTC": btc, "LTC": ltc}, nodePub)
	takerEngine, takerTransport := newTestEngine(t, map[string]*fakeConnector{"BTC": btc, "LTC": ltc, "BLOCK": block}, nodePub)

	maker, err := makerEngine.CreateOrder(CreateOrderRequest{
		FromCurrency: "BTC", FromAmount: dex.AmountFromReal(0.5, btc.coin), FromAddress: makerFromAddr,
		ToCurrency: "LTC", ToAmount: dex.AmountFromReal(10, ltc.coin), ToAddress: makerToAddr,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	ann := decodeMsg(t, makerTransport.last(), MsgTransaction, DecodeTransactionMsg)
	ann.OrderID = maker.ID

	taker, err := takerEngine.AcceptOrder(AcceptOrderRequest{
		Announce: ann, TakerFromAddress: takerFromAddr, TakerToAddress: takerToAddr,
		BlockChangeAddress: feePayer,
	})
	if err != nil {
		t.Fatalf("AcceptOrder: %v", err)
	}

	if err := makerEngine.HandlePacket(swapnet.NewPacket(swapnet.Broadcast,
		append([]byte{byte(MsgTransactionHold)}, HoldMsg{OrderID: maker.ID, ServiceNode: nodePub}.Encode()...))); err != nil {
		t.Fatalf("handleHold: %v", err)
	}
	if maker.State != order.StateHold {
		t.Fatalf("expected maker in Hold, got %v", maker.State)
	}

	init := InitMsg{
		OrderID: maker.ID, MakerPubKeyM: maker.M.Pub, TakerPubKeyM: taker.M.Pub,
		SecretHash: mustKeyID(maker.X.Pub), MakerLockTime: 5000, TakerLockTime: 2000,
	}
	if err := makerEngine.HandlePacket(packetFor(MsgTransactionInit, init.Encode())); err != nil {
		t.Fatalf("maker handleInit: %v", err)
	}
	if maker.State != order.StateCreated {
		t.Fatalf("expected maker in Created after building its deposit, got %v", maker.State)
	}
	if maker.BinTxID == "" {
		t.Error("expected maker.BinTxID set after deposit broadcast")
	}

	if err := takerEngine.HandlePacket(packetFor(MsgTransactionInit, init.Encode())); err != nil {
		t.Fatalf("taker handleInit: %v", err)
	}
	if taker.State != order.StateCreated {
		t.Fatalf("expected taker in Created after building its deposit, got %v", taker.State)
	}

	makerCreated := decodeMsg(t, makerTransport.last(), MsgTransactionCreated, DecodeCreatedMsg)
	takerCreated := decodeMsg(t, takerTransport.last(), MsgTransactionCreated, DecodeCreatedMsg)
	if makerCreated.PrivKeyM != maker.M.Priv {
		t.Error("expected maker's CreatedMsg to disclose maker's own M private key")
	}

	if err := makerEngine.HandlePacket(packetFor(MsgTransactionCreated, takerCreated.Encode())); err != nil {
		t.Fatalf("maker handleCreated: %v", err)
	}
	if maker.State != order.StateCommitted {
		t.Fatalf("expected maker in Committed after redeeming the taker's deposit, got %v", maker.State)
	}
	if maker.CounterpartyPrivKeyM != taker.M.Priv {
		t.Error("expected maker to have recorded the taker's disclosed M private key")
	}

	if err := takerEngine.HandlePacket(packetFor(MsgTransactionCreated, makerCreated.Encode())); err != nil {
		t.Fatalf("taker handleCreated: %v", err)
	}
	if taker.CounterpartyPrivKeyM != maker.M.Priv {
		t.Error("expected taker to have recorded the maker's disclosed M private key")
	}

	confirmA := decodeMsg(t, makerTransport.last(), MsgTransactionConfirmA, DecodeConfirmAMsg)
	if confirmA.PrivX != maker.X.Priv {
		t.Error("expected ConfirmA to carry the maker's secret X")
	}
	if err := takerEngine.HandlePacket(packetFor(MsgTransactionConfirmA, confirmA.Encode())); err != nil {
		t.Fatalf("taker handleConfirmA: %v", err)
	}
	if taker.State != order.StateFinished {
		t.Fatalf("expected taker in Finished after redeeming the maker's deposit, got %v", taker.State)
	}

	confirmB := decodeMsg(t, takerTransport.last(), MsgTransactionConfirmB, DecodeConfirmBMsg)
	if err := makerEngine.HandlePacket(packetFor(MsgTransactionConfirmB, confirmB.Encode())); err != nil {
		t.Fatalf("maker handleConfirmB: %v", err)
	}
	if maker.State != order.StateFinished {
		t.Fatalf("expected maker in Finished after the taker's redemption proof, got %v", maker.State)
	}

	if _, ok := makerEngine.store.Get(maker.ID); ok {
		t.Error("expected the finished maker order to have moved out of the live set")
	}
	if _, ok := takerEngine.store.Get(taker.ID); ok {
		t.Error("expected the finished taker order to have moved out of the live set")
	}
}

func packetFor(msgType MsgType, body []byte) swapnet.Packet {
	full := make([]byte, 0, 1+len(body))
	full = append(full, byte(msgType))
	full = append(full, body...)
	return swapnet.NewPacket(swapnet.Broadcast, full)
}

func mustKeyID(pub [33]byte) [20]byte { return keyID(pub) }

func TestHandleConfirmAWrongRoleIsNoop(t *testing.T) {
	btc := newFakeConnector("BTC")
	ltc := newFakeConnector("LTC")
	fromAddr := btc.address([32]byte{1})
	btc.addUnspent(fromAddr, 1.0)
	toAddr := ltc.address([32]byte{2})

	e, _ := newTestEngine(t, map[string]*fakeConnector{"BTC": btc, "LTC": ltc}, [33]byte{9})
	d, err := e.CreateOrder(CreateOrderRequest{
		FromCurrency: "BTC", FromAmount: dex.AmountFromReal(0.5, btc.coin), FromAddress: fromAddr,
		ToCurrency: "LTC", ToAmount: dex.AmountFromReal(10, ltc.coin), ToAddress: toAddr,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if err := e.HandlePacket(packetFor(MsgTransactionConfirmA, ConfirmAMsg{OrderID: d.ID}.Encode())); err != nil {
		t.Fatalf("handleConfirmA should be a no-op for a maker order, got error: %v", err)
	}
	if d.State != order.StatePending {
		t.Errorf("expected maker order state unchanged by a stray ConfirmA, got %v", d.State)
	}
}

func TestRebroadcastStuckNewExcludesCurrentNode(t *testing.T) {
	btc := newFakeConnector("BTC")
	ltc := newFakeConnector("LTC")
	fromAddr := btc.address([32]byte{1})
	btc.addUnspent(fromAddr, 1.0)
	toAddr := ltc.address([32]byte{2})

	nodePub := [33]byte{9}
	e, transport := newTestEngine(t, map[string]*fakeConnector{"BTC": btc, "LTC": ltc}, nodePub)

	store, _ := order.New(nil, testLogger())
	e.store = store
	d := &order.Descr{
		ID: [32]byte{1}, Role: order.RoleMaker, State: order.StateNew,
		FromCurrency: "BTC", FromAmount: dex.AmountFromReal(0.1, btc.coin),
		ToCurrency: "LTC", ToAmount: dex.AmountFromReal(1, ltc.coin),
		Created: time.Now().UTC(), Txtime: time.Now().UTC().Add(-stuckNewAfter * 2),
	}
	d.AssignServiceNode(nodePub)
	_ = e.store.Append(d)
	_ = fromAddr
	_ = toAddr

	e.rebroadcastStuckOrders()

	if transport.count() != 1 {
		t.Fatalf("expected one rebroadcast packet, got %d", transport.count())
	}
	if _, excluded := d.ExcludedSet()[nodePub]; !excluded {
		t.Error("expected the stuck New order's current service node to be excluded")
	}
}

func TestSweepExpiryNewToOffline(t *testing.T) {
	e, _ := newTestEngine(t, map[string]*fakeConnector{}, [33]byte{})
	d := &order.Descr{ID: [32]byte{1}, State: order.StateNew, Created: time.Now().UTC(), Txtime: time.Now().UTC().Add(-e.pendingTTL * 2)}
	_ = e.store.Append(d)

	e.sweepExpiry()

	if d.State != order.StateOffline {
		t.Errorf("expected StateOffline, got %v", d.State)
	}
}

func TestSweepExpiryErasesStaleOffline(t *testing.T) {
	e, _ := newTestEngine(t, map[string]*fakeConnector{}, [33]byte{})
	d := &order.Descr{ID: [32]byte{1}, State: order.StateOffline, Created: time.Now().UTC().Add(-e.ttl * 3), Txtime: time.Now().UTC().Add(-e.ttl * 2)}
	_ = e.store.Append(d)

	e.sweepExpiry()

	if _, ok := e.store.Get(d.ID); ok {
		t.Error("expected a long-stale Offline order to be erased")
	}
}

func TestSweepExpiryResurrectsRecentOffline(t *testing.T) {
	e, _ := newTestEngine(t, map[string]*fakeConnector{}, [33]byte{})
	d := &order.Descr{ID: [32]byte{1}, State: order.StateOffline, Created: time.Now().UTC(), Txtime: time.Now().UTC()}
	_ = e.store.Append(d)

	e.sweepExpiry()

	if d.State != order.StatePending {
		t.Errorf("expected a recently-offline order to resurrect to Pending, got %v", d.State)
	}
}
