// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package watch

import (
	"context"
	"testing"

	"github.com/blocknetdx/xbridge-go/swap/lockmgr"
	"github.com/blocknetdx/xbridge-go/swap/order"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
)

func newTestOrder(t *testing.T, role order.Role) *order.Descr {
	t.Helper()
	d := &order.Descr{
		Role: role, State: order.StateCreated,
		FromCurrency: "BTC", ToCurrency: "LTC",
		FromAmount: 100000000, ToAmount: 100000000,
		BinTxID: "dep-self", BinVout: 0,
		LockTime: 2000,
		CounterpartyBinTxID: "dep-counterparty", CounterpartyBinVout: 0,
		CounterpartyLockTime: 1000,
	}
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	copy(d.CounterpartyPubKeyM[:], priv.PubKey().SerializeCompressed())
	copy(d.CounterpartyPrivKeyM[:], priv.Serialize())
	return d
}

func newTestStore(t *testing.T, orders ...*order.Descr) *order.Store {
	t.Helper()
	store, err := order.New(nil, testLogger())
	if err != nil {
		t.Fatalf("order.New: %v", err)
	}
	for _, d := range orders {
		if err := store.Append(d); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	return store
}

func TestDepositWatcherIgnoresOrderWithoutDeposit(t *testing.T) {
	d := newTestOrder(t, order.RoleMaker)
	d.BinTxID = ""
	store := newTestStore(t, d)
	btc := newFakeConnector("BTC")
	ltc := newFakeConnector("LTC")
	w := NewDepositWatcher(store, testRegistry(map[string]*fakeConnector{"BTC": btc, "LTC": ltc}), lockmgr.New(), testLogger())

	w.Tick(context.Background())

	if d.Watch.DoneWatching {
		t.Error("expected no watch activity for an order with no deposit yet")
	}
}

func TestDepositWatcherMakerFinishesOnCounterpartySpend(t *testing.T) {
	d := newTestOrder(t, order.RoleMaker)
	store := newTestStore(t, d)
	btc := newFakeConnector("BTC")
	ltc := newFakeConnector("LTC")
	btc.blockCount = 1500
	btc.mempool = []string{"taker-redeem-tx"}
	btc.recordSpend("taker-redeem-tx", d.BinTxID, d.BinVout, nil)

	locks := lockmgr.New()
	w := NewDepositWatcher(store, testRegistry(map[string]*fakeConnector{"BTC": btc, "LTC": ltc}), locks, testLogger())

	w.Tick(context.Background())

	d.Lock()
	defer d.Unlock()
	if d.State != order.StateFinished {
		t.Fatalf("expected StateFinished, got %v", d.State)
	}
	if !d.Watch.DoneWatching || !d.Watch.CounterRedeemed {
		t.Error("expected DoneWatching and CounterRedeemed set")
	}
	if _, ok := store.Get(d.ID); ok {
		t.Error("expected order moved out of the live set")
	}
}

func TestDepositWatcherTakerRedeemsCounterpartyUsingRevealedSecret(t *testing.T) {
	d := newTestOrder(t, order.RoleTaker)
	store := newTestStore(t, d)

	secretPriv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generating secret key: %v", err)
	}
	secretPub := secretPriv.PubKey().SerializeCompressed()
	b := txscript.NewScriptBuilder()
	b.AddData(secretPub)
	scriptSig, err := b.Script()
	if err != nil {
		t.Fatalf("building scriptSig: %v", err)
	}

	btc := newFakeConnector("BTC")
	ltc := newFakeConnector("LTC")
	btc.blockCount = 1500
	btc.mempool = []string{"maker-redeem-tx"}
	btc.recordSpend("maker-redeem-tx", d.BinTxID, d.BinVout, scriptSig)

	locks := lockmgr.New()
	w := NewDepositWatcher(store, testRegistry(map[string]*fakeConnector{"BTC": btc, "LTC": ltc}), locks, testLogger())

	w.Tick(context.Background())

	d.Lock()
	defer d.Unlock()
	if d.State != order.StateFinished {
		t.Fatalf("expected StateFinished, got %v", d.State)
	}
	if ltc.txCount != 1 {
		t.Errorf("expected one broadcast redeeming the counterparty deposit, got %d", ltc.txCount)
	}
}

func TestDepositWatcherRefundsOwnDepositAfterLockTime(t *testing.T) {
	d := newTestOrder(t, order.RoleMaker)
	store := newTestStore(t, d)
	btc := newFakeConnector("BTC")
	ltc := newFakeConnector("LTC")
	btc.blockCount = d.LockTime + 10

	locks := lockmgr.New()
	w := NewDepositWatcher(store, testRegistry(map[string]*fakeConnector{"BTC": btc, "LTC": ltc}), locks, testLogger())

	w.Tick(context.Background())

	d.Lock()
	defer d.Unlock()
	if !d.Watch.SelfRedeemed {
		t.Error("expected SelfRedeemed set once locktime elapsed with no counterparty spend")
	}
	if btc.txCount != 1 {
		t.Errorf("expected one refund broadcast, got %d", btc.txCount)
	}
	if d.State != order.StateRolledBack {
		t.Errorf("expected StateRolledBack, got %v", d.State)
	}
}

func TestDepositWatcherRefundsOwnDepositWithoutCounterpartyKey(t *testing.T) {
	d := newTestOrder(t, order.RoleMaker)
	d.CounterpartyPubKeyM = [33]byte{}
	d.CounterpartyPrivKeyM = [32]byte{}
	store := newTestStore(t, d)
	btc := newFakeConnector("BTC")
	ltc := newFakeConnector("LTC")
	btc.blockCount = d.LockTime + 10

	locks := lockmgr.New()
	w := NewDepositWatcher(store, testRegistry(map[string]*fakeConnector{"BTC": btc, "LTC": ltc}), locks, testLogger())

	w.Tick(context.Background())

	d.Lock()
	defer d.Unlock()
	if btc.txCount != 1 {
		t.Errorf("expected the refund to use the trader's own always-held M key even when the counterparty never discloses theirs, got %d broadcasts", btc.txCount)
	}
	if d.State != order.StateRolledBack {
		t.Errorf("expected StateRolledBack, got %v", d.State)
	}
}

func TestDepositWatcherSingleFlightGuard(t *testing.T) {
	d := newTestOrder(t, order.RoleMaker)
	if !d.TryBeginWatch() {
		t.Fatal("expected first TryBeginWatch to succeed")
	}
	store := newTestStore(t, d)
	btc := newFakeConnector("BTC")
	ltc := newFakeConnector("LTC")
	w := NewDepositWatcher(store, testRegistry(map[string]*fakeConnector{"BTC": btc, "LTC": ltc}), lockmgr.New(), testLogger())

	w.Tick(context.Background())

	if btc.txCount != 0 {
		t.Error("expected watch pass to be skipped while already in flight")
	}
	d.EndWatch()
}
