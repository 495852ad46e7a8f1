// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package watch implements the two on-chain fallback watchers
// and §4.8 describe: a per-order deposit watcher that notices redemptions
// and secret reveals swap/engine's message-relay handlers missed, and a
// service-node-only refund watchdog that force-refunds a stalled trader once
// their deposit's locktime has passed.
package watch

import (
	"context"

	"github.com/blocknetdx/xbridge-go/dex"
	"github.com/blocknetdx/xbridge-go/swap/htlc"
	"github.com/blocknetdx/xbridge-go/swap/lockmgr"
	"github.com/blocknetdx/xbridge-go/swap/order"
	"github.com/blocknetdx/xbridge-go/swap/scheduler"
	"github.com/blocknetdx/xbridge-go/swap/wallet"
	"github.com/btcsuite/btcd/btcutil"
)

// keyID hash160's a compressed pubkey, matching swap/engine's own helper of
// the same name (package-private, so duplicated rather than exported).
func keyID(pub [33]byte) [20]byte {
	var out [20]byte
	copy(out[:], btcutil.Hash160(pub[:]))
	return out
}

// DepositWatcher implements C7: the on-chain backstop for the message-relay
// swap completion path in swap/engine. It watches each live order's own
// deposit outpoint for the spend that completes or stalls it.
type DepositWatcher struct {
	store *order.Store
	wallets *wallet.Registry
	locks *lockmgr.Manager
	log dex.Logger
}

// NewDepositWatcher builds a DepositWatcher sharing the engine's order store,
// wallet registry, and lock manager.
func NewDepositWatcher(store *order.Store, wallets *wallet.Registry, locks *lockmgr.Manager, log dex.Logger) *DepositWatcher {
	return &DepositWatcher{store: store, wallets: wallets, locks: locks, log: log}
}

// BuildTickTasks returns this watcher's scheduler.Task, for adding alongside
// the engine's own tasks in the 15s timer pool.
func (w *DepositWatcher) BuildTickTasks() []scheduler.Task {
	return []scheduler.Task{w.Tick}
}

// Tick runs one watcher pass over every live order with a broadcast deposit.
// Intended as a scheduler.Task, fired every 15s alongside the engine's own
// stuck-order and expiry sweeps.
func (w *DepositWatcher) Tick(ctx context.Context) {
	for _, d := range w.store.Live() {
		if !w.eligible(d) {
			continue
		}
		if !d.TryBeginWatch() {
			continue
		}
		w.watchOne(d)
		d.EndWatch()
	}
}

func (w *DepositWatcher) eligible(d *order.Descr) bool {
	d.Lock()
	defer d.Unlock()
	if d.BinTxID == "" {
		return false
	}
	switch d.State {
	case order.StateCreated, order.StateInitialized, order.StateCommitted:
		return true
	default:
		return false
	}
}

// snapshot is the read-only view of an order watchOne needs; taken under the
// order lock, acted on without it (RPC calls must never block the lock).
type snapshot struct {
	role order.Role
	fromCurrency, toCurrency string
	binTxID string
	binVout uint32
	lockTime, counterpartyLockTime uint32
	secretHash [20]byte
	fromAmount, toAmount uint64
	fromRawAddress, toRawAddress [20]byte
	ownPubKeyM [33]byte
	ownPrivKeyM [32]byte
	counterpartyPubKeyM [33]byte
	counterpartyPrivKeyM [32]byte
	counterpartyBinTxID string
	counterpartyBinVout uint32
	watchStart, watchCurrent uint32
	doneWatching, selfRedeemed bool
	counterRedeemed bool
}

func snapshotOf(d *order.Descr) snapshot {
	d.Lock()
	defer d.Unlock()
	return snapshot{
		role: d.Role, fromCurrency: d.FromCurrency, toCurrency: d.ToCurrency,
		binTxID: d.BinTxID, binVout: d.BinVout,
		lockTime: d.LockTime, counterpartyLockTime: d.CounterpartyLockTime,
		secretHash: d.SecretHash, fromAmount: d.FromAmount, toAmount: d.ToAmount,
		fromRawAddress: d.FromRawAddress, toRawAddress: d.ToRawAddress,
		ownPubKeyM: d.M.Pub, ownPrivKeyM: d.M.Priv,
		counterpartyPubKeyM: d.CounterpartyPubKeyM, counterpartyPrivKeyM: d.CounterpartyPrivKeyM,
		counterpartyBinTxID: d.CounterpartyBinTxID, counterpartyBinVout: d.CounterpartyBinVout,
		watchStart: d.Watch.StartBlock, watchCurrent: d.Watch.CurrentBlock,
		doneWatching: d.Watch.DoneWatching, selfRedeemed: d.Watch.SelfRedeemed,
		counterRedeemed: d.Watch.CounterRedeemed,
	}
}

// watchOne runs scan for one order, looking for a spend of the order's own
// deposit outpoint: the mempool while the chain tip is still the block at
// which watching started, and block-by-block from the last scanned height
// once the tip has moved past it (the mempool is then no longer scanned).
func (w *DepositWatcher) watchOne(d *order.Descr) {
	snap := snapshotOf(d)
	if snap.doneWatching && snap.counterRedeemed {
		return
	}

	conn, ok := w.wallets.Get(snap.fromCurrency)
	if !ok {
		return
	}
	currentBlock, err := conn.GetBlockCount()
	if err != nil {
		w.log.Warnf("order %x: deposit watcher: %v", d.ID, err)
		return
	}

	startBlock, watchCurrent := snap.watchStart, snap.watchCurrent
	if startBlock == 0 {
		startBlock = currentBlock
		watchCurrent = currentBlock
		d.Lock()
		d.Watch.StartBlock, d.Watch.CurrentBlock = startBlock, watchCurrent
		d.Unlock()
	}

	var candidates []string
	if startBlock == currentBlock {
		mempool, err := conn.GetRawMempool()
		if err != nil {
			w.log.Warnf("order %x: deposit watcher mempool scan: %v", d.ID, err)
		} else {
			candidates = mempool
		}
	} else {
		for h := watchCurrent + 1; h <= currentBlock; h++ {
			hash, err := conn.GetBlockHash(h)
			if err != nil {
				w.log.Warnf("order %x: deposit watcher block scan at %d: %v", d.ID, h, err)
				break
			}
			txids, err := conn.GetTransactionsInBlock(hash)
			if err != nil {
				w.log.Warnf("order %x: deposit watcher block scan at %d: %v", d.ID, h, err)
				break
			}
			candidates = append(candidates, txids...)
			watchCurrent = h
			d.Lock()
			d.Watch.CurrentBlock = watchCurrent
			d.Unlock()
		}
	}

	if !snap.doneWatching {
		for _, txid := range candidates {
			spent, inputIndex, err := conn.IsUTXOSpentInTx(txid, snap.binTxID, snap.binVout)
			if err != nil {
				continue
			}
			if spent {
				d.Lock()
				d.Watch.OtherPayTxID = txid
				d.Watch.DoneWatching = true
				d.Unlock()
				w.onDepositSpent(d, snap, conn, txid, inputIndex)
				snap.doneWatching = true
				break
			}
		}
	}

	if !snap.doneWatching && !snap.selfRedeemed && currentBlock >= snap.lockTime {
		w.refundOwnDeposit(d, snap, conn)
	}
}

// onDepositSpent reacts to the order's own deposit being spent: for a Maker
// this is the Taker's redemption completing the swap; for a Taker it is the
// Maker's redemption revealing the secret, which the watcher extracts from
// the spending input's scriptSig and uses to redeem the Maker's deposit in
// turn.
func (w *DepositWatcher) onDepositSpent(d *order.Descr, snap snapshot, conn wallet.Connector, spendingTxid string, inputIndex int) {
	switch snap.role {
	case order.RoleMaker:
		w.finishOrder(d)
	case order.RoleTaker:
		w.redeemCounterpartyDeposit(d, snap, conn, spendingTxid, inputIndex)
	}
}

func (w *DepositWatcher) finishOrder(d *order.Descr) {
	d.Lock()
	defer d.Unlock()
	if d.State == order.StateFinished {
		return
	}
	d.State = order.StateFinished
	d.Watch.CounterRedeemed = true
	d.UpdateTimestamp()
	w.locks.UnlockCoins(d.FromCurrency, d.UsedCoins)
	if len(d.FeeUtxos) > 0 {
		w.locks.UnlockFeeUtxos(d.FeeUtxos)
	}
	w.store.MoveToHistory(d.ID)
}

// redeemCounterpartyDeposit extracts the revealed secret pubkey from the
// Maker's redemption of the Taker's deposit, then builds and broadcasts the
// Taker's own redemption of the Maker's deposit — the on-chain equivalent of
// swap/engine's handleConfirmA, triggered by observation instead of a
// relayed ConfirmA packet.
func (w *DepositWatcher) redeemCounterpartyDeposit(d *order.Descr, snap snapshot, conn wallet.Connector, spendingTxid string, inputIndex int) {
	scriptSig, err := conn.GetInputScriptSig(spendingTxid, inputIndex)
	if err != nil {
		w.log.Warnf("order %x: fetching redeeming scriptSig: %v", d.ID, err)
		return
	}
	secretPub, err := htlc.ExtractSecretPub(scriptSig)
	if err != nil {
		w.log.Warnf("order %x: extracting secret pubkey: %v", d.ID, err)
		return
	}
	var secretPubArr [33]byte
	copy(secretPubArr[:], secretPub)
	secretHash := keyID(secretPubArr)

	connTo, ok := w.wallets.Get(snap.toCurrency)
	if !ok {
		return
	}
	redeemScript, err := htlc.BuildRedeemScript(int64(snap.counterpartyLockTime), keyID(snap.counterpartyPubKeyM), keyID(snap.ownPubKeyM), secretHash)
	if err != nil {
		w.log.Warnf("order %x: building counterparty redeem script: %v", d.ID, err)
		return
	}
	paymentScript, err := connTo.PayToAddress(snap.toRawAddress)
	if err != nil {
		w.log.Warnf("order %x: %v", d.ID, err)
		return
	}
	depositCoins := dex.ValueFromAmount(snap.toAmount, connTo.COIN()) + connTo.MinTxFee2(1, 1)

	tx, err := connTo.CreatePaymentTransaction(wallet.PaymentRequest{
		Deposit: order.UtxoEntry{Txid: snap.counterpartyBinTxID, Vout: snap.counterpartyBinVout, Amount: depositCoins},
		InnerScript: redeemScript,
		PaymentPkScript: paymentScript,
		SecretPub: secretPub,
		PubKeyM: snap.ownPubKeyM[:],
		PrivKeyM: snap.ownPrivKeyM,
	})
	if err != nil {
		w.log.Warnf("order %x: building counterparty redemption: %v", d.ID, err)
		return
	}
	if _, err := connTo.Broadcast(tx); err != nil {
		w.log.Warnf("order %x: broadcasting counterparty redemption: %v", d.ID, err)
		return
	}

	d.Lock()
	d.State = order.StateFinished
	d.Watch.CounterRedeemed = true
	d.UpdateTimestamp()
	w.locks.UnlockCoins(d.FromCurrency, d.UsedCoins)
	if len(d.FeeUtxos) > 0 {
		w.locks.UnlockFeeUtxos(d.FeeUtxos)
	}
	d.Unlock()
	w.store.MoveToHistory(d.ID)
}

// refundOwnDeposit reclaims this order's own stuck deposit once its locktime
// has passed and nobody has redeemed it. The deposit's refund branch is
// always locked to this trader's own M pubkey hash, so the refund needs no
// disclosure from the counterparty at all: it works even if the
// counterparty never broadcasts their side of the swap, which is exactly
// the case this watchdog exists for.
func (w *DepositWatcher) refundOwnDeposit(d *order.Descr, snap snapshot, conn wallet.Connector) {
	innerScript, err := htlc.BuildRedeemScript(int64(snap.lockTime), keyID(snap.ownPubKeyM), keyID(snap.counterpartyPubKeyM), snap.secretHash)
	if err != nil {
		w.log.Warnf("order %x: building refund inner script: %v", d.ID, err)
		return
	}
	refundScript, err := conn.PayToAddress(snap.fromRawAddress)
	if err != nil {
		w.log.Warnf("order %x: %v", d.ID, err)
		return
	}
	depositCoins := dex.ValueFromAmount(snap.fromAmount, conn.COIN()) + conn.MinTxFee2(1, 1)

	tx, err := conn.CreateRefundTransaction(wallet.RefundRequest{
		Deposit: order.UtxoEntry{Txid: snap.binTxID, Vout: snap.binVout, Amount: depositCoins},
		LockTime: int64(snap.lockTime),
		InnerScript: innerScript,
		RefundPkScript: refundScript,
		PubKeyM: snap.ownPubKeyM[:],
		PrivKeyM: snap.ownPrivKeyM,
	})
	if err != nil {
		w.log.Warnf("order %x: building refund transaction: %v", d.ID, err)
		return
	}
	if _, err := conn.Broadcast(tx); err != nil {
		w.log.Warnf("order %x: broadcasting refund transaction: %v", d.ID, err)
		return
	}

	d.Lock()
	d.Watch.SelfRedeemed = true
	if !d.State.IsTerminal() {
		d.State = order.StateRolledBack
	}
	d.UpdateTimestamp()
	d.Unlock()
	w.store.MoveToHistory(d.ID)
}
