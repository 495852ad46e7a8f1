// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package watch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/blocknetdx/xbridge-go/dex"
	"github.com/blocknetdx/xbridge-go/swap/order"
	"github.com/blocknetdx/xbridge-go/swap/scheduler"
	"github.com/blocknetdx/xbridge-go/swap/wallet"
)

// benignRefundErrors are RPC failures a service node treats as "the refund
// already landed one way or another" rather than a real fault: the trader already redeemed or refunded the deposit themselves
// before the watchdog got to it, or the deposit's address no longer exists
// in the daemon's wallet.
var benignRefundErrors = []string{
	"RPC_VERIFY_ALREADY_IN_CHAIN",
	"RPC_INVALID_ADDRESS_OR_KEY",
	"RPC_VERIFY_REJECTED",
}

func isBenignRefundError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, benign := range benignRefundErrors {
		if strings.Contains(msg, benign) {
			return true
		}
	}
	return false
}

// forceRefundAfter is how long past locktime the watchdog keeps retrying an
// RPC-refused refund before giving up and marking the side refunded anyway
//.
const forceRefundAfter = time.Hour

// SideRefund is the material the refund watchdog needs to reclaim one
// trader's deposit on their chain once its locktime elapses: everything
// CreateRefundTransaction needs, learned the same way swap/engine learns it
// from the counterparty's xbcTransactionCreated.
type SideRefund struct {
	Currency string
	LockTime uint32
	Deposit order.UtxoEntry
	InnerScript []byte
	RefundPkScript []byte
	PubKeyM [33]byte
	PrivKeyM [32]byte
	Refunded bool
}

// ExchangeRecord is a service node's bookkeeping for one swap it relayed:
// both sides' refund material, kept only as long as either side might still
// need to be force-refunded.
type ExchangeRecord struct {
	OrderID [32]byte
	Maker SideRefund
	Taker SideRefund
	Finished bool
}

// RefundWatchdog implements C8: the service-node-only backstop that submits
// a trader's refund transaction once their deposit's locktime has passed,
// for swaps this node relayed but whose traders never reported completion.
type RefundWatchdog struct {
	mu sync.Mutex
	records map[[32]byte]*ExchangeRecord

	wallets *wallet.Registry
	log dex.Logger
}

// NewRefundWatchdog builds a RefundWatchdog sharing the node's wallet
// registry.
func NewRefundWatchdog(wallets *wallet.Registry, log dex.Logger) *RefundWatchdog {
	return &RefundWatchdog{records: make(map[[32]byte]*ExchangeRecord), wallets: wallets, log: log}
}

// BuildTickTasks returns this watchdog's scheduler.Task, for adding
// alongside the engine's own tasks in the 15s timer pool (service-node
// deployments only).
func (w *RefundWatchdog) BuildTickTasks() []scheduler.Task {
	return []scheduler.Task{w.Tick}
}

// Register starts watching orderID's pair of deposits. Called by the
// service-node relay path once it has observed both traders'
// xbcTransactionCreated packets and so knows both sides' keys and scripts.
func (w *RefundWatchdog) Register(rec *ExchangeRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records[rec.OrderID] = rec
}

// Finish marks orderID's swap as completed through the normal protocol path,
// letting Tick drop it on its next pass without submitting any refund.
func (w *RefundWatchdog) Finish(orderID [32]byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if rec, ok := w.records[orderID]; ok {
		rec.Finished = true
	}
}

func (w *RefundWatchdog) snapshot() []*ExchangeRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*ExchangeRecord, 0, len(w.records))
	for _, rec := range w.records {
		out = append(out, rec)
	}
	return out
}

func (w *RefundWatchdog) unregister(orderID [32]byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.records, orderID)
}

// Tick runs one pass of C8's algorithm over every registered exchange.
func (w *RefundWatchdog) Tick(ctx context.Context) {
	for _, rec := range w.snapshot() {
		if rec.Finished || (rec.Maker.Refunded && rec.Taker.Refunded) {
			w.unregister(rec.OrderID)
			continue
		}
		w.refundSide(rec, &rec.Maker)
		w.refundSide(rec, &rec.Taker)
	}
}

func (w *RefundWatchdog) refundSide(rec *ExchangeRecord, side *SideRefund) {
	if side.Refunded || side.Currency == "" {
		return
	}
	conn, ok := w.wallets.Get(side.Currency)
	if !ok {
		return
	}
	current, err := conn.GetBlockCount()
	if err != nil {
		w.log.Warnf("order %x: refund watchdog: %v", rec.OrderID, err)
		return
	}
	if current < side.LockTime {
		return
	}

	tx, err := conn.CreateRefundTransaction(wallet.RefundRequest{
		Deposit: side.Deposit,
		LockTime: int64(side.LockTime),
		InnerScript: side.InnerScript,
		RefundPkScript: side.RefundPkScript,
		PubKeyM: side.PubKeyM[:],
		PrivKeyM: side.PrivKeyM,
	})
	if err == nil {
		_, err = conn.Broadcast(tx)
	}

	switch {
	case err == nil:
		side.Refunded = true
		return
	case isBenignRefundError(err):
		side.Refunded = true
		return
	}

	w.log.Warnf("order %x: refund watchdog submission failed: %v", rec.OrderID, err)
	elapsed := time.Duration(current-side.LockTime) * time.Duration(conn.BlockTimeSecs()) * time.Second
	if elapsed > forceRefundAfter {
		w.log.Warnf("order %x: refund watchdog forcing side refunded after %s overdue", rec.OrderID, elapsed)
		side.Refunded = true
	}
}
