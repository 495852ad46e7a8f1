// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package watch

import (
	"context"
	"errors"
	"testing"
)

func newTestRecord(orderID byte) *ExchangeRecord {
	return &ExchangeRecord{
		OrderID: [32]byte{orderID},
		Maker:   SideRefund{Currency: "BTC", LockTime: 1000},
		Taker:   SideRefund{Currency: "LTC", LockTime: 1000},
	}
}

func TestRefundWatchdogWaitsForLockTime(t *testing.T) {
	btc := newFakeConnector("BTC")
	ltc := newFakeConnector("LTC")
	btc.blockCount, ltc.blockCount = 500, 500

	w := NewRefundWatchdog(testRegistry(map[string]*fakeConnector{"BTC": btc, "LTC": ltc}), testLogger())
	rec := newTestRecord(1)
	w.Register(rec)

	w.Tick(context.Background())

	if rec.Maker.Refunded || rec.Taker.Refunded {
		t.Error("expected no refund submitted before locktime")
	}
	if btc.txCount != 0 || ltc.txCount != 0 {
		t.Error("expected no broadcasts before locktime")
	}
}

func TestRefundWatchdogSubmitsBothSidesAfterLockTime(t *testing.T) {
	btc := newFakeConnector("BTC")
	ltc := newFakeConnector("LTC")
	btc.blockCount, ltc.blockCount = 1500, 1500

	w := NewRefundWatchdog(testRegistry(map[string]*fakeConnector{"BTC": btc, "LTC": ltc}), testLogger())
	rec := newTestRecord(2)
	w.Register(rec)

	w.Tick(context.Background())

	if !rec.Maker.Refunded || !rec.Taker.Refunded {
		t.Fatal("expected both sides refunded once their locktimes passed")
	}
	if btc.txCount != 1 || ltc.txCount != 1 {
		t.Errorf("expected one broadcast per side, got btc=%d ltc=%d", btc.txCount, ltc.txCount)
	}

	w.Tick(context.Background())
	if _, ok := w.records[rec.OrderID]; ok {
		t.Error("expected a fully-refunded record to be unregistered")
	}
}

func TestRefundWatchdogAcceptsBenignRPCFailureAsSuccess(t *testing.T) {
	btc := newFakeConnector("BTC")
	ltc := newFakeConnector("LTC")
	btc.blockCount, ltc.blockCount = 1500, 1500
	btc.broadcastErr = errors.New("-27: RPC_VERIFY_ALREADY_IN_CHAIN")

	w := NewRefundWatchdog(testRegistry(map[string]*fakeConnector{"BTC": btc, "LTC": ltc}), testLogger())
	rec := newTestRecord(3)
	w.Register(rec)

	w.Tick(context.Background())

	if !rec.Maker.Refunded {
		t.Error("expected RPC_VERIFY_ALREADY_IN_CHAIN to be treated as success")
	}
}

func TestRefundWatchdogLeavesGenuineFailureUnrefunded(t *testing.T) {
	btc := newFakeConnector("BTC")
	ltc := newFakeConnector("LTC")
	btc.blockCount, ltc.blockCount = 1005, 1500
	btc.broadcastErr = errors.New("-25: general error")

	w := NewRefundWatchdog(testRegistry(map[string]*fakeConnector{"BTC": btc, "LTC": ltc}), testLogger())
	rec := newTestRecord(4)
	w.Register(rec)

	w.Tick(context.Background())

	if rec.Maker.Refunded {
		t.Error("expected a genuine RPC failure shortly past locktime to leave the side unrefunded")
	}
}

func TestRefundWatchdogForcesRefundAfterOneHourOverdue(t *testing.T) {
	btc := newFakeConnector("BTC")
	ltc := newFakeConnector("LTC")
	// 150s/block * 30 blocks = 4500s > 3600s past locktime.
	btc.blockCount, ltc.blockCount = 1030, 1500
	btc.broadcastErr = errors.New("-25: general error")

	w := NewRefundWatchdog(testRegistry(map[string]*fakeConnector{"BTC": btc, "LTC": ltc}), testLogger())
	rec := newTestRecord(5)
	w.Register(rec)

	w.Tick(context.Background())

	if !rec.Maker.Refunded {
		t.Error("expected the side to be forced refunded once over an hour past locktime")
	}
}

func TestRefundWatchdogFinishDropsRecordWithoutSubmitting(t *testing.T) {
	btc := newFakeConnector("BTC")
	ltc := newFakeConnector("LTC")
	btc.blockCount, ltc.blockCount = 1500, 1500

	w := NewRefundWatchdog(testRegistry(map[string]*fakeConnector{"BTC": btc, "LTC": ltc}), testLogger())
	rec := newTestRecord(6)
	w.Register(rec)
	w.Finish(rec.OrderID)

	w.Tick(context.Background())

	if btc.txCount != 0 || ltc.txCount != 0 {
		t.Error("expected a finished record to be dropped without submitting any refund")
	}
}
