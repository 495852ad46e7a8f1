// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package lockmgr guards against double-spending a UTXO across two
// concurrently-built orders. It is the process-wide ledger of locked
// outputs, split by order locks (per currency) and fee locks (BLOCK-only).
package lockmgr

import (
	"sync"

	"github.com/blocknetdx/xbridge-go/swap/order"
)

// Manager is the UTXO lock manager.
type Manager struct {
	mu sync.Mutex
	orderLocks map[string]map[string]order.UtxoEntry // currency -> key -> entry
	feeLocks map[string]order.UtxoEntry // key -> entry, BLOCK only
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{
		orderLocks: make(map[string]map[string]order.UtxoEntry),
		feeLocks: make(map[string]order.UtxoEntry),
	}
}

// LockCoins attempts to lock utxos for currency. It returns false, touching
// nothing, if any one of them is already locked under that currency; on
// success, all of them are inserted atomically with respect to concurrent
// LockCoins/UnlockCoins calls.
func (m *Manager) LockCoins(currency string, utxos []order.UtxoEntry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	locked := m.orderLocks[currency]
	for _, u := range utxos {
		if locked != nil {
			if _, dup := locked[u.Key()]; dup {
				return false
			}
		}
	}
	if locked == nil {
		locked = make(map[string]order.UtxoEntry, len(utxos))
		m.orderLocks[currency] = locked
	}
	for _, u := range utxos {
		locked[u.Key()] = u
	}
	return true
}

// UnlockCoins removes utxos from currency's order locks by outpoint.
func (m *Manager) UnlockCoins(currency string, utxos []order.UtxoEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	locked := m.orderLocks[currency]
	if locked == nil {
		return
	}
	for _, u := range utxos {
		delete(locked, u.Key())
	}
}

// LockFeeUtxos locks BLOCK-denominated fee outputs. Returns false, touching
// nothing, if any of them is already fee-locked.
func (m *Manager) LockFeeUtxos(utxos []order.UtxoEntry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range utxos {
		if _, dup := m.feeLocks[u.Key()]; dup {
			return false
		}
	}
	for _, u := range utxos {
		m.feeLocks[u.Key()] = u
	}
	return true
}

// UnlockFeeUtxos removes utxos from the fee lock set by outpoint.
func (m *Manager) UnlockFeeUtxos(utxos []order.UtxoEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range utxos {
		delete(m.feeLocks, u.Key())
	}
}

// GetLockedUtxos returns a copy of the order-locked set for currency.
func (m *Manager) GetLockedUtxos(currency string) map[string]order.UtxoEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyEntries(m.orderLocks[currency])
}

// GetAllLockedUtxos returns the union of the fee locks and currency's order
// locks, the exclusion set the UTXO selection algorithm (C3 helper) must
// honor.
func (m *Manager) GetAllLockedUtxos(currency string) map[string]order.UtxoEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := copyEntries(m.orderLocks[currency])
	if out == nil {
		out = make(map[string]order.UtxoEntry, len(m.feeLocks))
	}
	for k, v := range m.feeLocks {
		out[k] = v
	}
	return out
}

func copyEntries(src map[string]order.UtxoEntry) map[string]order.UtxoEntry {
	if src == nil {
		return nil
	}
	out := make(map[string]order.UtxoEntry, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// BalanceSource supplies the BLOCK outputs CanAffordFeePayment considers:
// wallet-reported unspent outputs not already locked for some other order
// or fee payment, with at least one confirmation. wallet.Connector does not
// provide this method; the caller supplies the implementation.
type BalanceSource interface {
	// SpendableBlockUtxos returns confirmed, unlocked BLOCK outputs along
	// with their per-output confirmation counts.
	SpendableBlockUtxos(excluded map[string]order.UtxoEntry) ([]order.UtxoEntry, error)
}

// CanAffordFeePayment reports whether the sum of unlocked, confirmed BLOCK
// outputs reported by src is at least fee.
func (m *Manager) CanAffordFeePayment(src BalanceSource, fee float64) (bool, error) {
	excluded := m.GetAllLockedUtxos("BLOCK")
	utxos, err := src.SpendableBlockUtxos(excluded)
	if err != nil {
		return false, err
	}
	var total float64
	for _, u := range utxos {
		total += u.Amount
	}
	return total >= fee, nil
}
