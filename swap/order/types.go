// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package order holds the swap coordination core's central data model: the
// order descriptor, its UTXO inputs, and the in-memory live/history store.
package order

import (
	"sync"
	"time"
)

// Role identifies which side of a swap an order descriptor represents.
type Role byte

const (
	RoleMaker Role = 'A'
	RoleTaker Role = 'B'
)

// State is a position in the order lifecycle state machine.
type State int

const (
	StateNew State = iota
	StatePending
	StateAccepting
	StateHold
	StateInitializedWait
	StateInitialized
	StateCreatedWait
	StateCreated
	StateSignedWait
	StateSigned
	StateCommittedWait
	StateCommitted
	StateFinished
	StateCancelled
	StateRolledBack
	StateOffline
	StateExpired
	StateInvalid
	StateDroppedByUser
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "New"
	case StatePending:
		return "Pending"
	case StateAccepting:
		return "Accepting"
	case StateHold:
		return "Hold"
	case StateInitializedWait:
		return "InitializedWait"
	case StateInitialized:
		return "Initialized"
	case StateCreatedWait:
		return "CreatedWait"
	case StateCreated:
		return "Created"
	case StateSignedWait:
		return "SignedWait"
	case StateSigned:
		return "Signed"
	case StateCommittedWait:
		return "CommittedWait"
	case StateCommitted:
		return "Committed"
	case StateFinished:
		return "Finished"
	case StateCancelled:
		return "Cancelled"
	case StateRolledBack:
		return "RolledBack"
	case StateOffline:
		return "Offline"
	case StateExpired:
		return "Expired"
	case StateInvalid:
		return "Invalid"
	case StateDroppedByUser:
		return "DroppedByUser"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether state is one of the states that moves an order
// from the live set to the history set.
func (s State) IsTerminal() bool {
	switch s {
	case StateFinished, StateCancelled, StateRolledBack, StateInvalid:
		return true
	}
	return false
}

// TxCancelReason is a stable enum of why an order moved to Cancelled.
type TxCancelReason string

const (
	CancelUserRequest TxCancelReason = "UserRequest"
	CancelNoMoney TxCancelReason = "NoMoney"
	CancelBadUtxo TxCancelReason = "BadUtxo"
	CancelDust TxCancelReason = "Dust"
	CancelRpcError TxCancelReason = "RpcError"
	CancelNotSigned TxCancelReason = "NotSigned"
	CancelNotAccepted TxCancelReason = "NotAccepted"
	CancelRollback TxCancelReason = "Rollback"
	CancelXbridgeRejected TxCancelReason = "XbridgeRejected"
	CancelInvalidAddress TxCancelReason = "InvalidAddress"
	CancelBlocknetError TxCancelReason = "BlocknetError"
	CancelBadADepositTx TxCancelReason = "BadADepositTx"
	CancelBadBDepositTx TxCancelReason = "BadBDepositTx"
	CancelTimeout TxCancelReason = "Timeout"
	CancelBadLockTime TxCancelReason = "BadLockTime"
	CancelBadALockTime TxCancelReason = "BadALockTime"
	CancelBadBLockTime TxCancelReason = "BadBLockTime"
	CancelBadAUtxo TxCancelReason = "BadAUtxo"
	CancelBadBUtxo TxCancelReason = "BadBUtxo"
	CancelBadARefundTx TxCancelReason = "BadARefundTx"
	CancelBadBRefundTx TxCancelReason = "BadBRefundTx"
	CancelBadFeeTx TxCancelReason = "BadFeeTx"
)

// UtxoEntry is a single transaction output, as selected for use as an order
// input or a service-node fee input. Equality (see Equal) considers only the
// outpoint (Txid, Vout); Address/Amount/Signature/RawAddress describe it but
// do not distinguish it from another entry spending the same outpoint.
type UtxoEntry struct {
	Txid string
	Vout uint32
	Address string
	Amount float64 // coin-denominated (not satoshi-equivalent)
	Signature []byte // 65-byte recoverable signature over "txid:vout:address:amount", optional
	RawAddress [20]byte
}

// Equal reports whether two entries name the same outpoint.
func (u UtxoEntry) Equal(o UtxoEntry) bool {
	return u.Txid == o.Txid && u.Vout == o.Vout
}

// Key returns the map key used to index a UtxoEntry by its outpoint.
func (u UtxoEntry) Key() string {
	return u.Txid + ":" + itoa(u.Vout)
}

func itoa(v uint32) string {
	// Avoid importing strconv solely for this in a hot path-adjacent type;
	// kept trivial and allocation-light.
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// KeyPair is a secp256k1 keypair used either as the deposit-leg signing key
// (M) or, for the Maker only, the swap secret (X).
type KeyPair struct {
	Pub [33]byte
	Priv [32]byte
}

// WatchState tracks the deposit watcher's progress for one order.
type WatchState struct {
	StartBlock uint32
	CurrentBlock uint32
	SecretKnown bool
	OtherPayTxID string
	DoneWatching bool
	SelfRedeemed bool // own deposit refunded or never needed to be
	CounterRedeemed bool // counterparty deposit redeemed using revealed secret
	watching bool // single-flight guard for this order's watch pass
}

// Descr is the central order entity.
type Descr struct {
	mu sync.Mutex

	ID [32]byte
	Role Role

	State State

	FromAddress string
	FromRawAddress [20]byte
	FromCurrency string
	FromAmount uint64

	ToAddress string
	ToRawAddress [20]byte
	ToCurrency string
	ToAmount uint64

	Created time.Time
	Txtime time.Time

	CounterpartySessionAddr [20]byte
	ServiceNodePubKey [33]byte

	UsedCoins []UtxoEntry
	FeeUtxos []UtxoEntry

	M KeyPair
	X KeyPair // Maker-only; Taker never populates Priv

	LockTime uint32

	// SecretHash is hash160(X.pub), the value this order's own deposit's
	// redeem script was built with. The Maker derives it from its own X
	// keypair; the Taker learns it from xbcTransactionInit. Recorded here so
	// a refund of this deposit can reconstruct the exact redeem script
	// without re-deriving X.
	SecretHash [20]byte

	Watch WatchState

	ExcludedNodes map[[33]byte]struct{}

	BinTxID string // Maker: id of Maker's own deposit tx; Taker: id of Taker's own deposit tx
	BinVout uint32
	RefundTxID string
	RefundTx string
	CancelReason TxCancelReason

	// Counterparty deposit, learned from the counterparty's own
	// xbcTransactionCreated: enough to reconstruct their HTLC script. Its
	// redemption is signed with this order's own M key and the revealed
	// secret; the disclosed CounterpartyPrivKeyM is recorded but not used
	// for signing.
	CounterpartyBinTxID string
	CounterpartyBinVout uint32
	CounterpartyPubKeyM [33]byte
	CounterpartyPrivKeyM [32]byte
	CounterpartyLockTime uint32

	BlockHash [32]byte // recent block hash used as order-id entropy
	FirstUtxoSig []byte // first usedCoins[0].Signature; breaks hash-input ties
	HubAddress [20]byte // for Taker's xbcTransactionAccepting packet
	FromBlockHeight uint32
	ToBlockHeight uint32
}

// Lock acquires the order's own mutex. Call order.Unlock when done. Per
//, the store's lock must already be released before acquiring
// this; order locks are never nested under the store lock except by TryLock
// in the expiry sweep.
func (d *Descr) Lock() { d.mu.Lock() }

// Unlock releases the order's own mutex.
func (d *Descr) Unlock() { d.mu.Unlock() }

// TryLock attempts to acquire the order's own mutex without blocking. The
// expiry sweep (C6's timer-driven scan) uses this so that an order someone
// else is actively mutating doesn't stall the single-threaded timer.
func (d *Descr) TryLock() bool { return d.mu.TryLock() }

// ExcludeNode adds pubKey to the order's exclusion set. Matches
// xbridgeapp.cpp's excludeNode: exclusion accumulates across relay
// failures, it is never reset.
func (d *Descr) ExcludeNode(pubKey [33]byte) {
	if d.ExcludedNodes == nil {
		d.ExcludedNodes = make(map[[33]byte]struct{})
	}
	d.ExcludedNodes[pubKey] = struct{}{}
}

// ExcludedSet returns a copy of the order's exclusion set.
func (d *Descr) ExcludedSet() map[[33]byte]struct{} {
	out := make(map[[33]byte]struct{}, len(d.ExcludedNodes))
	for k := range d.ExcludedNodes {
		out[k] = struct{}{}
	}
	return out
}

// TryBeginWatch attempts to start a deposit-watcher pass for this order,
// returning false if one is already in flight. Mirrors xbridgeapp.cpp's
// watchDepositsLocker single-flight guard, but scoped per order rather than
// process-wide.
func (d *Descr) TryBeginWatch() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Watch.watching {
		return false
	}
	d.Watch.watching = true
	return true
}

// EndWatch clears the in-flight guard TryBeginWatch set.
func (d *Descr) EndWatch() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Watch.watching = false
}

// AssignServiceNode sets the order's service node pubkey.
func (d *Descr) AssignServiceNode(pubKey [33]byte) {
	d.ServiceNodePubKey = pubKey
}

// UpdateTimestamp advances Txtime to now, used when an order is rebroadcast.
func (d *Descr) UpdateTimestamp() {
	d.Txtime = time.Now().UTC()
}
