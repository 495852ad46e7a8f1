// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package engine implements the order lifecycle state machine: order
// creation and acceptance, the maker- and taker-side packet handlers that
// drive an order from New through Finished (or one of its terminal
// failure states), and the timer-driven stuck-order rebroadcast and expiry
// sweep.
package engine

import (
	"encoding/binary"
	"fmt"

	"github.com/blocknetdx/xbridge-go/swap/order"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MsgType tags the body of a decoded net.Packet so HandlePacket can dispatch
// without guessing, mirroring the named packet kinds of
type MsgType byte

const (
	MsgTransaction MsgType = iota + 1
	MsgTransactionAccepting
	MsgTransactionHold
	MsgTransactionInit
	MsgTransactionCreated
	MsgTransactionConfirmA
	MsgTransactionConfirmB
	MsgTransactionCancel
	MsgTransactionFinished
)

func encodeUtxoList(buf []byte, utxos []order.UtxoEntry) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(utxos)))
	for _, u := range utxos {
		hash, err := chainhash.NewHashFromStr(u.Txid)
		if err != nil {
			// Callers are expected to only place well-formed txids into
			// usedCoins; a malformed one here is a programming error upstream.
			hash = &chainhash.Hash{}
		}
		buf = append(buf, hash[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, u.Vout)
		buf = append(buf, u.RawAddress[:]...)
		var sig [65]byte
		copy(sig[:], u.Signature)
		buf = append(buf, sig[:]...)
	}
	return buf
}

func decodeUtxoList(data []byte) ([]order.UtxoEntry, []byte, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("utxo list: short header")
	}
	count := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	const entrySize = 32 + 4 + 20 + 65
	out := make([]order.UtxoEntry, count)
	for i := uint32(0); i < count; i++ {
		if len(data) < entrySize {
			return nil, nil, fmt.Errorf("utxo list: truncated entry %d", i)
		}
		var hash chainhash.Hash
		copy(hash[:], data[:32])
		var raw [20]byte
		copy(raw[:], data[36:56])
		var sig [65]byte
		copy(sig[:], data[56:121])
		out[i] = order.UtxoEntry{
			Txid: hash.String(),
			Vout: binary.LittleEndian.Uint32(data[32:36]),
			RawAddress: raw,
			Signature: sig[:],
		}
		data = data[entrySize:]
	}
	return out, data, nil
}

// TransactionMsg is the order-announce packet (xbcTransaction).
type TransactionMsg struct {
	OrderID [32]byte
	From [20]byte
	FromCurrency string
	FromAmount uint64
	To [20]byte
	ToCurrency string
	ToAmount uint64
	CreatedMicros int64
	BlockHash [32]byte
	Utxos []order.UtxoEntry
}

func putTicker(buf []byte, s string) []byte {
	var field [8]byte
	copy(field[:], s)
	return append(buf, field[:]...)
}

func getTicker(data []byte) string {
	n := 0
	for n < len(data) && data[n] != 0 {
		n++
	}
	return string(data[:n])
}

// Encode serializes the message in the exact field order gives.
func (m TransactionMsg) Encode() []byte {
	buf := make([]byte, 0, 32+20+8+8+20+8+8+8+32+4)
	buf = append(buf, m.OrderID[:]...)
	buf = append(buf, m.From[:]...)
	buf = putTicker(buf, m.FromCurrency)
	buf = binary.LittleEndian.AppendUint64(buf, m.FromAmount)
	buf = append(buf, m.To[:]...)
	buf = putTicker(buf, m.ToCurrency)
	buf = binary.LittleEndian.AppendUint64(buf, m.ToAmount)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.CreatedMicros))
	buf = append(buf, m.BlockHash[:]...)
	buf = encodeUtxoList(buf, m.Utxos)
	return buf
}

// DecodeTransactionMsg parses the body Encode produces.
func DecodeTransactionMsg(data []byte) (TransactionMsg, error) {
	const fixedLen = 32 + 20 + 8 + 8 + 20 + 8 + 8 + 8 + 32
	if len(data) < fixedLen {
		return TransactionMsg{}, fmt.Errorf("xbcTransaction: short packet")
	}
	var m TransactionMsg
	copy(m.OrderID[:], data[0:32])
	copy(m.From[:], data[32:52])
	m.FromCurrency = getTicker(data[52:60])
	m.FromAmount = binary.LittleEndian.Uint64(data[60:68])
	copy(m.To[:], data[68:88])
	m.ToCurrency = getTicker(data[88:96])
	m.ToAmount = binary.LittleEndian.Uint64(data[96:104])
	m.CreatedMicros = int64(binary.LittleEndian.Uint64(data[104:112]))
	copy(m.BlockHash[:], data[112:144])
	utxos, _, err := decodeUtxoList(data[144:])
	if err != nil {
		return TransactionMsg{}, err
	}
	m.Utxos = utxos
	return m, nil
}

// AcceptingMsg is the taker's order-accept packet (xbcTransactionAccepting).
type AcceptingMsg struct {
	HubAddr [20]byte
	OrderID [32]byte
	From [20]byte
	FromCurrency string
	FromAmount uint64
	FromBlockHeight uint32
	FromBlockHashPfx uint64
	To [20]byte
	ToCurrency string
	ToAmount uint64
	ToBlockHeight uint32
	ToBlockHashPfx uint64
	Utxos []order.UtxoEntry
}

func (m AcceptingMsg) Encode() []byte {
	buf := make([]byte, 0, 20+32+20+8+8+4+8+20+8+8+4+8)
	buf = append(buf, m.HubAddr[:]...)
	buf = append(buf, m.OrderID[:]...)
	buf = append(buf, m.From[:]...)
	buf = putTicker(buf, m.FromCurrency)
	buf = binary.LittleEndian.AppendUint64(buf, m.FromAmount)
	buf = binary.LittleEndian.AppendUint32(buf, m.FromBlockHeight)
	buf = binary.LittleEndian.AppendUint64(buf, m.FromBlockHashPfx)
	buf = append(buf, m.To[:]...)
	buf = putTicker(buf, m.ToCurrency)
	buf = binary.LittleEndian.AppendUint64(buf, m.ToAmount)
	buf = binary.LittleEndian.AppendUint32(buf, m.ToBlockHeight)
	buf = binary.LittleEndian.AppendUint64(buf, m.ToBlockHashPfx)
	buf = encodeUtxoList(buf, m.Utxos)
	return buf
}

func DecodeAcceptingMsg(data []byte) (AcceptingMsg, error) {
	const fixedLen = 20 + 32 + 20 + 8 + 8 + 4 + 8 + 20 + 8 + 8 + 4 + 8
	if len(data) < fixedLen {
		return AcceptingMsg{}, fmt.Errorf("xbcTransactionAccepting: short packet")
	}
	var m AcceptingMsg
	copy(m.HubAddr[:], data[0:20])
	copy(m.OrderID[:], data[20:52])
	copy(m.From[:], data[52:72])
	m.FromCurrency = getTicker(data[72:80])
	m.FromAmount = binary.LittleEndian.Uint64(data[80:88])
	m.FromBlockHeight = binary.LittleEndian.Uint32(data[88:92])
	m.FromBlockHashPfx = binary.LittleEndian.Uint64(data[92:100])
	copy(m.To[:], data[100:120])
	m.ToCurrency = getTicker(data[120:128])
	m.ToAmount = binary.LittleEndian.Uint64(data[128:136])
	m.ToBlockHeight = binary.LittleEndian.Uint32(data[136:140])
	m.ToBlockHashPfx = binary.LittleEndian.Uint64(data[140:148])
	utxos, _, err := decodeUtxoList(data[148:])
	if err != nil {
		return AcceptingMsg{}, err
	}
	m.Utxos = utxos
	return m, nil
}

// HoldMsg notifies the maker that a service node has accepted relay duty
// for an order (xbcTransactionHold).
type HoldMsg struct {
	OrderID [32]byte
	ServiceNode [33]byte
}

func (m HoldMsg) Encode() []byte {
	buf := make([]byte, 0, 32+33)
	buf = append(buf, m.OrderID[:]...)
	buf = append(buf, m.ServiceNode[:]...)
	return buf
}

func DecodeHoldMsg(data []byte) (HoldMsg, error) {
	if len(data) < 32+33 {
		return HoldMsg{}, fmt.Errorf("xbcTransactionHold: short packet")
	}
	var m HoldMsg
	copy(m.OrderID[:], data[0:32])
	copy(m.ServiceNode[:], data[32:65])
	return m, nil
}

// InitMsg is the service node's combined deposit-init broadcast
// (xbcTransactionInit), routed to both the maker and the taker once Hold
// and Accepting have both been observed. It carries every value either
// side needs to build its own deposit against the other's pubkey: the
// maker learns the taker's M pubkey, the taker learns the maker's M pubkey
// and the secret's hash160 (the maker never reveals X itself here, only
// its hash).
type InitMsg struct {
	OrderID [32]byte
	MakerPubKeyM [33]byte
	TakerPubKeyM [33]byte
	SecretHash [20]byte
	MakerLockTime int64
	TakerLockTime int64
}

func (m InitMsg) Encode() []byte {
	buf := make([]byte, 0, 32+33+33+20+8+8)
	buf = append(buf, m.OrderID[:]...)
	buf = append(buf, m.MakerPubKeyM[:]...)
	buf = append(buf, m.TakerPubKeyM[:]...)
	buf = append(buf, m.SecretHash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.MakerLockTime))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.TakerLockTime))
	return buf
}

func DecodeInitMsg(data []byte) (InitMsg, error) {
	const wantLen = 32 + 33 + 33 + 20 + 8 + 8
	if len(data) < wantLen {
		return InitMsg{}, fmt.Errorf("xbcTransactionInit: short packet")
	}
	var m InitMsg
	copy(m.OrderID[:], data[0:32])
	copy(m.MakerPubKeyM[:], data[32:65])
	copy(m.TakerPubKeyM[:], data[65:98])
	copy(m.SecretHash[:], data[98:118])
	m.MakerLockTime = int64(binary.LittleEndian.Uint64(data[118:126]))
	m.TakerLockTime = int64(binary.LittleEndian.Uint64(data[126:134]))
	return m, nil
}

// CreatedMsg proves the sender's deposit to the other side
// (xbcTransactionCreated). It also discloses the sender's own M private key,
// which the receiver records as CounterpartyPrivKeyM. The receiver does not
// sign with it: the redeem branch of this deposit checks the receiver's own
// M key, so its redemption is signed with that key plus the revealed secret.
type CreatedMsg struct {
	OrderID [32]byte
	DepTxid [32]byte
	DepVout uint32
	PubKeyM [33]byte
	PrivKeyM [32]byte
	LockTime int64
}

func (m CreatedMsg) Encode() []byte {
	buf := make([]byte, 0, 32+32+4+33+32+8)
	buf = append(buf, m.OrderID[:]...)
	buf = append(buf, m.DepTxid[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, m.DepVout)
	buf = append(buf, m.PubKeyM[:]...)
	buf = append(buf, m.PrivKeyM[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.LockTime))
	return buf
}

func DecodeCreatedMsg(data []byte) (CreatedMsg, error) {
	const wantLen = 32 + 32 + 4 + 33 + 32 + 8
	if len(data) < wantLen {
		return CreatedMsg{}, fmt.Errorf("xbcTransactionCreated: short packet")
	}
	var m CreatedMsg
	copy(m.OrderID[:], data[0:32])
	copy(m.DepTxid[:], data[32:64])
	m.DepVout = binary.LittleEndian.Uint32(data[64:68])
	copy(m.PubKeyM[:], data[68:101])
	copy(m.PrivKeyM[:], data[101:133])
	m.LockTime = int64(binary.LittleEndian.Uint64(data[133:141]))
	return m, nil
}

// ConfirmAMsg is the maker's secret revelation (xbcTransactionConfirmA): the
// raw 32-byte private scalar of X, handed to the taker once the maker has
// already spent the taker's deposit on-chain using it.
type ConfirmAMsg struct {
	OrderID [32]byte
	PrivX [32]byte
}

func (m ConfirmAMsg) Encode() []byte {
	buf := make([]byte, 0, 32+32)
	buf = append(buf, m.OrderID[:]...)
	buf = append(buf, m.PrivX[:]...)
	return buf
}

func DecodeConfirmAMsg(data []byte) (ConfirmAMsg, error) {
	if len(data) < 32+32 {
		return ConfirmAMsg{}, fmt.Errorf("xbcTransactionConfirmA: short packet")
	}
	var m ConfirmAMsg
	copy(m.OrderID[:], data[0:32])
	copy(m.PrivX[:], data[32:64])
	return m, nil
}

// ConfirmBMsg is the taker's redemption proof (xbcTransactionConfirmB): once
// the taker has spent the maker's deposit using the revealed secret, it
// reports the redemption txid so the maker can move the order to Finished
// without independently re-scanning the taker's chain.
type ConfirmBMsg struct {
	OrderID [32]byte
	PayTxid [32]byte
	PayVout uint32
}

func (m ConfirmBMsg) Encode() []byte {
	buf := make([]byte, 0, 32+32+4)
	buf = append(buf, m.OrderID[:]...)
	buf = append(buf, m.PayTxid[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, m.PayVout)
	return buf
}

func DecodeConfirmBMsg(data []byte) (ConfirmBMsg, error) {
	if len(data) < 32+32+4 {
		return ConfirmBMsg{}, fmt.Errorf("xbcTransactionConfirmB: short packet")
	}
	var m ConfirmBMsg
	copy(m.OrderID[:], data[0:32])
	copy(m.PayTxid[:], data[32:64])
	m.PayVout = binary.LittleEndian.Uint32(data[64:68])
	return m, nil
}

// CancelMsg ends an order early (xbcTransactionCancel).
type CancelMsg struct {
	OrderID [32]byte
	Reason order.TxCancelReason
}

func (m CancelMsg) Encode() []byte {
	buf := make([]byte, 0, 32+len(m.Reason))
	buf = append(buf, m.OrderID[:]...)
	buf = append(buf, []byte(m.Reason)...)
	return buf
}

func DecodeCancelMsg(data []byte) (CancelMsg, error) {
	if len(data) < 32 {
		return CancelMsg{}, fmt.Errorf("xbcTransactionCancel: short packet")
	}
	return CancelMsg{OrderID: [32]byte(data[0:32]), Reason: order.TxCancelReason(data[32:])}, nil
}

// FinishedMsg announces terminal completion (xbcTransactionFinished).
type FinishedMsg struct {
	OrderID [32]byte
}

func (m FinishedMsg) Encode() []byte {
	return append([]byte{}, m.OrderID[:]...)
}

func DecodeFinishedMsg(data []byte) (FinishedMsg, error) {
	if len(data) < 32 {
		return FinishedMsg{}, fmt.Errorf("xbcTransactionFinished: short packet")
	}
	return FinishedMsg{OrderID: [32]byte(data[0:32])}, nil
}
