// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package wallet maintains the registry of chain connectors a node has
// configured, refreshes them against their RPC backends, and exposes the
// per-chain operations the swap engine and HTLC builder need.
package wallet

import (
	"github.com/blocknetdx/xbridge-go/swap/order"
	"github.com/btcsuite/btcd/wire"
)

// Connector is the chain-specific behavior the rest of the module depends
// on: one implementation per CreateTxMethod (BTC, BCH, DGB, ...). All
// connectors speak UTXO-chain RPC; BCH differs only in its sighash (it uses
// the same legacy base58 addresses), composed rather than inherited.
type Connector interface {
	// Currency is this connector's ticker, matching the [Wallet] config
	// section name it was built from.
	Currency() string
	// COIN is this chain's base-unit scale, the factor amountFromReal and
	// valueFromAmount convert against.
	COIN() uint64

	// Init probes RPC reachability. A failing Init quarantines the
	// connector; it does not tear it down.
	Init() error

	// GetUnspent returns this wallet's unspent outputs, excluding any whose
	// (txid, vout) appears in excluded.
	GetUnspent(excluded map[string]order.UtxoEntry) ([]order.UtxoEntry, error)

	GetBlockCount() (uint32, error)
	GetBlockHash(height uint32) (string, error)
	GetRawMempool() ([]string, error)
	GetTransactionsInBlock(blockHash string) ([]string, error)

	// IsUTXOSpentInTx reports whether the output (binTxID, vout) is consumed
	// as an input of txid, and if so returns the spending input's index.
	IsUTXOSpentInTx(txid, binTxID string, vout uint32) (spent bool, inputIndex int, err error)
	// GetInputScriptSig returns the raw scriptSig of txid's input at
	// inputIndex, the deposit watcher's (C7) way of recovering a revealed
	// secret pubkey from a counterparty's redemption without it ever being
	// relayed as a packet.
	GetInputScriptSig(txid string, inputIndex int) ([]byte, error)

	SignMessage(address string, message []byte) ([65]byte, error)
	NewKeyPair() (pub [33]byte, priv [32]byte, err error)
	GetKeyID(pub [33]byte) ([20]byte, error)

	// PrivateKeyFor exports the private key behind a wallet-controlled
	// address, the way real XBridge pulls a trader's existing coin out of
	// daemon custody to sign a non-standard HTLC spend the daemon's own
	// signrawtransaction cannot construct.
	PrivateKeyFor(address string) ([32]byte, error)

	ToXAddr(raw [20]byte) (string, error)
	FromXAddr(addr string) ([20]byte, error)

	// ServiceAddresses returns the raw addresses this connector should claim
	// in the registry's address-routed inbound map: the trader's own
	// configured Address, decoded to its 20-byte form.
	ServiceAddresses() ([][20]byte, error)

	IsDustAmount(amount float64) bool
	MinTxFee1(numInputs, numOutputs int) float64
	MinTxFee2(numInputs, numOutputs int) float64

	// BlockTimeSecs is this chain's configured average block interval, the
	// input to the locktime-drift invariant.
	BlockTimeSecs() uint32
	// RequiredConfirmations is this chain's configured confirmation
	// threshold before a deposit is treated as final.
	RequiredConfirmations() uint32
	// ServiceNodeFeeAmount is the advertised per-swap fee in this
	// connector's own coin units (meaningful for the BLOCK connector only).
	ServiceNodeFeeAmount() float64

	// PayToScriptHash returns the P2SH locking script for an HTLC redeem
	// script, keeping the chain's address-prefix parameters out of the
	// engine's own concerns.
	PayToScriptHash(redeemScript []byte) ([]byte, error)
	// PayToAddress returns the P2PKH locking script paying rawAddress.
	PayToAddress(rawAddress [20]byte) ([]byte, error)

	CreateRefundTransaction(req RefundRequest) (*wire.MsgTx, error)
	CreatePaymentTransaction(req PaymentRequest) (*wire.MsgTx, error)
	CreateDepositTransaction(req DepositRequest) (*wire.MsgTx, error)
	// CreateFeeTransaction builds the BLOCK-only service-node fee payment
	//: a plain P2PKH spend to the service node's collateral
	// address carrying an OP_RETURN order-attribution payload.
	CreateFeeTransaction(req FeeTxRequest) (*wire.MsgTx, error)

	// Broadcast submits tx to this chain's network via sendrawtransaction,
	// returning its txid.
	Broadcast(tx *wire.MsgTx) (string, error)
}

// FeeTxRequest bundles the parameters CreateFeeTransaction needs.
type FeeTxRequest struct {
	Inputs []order.UtxoEntry
	InputPrivKeys [][32]byte
	PayToRaw [20]byte
	FeeAmount int64
	OpReturnPayload []byte
	ChangePkScript []byte
	ChangeAmount int64
}

// RefundRequest bundles the parameters CreateRefundTransaction needs; the
// connector fills in the chain-specific sighash and script assembly.
type RefundRequest struct {
	Deposit order.UtxoEntry
	LockTime int64
	InnerScript []byte
	RefundPkScript []byte
	PubKeyM []byte
	PrivKeyM [32]byte
}

// PaymentRequest bundles the parameters CreatePaymentTransaction needs.
type PaymentRequest struct {
	Deposit order.UtxoEntry
	InnerScript []byte
	PaymentPkScript []byte
	SecretPub []byte
	PubKeyM []byte
	PrivKeyM [32]byte
}

// DepositRequest bundles the parameters CreateDepositTransaction needs.
type DepositRequest struct {
	Inputs []order.UtxoEntry
	InputPrivKeys [][32]byte
	HTLCPkScript []byte
	DepositAmount int64
	ChangePkScript []byte
	ChangeAmount int64
}
