// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package htlc

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// SequenceFinal and SequenceLockable mirror BIP-68/legacy nSequence values:
// SequenceFinal disables relative locktime entirely (used by redeem/payment
// spends, which carry no CLTV requirement); SequenceLockable is the classic
// "2^32-2" value, the highest one that leaves nLockTime enforceable. It does
// not signal BIP-125 replaceability.
const (
	SequenceFinal = wire.MaxTxInSequenceNum
	SequenceLockable = wire.MaxTxInSequenceNum - 1
)

// Signer produces the scriptSig-ready signature (including its trailing
// sighash-type byte) for input inputIndex of tx, spending subscript locking
// amount satoshis. Each chain connector supplies its own: legacy chains sign
// LegacySighash's digest; BCH connectors sign BCHForkIDSighash's digest and
// must never fall back to the legacy path.
type Signer interface {
	Sign(tx *wire.MsgTx, inputIndex int, subscript []byte, amount int64) ([]byte, error)
}

// Outpoint identifies the transaction output being spent.
type Outpoint struct {
	Hash chainhash.Hash
	Index uint32
}

// BuildRefundTransaction builds and signs the one-input, one-output
// transaction that spends the IF (refund) branch of a deposit's HTLC,
// returning the depositor's funds minus fee. lockTime must equal the
// deposit's HTLC lockTime; nSequence is set to SequenceLockable whenever
// lockTime is nonzero so the absolute lock actually applies.
func BuildRefundTransaction(deposit Outpoint, depositAmount int64, lockTime int64, innerScript []byte, refundPkScript []byte, fee int64, pubkeyM []byte, signer Signer) (*wire.MsgTx, error) {
	if depositAmount <= fee {
		return nil, fmt.Errorf("deposit amount %d does not cover fee %d", depositAmount, fee)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	seq := uint32(SequenceFinal)
	if lockTime > 0 {
		seq = SequenceLockable
	}
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: deposit.Hash, Index: deposit.Index},
		Sequence: seq,
	})
	tx.AddTxOut(wire.NewTxOut(depositAmount-fee, refundPkScript))
	tx.LockTime = uint32(lockTime)

	sig, err := signer.Sign(tx, 0, innerScript, depositAmount)
	if err != nil {
		return nil, fmt.Errorf("signing refund transaction: %w", err)
	}
	scriptSig, err := RefundScriptSig(sig, pubkeyM, innerScript)
	if err != nil {
		return nil, fmt.Errorf("assembling refund scriptSig: %w", err)
	}
	tx.TxIn[0].SignatureScript = scriptSig
	return tx, nil
}

// BuildPaymentTransaction builds and signs the one-input, one-output
// redemption transaction that spends the ELSE (redeem) branch, revealing
// secretPub on-chain. It carries no locktime: the redeem path is available
// from the moment the deposit confirms.
func BuildPaymentTransaction(deposit Outpoint, depositAmount int64, innerScript []byte, paymentPkScript []byte, fee int64, secretPub []byte, pubkeyM []byte, signer Signer) (*wire.MsgTx, error) {
	if depositAmount <= fee {
		return nil, fmt.Errorf("deposit amount %d does not cover fee %d", depositAmount, fee)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: deposit.Hash, Index: deposit.Index},
		Sequence: SequenceFinal,
	})
	tx.AddTxOut(wire.NewTxOut(depositAmount-fee, paymentPkScript))

	sig, err := signer.Sign(tx, 0, innerScript, depositAmount)
	if err != nil {
		return nil, fmt.Errorf("signing payment transaction: %w", err)
	}
	scriptSig, err := PaymentScriptSig(secretPub, sig, pubkeyM, innerScript)
	if err != nil {
		return nil, fmt.Errorf("assembling payment scriptSig: %w", err)
	}
	tx.TxIn[0].SignatureScript = scriptSig
	return tx, nil
}

// DepositInput is one signed input feeding a deposit transaction.
type DepositInput struct {
	Outpoint Outpoint
	Amount int64
	PkScript []byte // the spent output's own scriptPubKey (P2PKH), not the HTLC script
	SigScript func(sig []byte, pubkey []byte) ([]byte, error)
	PublicKey []byte
}

// BuildDepositTransaction assembles and signs the transaction that funds an
// HTLC: one or more selected inputs, a single HTLC output of depositAmount
// locked by htlcPkScript, and (if nonzero) a change output back to
// changePkScript. Inputs are signed in order with signer, which must already
// know, per input, which private key corresponds to its PublicKey.
func BuildDepositTransaction(inputs []DepositInput, htlcPkScript []byte, depositAmount int64, changePkScript []byte, changeAmount int64, signer Signer) (*wire.MsgTx, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("deposit transaction requires at least one input")
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, in := range inputs {
		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: wire.OutPoint{Hash: in.Outpoint.Hash, Index: in.Outpoint.Index},
			Sequence: SequenceFinal,
		})
	}
	tx.AddTxOut(wire.NewTxOut(depositAmount, htlcPkScript))
	if changeAmount > 0 {
		tx.AddTxOut(wire.NewTxOut(changeAmount, changePkScript))
	}

	for i, in := range inputs {
		sig, err := signer.Sign(tx, i, in.PkScript, in.Amount)
		if err != nil {
			return nil, fmt.Errorf("signing deposit input %d: %w", i, err)
		}
		scriptSig, err := in.SigScript(sig, in.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("assembling deposit scriptSig for input %d: %w", i, err)
		}
		tx.TxIn[i].SignatureScript = scriptSig
	}
	return tx, nil
}
