// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package htlc builds and signs the hash-time-locked contracts that back a
// swap leg: the redeem script shared by both legs, the refund and payment
// transactions that spend it, and the chain-specific sighash each requires.
package htlc

import (
	"fmt"

	"github.com/btcsuite/btcd/txscript"
)

// PubKeyHashSize and SecretPubKeySize are the fixed sizes the redeem script
// checks against; the secret revealed on-chain is always a 33-byte
// compressed public key, never the raw 32-byte private scalar.
const (
	PubKeyHashSize = 20
	SecretPubKeySize = 33
)

// BuildRedeemScript constructs the two-branch HTLC redeem script: an IF/CLTV
// refund branch paying refundPkh after lockTime, and an ELSE branch paying
// redeemPkh against a signature plus a 33-byte preimage whose HASH160 equals
// secretHash. The depositor's own pkh always goes in the refund branch (only
// the depositor needs to reclaim a stuck deposit, with no disclosure from
// the counterparty required) and the counterparty's pkh always goes in the
// redeem branch (only the counterparty ever learns the secret and spends
// that way). Script bytes are identical regardless of which side reconstructs
// them, given the same four inputs.
func BuildRedeemScript(lockTime int64, refundPkh, redeemPkh [PubKeyHashSize]byte, secretHash [PubKeyHashSize]byte) ([]byte, error) {
	b := txscript.NewScriptBuilder()
	b.AddOp(txscript.OP_IF)
	b.AddInt64(lockTime)
	b.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	b.AddOp(txscript.OP_DROP)
	b.AddOp(txscript.OP_DUP)
	b.AddOp(txscript.OP_HASH160)
	b.AddData(refundPkh[:])
	b.AddOp(txscript.OP_EQUALVERIFY)
	b.AddOp(txscript.OP_CHECKSIG)
	b.AddOp(txscript.OP_ELSE)
	b.AddOp(txscript.OP_DUP)
	b.AddOp(txscript.OP_HASH160)
	b.AddData(redeemPkh[:])
	b.AddOp(txscript.OP_EQUALVERIFY)
	b.AddOp(txscript.OP_CHECKSIGVERIFY)
	b.AddOp(txscript.OP_SIZE)
	b.AddInt64(SecretPubKeySize)
	b.AddOp(txscript.OP_EQUALVERIFY)
	b.AddOp(txscript.OP_HASH160)
	b.AddData(secretHash[:])
	b.AddOp(txscript.OP_EQUAL)
	b.AddOp(txscript.OP_ENDIF)
	script, err := b.Script()
	if err != nil {
		return nil, fmt.Errorf("building redeem script: %w", err)
	}
	return script, nil
}

// RefundScriptSig assembles the scriptSig that spends the IF (refund) branch:
// <sig> <pubkeyM> OP_TRUE <innerScript>.
func RefundScriptSig(sig []byte, pubkeyM []byte, innerScript []byte) ([]byte, error) {
	b := txscript.NewScriptBuilder()
	b.AddData(sig)
	b.AddData(pubkeyM)
	b.AddOp(txscript.OP_TRUE)
	b.AddData(innerScript)
	return b.Script()
}

// PaymentScriptSig assembles the scriptSig that spends the ELSE (redeem)
// branch: <X.pub> <sig> <pubkeyM> OP_FALSE <innerScript>.
func PaymentScriptSig(secretPub []byte, sig []byte, pubkeyM []byte, innerScript []byte) ([]byte, error) {
	b := txscript.NewScriptBuilder()
	b.AddData(secretPub)
	b.AddData(sig)
	b.AddData(pubkeyM)
	b.AddOp(txscript.OP_FALSE)
	b.AddData(innerScript)
	return b.Script()
}

// ExtractSecretPub recovers the revealed secret's compressed public key from
// a scriptSig built by PaymentScriptSig: its first pushed data item, sized
// exactly SecretPubKeySize.
func ExtractSecretPub(scriptSig []byte) ([]byte, error) {
	pushes, err := txscript.PushedData(scriptSig)
	if err != nil {
		return nil, fmt.Errorf("parsing scriptSig: %w", err)
	}
	if len(pushes) == 0 || len(pushes[0]) != SecretPubKeySize {
		return nil, fmt.Errorf("scriptSig does not begin with a %d-byte secret pubkey", SecretPubKeySize)
	}
	return pushes[0], nil
}
