// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package htlc

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// SigHashAll is the sighash type every swap signature uses; swaps never
// authorize partial-input or partial-output spends.
const SigHashAll = txscript.SigHashAll

// bchForkID is Bitcoin Cash's assigned fork value (BIP-0143-style sighash
// fork id). The low byte of the sighash type embeds 0x40 (SIGHASH_FORKID);
// the upper 24 bits carry forkID<<8.
const bchForkID = 0x00

// bchReplayProtectionXOR is the constant SCRIPT_ENABLE_REPLAY_PROTECTION xors
// into the fork value, Blocknet's variant of BCH's sighash that prevents a
// signature authorized on BCH from replaying on unprotected BTC-fork chains.
const bchReplayProtectionXOR = 0xdead

// bchReplayProtectionMask is ORed into the fork value alongside
// bchReplayProtectionXOR whenever replay protection is enabled, matching
// withForkValue(0xff0000 | newForkValue) in the connector this was ported
// from: the full fork value is 0xFFDEAD, not 0xDEAD.
const bchReplayProtectionMask = 0xff0000

// SigHashForkID is the bit identifying a BIP-0143-style sighash preimage,
// distinct from legacy whole-transaction serialization.
const SigHashForkID = 0x40

// LegacySighash computes the pre-BIP-143, whole-transaction sighash BTC and
// DGB use. inputIndex is the index of the input being signed; subscript is
// the redeem script being satisfied (the previous output's scriptPubKey, or
// the inner HTLC script when spending via P2SH).
func LegacySighash(tx *wire.MsgTx, inputIndex int, subscript []byte, hashType txscript.SigHashType) ([]byte, error) {
	h, err := txscript.CalcSignatureHash(subscript, hashType, tx, inputIndex)
	if err != nil {
		return nil, fmt.Errorf("legacy sighash: %w", err)
	}
	return h, nil
}

// BCHForkIDSighash computes the FORKID sighash preimage digest for input
// inputIndex of tx, spending an output of amount satoshis locked by
// subscript. replayProtected selects Blocknet's 0xdead-xored fork value;
// it must be true for every swap signature BCH connectors produce, since
// BCH connectors never emit a legacy sighash.
func BCHForkIDSighash(tx *wire.MsgTx, inputIndex int, subscript []byte, amount int64, hashType txscript.SigHashType, replayProtected bool) ([32]byte, error) {
	if inputIndex < 0 || inputIndex >= len(tx.TxIn) {
		return [32]byte{}, fmt.Errorf("input index %d out of range", inputIndex)
	}

	hashPrevouts := bchHashPrevouts(tx)
	hashSequence := bchHashSequence(tx)
	hashOutputs := bchHashOutputs(tx)

	var buf bytes.Buffer

	var verBuf [4]byte
	binary.LittleEndian.PutUint32(verBuf[:], uint32(tx.Version))
	buf.Write(verBuf[:])

	buf.Write(hashPrevouts[:])
	buf.Write(hashSequence[:])

	txIn := tx.TxIn[inputIndex]
	buf.Write(txIn.PreviousOutPoint.Hash[:])
	var voutBuf [4]byte
	binary.LittleEndian.PutUint32(voutBuf[:], txIn.PreviousOutPoint.Index)
	buf.Write(voutBuf[:])

	wire.WriteVarBytes(&buf, 0, subscript)

	var amtBuf [8]byte
	binary.LittleEndian.PutUint64(amtBuf[:], uint64(amount))
	buf.Write(amtBuf[:])

	var seqBuf [4]byte
	binary.LittleEndian.PutUint32(seqBuf[:], txIn.Sequence)
	buf.Write(seqBuf[:])

	buf.Write(hashOutputs[:])

	var lockBuf [4]byte
	binary.LittleEndian.PutUint32(lockBuf[:], tx.LockTime)
	buf.Write(lockBuf[:])

	sigHashType := bchSighashType(hashType, replayProtected)
	var typeBuf [4]byte
	binary.LittleEndian.PutUint32(typeBuf[:], sigHashType)
	buf.Write(typeBuf[:])

	return chainhash.DoubleHashH(buf.Bytes()), nil
}

// bchSighashType composes the 32-bit sighash type FORKID signatures carry:
// the base type with SIGHASH_FORKID set in the low byte, and the (optionally
// replay-protection-xored and masked) fork value in the upper 24 bits.
func bchSighashType(hashType txscript.SigHashType, replayProtected bool) uint32 {
	fork := uint32(bchForkID)
	if replayProtected {
		fork = bchReplayProtectionMask | (fork ^ bchReplayProtectionXOR)
	}
	return (fork << 8) | uint32(byte(hashType)) | SigHashForkID
}

func bchHashPrevouts(tx *wire.MsgTx) [32]byte {
	var buf bytes.Buffer
	for _, in := range tx.TxIn {
		buf.Write(in.PreviousOutPoint.Hash[:])
		var idx [4]byte
		binary.LittleEndian.PutUint32(idx[:], in.PreviousOutPoint.Index)
		buf.Write(idx[:])
	}
	return chainhash.DoubleHashH(buf.Bytes())
}

func bchHashSequence(tx *wire.MsgTx) [32]byte {
	var buf bytes.Buffer
	for _, in := range tx.TxIn {
		var seq [4]byte
		binary.LittleEndian.PutUint32(seq[:], in.Sequence)
		buf.Write(seq[:])
	}
	return chainhash.DoubleHashH(buf.Bytes())
}

func bchHashOutputs(tx *wire.MsgTx) [32]byte {
	var buf bytes.Buffer
	for _, out := range tx.TxOut {
		var amt [8]byte
		binary.LittleEndian.PutUint64(amt[:], uint64(out.Value))
		buf.Write(amt[:])
		wire.WriteVarBytes(&buf, 0, out.PkScript)
	}
	return chainhash.DoubleHashH(buf.Bytes())
}

// SighashByte returns the single trailing byte DER signatures append,
// embedding the full low byte of the 32-bit sighash type.
func SighashByte(hashType txscript.SigHashType, forkID bool) byte {
	t := byte(hashType)
	if forkID {
		t |= SigHashForkID
	}
	return t
}
