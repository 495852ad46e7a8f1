// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package order

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// IDInputs are the exact fields that determine an order id. Order-id
// determinism requires that recomputing MakeID from identical
// IDInputs yields an identical result; field order and encoding here are
// therefore part of the module's wire contract, not an implementation
// detail.
type IDInputs struct {
	MakerAddress [20]byte
	FromCurrency string
	FromAmount uint64
	TakerAddress [20]byte
	ToCurrency string
	ToAmount uint64
	CreatedMicros int64
	BlockHash [32]byte
	FirstUtxoSig []byte // breaks ties when every other field matches
}

// MakeID computes the deterministic 32-byte order id by double-SHA256 of the
// canonical concatenation of in.
func MakeID(in IDInputs) [32]byte {
	buf := make([]byte, 0, 20+8+8+20+8+8+8+32+len(in.FirstUtxoSig))
	buf = append(buf, in.MakerAddress[:]...)
	buf = appendCurrency(buf, in.FromCurrency)
	buf = binary.LittleEndian.AppendUint64(buf, in.FromAmount)
	buf = append(buf, in.TakerAddress[:]...)
	buf = appendCurrency(buf, in.ToCurrency)
	buf = binary.LittleEndian.AppendUint64(buf, in.ToAmount)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(in.CreatedMicros))
	buf = append(buf, in.BlockHash[:]...)
	buf = append(buf, in.FirstUtxoSig...)
	return chainhash.DoubleHashH(buf)
}

// appendCurrency pads or truncates a currency ticker to the wire-fixed
// 8-byte, NUL-padded field specifies for xbcTransaction.
func appendCurrency(buf []byte, cur string) []byte {
	var field [8]byte
	n := copy(field[:], cur)
	_ = n
	return append(buf, field[:]...)
}
