// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package net implements the wire framing, signing, and session routing for
// swap packets: the fixed destination‖timestamp‖body envelope, the
// mempool-style de-dup set, and the worker-session pool packets are routed
// through.
package net

import (
	"encoding/binary"
	"fmt"

	"github.com/blocknetdx/xbridge-go/dex"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// DestinationSize is the fixed width of a packet's destination field: a
// 20-byte keyid, or all-zero for a broadcast.
const DestinationSize = 20

// Broadcast is the all-zero destination meaning "every node".
var Broadcast [DestinationSize]byte

// Packet is a decoded swap message: the fixed header plus an opaque body.
type Packet struct {
	Destination [DestinationSize]byte
	TimestampUS int64
	Body []byte
}

// Encode serializes p into the wire format: 20-byte destination, 8-byte
// little-endian microsecond timestamp, then the body.
func (p Packet) Encode() []byte {
	buf := make([]byte, DestinationSize+8+len(p.Body))
	copy(buf[:DestinationSize], p.Destination[:])
	binary.LittleEndian.PutUint64(buf[DestinationSize:DestinationSize+8], uint64(p.TimestampUS))
	copy(buf[DestinationSize+8:], p.Body)
	return buf
}

// Decode parses the wire format Encode produces.
func Decode(data []byte) (Packet, error) {
	if len(data) < DestinationSize+8 {
		return Packet{}, fmt.Errorf("packet too short: %d bytes", len(data))
	}
	var p Packet
	copy(p.Destination[:], data[:DestinationSize])
	p.TimestampUS = int64(binary.LittleEndian.Uint64(data[DestinationSize : DestinationSize+8]))
	p.Body = data[DestinationSize+8:]
	return p, nil
}

// IsBroadcast reports whether p's destination is the all-zero broadcast
// address.
func (p Packet) IsBroadcast() bool {
	return p.Destination == Broadcast
}

// Hash double-SHA256-hashes the packet's full wire encoding, the value the
// de-dup set and signature cover.
func (p Packet) Hash() chainhash.Hash {
	return chainhash.DoubleHashH(p.Encode())
}

// NewPacket builds a packet stamped with the current monotonic microsecond
// clock (dex.NowMicro), matching what every other timestamp in this module
// uses.
func NewPacket(destination [DestinationSize]byte, body []byte) Packet {
	return Packet{Destination: destination, TimestampUS: dex.NowMicro(), Body: body}
}

// Sign produces a 65-byte recoverable signature over p's hash. The sender's
// pubkey is not part of the signed envelope; Verify recovers it from sig.
func Sign(p Packet, priv *btcec.PrivateKey) [65]byte {
	h := p.Hash()
	sig := ecdsa.SignCompact(priv, h[:], true)
	var out [65]byte
	copy(out[:], sig)
	return out
}

// Verify recovers the public key that produced sig over p's hash and
// reports whether it matches expectedPub.
func Verify(p Packet, sig [65]byte, expectedPub [33]byte) bool {
	h := p.Hash()
	pub, _, err := ecdsa.RecoverCompact(sig[:], h[:])
	if err != nil {
		return false
	}
	var got [33]byte
	copy(got[:], pub.SerializeCompressed())
	return got == expectedPub
}

// DedupSet bounds the set of recently-seen packet hashes by an estimated
// byte budget, clearing wholesale on overflow.
type DedupSet struct {
	seen map[chainhash.Hash]struct{}
	limit int
	log dex.Logger
}

// hashEstimateBytes is the per-entry size DedupSet budgets against: the
// 32-byte hash plus Go's map bookkeeping overhead, rounded up to a flat
// 64-byte estimate per entry.
const hashEstimateBytes = 64

// NewDedupSet creates a set bounded to maxMB megabytes of estimated entries.
func NewDedupSet(maxMB int, log dex.Logger) *DedupSet {
	limit := (maxMB * 1024 * 1024) / hashEstimateBytes
	if limit <= 0 {
		limit = 1
	}
	return &DedupSet{seen: make(map[chainhash.Hash]struct{}), limit: limit, log: log}
}

// SeenOrAdd reports whether h was already known; if not, it is added. The
// set is cleared entirely once it would exceed its byte budget rather than
// evicting individual entries.
func (d *DedupSet) SeenOrAdd(h chainhash.Hash) bool {
	if _, ok := d.seen[h]; ok {
		return true
	}
	if len(d.seen) >= d.limit {
		d.log.Warnf("packet de-dup set exceeded %d entries, clearing", d.limit)
		d.seen = make(map[chainhash.Hash]struct{})
	}
	d.seen[h] = struct{}{}
	return false
}
