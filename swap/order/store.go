// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package order

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/blocknetdx/xbridge-go/dex"
	bolt "go.etcd.io/bbolt"
)

var archiveBucket = []byte("orders")

// Store is the process-wide mapping from order id to order descriptor. It
// keeps exactly two sets, live and historical, and an order is a member of
// exactly one of them at any time.
// The store's own lock guards both maps; it is acquired before, and
// released before, any individual order's own lock is taken.
type Store struct {
	mu sync.Mutex
	live map[[32]byte]*Descr
	history map[[32]byte]*Descr

	archive *bolt.DB // optional; nil disables historical archival
	log dex.Logger
}

// New creates an empty Store. If archive is non-nil, orders moved to history
// are also persisted there; live orders are never persisted, so a process
// restart loses any order still in flight.
func New(archive *bolt.DB, log dex.Logger) (*Store, error) {
	if archive != nil {
		if err := archive.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(archiveBucket)
			return err
		}); err != nil {
			return nil, fmt.Errorf("initializing order archive bucket: %w", err)
		}
	}
	return &Store{
		live: make(map[[32]byte]*Descr),
		history: make(map[[32]byte]*Descr),
		archive: archive,
		log: log,
	}, nil
}

// Append adds a newly created or accepted order to the live set. Returns an
// error if an order with the same id is already live or historical (it
// should be structurally impossible given order-id determinism and fresh
// timestamps, but the store enforces it rather than silently clobbering).
func (s *Store) Append(d *Descr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live[d.ID]; ok {
		return fmt.Errorf("order %x already live", d.ID)
	}
	if _, ok := s.history[d.ID]; ok {
		return fmt.Errorf("order %x already historical", d.ID)
	}
	s.live[d.ID] = d
	return nil
}

// Get returns the live order with the given id, if any.
func (s *Store) Get(id [32]byte) (*Descr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.live[id]
	return d, ok
}

// GetHistorical returns the historical order with the given id, if any.
func (s *Store) GetHistorical(id [32]byte) (*Descr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.history[id]
	return d, ok
}

// Live returns a snapshot slice of all live orders. The snapshot is taken
// under the store lock, but the returned *Descr pointers are shared; callers
// still need the per-order lock to safely mutate.
func (s *Store) Live() []*Descr {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Descr, 0, len(s.live))
	for _, d := range s.live {
		out = append(out, d)
	}
	return out
}

// MoveToHistory moves a terminal-state order from live to historical,
// archiving it if an archive DB was configured. It is a no-op (returns
// false) if the order isn't currently live.
func (s *Store) MoveToHistory(id [32]byte) (bool, error) {
	s.mu.Lock()
	d, ok := s.live[id]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	delete(s.live, id)
	s.history[id] = d
	s.mu.Unlock()

	if s.archive != nil {
		if err := s.archiveOrder(d); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Erase removes an order entirely from both sets (used by the expiry sweep
// for Pending orders past their deadline and for Offline/Expired orders past
// their TTL).
func (s *Store) Erase(id [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, id)
	delete(s.history, id)
}

func (s *Store) archiveOrder(d *Descr) error {
	return s.archive.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(archiveBucket)
		key := d.ID[:]
		val := encodeArchiveRecord(d)
		return b.Put(key, val)
	})
}

// encodeArchiveRecord produces a compact record of the fields worth keeping
// for historical audit: enough to answer "what happened to order X", not a
// full byte-for-byte descriptor round trip.
func encodeArchiveRecord(d *Descr) []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, byte(d.Role))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(d.State))
	buf = append(buf, padTicker(d.FromCurrency)...)
	buf = binary.LittleEndian.AppendUint64(buf, d.FromAmount)
	buf = append(buf, padTicker(d.ToCurrency)...)
	buf = binary.LittleEndian.AppendUint64(buf, d.ToAmount)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(d.Created.UTC().UnixMicro()))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(time.Now().UTC().UnixMicro()))
	buf = append(buf, []byte(d.CancelReason)...)
	return buf
}

func padTicker(s string) []byte {
	var field [8]byte
	copy(field[:], s)
	return field[:]
}

// FlushedOrder is a summary of an order erased by FlushCancelledOrders.
type FlushedOrder struct {
	ID [32]byte
	State State
}

// FlushCancelledOrders erases historical orders in a terminal state older
// than minAge, returning a summary of what was erased. It operates on the
// historical set only, never on live orders.
func (s *Store) FlushCancelledOrders(minAge time.Duration) []FlushedOrder {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-minAge)
	var flushed []FlushedOrder
	for id, d := range s.history {
		if !d.State.IsTerminal() {
			continue
		}
		if d.Txtime.After(cutoff) {
			continue
		}
		flushed = append(flushed, FlushedOrder{ID: id, State: d.State})
		delete(s.history, id)
	}
	return flushed
}
