// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package net

import (
	"fmt"
	"sync"

	"github.com/blocknetdx/xbridge-go/dex"
)

// AddressResolver answers whether a raw address is claimed by some
// currently-registered wallet connector (the wallet Registry's address
// map). Dispatcher depends on this interface, not the wallet package
// itself, keeping the two independently testable.
type AddressResolver interface {
	HasAddress(rawAddress [DestinationSize]byte) bool
}

// Dispatcher implements the routing half of: reject
// already-seen packets, then route by exact session match, address-map
// match, service-node identity match, or broadcast.
type Dispatcher struct {
	mu sync.RWMutex // "sessionsLock": guards exact and isActiveServiceNode
	exact map[[DestinationSize]byte]*Session

	pool *Pool
	resolver AddressResolver
	dedup *DedupSet
	selfKeyID [DestinationSize]byte
	isActiveServiceNode bool

	log dex.Logger
}

// New creates a Dispatcher. selfKeyID is this node's own identity for the
// "destination equals this node's keyid" route; that route is off until
// SetActiveServiceNode(true) is called, and SetActiveServiceNode flips it as
// the node's service-node registration comes and goes.
func New(pool *Pool, resolver AddressResolver, dedup *DedupSet, selfKeyID [DestinationSize]byte, log dex.Logger) *Dispatcher {
	return &Dispatcher{
		exact: make(map[[DestinationSize]byte]*Session),
		pool: pool,
		resolver: resolver,
		dedup: dedup,
		selfKeyID: selfKeyID,
		log: log,
	}
}

// SetActiveServiceNode flips whether this node currently answers to its own
// keyid as a service-node destination.
func (d *Dispatcher) SetActiveServiceNode(active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.isActiveServiceNode = active
}

// BindExact registers s as the exact-match session for address, replacing
// whatever session previously claimed it.
func (d *Dispatcher) BindExact(address [DestinationSize]byte, s *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exact[address] = s
}

// UnbindExact removes address's exact-match session, if any.
func (d *Dispatcher) UnbindExact(address [DestinationSize]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.exact, address)
}

// Dispatch routes an inbound, already-decoded packet. It returns an error
// when no session matches the destination or the chosen session's queue is
// full (a duplicate hash is not an error — it is simply dropped).
func (d *Dispatcher) Dispatch(p Packet) error {
	if d.dedup.SeenOrAdd(p.Hash()) {
		d.log.Debugf("dropping duplicate packet %s", p.Hash())
		return nil
	}

	session := d.route(p)
	if session == nil {
		return fmt.Errorf("no route for destination %x", p.Destination)
	}
	if !session.Enqueue(p) {
		return fmt.Errorf("session queue full for destination %x", p.Destination)
	}
	return nil
}

func (d *Dispatcher) route(p Packet) *Session {
	if p.IsBroadcast() {
		return d.pool.Next()
	}

	d.mu.RLock()
	exact, hasExact := d.exact[p.Destination]
	activeServiceNode := d.isActiveServiceNode
	selfKeyID := d.selfKeyID
	d.mu.RUnlock()

	if hasExact {
		return exact
	}
	if d.resolver != nil && d.resolver.HasAddress(p.Destination) {
		return d.pool.Next()
	}
	if activeServiceNode && p.Destination == selfKeyID {
		return d.pool.Next()
	}
	return nil
}
