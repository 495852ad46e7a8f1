// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package net

import (
	"runtime"
	"sync"
)

// Handler processes one decoded, verified packet. It runs on a worker
// session's own goroutine, never on the dispatch path itself.
type Handler func(Packet)

// Session is a single worker that processes packets serially off its own
// queue. A Session optionally claims an exact peer address, letting the
// dispatcher route directly to it instead of round-robining.
type Session struct {
	mu sync.Mutex
	address [DestinationSize]byte
	bound bool
	queue chan Packet
	handler Handler
}

// QueueDepth bounds how many packets a session will buffer before Busy
// reports true.
const QueueDepth = 32

// NewSession starts a worker goroutine draining packets into handler.
func NewSession(handler Handler) *Session {
	s := &Session{queue: make(chan Packet, QueueDepth), handler: handler}
	go s.run()
	return s
}

func (s *Session) run() {
	for p := range s.queue {
		s.handler(p)
	}
}

// Busy reports whether the session's queue is currently full — the signal
// the pool uses to replace a stuck head-of-queue session with a fresh one
//.
func (s *Session) Busy() bool {
	return len(s.queue) == cap(s.queue)
}

// Enqueue attempts to hand p to the session without blocking, returning
// false if the queue is full.
func (s *Session) Enqueue(p Packet) bool {
	select {
	case s.queue <- p:
		return true
	default:
		return false
	}
}

// Bind claims address as this session's exact-match identity.
func (s *Session) Bind(address [DestinationSize]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.address = address
	s.bound = true
}

// BoundAddress returns the session's claimed address, if any.
func (s *Session) BoundAddress() ([DestinationSize]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address, s.bound
}

// Close stops the session's worker goroutine once it has handled the packets
// already queued. Enqueue must not be called after Close.
func (s *Session) Close() {
	close(s.queue)
}

// Pool is the bounded, round-robin worker-session pool: "sessions are
// round-robin across a bounded pool sized by hardware concurrency; a busy
// head-of-queue session is replaced by a freshly constructed one."
type Pool struct {
	mu sync.Mutex
	sessions []*Session
	next int
	handler Handler
}

// NewPool creates a Pool sized to runtime.NumCPU() workers, each running
// handler.
func NewPool(handler Handler) *Pool {
	size := runtime.NumCPU()
	if size < 1 {
		size = 1
	}
	p := &Pool{handler: handler}
	for i := 0; i < size; i++ {
		p.sessions = append(p.sessions, NewSession(handler))
	}
	return p
}

// Next returns the next worker session in round-robin order, replacing it
// with a fresh session first if it is currently busy.
func (p *Pool) Next() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.sessions[p.next]
	if s.Busy() {
		s = NewSession(p.handler)
		p.sessions[p.next] = s
	}
	p.next = (p.next + 1) % len(p.sessions)
	return s
}

// ByAddress returns the worker session bound to address, if one claimed it.
func (p *Pool) ByAddress(address [DestinationSize]byte) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		if bound, ok := s.BoundAddress(); ok && bound == address {
			return s, true
		}
	}
	return nil, false
}
