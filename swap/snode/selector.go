// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package snode selects a service node to relay a swap: one whose advertised
// services cover both legs of the trade, isn't running a stale protocol
// version, and hasn't already failed this order.
package snode

import "math/rand"

// Node is one entry in the externally-supplied service node registry
//.
type Node struct {
	PubKey [33]byte
	ProtocolVersion uint32
	Services map[string]struct{} // advertised currencies
	Running bool
}

// Selector chooses service nodes out of a provided registry snapshot. The
// shuffle order is deterministic with respect to the rand.Source it was
// built with: production wiring seeds from the process start time, tests
// pass a fixed source so the chosen ordering reproduces exactly.
type Selector struct {
	nodes []Node
	src rand.Source
}

// New builds a Selector over a snapshot of the node registry. The registry
// itself is refreshed elsewhere (it is not this type's concern); Selector
// only orders and filters whatever snapshot it's given.
func New(nodes []Node, src rand.Source) *Selector {
	return &Selector{nodes: nodes, src: src}
}

// Select returns the deterministically shuffled list of nodes that run
// protocolVersion, are not in excluded, and advertise every currency in
// required. The first element, if any, is the node a caller should use.
func (s *Selector) Select(required []string, protocolVersion uint32, excluded map[[33]byte]struct{}) []Node {
	var candidates []Node
	for _, n := range s.nodes {
		if !n.Running {
			continue
		}
		if n.ProtocolVersion != protocolVersion {
			continue
		}
		if _, excludedNode := excluded[n.PubKey]; excludedNode {
			continue
		}
		if !advertisesAll(n, required) {
			continue
		}
		candidates = append(candidates, n)
	}
	return s.shuffle(candidates)
}

func advertisesAll(n Node, required []string) bool {
	for _, cur := range required {
		if _, ok := n.Services[cur]; !ok {
			return false
		}
	}
	return true
}

// shuffle performs a Fisher-Yates shuffle seeded by s.src, so two Selectors
// built with the same source and fed the same candidate set always produce
// the same ordering.
func (s *Selector) shuffle(nodes []Node) []Node {
	if len(nodes) < 2 {
		return nodes
	}
	out := make([]Node, len(nodes))
	copy(out, nodes)
	r := rand.New(s.src)
	r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
