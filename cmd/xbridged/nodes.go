// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/blocknetdx/xbridge-go/swap/snode"
)

// nodeEntry is one line of the externally-supplied service node registry
// snapshot: produced out of band, e.g. from a governance snapshot, and only
// ever read by this binary.
type nodeEntry struct {
	PubKey          string   `json:"pubkey"`
	ProtocolVersion uint32   `json:"protocolVersion"`
	Services        []string `json:"services"`
	Running         bool     `json:"running"`
}

// loadNodeRegistry reads path's JSON node list into snode.Node values. A
// missing file is not an error: a node with no registry snapshot yet simply
// has no service nodes to select, which rebroadcastStuckOrders and CreateOrder already
// handle as "no selector result".
func loadNodeRegistry(path string) ([]snode.Node, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading node registry %s: %w", path, err)
	}

	var entries []nodeEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing node registry %s: %w", path, err)
	}

	out := make([]snode.Node, 0, len(entries))
	for _, e := range entries {
		raw, err := hex.DecodeString(e.PubKey)
		if err != nil || len(raw) != 33 {
			return nil, fmt.Errorf("node registry %s: invalid pubkey %q", path, e.PubKey)
		}
		n := snode.Node{ProtocolVersion: e.ProtocolVersion, Running: e.Running, Services: make(map[string]struct{}, len(e.Services))}
		copy(n.PubKey[:], raw)
		for _, svc := range e.Services {
			n.Services[svc] = struct{}{}
		}
		out = append(out, n)
	}
	return out, nil
}
