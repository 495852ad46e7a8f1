// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package snode

import (
	"math/rand"
	"reflect"
	"testing"
)

func svc(currencies ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(currencies))
	for _, c := range currencies {
		m[c] = struct{}{}
	}
	return m
}

func sampleNodes() []Node {
	return []Node{
		{PubKey: [33]byte{1}, ProtocolVersion: 1, Running: true, Services: svc("BTC", "DGB")},
		{PubKey: [33]byte{2}, ProtocolVersion: 1, Running: true, Services: svc("BTC")},
		{PubKey: [33]byte{3}, ProtocolVersion: 2, Running: true, Services: svc("BTC", "DGB")},
		{PubKey: [33]byte{4}, ProtocolVersion: 1, Running: false, Services: svc("BTC", "DGB")},
		{PubKey: [33]byte{5}, ProtocolVersion: 1, Running: true, Services: svc("BTC", "DGB")},
	}
}

func TestSelectFiltersByServicesVersionAndRunning(t *testing.T) {
	s := New(sampleNodes(), rand.NewSource(1))
	got := s.Select([]string{"BTC", "DGB"}, 1, nil)

	if len(got) != 2 {
		t.Fatalf("expected nodes 1 and 5 to qualify, got %d: %+v", len(got), got)
	}
	seen := map[[33]byte]bool{}
	for _, n := range got {
		seen[n.PubKey] = true
	}
	if !seen[[33]byte{1}] || !seen[[33]byte{5}] {
		t.Fatalf("expected pubkeys 1 and 5 in result, got %+v", got)
	}
}

func TestSelectExcludesFailedNodes(t *testing.T) {
	s := New(sampleNodes(), rand.NewSource(1))
	excluded := map[[33]byte]struct{}{{1}: {}}
	got := s.Select([]string{"BTC", "DGB"}, 1, excluded)
	for _, n := range got {
		if n.PubKey == [33]byte{1} {
			t.Fatal("excluded node must not appear in the result")
		}
	}
}

func TestSelectDeterministicWithFixedSource(t *testing.T) {
	s1 := New(sampleNodes(), rand.NewSource(42))
	s2 := New(sampleNodes(), rand.NewSource(42))

	got1 := s1.Select([]string{"BTC", "DGB"}, 1, nil)
	got2 := s2.Select([]string{"BTC", "DGB"}, 1, nil)
	if !reflect.DeepEqual(got1, got2) {
		t.Fatalf("expected identical shuffles from identical sources, got %+v vs %+v", got1, got2)
	}
}

func TestSelectEmptyWhenNoCandidates(t *testing.T) {
	s := New(sampleNodes(), rand.NewSource(1))
	got := s.Select([]string{"BCH"}, 1, nil)
	if len(got) != 0 {
		t.Fatalf("expected no candidates advertising BCH, got %+v", got)
	}
}
