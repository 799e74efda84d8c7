package task

import (
	"fmt"
	"net/netip"
	"testing"

	"kadnet/internal/core"
	"kadnet/internal/routing"
)

func candidate(i int) core.NodeInfo {
	return core.NodeInfo{
		ID:   core.RandomID(),
		Addr: netip.MustParseAddrPort(fmt.Sprintf("10.9.0.%d:39001", i+1)),
	}
}

func TestCandidateSetDedup(t *testing.T) {
	target := core.RandomID()
	s := NewCandidateSet(target)

	n := candidate(1)
	s.Add(n)
	s.Add(n)
	if s.Size() != 1 {
		t.Fatalf("duplicate id admitted")
	}

	sameAddr := core.NodeInfo{ID: core.RandomID(), Addr: n.Addr}
	s.Add(sameAddr)
	if s.Size() != 1 {
		t.Fatalf("duplicate address admitted")
	}
}

func TestCandidateSetNextIsClosestUnqueried(t *testing.T) {
	target := core.RandomID()
	s := NewCandidateSet(target)
	for i := 0; i < 16; i++ {
		s.Add(candidate(i))
	}
	first := s.Next()
	if first == nil {
		t.Fatalf("no candidate")
	}
	// Nothing in the set may be closer than the one Next picked.
	for _, cn := range s.entries {
		if target.ThreeWayCompare(cn.ID, first.ID) < 0 {
			t.Fatalf("closer unqueried candidate skipped")
		}
	}
	first.queried = true
	second := s.Next()
	if second == nil || second == first {
		t.Fatalf("queried candidate returned again")
	}
	first.queried = false
	first.inFlight = true
	if s.Next() == first {
		t.Fatalf("in-flight candidate returned")
	}
}

func TestClosestSetCapacityAndOrder(t *testing.T) {
	target := core.RandomID()
	s := NewClosestSet(target)
	for i := 0; i < 32; i++ {
		s.Reach(&CandidateNode{NodeInfo: candidate(i)})
	}
	if s.Size() != routing.BucketSize {
		t.Fatalf("size = %d", s.Size())
	}
	entries := s.Entries()
	for i := 1; i < len(entries); i++ {
		if target.ThreeWayCompare(entries[i-1].ID, entries[i].ID) > 0 {
			t.Fatalf("closest set out of order at %d", i)
		}
	}
}

func TestClosestSetEligible(t *testing.T) {
	target := core.ZeroID
	s := NewClosestSet(target)
	if !s.Eligible(core.RandomID()) {
		t.Fatalf("empty set must accept anything")
	}
	// Fill with mid-range ids, then check both directions.
	for i := 0; i < routing.BucketSize; i++ {
		id := core.Id{0: 0x40, 31: byte(i)}
		s.Reach(&CandidateNode{NodeInfo: core.NodeInfo{ID: id, Addr: candidate(i).Addr}})
	}
	near := core.Id{0: 0x01}
	far := core.Id{0: 0x80}
	if !s.Eligible(near) {
		t.Fatalf("closer id must be eligible")
	}
	if s.Eligible(far) {
		t.Fatalf("farther id must not be eligible")
	}
}

func TestClosestSetRejectsDuplicates(t *testing.T) {
	target := core.RandomID()
	s := NewClosestSet(target)
	cn := &CandidateNode{NodeInfo: candidate(0)}
	s.Reach(cn)
	s.Reach(cn)
	if s.Size() != 1 {
		t.Fatalf("duplicate reach admitted")
	}
}

func TestCandidateToken(t *testing.T) {
	cn := &CandidateNode{NodeInfo: candidate(0)}
	if _, ok := cn.Token(); ok {
		t.Fatalf("token before set")
	}
	cn.SetToken(0x1234)
	token, ok := cn.Token()
	if !ok || token != 0x1234 {
		t.Fatalf("token = %d, %v", token, ok)
	}
}
