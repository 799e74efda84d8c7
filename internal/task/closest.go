package task

import (
	"net/netip"
	"sort"

	"kadnet/internal/core"
	"kadnet/internal/routing"
)

// CandidateNode is a node a lookup knows about, with the query-state the
// task tracks for it.
type CandidateNode struct {
	core.NodeInfo
	queried     bool
	inFlight    bool
	unreachable bool
	token       int32
	hasToken    bool
}

func (c *CandidateNode) SetToken(token int32) {
	c.token = token
	c.hasToken = true
}

func (c *CandidateNode) Token() (int32, bool) {
	return c.token, c.hasToken
}

// CandidateSet holds known-but-unqueried nodes ordered by distance to the
// target, deduplicated by id and by socket address.
type CandidateSet struct {
	target  core.Id
	entries []*CandidateNode
	ids     map[core.Id]*CandidateNode
	addrs   map[netip.AddrPort]struct{}
}

func NewCandidateSet(target core.Id) *CandidateSet {
	return &CandidateSet{
		target: target,
		ids:    make(map[core.Id]*CandidateNode),
		addrs:  make(map[netip.AddrPort]struct{}),
	}
}

// Add merges nodes into the set. A node already seen, by id or by
// address, is ignored.
func (s *CandidateSet) Add(nodes ...core.NodeInfo) {
	changed := false
	for _, n := range nodes {
		if _, ok := s.ids[n.ID]; ok {
			continue
		}
		if _, ok := s.addrs[n.Addr]; ok {
			continue
		}
		cn := &CandidateNode{NodeInfo: n}
		s.ids[n.ID] = cn
		s.addrs[n.Addr] = struct{}{}
		s.entries = append(s.entries, cn)
		changed = true
	}
	if changed {
		sort.SliceStable(s.entries, func(i, j int) bool {
			return s.target.ThreeWayCompare(s.entries[i].ID, s.entries[j].ID) < 0
		})
	}
}

// Next returns the closest candidate that has not been queried and is not
// in flight, or nil.
func (s *CandidateSet) Next() *CandidateNode {
	for _, cn := range s.entries {
		if !cn.queried && !cn.inFlight {
			return cn
		}
	}
	return nil
}

func (s *CandidateSet) Get(id core.Id) *CandidateNode {
	return s.ids[id]
}

func (s *CandidateSet) Size() int {
	return len(s.entries)
}

// ClosestSet is the running best-K responders, ordered by distance to the
// target.
type ClosestSet struct {
	target   core.Id
	capacity int
	entries  []*CandidateNode
}

func NewClosestSet(target core.Id) *ClosestSet {
	return &ClosestSet{target: target, capacity: routing.BucketSize}
}

// Reach absorbs a responder. When full, the new node must beat the
// current tail to enter.
func (s *ClosestSet) Reach(cn *CandidateNode) {
	for _, e := range s.entries {
		if e.ID == cn.ID {
			return
		}
	}
	if len(s.entries) >= s.capacity {
		tail := s.entries[len(s.entries)-1]
		if s.target.ThreeWayCompare(cn.ID, tail.ID) >= 0 {
			return
		}
		s.entries = s.entries[:len(s.entries)-1]
	}
	s.entries = append(s.entries, cn)
	sort.SliceStable(s.entries, func(i, j int) bool {
		return s.target.ThreeWayCompare(s.entries[i].ID, s.entries[j].ID) < 0
	})
}

func (s *ClosestSet) IsFull() bool {
	return len(s.entries) >= s.capacity
}

// Eligible reports whether id would improve the set: the set has room or
// id is closer than the tail.
func (s *ClosestSet) Eligible(id core.Id) bool {
	if !s.IsFull() {
		return true
	}
	tail := s.entries[len(s.entries)-1]
	return s.target.ThreeWayCompare(id, tail.ID) < 0
}

func (s *ClosestSet) Entries() []*CandidateNode {
	return s.entries
}

func (s *ClosestSet) Nodes() []core.NodeInfo {
	out := make([]core.NodeInfo, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.NodeInfo)
	}
	return out
}

func (s *ClosestSet) Size() int {
	return len(s.entries)
}
