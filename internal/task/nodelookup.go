package task

import (
	"kadnet/internal/core"
	"kadnet/internal/message"
)

// NodeLookup is the plain Kademlia find_node iteration. The bootstrap
// flag is only recorded for IsBootstrap; the iteration runs the same
// with or without it.
type NodeLookup struct {
	lookup
	bootstrap bool

	// result delivery: the node whose id equals the target, if found.
	exact *core.NodeInfo
}

func NewNodeLookup(dht DHT, target core.Id) *NodeLookup {
	t := &NodeLookup{}
	t.init(dht, "node-lookup", target, t)
	t.initLookup()
	t.buildRequest = func() *message.Message {
		want4, want6 := dht.WantBits()
		return message.NewFindNodeRequest(target, want4, want6)
	}
	t.handleResponse = func(cn *CandidateNode, msg *message.Message) {
		if cn.ID == target {
			info := cn.NodeInfo
			t.exact = &info
		}
	}
	t.seedFromTable()
	return t
}

func (t *NodeLookup) SetBootstrap(b bool) {
	t.bootstrap = b
}

func (t *NodeLookup) IsBootstrap() bool {
	return t.bootstrap
}

// InjectCandidates adds externally known nodes, e.g. configured
// bootstrap seeds.
func (t *NodeLookup) InjectCandidates(nodes ...core.NodeInfo) {
	t.addCandidates(nodes)
}

// ExactMatch returns the target node itself when the lookup reached it.
func (t *NodeLookup) ExactMatch() *core.NodeInfo {
	return t.exact
}
