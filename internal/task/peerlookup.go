package task

import (
	"kadnet/internal/core"
	"kadnet/internal/message"
)

// PeerLookup is the find_peer iteration: accumulate unique valid
// announcements for the target peer id.
type PeerLookup struct {
	lookup
	expected int

	peers map[core.Id][]core.PeerInfo // keyed by carrier node id
	count int
}

func NewPeerLookup(dht DHT, target core.Id, expected int) *PeerLookup {
	t := &PeerLookup{expected: expected, peers: make(map[core.Id][]core.PeerInfo)}
	t.init(dht, "peer-lookup", target, t)
	t.initLookup()
	t.buildRequest = func() *message.Message {
		want4, want6 := dht.WantBits()
		return message.NewFindPeerRequest(target, want4, want6)
	}
	t.handleResponse = t.onPeers
	t.seedFromTable()
	return t
}

func (t *PeerLookup) onPeers(cn *CandidateNode, msg *message.Message) {
	if msg.Response == nil {
		return
	}
	peers, err := msg.Response.PeersOf()
	if err != nil {
		return
	}
	for _, p := range peers {
		if p.PeerID != t.target || !p.IsValid() {
			continue
		}
		dup := false
		for _, have := range t.peers[p.NodeID] {
			if have.Equals(p) {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		t.peers[p.NodeID] = append(t.peers[p.NodeID], p)
		t.count++
	}
}

func (t *PeerLookup) isDone() bool {
	if t.expected > 0 && t.count >= t.expected {
		return true
	}
	return t.lookup.isDone()
}

// Peers returns every unique valid announcement collected.
func (t *PeerLookup) Peers() []core.PeerInfo {
	out := make([]core.PeerInfo, 0, t.count)
	for _, list := range t.peers {
		out = append(out, list...)
	}
	return out
}
