package task

import (
	"kadnet/internal/core"
	"kadnet/internal/message"
	"kadnet/internal/rpc"
)

// announce is the post-lookup fan-out shared by value and peer
// announcements: push the write to the K closest responders using the
// tokens the lookup collected, retrying each node once on timeout.
type announce struct {
	Task
	todo []*CandidateNode

	attempts map[core.Id]int
	acked    []core.NodeInfo

	// buildRequest produces the store/announce request for one node.
	buildRequest func(cn *CandidateNode) *message.Message
}

func (a *announce) initAnnounce(closest *ClosestSet) {
	a.attempts = make(map[core.Id]int)
	for _, cn := range closest.Entries() {
		if _, ok := cn.Token(); !ok {
			continue
		}
		a.todo = append(a.todo, cn)
	}
}

func (a *announce) update() {
	for a.canDoRequest() && len(a.todo) > 0 {
		cn := a.todo[0]
		a.todo = a.todo[1:]
		a.attempts[cn.ID]++
		if !a.sendCall(cn.NodeInfo, a.buildRequest(cn), nil) {
			a.todo = append([]*CandidateNode{cn}, a.todo...)
			return
		}
	}
}

func (a *announce) callResponded(call *rpc.Call, msg *message.Message) {
	if msg.Type == message.TypeResponse {
		for _, cn := range a.ackedIDs() {
			if cn == call.Target() {
				return
			}
		}
		if resp := call.Response(); resp != nil {
			a.acked = append(a.acked, core.NodeInfo{ID: call.Target(), Addr: resp.Origin})
		}
	}
}

func (a *announce) ackedIDs() []core.Id {
	out := make([]core.Id, 0, len(a.acked))
	for _, n := range a.acked {
		out = append(out, n.ID)
	}
	return out
}

func (a *announce) callTimeout(call *rpc.Call) {
	id := call.Target()
	if a.attempts[id] >= 2 {
		return
	}
	for _, cn := range a.todo {
		if cn.ID == id {
			return
		}
	}
	// Requeue for the single retry.
	if req := call.Request(); req != nil {
		a.todo = append(a.todo, &CandidateNode{
			NodeInfo: core.NodeInfo{ID: id, Addr: req.RemoteAddr},
			token:    requestToken(req),
			hasToken: true,
		})
	}
}

func requestToken(req *message.Message) int32 {
	if req.Request != nil {
		return req.Request.TokenOf()
	}
	return 0
}

func (a *announce) isDone() bool {
	return len(a.todo) == 0
}

// Acked lists the nodes that acknowledged the write.
func (a *announce) Acked() []core.NodeInfo {
	return a.acked
}

// ValueAnnounce stores a value on the closest set a preceding lookup
// converged on.
type ValueAnnounce struct {
	announce
}

func NewValueAnnounce(dht DHT, closest *ClosestSet, value core.Value, expectedSeq int) *ValueAnnounce {
	t := &ValueAnnounce{}
	t.init(dht, "value-announce", value.Id(), t)
	t.buildRequest = func(cn *CandidateNode) *message.Message {
		token, _ := cn.Token()
		return message.NewStoreValueRequest(value, token, expectedSeq)
	}
	t.initAnnounce(closest)
	return t
}

// PeerAnnounce publishes a peer announcement on the closest set a
// preceding lookup converged on.
type PeerAnnounce struct {
	announce
}

func NewPeerAnnounce(dht DHT, closest *ClosestSet, peer core.PeerInfo) *PeerAnnounce {
	t := &PeerAnnounce{}
	t.init(dht, "peer-announce", peer.PeerID, t)
	t.buildRequest = func(cn *CandidateNode) *message.Message {
		token, _ := cn.Token()
		return message.NewAnnouncePeerRequest(peer, token)
	}
	t.initAnnounce(closest)
	return t
}
