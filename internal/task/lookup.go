package task

import (
	"kadnet/internal/core"
	"kadnet/internal/message"
	"kadnet/internal/routing"
	"kadnet/internal/rpc"
)

// LookupOption selects the completion policy of a value lookup.
type LookupOption int

const (
	// Conservative keeps looking until the closest set is stable and
	// returns the newest value seen.
	Conservative LookupOption = iota
	// Arbitrary returns as soon as any valid value is found.
	Arbitrary
	// Optimistic short-circuits once two responders agree.
	Optimistic
)

// lookup is the shared iterative machinery: pick the closest unqueried
// candidate that would still improve the closest set, query it, merge the
// nodes it returns.
type lookup struct {
	Task
	closest    *ClosestSet
	candidates *CandidateSet

	// buildRequest produces the method-specific request for one hop.
	buildRequest func() *message.Message
	// handleResponse digests the method-specific response payload.
	handleResponse func(cn *CandidateNode, msg *message.Message)
}

// initLookup runs after Task.init so the target is already set.
func (l *lookup) initLookup() {
	l.closest = NewClosestSet(l.target)
	l.candidates = NewCandidateSet(l.target)
}

// seedFromTable primes the candidates with the local table's view.
func (l *lookup) seedFromTable() {
	l.addCandidates(l.dht.Table().Closest(l.target, routing.BucketSize))
}

func (l *lookup) addCandidates(nodes []core.NodeInfo) {
	filtered := nodes[:0:0]
	for _, n := range nodes {
		if n.ID == l.dht.LocalID() {
			continue
		}
		filtered = append(filtered, n)
	}
	l.candidates.Add(filtered...)
}

// next returns the best candidate worth querying, applying the Kademlia
// convergence rule.
func (l *lookup) next() *CandidateNode {
	cn := l.candidates.Next()
	if cn == nil {
		return nil
	}
	if !l.closest.Eligible(cn.ID) {
		return nil
	}
	return cn
}

func (l *lookup) update() {
	for l.canDoRequest() {
		cn := l.next()
		if cn == nil {
			return
		}
		req := l.buildRequest()
		cn.inFlight = true
		if !l.sendCall(cn.NodeInfo, req, nil) {
			cn.inFlight = false
			return
		}
	}
}

func (l *lookup) callResponded(call *rpc.Call, msg *message.Message) {
	cn := l.candidates.Get(call.Target())
	if cn == nil {
		return
	}
	cn.inFlight = false
	cn.queried = true
	if msg.Type != message.TypeResponse {
		// Errors count as a contact but never advance the lookup.
		return
	}
	l.closest.Reach(cn)
	if msg.Response != nil {
		if nodes, err := msg.Response.Nodes4Of(); err == nil {
			l.addFamilyCandidates(nodes, true)
		}
		if nodes, err := msg.Response.Nodes6Of(); err == nil {
			l.addFamilyCandidates(nodes, false)
		}
		if token := msg.Response.TokenOf(); msg.Response.Token != nil {
			cn.SetToken(token)
		}
	}
	if l.handleResponse != nil {
		l.handleResponse(cn, msg)
	}
}

// addFamilyCandidates keeps the lookup inside its own address family;
// the other family's nodes are merged into the sibling table by the DHT
// layer, not chased here.
func (l *lookup) addFamilyCandidates(nodes []core.NodeInfo, v4 bool) {
	want4, want6 := l.dht.WantBits()
	if v4 && !want4 {
		return
	}
	if !v4 && !want6 {
		return
	}
	l.addCandidates(nodes)
}

func (l *lookup) callTimeout(call *rpc.Call) {
	cn := l.candidates.Get(call.Target())
	if cn == nil {
		return
	}
	cn.inFlight = false
	cn.queried = true
	cn.unreachable = true
}

func (l *lookup) isDone() bool {
	return l.next() == nil
}

// ClosestNodes exposes the converged set once the task has finished.
func (l *lookup) ClosestNodes() []core.NodeInfo {
	return l.closest.Nodes()
}

func (l *lookup) ClosestSet() *ClosestSet {
	return l.closest
}
