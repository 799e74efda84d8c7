package task

import (
	"kadnet/internal/core"
	"kadnet/internal/message"
)

// ValueLookup is the find_value iteration. Responders hand back either
// the value or closer nodes, plus a write token either way.
type ValueLookup struct {
	lookup
	option      LookupOption
	expectedSeq int

	found      *core.Value
	agreements int
}

func NewValueLookup(dht DHT, target core.Id, option LookupOption) *ValueLookup {
	t := &ValueLookup{option: option, expectedSeq: -1}
	t.init(dht, "value-lookup", target, t)
	t.initLookup()
	t.buildRequest = func() *message.Message {
		want4, want6 := dht.WantBits()
		haveSeq := -1
		if t.found != nil && t.found.IsMutable() {
			haveSeq = t.found.SequenceNumber
		}
		return message.NewFindValueRequest(target, want4, want6, haveSeq)
	}
	t.handleResponse = t.onValue
	t.seedFromTable()
	return t
}

func (t *ValueLookup) onValue(cn *CandidateNode, msg *message.Message) {
	if msg.Response == nil {
		return
	}
	v, ok, err := msg.Response.ValueOf()
	if err != nil || !ok {
		return
	}
	// Peers cannot be trusted: drop anything whose id or signature does
	// not check out against the lookup target.
	if v.Id() != t.target || !v.IsValid() {
		return
	}
	switch {
	case t.found == nil:
		t.found = &v
		t.agreements = 1
	case !v.IsMutable():
		t.agreements++
	case v.SequenceNumber > t.found.SequenceNumber:
		t.found = &v
		t.agreements = 1
	case v.SequenceNumber == t.found.SequenceNumber:
		t.agreements++
	}
}

// isDone layers the completion policy over the convergence criterion.
func (t *ValueLookup) isDone() bool {
	if t.found != nil {
		switch t.option {
		case Arbitrary:
			return true
		case Optimistic:
			if t.agreements >= 2 {
				return true
			}
		}
	}
	return t.lookup.isDone()
}

// Value returns the newest valid value seen, or nil.
func (t *ValueLookup) Value() *core.Value {
	return t.found
}
