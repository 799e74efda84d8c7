package message

import (
	"bytes"
	"net/netip"
	"reflect"
	"testing"

	"kadnet/internal/core"
	"kadnet/internal/crypto"
)

func testNodes(t *testing.T, n int, v4 bool) []core.NodeInfo {
	t.Helper()
	out := make([]core.NodeInfo, 0, n)
	for i := 0; i < n; i++ {
		addr := netip.MustParseAddrPort("251.37.18.2:7897")
		if !v4 {
			addr = netip.MustParseAddrPort("[2001:db8:4860:ffff::5]:7897")
		}
		out = append(out, core.NodeInfo{
			ID:   core.RandomID(),
			Addr: netip.AddrPortFrom(addr.Addr(), addr.Port()+uint16(i)),
		})
	}
	return out
}

func testSignedValue(t *testing.T, size int) core.Value {
	t.Helper()
	kp := crypto.NewKeyPair()
	nonce := make([]byte, core.ValueNonceBytes)
	for i := range nonce {
		nonce[i] = 'N'
	}
	data := bytes.Repeat([]byte{'D'}, size)
	v, err := core.NewSignedValue(kp, nonce, 0x77654321, data)
	if err != nil {
		t.Fatalf("signed value: %v", err)
	}
	return v
}

func testPeers(t *testing.T, n int) []core.PeerInfo {
	t.Helper()
	out := make([]core.PeerInfo, 0, n)
	nodeID := core.RandomID()
	for i := 0; i < n; i++ {
		kp := crypto.NewKeyPair()
		out = append(out, core.NewPeerInfo(kp, nodeID, uint16(8000+i), "https://testing.example.com/access/peer"))
	}
	return out
}

func assertWire(t *testing.T, m *Message) *Message {
	t.Helper()
	buf, err := m.Serialize()
	if err != nil {
		t.Fatalf("serialize %s: %v", m, err)
	}
	if len(buf) > m.EstimateSize() {
		t.Fatalf("%s: serialized %d bytes exceeds estimate %d", m, len(buf), m.EstimateSize())
	}
	parsed, err := Parse(buf)
	if err != nil {
		t.Fatalf("parse %s: %v", m, err)
	}
	if parsed.Type != m.Type || parsed.Method != m.Method || parsed.Txid != m.Txid || parsed.Version != m.Version {
		t.Fatalf("header mismatch: %s vs %s", parsed, m)
	}
	if !reflect.DeepEqual(normBody(parsed), normBody(m)) {
		t.Fatalf("body mismatch:\n got %#v\nwant %#v", normBody(parsed), normBody(m))
	}
	return parsed
}

// normBody dereferences whichever body the message carries so bodies
// compare by value.
func normBody(m *Message) any {
	switch {
	case m.Request != nil:
		b := *m.Request
		return b
	case m.Response != nil:
		b := *m.Response
		return b
	case m.Error != nil:
		return *m.Error
	}
	return nil
}

const testVersion = 0x6b646e7400000001 // "kdnt"/1

func TestPingRoundTrip(t *testing.T) {
	m := NewPingRequest()
	m.Txid = 0x7654321
	m.Version = testVersion
	assertWire(t, m)

	r := NewPingResponse(0x7654321)
	assertWire(t, r)
}

func TestFindNodeRoundTrip(t *testing.T) {
	m := NewFindNodeRequest(core.RandomID(), true, true)
	m.Txid = 0x7654321
	m.Version = testVersion
	assertWire(t, m)
	if !m.Request.Want4() || !m.Request.Want6() {
		t.Fatalf("want mask wrong")
	}

	r := NewFindNodeResponse(0x7654321)
	r.Response.SetNodes4(testNodes(t, 8, true))
	r.Response.SetNodes6(testNodes(t, 8, false))
	parsed := assertWire(t, r)
	n4, err := parsed.Response.Nodes4Of()
	if err != nil || len(n4) != 8 {
		t.Fatalf("nodes4: %d, %v", len(n4), err)
	}
	n6, err := parsed.Response.Nodes6Of()
	if err != nil || len(n6) != 8 {
		t.Fatalf("nodes6: %d, %v", len(n6), err)
	}
}

func TestFindValueRoundTrip(t *testing.T) {
	m := NewFindValueRequest(core.RandomID(), true, false, 41)
	m.Txid = 0x7654321
	assertWire(t, m)
	if m.Request.Seq == nil || *m.Request.Seq != 41 {
		t.Fatalf("seq hint lost")
	}

	v := testSignedValue(t, 1025)
	r := NewFindValueResponse(0x7654321)
	r.Response.SetNodes4(testNodes(t, 8, true))
	r.Response.SetValue(v)
	r.Response.SetToken(0x78888888)
	parsed := assertWire(t, r)
	got, ok, err := parsed.Response.ValueOf()
	if err != nil || !ok {
		t.Fatalf("value missing: %v", err)
	}
	if !got.Equals(v) {
		t.Fatalf("value mismatch")
	}
	if !got.IsValid() {
		t.Fatalf("value signature broken in transit")
	}
}

func TestStoreValueRoundTrip(t *testing.T) {
	v := testSignedValue(t, 1025)
	m := NewStoreValueRequest(v, 0x78888888, v.SequenceNumber-1)
	m.Txid = 0x7654321
	m.Version = testVersion
	parsed := assertWire(t, m)
	got, err := parsed.Request.ValueOf()
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if !got.Equals(v) {
		t.Fatalf("value mismatch")
	}
	if parsed.Request.Cas == nil || *parsed.Request.Cas != v.SequenceNumber-1 {
		t.Fatalf("cas lost")
	}

	r := NewStoreValueResponse(0x7654321)
	assertWire(t, r)
}

func TestStoreImmutableValueRoundTrip(t *testing.T) {
	v := core.NewValue(bytes.Repeat([]byte{'D'}, 1025))
	m := NewStoreValueRequest(v, 0x78888888, -1)
	m.Txid = 0x7654321
	parsed := assertWire(t, m)
	got, err := parsed.Request.ValueOf()
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if got.IsMutable() || !got.Equals(v) {
		t.Fatalf("immutable value mismatch")
	}
}

func TestFindPeerRoundTrip(t *testing.T) {
	m := NewFindPeerRequest(core.RandomID(), true, true)
	m.Txid = 0x7654321
	assertWire(t, m)

	r := NewFindPeerResponse(0x7654321)
	r.Response.SetNodes4(testNodes(t, 8, true))
	r.Response.SetPeers(testPeers(t, 8))
	r.Response.SetToken(0x78888888)
	parsed := assertWire(t, r)
	peers, err := parsed.Response.PeersOf()
	if err != nil || len(peers) != 8 {
		t.Fatalf("peers: %d, %v", len(peers), err)
	}
	for _, p := range peers {
		if !p.IsValid() {
			t.Fatalf("peer signature broken in transit")
		}
	}
}

func TestAnnouncePeerRoundTrip(t *testing.T) {
	kp := crypto.NewKeyPair()
	peer := core.NewPeerInfo(kp, core.RandomID(), 8888, "")
	m := NewAnnouncePeerRequest(peer, 0x78888888)
	m.Txid = 0x7654321
	m.Version = testVersion
	parsed := assertWire(t, m)
	if parsed.Request.TargetID() != peer.PeerID {
		t.Fatalf("peer id lost")
	}
	if parsed.Request.Port != 8888 {
		t.Fatalf("port lost")
	}

	r := NewAnnouncePeerResponse(0x7654321)
	assertWire(t, r)
}

func TestErrorRoundTrip(t *testing.T) {
	m := NewError(MethodStoreValue, 0x7654321, core.CodeSeqNotMonotonic,
		"sequence number less than current")
	m.Version = testVersion
	parsed := assertWire(t, m)
	if parsed.Error.Code != core.CodeSeqNotMonotonic {
		t.Fatalf("code = %d", parsed.Error.Code)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse([]byte{0xff, 0x00, 0x01}); err == nil {
		t.Fatalf("garbage accepted")
	}
	// Valid CBOR map without the type field.
	if _, err := Parse([]byte{0xa1, 0x61, 't', 0x01}); err == nil {
		t.Fatalf("missing type accepted")
	}
}

func TestParseRejectsBadSchema(t *testing.T) {
	// Request type with a response body.
	m := &Message{Type: TypeRequest, Method: MethodPing, Txid: 1, Response: &ResponseBody{}}
	buf, err := m.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if _, err := Parse(buf); err == nil {
		t.Fatalf("mismatched body accepted")
	}

	// Unknown method on a request.
	m = &Message{Type: TypeRequest, Method: 0x1F, Txid: 1, Request: &RequestBody{}}
	buf, err = m.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if _, err := Parse(buf); err == nil {
		t.Fatalf("unknown method accepted")
	}

	// find_node without a target.
	m = &Message{Type: TypeRequest, Method: MethodFindNode, Txid: 1, Request: &RequestBody{Want: Want4}}
	buf, err = m.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if _, err := Parse(buf); err == nil {
		t.Fatalf("find_node without target accepted")
	}
}

func TestFullResponseFitsPacket(t *testing.T) {
	r := NewFindNodeResponse(0x7654321)
	r.Response.SetNodes4(testNodes(t, 8, true))
	r.Response.SetNodes6(testNodes(t, 8, false))
	r.Version = testVersion
	if r.EstimateSize() > MaxPacketSize {
		t.Fatalf("full find_node response estimate %d exceeds packet bound", r.EstimateSize())
	}
}
