package message

import (
	"fmt"
	"net/netip"

	"kadnet/internal/core"
)

// baseSize covers the outer map, the y/t/v fields and codec slack.
const baseSize = 56

// MaxPacketSize is the single-UDP-packet safety bound; responses whose
// estimate would exceed it get their node/peer lists trimmed.
const MaxPacketSize = 1400

// Want mask bits for find_* requests.
const (
	Want4 = 0x01
	Want6 = 0x02
)

type wireNode struct {
	_    struct{} `cbor:",toarray"`
	ID   []byte
	IP   []byte
	Port uint16
}

const wireNodeSize = 60

func toWireNodes(nodes []core.NodeInfo) []wireNode {
	if len(nodes) == 0 {
		return nil
	}
	out := make([]wireNode, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, wireNode{
			ID:   n.ID.Bytes(),
			IP:   n.Addr.Addr().AsSlice(),
			Port: n.Addr.Port(),
		})
	}
	return out
}

func fromWireNodes(nodes []wireNode) ([]core.NodeInfo, error) {
	if len(nodes) == 0 {
		return nil, nil
	}
	out := make([]core.NodeInfo, 0, len(nodes))
	for _, w := range nodes {
		id, err := core.IdFromBytes(w.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: node id", ErrMalformed)
		}
		ip, ok := netip.AddrFromSlice(w.IP)
		if !ok || w.Port == 0 {
			return nil, fmt.Errorf("%w: node address", ErrMalformed)
		}
		out = append(out, core.NodeInfo{ID: id, Addr: netip.AddrPortFrom(ip.Unmap(), w.Port)})
	}
	return out, nil
}

type wirePeer struct {
	_      struct{} `cbor:",toarray"`
	PeerID []byte
	NodeID []byte
	Origin []byte
	Port   uint16
	Alt    string
	Sig    []byte
}

func toWirePeers(peers []core.PeerInfo) []wirePeer {
	if len(peers) == 0 {
		return nil
	}
	out := make([]wirePeer, 0, len(peers))
	for _, p := range peers {
		w := wirePeer{
			PeerID: p.PeerID.Bytes(),
			NodeID: p.NodeID.Bytes(),
			Port:   p.Port,
			Alt:    p.AlternativeURL,
			Sig:    p.Signature,
		}
		if p.IsDelegated() {
			w.Origin = p.Origin.Bytes()
		}
		out = append(out, w)
	}
	return out
}

func fromWirePeers(peers []wirePeer) ([]core.PeerInfo, error) {
	if len(peers) == 0 {
		return nil, nil
	}
	out := make([]core.PeerInfo, 0, len(peers))
	for _, w := range peers {
		peerID, err := core.IdFromBytes(w.PeerID)
		if err != nil {
			return nil, fmt.Errorf("%w: peer id", ErrMalformed)
		}
		nodeID, err := core.IdFromBytes(w.NodeID)
		if err != nil {
			return nil, fmt.Errorf("%w: peer node id", ErrMalformed)
		}
		p := core.PeerInfo{
			PeerID:         peerID,
			NodeID:         nodeID,
			Port:           w.Port,
			AlternativeURL: w.Alt,
			Signature:      w.Sig,
		}
		if len(w.Origin) > 0 {
			origin, err := core.IdFromBytes(w.Origin)
			if err != nil {
				return nil, fmt.Errorf("%w: peer origin", ErrMalformed)
			}
			p.Origin = origin
		}
		out = append(out, p)
	}
	return out, nil
}

func wirePeerSize(p wirePeer) int {
	return 3*(core.IDBytes+3) + 4 + len(p.Alt) + 4 + len(p.Sig) + 3 + 4
}

// RequestBody is the union of the per-method request maps. Which fields
// are meaningful depends on the method; validate enforces the per-method
// required set.
type RequestBody struct {
	Target    []byte `cbor:"t,omitempty"`
	Want      int    `cbor:"w,omitempty"`
	Port      uint16 `cbor:"p,omitempty"`
	Token     *int32 `cbor:"tok,omitempty"`
	PublicKey []byte `cbor:"k,omitempty"`
	Recipient []byte `cbor:"rec,omitempty"`
	Nonce     []byte `cbor:"n,omitempty"`
	Signature []byte `cbor:"sig,omitempty"`
	Value     []byte `cbor:"v,omitempty"`
	Cas       *int   `cbor:"cas,omitempty"`
	Seq       *int   `cbor:"seq,omitempty"`
	Origin    []byte `cbor:"x,omitempty"`
	Alt       string `cbor:"alt,omitempty"`
}

func (b *RequestBody) validate(method Method) error {
	switch method {
	case MethodPing:
		return nil
	case MethodFindNode, MethodFindPeer:
		if len(b.Target) != core.IDBytes {
			return fmt.Errorf("%w: missing target", ErrMalformed)
		}
		if b.Want&(Want4|Want6) == 0 {
			return fmt.Errorf("%w: missing want", ErrMalformed)
		}
	case MethodFindValue:
		if len(b.Target) != core.IDBytes {
			return fmt.Errorf("%w: missing target", ErrMalformed)
		}
	case MethodStoreValue:
		if len(b.Value) == 0 {
			return fmt.Errorf("%w: missing value", ErrMalformed)
		}
		if b.Token == nil {
			return fmt.Errorf("%w: missing token", ErrMalformed)
		}
	case MethodAnnouncePeer:
		if len(b.Target) != core.IDBytes || b.Port == 0 {
			return fmt.Errorf("%w: missing peer", ErrMalformed)
		}
		if len(b.Signature) == 0 || b.Token == nil {
			return fmt.Errorf("%w: missing token", ErrMalformed)
		}
	}
	return nil
}

func (b *RequestBody) TargetID() core.Id {
	id, _ := core.IdFromBytes(b.Target)
	return id
}

func (b *RequestBody) Want4() bool {
	return b.Want&Want4 != 0
}

func (b *RequestBody) Want6() bool {
	return b.Want&Want6 != 0
}

func (b *RequestBody) TokenOf() int32 {
	if b.Token == nil {
		return 0
	}
	return *b.Token
}

// SetValue spreads a value across the body's wire fields.
func (b *RequestBody) SetValue(v core.Value) {
	if v.IsMutable() {
		b.PublicKey = v.PublicKey.Bytes()
		b.Nonce = v.Nonce
		b.Signature = v.Signature
		seq := v.SequenceNumber
		b.Seq = &seq
	}
	if v.IsEncrypted() {
		b.Recipient = v.Recipient.Bytes()
	}
	b.Value = v.Data
}

// ValueOf reassembles the value carried by a store_value request.
func (b *RequestBody) ValueOf() (core.Value, error) {
	return valueFromParts(b.PublicKey, b.Recipient, b.Nonce, b.Signature, b.Seq, b.Value)
}

func (b *RequestBody) estimateSize() int {
	size := 4 // q key + map head
	size += len(b.Target) + 5
	size += 11 + 5 // w, p
	if b.Token != nil {
		size += 10
	}
	size += valuePartsSize(b.PublicKey, b.Recipient, b.Nonce, b.Signature, b.Value)
	if b.Cas != nil {
		size += 14
	}
	if b.Seq != nil {
		size += 14
	}
	size += len(b.Origin) + 5
	if b.Alt != "" {
		size += len(b.Alt) + 6
	}
	return size
}

// ResponseBody is the union of the per-method response maps.
type ResponseBody struct {
	Nodes4    []wireNode `cbor:"n4,omitempty"`
	Nodes6    []wireNode `cbor:"n6,omitempty"`
	Token     *int32     `cbor:"tok,omitempty"`
	Peers     []wirePeer `cbor:"p,omitempty"`
	Peers4    []wirePeer `cbor:"p4,omitempty"`
	Peers6    []wirePeer `cbor:"p6,omitempty"`
	PublicKey []byte     `cbor:"k,omitempty"`
	Recipient []byte     `cbor:"rec,omitempty"`
	Nonce     []byte     `cbor:"n,omitempty"`
	Signature []byte     `cbor:"sig,omitempty"`
	Seq       *int       `cbor:"seq,omitempty"`
	Value     []byte     `cbor:"v,omitempty"`
}

func validWireNodes(nodes []wireNode) bool {
	for _, w := range nodes {
		if len(w.ID) != core.IDBytes || w.Port == 0 {
			return false
		}
		if len(w.IP) != 4 && len(w.IP) != 16 {
			return false
		}
	}
	return true
}

func validWirePeers(peers []wirePeer) bool {
	for _, w := range peers {
		if len(w.PeerID) != core.IDBytes || len(w.NodeID) != core.IDBytes {
			return false
		}
		if len(w.Origin) != 0 && len(w.Origin) != core.IDBytes {
			return false
		}
	}
	return true
}

func (b *ResponseBody) validate() error {
	if !validWireNodes(b.Nodes4) || !validWireNodes(b.Nodes6) {
		return fmt.Errorf("%w: bad node list", ErrMalformed)
	}
	if !validWirePeers(b.Peers) || !validWirePeers(b.Peers4) || !validWirePeers(b.Peers6) {
		return fmt.Errorf("%w: bad peer list", ErrMalformed)
	}
	return nil
}

func (b *ResponseBody) SetNodes4(nodes []core.NodeInfo) {
	b.Nodes4 = toWireNodes(nodes)
}

func (b *ResponseBody) SetNodes6(nodes []core.NodeInfo) {
	b.Nodes6 = toWireNodes(nodes)
}

func (b *ResponseBody) Nodes4Of() ([]core.NodeInfo, error) {
	return fromWireNodes(b.Nodes4)
}

func (b *ResponseBody) Nodes6Of() ([]core.NodeInfo, error) {
	return fromWireNodes(b.Nodes6)
}

func (b *ResponseBody) TokenOf() int32 {
	if b.Token == nil {
		return 0
	}
	return *b.Token
}

func (b *ResponseBody) SetToken(token int32) {
	b.Token = &token
}

func (b *ResponseBody) SetPeers(peers []core.PeerInfo) {
	b.Peers = toWirePeers(peers)
}

// PeersOf returns every peer carried in the response, whichever list the
// responder used.
func (b *ResponseBody) PeersOf() ([]core.PeerInfo, error) {
	var out []core.PeerInfo
	for _, list := range [][]wirePeer{b.Peers, b.Peers4, b.Peers6} {
		peers, err := fromWirePeers(list)
		if err != nil {
			return nil, err
		}
		out = append(out, peers...)
	}
	return out, nil
}

func (b *ResponseBody) SetValue(v core.Value) {
	if v.IsMutable() {
		b.PublicKey = v.PublicKey.Bytes()
		b.Nonce = v.Nonce
		b.Signature = v.Signature
		seq := v.SequenceNumber
		b.Seq = &seq
	}
	if v.IsEncrypted() {
		b.Recipient = v.Recipient.Bytes()
	}
	b.Value = v.Data
}

// ValueOf reassembles the value carried by a find_value response;
// ok is false when the response carries nodes only.
func (b *ResponseBody) ValueOf() (core.Value, bool, error) {
	if len(b.Value) == 0 {
		return core.Value{}, false, nil
	}
	v, err := valueFromParts(b.PublicKey, b.Recipient, b.Nonce, b.Signature, b.Seq, b.Value)
	if err != nil {
		return core.Value{}, false, err
	}
	return v, true, nil
}

func (b *ResponseBody) estimateSize() int {
	size := 4
	size += len(b.Nodes4)*wireNodeSize + 5
	size += len(b.Nodes6)*wireNodeSize + 5
	if b.Token != nil {
		size += 10
	}
	for _, list := range [][]wirePeer{b.Peers, b.Peers4, b.Peers6} {
		size += 5
		for _, p := range list {
			size += wirePeerSize(p)
		}
	}
	size += valuePartsSize(b.PublicKey, b.Recipient, b.Nonce, b.Signature, b.Value)
	if b.Seq != nil {
		size += 14
	}
	return size
}

func valueFromParts(publicKey, recipient, nonce, signature []byte, seq *int, data []byte) (core.Value, error) {
	v := core.Value{
		Nonce:     nonce,
		Signature: signature,
		Data:      data,
	}
	if seq != nil {
		v.SequenceNumber = *seq
	}
	if len(publicKey) > 0 {
		id, err := core.IdFromBytes(publicKey)
		if err != nil {
			return core.Value{}, fmt.Errorf("%w: value public key", ErrMalformed)
		}
		v.PublicKey = id
	}
	if len(recipient) > 0 {
		id, err := core.IdFromBytes(recipient)
		if err != nil {
			return core.Value{}, fmt.Errorf("%w: value recipient", ErrMalformed)
		}
		v.Recipient = id
	}
	return v, nil
}

func valuePartsSize(publicKey, recipient, nonce, signature, data []byte) int {
	size := 0
	if len(publicKey) > 0 {
		size += len(publicKey) + 6
	}
	if len(recipient) > 0 {
		size += len(recipient) + 8
	}
	if len(nonce) > 0 {
		size += len(nonce) + 6
	}
	if len(signature) > 0 {
		size += len(signature) + 8
	}
	if len(data) > 0 {
		size += len(data) + 6
	}
	return size
}

// ErrorBody carries a wire-visible error code and diagnostic text.
type ErrorBody struct {
	Code int    `cbor:"c"`
	Msg  string `cbor:"m,omitempty"`
}

func (b *ErrorBody) estimateSize() int {
	return 24 + len(b.Msg)
}
