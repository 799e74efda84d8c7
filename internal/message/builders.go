package message

import (
	"kadnet/internal/core"
)

func NewPingRequest() *Message {
	return &Message{Type: TypeRequest, Method: MethodPing, Request: &RequestBody{}}
}

func NewPingResponse(txid int32) *Message {
	return &Message{Type: TypeResponse, Method: MethodPing, Txid: txid, Response: &ResponseBody{}}
}

func NewFindNodeRequest(target core.Id, want4, want6 bool) *Message {
	return &Message{
		Type:    TypeRequest,
		Method:  MethodFindNode,
		Request: &RequestBody{Target: target.Bytes(), Want: wantMask(want4, want6)},
	}
}

func NewFindNodeResponse(txid int32) *Message {
	return &Message{Type: TypeResponse, Method: MethodFindNode, Txid: txid, Response: &ResponseBody{}}
}

func NewFindValueRequest(target core.Id, want4, want6 bool, haveSeq int) *Message {
	body := &RequestBody{Target: target.Bytes(), Want: wantMask(want4, want6)}
	if haveSeq >= 0 {
		body.Seq = &haveSeq
	}
	return &Message{Type: TypeRequest, Method: MethodFindValue, Request: body}
}

func NewFindValueResponse(txid int32) *Message {
	return &Message{Type: TypeResponse, Method: MethodFindValue, Txid: txid, Response: &ResponseBody{}}
}

func NewStoreValueRequest(value core.Value, token int32, expectedSeq int) *Message {
	body := &RequestBody{Token: &token}
	if expectedSeq >= 0 {
		body.Cas = &expectedSeq
	}
	body.SetValue(value)
	return &Message{Type: TypeRequest, Method: MethodStoreValue, Request: body}
}

func NewStoreValueResponse(txid int32) *Message {
	return &Message{Type: TypeResponse, Method: MethodStoreValue, Txid: txid, Response: &ResponseBody{}}
}

func NewFindPeerRequest(target core.Id, want4, want6 bool) *Message {
	return &Message{
		Type:    TypeRequest,
		Method:  MethodFindPeer,
		Request: &RequestBody{Target: target.Bytes(), Want: wantMask(want4, want6)},
	}
}

func NewFindPeerResponse(txid int32) *Message {
	return &Message{Type: TypeResponse, Method: MethodFindPeer, Txid: txid, Response: &ResponseBody{}}
}

func NewAnnouncePeerRequest(peer core.PeerInfo, token int32) *Message {
	body := &RequestBody{
		Target:    peer.PeerID.Bytes(),
		Port:      peer.Port,
		Alt:       peer.AlternativeURL,
		Signature: peer.Signature,
		Token:     &token,
	}
	if peer.IsDelegated() {
		body.Origin = peer.Origin.Bytes()
	}
	return &Message{Type: TypeRequest, Method: MethodAnnouncePeer, Request: body}
}

func NewAnnouncePeerResponse(txid int32) *Message {
	return &Message{Type: TypeResponse, Method: MethodAnnouncePeer, Txid: txid, Response: &ResponseBody{}}
}

// NewError builds the error reply for a received message, echoing its
// method and transaction id.
func NewError(method Method, txid int32, code int, msg string) *Message {
	return &Message{
		Type:   TypeError,
		Method: method,
		Txid:   txid,
		Error:  &ErrorBody{Code: code, Msg: msg},
	}
}

func wantMask(want4, want6 bool) int {
	mask := 0
	if want4 {
		mask |= Want4
	}
	if want6 {
		mask |= Want6
	}
	return mask
}
