package message

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"kadnet/internal/core"
)

// Wire schema: one CBOR map per datagram with short fixed keys.
//
//	y  type+method byte (required)
//	t  31-bit transaction id, never 0 (required)
//	v  sender software version tag
//	q / r / e  exactly one: request, response or error body
type Type byte

const (
	TypeError    Type = 0x00
	TypeRequest  Type = 0x20
	TypeResponse Type = 0x40
)

func (t Type) String() string {
	switch t {
	case TypeError:
		return "e"
	case TypeRequest:
		return "q"
	case TypeResponse:
		return "r"
	default:
		return "?"
	}
}

type Method byte

const (
	MethodUnknown      Method = 0x00
	MethodPing         Method = 0x01
	MethodFindNode     Method = 0x02
	MethodAnnouncePeer Method = 0x03
	MethodFindPeer     Method = 0x04
	MethodStoreValue   Method = 0x05
	MethodFindValue    Method = 0x06
)

const methodCount = 7

func (m Method) String() string {
	switch m {
	case MethodPing:
		return "ping"
	case MethodFindNode:
		return "find_node"
	case MethodAnnouncePeer:
		return "announce_peer"
	case MethodFindPeer:
		return "find_peer"
	case MethodStoreValue:
		return "store_value"
	case MethodFindValue:
		return "find_value"
	default:
		return "unknown"
	}
}

const (
	typeMask   = 0xE0
	methodMask = 0x1F
)

var (
	ErrMalformed = errors.New("message: malformed")
	errBadType   = fmt.Errorf("%w: bad type", ErrMalformed)
	errBadMethod = fmt.Errorf("%w: unknown method", ErrMalformed)
	errBadBody   = fmt.Errorf("%w: body does not match type", ErrMalformed)
)

// Message is one parsed or to-be-sent datagram plus its transport
// annotations. The annotation fields never hit the wire; the server stamps
// them on receive and send.
type Message struct {
	Type    Type
	Method  Method
	Txid    int32
	Version uint64

	Request  *RequestBody
	Response *ResponseBody
	Error    *ErrorBody

	// Transport annotations.
	ID         core.Id        // sender id: local id on send, envelope id on receive
	Origin     netip.AddrPort // source address of the received datagram
	RemoteID   core.Id        // destination id on send
	RemoteAddr netip.AddrPort // destination address on send
}

type wireMessage struct {
	Y        *int          `cbor:"y"`
	Txid     int32         `cbor:"t"`
	Version  uint64        `cbor:"v,omitempty"`
	Request  *RequestBody  `cbor:"q,omitempty"`
	Response *ResponseBody `cbor:"r,omitempty"`
	Error    *ErrorBody    `cbor:"e,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 256,
		MaxMapPairs:      64,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Parse decodes a decrypted datagram payload. A message that decodes but
// violates the schema (unknown method, mismatched body) is rejected here
// so peers cannot push junk past this point.
func Parse(buf []byte) (*Message, error) {
	var w wireMessage
	if err := decMode.Unmarshal(buf, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Y == nil {
		return nil, fmt.Errorf("%w: missing type field", ErrMalformed)
	}
	y := *w.Y
	msg := &Message{
		Type:     Type(y & typeMask),
		Method:   Method(y & methodMask),
		Txid:     w.Txid,
		Version:  w.Version,
		Request:  w.Request,
		Response: w.Response,
		Error:    w.Error,
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

func (m *Message) validate() error {
	switch m.Type {
	case TypeError:
		if m.Error == nil || m.Request != nil || m.Response != nil {
			return errBadBody
		}
	case TypeRequest:
		if m.Request == nil || m.Response != nil || m.Error != nil {
			return errBadBody
		}
		if err := m.Request.validate(m.Method); err != nil {
			return err
		}
	case TypeResponse:
		if m.Response == nil || m.Request != nil || m.Error != nil {
			return errBadBody
		}
		if err := m.Response.validate(); err != nil {
			return err
		}
	default:
		return errBadType
	}
	if m.Method > MethodFindValue {
		return errBadMethod
	}
	if m.Type != TypeError && m.Method == MethodUnknown {
		return errBadMethod
	}
	return nil
}

func (m *Message) Serialize() ([]byte, error) {
	y := int(m.Type) | int(m.Method)
	w := wireMessage{
		Y:        &y,
		Txid:     m.Txid,
		Version:  m.Version,
		Request:  m.Request,
		Response: m.Response,
		Error:    m.Error,
	}
	return encMode.Marshal(&w)
}

// EstimateSize is an upper bound on the serialized size, used to keep
// responses inside a single UDP packet.
func (m *Message) EstimateSize() int {
	size := baseSize
	switch {
	case m.Request != nil:
		size += m.Request.estimateSize()
	case m.Response != nil:
		size += m.Response.estimateSize()
	case m.Error != nil:
		size += m.Error.estimateSize()
	}
	return size
}

func (m *Message) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "y:%s/%s,t:%d", m.Method, m.Type, m.Txid)
	if m.Version != 0 {
		fmt.Fprintf(&sb, ",v:%s", core.FormatVersion(m.Version))
	}
	if m.Error != nil {
		fmt.Fprintf(&sb, ",e:%d %s", m.Error.Code, m.Error.Msg)
	}
	return sb.String()
}
