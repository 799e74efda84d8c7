package core

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"kadnet/internal/crypto"
)

// PeerInfo is a rendezvous announcement: an application peer identified by
// its own Ed25519 key, reachable through the DHT node that carries the
// announcement. Origin is set when the announcement is delegated, i.e.
// the carrying node announces on behalf of the origin node.
type PeerInfo struct {
	PeerID         Id
	NodeID         Id
	Origin         Id
	Port           uint16
	AlternativeURL string
	Signature      []byte
}

// NewPeerInfo signs a fresh announcement with the peer keypair.
func NewPeerInfo(keypair crypto.KeyPair, nodeID Id, port uint16, altURL string) PeerInfo {
	p := PeerInfo{
		PeerID:         Id(keypair.PublicKey()),
		NodeID:         nodeID,
		Port:           port,
		AlternativeURL: altURL,
	}
	p.Signature = keypair.Sign(p.signedDigest())
	return p
}

func (p PeerInfo) IsDelegated() bool {
	return !p.Origin.IsZero()
}

func (p PeerInfo) signedDigest() []byte {
	buf := make([]byte, 0, IDBytes*3+2+len(p.AlternativeURL))
	buf = append(buf, p.PeerID[:]...)
	buf = append(buf, p.NodeID[:]...)
	if p.IsDelegated() {
		buf = append(buf, p.Origin[:]...)
	}
	buf = binary.BigEndian.AppendUint16(buf, p.Port)
	buf = append(buf, []byte(p.AlternativeURL)...)
	return buf
}

// IsValid verifies the announcement signature against the peer key.
func (p PeerInfo) IsValid() bool {
	if p.PeerID.IsZero() || p.NodeID.IsZero() || p.Port == 0 {
		return false
	}
	return crypto.Verify(p.PeerID, p.signedDigest(), p.Signature)
}

func (p PeerInfo) Equals(other PeerInfo) bool {
	return p.PeerID == other.PeerID &&
		p.NodeID == other.NodeID &&
		p.Origin == other.Origin &&
		p.Port == other.Port &&
		p.AlternativeURL == other.AlternativeURL &&
		bytes.Equal(p.Signature, other.Signature)
}

func (p PeerInfo) String() string {
	return fmt.Sprintf("Peer[%s]: node %s, port %d", p.PeerID, p.NodeID, p.Port)
}
