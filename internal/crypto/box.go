package crypto

import (
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

const (
	BoxKeyBytes   = chacha20poly1305.KeySize
	BoxNonceBytes = chacha20poly1305.NonceSizeX
	BoxMACBytes   = chacha20poly1305.Overhead
)

const (
	labelBoxKey   = "kadnet:box:v1"
	labelBoxNonce = "kadnet:nonce:v1"
)

var ErrDecrypt = errors.New("box: decrypt failed")

// edPrivToX maps an Ed25519 seed onto the X25519 scalar (SHA-512 + clamp).
func edPrivToX(seed []byte) [32]byte {
	h := sha512.Sum512(seed)
	var out [32]byte
	copy(out[:], h[:32])
	out[0] &= 248
	out[31] &= 127
	out[31] |= 64
	return out
}

// edPubToX maps an Ed25519 public key onto the Montgomery curve.
func edPubToX(pub [PublicKeyBytes]byte) ([32]byte, error) {
	var out [32]byte
	p, err := new(edwards25519.Point).SetBytes(pub[:])
	if err != nil {
		return out, fmt.Errorf("box: not a curve point: %w", err)
	}
	copy(out[:], p.BytesMontgomery())
	return out, nil
}

func sharedKey(xpriv [32]byte, peer [PublicKeyBytes]byte) ([]byte, error) {
	xpub, err := edPubToX(peer)
	if err != nil {
		return nil, err
	}
	ss, err := curve25519.X25519(xpriv[:], xpub[:])
	if err != nil {
		return nil, fmt.Errorf("box: x25519: %w", err)
	}
	return KDF(labelBoxKey, ss), nil
}

// DatagramNonce derives the 24-byte nonce for one wire datagram. The txid
// is unique per (sender, receiver) direction within a session, so a
// (nonce, key) pair is never reused.
func DatagramNonce(sender, receiver [PublicKeyBytes]byte, txid int32) []byte {
	var t [4]byte
	binary.BigEndian.PutUint32(t[:], uint32(txid))
	return KDF(labelBoxNonce, sender[:], receiver[:], t[:])[:BoxNonceBytes]
}

// Box seals and opens datagrams between the local identity and its peers.
// Shared keys are derived once per peer and cached.
type Box struct {
	pub    [PublicKeyBytes]byte
	xpriv  [32]byte
	mu     sync.Mutex
	shared map[[PublicKeyBytes]byte][]byte
}

func NewBox(kp KeyPair) *Box {
	return &Box{
		pub:    kp.PublicKey(),
		xpriv:  edPrivToX(kp.Seed()),
		shared: make(map[[PublicKeyBytes]byte][]byte),
	}
}

func (b *Box) keyFor(peer [PublicKeyBytes]byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if key, ok := b.shared[peer]; ok {
		return key, nil
	}
	key, err := sharedKey(b.xpriv, peer)
	if err != nil {
		return nil, err
	}
	b.shared[peer] = key
	return key, nil
}

// Encrypt seals plaintext for peer. The nonce is derived deterministically
// from (sender, receiver, txid) so this sender never reuses a (nonce, key)
// pair within a session, and it prefixes the sealed bytes so the receiver
// can open the packet without knowing the txid yet.
func (b *Box) Encrypt(peer [PublicKeyBytes]byte, txid int32, plaintext []byte) ([]byte, error) {
	key, err := b.keyFor(peer)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := DatagramNonce(b.pub, peer, txid)
	out := make([]byte, BoxNonceBytes, BoxNonceBytes+len(plaintext)+BoxMACBytes)
	copy(out, nonce)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt opens a nonce-prefixed datagram sealed by peer.
func (b *Box) Decrypt(peer [PublicKeyBytes]byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < BoxNonceBytes+BoxMACBytes {
		return nil, ErrDecrypt
	}
	key, err := b.keyFor(peer)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	out, err := aead.Open(nil, ciphertext[:BoxNonceBytes], ciphertext[BoxNonceBytes:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// One-shot sealing for encrypted values (owner -> recipient)
// -----------------------------------------------------------------------------

func SealTo(owner KeyPair, recipient [PublicKeyBytes]byte, nonce, plaintext []byte) ([]byte, error) {
	if len(nonce) != BoxNonceBytes {
		return nil, fmt.Errorf("box: need %d byte nonce", BoxNonceBytes)
	}
	key, err := sharedKey(edPrivToX(owner.Seed()), recipient)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

func OpenFrom(recipient KeyPair, owner [PublicKeyBytes]byte, nonce, ciphertext []byte) ([]byte, error) {
	if len(nonce) != BoxNonceBytes {
		return nil, fmt.Errorf("box: need %d byte nonce", BoxNonceBytes)
	}
	key, err := sharedKey(edPrivToX(recipient.Seed()), owner)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	out, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return out, nil
}
