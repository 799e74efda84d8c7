package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/sha3"
)

// Fixed suite: Ed25519 identities, X25519 agreement derived from the same
// keys, XChaCha20-Poly1305 datagram sealing, SHA3-256 based KDF.

const (
	PublicKeyBytes = ed25519.PublicKeySize
	SignatureBytes = ed25519.SignatureSize
	SeedBytes      = ed25519.SeedSize
	SharedKeyBytes = 32
)

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

func KDF(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return SHA3_256(buf)
}

// KeyPair is a long-lived Ed25519 identity. The node id is the public key.
type KeyPair struct {
	priv ed25519.PrivateKey
}

func NewKeyPair() KeyPair {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return KeyPair{priv: priv}
}

func KeyPairFromSeed(seed []byte) (KeyPair, error) {
	if len(seed) != SeedBytes {
		return KeyPair{}, fmt.Errorf("bad seed size: need %d", SeedBytes)
	}
	return KeyPair{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

func (k KeyPair) PublicKey() [PublicKeyBytes]byte {
	var pub [PublicKeyBytes]byte
	copy(pub[:], k.priv.Public().(ed25519.PublicKey))
	return pub
}

func (k KeyPair) Seed() []byte {
	return k.priv.Seed()
}

func (k KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.priv, msg)
}

func (k KeyPair) String() string {
	return "KeyPair{REDACTED}"
}

func (k KeyPair) GoString() string {
	return "crypto.KeyPair{REDACTED}"
}

func Verify(pub [PublicKeyBytes]byte, msg, sig []byte) bool {
	if len(sig) != SignatureBytes {
		return false
	}
	return ed25519.Verify(pub[:], msg, sig)
}

// -----------------------------------------------------------------------------
// Key storage
// -----------------------------------------------------------------------------

const keyFile = "key.hex"

func SaveKeyPair(dir string, kp KeyPair) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	seed := kp.Seed()
	return os.WriteFile(filepath.Join(dir, keyFile), []byte(hex.EncodeToString(seed)), 0600)
}

func LoadKeyPair(dir string) (KeyPair, error) {
	seedHex, err := os.ReadFile(filepath.Join(dir, keyFile))
	if err != nil {
		return KeyPair{}, err
	}
	seed, err := hex.DecodeString(string(seedHex))
	if err != nil {
		return KeyPair{}, errors.New("bad key.hex")
	}
	return KeyPairFromSeed(seed)
}

// LoadOrCreateKeyPair reuses the identity under dir, minting one on first run.
func LoadOrCreateKeyPair(dir string) (KeyPair, error) {
	kp, err := LoadKeyPair(dir)
	if err == nil {
		return kp, nil
	}
	if !os.IsNotExist(err) {
		return KeyPair{}, err
	}
	kp = NewKeyPair()
	if err := SaveKeyPair(dir, kp); err != nil {
		return KeyPair{}, err
	}
	return kp, nil
}
