package core

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"kadnet/internal/crypto"
)

// Value is a record in the distributed store. Three modes share the type:
//
//   - immutable: no public key, id = sha256(data)
//   - signed mutable: public key set, id = sha256(public key), data signed
//   - encrypted mutable: signed plus a recipient, data boxed to the recipient
type Value struct {
	PublicKey      Id
	Recipient      Id
	Nonce          []byte
	Signature      []byte
	SequenceNumber int
	Data           []byte
}

const ValueNonceBytes = crypto.BoxNonceBytes

var (
	ErrValueInvalid   = errors.New("value: invalid")
	ErrValueNotSigner = errors.New("value: private key does not own this value")
)

// NewValue builds an immutable value.
func NewValue(data []byte) Value {
	return Value{Data: data}
}

// NewSignedValue builds a signed mutable value owned by keypair.
func NewSignedValue(keypair crypto.KeyPair, nonce []byte, seq int, data []byte) (Value, error) {
	if len(nonce) != ValueNonceBytes {
		return Value{}, fmt.Errorf("value: need %d byte nonce", ValueNonceBytes)
	}
	v := Value{
		PublicKey:      Id(keypair.PublicKey()),
		Nonce:          nonce,
		SequenceNumber: seq,
		Data:           data,
	}
	v.Signature = keypair.Sign(v.signedDigest())
	return v, nil
}

// NewEncryptedValue builds a signed mutable value whose data is boxed from
// the owner keypair to recipient. Only the recipient can open it.
func NewEncryptedValue(keypair crypto.KeyPair, recipient Id, nonce []byte, seq int, data []byte) (Value, error) {
	if len(nonce) != ValueNonceBytes {
		return Value{}, fmt.Errorf("value: need %d byte nonce", ValueNonceBytes)
	}
	boxed, err := crypto.SealTo(keypair, recipient, nonce, data)
	if err != nil {
		return Value{}, err
	}
	v := Value{
		PublicKey:      Id(keypair.PublicKey()),
		Recipient:      recipient,
		Nonce:          nonce,
		SequenceNumber: seq,
		Data:           boxed,
	}
	v.Signature = keypair.Sign(v.signedDigest())
	return v, nil
}

// Update produces the next version of a mutable value, preserving its
// identity fields and bumping the sequence number.
func (v Value) Update(keypair crypto.KeyPair, data []byte) (Value, error) {
	if !v.IsMutable() {
		return Value{}, fmt.Errorf("%w: immutable values cannot be updated", ErrValueInvalid)
	}
	if Id(keypair.PublicKey()) != v.PublicKey {
		return Value{}, ErrValueNotSigner
	}
	if v.IsEncrypted() {
		return NewEncryptedValue(keypair, v.Recipient, v.Nonce, v.SequenceNumber+1, data)
	}
	return NewSignedValue(keypair, v.Nonce, v.SequenceNumber+1, data)
}

func (v Value) IsMutable() bool {
	return !v.PublicKey.IsZero()
}

func (v Value) IsEncrypted() bool {
	return !v.Recipient.IsZero()
}

// Id derives the storage key: sha256 of the data for immutable values,
// sha256 of the owner key for mutable ones.
func (v Value) Id() Id {
	if v.IsMutable() {
		return Id(sha256.Sum256(v.PublicKey[:]))
	}
	return Id(sha256.Sum256(v.Data))
}

// signedDigest is the byte string the owner signs: nonce || seq || data.
func (v Value) signedDigest() []byte {
	buf := make([]byte, 0, len(v.Nonce)+8+len(v.Data))
	buf = append(buf, v.Nonce...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(v.SequenceNumber))
	buf = append(buf, v.Data...)
	return buf
}

// IsValid checks the mode-specific integrity rules. It never consults
// local state; a valid value from the wire is safe to store.
func (v Value) IsValid() bool {
	if len(v.Data) == 0 {
		return false
	}
	if !v.IsMutable() {
		return v.Recipient.IsZero() && len(v.Nonce) == 0 && len(v.Signature) == 0
	}
	if len(v.Nonce) != ValueNonceBytes || len(v.Signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(v.PublicKey[:], v.signedDigest(), v.Signature)
}

// Decrypt opens an encrypted value with the recipient's keypair.
func (v Value) Decrypt(recipient crypto.KeyPair) ([]byte, error) {
	if !v.IsEncrypted() {
		return nil, fmt.Errorf("%w: not an encrypted value", ErrValueInvalid)
	}
	if Id(recipient.PublicKey()) != v.Recipient {
		return nil, fmt.Errorf("%w: not the recipient", ErrValueInvalid)
	}
	return crypto.OpenFrom(recipient, v.PublicKey, v.Nonce, v.Data)
}

func (v Value) Equals(other Value) bool {
	return v.PublicKey == other.PublicKey &&
		v.Recipient == other.Recipient &&
		bytes.Equal(v.Nonce, other.Nonce) &&
		bytes.Equal(v.Signature, other.Signature) &&
		v.SequenceNumber == other.SequenceNumber &&
		bytes.Equal(v.Data, other.Data)
}

func (v Value) String() string {
	switch {
	case v.IsEncrypted():
		return fmt.Sprintf("Value[%s]: encrypted, seq %d, rec %s", v.Id(), v.SequenceNumber, v.Recipient)
	case v.IsMutable():
		return fmt.Sprintf("Value[%s]: signed, seq %d", v.Id(), v.SequenceNumber)
	default:
		return fmt.Sprintf("Value[%s]: immutable, %d bytes", v.Id(), len(v.Data))
	}
}
