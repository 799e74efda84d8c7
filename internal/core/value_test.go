package core

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"testing"

	"kadnet/internal/crypto"
)

func testNonce() []byte {
	nonce := make([]byte, ValueNonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		panic(err)
	}
	return nonce
}

func TestImmutableValue(t *testing.T) {
	v := NewValue([]byte("Hello"))
	if v.IsMutable() || v.IsEncrypted() {
		t.Fatalf("immutable value misclassified")
	}
	if !v.IsValid() {
		t.Fatalf("expected valid")
	}
	want := Id(sha256.Sum256([]byte("Hello")))
	if v.Id() != want {
		t.Fatalf("id = %s, want sha256 of data", v.Id())
	}
}

func TestSignedValue(t *testing.T) {
	kp := crypto.NewKeyPair()
	v, err := NewSignedValue(kp, testNonce(), 0, []byte("v1"))
	if err != nil {
		t.Fatalf("new signed value: %v", err)
	}
	if !v.IsMutable() || v.IsEncrypted() {
		t.Fatalf("signed value misclassified")
	}
	if !v.IsValid() {
		t.Fatalf("expected valid")
	}
	want := Id(sha256.Sum256(v.PublicKey[:]))
	if v.Id() != want {
		t.Fatalf("id must derive from the owner key")
	}

	v.Data = []byte("tampered")
	if v.IsValid() {
		t.Fatalf("tampered value verified")
	}
}

func TestSignedValueUpdate(t *testing.T) {
	kp := crypto.NewKeyPair()
	v1, err := NewSignedValue(kp, testNonce(), 0, []byte("v1"))
	if err != nil {
		t.Fatalf("new signed value: %v", err)
	}
	v2, err := v1.Update(kp, []byte("v2"))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if v2.SequenceNumber != 1 {
		t.Fatalf("seq = %d, want 1", v2.SequenceNumber)
	}
	if v2.Id() != v1.Id() {
		t.Fatalf("update changed the id")
	}
	if !v2.IsValid() {
		t.Fatalf("updated value invalid")
	}

	other := crypto.NewKeyPair()
	if _, err := v1.Update(other, []byte("x")); err == nil {
		t.Fatalf("foreign key must not update the value")
	}
}

func TestEncryptedValue(t *testing.T) {
	owner := crypto.NewKeyPair()
	recipient := crypto.NewKeyPair()
	recipientID := Id(recipient.PublicKey())

	plain := []byte("for your eyes only")
	v, err := NewEncryptedValue(owner, recipientID, testNonce(), 0, plain)
	if err != nil {
		t.Fatalf("new encrypted value: %v", err)
	}
	if !v.IsEncrypted() || !v.IsValid() {
		t.Fatalf("encrypted value invalid")
	}
	if bytes.Equal(v.Data, plain) {
		t.Fatalf("data not encrypted")
	}

	got, err := v.Decrypt(recipient)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("decrypt = %q", got)
	}

	stranger := crypto.NewKeyPair()
	if _, err := v.Decrypt(stranger); err == nil {
		t.Fatalf("stranger decrypted the value")
	}
}

func TestImmutableUpdateRejected(t *testing.T) {
	v := NewValue([]byte("fixed"))
	if _, err := v.Update(crypto.NewKeyPair(), []byte("new")); err == nil {
		t.Fatalf("immutable update must fail")
	}
}
