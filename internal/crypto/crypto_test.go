package crypto

import (
	"bytes"
	"testing"
)

func TestKeyPairSignVerify(t *testing.T) {
	kp := NewKeyPair()
	msg := []byte("attack at dawn")
	sig := kp.Sign(msg)
	if !Verify(kp.PublicKey(), msg, sig) {
		t.Fatalf("signature did not verify")
	}
	if Verify(kp.PublicKey(), []byte("attack at dusk"), sig) {
		t.Fatalf("verified the wrong message")
	}
	if Verify(NewKeyPair().PublicKey(), msg, sig) {
		t.Fatalf("verified under the wrong key")
	}
}

func TestKeyPairFromSeedDeterministic(t *testing.T) {
	kp := NewKeyPair()
	again, err := KeyPairFromSeed(kp.Seed())
	if err != nil {
		t.Fatalf("from seed: %v", err)
	}
	if kp.PublicKey() != again.PublicKey() {
		t.Fatalf("seed did not reproduce the key")
	}
	if _, err := KeyPairFromSeed(make([]byte, 16)); err == nil {
		t.Fatalf("short seed accepted")
	}
}

func TestKeyStorage(t *testing.T) {
	dir := t.TempDir()
	kp, err := LoadOrCreateKeyPair(dir)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	loaded, err := LoadOrCreateKeyPair(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if kp.PublicKey() != loaded.PublicKey() {
		t.Fatalf("identity changed across restarts")
	}
}

func TestBoxRoundTrip(t *testing.T) {
	alice := NewKeyPair()
	bob := NewKeyPair()
	boxA := NewBox(alice)
	boxB := NewBox(bob)

	plain := []byte("hello over udp")
	sealed, err := boxA.Encrypt(bob.PublicKey(), 42, plain)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := boxB.Decrypt(alice.PublicKey(), sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("decrypt = %q", got)
	}
}

func TestBoxWrongSenderFails(t *testing.T) {
	alice := NewKeyPair()
	bob := NewKeyPair()
	carol := NewKeyPair()

	sealed, err := NewBox(alice).Encrypt(bob.PublicKey(), 7, []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := NewBox(bob).Decrypt(carol.PublicKey(), sealed); err == nil {
		t.Fatalf("decrypt with wrong claimed sender succeeded")
	}
	if _, err := NewBox(carol).Decrypt(alice.PublicKey(), sealed); err == nil {
		t.Fatalf("non-recipient opened the box")
	}
}

func TestBoxTamperDetected(t *testing.T) {
	alice := NewKeyPair()
	bob := NewKeyPair()
	sealed, err := NewBox(alice).Encrypt(bob.PublicKey(), 7, []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	sealed[len(sealed)-1] ^= 0x01
	if _, err := NewBox(bob).Decrypt(alice.PublicKey(), sealed); err == nil {
		t.Fatalf("tampered box opened")
	}
	if _, err := NewBox(bob).Decrypt(alice.PublicKey(), sealed[:BoxNonceBytes]); err == nil {
		t.Fatalf("truncated box opened")
	}
}

func TestDatagramNonceDistinct(t *testing.T) {
	a := NewKeyPair().PublicKey()
	b := NewKeyPair().PublicKey()
	n1 := DatagramNonce(a, b, 1)
	n2 := DatagramNonce(a, b, 2)
	n3 := DatagramNonce(b, a, 1)
	if bytes.Equal(n1, n2) {
		t.Fatalf("txids must give distinct nonces")
	}
	if bytes.Equal(n1, n3) {
		t.Fatalf("directions must give distinct nonces")
	}
	if len(n1) != BoxNonceBytes {
		t.Fatalf("nonce size %d", len(n1))
	}
}

func TestSealToOpenFrom(t *testing.T) {
	owner := NewKeyPair()
	recipient := NewKeyPair()
	nonce := DatagramNonce(owner.PublicKey(), recipient.PublicKey(), 1)

	sealed, err := SealTo(owner, recipient.PublicKey(), nonce, []byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := OpenFrom(recipient, owner.PublicKey(), nonce, sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, []byte("payload")) {
		t.Fatalf("open = %q", got)
	}
}
