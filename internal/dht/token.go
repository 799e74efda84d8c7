package dht

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"net/netip"
	"time"

	"kadnet/internal/core"
)

// TokenRotationInterval is how often the signing secret rotates. With
// the previous secret still accepted, a token stays valid for 5-10 min.
const TokenRotationInterval = 5 * time.Minute

// TokenManager issues the short-lived proofs gating write-class requests.
// A token binds the requester's identity and socket address to the
// target id, so it cannot be replayed by or against anyone else.
type TokenManager struct {
	cur  [32]byte
	prev [32]byte
}

func NewTokenManager() *TokenManager {
	tm := &TokenManager{}
	tm.Rotate()
	tm.Rotate()
	return tm
}

// Rotate retires the previous secret and mints a fresh current one.
func (tm *TokenManager) Rotate() {
	tm.prev = tm.cur
	if _, err := rand.Read(tm.cur[:]); err != nil {
		panic(err)
	}
}

func tokenOf(secret [32]byte, sender core.Id, addr netip.AddrPort, target core.Id) int32 {
	mac := hmac.New(sha256.New, secret[:])
	mac.Write(sender[:])
	mac.Write(addr.Addr().AsSlice())
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], addr.Port())
	mac.Write(port[:])
	mac.Write(target[:])
	sum := mac.Sum(nil)
	return int32(binary.BigEndian.Uint32(sum[:4]))
}

func (tm *TokenManager) Generate(sender core.Id, addr netip.AddrPort, target core.Id) int32 {
	return tokenOf(tm.cur, sender, addr, target)
}

// Verify accepts tokens minted under the current or previous secret.
func (tm *TokenManager) Verify(token int32, sender core.Id, addr netip.AddrPort, target core.Id) bool {
	return token == tokenOf(tm.cur, sender, addr, target) ||
		token == tokenOf(tm.prev, sender, addr, target)
}
