package store

import (
	"bytes"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"kadnet/internal/core"
)

const (
	DefaultValueCap = 4096
	DefaultPeerCap  = 4096

	// DefaultTTL is how long a record lives without being re-announced.
	DefaultTTL = 2 * time.Hour
)

// ValueRecord is a stored value plus its republish bookkeeping. Persistent
// records are locally owned and re-announced by the maintenance pass.
type ValueRecord struct {
	Value       core.Value
	AnnouncedAt time.Time
	Persistent  bool
}

type PeerRecord struct {
	Peer        core.PeerInfo
	AnnouncedAt time.Time
	Persistent  bool
}

type peerKey struct {
	peerID core.Id
	nodeID core.Id
}

// Store keeps values and peer announcements with bounded capacity and
// TTL expiry. Accessed only from the network loop.
type Store struct {
	values *expirable.LRU[core.Id, ValueRecord]
	peers  *expirable.LRU[peerKey, PeerRecord]
}

type Options struct {
	ValueCap int
	PeerCap  int
	TTL      time.Duration
}

func New(opts Options) *Store {
	valueCap := opts.ValueCap
	if valueCap <= 0 {
		valueCap = DefaultValueCap
	}
	peerCap := opts.PeerCap
	if peerCap <= 0 {
		peerCap = DefaultPeerCap
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		values: expirable.NewLRU[core.Id, ValueRecord](valueCap, nil, ttl),
		peers:  expirable.NewLRU[peerKey, PeerRecord](peerCap, nil, ttl),
	}
}

// NoCas marks a store without a compare-and-swap expectation.
const NoCas = -1

// PutValue applies the update rules: immutable values never change,
// mutable ones must preserve their identity fields and advance the
// sequence number past both the stored version and the caller's cas
// expectation. Violations come back as wire-visible ProtoErrors.
func (s *Store) PutValue(v core.Value, announcedAt time.Time, persistent bool, cas int) error {
	return s.putValueAt(v.Id(), v, announcedAt, persistent, cas)
}

func (s *Store) putValueAt(id core.Id, v core.Value, announcedAt time.Time, persistent bool, cas int) error {
	if old, ok := s.values.Get(id); ok {
		stored := old.Value
		if stored.IsMutable() != v.IsMutable() {
			return core.NewProtoError(core.CodeImmutableSubstitution, "try to replace a value with different mutability")
		}
		if !v.IsMutable() {
			// Same id means same data for immutable values; nothing to do
			// beyond refreshing the record below.
		} else {
			if cas != NoCas && stored.SequenceNumber != cas {
				return core.NewProtoError(core.CodeCasFail, fmt.Sprintf("CAS failure, expected seq %d, actual %d", cas, stored.SequenceNumber))
			}
			if v.SequenceNumber <= stored.SequenceNumber {
				return core.NewProtoError(core.CodeSeqNotMonotonic, fmt.Sprintf("sequence number less than current %d", stored.SequenceNumber))
			}
			if v.PublicKey != stored.PublicKey || v.Recipient != stored.Recipient ||
				!bytes.Equal(v.Nonce, stored.Nonce) {
				return core.NewProtoError(core.CodeCasFail, "value identity fields do not match the stored version")
			}
		}
		persistent = persistent || old.Persistent
	}
	s.values.Add(id, ValueRecord{Value: v, AnnouncedAt: announcedAt, Persistent: persistent})
	return nil
}

func (s *Store) GetValue(id core.Id) (core.Value, bool) {
	rec, ok := s.values.Get(id)
	if !ok {
		return core.Value{}, false
	}
	return rec.Value, true
}

func (s *Store) RemoveValue(id core.Id) {
	s.values.Remove(id)
}

// PutPeer stores an announcement under (peer id, node id). Re-announcing
// the same endpoint is idempotent and just refreshes the record.
func (s *Store) PutPeer(p core.PeerInfo, announcedAt time.Time, persistent bool) {
	key := peerKey{peerID: p.PeerID, nodeID: p.NodeID}
	if old, ok := s.peers.Get(key); ok {
		persistent = persistent || old.Persistent
	}
	s.peers.Add(key, PeerRecord{Peer: p, AnnouncedAt: announcedAt, Persistent: persistent})
}

// GetPeers returns up to max announcements for peerID across carrier
// nodes; max <= 0 means all.
func (s *Store) GetPeers(peerID core.Id, max int) []core.PeerInfo {
	var out []core.PeerInfo
	for _, key := range s.peers.Keys() {
		if key.peerID != peerID {
			continue
		}
		if rec, ok := s.peers.Get(key); ok {
			out = append(out, rec.Peer)
			if max > 0 && len(out) >= max {
				break
			}
		}
	}
	return out
}

func (s *Store) GetPeer(peerID, nodeID core.Id) (core.PeerInfo, bool) {
	rec, ok := s.peers.Get(peerKey{peerID: peerID, nodeID: nodeID})
	if !ok {
		return core.PeerInfo{}, false
	}
	return rec.Peer, true
}

// PersistentValues lists the locally owned values due for republish.
func (s *Store) PersistentValues() []ValueRecord {
	var out []ValueRecord
	for _, id := range s.values.Keys() {
		if rec, ok := s.values.Get(id); ok && rec.Persistent {
			out = append(out, rec)
		}
	}
	return out
}

func (s *Store) PersistentPeers() []PeerRecord {
	var out []PeerRecord
	for _, key := range s.peers.Keys() {
		if rec, ok := s.peers.Get(key); ok && rec.Persistent {
			out = append(out, rec)
		}
	}
	return out
}

func (s *Store) ValueCount() int {
	return s.values.Len()
}

func (s *Store) PeerCount() int {
	return s.peers.Len()
}
