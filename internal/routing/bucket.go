package routing

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"kadnet/internal/core"
)

const (
	// BucketSize is the Kademlia K: live entries per bucket, replacement
	// cache capacity, and the closest-set size lookups converge on.
	BucketSize = 8

	// SplitDepth allows any bucket whose prefix is shorter than this many
	// bits to split even when it does not contain the local id.
	SplitDepth = 5

	// MaxFailures marks an entry dead after this many consecutive
	// timeouts without an intervening response.
	MaxFailures = 3

	// RefreshInterval is how long a bucket may stay idle before the
	// maintenance pass looks up a random id inside it.
	RefreshInterval = 15 * time.Minute
)

// Entry is one routing-table slot: a node plus its liveness bookkeeping.
type Entry struct {
	core.NodeInfo
	lastSeen       time.Time
	lastSend       time.Time
	failedRequests int
	reachable      bool
}

func newEntry(node core.NodeInfo, now time.Time) *Entry {
	return &Entry{NodeInfo: node, lastSeen: now}
}

func (e *Entry) IsDead() bool {
	return e.failedRequests >= MaxFailures
}

func (e *Entry) IsReachable() bool {
	return e.reachable
}

func (e *Entry) LastSeen() time.Time {
	return e.lastSeen
}

// IsEligibleForNodesList gates inclusion in find_node responses: the node
// answered at least once and is not timing out.
func (e *Entry) IsEligibleForNodesList() bool {
	return e.reachable && !e.IsDead()
}

func (e *Entry) onResponse(now time.Time) {
	e.lastSeen = now
	e.failedRequests = 0
	e.reachable = true
}

func (e *Entry) onSend(now time.Time) {
	e.lastSend = now
}

func (e *Entry) onTimeout() {
	e.failedRequests++
}

func (e *Entry) String() string {
	return fmt.Sprintf("%s fail=%d reachable=%v", e.NodeInfo, e.failedRequests, e.reachable)
}

// bucket covers the id range sharing its prefix. Entries are kept in
// insertion order; the replacement cache keeps the youngest candidates at
// the tail.
type bucket struct {
	prefix      core.Id
	depth       int
	entries     []*Entry
	cache       []*Entry
	lastRefresh time.Time
}

func newBucket(prefix core.Id, depth int) *bucket {
	return &bucket{prefix: prefix.TruncatePrefix(depth), depth: depth}
}

func (b *bucket) covers(id core.Id) bool {
	return id.MatchesPrefix(b.prefix, b.depth)
}

func (b *bucket) isHome(localID core.Id) bool {
	return b.covers(localID)
}

func (b *bucket) find(id core.Id) *Entry {
	for _, e := range b.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (b *bucket) findCached(id core.Id) *Entry {
	for _, e := range b.cache {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (b *bucket) findByAddr(addr netip.AddrPort) *Entry {
	for _, e := range b.entries {
		if e.Addr == addr {
			return e
		}
	}
	return nil
}

func (b *bucket) liveCount() int {
	n := 0
	for _, e := range b.entries {
		if !e.IsDead() {
			n++
		}
	}
	return n
}

func (b *bucket) isFull() bool {
	return b.liveCount() >= BucketSize
}

func (b *bucket) remove(id core.Id) {
	for i, e := range b.entries {
		if e.ID == id {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return
		}
	}
}

// append adds entry to the main list, evicting one dead entry if the slot
// count would overflow.
func (b *bucket) append(entry *Entry) {
	if len(b.entries) >= BucketSize {
		for i, e := range b.entries {
			if e.IsDead() {
				b.entries = append(b.entries[:i], b.entries[i+1:]...)
				break
			}
		}
		if len(b.entries) >= BucketSize {
			return
		}
	}
	b.entries = append(b.entries, entry)
}

// putCache stores entry as a replacement candidate, evicting the oldest
// when the cache is full.
func (b *bucket) putCache(entry *Entry) {
	if cached := b.findCached(entry.ID); cached != nil {
		cached.NodeInfo = entry.NodeInfo
		cached.lastSeen = entry.lastSeen
		return
	}
	if len(b.cache) >= BucketSize {
		b.cache = b.cache[1:]
	}
	b.cache = append(b.cache, entry)
}

// promoteReplacement swaps one dead main entry for the youngest live
// replacement, if both exist.
func (b *bucket) promoteReplacement() {
	if len(b.cache) == 0 {
		return
	}
	for i, e := range b.entries {
		if !e.IsDead() {
			continue
		}
		for j := len(b.cache) - 1; j >= 0; j-- {
			if b.cache[j].IsDead() {
				continue
			}
			b.entries[i] = b.cache[j]
			b.cache = append(b.cache[:j], b.cache[j+1:]...)
			return
		}
		return
	}
}

// split divides the bucket on the bit after its prefix. The receiver's
// entries and cache are redistributed into the two halves.
func (b *bucket) split() (*bucket, *bucket) {
	low := newBucket(b.prefix.SetBit(b.depth, 0), b.depth+1)
	high := newBucket(b.prefix.SetBit(b.depth, 1), b.depth+1)
	low.lastRefresh = b.lastRefresh
	high.lastRefresh = b.lastRefresh
	for _, e := range b.entries {
		if low.covers(e.ID) {
			low.entries = append(low.entries, e)
		} else {
			high.entries = append(high.entries, e)
		}
	}
	for _, e := range b.cache {
		if low.covers(e.ID) {
			low.cache = append(low.cache, e)
		} else {
			high.cache = append(high.cache, e)
		}
	}
	return low, high
}

func (b *bucket) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "bucket %s/%d: %d entries, %d cached", b.prefix, b.depth, len(b.entries), len(b.cache))
	return sb.String()
}
