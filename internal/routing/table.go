package routing

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"kadnet/internal/core"
)

// Table is the per-family routing table: an ordered list of buckets whose
// prefixes partition the id space. It is owned by the network loop
// goroutine; nothing here locks.
type Table struct {
	localID core.Id
	clock   clock.Clock
	buckets []*bucket
}

func NewTable(localID core.Id, clk clock.Clock) *Table {
	if clk == nil {
		clk = clock.New()
	}
	root := newBucket(core.Id{}, 0)
	root.lastRefresh = clk.Now()
	return &Table{
		localID: localID,
		clock:   clk,
		buckets: []*bucket{root},
	}
}

func (t *Table) LocalID() core.Id {
	return t.localID
}

func (t *Table) bucketOf(id core.Id) (int, *bucket) {
	for i, b := range t.buckets {
		if b.covers(id) {
			return i, b
		}
	}
	// The bucket prefixes partition the id space, so this is unreachable.
	panic("routing: id not covered by any bucket")
}

func (t *Table) splittable(b *bucket) bool {
	return b.isHome(t.localID) || b.depth < SplitDepth
}

// Put inserts or refreshes a node. Existing entries are refreshed in
// place; a full home-eligible bucket splits; otherwise the newcomer lands
// in the replacement cache.
func (t *Table) Put(node core.NodeInfo) {
	if node.ID == t.localID {
		return
	}
	now := t.clock.Now()
	for {
		i, b := t.bucketOf(node.ID)

		if e := b.find(node.ID); e != nil {
			e.Addr = node.Addr
			if node.Version != 0 {
				e.Version = node.Version
			}
			e.onResponse(now)
			return
		}

		// A different id on a known address is either a restarted node
		// or an attempt to shadow it. Trust the address only once the
		// old entry has died.
		if clash := b.findByAddr(node.Addr); clash != nil {
			if !clash.IsDead() {
				return
			}
			b.remove(clash.ID)
		}

		if !b.isFull() {
			b.append(newEntry(node, now))
			b.promoteReplacement()
			return
		}

		if t.splittable(b) {
			low, high := b.split()
			t.buckets = append(t.buckets[:i], append([]*bucket{low, high}, t.buckets[i+1:]...)...)
			continue
		}

		b.putCache(newEntry(node, now))
		b.promoteReplacement()
		return
	}
}

// OnResponse refreshes liveness for a node that answered.
func (t *Table) OnResponse(id core.Id) {
	_, b := t.bucketOf(id)
	now := t.clock.Now()
	if e := b.find(id); e != nil {
		e.onResponse(now)
		return
	}
	if e := b.findCached(id); e != nil {
		e.onResponse(now)
	}
}

// OnSend records an outgoing request to a node.
func (t *Table) OnSend(id core.Id) {
	_, b := t.bucketOf(id)
	if e := b.find(id); e != nil {
		e.onSend(t.clock.Now())
	}
}

// OnTimeout charges a node with one failed request.
func (t *Table) OnTimeout(id core.Id) {
	_, b := t.bucketOf(id)
	if e := b.find(id); e != nil {
		e.onTimeout()
		if e.IsDead() {
			b.promoteReplacement()
		}
		return
	}
	if e := b.findCached(id); e != nil {
		e.onTimeout()
	}
}

// Get returns the main-list entry for id, dead or alive, or nil.
func (t *Table) Get(id core.Id) *Entry {
	_, b := t.bucketOf(id)
	return b.find(id)
}

// Closest returns up to k live nodes ordered by XOR distance to target,
// preferring entries that have proven reachable.
func (t *Table) Closest(target core.Id, k int) []core.NodeInfo {
	var reachable, known []*Entry
	for _, b := range t.buckets {
		for _, e := range b.entries {
			if e.IsDead() {
				continue
			}
			if e.IsReachable() {
				reachable = append(reachable, e)
			} else {
				known = append(known, e)
			}
		}
	}
	byDistance := func(entries []*Entry) {
		sort.SliceStable(entries, func(i, j int) bool {
			return target.ThreeWayCompare(entries[i].ID, entries[j].ID) < 0
		})
	}
	byDistance(reachable)
	byDistance(known)

	out := make([]core.NodeInfo, 0, k)
	for _, e := range append(reachable, known...) {
		if len(out) >= k {
			break
		}
		out = append(out, e.NodeInfo)
	}
	return out
}

// RandomRefreshTargets returns one random id per stale non-home bucket
// and stamps those buckets refreshed.
func (t *Table) RandomRefreshTargets() []core.Id {
	now := t.clock.Now()
	var targets []core.Id
	for _, b := range t.buckets {
		if b.isHome(t.localID) {
			continue
		}
		if now.Sub(b.lastRefresh) < RefreshInterval {
			continue
		}
		b.lastRefresh = now
		targets = append(targets, core.RandomIDInPrefix(b.prefix, b.depth))
	}
	return targets
}

// AllRefreshTargets returns one random id per bucket, regardless of
// staleness; the bootstrap sweep uses it to touch the whole table.
func (t *Table) AllRefreshTargets() []core.Id {
	now := t.clock.Now()
	targets := make([]core.Id, 0, len(t.buckets))
	for _, b := range t.buckets {
		b.lastRefresh = now
		targets = append(targets, core.RandomIDInPrefix(b.prefix, b.depth))
	}
	return targets
}

// HomeBucketSize reports how many live entries surround the local id,
// which drives the Connected bootstrap status.
func (t *Table) HomeBucketSize() int {
	_, b := t.bucketOf(t.localID)
	return b.liveCount()
}

func (t *Table) Size() int {
	n := 0
	for _, b := range t.buckets {
		n += len(b.entries)
	}
	return n
}

func (t *Table) BucketCount() int {
	return len(t.buckets)
}

// AllBucketsPopulated reports whether every bucket holds at least one
// live entry, the Profound bootstrap condition.
func (t *Table) AllBucketsPopulated() bool {
	for _, b := range t.buckets {
		if b.liveCount() == 0 {
			return false
		}
	}
	return true
}

// SnapshotEntry is the persisted form of a table slot.
type SnapshotEntry struct {
	ID       core.Id
	Addr     netip.AddrPort
	LastSeen time.Time
}

func (t *Table) Snapshot() []SnapshotEntry {
	var out []SnapshotEntry
	for _, b := range t.buckets {
		for _, e := range b.entries {
			if e.IsDead() {
				continue
			}
			out = append(out, SnapshotEntry{ID: e.ID, Addr: e.Addr, LastSeen: e.lastSeen})
		}
	}
	return out
}

func (t *Table) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "table %s: %d nodes in %d buckets\n", t.localID, t.Size(), len(t.buckets))
	for _, b := range t.buckets {
		fmt.Fprintf(&sb, "  %s\n", b)
	}
	return sb.String()
}
