package dht

import (
	"net/netip"
	"path/filepath"
	"testing"

	"kadnet/internal/core"
	"kadnet/internal/crypto"
	"kadnet/internal/rpc"
	"kadnet/internal/store"
)

func testDHT(t *testing.T, persistPath string) *DHT {
	t.Helper()
	kp := crypto.NewKeyPair()
	server := rpc.NewServer(core.Id(kp.PublicKey()), crypto.NewBox(kp), rpc.Config{
		Bind4: netip.MustParseAddrPort("127.0.0.1:0"),
	})
	return New(IPv4, server, store.New(store.Options{}), Config{PersistPath: persistPath})
}

func TestRoutingSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routing4.jsonl")
	d := testDHT(t, path)

	nodes := make(map[core.Id]core.NodeInfo)
	for i := 0; i < 12; i++ {
		n := core.NodeInfo{
			ID:   core.RandomID(),
			Addr: netip.MustParseAddrPort("10.1.2.3:39001"),
		}
		n.Addr = netip.AddrPortFrom(n.Addr.Addr(), uint16(39001+i))
		nodes[n.ID] = n
		d.table.Put(n)
	}
	if err := d.saveCachedNodes(); err != nil {
		t.Fatalf("save: %v", err)
	}

	restored := testDHT(t, path)
	cached, err := restored.loadCachedNodes()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cached) != len(nodes) {
		t.Fatalf("loaded %d nodes, want %d", len(cached), len(nodes))
	}
	for _, n := range cached {
		want, ok := nodes[n.ID]
		if !ok || want.Addr != n.Addr {
			t.Fatalf("node %s mismatch", n.ID)
		}
	}
}

func TestLoadSkipsForeignFamily(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routing.jsonl")
	d := testDHT(t, path)
	d.table.Put(core.NodeInfo{ID: core.RandomID(), Addr: netip.MustParseAddrPort("10.0.0.1:39001")})
	if err := d.saveCachedNodes(); err != nil {
		t.Fatalf("save: %v", err)
	}

	kp := crypto.NewKeyPair()
	server := rpc.NewServer(core.Id(kp.PublicKey()), crypto.NewBox(kp), rpc.Config{
		Bind6: netip.MustParseAddrPort("[::1]:0"),
	})
	d6 := New(IPv6, server, store.New(store.Options{}), Config{PersistPath: path})
	cached, err := d6.loadCachedNodes()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cached) != 0 {
		t.Fatalf("v6 table loaded v4 nodes: %d", len(cached))
	}
}

func TestLoadMissingFile(t *testing.T) {
	d := testDHT(t, filepath.Join(t.TempDir(), "absent.jsonl"))
	if _, err := d.loadCachedNodes(); err == nil {
		t.Fatalf("expected error for missing snapshot")
	}
}
