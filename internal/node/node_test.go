package node_test

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"net/netip"
	"testing"
	"time"

	"kadnet/internal/core"
	"kadnet/internal/crypto"
	"kadnet/internal/dht"
	"kadnet/internal/node"
	"kadnet/internal/task"
)

func newTestNode(t *testing.T, seeds []core.NodeInfo) *node.Node {
	t.Helper()
	n, err := node.New(node.Config{
		Addr4:      netip.MustParseAddrPort("127.0.0.1:0"),
		DataDir:    t.TempDir(),
		Bootstraps: seeds,
	})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	if err := n.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}
	t.Cleanup(n.Stop)
	return n
}

// newTestCluster brings up count nodes, the rest seeded off the first.
func newTestCluster(t *testing.T, count int) []*node.Node {
	t.Helper()
	nodes := make([]*node.Node, 0, count)
	first := newTestNode(t, nil)
	nodes = append(nodes, first)
	seeds := []core.NodeInfo{first.NodeInfo4()}
	for i := 1; i < count; i++ {
		nodes = append(nodes, newTestNode(t, seeds))
	}
	waitForStatus(t, nodes[1:], dht.Connected, 30*time.Second)
	return nodes
}

func waitForStatus(t *testing.T, nodes []*node.Node, want dht.ConnectionStatus, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		ready := 0
		for _, n := range nodes {
			if n.ConnectionStatus4() >= want {
				ready++
			}
		}
		if ready == len(nodes) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d/%d nodes reached %s", ready, len(nodes), want)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testNonce() []byte {
	nonce := make([]byte, core.ValueNonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		panic(err)
	}
	return nonce
}

func TestBootstrapAndFindNode(t *testing.T) {
	nodes := newTestCluster(t, 4)
	ctx := testCtx(t)

	for _, from := range nodes {
		for _, target := range nodes {
			if from == target {
				continue
			}
			res, err := from.FindNode(ctx, target.ID())
			if err != nil {
				t.Fatalf("find_node: %v", err)
			}
			if res.V4 == nil {
				t.Fatalf("%s did not find %s", from.ID(), target.ID())
			}
			if res.V4.Addr != target.Addr4() {
				t.Fatalf("found %s at %s, want %s", target.ID(), res.V4.Addr, target.Addr4())
			}
		}
	}
}

func TestBootstrapReachesProfound(t *testing.T) {
	nodes := newTestCluster(t, 8)
	waitForStatus(t, nodes[1:], dht.Profound, 30*time.Second)

	// Everyone should have discovered nearly the whole overlay.
	deadline := time.Now().Add(30 * time.Second)
	for _, n := range nodes {
		for n.TableSize4() < len(nodes)-1 {
			if time.Now().After(deadline) {
				t.Fatalf("%s knows only %d nodes", n.ID(), n.TableSize4())
			}
			time.Sleep(100 * time.Millisecond)
		}
	}
}

func TestStoreFindImmutable(t *testing.T) {
	nodes := newTestCluster(t, 4)
	ctx := testCtx(t)

	v := core.NewValue([]byte("Hello"))
	if v.Id() != core.Id(sha256.Sum256([]byte("Hello"))) {
		t.Fatalf("immutable id is not the content hash")
	}
	acked, err := nodes[1].StoreValue(ctx, v)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if len(acked) == 0 {
		t.Fatalf("no replica acked the store")
	}

	for _, n := range nodes {
		got, err := n.FindValue(ctx, v.Id(), task.Conservative)
		if err != nil {
			t.Fatalf("find_value: %v", err)
		}
		if got == nil || !got.Equals(v) {
			t.Fatalf("%s did not find the value", n.ID())
		}
	}
}

func TestSignedMutableUpdate(t *testing.T) {
	nodes := newTestCluster(t, 4)
	ctx := testCtx(t)

	kp := crypto.NewKeyPair()
	v1, err := core.NewSignedValue(kp, testNonce(), 0, []byte("v1"))
	if err != nil {
		t.Fatalf("v1: %v", err)
	}
	if _, err := nodes[1].StoreValue(ctx, v1); err != nil {
		t.Fatalf("store v1: %v", err)
	}
	got, err := nodes[2].FindValue(ctx, v1.Id(), task.Conservative)
	if err != nil || got == nil || got.SequenceNumber != 0 {
		t.Fatalf("initial read failed: %v, %v", got, err)
	}

	v2, err := v1.Update(kp, []byte("v2"))
	if err != nil {
		t.Fatalf("v2: %v", err)
	}
	if _, err := nodes[1].StoreValue(ctx, v2); err != nil {
		t.Fatalf("store v2: %v", err)
	}

	for _, n := range nodes[1:] {
		got, err := n.FindValue(ctx, v1.Id(), task.Conservative)
		if err != nil {
			t.Fatalf("find after update: %v", err)
		}
		if got == nil || got.SequenceNumber != 1 || !got.Equals(v2) {
			t.Fatalf("%s still serves the old version", n.ID())
		}
	}

	// Replaying the superseded version convinces nobody.
	acked, err := nodes[3].StoreValue(ctx, v1)
	if err != nil {
		t.Fatalf("replay store: %v", err)
	}
	if len(acked) != 0 {
		t.Fatalf("replay of v1 was acked by %d nodes", len(acked))
	}
	got, err = nodes[2].FindValue(ctx, v1.Id(), task.Conservative)
	if err != nil || got == nil || got.SequenceNumber != 1 {
		t.Fatalf("replay displaced the newer version")
	}
}

func TestAnnounceFindPeer(t *testing.T) {
	nodes := newTestCluster(t, 4)
	ctx := testCtx(t)

	peerKP := crypto.NewKeyPair()
	peer := core.NewPeerInfo(peerKP, nodes[1].ID(), 8888, "")
	acked, err := nodes[1].AnnouncePeer(ctx, peer)
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	if len(acked) == 0 {
		t.Fatalf("nobody acked the announcement")
	}

	for _, n := range nodes {
		if n == nodes[1] {
			continue
		}
		found, err := n.FindPeer(ctx, peer.PeerID, 0)
		if err != nil {
			t.Fatalf("find_peer: %v", err)
		}
		if len(found) != 1 || !found[0].Equals(peer) {
			t.Fatalf("%s found %d announcements", n.ID(), len(found))
		}
	}
}

func TestEncryptedValueRoundTrip(t *testing.T) {
	nodes := newTestCluster(t, 3)
	ctx := testCtx(t)

	owner := crypto.NewKeyPair()
	recipient := nodes[2].KeyPair()
	v, err := core.NewEncryptedValue(owner, nodes[2].ID(), testNonce(), 0, []byte("whisper"))
	if err != nil {
		t.Fatalf("encrypted value: %v", err)
	}
	if _, err := nodes[1].StoreValue(ctx, v); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := nodes[2].FindValue(ctx, v.Id(), task.Conservative)
	if err != nil || got == nil {
		t.Fatalf("find: %v", err)
	}
	plain, err := got.Decrypt(recipient)
	if err != nil || string(plain) != "whisper" {
		t.Fatalf("decrypt = %q, %v", plain, err)
	}
}

func TestIdentityPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := node.Config{
		Addr4:   netip.MustParseAddrPort("127.0.0.1:0"),
		DataDir: dir,
	}
	n1, err := node.New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	id := n1.ID()

	n2, err := node.New(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if n2.ID() != id {
		t.Fatalf("identity changed across restart")
	}
}

func TestFindValueAbsentResolvesEmpty(t *testing.T) {
	nodes := newTestCluster(t, 3)
	ctx := testCtx(t)
	got, err := nodes[1].FindValue(ctx, core.RandomID(), task.Conservative)
	if err != nil {
		t.Fatalf("lookup errored instead of resolving empty: %v", err)
	}
	if got != nil {
		t.Fatalf("phantom value found")
	}
}

func TestCancellationViaContext(t *testing.T) {
	n := newTestNode(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// On an isolated node the lookup may win the race by resolving
	// instantly; either way the call must return promptly and cleanly.
	res, err := n.FindNode(ctx, core.RandomID())
	if err == nil && res.V4 != nil {
		t.Fatalf("canceled lookup produced a result")
	}
}
