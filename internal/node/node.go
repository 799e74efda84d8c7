package node

import (
	"context"
	"errors"
	"net/netip"
	"path/filepath"

	"github.com/benbjohnson/clock"

	"kadnet/internal/core"
	"kadnet/internal/crypto"
	"kadnet/internal/debuglog"
	"kadnet/internal/dht"
	"kadnet/internal/rpc"
	"kadnet/internal/store"
	"kadnet/internal/task"
)

// Status is the node lifecycle as observers see it.
type Status int

const (
	Stopped Status = iota
	Initializing
	Running
)

func (s Status) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Initializing:
		return "Initializing"
	case Running:
		return "Running"
	default:
		return "Invalid"
	}
}

type StatusListener func(old, new Status)

var ErrNotRunning = errors.New("node: not running")

const (
	storageFile  = "storage.cbor"
	routing4File = "routing4.jsonl"
	routing6File = "routing6.jsonl"
)

type Config struct {
	// Addr4/Addr6 are the UDP bind addresses; an invalid AddrPort
	// disables that family.
	Addr4 netip.AddrPort
	Addr6 netip.AddrPort

	// DataDir holds the identity key and persisted state.
	DataDir string

	Bootstraps []core.NodeInfo

	// Clock overrides time for tests.
	Clock clock.Clock
}

// Node is the public face of the overlay: one identity, two per-family
// DHTs over a shared RPC server. Public methods may be called from any
// goroutine; they cross onto the network loop through the server's
// command queue.
type Node struct {
	keyPair crypto.KeyPair
	id      core.Id

	server  *rpc.Server
	storage *store.Store

	dht4 *dht.DHT
	dht6 *dht.DHT

	dataDir string
	status  Status

	statusListeners []StatusListener

	log debuglog.Logger
}

func New(cfg Config) (*Node, error) {
	if !cfg.Addr4.IsValid() && !cfg.Addr6.IsValid() {
		return nil, errors.New("node: no address family enabled")
	}
	keyPair, err := crypto.LoadOrCreateKeyPair(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	id := core.Id(keyPair.PublicKey())

	server := rpc.NewServer(id, crypto.NewBox(keyPair), rpc.Config{
		Bind4: cfg.Addr4,
		Bind6: cfg.Addr6,
		Clock: cfg.Clock,
	})
	storage := store.New(store.Options{})

	n := &Node{
		keyPair: keyPair,
		id:      id,
		server:  server,
		storage: storage,
		dataDir: cfg.DataDir,
		log:     debuglog.Get("node"),
	}

	if cfg.Addr4.IsValid() {
		n.dht4 = dht.New(dht.IPv4, server, storage, dht.Config{
			Bootstraps:  cfg.Bootstraps,
			PersistPath: filepath.Join(cfg.DataDir, routing4File),
		})
		server.AttachHandler4(n.dht4)
	}
	if cfg.Addr6.IsValid() {
		n.dht6 = dht.New(dht.IPv6, server, storage, dht.Config{
			Bootstraps:  cfg.Bootstraps,
			PersistPath: filepath.Join(cfg.DataDir, routing6File),
		})
		server.AttachHandler6(n.dht6)
	}
	if n.dht4 != nil && n.dht6 != nil {
		n.dht4.SetSibling(n.dht6)
		n.dht6.SetSibling(n.dht4)
	}
	return n, nil
}

func (n *Node) ID() core.Id {
	return n.id
}

func (n *Node) KeyPair() crypto.KeyPair {
	return n.keyPair
}

func (n *Node) Status() Status {
	return n.status
}

func (n *Node) Statistics() *rpc.Statistics {
	return n.server.Statistics()
}

// Addr4 reports the bound v4 address once the node is running.
func (n *Node) Addr4() netip.AddrPort {
	return n.server.Bind4()
}

func (n *Node) Addr6() netip.AddrPort {
	return n.server.Bind6()
}

// NodeInfo4 is this node's own v4 identity record.
func (n *Node) NodeInfo4() core.NodeInfo {
	return core.NodeInfo{ID: n.id, Addr: n.server.Bind4()}
}

func (n *Node) NodeInfo6() core.NodeInfo {
	return core.NodeInfo{ID: n.id, Addr: n.server.Bind6()}
}

func (n *Node) AddStatusListener(fn StatusListener) {
	n.statusListeners = append(n.statusListeners, fn)
}

// AddConnectionStatusListener observes both families' bootstrap
// progress. Register before Start.
func (n *Node) AddConnectionStatusListener(fn dht.StatusListener) {
	if n.dht4 != nil {
		n.dht4.AddStatusListener(fn)
	}
	if n.dht6 != nil {
		n.dht6.AddStatusListener(fn)
	}
}

func (n *Node) setStatus(next Status) {
	if n.status == next {
		return
	}
	old := n.status
	n.status = next
	for _, fn := range n.statusListeners {
		fn(old, next)
	}
}

// Start binds the sockets and brings both DHTs up.
func (n *Node) Start() error {
	if n.status != Stopped {
		return nil
	}
	n.setStatus(Initializing)
	if err := n.server.Start(); err != nil {
		n.setStatus(Stopped)
		return err
	}
	started := make(chan struct{})
	n.server.Post(func() {
		if n.dataDir != "" {
			if err := n.storage.Load(filepath.Join(n.dataDir, storageFile)); err != nil {
				n.log.Debugf("no storage snapshot: %v", err)
			}
		}
		if n.dht4 != nil {
			n.dht4.Start()
		}
		if n.dht6 != nil {
			n.dht6.Start()
		}
		close(started)
	})
	<-started
	n.setStatus(Running)
	n.log.Infof("node %s running (v4 %s, v6 %s)", n.id, n.server.Bind4(), n.server.Bind6())
	return nil
}

// Stop tears the DHTs down, snapshots state, and closes the sockets.
func (n *Node) Stop() {
	if n.status != Running {
		return
	}
	stopped := make(chan struct{})
	n.server.Post(func() {
		if n.dht4 != nil {
			n.dht4.Stop()
		}
		if n.dht6 != nil {
			n.dht6.Stop()
		}
		if n.dataDir != "" {
			if err := n.storage.Save(filepath.Join(n.dataDir, storageFile)); err != nil {
				n.log.Infof("storage snapshot failed: %v", err)
			}
		}
		close(stopped)
	})
	<-stopped
	n.server.Stop()
	n.setStatus(Stopped)
}

// Bootstrap merges additional seed nodes and restarts the fill if a
// family is still empty.
func (n *Node) Bootstrap(seeds []core.NodeInfo) {
	n.server.Post(func() {
		if n.dht4 != nil {
			n.dht4.Bootstrap(seeds)
		}
		if n.dht6 != nil {
			n.dht6.Bootstrap(seeds)
		}
	})
}

// op tracks one cross-thread operation: cancel handles live on the loop
// goroutine; the caller waits on done. remaining is pre-counted before
// any task starts, since an empty-table lookup can complete
// synchronously inside its registration.
type op struct {
	remaining int
	fired     bool
	cancels   []func()
	finish    func()
}

func (o *op) complete() {
	o.remaining--
	if o.remaining <= 0 {
		o.fire()
	}
}

func (o *op) fire() {
	if o.fired {
		return
	}
	o.fired = true
	if o.finish != nil {
		o.finish()
	}
}

func (n *Node) cancelOp(o *op) {
	n.server.Post(func() {
		for _, cancel := range o.cancels {
			cancel()
		}
	})
}

// FindNode resolves a node id on every enabled family.
func (n *Node) FindNode(ctx context.Context, target core.Id) (core.Result[core.NodeInfo], error) {
	if n.status != Running {
		return core.Result[core.NodeInfo]{}, ErrNotRunning
	}
	done := make(chan core.Result[core.NodeInfo], 1)
	o := &op{}
	n.server.Post(func() {
		var res core.Result[core.NodeInfo]
		o.finish = func() {
			done <- res
		}
		if n.dht4 != nil {
			o.remaining++
		}
		if n.dht6 != nil {
			o.remaining++
		}
		if n.dht4 != nil {
			o.cancels = append(o.cancels, n.dht4.FindNode(target, func(info *core.NodeInfo) {
				res.V4 = info
				o.complete()
			}))
		}
		if n.dht6 != nil {
			o.cancels = append(o.cancels, n.dht6.FindNode(target, func(info *core.NodeInfo) {
				res.V6 = info
				o.complete()
			}))
		}
	})
	select {
	case res := <-done:
		return res, nil
	case <-ctx.Done():
		n.cancelOp(o)
		return core.Result[core.NodeInfo]{}, ctx.Err()
	}
}

// FindValue returns the newest valid value for id, or nil when the
// overlay has none.
func (n *Node) FindValue(ctx context.Context, id core.Id, option task.LookupOption) (*core.Value, error) {
	if n.status != Running {
		return nil, ErrNotRunning
	}
	done := make(chan *core.Value, 1)
	o := &op{}
	n.server.Post(func() {
		var best *core.Value
		o.finish = func() {
			done <- best
		}
		keep := func(v *core.Value) {
			if v != nil {
				if best == nil || (v.IsMutable() && v.SequenceNumber > best.SequenceNumber) {
					best = v
				}
			}
			o.complete()
		}
		if local, ok := n.storage.GetValue(id); ok && !local.IsMutable() {
			best = &local
			o.fire()
			return
		}
		if n.dht4 != nil {
			o.remaining++
		}
		if n.dht6 != nil {
			o.remaining++
		}
		if n.dht4 != nil {
			o.cancels = append(o.cancels, n.dht4.FindValue(id, option, keep))
		}
		if n.dht6 != nil {
			o.cancels = append(o.cancels, n.dht6.FindValue(id, option, keep))
		}
	})
	select {
	case v := <-done:
		return v, nil
	case <-ctx.Done():
		n.cancelOp(o)
		return nil, ctx.Err()
	}
}

// StoreValue publishes a value and returns the replicas that acked it.
func (n *Node) StoreValue(ctx context.Context, v core.Value) ([]core.NodeInfo, error) {
	if n.status != Running {
		return nil, ErrNotRunning
	}
	if !v.IsValid() {
		return nil, core.ErrValueInvalid
	}
	done := make(chan []core.NodeInfo, 1)
	o := &op{}
	n.server.Post(func() {
		var acked []core.NodeInfo
		o.finish = func() {
			done <- acked
		}
		keep := func(nodes []core.NodeInfo) {
			acked = append(acked, nodes...)
			o.complete()
		}
		if n.dht4 != nil {
			o.remaining++
		}
		if n.dht6 != nil {
			o.remaining++
		}
		if n.dht4 != nil {
			o.cancels = append(o.cancels, n.dht4.StoreValue(v, store.NoCas, keep))
		}
		if n.dht6 != nil {
			o.cancels = append(o.cancels, n.dht6.StoreValue(v, store.NoCas, keep))
		}
	})
	select {
	case acked := <-done:
		return acked, nil
	case <-ctx.Done():
		n.cancelOp(o)
		return nil, ctx.Err()
	}
}

// FindPeer collects valid announcements for a peer id across families.
func (n *Node) FindPeer(ctx context.Context, id core.Id, expected int) ([]core.PeerInfo, error) {
	if n.status != Running {
		return nil, ErrNotRunning
	}
	done := make(chan []core.PeerInfo, 1)
	o := &op{}
	n.server.Post(func() {
		var all []core.PeerInfo
		o.finish = func() {
			done <- dedupPeers(all)
		}
		keep := func(peers []core.PeerInfo) {
			all = append(all, peers...)
			o.complete()
		}
		if n.dht4 != nil {
			o.remaining++
		}
		if n.dht6 != nil {
			o.remaining++
		}
		if n.dht4 != nil {
			o.cancels = append(o.cancels, n.dht4.FindPeer(id, expected, keep))
		}
		if n.dht6 != nil {
			o.cancels = append(o.cancels, n.dht6.FindPeer(id, expected, keep))
		}
	})
	select {
	case peers := <-done:
		return peers, nil
	case <-ctx.Done():
		n.cancelOp(o)
		return nil, ctx.Err()
	}
}

// AnnouncePeer publishes an announcement and returns the acking nodes.
func (n *Node) AnnouncePeer(ctx context.Context, peer core.PeerInfo) ([]core.NodeInfo, error) {
	if n.status != Running {
		return nil, ErrNotRunning
	}
	if !peer.IsValid() {
		return nil, errors.New("node: invalid peer announcement")
	}
	done := make(chan []core.NodeInfo, 1)
	o := &op{}
	n.server.Post(func() {
		var acked []core.NodeInfo
		o.finish = func() {
			done <- acked
		}
		keep := func(nodes []core.NodeInfo) {
			acked = append(acked, nodes...)
			o.complete()
		}
		if n.dht4 != nil {
			o.remaining++
		}
		if n.dht6 != nil {
			o.remaining++
		}
		if n.dht4 != nil {
			o.cancels = append(o.cancels, n.dht4.AnnouncePeer(peer, keep))
		}
		if n.dht6 != nil {
			o.cancels = append(o.cancels, n.dht6.AnnouncePeer(peer, keep))
		}
	})
	select {
	case acked := <-done:
		return acked, nil
	case <-ctx.Done():
		n.cancelOp(o)
		return nil, ctx.Err()
	}
}

// TableSize4 reports how many v4 nodes the routing table holds. The
// read crosses onto the loop goroutine like every table access.
func (n *Node) TableSize4() int {
	if n.status != Running || n.dht4 == nil {
		return 0
	}
	size := make(chan int, 1)
	n.server.Post(func() {
		size <- n.dht4.Table().Size()
	})
	return <-size
}

// ConnectionStatus4 reports the v4 family status, for diagnostics.
func (n *Node) ConnectionStatus4() dht.ConnectionStatus {
	if n.dht4 == nil {
		return dht.Disconnected
	}
	return n.dht4.Status()
}

func (n *Node) ConnectionStatus6() dht.ConnectionStatus {
	if n.dht6 == nil {
		return dht.Disconnected
	}
	return n.dht6.Status()
}

func dedupPeers(peers []core.PeerInfo) []core.PeerInfo {
	type key struct {
		peerID core.Id
		nodeID core.Id
	}
	seen := make(map[key]struct{}, len(peers))
	out := peers[:0:0]
	for _, p := range peers {
		k := key{peerID: p.PeerID, nodeID: p.NodeID}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, p)
	}
	return out
}
