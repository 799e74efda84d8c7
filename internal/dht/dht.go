package dht

import (
	"net/netip"
	"sync/atomic"
	"time"

	"kadnet/internal/core"
	"kadnet/internal/debuglog"
	"kadnet/internal/message"
	"kadnet/internal/routing"
	"kadnet/internal/rpc"
	"kadnet/internal/store"
	"kadnet/internal/task"
)

type Family int

const (
	IPv4 Family = iota
	IPv6
)

func (f Family) String() string {
	if f == IPv4 {
		return "ipv4"
	}
	return "ipv6"
}

const (
	updateInterval       = time.Second
	refreshCheckInterval = time.Minute
	bootstrapMinInterval = 4 * time.Minute
	persistInterval      = time.Hour
	republishInterval    = time.Hour

	// MaxPeersPerResponse bounds find_peer replies.
	MaxPeersPerResponse = 8
)

// StatusListener observes connection-status transitions for one family.
type StatusListener func(family Family, old, new ConnectionStatus)

// DHT runs one address family of the overlay: its routing table, token
// manager, task manager and request handlers. All state is owned by the
// server's loop goroutine.
type DHT struct {
	family  Family
	server  *rpc.Server
	table   *routing.Table
	tokens  *TokenManager
	tasks   *task.Manager
	storage *store.Store
	sibling *DHT

	bootstrapNodes []core.NodeInfo
	knownNodes     map[netip.AddrPort]core.Id

	stage         bootstrapStage
	status        atomic.Int32
	listeners     []StatusListener
	bootstrapping bool
	lastBootstrap time.Time

	persistPath string
	running     bool
	jobs        []*rpc.Job

	log debuglog.Logger
}

type Config struct {
	Bootstraps  []core.NodeInfo
	PersistPath string
}

func New(family Family, server *rpc.Server, storage *store.Store, cfg Config) *DHT {
	d := &DHT{
		family:         family,
		server:         server,
		table:          routing.NewTable(server.LocalID(), nil),
		tokens:         NewTokenManager(),
		tasks:          task.NewManager(),
		storage:        storage,
		bootstrapNodes: cfg.Bootstraps,
		knownNodes:     make(map[netip.AddrPort]core.Id),
		persistPath:    cfg.PersistPath,
		log:            debuglog.Get("dht/" + family.String()),
	}
	return d
}

// SetSibling wires the other family's DHT so responses can be populated
// with both node lists.
func (d *DHT) SetSibling(s *DHT) {
	d.sibling = s
}

func (d *DHT) Family() Family {
	return d.family
}

// Status may be read from any goroutine.
func (d *DHT) Status() ConnectionStatus {
	return ConnectionStatus(d.status.Load())
}

func (d *DHT) AddStatusListener(fn StatusListener) {
	d.listeners = append(d.listeners, fn)
}

// ----------------------------------------------------------------------------
// task.DHT capability
// ----------------------------------------------------------------------------

func (d *DHT) LocalID() core.Id {
	return d.server.LocalID()
}

func (d *DHT) Table() *routing.Table {
	return d.table
}

func (d *DHT) NewCall(target core.NodeInfo, req *message.Message) *rpc.Call {
	req.RemoteID = target.ID
	req.RemoteAddr = target.Addr
	return rpc.NewCall(d, target.ID, req)
}

func (d *DHT) SendCall(call *rpc.Call) {
	d.server.SendCall(call)
}

func (d *DHT) CancelCall(call *rpc.Call) {
	d.server.CancelCall(call)
}

func (d *DHT) WantBits() (bool, bool) {
	return d.family == IPv4, d.family == IPv6
}

// ----------------------------------------------------------------------------
// rpc.Handler
// ----------------------------------------------------------------------------

func (d *DHT) OnSend(id core.Id) {
	d.table.OnSend(id)
}

func (d *DHT) OnTimeout(call *rpc.Call) {
	d.table.OnTimeout(call.Target())
}

func (d *DHT) OnMessage(msg *message.Message) {
	if !d.running {
		return
	}
	// An address that changes identity is either a restart or a spoof
	// attempt; never let it displace the table entry silently.
	if known, ok := d.knownNodes[msg.Origin]; ok && known != msg.ID {
		if e := d.table.Get(known); e != nil && e.IsReachable() && !e.IsDead() {
			d.log.Debugf("id switch on %s: %s -> %s, ignoring", msg.Origin, known, msg.ID)
			return
		}
	}
	d.knownNodes[msg.Origin] = msg.ID

	sender := core.NodeInfo{ID: msg.ID, Addr: msg.Origin, Version: msg.Version}
	switch msg.Type {
	case message.TypeRequest:
		d.table.Put(sender)
		d.onRequest(msg)
	case message.TypeResponse:
		d.table.Put(sender)
		d.table.OnResponse(msg.ID)
	case message.TypeError:
		d.onError(msg)
	}
	d.updateConnectionStatus()
}

func (d *DHT) onRequest(msg *message.Message) {
	switch msg.Method {
	case message.MethodPing:
		d.onPing(msg)
	case message.MethodFindNode:
		d.onFindNode(msg)
	case message.MethodFindValue:
		d.onFindValue(msg)
	case message.MethodStoreValue:
		d.onStoreValue(msg)
	case message.MethodFindPeer:
		d.onFindPeers(msg)
	case message.MethodAnnouncePeer:
		d.onAnnouncePeer(msg)
	default:
		d.server.SendError(msg, core.CodeMethodUnknown, "The request method is unknown")
	}
}

func (d *DHT) onError(msg *message.Message) {
	d.log.Debugf("error from %s: %d %s", msg.Origin, msg.Error.Code, msg.Error.Msg)
}

// ----------------------------------------------------------------------------
// request handlers
// ----------------------------------------------------------------------------

func (d *DHT) reply(req, resp *message.Message) {
	resp.RemoteID = req.ID
	resp.RemoteAddr = req.Origin
	d.server.SendMessage(resp)
}

func (d *DHT) onPing(msg *message.Message) {
	d.reply(msg, message.NewPingResponse(msg.Txid))
}

func (d *DHT) familyDHT(f Family) *DHT {
	if d.family == f {
		return d
	}
	if d.sibling != nil && d.sibling.family == f {
		return d.sibling
	}
	return nil
}

// selfInfo returns the local node for inclusion in responses, but only
// while the server looks reachable from the outside and the bind address
// is concrete.
func (d *DHT) selfInfo() (core.NodeInfo, bool) {
	if !d.server.IsReachable() {
		return core.NodeInfo{}, false
	}
	bind := d.server.Bind4()
	if d.family == IPv6 {
		bind = d.server.Bind6()
	}
	if !bind.IsValid() || bind.Addr().IsUnspecified() {
		return core.NodeInfo{}, false
	}
	return core.NodeInfo{ID: d.LocalID(), Addr: bind}, true
}

func (d *DHT) closestForResponse(target core.Id) []core.NodeInfo {
	nodes := d.table.Closest(target, routing.BucketSize)
	if self, ok := d.selfInfo(); ok {
		nodes = append(nodes, self)
	}
	return nodes
}

func (d *DHT) populateClosest(resp *message.ResponseBody, target core.Id, want4, want6 bool) {
	if want4 {
		if v4 := d.familyDHT(IPv4); v4 != nil {
			resp.SetNodes4(v4.closestForResponse(target))
		}
	}
	if want6 {
		if v6 := d.familyDHT(IPv6); v6 != nil {
			resp.SetNodes6(v6.closestForResponse(target))
		}
	}
}

// trimToPacket drops tail nodes until the estimate fits one UDP packet.
func trimToPacket(msg *message.Message) {
	resp := msg.Response
	if resp == nil {
		return
	}
	for msg.EstimateSize() > message.MaxPacketSize {
		switch {
		case len(resp.Nodes6) > len(resp.Nodes4) && len(resp.Nodes6) > 0:
			resp.Nodes6 = resp.Nodes6[:len(resp.Nodes6)-1]
		case len(resp.Nodes4) > 0:
			resp.Nodes4 = resp.Nodes4[:len(resp.Nodes4)-1]
		case len(resp.Peers) > 0:
			resp.Peers = resp.Peers[:len(resp.Peers)-1]
		default:
			return
		}
	}
}

func (d *DHT) onFindNode(msg *message.Message) {
	req := msg.Request
	resp := message.NewFindNodeResponse(msg.Txid)
	d.populateClosest(resp.Response, req.TargetID(), req.Want4(), req.Want6())
	trimToPacket(resp)
	d.reply(msg, resp)
}

func (d *DHT) onFindValue(msg *message.Message) {
	req := msg.Request
	target := req.TargetID()
	resp := message.NewFindValueResponse(msg.Txid)

	hasValue := false
	if v, ok := d.storage.GetValue(target); ok {
		// With a seq hint only newer versions are worth the bytes.
		if req.Seq == nil || !v.IsMutable() || v.SequenceNumber > *req.Seq {
			resp.Response.SetValue(v)
			hasValue = true
		}
	}
	if !hasValue {
		want4, want6 := req.Want4(), req.Want6()
		if !want4 && !want6 {
			want4, want6 = d.family == IPv4, d.family == IPv6
		}
		d.populateClosest(resp.Response, target, want4, want6)
	}
	resp.Response.SetToken(d.tokens.Generate(msg.ID, msg.Origin, target))
	trimToPacket(resp)
	d.reply(msg, resp)
}

func (d *DHT) onStoreValue(msg *message.Message) {
	req := msg.Request
	v, err := req.ValueOf()
	if err != nil || !v.IsValid() {
		d.server.SendError(msg, core.CodeInvalidSignature, "Invalid value")
		return
	}
	if !d.tokens.Verify(req.TokenOf(), msg.ID, msg.Origin, v.Id()) {
		d.server.SendError(msg, core.CodeInvalidToken, "Invalid token for STORE VALUE request")
		return
	}
	cas := store.NoCas
	if req.Cas != nil {
		cas = *req.Cas
	}
	if err := d.storage.PutValue(v, d.server.Scheduler().Now(), false, cas); err != nil {
		if pe, ok := err.(*core.ProtoError); ok {
			d.server.SendError(msg, pe.Code, pe.Msg)
		} else {
			d.server.SendError(msg, core.CodeServerError, "Internal store error")
		}
		return
	}
	d.reply(msg, message.NewStoreValueResponse(msg.Txid))
}

func (d *DHT) onFindPeers(msg *message.Message) {
	req := msg.Request
	target := req.TargetID()
	resp := message.NewFindPeerResponse(msg.Txid)

	peers := d.storage.GetPeers(target, MaxPeersPerResponse)
	if len(peers) > 0 {
		resp.Response.SetPeers(peers)
	}
	d.populateClosest(resp.Response, target, req.Want4(), req.Want6())
	resp.Response.SetToken(d.tokens.Generate(msg.ID, msg.Origin, target))
	trimToPacket(resp)
	d.reply(msg, resp)
}

func (d *DHT) onAnnouncePeer(msg *message.Message) {
	req := msg.Request
	target := req.TargetID()
	if !d.tokens.Verify(req.TokenOf(), msg.ID, msg.Origin, target) {
		d.server.SendError(msg, core.CodeInvalidToken, "Invalid token for ANNOUNCE PEER request")
		return
	}
	peer := core.PeerInfo{
		PeerID:         target,
		NodeID:         msg.ID,
		Port:           req.Port,
		AlternativeURL: req.Alt,
		Signature:      req.Signature,
	}
	if len(req.Origin) > 0 {
		origin, err := core.IdFromBytes(req.Origin)
		if err != nil {
			d.server.SendError(msg, core.CodeProtocolError, "Invalid origin id")
			return
		}
		peer.Origin = origin
	}
	if !peer.IsValid() {
		d.server.SendError(msg, core.CodeInvalidSignature, "Invalid announcement signature")
		return
	}
	d.storage.PutPeer(peer, d.server.Scheduler().Now(), false)
	d.reply(msg, message.NewAnnouncePeerResponse(msg.Txid))
}

// ----------------------------------------------------------------------------
// lifecycle and maintenance
// ----------------------------------------------------------------------------

// Start loads cached nodes, seeds from the configured bootstraps and
// installs the maintenance schedule. Runs on the loop goroutine.
func (d *DHT) Start() {
	if d.running {
		return
	}
	d.running = true
	sched := d.server.Scheduler()

	if d.persistPath != "" {
		if cached, err := d.loadCachedNodes(); err == nil && len(cached) > 0 {
			d.log.Infof("loaded %d cached nodes", len(cached))
			d.bootstrapNodes = append(d.bootstrapNodes, cached...)
		}
	}

	d.jobs = append(d.jobs,
		sched.ScheduleRepeating(updateInterval, updateInterval, d.update),
		sched.ScheduleRepeating(refreshCheckInterval, refreshCheckInterval, d.refreshStaleBuckets),
		sched.ScheduleRepeating(TokenRotationInterval, TokenRotationInterval, d.tokens.Rotate),
		sched.ScheduleRepeating(republishInterval, republishInterval, d.republish),
	)
	if d.persistPath != "" {
		d.jobs = append(d.jobs,
			sched.ScheduleRepeating(persistInterval, persistInterval, func() {
				if err := d.saveCachedNodes(); err != nil {
					d.log.Infof("persist failed: %v", err)
				}
			}))
	}

	d.Bootstrap(d.bootstrapNodes)
}

// Stop cancels maintenance and running tasks and writes the final
// snapshot.
func (d *DHT) Stop() {
	if !d.running {
		return
	}
	d.running = false
	for _, job := range d.jobs {
		job.Cancel()
	}
	d.jobs = nil
	d.tasks.CancelAll()
	if d.persistPath != "" {
		if err := d.saveCachedNodes(); err != nil {
			d.log.Infof("final persist failed: %v", err)
		}
	}
	d.setStatus(Disconnected)
}

func (d *DHT) update() {
	if !d.running {
		return
	}
	now := d.server.Scheduler().Now()
	if d.table.Size() == 0 && !d.bootstrapping &&
		now.Sub(d.lastBootstrap) > bootstrapMinInterval {
		d.Bootstrap(d.bootstrapNodes)
	}
	d.updateConnectionStatus()
}

// Bootstrap fills the home bucket first, then sweeps every bucket. The
// two completions drive the connection status independently.
func (d *DHT) Bootstrap(seeds []core.NodeInfo) {
	if d.bootstrapping || !d.running {
		return
	}
	d.bootstrapping = true
	d.lastBootstrap = d.server.Scheduler().Now()
	d.stage.reset()
	if d.Status() == Disconnected {
		d.setStatus(Connecting)
	}

	home := task.NewNodeLookup(d, d.LocalID())
	home.SetBootstrap(true)
	var ownSeeds []core.NodeInfo
	for _, s := range seeds {
		if matchesFamily(s.Addr, d.family) {
			ownSeeds = append(ownSeeds, s)
		}
	}
	home.InjectCandidates(ownSeeds...)
	home.AddListener(func(*task.Task) {
		d.stage.fillHomeBucket = Completed
		d.updateConnectionStatus()
		d.fillAllBuckets()
	})
	d.tasks.Add(home)
}

func (d *DHT) fillAllBuckets() {
	if !d.running {
		d.bootstrapping = false
		return
	}
	targets := d.table.AllRefreshTargets()
	if len(targets) == 0 {
		d.stage.fillAllBuckets = Completed
		d.bootstrapping = false
		d.updateConnectionStatus()
		return
	}
	outstanding := len(targets)
	for _, target := range targets {
		lookup := task.NewNodeLookup(d, target)
		lookup.AddListener(func(*task.Task) {
			outstanding--
			if outstanding == 0 {
				d.stage.fillAllBuckets = Completed
				d.bootstrapping = false
				d.updateConnectionStatus()
			}
		})
		d.tasks.Add(lookup)
	}
}

func matchesFamily(addr netip.AddrPort, f Family) bool {
	if f == IPv4 {
		return addr.Addr().Unmap().Is4()
	}
	return !addr.Addr().Unmap().Is4()
}

func (d *DHT) refreshStaleBuckets() {
	if !d.running {
		return
	}
	for _, target := range d.table.RandomRefreshTargets() {
		d.tasks.Add(task.NewNodeLookup(d, target))
	}
}

// republish re-announces locally owned values and peers so they outlive
// storage expiry on the replica nodes.
func (d *DHT) republish() {
	if !d.running {
		return
	}
	for _, rec := range d.storage.PersistentValues() {
		d.StoreValue(rec.Value, store.NoCas, nil)
	}
	for _, rec := range d.storage.PersistentPeers() {
		d.AnnouncePeer(rec.Peer, nil)
	}
}

func (d *DHT) updateConnectionStatus() {
	if !d.running {
		return
	}
	next := d.Status()
	switch {
	case d.table.Size() == 0:
		if d.bootstrapping {
			next = Connecting
		} else {
			next = Disconnected
		}
	case d.table.AllBucketsPopulated() || d.stage.fillAllBuckets.done():
		next = Profound
	case d.table.HomeBucketSize() >= routing.BucketSize || d.stage.fillHomeBucket.done():
		next = Connected
	default:
		if d.Status() < Connected {
			next = Connecting
		}
	}
	d.setStatus(next)
}

func (d *DHT) setStatus(next ConnectionStatus) {
	old := d.Status()
	if old == next {
		return
	}
	d.status.Store(int32(next))
	d.log.Infof("status %s -> %s", old, next)
	for _, fn := range d.listeners {
		fn(d.family, old, next)
	}
}

// ----------------------------------------------------------------------------
// public operations (loop goroutine)
// ----------------------------------------------------------------------------

// FindNode resolves the node with the given id. complete receives nil
// when the lookup converges without reaching it.
func (d *DHT) FindNode(id core.Id, complete func(*core.NodeInfo)) func() {
	lookup := task.NewNodeLookup(d, id)
	lookup.AddListener(func(*task.Task) {
		if complete != nil {
			complete(lookup.ExactMatch())
		}
	})
	d.tasks.Add(lookup)
	return lookup.Cancel
}

// FindValue looks a value up under the given completion policy.
func (d *DHT) FindValue(id core.Id, option task.LookupOption, complete func(*core.Value)) func() {
	lookup := task.NewValueLookup(d, id, option)
	lookup.AddListener(func(*task.Task) {
		if complete != nil {
			complete(lookup.Value())
		}
	})
	d.tasks.Add(lookup)
	return lookup.Cancel
}

// StoreValue converges on the value's neighborhood, then fans the write
// out with the collected tokens. complete gets the acking nodes.
func (d *DHT) StoreValue(v core.Value, cas int, complete func([]core.NodeInfo)) func() {
	d.storage.PutValue(v, d.server.Scheduler().Now(), true, store.NoCas)

	lookup := task.NewValueLookup(d, v.Id(), Conservative)
	var cancelInner func()
	lookup.AddListener(func(t *task.Task) {
		if t.State() == task.StateCanceled {
			if complete != nil {
				complete(nil)
			}
			return
		}
		fanout := task.NewValueAnnounce(d, lookup.ClosestSet(), v, cas)
		fanout.AddListener(func(*task.Task) {
			if complete != nil {
				complete(fanout.Acked())
			}
		})
		cancelInner = fanout.Cancel
		d.tasks.Add(fanout)
	})
	d.tasks.Add(lookup)
	return func() {
		lookup.Cancel()
		if cancelInner != nil {
			cancelInner()
		}
	}
}

// FindPeer collects announcements for a peer id until expected unique
// entries are found or the lookup converges.
func (d *DHT) FindPeer(id core.Id, expected int, complete func([]core.PeerInfo)) func() {
	lookup := task.NewPeerLookup(d, id, expected)
	lookup.AddListener(func(*task.Task) {
		if complete != nil {
			complete(lookup.Peers())
		}
	})
	d.tasks.Add(lookup)
	return lookup.Cancel
}

// AnnouncePeer publishes an announcement to the peer id's neighborhood.
func (d *DHT) AnnouncePeer(peer core.PeerInfo, complete func([]core.NodeInfo)) func() {
	d.storage.PutPeer(peer, d.server.Scheduler().Now(), true)

	lookup := task.NewPeerLookup(d, peer.PeerID, 0)
	var cancelInner func()
	lookup.AddListener(func(t *task.Task) {
		if t.State() == task.StateCanceled {
			if complete != nil {
				complete(nil)
			}
			return
		}
		fanout := task.NewPeerAnnounce(d, lookup.ClosestSet(), peer)
		fanout.AddListener(func(*task.Task) {
			if complete != nil {
				complete(fanout.Acked())
			}
		})
		cancelInner = fanout.Cancel
		d.tasks.Add(fanout)
	})
	d.tasks.Add(lookup)
	return func() {
		lookup.Cancel()
		if cancelInner != nil {
			cancelInner()
		}
	}
}

// Conservative re-exported for callers that pick a lookup policy.
const Conservative = task.Conservative
