package rpc

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"kadnet/internal/core"
	"kadnet/internal/crypto"
	"kadnet/internal/debuglog"
	"kadnet/internal/message"
)

const (
	maxDatagramSize = 0x7FFF

	// ReachabilityTimeout: if nothing arrives for this long the server
	// assumes it is not reachable from the outside.
	ReachabilityTimeout = 60 * time.Second

	// unsolicitedGrace suppresses protocol errors for stray responses
	// while peers may still be answering a pre-restart incarnation.
	unsolicitedGrace = 2 * time.Minute
)

type ServerState int

const (
	ServerInitial ServerState = iota
	ServerRunning
	ServerStopped
)

type packet struct {
	data []byte
	from netip.AddrPort
}

// Server owns the UDP sockets, the outstanding-call table and the
// cooperative loop. Reader goroutines push raw datagrams into the loop;
// everything else runs on the loop goroutine.
type Server struct {
	clock clock.Clock
	sched *Scheduler
	stats *Statistics

	localID core.Id
	box     *crypto.Box

	bind4, bind6 netip.AddrPort
	conn4, conn6 *net.UDPConn
	dht4, dht6   Handler

	state ServerState

	calls    map[int32]*Call
	nextTxid int32

	packets  chan packet
	commands chan func()
	done     chan struct{}
	wg       sync.WaitGroup

	startTime                    time.Time
	receivedMessages             uint64
	messagesAtLastReachableCheck uint64
	lastReachableCheck           time.Time
	reachable                    bool

	sendQueue []queuedSend
}

type queuedSend struct {
	msg      *message.Message
	attempts int
}

const maxSendAttempts = 3

// Config carries the bind addresses; a family with a zero AddrPort is
// disabled.
type Config struct {
	Bind4 netip.AddrPort
	Bind6 netip.AddrPort
	Clock clock.Clock
}

func NewServer(localID core.Id, box *crypto.Box, cfg Config) *Server {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Server{
		clock:    clk,
		sched:    NewScheduler(clk),
		stats:    NewStatistics(clk),
		localID:  localID,
		box:      box,
		bind4:    cfg.Bind4,
		bind6:    cfg.Bind6,
		calls:    make(map[int32]*Call),
		nextTxid: rand.Int31n(32767) + 1,
		packets:  make(chan packet, 256),
		commands: make(chan func(), 256),
		done:     make(chan struct{}),
	}
}

func (s *Server) Scheduler() *Scheduler {
	return s.sched
}

func (s *Server) Statistics() *Statistics {
	return s.stats
}

func (s *Server) LocalID() core.Id {
	return s.localID
}

func (s *Server) AttachHandler4(h Handler) {
	s.dht4 = h
}

func (s *Server) AttachHandler6(h Handler) {
	s.dht6 = h
}

func (s *Server) HasIPv4() bool {
	return s.bind4.IsValid()
}

func (s *Server) HasIPv6() bool {
	return s.bind6.IsValid()
}

// Bind4 reports the bound v4 address, useful when port 0 was requested.
func (s *Server) Bind4() netip.AddrPort {
	return s.bind4
}

func (s *Server) Bind6() netip.AddrPort {
	return s.bind6
}

// IsReachable reports whether any packet arrived within the reachability
// window. It influences whether this node lists itself in responses.
func (s *Server) IsReachable() bool {
	return s.reachable
}

// Start binds the configured sockets and launches the loop. Socket
// failures here are fatal.
func (s *Server) Start() error {
	if s.state != ServerInitial {
		return nil
	}
	if s.HasIPv4() {
		conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(s.bind4))
		if err != nil {
			return fmt.Errorf("rpc: bind %s: %w", s.bind4, err)
		}
		s.conn4 = conn
		s.bind4 = conn.LocalAddr().(*net.UDPAddr).AddrPort()
	}
	if s.HasIPv6() {
		conn, err := net.ListenUDP("udp6", net.UDPAddrFromAddrPort(s.bind6))
		if err != nil {
			if s.conn4 != nil {
				s.conn4.Close()
			}
			return fmt.Errorf("rpc: bind %s: %w", s.bind6, err)
		}
		s.conn6 = conn
		s.bind6 = conn.LocalAddr().(*net.UDPAddr).AddrPort()
	}

	s.state = ServerRunning
	s.startTime = s.clock.Now()
	s.lastReachableCheck = s.startTime

	for _, conn := range []*net.UDPConn{s.conn4, s.conn6} {
		if conn == nil {
			continue
		}
		s.wg.Add(1)
		go s.readLoop(conn)
	}
	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop shuts the loop down and closes the sockets.
func (s *Server) Stop() {
	if s.state != ServerRunning {
		return
	}
	s.state = ServerStopped
	close(s.done)
	if s.conn4 != nil {
		s.conn4.Close()
	}
	if s.conn6 != nil {
		s.conn6.Close()
	}
	s.wg.Wait()
}

// Post enqueues fn onto the loop goroutine. Public API calls cross the
// thread boundary exclusively through here.
func (s *Server) Post(fn func()) {
	select {
	case s.commands <- fn:
	case <-s.done:
	}
}

func (s *Server) readLoop(conn *net.UDPConn) {
	defer s.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case s.packets <- packet{data: data, from: netip.AddrPortFrom(from.Addr().Unmap(), from.Port())}:
		case <-s.done:
			return
		}
	}
}

func (s *Server) loop() {
	defer s.wg.Done()
	ticker := s.clock.Ticker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case p := <-s.packets:
			s.handlePacket(p)
		case fn := <-s.commands:
			fn()
		case <-ticker.C:
			s.periodic()
		}
	}
}

func (s *Server) periodic() {
	s.flushSendQueue()
	s.updateReachability(s.clock.Now())
	s.sched.SyncTime()
	s.sched.Run()
}

func (s *Server) updateReachability(now time.Time) {
	if s.receivedMessages != s.messagesAtLastReachableCheck {
		s.reachable = true
		s.lastReachableCheck = now
		s.messagesAtLastReachableCheck = s.receivedMessages
		return
	}
	if now.Sub(s.lastReachableCheck) > ReachabilityTimeout {
		s.reachable = false
	}
}

func (s *Server) allocateTxid() int32 {
	txid := s.nextTxid
	s.nextTxid++
	if s.nextTxid <= 0 {
		s.nextTxid = 1
	}
	// Skip ids with a live call; with a 31-bit space this loop is
	// effectively a single probe.
	for {
		if _, busy := s.calls[txid]; !busy && txid != 0 {
			return txid
		}
		txid = s.nextTxid
		s.nextTxid++
		if s.nextTxid <= 0 {
			s.nextTxid = 1
		}
	}
}

// SendCall registers the call under a fresh txid and transmits its
// request. Must run on the loop goroutine.
func (s *Server) SendCall(call *Call) {
	txid := s.allocateTxid()
	call.request.Txid = txid
	s.calls[txid] = call
	if call.handler != nil {
		call.handler.OnSend(call.target)
	}
	call.request.RemoteID = call.target
	call.sent(s.sched, func(c *Call) {
		s.stats.OnTimeoutMessage(c.request)
		delete(s.calls, c.request.Txid)
		if c.handler != nil {
			c.handler.OnTimeout(c)
		}
	})
	s.SendMessage(call.request)
}

// CancelCall abandons an outstanding call and frees its txid.
func (s *Server) CancelCall(call *Call) {
	call.Cancel()
	if existing, ok := s.calls[call.request.Txid]; ok && existing == call {
		delete(s.calls, call.request.Txid)
	}
}

// SendMessage stamps identity and version onto msg and transmits it.
func (s *Server) SendMessage(msg *message.Message) {
	msg.ID = s.localID
	msg.Version = core.BuildVersion(core.NodeShortName, core.NodeVersion)
	s.sendData(msg, 0)
}

func (s *Server) SendError(msg *message.Message, code int, text string) {
	em := message.NewError(msg.Method, msg.Txid, code, text)
	em.RemoteID = msg.ID
	em.RemoteAddr = msg.Origin
	s.SendMessage(em)
}

func (s *Server) sendData(msg *message.Message, attempts int) {
	conn := s.conn4
	if msg.RemoteAddr.Addr().Is6() {
		conn = s.conn6
	}
	if conn == nil {
		debuglog.Debugf("rpc: no socket for %s, dropping %s", msg.RemoteAddr, msg)
		return
	}
	payload, err := msg.Serialize()
	if err != nil {
		debuglog.Logf("rpc: serialize %s: %v", msg, err)
		return
	}
	sealed, err := s.box.Encrypt(msg.RemoteID, msg.Txid, payload)
	if err != nil {
		debuglog.Logf("rpc: encrypt for %s: %v", msg.RemoteID, err)
		return
	}
	data := make([]byte, 0, core.IDBytes+len(sealed))
	data = append(data, s.localID[:]...)
	data = append(data, sealed...)

	if _, err := conn.WriteToUDPAddrPort(data, msg.RemoteAddr); err != nil {
		if attempts+1 < maxSendAttempts {
			s.sendQueue = append(s.sendQueue, queuedSend{msg: msg, attempts: attempts + 1})
			debuglog.Debugf("rpc: send to %s failed, requeued: %v", msg.RemoteAddr, err)
		} else {
			debuglog.Logf("rpc: send to %s failed permanently: %v", msg.RemoteAddr, err)
		}
		return
	}
	s.stats.OnSentBytes(len(data))
	s.stats.OnSentMessage(msg)
}

func (s *Server) flushSendQueue() {
	if len(s.sendQueue) == 0 {
		return
	}
	queue := s.sendQueue
	s.sendQueue = nil
	for _, q := range queue {
		s.sendData(q.msg, q.attempts)
	}
}

func (s *Server) handlerFor(addr netip.AddrPort) Handler {
	if addr.Addr().Unmap().Is4() {
		return s.dht4
	}
	return s.dht6
}

func (s *Server) handlePacket(p packet) {
	if len(p.data) < core.IDBytes {
		s.stats.OnDroppedPacket(len(p.data))
		return
	}
	sender, _ := core.IdFromBytes(p.data[:core.IDBytes])

	payload, err := s.box.Decrypt(sender, p.data[core.IDBytes:])
	if err != nil {
		s.stats.OnDroppedPacket(len(p.data))
		debuglog.RateLimitedf("rpc.decrypt", time.Minute, "rpc: decrypt from %s failed, dropped", p.from)
		return
	}

	msg, err := message.Parse(payload)
	if err != nil {
		s.stats.OnDroppedPacket(len(p.data))
		debuglog.RateLimitedf("rpc.parse", time.Minute, "rpc: bad packet from %s, dropped: %v", p.from, err)
		return
	}

	s.receivedMessages++
	s.stats.OnReceivedBytes(len(p.data))
	s.stats.OnReceivedMessage(msg)
	msg.ID = sender
	msg.Origin = p.from

	if msg.Type != message.TypeError && msg.Txid == 0 {
		s.SendError(msg, core.CodeProtocolError,
			"Invalid transaction id, expected a non-zero value")
		return
	}

	if msg.Type == message.TypeRequest {
		if h := s.handlerFor(p.from); h != nil {
			h.OnMessage(msg)
		}
		return
	}

	// Response or error: match against the call table.
	if call, ok := s.calls[msg.Txid]; ok {
		if call.State() == CallCanceled {
			delete(s.calls, msg.Txid)
			return
		}
		if call.request.RemoteAddr == msg.Origin {
			delete(s.calls, msg.Txid)
			call.responded(msg, s.clock.Now())
			if call.handler != nil {
				call.handler.OnMessage(msg)
			}
			return
		}

		// txid matched but the origin did not: a port-mangling NAT, a
		// multihomed host bound to the any-address, or an attack. The
		// response is not delivered and the call keeps its timeout.
		debuglog.Debugf("rpc: txid %d matched but %s != %s, stalling",
			msg.Txid, call.request.RemoteAddr, msg.Origin)
		if msg.Type == message.TypeResponse && s.dht6 != nil {
			em := message.NewError(msg.Method, msg.Txid, core.CodeProtocolError,
				fmt.Sprintf("A request was sent to %s and a response with matching transaction id was received from %s. "+
					"Multihomed nodes should ensure that sockets are properly bound and responses are sent with the "+
					"correct source socket address. See BEPs 32 and 45.",
					call.request.RemoteAddr, msg.Origin))
			em.RemoteID = msg.ID
			em.RemoteAddr = call.request.RemoteAddr
			s.SendMessage(em)
		}
		call.stall()
		return
	}

	// No call matched. Tolerate strays shortly after start; after that
	// an unsolicited response deserves a protocol error.
	if msg.Type == message.TypeResponse && s.clock.Now().Sub(s.startTime) > unsolicitedGrace {
		s.SendError(msg, core.CodeProtocolError,
			"Received a response message whose transaction id did not match a pending request or transaction expired")
		return
	}
	if msg.Type == message.TypeError {
		if h := s.handlerFor(p.from); h != nil {
			h.OnMessage(msg)
		}
		return
	}
	debuglog.Debugf("rpc: ignored %s from %s", msg, p.from)
}

// Uptime reports how long the server has been running.
func (s *Server) Uptime() time.Duration {
	return s.clock.Now().Sub(s.startTime)
}
