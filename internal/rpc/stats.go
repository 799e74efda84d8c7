package rpc

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"kadnet/internal/message"
)

const methodCount = 7

const (
	ordError = iota
	ordRequest
	ordResponse
	ordCount
)

func typeOrdinal(t message.Type) int {
	switch t {
	case message.TypeRequest:
		return ordRequest
	case message.TypeResponse:
		return ordResponse
	default:
		return ordError
	}
}

// Statistics counts traffic per (method, type) plus byte, timeout and
// drop totals. Counters are atomics so any goroutine may read them while
// the network loop writes.
type Statistics struct {
	clock clock.Clock

	receivedMessages [methodCount][ordCount]atomic.Uint32
	sentMessages     [methodCount][ordCount]atomic.Uint32
	timeoutMessages  [methodCount]atomic.Uint32

	receivedBytes  atomic.Uint64
	sentBytes      atomic.Uint64
	droppedPackets atomic.Uint64
	droppedBytes   atomic.Uint64

	lastReceivedBytes     atomic.Uint32
	lastSentBytes         atomic.Uint32
	lastReceivedTimestamp atomic.Int64
	lastSentTimestamp     atomic.Int64
	receivedBytesPerSec   atomic.Uint32
	sentBytesPerSec       atomic.Uint32
}

func NewStatistics(clk clock.Clock) *Statistics {
	if clk == nil {
		clk = clock.New()
	}
	return &Statistics{clock: clk}
}

func (s *Statistics) OnReceivedMessage(m *message.Message) {
	s.receivedMessages[m.Method][typeOrdinal(m.Type)].Add(1)
}

func (s *Statistics) OnSentMessage(m *message.Message) {
	s.sentMessages[m.Method][typeOrdinal(m.Type)].Add(1)
}

func (s *Statistics) OnTimeoutMessage(m *message.Message) {
	s.timeoutMessages[m.Method].Add(1)
}

func (s *Statistics) OnReceivedBytes(n int) {
	s.receivedBytes.Add(uint64(n))
	s.lastReceivedBytes.Add(uint32(n))
}

func (s *Statistics) OnSentBytes(n int) {
	s.sentBytes.Add(uint64(n))
	s.lastSentBytes.Add(uint32(n))
}

func (s *Statistics) OnDroppedPacket(n int) {
	s.droppedPackets.Add(1)
	s.droppedBytes.Add(uint64(n))
}

func (s *Statistics) ReceivedMessages(method message.Method, t message.Type) uint32 {
	return s.receivedMessages[method][typeOrdinal(t)].Load()
}

func (s *Statistics) SentMessages(method message.Method, t message.Type) uint32 {
	return s.sentMessages[method][typeOrdinal(t)].Load()
}

func (s *Statistics) TimeoutMessages(method message.Method) uint32 {
	return s.timeoutMessages[method].Load()
}

func (s *Statistics) TotalReceivedMessages() uint32 {
	var total uint32
	for m := range s.receivedMessages {
		for t := range s.receivedMessages[m] {
			total += s.receivedMessages[m][t].Load()
		}
	}
	return total
}

func (s *Statistics) TotalSentMessages() uint32 {
	var total uint32
	for m := range s.sentMessages {
		for t := range s.sentMessages[m] {
			total += s.sentMessages[m][t].Load()
		}
	}
	return total
}

func (s *Statistics) TotalTimeoutMessages() uint32 {
	var total uint32
	for m := range s.timeoutMessages {
		total += s.timeoutMessages[m].Load()
	}
	return total
}

func (s *Statistics) DroppedPackets() uint64 {
	return s.droppedPackets.Load()
}

func (s *Statistics) DroppedBytes() uint64 {
	return s.droppedBytes.Load()
}

func (s *Statistics) ReceivedBytes() uint64 {
	return s.receivedBytes.Load()
}

func (s *Statistics) SentBytes() uint64 {
	return s.sentBytes.Load()
}

// ReceivedBytesPerSec recomputes the moving rate from the bytes seen
// since the previous call, at most once per second.
func (s *Statistics) ReceivedBytesPerSec() uint32 {
	now := s.clock.Now().UnixMilli()
	last := s.lastReceivedTimestamp.Load()
	if d := now - last; d > 950 && s.lastReceivedTimestamp.CompareAndSwap(last, now) {
		lrb := s.lastReceivedBytes.Swap(0)
		s.receivedBytesPerSec.Store(uint32(int64(lrb) * 1000 / d))
	}
	return s.receivedBytesPerSec.Load()
}

func (s *Statistics) SentBytesPerSec() uint32 {
	now := s.clock.Now().UnixMilli()
	last := s.lastSentTimestamp.Load()
	if d := now - last; d > 950 && s.lastSentTimestamp.CompareAndSwap(last, now) {
		lsb := s.lastSentBytes.Swap(0)
		s.sentBytesPerSec.Store(uint32(int64(lsb) * 1000 / d))
	}
	return s.sentBytesPerSec.Load()
}

var statMethods = []message.Method{
	message.MethodPing,
	message.MethodFindNode,
	message.MethodAnnouncePeer,
	message.MethodFindPeer,
	message.MethodStoreValue,
	message.MethodFindValue,
}

func (s *Statistics) String() string {
	var sb strings.Builder
	sb.WriteString("### local RPCs\n")
	fmt.Fprintf(&sb, "%-16s %10s %10s %10s %10s\n", "Method", "REQ", "RSP", "Error", "Timeout")
	for _, m := range statMethods {
		fmt.Fprintf(&sb, "%-16s %10d %10d %10d %10d\n", m,
			s.SentMessages(m, message.TypeRequest),
			s.ReceivedMessages(m, message.TypeResponse),
			s.ReceivedMessages(m, message.TypeError),
			s.TimeoutMessages(m))
	}
	sb.WriteString("\n### remote RPCs\n")
	fmt.Fprintf(&sb, "%-16s %10s %10s %10s\n", "Method", "REQ", "RSP", "Error")
	for _, m := range statMethods {
		fmt.Fprintf(&sb, "%-16s %10d %10d %10d\n", m,
			s.ReceivedMessages(m, message.TypeRequest),
			s.SentMessages(m, message.TypeResponse),
			s.SentMessages(m, message.TypeError))
	}
	fmt.Fprintf(&sb, "\n### Total[messages/bytes]\n    sent %d/%d, received %d/%d, timeout %d/-, dropped %d/%d\n",
		s.TotalSentMessages(), s.SentBytes(),
		s.TotalReceivedMessages(), s.ReceivedBytes(),
		s.TotalTimeoutMessages(),
		s.DroppedPackets(), s.DroppedBytes())
	return sb.String()
}
