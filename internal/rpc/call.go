package rpc

import (
	"time"

	"kadnet/internal/core"
	"kadnet/internal/message"
)

// CallTimeout is the baseline deadline for an outstanding request.
const CallTimeout = 10 * time.Second

type CallState int

const (
	CallUnsent CallState = iota
	CallSent
	CallStalled
	CallResponded
	CallTimedOut
	CallCanceled
)

func (s CallState) String() string {
	switch s {
	case CallUnsent:
		return "unsent"
	case CallSent:
		return "sent"
	case CallStalled:
		return "stalled"
	case CallResponded:
		return "responded"
	case CallTimedOut:
		return "timed out"
	case CallCanceled:
		return "canceled"
	default:
		return "invalid"
	}
}

func (s CallState) IsFinal() bool {
	return s == CallResponded || s == CallTimedOut || s == CallCanceled
}

// Handler is the per-family DHT as the server and calls see it: a
// non-owning capability handle that breaks the DHT->server->DHT cycle.
type Handler interface {
	OnMessage(msg *message.Message)
	OnTimeout(call *Call)
	OnSend(id core.Id)
}

// Call is one outstanding request: its target, live state and the
// callbacks that drive the owning task. All transitions happen on the
// network loop.
type Call struct {
	handler Handler
	target  core.Id
	request *message.Message

	state       CallState
	response    *message.Message
	sentAt      time.Time
	respondedAt time.Time
	timeout     time.Duration

	socketMismatch bool

	onResponse func(*Call, *message.Message)
	onStall    func(*Call)
	onTimeout  func(*Call)

	timeoutJob *Job
}

func NewCall(handler Handler, target core.Id, request *message.Message) *Call {
	return &Call{
		handler: handler,
		target:  target,
		request: request,
		timeout: CallTimeout,
	}
}

func (c *Call) Target() core.Id {
	return c.target
}

func (c *Call) Request() *message.Message {
	return c.request
}

func (c *Call) Response() *message.Message {
	return c.response
}

func (c *Call) State() CallState {
	return c.state
}

func (c *Call) Handler() Handler {
	return c.handler
}

func (c *Call) SetTimeout(d time.Duration) {
	c.timeout = d
}

// HadSocketMismatch reports whether a response with the right txid came
// from the wrong origin.
func (c *Call) HadSocketMismatch() bool {
	return c.socketMismatch
}

func (c *Call) OnResponse(fn func(*Call, *message.Message)) {
	c.onResponse = fn
}

func (c *Call) OnStall(fn func(*Call)) {
	c.onStall = fn
}

func (c *Call) OnTimeout(fn func(*Call)) {
	c.onTimeout = fn
}

// RTT returns the request round-trip time, or -1 before a response.
func (c *Call) RTT() time.Duration {
	if c.respondedAt.IsZero() {
		return -1
	}
	return c.respondedAt.Sub(c.sentAt)
}

func (c *Call) sent(s *Scheduler, expired func(*Call)) {
	c.state = CallSent
	c.sentAt = s.Now()
	c.timeoutJob = s.Schedule(c.timeout, func() {
		if c.state.IsFinal() {
			return
		}
		c.state = CallTimedOut
		expired(c)
		if c.onTimeout != nil {
			c.onTimeout(c)
		}
	})
}

func (c *Call) responded(msg *message.Message, now time.Time) {
	if c.timeoutJob != nil {
		c.timeoutJob.Cancel()
	}
	c.state = CallResponded
	c.response = msg
	c.respondedAt = now
	if c.onResponse != nil {
		c.onResponse(c, msg)
	}
}

// stall records a socket mismatch; the normal timeout keeps running.
func (c *Call) stall() {
	c.socketMismatch = true
	if c.state == CallSent {
		c.state = CallStalled
		if c.onStall != nil {
			c.onStall(c)
		}
	}
}

// Cancel abandons the call. A response that arrives later is discarded
// by the server since the call has left the table.
func (c *Call) Cancel() {
	if c.state.IsFinal() {
		return
	}
	if c.timeoutJob != nil {
		c.timeoutJob.Cancel()
	}
	c.state = CallCanceled
}
