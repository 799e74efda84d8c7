package task

import (
	"fmt"

	"kadnet/internal/core"
	"kadnet/internal/message"
	"kadnet/internal/routing"
	"kadnet/internal/rpc"
)

// Alpha is the Kademlia lookup parallelism: in-flight requests per task.
const Alpha = 3

type State int

const (
	StateQueued State = iota
	StateRunning
	StateFinished
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateCanceled:
		return "canceled"
	default:
		return "invalid"
	}
}

// DHT is the capability handle a task gets instead of the owning DHT,
// which keeps the ownership one-directional.
type DHT interface {
	LocalID() core.Id
	Table() *routing.Table
	NewCall(target core.NodeInfo, req *message.Message) *rpc.Call
	SendCall(call *rpc.Call)
	CancelCall(call *rpc.Call)
	WantBits() (want4, want6 bool)
}

// impl is the per-kind state machine a concrete task plugs into the
// shared scaffolding.
type impl interface {
	// update sends requests while the task has slots and work.
	update()
	// callResponded consumes one matched response.
	callResponded(call *rpc.Call, msg *message.Message)
	// callTimeout consumes one expired request.
	callTimeout(call *rpc.Call)
	// isDone reports whether no further requests will be produced.
	isDone() bool
}

// Task is the shared lookup scaffolding: slot accounting, lifecycle, and
// completion listeners. Everything runs on the network loop, so there is
// no locking; re-entrancy is guarded by the updating flag.
type Task struct {
	dht      DHT
	name     string
	target   core.Id
	state    State
	impl     impl
	inFlight map[*rpc.Call]struct{}

	listeners []func(*Task)
	updating  bool
	pending   bool
}

func (t *Task) init(dht DHT, name string, target core.Id, impl impl) {
	t.dht = dht
	t.name = name
	t.target = target
	t.impl = impl
	t.inFlight = make(map[*rpc.Call]struct{})
}

func (t *Task) Name() string {
	return t.name
}

func (t *Task) Target() core.Id {
	return t.target
}

func (t *Task) State() State {
	return t.state
}

func (t *Task) IsFinished() bool {
	return t.state == StateFinished || t.state == StateCanceled
}

// AddListener registers fn to run once when the task finishes or is
// canceled.
func (t *Task) AddListener(fn func(*Task)) {
	t.listeners = append(t.listeners, fn)
}

func (t *Task) start() {
	if t.state != StateQueued {
		return
	}
	t.state = StateRunning
	t.tryUpdate()
}

// Cancel stops the task: outstanding calls are canceled and their late
// responses discarded.
func (t *Task) Cancel() {
	if t.IsFinished() {
		return
	}
	t.state = StateCanceled
	for call := range t.inFlight {
		t.dht.CancelCall(call)
	}
	t.inFlight = make(map[*rpc.Call]struct{})
	t.notifyListeners()
}

func (t *Task) canDoRequest() bool {
	return t.state == StateRunning && len(t.inFlight) < Alpha
}

// sendCall transmits req to node and charges one slot. Returns false
// when no slot is free.
func (t *Task) sendCall(node core.NodeInfo, req *message.Message, sent func(*rpc.Call)) bool {
	if !t.canDoRequest() {
		return false
	}
	call := t.dht.NewCall(node, req)
	call.OnResponse(func(c *rpc.Call, msg *message.Message) {
		delete(t.inFlight, c)
		if t.state != StateRunning {
			return
		}
		t.impl.callResponded(c, msg)
		t.tryUpdate()
	})
	call.OnTimeout(func(c *rpc.Call) {
		delete(t.inFlight, c)
		if t.state != StateRunning {
			return
		}
		t.impl.callTimeout(c)
		t.tryUpdate()
	})
	call.OnStall(func(c *rpc.Call) {
		t.tryUpdate()
	})
	t.inFlight[call] = struct{}{}
	if sent != nil {
		sent(call)
	}
	t.dht.SendCall(call)
	return true
}

// tryUpdate runs the state machine once; calls arriving re-entrantly are
// coalesced into a follow-up pass.
func (t *Task) tryUpdate() {
	if t.state != StateRunning {
		return
	}
	if t.updating {
		t.pending = true
		return
	}
	t.updating = true
	for {
		t.pending = false
		t.impl.update()
		if !t.pending {
			break
		}
	}
	t.updating = false
	t.checkCompletion()
}

func (t *Task) checkCompletion() {
	if t.state != StateRunning {
		return
	}
	if t.impl.isDone() && len(t.inFlight) == 0 {
		t.state = StateFinished
		t.notifyListeners()
	}
}

func (t *Task) notifyListeners() {
	for _, fn := range t.listeners {
		fn(t)
	}
	t.listeners = nil
}

func (t *Task) String() string {
	return fmt.Sprintf("%s[%s] %s", t.name, t.target, t.state)
}
