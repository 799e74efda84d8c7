package task

import (
	"testing"

	"kadnet/internal/core"
	"kadnet/internal/message"
	"kadnet/internal/rpc"
)

// stubTask finishes only when released, letting tests hold slots open.
type stubTask struct {
	Task
	done bool
}

func newStubTask() *stubTask {
	t := &stubTask{}
	t.init(nil, "stub", core.RandomID(), t)
	return t
}

func (t *stubTask) update() {}

func (t *stubTask) callResponded(call *rpc.Call, msg *message.Message) {}

func (t *stubTask) callTimeout(call *rpc.Call) {}

func (t *stubTask) isDone() bool { return t.done }

// release finishes the task as if its last call completed.
func (t *stubTask) release() {
	t.done = true
	t.tryUpdate()
}

func TestManagerRunsQueuedTask(t *testing.T) {
	m := NewManager()
	st := newStubTask()
	m.Add(st)
	if st.State() != StateRunning {
		t.Fatalf("state = %s", st.State())
	}
	st.release()
	if st.State() != StateFinished {
		t.Fatalf("state = %s", st.State())
	}
	if m.RunningCount() != 0 {
		t.Fatalf("running = %d", m.RunningCount())
	}
}

func TestManagerCapsConcurrency(t *testing.T) {
	m := NewManager()
	var tasks []*stubTask
	for i := 0; i < MaxActiveTasks+4; i++ {
		st := newStubTask()
		tasks = append(tasks, st)
		m.Add(st)
	}
	if m.RunningCount() != MaxActiveTasks {
		t.Fatalf("running = %d", m.RunningCount())
	}
	if m.QueuedCount() != 4 {
		t.Fatalf("queued = %d", m.QueuedCount())
	}
	// Finishing one admits one.
	tasks[0].release()
	if m.RunningCount() != MaxActiveTasks {
		t.Fatalf("slot not refilled: %d", m.RunningCount())
	}
	if m.QueuedCount() != 3 {
		t.Fatalf("queued = %d", m.QueuedCount())
	}
}

func TestManagerSkipsCanceledQueued(t *testing.T) {
	m := NewManager()
	var held []*stubTask
	for i := 0; i < MaxActiveTasks; i++ {
		st := newStubTask()
		held = append(held, st)
		m.Add(st)
	}
	waiting := newStubTask()
	m.Add(waiting)
	waiting.Cancel()
	if waiting.State() != StateCanceled {
		t.Fatalf("cancel before start failed")
	}
	held[0].release()
	if waiting.State() != StateCanceled {
		t.Fatalf("canceled task was started")
	}
}

func TestManagerCancelAll(t *testing.T) {
	m := NewManager()
	running := newStubTask()
	m.Add(running)
	for i := 0; i < MaxActiveTasks; i++ {
		m.Add(newStubTask())
	}
	queued := newStubTask()
	m.Add(queued)

	m.CancelAll()
	if running.State() != StateCanceled {
		t.Fatalf("running task not canceled")
	}
	if queued.State() != StateCanceled {
		t.Fatalf("queued task not canceled")
	}

	late := newStubTask()
	m.Add(late)
	if late.State() != StateCanceled {
		t.Fatalf("post-shutdown task accepted")
	}
}

func TestTaskListenersFireOnce(t *testing.T) {
	st := newStubTask()
	fired := 0
	st.AddListener(func(*Task) { fired++ })
	m := NewManager()
	m.Add(st)
	st.release()
	st.Cancel()
	if fired != 1 {
		t.Fatalf("listener fired %d times", fired)
	}
}
