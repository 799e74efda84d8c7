package rpc

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func tick(s *Scheduler, clk *clock.Mock, d time.Duration) {
	for elapsed := time.Duration(0); elapsed < d; elapsed += TickInterval {
		clk.Add(TickInterval)
		s.SyncTime()
		s.Run()
	}
}

func TestScheduleOneShot(t *testing.T) {
	clk := clock.NewMock()
	s := NewScheduler(clk)

	fired := 0
	s.Schedule(300*time.Millisecond, func() { fired++ })

	tick(s, clk, 200*time.Millisecond)
	if fired != 0 {
		t.Fatalf("fired early")
	}
	tick(s, clk, 200*time.Millisecond)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	tick(s, clk, time.Second)
	if fired != 1 {
		t.Fatalf("one-shot fired again")
	}
}

func TestScheduleRepeating(t *testing.T) {
	clk := clock.NewMock()
	s := NewScheduler(clk)

	fired := 0
	s.ScheduleRepeating(100*time.Millisecond, 500*time.Millisecond, func() { fired++ })

	tick(s, clk, 1600*time.Millisecond)
	if fired != 4 {
		t.Fatalf("fired = %d, want 4", fired)
	}
}

func TestCancel(t *testing.T) {
	clk := clock.NewMock()
	s := NewScheduler(clk)

	fired := 0
	job := s.ScheduleRepeating(100*time.Millisecond, 100*time.Millisecond, func() { fired++ })
	tick(s, clk, 250*time.Millisecond)
	if fired == 0 {
		t.Fatalf("never fired")
	}
	seen := fired
	job.Cancel()
	tick(s, clk, time.Second)
	if fired != seen {
		t.Fatalf("fired after cancel")
	}
}

func TestCancelFromInsideCallback(t *testing.T) {
	clk := clock.NewMock()
	s := NewScheduler(clk)

	fired := 0
	var job *Job
	job = s.ScheduleRepeating(100*time.Millisecond, 100*time.Millisecond, func() {
		fired++
		job.Cancel()
	})
	tick(s, clk, time.Second)
	if fired != 1 {
		t.Fatalf("fired = %d after self-cancel", fired)
	}
}

func TestSyncTimeConsistentWithinTick(t *testing.T) {
	clk := clock.NewMock()
	s := NewScheduler(clk)

	var t1, t2 time.Time
	s.Schedule(0, func() { t1 = s.Now() })
	s.Schedule(0, func() { t2 = s.Now() })
	clk.Add(TickInterval)
	s.SyncTime()
	s.Run()
	if !t1.Equal(t2) {
		t.Fatalf("now drifted within one tick: %v vs %v", t1, t2)
	}
}

func TestJobOrdering(t *testing.T) {
	clk := clock.NewMock()
	s := NewScheduler(clk)

	var order []int
	s.Schedule(300*time.Millisecond, func() { order = append(order, 3) })
	s.Schedule(100*time.Millisecond, func() { order = append(order, 1) })
	s.Schedule(200*time.Millisecond, func() { order = append(order, 2) })

	clk.Add(time.Second)
	s.SyncTime()
	s.Run()
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("order = %v", order)
	}
}
