package rpc

import (
	"container/heap"
	"time"

	"github.com/benbjohnson/clock"
)

// TickInterval drives the cooperative loop: queued sends, scheduled jobs
// and timeout checks all advance on this cadence.
const TickInterval = 100 * time.Millisecond

// Scheduler is a monotonic-time job queue owned by the network loop.
// Jobs run to completion on that goroutine; there is no preemption and
// no locking.
type Scheduler struct {
	clock clock.Clock
	now   time.Time
	jobs  jobHeap
}

// Job is a cancellable handle for a scheduled callback.
type Job struct {
	at       time.Time
	interval time.Duration
	fn       func()
	canceled bool
	index    int
}

func (j *Job) Cancel() {
	j.canceled = true
}

func NewScheduler(clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	s := &Scheduler{clock: clk}
	s.now = clk.Now()
	return s
}

// SyncTime captures a single now used consistently for every job run in
// the same tick, so a long callback cannot skew its successors.
func (s *Scheduler) SyncTime() {
	s.now = s.clock.Now()
}

func (s *Scheduler) Now() time.Time {
	return s.now
}

// Schedule runs fn once after delay.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) *Job {
	job := &Job{at: s.now.Add(delay), fn: fn}
	heap.Push(&s.jobs, job)
	return job
}

// ScheduleRepeating runs fn after delay and then every interval.
func (s *Scheduler) ScheduleRepeating(delay, interval time.Duration, fn func()) *Job {
	job := &Job{at: s.now.Add(delay), interval: interval, fn: fn}
	heap.Push(&s.jobs, job)
	return job
}

// Run executes every job due at the synced time.
func (s *Scheduler) Run() {
	for len(s.jobs) > 0 {
		next := s.jobs[0]
		if next.canceled {
			heap.Pop(&s.jobs)
			continue
		}
		if next.at.After(s.now) {
			return
		}
		heap.Pop(&s.jobs)
		next.fn()
		if next.interval > 0 && !next.canceled {
			next.at = s.now.Add(next.interval)
			heap.Push(&s.jobs, next)
		}
	}
}

type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	job := x.(*Job)
	job.index = len(*h)
	*h = append(*h, job)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}
