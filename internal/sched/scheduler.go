package sched

import (
	"container/heap"
	"time"
)

// TaskID identifies a scheduled task. The zero value is never issued.
type TaskID uint64

type task struct {
	id       TaskID
	deadline time.Time
	seq      uint64
	fn       func()
	index    int
}

type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].deadline.Equal(q[j].deadline) {
		return q[i].seq < q[j].seq
	}
	return q[i].deadline.Before(q[j].deadline)
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	t := x.(*task)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// Scheduler is a delay queue of one-shot tasks ordered by deadline, ties
// broken by insertion order.
//
// A Scheduler is not safe for concurrent use; it belongs to the goroutine
// that runs the client event loop.
type Scheduler struct {
	clock Clock
	queue taskQueue
	byID  map[TaskID]*task
	next  uint64
}

// New returns an empty scheduler reading time from clock.
func New(clock Clock) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Scheduler{
		clock: clock,
		byID:  make(map[TaskID]*task),
	}
}

// Clock returns the clock the scheduler reads.
func (s *Scheduler) Clock() Clock { return s.clock }

// Now is shorthand for s.Clock().Now().
func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// After schedules fn to run once d has elapsed.
func (s *Scheduler) After(d time.Duration, fn func()) TaskID {
	return s.At(s.clock.Now().Add(d), fn)
}

// At schedules fn to run at deadline.
func (s *Scheduler) At(deadline time.Time, fn func()) TaskID {
	s.next++
	t := &task{
		id:       TaskID(s.next),
		deadline: deadline,
		seq:      s.next,
		fn:       fn,
	}
	heap.Push(&s.queue, t)
	s.byID[t.id] = t
	return t.id
}

// Cancel removes a pending task. It reports whether the task was pending.
func (s *Scheduler) Cancel(id TaskID) bool {
	t, ok := s.byID[id]
	if !ok {
		return false
	}
	delete(s.byID, id)
	heap.Remove(&s.queue, t.index)
	return true
}

// Scheduled reports whether id is still waiting to run.
func (s *Scheduler) Scheduled(id TaskID) bool {
	_, ok := s.byID[id]
	return ok
}

// Deadline returns the deadline of a pending task.
func (s *Scheduler) Deadline(id TaskID) (time.Time, bool) {
	t, ok := s.byID[id]
	if !ok {
		return time.Time{}, false
	}
	return t.deadline, true
}

// Len returns the number of pending tasks.
func (s *Scheduler) Len() int { return len(s.queue) }

// NextDeadline returns the earliest pending deadline.
func (s *Scheduler) NextDeadline() (time.Time, bool) {
	if len(s.queue) == 0 {
		return time.Time{}, false
	}
	return s.queue[0].deadline, true
}

// RunDue runs every task whose deadline is not after the current time,
// including tasks scheduled by the tasks it runs. It returns how many ran.
func (s *Scheduler) RunDue() int {
	ran := 0
	for len(s.queue) > 0 {
		now := s.clock.Now()
		head := s.queue[0]
		if head.deadline.After(now) {
			break
		}
		heap.Pop(&s.queue)
		delete(s.byID, head.id)
		head.fn()
		ran++
	}
	return ran
}

// Clear drops every pending task.
func (s *Scheduler) Clear() {
	s.queue = nil
	s.byID = make(map[TaskID]*task)
}
