// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package vclock is a discrete-event scheduler built around a single
// virtual clock shared by many cooperative tasks. Exactly one task's
// goroutine ever runs application code at a time; every other task is
// parked waiting either for a timed wake-up or for another task to wake
// it explicitly. Advancing the clock and picking the next task to run
// is entirely deterministic: wake-ups are ordered by virtual time, then
// by task ID, then by a monotonic insertion sequence, so two runs seeded
// identically produce bitwise-identical schedules.
package vclock

import (
	"container/heap"
	"sync"
	"time"
)

// VTime is a point (or a duration) on the simulation's virtual clock. It
// is expressed in the same units as time.Duration but never touches the
// wall clock.
type VTime = time.Duration

// DelayedComp pairs a pure value with the virtual-time cost of computing
// it. Nothing about a DelayedComp runs until it is handed to Run, which
// charges the cost to the calling task's clock before handing back the
// value. Every modelled unit of work — signature checks, aggregation,
// serialization — is expressed this way so that virtual time always
// tracks modelled work instead of wall-clock scheduling noise.
type DelayedComp[T any] struct {
	Value T
	Cost  time.Duration
}

// Run charges dc's cost to t's clock and returns dc's value. t must be
// the task currently holding the token (i.e. called from within the
// function passed to Scheduler.Spawn).
func Run[T any](t *Task, dc DelayedComp[T]) T {
	t.Delay(dc.Cost)
	return dc.Value
}

// wakeEvent is one entry in the scheduler's pending-wake heap.
type wakeEvent struct {
	at   VTime
	task *Task
	seq  uint64
}

type wakeHeap []*wakeEvent

func (h wakeHeap) Len() int { return len(h) }
func (h wakeHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	if h[i].task.ID != h[j].task.ID {
		return h[i].task.ID < h[j].task.ID
	}
	return h[i].seq < h[j].seq
}
func (h wakeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *wakeHeap) Push(x any)   { *h = append(*h, x.(*wakeEvent)) }
func (h *wakeHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return ev
}

// Task is one cooperatively-scheduled unit of simulation logic — a head
// node, a tail client, a multiplexer's link driver. Every task runs on
// its own goroutine, but the scheduler guarantees only one task's
// goroutine is ever unparked at a time.
type Task struct {
	ID    int
	Label string

	sched    *Scheduler
	resumeCh chan struct{}
	yieldCh  chan struct{}
}

// Now returns the scheduler's current virtual time. Only meaningful
// while t holds the token.
func (t *Task) Now() VTime { return t.sched.now }

// Delay suspends t for d virtual time and resumes it once the scheduler
// reaches that point and no other task with an earlier (or tied, lower
// ID, earlier-inserted) wake-up remains. A negative d is treated as 0:
// the task still yields once, letting any task already due at the
// current instant run first, which keeps same-tick orderings stable.
func (t *Task) Delay(d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.sched.scheduleWake(t, t.sched.now+d)
	t.sched.parkSelf(t)
}

// Park suspends t indefinitely. Some other task must later call
// Scheduler.WakeAt (or WakeNow) on t, or t never runs again. Park is the
// primitive recv-on-empty-channel and send-on-full-channel block on.
func (t *Task) Park() { t.sched.parkSelf(t) }

// Scheduler drives the shared virtual clock. Zero value is not usable;
// construct with New.
type Scheduler struct {
	mu          sync.Mutex
	now         VTime
	seq         uint64
	taskCounter int
	live        int
	heap        wakeHeap
}

// New returns a Scheduler with its clock at zero.
func New() *Scheduler {
	s := &Scheduler{}
	heap.Init(&s.heap)
	return s
}

// Now returns the current virtual time. Safe to call between runs of
// Run, or from within a running task.
func (s *Scheduler) Now() VTime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// LiveTasks returns the number of spawned tasks that have not yet
// returned from their Spawn function.
func (s *Scheduler) LiveTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// Spawn creates a new task running fn and schedules its first wake-up
// at the current virtual time. Tasks are assigned IDs in call order
// starting at 0; callers that need deterministic tiebreaking (e.g. one
// task per head node, spawned in node-ID order) should spawn in a fixed
// order.
func (s *Scheduler) Spawn(label string, fn func(t *Task)) *Task {
	s.mu.Lock()
	id := s.taskCounter
	s.taskCounter++
	s.live++
	now := s.now
	s.mu.Unlock()

	t := &Task{
		ID:       id,
		Label:    label,
		sched:    s,
		resumeCh: make(chan struct{}),
		yieldCh:  make(chan struct{}),
	}
	go func() {
		<-t.resumeCh
		fn(t)
		s.mu.Lock()
		s.live--
		s.mu.Unlock()
		t.yieldCh <- struct{}{}
	}()
	s.scheduleWake(t, now)
	return t
}

// WakeAt schedules t to resume at virtual time at, which may be earlier
// than, equal to, or later than the scheduler's current time as long as
// it is not in the past relative to the last time actually reached.
// Used by code running under a different task's token to unblock a
// parked task — e.g. a multiplexer releasing buffer space for a sender
// it had parked, or a server delivering a reply to a client's recv.
func (s *Scheduler) WakeAt(t *Task, at VTime) {
	s.scheduleWake(t, at)
}

// WakeNow schedules t to resume at the scheduler's current virtual
// time; among tasks due at this instant it runs in task-ID order, then
// insertion order, like any other wake-up.
func (s *Scheduler) WakeNow(t *Task) {
	s.mu.Lock()
	now := s.now
	s.mu.Unlock()
	s.scheduleWake(t, now)
}

func (s *Scheduler) scheduleWake(t *Task, at VTime) {
	s.mu.Lock()
	seq := s.seq
	s.seq++
	heap.Push(&s.heap, &wakeEvent{at: at, task: t, seq: seq})
	s.mu.Unlock()
}

func (s *Scheduler) parkSelf(t *Task) {
	t.yieldCh <- struct{}{}
	<-t.resumeCh
}

// Quiescent reports whether the scheduler has no pending wake-ups left.
// A well-formed simulation reaches quiescence naturally once every task
// has either exited or permanently parked with nothing left to wake it;
// Run returns exactly when this becomes true.
func (s *Scheduler) Quiescent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap) == 0
}

// Run drives the simulation: repeatedly pop the earliest pending
// wake-up, advance the clock to it, hand the token to that task, and
// wait for it to yield (by delaying, parking, or returning) before
// popping the next one. Returns once the wake-up heap is empty, i.e.
// the simulation has reached quiescence.
func (s *Scheduler) Run() {
	for {
		s.mu.Lock()
		if len(s.heap) == 0 {
			s.mu.Unlock()
			return
		}
		ev := heap.Pop(&s.heap).(*wakeEvent)
		s.now = ev.at
		s.mu.Unlock()

		ev.task.resumeCh <- struct{}{}
		<-ev.task.yieldCh
	}
}

// RunUntil drives the simulation exactly like Run but stops early,
// without advancing past, the first wake-up scheduled at or after
// deadline. Useful for bounded-horizon scenarios in tests. The task due
// at the deadline is not run; its wake-up remains pending in the heap so
// a subsequent RunUntil/Run call can resume from exactly that point.
func (s *Scheduler) RunUntil(deadline VTime) {
	for {
		s.mu.Lock()
		if len(s.heap) == 0 {
			s.mu.Unlock()
			return
		}
		next := s.heap[0]
		if next.at >= deadline {
			s.now = deadline
			s.mu.Unlock()
			return
		}
		ev := heap.Pop(&s.heap).(*wakeEvent)
		s.now = ev.at
		s.mu.Unlock()

		ev.task.resumeCh <- struct{}{}
		<-ev.task.yieldCh
	}
}
