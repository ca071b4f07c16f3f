/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package sched implements the CLASP scheduled executor: a priority
queue of bundles ordered by execute-at timestamp, with arrival order
as the tiebreak (spec section 4.10).
*/
package sched

import (
	"container/heap"
	"sync"
	"time"
)

type task struct {
	executeAtUs uint64
	seq         uint64
	fn          func()
	index       int
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].executeAtUs != h[j].executeAtUs {
		return h[i].executeAtUs < h[j].executeAtUs
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Scheduler runs scheduled bundle executions in execute-at order, with
// arrival order breaking ties among equal timestamps (spec section
// 4.10). NowUs is supplied by the caller so the scheduler shares the
// router's clock.Clock time base.
type Scheduler struct {
	mu      sync.Mutex
	heap    taskHeap
	nextSeq uint64
	nowUs   func() uint64
	wake    chan struct{}
	stop    chan struct{}
}

// New returns a Scheduler driven by nowUs, which should be
// clock.Clock.NowUs.
func New(nowUs func() uint64) *Scheduler {
	return &Scheduler{
		nowUs: nowUs,
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
}

// Schedule enqueues fn to run once server time reaches executeAtUs.
func (s *Scheduler) Schedule(executeAtUs uint64, fn func()) {
	s.mu.Lock()
	s.nextSeq++
	heap.Push(&s.heap, &task{executeAtUs: executeAtUs, seq: s.nextSeq, fn: fn})
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of pending scheduled tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.Len()
}

// RunDue pops and runs every task whose executeAtUs has passed,
// returning how many ran. It is safe to call from a ticking goroutine
// or directly from tests.
func (s *Scheduler) RunDue() int {
	now := s.nowUs()
	var due []*task
	s.mu.Lock()
	for s.heap.Len() > 0 && s.heap[0].executeAtUs <= now {
		due = append(due, heap.Pop(&s.heap).(*task))
	}
	s.mu.Unlock()
	for _, t := range due {
		t.fn()
	}
	return len(due)
}

// Run drives RunDue on a polling interval until Stop is called. It is
// the background task a daemon launches via errgroup, mirroring the
// supervised-goroutine style used for the router's other maintenance
// loops.
func (s *Scheduler) Run(pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
			s.RunDue()
		case <-ticker.C:
			s.RunDue()
		}
	}
}

// Stop terminates a running Run loop.
func (s *Scheduler) Stop() {
	close(s.stop)
}
