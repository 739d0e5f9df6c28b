// Copyright 2024 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

// Package seqwait is a hand-rolled sequence-wait primitive: a single
// monotonically advancing value, with waiters parked on a threshold.
// Advance(v) wakes every waiter whose threshold is <= v in one pass,
// without the thundering-herd cost of a naive condition-variable
// broadcast at high fan-out (design note §9).
package seqwait

import (
	"container/heap"
	"context"
	"sync"
)

// SeqWait tracks a monotonic uint64 value and lets callers block until
// it reaches a target.
type SeqWait struct {
	mu      sync.Mutex
	current uint64
	waiters waiterHeap
	closed  bool
}

// New constructs a SeqWait starting at initial.
func New(initial uint64) *SeqWait {
	return &SeqWait{current: initial}
}

type waiter struct {
	threshold uint64
	ch        chan struct{}
	index     int
}

type waiterHeap []*waiter

func (h waiterHeap) Len() int            { return len(h) }
func (h waiterHeap) Less(i, j int) bool  { return h[i].threshold < h[j].threshold }
func (h waiterHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *waiterHeap) Push(x interface{}) { w := x.(*waiter); w.index = len(*h); *h = append(*h, w) }
func (h *waiterHeap) Pop() interface{} {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return w
}

// Current returns the current value.
func (s *SeqWait) Current() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Advance sets the current value to v and wakes every waiter whose
// threshold is now satisfied. Advance is a no-op (and does not panic)
// if v is not greater than the current value, mirroring a sequencer
// that only moves forward: callers enforce strict monotonicity
// themselves where §8 invariant 3 requires it.
func (s *SeqWait) Advance(v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v <= s.current {
		return
	}
	s.current = v
	for s.waiters.Len() > 0 && s.waiters[0].threshold <= v {
		w := heap.Pop(&s.waiters).(*waiter)
		close(w.ch)
	}
}

// Close marks the sequence closed and wakes every waiter; a woken Wait
// returns false unless its target had already been reached, with its
// own ctx.Err() still nil.
func (s *SeqWait) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for s.waiters.Len() > 0 {
		w := heap.Pop(&s.waiters).(*waiter)
		close(w.ch)
	}
}

// Wait blocks until the sequence reaches target, ctx is done, or Close
// is called. It returns true if the target was reached, false
// otherwise (ctx done or closed -- a false result with a nil ctx.Err()
// means the sequence was closed).
func (s *SeqWait) Wait(ctx context.Context, target uint64) bool {
	s.mu.Lock()
	if s.current >= target {
		s.mu.Unlock()
		return true
	}
	if s.closed {
		s.mu.Unlock()
		return false
	}
	w := &waiter{threshold: target, ch: make(chan struct{})}
	heap.Push(&s.waiters, w)
	s.mu.Unlock()

	select {
	case <-w.ch:
		return s.Current() >= target
	case <-ctx.Done():
		s.remove(w)
		return false
	}
}

func (s *SeqWait) remove(w *waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.index >= 0 && w.index < len(s.waiters) && s.waiters[w.index] == w {
		heap.Remove(&s.waiters, w.index)
	}
}
