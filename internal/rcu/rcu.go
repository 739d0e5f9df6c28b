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

// Package rcu implements a single-writer, many-reader read-copy-update
// cell, used by the timeline for latest_gc_cutoff_lsn: readers never
// block, and a writer that wants to retire the old value waits for
// outstanding readers of it to release before proceeding to delete
// anything the old value was protecting.
package rcu

import "sync"

// Cell holds a value of type T behind an RCU discipline.
type Cell[T any] struct {
	mu  sync.Mutex
	cur *cellValue[T]
}

type cellValue[T any] struct {
	val T
	wg  sync.WaitGroup // outstanding readers of this generation
}

// New constructs a Cell with an initial value.
func New[T any](initial T) *Cell[T] {
	return &Cell[T]{cur: &cellValue[T]{val: initial}}
}

// Guard is a read handle on one generation of the cell's value. Callers
// must call Release when done; while held, Publish of a newer value
// will not complete its "wait for old readers" phase.
type Guard[T any] struct {
	gen *cellValue[T]
}

// Value returns the value this guard was issued for.
func (g Guard[T]) Value() T { return g.gen.val }

// Release drops this read guard.
func (g Guard[T]) Release() { g.gen.wg.Done() }

// Read takes an unlimited-concurrency read guard on the current value.
func (c *Cell[T]) Read() Guard[T] {
	c.mu.Lock()
	gen := c.cur
	gen.wg.Add(1)
	c.mu.Unlock()
	return Guard[T]{gen: gen}
}

// Load returns the current value without taking a guard, for call sites
// that only need a point-in-time read and do not protect anything
// across an await (e.g. simple monotonicity comparisons).
func (c *Cell[T]) Load() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur.val
}

// Publish installs a new value and blocks until every reader that had
// already taken a Guard on the previous value has released it. New
// readers arriving after Publish starts see the new value immediately;
// they do not block the quiesce.
func (c *Cell[T]) Publish(next T) {
	c.mu.Lock()
	old := c.cur
	c.cur = &cellValue[T]{val: next}
	c.mu.Unlock()

	old.wg.Wait()
}
