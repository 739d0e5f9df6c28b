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

// Package gate implements a counted, closable barrier: every task that
// touches a Timeline or Tenant enters the gate before doing anything,
// and shutdown cannot complete until every entered holder has released.
package gate

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Enter once the gate has started closing.
var ErrClosed = errors.New("gate: closed")

// Gate is a counted, closable barrier.
type Gate struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// New returns an open Gate.
func New() *Gate {
	return &Gate{}
}

// Enter registers a holder. The returned release func must be called
// exactly once when the holder is done. Enter fails with ErrClosed once
// Close has been called.
func (g *Gate) Enter() (release func(), err error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrClosed
	}
	g.wg.Add(1)
	g.mu.Unlock()

	var once sync.Once
	return func() { once.Do(g.wg.Done) }, nil
}

// Close prevents further Enter calls and blocks until every entered
// holder has released.
func (g *Gate) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	g.wg.Wait()
}

// Closed reports whether Close has been called. New holders should not
// rely on this for correctness — Enter itself is authoritative — but it
// is useful for fast-path checks before attempting Enter.
func (g *Gate) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}
