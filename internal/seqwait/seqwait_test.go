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

package seqwait

import (
	"context"
	"testing"
	"time"
)

func TestWaitReturnsImmediatelyWhenAlreadyPast(t *testing.T) {
	s := New(10)
	if !s.Wait(context.Background(), 5) {
		t.Fatalf("expected immediate success for a past threshold")
	}
}

func TestAdvanceWakesWaiters(t *testing.T) {
	s := New(0)
	done := make(chan bool, 1)
	go func() {
		done <- s.Wait(context.Background(), 100)
	}()

	time.Sleep(10 * time.Millisecond)
	s.Advance(50) // below the threshold, must not wake it
	select {
	case <-done:
		t.Fatalf("waiter woke before its threshold was reached")
	case <-time.After(20 * time.Millisecond):
	}

	s.Advance(100)
	select {
	case ok := <-done:
		if !ok {
			t.Fatalf("expected Wait to report success")
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter was not woken after Advance reached its threshold")
	}
}

func TestAdvanceIsMonotonic(t *testing.T) {
	s := New(10)
	s.Advance(5) // must be a no-op, never moves current backwards
	if s.Current() != 10 {
		t.Fatalf("Advance must not move the sequence backwards: got %d", s.Current())
	}
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	s := New(0)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if s.Wait(ctx, 100) {
		t.Fatalf("expected Wait to fail once context is cancelled")
	}
}

func TestCloseWakesAllWaiters(t *testing.T) {
	s := New(0)
	done := make(chan bool, 1)
	go func() {
		done <- s.Wait(context.Background(), 100)
	}()
	time.Sleep(10 * time.Millisecond)
	s.Close()
	select {
	case ok := <-done:
		if ok {
			t.Fatalf("expected Wait to report failure after Close")
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter was not woken by Close")
	}
}

func TestAdvanceWakesAllSatisfiedWaiters(t *testing.T) {
	s := New(0)
	results := make(chan uint64, 3)
	for _, th := range []uint64{30, 10, 20} {
		th := th
		go func() {
			if s.Wait(context.Background(), th) {
				results <- th
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)
	s.Advance(30)

	seen := map[uint64]bool{}
	for i := 0; i < 3; i++ {
		select {
		case th := <-results:
			seen[th] = true
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for all waiters to wake")
		}
	}
	for _, th := range []uint64{10, 20, 30} {
		if !seen[th] {
			t.Fatalf("waiter for threshold %d never woke", th)
		}
	}
}
