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

package reconstruct

import (
	"testing"

	"github.com/swaingotnochill/pageserver/internal/pstypes"
)

func TestEmptyStateHasNothing(t *testing.T) {
	s := NewState(pstypes.InvalidLsn, nil)
	if !s.Empty() {
		t.Fatalf("expected a fresh state to be Empty")
	}
	if s.HasImage() {
		t.Fatalf("expected a fresh state to have no image")
	}
}

func TestCachedImageSeedsState(t *testing.T) {
	s := NewState(100, []byte("cached"))
	if !s.HasImage() {
		t.Fatalf("expected a cached image to count as HasImage")
	}
	if string(s.BaseImage()) != "cached" {
		t.Fatalf("expected BaseImage to return the cached image")
	}
	if s.Empty() {
		t.Fatalf("a state seeded with a cached image is not Empty")
	}
}

func TestFirstImageWins(t *testing.T) {
	s := NewState(pstypes.InvalidLsn, nil)
	s.SetImage([]byte("first"))
	s.SetImage([]byte("second"))
	if string(s.BaseImage()) != "first" {
		t.Fatalf("expected the first SetImage to win, got %q", s.BaseImage())
	}
}

func TestRecordsReturnedInAscendingLsnOrder(t *testing.T) {
	s := NewState(pstypes.InvalidLsn, nil)
	s.AppendRecord(30, pstypes.WalRecord{Payload: []byte("c")})
	s.AppendRecord(10, pstypes.WalRecord{Payload: []byte("a")})
	s.AppendRecord(20, pstypes.WalRecord{Payload: []byte("b")})

	recs := s.Records()
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	want := []string{"a", "b", "c"}
	for i, r := range recs {
		if string(r.Payload) != want[i] {
			t.Fatalf("records out of order: got %q at index %d, want %q", r.Payload, i, want[i])
		}
	}
}
