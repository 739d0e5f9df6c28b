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

package pstypes

import "testing"

func TestKeyOrdering(t *testing.T) {
	var a, b Key
	a[17] = 1
	b[17] = 2
	if !a.Less(b) {
		t.Fatalf("expected %s < %s", a, b)
	}
	if a.Compare(a) != 0 {
		t.Fatalf("expected equal keys to compare 0")
	}
}

func TestKeyNext(t *testing.T) {
	var k Key
	k[17] = 0xff
	next := k.Next()
	want := k
	want[16] = 1
	want[17] = 0
	if next != want {
		t.Fatalf("Next() carry: got %s, want %s", next, want)
	}
}

func TestKeyRangeContainsAndOverlaps(t *testing.T) {
	var start, end, mid, outside Key
	start[17] = 10
	end[17] = 20
	mid[17] = 15
	outside[17] = 25
	r := KeyRange{Start: start, End: end}

	if !r.Contains(mid) {
		t.Fatalf("expected range to contain mid key")
	}
	if r.Contains(outside) {
		t.Fatalf("expected range to exclude outside key")
	}
	if r.Contains(end) {
		t.Fatalf("range end is exclusive")
	}

	var otherStart, otherEnd Key
	otherStart[17] = 15
	otherEnd[17] = 30
	other := KeyRange{Start: otherStart, End: otherEnd}
	if !r.Overlaps(other) {
		t.Fatalf("expected overlapping ranges")
	}

	isect, ok := r.Intersect(other)
	if !ok {
		t.Fatalf("expected non-empty intersection")
	}
	if isect.Start != otherStart || isect.End != end {
		t.Fatalf("unexpected intersection %s", isect)
	}
}

func TestKeyRangeEmpty(t *testing.T) {
	var a Key
	r := KeyRange{Start: a, End: a}
	if !r.Empty() {
		t.Fatalf("expected zero-width range to be empty")
	}
}

func TestLsnValidAndAligned(t *testing.T) {
	if InvalidLsn.Valid() {
		t.Fatalf("InvalidLsn must not be Valid")
	}
	if !Lsn(8).Valid() {
		t.Fatalf("non-zero lsn must be Valid")
	}
	if !Lsn(16).Aligned() {
		t.Fatalf("16 should be aligned to 8")
	}
	if Lsn(17).Aligned() {
		t.Fatalf("17 should not be aligned to 8")
	}
}

func TestLsnArithmetic(t *testing.T) {
	base := Lsn(100)
	if base.Add(50) != Lsn(150) {
		t.Fatalf("Add: got %s", base.Add(50))
	}
	if base.Sub(30) != Lsn(70) {
		t.Fatalf("Sub: got %s", base.Sub(30))
	}
	if base.Diff(Lsn(70)) != 30 {
		t.Fatalf("Diff: got %d", base.Diff(Lsn(70)))
	}
}

func TestLsnRangeContainsOverlapsEqual(t *testing.T) {
	r := LsnRange{Start: 100, End: 200}
	if !r.Contains(150) {
		t.Fatalf("expected range to contain 150")
	}
	if r.Contains(200) {
		t.Fatalf("range end is exclusive")
	}
	other := LsnRange{Start: 150, End: 250}
	if !r.Overlaps(other) {
		t.Fatalf("expected overlapping ranges")
	}
	if !r.Equal(LsnRange{Start: 100, End: 200}) {
		t.Fatalf("expected equal ranges to compare equal")
	}
}

func TestValueConstructorsAndSize(t *testing.T) {
	img := NewImageValue([]byte("hello"))
	if !img.IsImage || img.Size() != 5 {
		t.Fatalf("unexpected image value %+v", img)
	}
	rec := NewRecordValue(WalRecord{WillInit: true, Payload: []byte("abc")})
	if rec.IsImage || rec.Size() != 3 || !rec.Record.WillInit {
		t.Fatalf("unexpected record value %+v", rec)
	}
}
