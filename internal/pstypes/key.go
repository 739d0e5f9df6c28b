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

// Package pstypes holds the data model shared across the page server: the
// opaque Key identifier, the Lsn log position, and the Value sum type.
package pstypes

import (
	"bytes"
	"fmt"
)

// KeySize is the length in bytes of a Key.
const KeySize = 18

// Key is an opaque, totally ordered, fixed-size identifier for a page.
// It has no internal structure meaningful to this package.
type Key [KeySize]byte

// Compare returns -1, 0 or 1 according to the total order over keys.
func (k Key) Compare(other Key) int {
	return bytes.Compare(k[:], other[:])
}

// Less reports whether k sorts before other.
func (k Key) Less(other Key) bool {
	return k.Compare(other) < 0
}

// Next returns the successor key. It panics if k is the maximum key,
// which callers never legitimately hold (key ranges are synthesized by
// this package and never reach the all-0xff sentinel in practice).
func (k Key) Next() Key {
	next := k
	for i := len(next) - 1; i >= 0; i-- {
		next[i]++
		if next[i] != 0 {
			return next
		}
	}
	panic("pstypes: Key.Next overflow")
}

func (k Key) String() string {
	return fmt.Sprintf("%x", [KeySize]byte(k))
}

// KeyRange is a half-open range of keys, [Start, End). This package
// defines no metadata sub-range; callers test membership in any such
// range with KeyRange.Contains.
type KeyRange struct {
	Start Key // inclusive
	End   Key // exclusive
}

// Contains reports whether key lies in [Start, End).
func (r KeyRange) Contains(key Key) bool {
	return !key.Less(r.Start) && key.Less(r.End)
}

// Overlaps reports whether r and other share at least one key.
func (r KeyRange) Overlaps(other KeyRange) bool {
	return r.Start.Less(other.End) && other.Start.Less(r.End)
}

// Empty reports whether the range contains no keys.
func (r KeyRange) Empty() bool {
	return !r.Start.Less(r.End)
}

// Intersect returns the intersection of r and other. The second return
// value is false if the intersection is empty.
func (r KeyRange) Intersect(other KeyRange) (KeyRange, bool) {
	start := r.Start
	if other.Start.Compare(start) > 0 {
		start = other.Start
	}
	end := r.End
	if other.End.Compare(end) < 0 {
		end = other.End
	}
	out := KeyRange{Start: start, End: end}
	return out, !out.Empty()
}

func (r KeyRange) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start, r.End)
}
