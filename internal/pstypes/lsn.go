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

import "fmt"

// Lsn is a monotonic 64-bit write-ahead-log position.
type Lsn uint64

// InvalidLsn is the sentinel value meaning "no LSN".
const InvalidLsn Lsn = 0

// lsnAlignment is the byte alignment WAL records are required to
// respect; Lsn arithmetic below assumes records never straddle this
// boundary's multiples in a way that breaks monotonicity.
const lsnAlignment = 8

// Valid reports whether lsn is not the invalid sentinel.
func (lsn Lsn) Valid() bool {
	return lsn != InvalidLsn
}

// Aligned reports whether lsn sits on a record-alignment boundary.
func (lsn Lsn) Aligned() bool {
	return uint64(lsn)%lsnAlignment == 0
}

// Add returns lsn+delta.
func (lsn Lsn) Add(delta uint64) Lsn {
	return Lsn(uint64(lsn) + delta)
}

// Sub returns lsn-delta. It does not check for underflow; callers only
// subtract smaller, previously observed deltas.
func (lsn Lsn) Sub(delta uint64) Lsn {
	return Lsn(uint64(lsn) - delta)
}

// Diff returns lsn-other as a signed distance in bytes.
func (lsn Lsn) Diff(other Lsn) int64 {
	return int64(lsn) - int64(other)
}

func (lsn Lsn) String() string {
	return fmt.Sprintf("0x%X", uint64(lsn))
}

// LsnRange is a half-open range [Start, End) of LSNs.
type LsnRange struct {
	Start Lsn
	End   Lsn
}

// Contains reports whether lsn lies in [Start, End).
func (r LsnRange) Contains(lsn Lsn) bool {
	return lsn >= r.Start && lsn < r.End
}

// Overlaps reports whether r and other share at least one LSN.
func (r LsnRange) Overlaps(other LsnRange) bool {
	return r.Start < other.End && other.Start < r.End
}

// Equal reports whether r and other denote the same range.
func (r LsnRange) Equal(other LsnRange) bool {
	return r.Start == other.Start && r.End == other.End
}

func (r LsnRange) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start, r.End)
}
