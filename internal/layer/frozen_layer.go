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

package layer

import (
	"fmt"

	"github.com/swaingotnochill/pageserver/internal/pstypes"
)

// FrozenLayer is an immutable, in-memory layer with a fixed lsn_range,
// queued for the flush loop to write out as a persistent layer. It is
// readable concurrently with being flushed.
type FrozenLayer struct {
	baseLayer
	records []record // immutable, sorted by (key, lsn)
}

func (l *FrozenLayer) GetValueReconstructData(key pstypes.Key, contLsn pstypes.Lsn, acc Accumulator) (ReconstructResult, pstypes.Lsn, error) {
	res, floor := replayWindow(l.records, key, l.lsnRange.Start, contLsn, l.lsnRange.Start, acc)
	return res, floor, nil
}

// Records returns the distinct keys held by this layer, in ascending
// key order. The full (key, lsn, value) record set is exposed through
// Iterate.
func (l *FrozenLayer) Records() []pstypes.Key {
	keys := make([]pstypes.Key, 0, len(l.records))
	seen := make(map[pstypes.Key]struct{}, len(l.records))
	for _, r := range l.records {
		if _, ok := seen[r.key]; !ok {
			seen[r.key] = struct{}{}
			keys = append(keys, r.key)
		}
	}
	return keys
}

// Iterate calls fn for every (key, lsn, value) triple in ascending
// (key, lsn) order, the order a persistent delta layer's block is
// written in.
func (l *FrozenLayer) Iterate(fn func(key pstypes.Key, lsn pstypes.Lsn, value pstypes.Value)) {
	for _, r := range l.records {
		fn(r.key, r.lsn, r.value)
	}
}

func (l *FrozenLayer) String() string {
	return fmt.Sprintf("FrozenLayer{%s, %s}", l.keyRange, l.lsnRange)
}
