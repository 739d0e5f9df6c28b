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

// OpenLayer is the single writable in-memory layer of a timeline. Its
// lsn_range is unbounded on the right until it is frozen; readers take
// a snapshot of "end" on each call so a concurrent Put never observes a
// half-written record.
type OpenLayer struct {
	baseLayer
	records []record // append-only under mu, sorted lazily by Freeze
	opened  pstypes.Lsn
	size    int // approximate byte footprint, for the roll decision
}

// NewOpenLayer creates an open layer starting at startLsn with the
// given key-range ceiling (non-inherited keys plus inherited keys both
// land here; the ancestor boundary is enforced by the timeline, not
// the layer).
func NewOpenLayer(keyRange pstypes.KeyRange, startLsn pstypes.Lsn) *OpenLayer {
	return &OpenLayer{
		baseLayer: baseLayer{
			keyRange: keyRange,
			lsnRange: pstypes.LsnRange{Start: startLsn, End: startLsn},
			isDelta:  true,
		},
		opened: startLsn,
	}
}

// Put appends a (key, lsn, value) triple. The caller (Timeline.Put) is
// the sole writer and has already serialized concurrent access.
func (l *OpenLayer) Put(key pstypes.Key, lsn pstypes.Lsn, value pstypes.Value) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = append(l.records, record{key: key, lsn: lsn, value: value})
	l.size += len(key) + 8 + value.Size()
	if lsn.Add(1) > l.lsnRange.End {
		l.lsnRange.End = lsn.Add(1)
	}
}

// Size returns the current approximate byte footprint.
func (l *OpenLayer) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Opened returns the lsn at which this layer was opened, i.e.
// last_freeze_at for the roll decision.
func (l *OpenLayer) Opened() pstypes.Lsn {
	return l.opened
}

// Freeze returns an immutable FrozenLayer holding a sorted copy of the
// receiver's records, with lsn_range ending at lsnEnd (the current
// last_record_lsn at freeze time). The receiver's own records are left
// in place; LayerMap.Freeze is what clears the open slot. It must only
// be called by the single writer.
func (l *OpenLayer) Freeze(lsnEnd pstypes.Lsn) *FrozenLayer {
	l.mu.Lock()
	defer l.mu.Unlock()

	recs := make([]record, len(l.records))
	copy(recs, l.records)
	sortRecords(recs)

	return &FrozenLayer{
		baseLayer: baseLayer{
			keyRange: l.keyRange,
			lsnRange: pstypes.LsnRange{Start: l.lsnRange.Start, End: lsnEnd},
			isDelta:  true,
		},
		records: recs,
	}
}

func (l *OpenLayer) GetValueReconstructData(key pstypes.Key, contLsn pstypes.Lsn, acc Accumulator) (ReconstructResult, pstypes.Lsn, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	recs := make([]record, len(l.records))
	copy(recs, l.records)
	sortRecords(recs)
	res, floor := replayWindow(recs, key, l.lsnRange.Start, contLsn, l.lsnRange.Start, acc)
	return res, floor, nil
}

func (l *OpenLayer) String() string {
	return fmt.Sprintf("OpenLayer{%s, %s}", l.keyRange, l.lsnRange)
}
