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

package timeline

import (
	"time"

	"github.com/swaingotnochill/pageserver/internal/layer"
	"github.com/swaingotnochill/pageserver/internal/pserrors"
	"github.com/swaingotnochill/pageserver/internal/pstypes"
)

// Put appends (key, lsn, value) to the open layer, consulting the roll
// decision first (§4.2). A single logical writer per timeline is
// assumed; the caller (the WAL receiver, out of scope here) serializes
// concurrent calls.
func (t *Timeline) Put(key pstypes.Key, lsn pstypes.Lsn, value pstypes.Value) error {
	if !lsn.Aligned() {
		return pserrors.NewBadRequest("lsn %s is not aligned", lsn)
	}
	if lsn < t.prevRecordLsn && t.prevRecordLsn.Valid() {
		return pserrors.NewBadRequest("lsn %s is below prior lsn %s", lsn, t.prevRecordLsn)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.prevRecordLsn != lsn {
		// We are at a record boundary (prev_lsn != current_lsn);
		// rolling is only ever considered here, never mid-record
		// (§4.2 "rolling never happens mid-record").
		if t.shouldRoll(lsn, value.Size()) {
			t.rollOpenLayer(lsn)
		}
	}

	open := t.layers.Open()
	if open == nil {
		open = t.openNewLayer(lsn)
	}
	open.Put(key, lsn, value)
	t.prevRecordLsn = lsn
	return nil
}

// shouldRoll evaluates the three roll-decision conditions of §4.2.
func (t *Timeline) shouldRoll(projectedLsn pstypes.Lsn, extraSize int) bool {
	open := t.layers.Open()
	if open == nil {
		return false
	}
	conf := t.conf.Get()
	shardCount := uint64(1) // single-shard core; sharding lives in the tenant manager

	distance := projectedLsn.Diff(t.lastFreezeAt)
	if distance >= 0 && uint64(distance) >= conf.CheckpointDistance*shardCount {
		return true
	}
	if uint64(open.Size()+extraSize) >= conf.CheckpointDistance {
		return true
	}
	if distance > 0 && time.Since(t.openedAt) >= conf.CheckpointTimeout {
		return true
	}
	return false
}

// rollOpenLayer freezes the current open layer at lsn and immediately
// opens a fresh one, notifying the flush loop of the new frozen queue
// entry.
func (t *Timeline) rollOpenLayer(lsn pstypes.Lsn) {
	frozen := t.layers.Freeze(lsn)
	if frozen == nil {
		return
	}
	t.lastFreezeAt = lsn
	t.openedAt = time.Now()
	t.openNewLayer(lsn)
	t.flush.notify(lsn)
}

func (t *Timeline) openNewLayer(startLsn pstypes.Lsn) *layer.OpenLayer {
	open := layer.NewOpenLayer(t.fullKeyRange(), startLsn)
	t.layers.SetOpen(open)
	return open
}

// fullKeyRange is the open layer's key-range ceiling; the core treats
// the whole keyspace as one rectangle since shard-local key-range
// narrowing is a tenant/shard-manager concern (out of scope per §1).
func (t *Timeline) fullKeyRange() pstypes.KeyRange {
	var end pstypes.Key
	for i := range end {
		end[i] = 0xff
	}
	return pstypes.KeyRange{Start: pstypes.Key{}, End: end}
}

// FinishWrite advances last_record_lsn.last to newLsn and wakes any
// waiters (§4.2). newLsn must be aligned. Gap advance (§4.2) is handled
// by a periodic ticker inside the flush loop, not here — see flush.go.
func (t *Timeline) FinishWrite(newLsn pstypes.Lsn) error {
	if !newLsn.Aligned() {
		return pserrors.NewBadRequest("lsn %s is not aligned", newLsn)
	}
	t.lastRecordLsn.Advance(uint64(newLsn))
	return nil
}
