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

// Package layer implements the four Layer variants of §3/§9: Open and
// Frozen in-memory layers, and PersistentDelta/PersistentImage layers.
// A layer is a contiguous (key_range x lsn_range) rectangle of history.
package layer

import (
	"sort"
	"sync"

	"github.com/swaingotnochill/pageserver/internal/pstypes"
)

// ReconstructResult is the outcome of asking a layer for reconstruct
// data over a query window, mirroring §4.3 step 2.
type ReconstructResult int

const (
	// ResultComplete means a base image was found; no earlier records
	// are needed.
	ResultComplete ReconstructResult = iota
	// ResultContinue means some records were appended to the
	// accumulator and the search must continue at a lower lsn_floor.
	ResultContinue
	// ResultMissing means the layer holds no data for the key.
	ResultMissing
)

// Accumulator is the minimal interface a layer needs against a
// reconstruct.State to stay decoupled from the reconstruct package
// (which itself depends on nothing layer-specific).
type Accumulator interface {
	SetImage(image []byte)
	AppendRecord(lsn pstypes.Lsn, rec pstypes.WalRecord)
}

// Layer is the sum-type interface implemented by all four variants.
type Layer interface {
	KeyRange() pstypes.KeyRange
	LsnRange() pstypes.LsnRange
	IsDelta() bool

	// GetValueReconstructData collects reconstruct data for key over
	// the window [lsnFloor, contLsn) into acc, returning the
	// traversal signal and the lsn_floor this layer guarantees the
	// caller can stop searching at (or resume the parent search from).
	GetValueReconstructData(key pstypes.Key, contLsn pstypes.Lsn, acc Accumulator) (ReconstructResult, pstypes.Lsn, error)

	// String returns a short human-readable descriptor, used in log
	// lines and traversal breadcrumbs.
	String() string
}

// Resident is implemented by the two persistent layer variants; it
// exposes the download/evict lifecycle described in §3.
type Resident interface {
	Layer
	IsResident() bool
	Evict() error
	Download() error
}

// record is one logged (lsn, value) pair held by the in-memory variants
// and by a persistent delta layer's decoded block.
type record struct {
	key   pstypes.Key
	lsn   pstypes.Lsn
	value pstypes.Value
}

// Entry is the exported shape of record, used by callers outside this
// package (the flush loop) to hand a frozen layer's contents to a
// persistent-layer constructor without reaching into unexported fields.
type Entry struct {
	Key   pstypes.Key
	Lsn   pstypes.Lsn
	Value pstypes.Value
}

// sortRecords orders records primarily by key then by lsn, the shape
// every persistent delta layer's on-disk block is written in so that
// range scans and point lookups both binary-search efficiently. This
// mirrors the aggregate-then-sort-on-flush idiom of the teacher's own
// buffer.commit/flush pair (triedb/pathdb/buffer.go), generalized from
// a single dirty-state buffer to a per-layer record list.
func sortRecords(recs []record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].key != recs[j].key {
			return recs[i].key.Less(recs[j].key)
		}
		return recs[i].lsn < recs[j].lsn
	})
}

// lookup does a binary search for all records belonging to key within
// recs (already sorted by sortRecords), returning the slice of matches
// still sorted by ascending lsn.
func lookup(recs []record, key pstypes.Key) []record {
	lo := sort.Search(len(recs), func(i int) bool { return !recs[i].key.Less(key) })
	hi := lo
	for hi < len(recs) && recs[hi].key == key {
		hi++
	}
	return recs[lo:hi]
}

// replayWindow feeds the records for key whose lsn lies in
// [lsnFloor, contLsn) into acc, newest-first, stopping at (and
// including) the first image. It returns the traversal signal and the
// floor the caller should resume the parent search at if no image was
// found in this layer.
func replayWindow(recs []record, key pstypes.Key, lsnFloor, contLsn pstypes.Lsn, rangeStart pstypes.Lsn, acc Accumulator) (ReconstructResult, pstypes.Lsn) {
	matches := lookup(recs, key)
	found := false
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		if m.lsn >= contLsn {
			continue
		}
		if m.lsn < lsnFloor {
			break
		}
		found = true
		if m.value.IsImage {
			acc.SetImage(m.value.Image)
			return ResultComplete, rangeStart
		}
		acc.AppendRecord(m.lsn, m.value.Record)
		if m.value.Record.WillInit {
			return ResultComplete, rangeStart
		}
	}
	if !found {
		return ResultMissing, rangeStart
	}
	return ResultContinue, rangeStart
}

// baseLayer holds the fields common to every variant and implements
// the parts of Layer that never vary.
type baseLayer struct {
	keyRange pstypes.KeyRange
	lsnRange pstypes.LsnRange
	isDelta  bool
	mu       sync.RWMutex
}

func (b *baseLayer) KeyRange() pstypes.KeyRange { return b.keyRange }
func (b *baseLayer) LsnRange() pstypes.LsnRange { return b.lsnRange }
func (b *baseLayer) IsDelta() bool              { return b.isDelta }
