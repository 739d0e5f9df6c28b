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

// Package layermap implements the geometric index over a timeline's
// persistent layers described in §4.1: point search ("newest layer
// covering (key, lsn)"), range search (a disjoint partition of a key
// range with the newest layer per slice), image coverage, and bounded
// delta counting, plus the single open layer and its frozen queue.
//
// The lookup machinery here generalizes the teacher's own
// triedb/pathdb/layertree.go ("newest layer for a state root") and
// triedb/pathdb/lookup.go (an incrementally rebuilt "tip" index) from a
// tree of whole-state diffs keyed by state root to a set of
// independent key_range x lsn_range rectangles keyed by (key, lsn).
package layermap

import (
	"sort"
	"sync"

	"github.com/swaingotnochill/pageserver/internal/layer"
	"github.com/swaingotnochill/pageserver/internal/pstypes"
)

// LayerMap is the index described above. It is safe for concurrent use;
// callers must not hold the write lock across an I/O await (§5).
type LayerMap struct {
	mu         sync.RWMutex
	persistent map[layer.Descriptor]layer.Layer // every descriptor has a handle (§3 invariant)
	open       *layer.OpenLayer
	frozen     []*layer.FrozenLayer // oldest at index 0; flush pops from the front
}

// New returns an empty LayerMap.
func New() *LayerMap {
	return &LayerMap{persistent: make(map[layer.Descriptor]layer.Layer)}
}

// Insert adds a persistent layer to the map.
func (m *LayerMap) Insert(desc layer.Descriptor, handle layer.Layer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persistent[desc] = handle
}

// Remove drops a persistent layer from the map.
func (m *LayerMap) Remove(desc layer.Descriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.persistent, desc)
}

// Replace atomically swaps a set of old descriptors for a set of new
// ones, used by compaction and GC (§4.1). Descriptors present in both
// old and new are left alone (idempotent layers survive unchanged).
func (m *LayerMap) Replace(remove []layer.Descriptor, add map[layer.Descriptor]layer.Layer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keep := make(map[layer.Descriptor]bool, len(add))
	for d := range add {
		keep[d] = true
	}
	for _, d := range remove {
		if keep[d] {
			continue
		}
		delete(m.persistent, d)
	}
	for d, h := range add {
		m.persistent[d] = h
	}
}

// SetOpen installs the open layer, which must be nil beforehand (the
// open slot is singular).
func (m *LayerMap) SetOpen(l *layer.OpenLayer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = l
}

// Open returns the current open layer, or nil if none.
func (m *LayerMap) Open() *layer.OpenLayer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.open
}

// Freeze atomically moves the open layer to the back of the frozen
// queue at lsnEnd and clears the open slot, per §4.1 "frozen queue
// ordering".
func (m *LayerMap) Freeze(lsnEnd pstypes.Lsn) *layer.FrozenLayer {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.open == nil {
		return nil
	}
	frozen := m.open.Freeze(lsnEnd)
	m.open = nil
	m.frozen = append(m.frozen, frozen)
	return frozen
}

// FrontFrozen returns the oldest frozen layer without removing it, or
// nil if the queue is empty.
func (m *LayerMap) FrontFrozen() *layer.FrozenLayer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.frozen) == 0 {
		return nil
	}
	return m.frozen[0]
}

// PopFrozen removes and returns the oldest frozen layer, used once the
// flush loop has durably written it.
func (m *LayerMap) PopFrozen() *layer.FrozenLayer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.frozen) == 0 {
		return nil
	}
	f := m.frozen[0]
	m.frozen = m.frozen[1:]
	return f
}

// FrozenLen returns the number of queued frozen layers.
func (m *LayerMap) FrozenLen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.frozen)
}

// searchableLayers returns, newest-first, every in-memory and
// persistent layer whose rectangle could answer a query at lsn: open,
// then frozen (newest-queued first), then persistent layers sorted by
// lsn_range.end descending with descriptor order as a deterministic
// tie-break (§4.1 "tie-break ... by descriptor order").
func (m *LayerMap) searchableLayers() []layer.Layer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []layer.Layer
	if m.open != nil {
		out = append(out, m.open)
	}
	for i := len(m.frozen) - 1; i >= 0; i-- {
		out = append(out, m.frozen[i])
	}

	type entry struct {
		desc layer.Descriptor
		l    layer.Layer
	}
	persistent := make([]entry, 0, len(m.persistent))
	for d, l := range m.persistent {
		persistent = append(persistent, entry{desc: d, l: l})
	}
	sort.Slice(persistent, func(i, j int) bool {
		a, b := persistent[i].desc, persistent[j].desc
		if a.LsnRange.End != b.LsnRange.End {
			return a.LsnRange.End > b.LsnRange.End
		}
		return descriptorLess(a, b)
	})
	for _, e := range persistent {
		out = append(out, e.l)
	}
	return out
}

func descriptorLess(a, b layer.Descriptor) bool {
	if a.KeyRange.Start.Compare(b.KeyRange.Start) != 0 {
		return a.KeyRange.Start.Less(b.KeyRange.Start)
	}
	if a.LsnRange.Start != b.LsnRange.Start {
		return a.LsnRange.Start < b.LsnRange.Start
	}
	return a.Generation < b.Generation
}

// Search performs the point search of §4.1: given (key, lsn), find the
// newest layer whose rectangle contains the point and the lsn_floor it
// guarantees. The second return value is false if no layer covers the
// point.
func (m *LayerMap) Search(key pstypes.Key, lsn pstypes.Lsn) (layer.Layer, pstypes.Lsn, bool) {
	for _, l := range m.searchableLayers() {
		if !l.KeyRange().Contains(key) {
			continue
		}
		lr := l.LsnRange()
		if lsn < lr.Start || lsn >= lr.End {
			continue
		}
		return l, lr.Start, true
	}
	return nil, pstypes.InvalidLsn, false
}

// RangeResult is one slice of a range search's disjoint partition.
type RangeResult struct {
	KeyRange pstypes.KeyRange
	Layer    layer.Layer // nil if no layer covers this slice
	LsnFloor pstypes.Lsn
}

// RangeSearch partitions keyRange into disjoint sub-ranges, each
// annotated with the newest layer covering it at lsn (§4.1). Slices
// with no covering layer are reported with Layer == nil.
func (m *LayerMap) RangeSearch(keyRange pstypes.KeyRange, lsn pstypes.Lsn) []RangeResult {
	bounds := map[pstypes.Key]struct{}{keyRange.Start: {}, keyRange.End: {}}

	layers := m.searchableLayers()
	relevant := make([]layer.Layer, 0, len(layers))
	for _, l := range layers {
		kr := l.KeyRange()
		if !kr.Overlaps(keyRange) {
			continue
		}
		lr := l.LsnRange()
		if lsn < lr.Start || lsn >= lr.End {
			continue
		}
		relevant = append(relevant, l)
		if kr.Start.Compare(keyRange.Start) > 0 && kr.Start.Less(keyRange.End) {
			bounds[kr.Start] = struct{}{}
		}
		if kr.End.Less(keyRange.End) {
			bounds[kr.End] = struct{}{}
		}
	}

	sortedBounds := make([]pstypes.Key, 0, len(bounds))
	for b := range bounds {
		sortedBounds = append(sortedBounds, b)
	}
	sort.Slice(sortedBounds, func(i, j int) bool { return sortedBounds[i].Less(sortedBounds[j]) })

	var results []RangeResult
	for i := 0; i+1 < len(sortedBounds); i++ {
		slice := pstypes.KeyRange{Start: sortedBounds[i], End: sortedBounds[i+1]}
		if slice.Empty() {
			continue
		}
		var newest layer.Layer
		var newestFloor pstypes.Lsn
		for _, l := range relevant {
			if !l.KeyRange().Contains(slice.Start) {
				continue
			}
			lr := l.LsnRange()
			if newest == nil || lr.End > newest.LsnRange().End ||
				(lr.End == newest.LsnRange().End && descriptorOrderLess(l, newest)) {
				newest = l
				newestFloor = lr.Start
			}
		}
		results = append(results, RangeResult{KeyRange: slice, Layer: newest, LsnFloor: newestFloor})
	}
	return results
}

// descriptorOrderLess provides a deterministic tie-break between two
// layers with equal lsn_range.end when no persistent Descriptor is
// available for in-memory layers (open/frozen sort ahead of any
// persistent layer with the same end, since in-memory data is always
// newer).
func descriptorOrderLess(a, b layer.Layer) bool {
	ad, aok := a.(interface{ Descriptor() layer.Descriptor })
	bd, bok := b.(interface{ Descriptor() layer.Descriptor })
	switch {
	case !aok && !bok:
		return false
	case !aok:
		return true
	case !bok:
		return false
	default:
		return descriptorLess(ad.Descriptor(), bd.Descriptor())
	}
}

// ImageCoverage reports whether a single image layer fully covers
// keyRange with an lsn_range.start in [floor, lsn) — used by the
// image-layer creation decision of §4.5 to decide whether a fresh image
// layer is warranted, and by GC's "no newer image layer fully covers
// its key range" retention clause.
func (m *LayerMap) ImageCoverage(keyRange pstypes.KeyRange, floor, lsn pstypes.Lsn) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for d := range m.persistent {
		if d.IsDelta {
			continue
		}
		if d.LsnRange.Start < floor || d.LsnRange.Start >= lsn {
			continue
		}
		if coversKeyRange(d.KeyRange, keyRange) {
			return true
		}
	}
	return false
}

func coversKeyRange(cover, target pstypes.KeyRange) bool {
	return cover.Start.Compare(target.Start) <= 0 && target.End.Compare(cover.End) <= 0
}

// CountDeltas counts persistent delta layers intersecting keyRange and
// lsnRange, stopping early once threshold is reached (§4.1).
func (m *LayerMap) CountDeltas(keyRange pstypes.KeyRange, lsnRange pstypes.LsnRange, threshold int) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for d := range m.persistent {
		if !d.IsDelta {
			continue
		}
		if !d.KeyRange.Overlaps(keyRange) || !d.LsnRange.Overlaps(lsnRange) {
			continue
		}
		count++
		if count >= threshold {
			return count
		}
	}
	return count
}

// AllPersistent returns every persistent descriptor currently indexed,
// used by GC and compaction to enumerate candidates.
func (m *LayerMap) AllPersistent() map[layer.Descriptor]layer.Layer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[layer.Descriptor]layer.Layer, len(m.persistent))
	for d, l := range m.persistent {
		out[d] = l
	}
	return out
}
