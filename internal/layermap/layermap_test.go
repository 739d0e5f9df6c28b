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

package layermap

import (
	"testing"

	"github.com/swaingotnochill/pageserver/internal/layer"
	"github.com/swaingotnochill/pageserver/internal/pstypes"
)

func keyAt(b byte) pstypes.Key {
	var k pstypes.Key
	k[17] = b
	return k
}

func fullRange() pstypes.KeyRange {
	return pstypes.KeyRange{Start: keyAt(0), End: keyAt(255)}
}

func newDeltaAt(t *testing.T, kr pstypes.KeyRange, lr pstypes.LsnRange, gen uint64) (layer.Descriptor, layer.Layer) {
	t.Helper()
	store := layer.NewMemStore()
	desc := layer.Descriptor{KeyRange: kr, LsnRange: lr, IsDelta: true, Generation: gen}
	l, err := layer.NewPersistentDeltaLayerFromEntries(desc, store, nil, nil)
	if err != nil {
		t.Fatalf("NewPersistentDeltaLayerFromEntries: %v", err)
	}
	return desc, l
}

func TestSearchPrefersNewestCoveringLayer(t *testing.T) {
	m := New()
	oldDesc, old := newDeltaAt(t, fullRange(), pstypes.LsnRange{Start: 0, End: 50}, 1)
	newDesc, newer := newDeltaAt(t, fullRange(), pstypes.LsnRange{Start: 50, End: 100}, 2)
	m.Insert(oldDesc, old)
	m.Insert(newDesc, newer)

	found, floor, ok := m.Search(keyAt(5), 70)
	if !ok {
		t.Fatalf("expected a covering layer")
	}
	if found != newer {
		t.Fatalf("expected the newer layer to win, got %s", found)
	}
	if floor != 50 {
		t.Fatalf("expected lsn_floor 50, got %s", floor)
	}
}

func TestSearchOpenLayerBeatsPersistent(t *testing.T) {
	m := New()
	desc, persistent := newDeltaAt(t, fullRange(), pstypes.LsnRange{Start: 0, End: 100}, 1)
	m.Insert(desc, persistent)

	open := layer.NewOpenLayer(fullRange(), 100)
	open.Put(keyAt(5), 100, pstypes.NewImageValue([]byte("open-value")))
	m.SetOpen(open)

	found, _, ok := m.Search(keyAt(5), 100)
	if !ok || found != layer.Layer(open) {
		t.Fatalf("expected the open layer to win the search, got %v ok=%v", found, ok)
	}
}

func TestSearchReturnsFalseWhenUncovered(t *testing.T) {
	m := New()
	_, _, found := m.Search(keyAt(5), 10)
	if found {
		t.Fatalf("expected no layer to cover an empty map")
	}
}

func TestFreezeMovesOpenLayerToFrozenQueue(t *testing.T) {
	m := New()
	open := layer.NewOpenLayer(fullRange(), 100)
	open.Put(keyAt(5), 100, pstypes.NewImageValue([]byte("v")))
	m.SetOpen(open)

	frozen := m.Freeze(150)
	if frozen == nil {
		t.Fatalf("expected Freeze to return the new frozen layer")
	}
	if m.Open() != nil {
		t.Fatalf("expected the open slot to be cleared after Freeze")
	}
	if m.FrozenLen() != 1 {
		t.Fatalf("expected one queued frozen layer, got %d", m.FrozenLen())
	}
	if m.FrontFrozen() != frozen {
		t.Fatalf("expected FrontFrozen to return the just-frozen layer")
	}
}

func TestFrozenQueueIsFIFO(t *testing.T) {
	m := New()
	o1 := layer.NewOpenLayer(fullRange(), 0)
	m.SetOpen(o1)
	f1 := m.Freeze(10)

	o2 := layer.NewOpenLayer(fullRange(), 10)
	m.SetOpen(o2)
	f2 := m.Freeze(20)

	if m.FrozenLen() != 2 {
		t.Fatalf("expected 2 queued frozen layers, got %d", m.FrozenLen())
	}
	popped := m.PopFrozen()
	if popped != f1 {
		t.Fatalf("expected the oldest frozen layer to pop first")
	}
	if m.PopFrozen() != f2 {
		t.Fatalf("expected the second frozen layer to pop next")
	}
	if m.PopFrozen() != nil {
		t.Fatalf("expected PopFrozen to return nil once the queue is empty")
	}
}

func TestReplaceIsAtomicSwap(t *testing.T) {
	m := New()
	oldDesc, old := newDeltaAt(t, fullRange(), pstypes.LsnRange{Start: 0, End: 50}, 1)
	m.Insert(oldDesc, old)

	newDesc, newer := newDeltaAt(t, fullRange(), pstypes.LsnRange{Start: 0, End: 50}, 2)
	m.Replace([]layer.Descriptor{oldDesc}, map[layer.Descriptor]layer.Layer{newDesc: newer})

	all := m.AllPersistent()
	if _, ok := all[oldDesc]; ok {
		t.Fatalf("expected the old descriptor to be removed")
	}
	if _, ok := all[newDesc]; !ok {
		t.Fatalf("expected the new descriptor to be present")
	}
}

func TestRangeSearchPartitionsDisjointSlices(t *testing.T) {
	m := New()
	leftKr := pstypes.KeyRange{Start: keyAt(0), End: keyAt(50)}
	rightKr := pstypes.KeyRange{Start: keyAt(50), End: keyAt(100)}
	leftDesc, left := newDeltaAt(t, leftKr, pstypes.LsnRange{Start: 0, End: 50}, 1)
	rightDesc, right := newDeltaAt(t, rightKr, pstypes.LsnRange{Start: 0, End: 50}, 1)
	m.Insert(leftDesc, left)
	m.Insert(rightDesc, right)

	results := m.RangeSearch(pstypes.KeyRange{Start: keyAt(0), End: keyAt(100)}, 10)
	if len(results) != 2 {
		t.Fatalf("expected 2 disjoint slices, got %d: %+v", len(results), results)
	}
	if results[0].Layer != left || results[1].Layer != right {
		t.Fatalf("expected left/right slices to map to their respective layers")
	}
}

func TestRangeSearchReportsUncoveredGap(t *testing.T) {
	m := New()
	leftKr := pstypes.KeyRange{Start: keyAt(0), End: keyAt(30)}
	leftDesc, left := newDeltaAt(t, leftKr, pstypes.LsnRange{Start: 0, End: 50}, 1)
	m.Insert(leftDesc, left)

	results := m.RangeSearch(pstypes.KeyRange{Start: keyAt(0), End: keyAt(100)}, 10)
	var sawGap bool
	for _, r := range results {
		if r.Layer == nil {
			sawGap = true
		}
	}
	if !sawGap {
		t.Fatalf("expected at least one uncovered slice, got %+v", results)
	}
}

func TestImageCoverage(t *testing.T) {
	m := New()
	store := layer.NewMemStore()
	kr := fullRange()
	img, err := layer.NewPersistentImageLayer(kr, 50, 1, store, nil, map[pstypes.Key][]byte{keyAt(1): []byte("x")})
	if err != nil {
		t.Fatalf("NewPersistentImageLayer: %v", err)
	}
	m.Insert(img.Descriptor(), img)

	if !m.ImageCoverage(kr, 0, 100) {
		t.Fatalf("expected ImageCoverage to find the image layer")
	}
	if m.ImageCoverage(kr, 60, 100) {
		t.Fatalf("expected ImageCoverage to reject an image below the floor")
	}
}

func TestCountDeltasStopsAtThreshold(t *testing.T) {
	m := New()
	kr := fullRange()
	for i := uint64(0); i < 5; i++ {
		desc, l := newDeltaAt(t, kr, pstypes.LsnRange{Start: pstypes.Lsn(i * 10), End: pstypes.Lsn(i*10 + 10)}, i)
		m.Insert(desc, l)
	}
	count := m.CountDeltas(kr, pstypes.LsnRange{Start: 0, End: 50}, 3)
	if count != 3 {
		t.Fatalf("expected CountDeltas to stop at the threshold 3, got %d", count)
	}
}
