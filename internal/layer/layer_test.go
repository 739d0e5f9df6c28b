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
	"testing"

	"github.com/swaingotnochill/pageserver/internal/pstypes"
)

func keyAt(b byte) pstypes.Key {
	var k pstypes.Key
	k[17] = b
	return k
}

// fakeAcc is a minimal Accumulator for layer-level tests, independent
// of the real reconstruct.State.
type fakeAcc struct {
	image   []byte
	hasImg  bool
	records []pstypes.WalRecord
}

func (a *fakeAcc) SetImage(image []byte) {
	if !a.hasImg {
		a.image = image
		a.hasImg = true
	}
}

func (a *fakeAcc) AppendRecord(lsn pstypes.Lsn, rec pstypes.WalRecord) {
	a.records = append(a.records, rec)
}

func TestOpenLayerPutAndReconstruct(t *testing.T) {
	kr := pstypes.KeyRange{Start: keyAt(0), End: keyAt(255)}
	l := NewOpenLayer(kr, 100)

	k := keyAt(10)
	l.Put(k, 100, pstypes.NewImageValue([]byte("base")))
	l.Put(k, 108, pstypes.NewRecordValue(pstypes.WalRecord{Payload: []byte("delta1")}))

	acc := &fakeAcc{}
	res, _, err := l.GetValueReconstructData(k, 200, acc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != ResultComplete {
		t.Fatalf("expected ResultComplete, got %v", res)
	}
	if string(acc.image) != "base" {
		t.Fatalf("expected base image, got %q", acc.image)
	}
	if len(acc.records) != 1 || string(acc.records[0].Payload) != "delta1" {
		t.Fatalf("expected one delta record, got %+v", acc.records)
	}
}

func TestOpenLayerFreezeProducesImmutableSnapshot(t *testing.T) {
	kr := pstypes.KeyRange{Start: keyAt(0), End: keyAt(255)}
	l := NewOpenLayer(kr, 100)
	k := keyAt(10)
	l.Put(k, 100, pstypes.NewImageValue([]byte("base")))

	frozen := l.Freeze(150)
	if frozen.LsnRange().End != 150 {
		t.Fatalf("expected frozen lsn_range to end at the freeze point, got %s", frozen.LsnRange())
	}

	// Further Puts on the original open layer must not affect the
	// already-frozen snapshot.
	l.Put(k, 140, pstypes.NewRecordValue(pstypes.WalRecord{Payload: []byte("later")}))

	acc := &fakeAcc{}
	if _, _, err := frozen.GetValueReconstructData(k, 200, acc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(acc.image) != "base" {
		t.Fatalf("frozen snapshot observed a post-freeze write: got image %q", acc.image)
	}
}

func TestPersistentDeltaLayerRoundTrip(t *testing.T) {
	store := NewMemStore()
	k := keyAt(5)
	entries := []Entry{
		{Key: k, Lsn: 10, Value: pstypes.NewImageValue([]byte("img10"))},
		{Key: k, Lsn: 20, Value: pstypes.NewRecordValue(pstypes.WalRecord{Payload: []byte("rec20")})},
	}
	desc := Descriptor{
		KeyRange: pstypes.KeyRange{Start: keyAt(0), End: keyAt(255)},
		LsnRange: pstypes.LsnRange{Start: 10, End: 30},
		IsDelta:  true,
	}
	delta, err := NewPersistentDeltaLayerFromEntries(desc, store, nil, entries)
	if err != nil {
		t.Fatalf("NewPersistentDeltaLayerFromEntries: %v", err)
	}

	acc := &fakeAcc{}
	res, _, err := delta.GetValueReconstructData(k, 30, acc)
	if err != nil {
		t.Fatalf("GetValueReconstructData: %v", err)
	}
	if res != ResultComplete {
		t.Fatalf("expected ResultComplete, got %v", res)
	}
	if string(acc.image) != "img10" {
		t.Fatalf("expected img10, got %q", acc.image)
	}
	if len(acc.records) != 1 || string(acc.records[0].Payload) != "rec20" {
		t.Fatalf("expected rec20 record, got %+v", acc.records)
	}
}

func TestPersistentDeltaLayerKeyOutsideRangeIsMissing(t *testing.T) {
	store := NewMemStore()
	desc := Descriptor{
		KeyRange: pstypes.KeyRange{Start: keyAt(0), End: keyAt(100)},
		LsnRange: pstypes.LsnRange{Start: 10, End: 30},
		IsDelta:  true,
	}
	delta, err := NewPersistentDeltaLayerFromEntries(desc, store, nil, nil)
	if err != nil {
		t.Fatalf("NewPersistentDeltaLayerFromEntries: %v", err)
	}

	acc := &fakeAcc{}
	res, _, err := delta.GetValueReconstructData(keyAt(200), 30, acc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != ResultMissing {
		t.Fatalf("expected ResultMissing for an out-of-range key, got %v", res)
	}
}

func TestPersistentImageLayerRoundTrip(t *testing.T) {
	store := NewMemStore()
	k := keyAt(7)
	images := map[pstypes.Key][]byte{k: []byte("image-at-50")}
	kr := pstypes.KeyRange{Start: keyAt(0), End: keyAt(255)}

	img, err := NewPersistentImageLayer(kr, 50, 1, store, nil, images)
	if err != nil {
		t.Fatalf("NewPersistentImageLayer: %v", err)
	}

	acc := &fakeAcc{}
	res, _, err := img.GetValueReconstructData(k, 100, acc)
	if err != nil {
		t.Fatalf("GetValueReconstructData: %v", err)
	}
	if res != ResultComplete || string(acc.image) != "image-at-50" {
		t.Fatalf("expected complete with image-at-50, got %v %q", res, acc.image)
	}
}

func TestPersistentImageLayerBeforeItsLsnIsMissing(t *testing.T) {
	store := NewMemStore()
	k := keyAt(7)
	kr := pstypes.KeyRange{Start: keyAt(0), End: keyAt(255)}
	img, err := NewPersistentImageLayer(kr, 50, 1, store, nil, map[pstypes.Key][]byte{k: []byte("x")})
	if err != nil {
		t.Fatalf("NewPersistentImageLayer: %v", err)
	}

	acc := &fakeAcc{}
	res, _, err := img.GetValueReconstructData(k, 50, acc) // contLsn == layer lsn: not yet visible
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != ResultMissing {
		t.Fatalf("expected ResultMissing when contLsn <= image lsn, got %v", res)
	}
}

func TestPersistentCommonEvictAndDownload(t *testing.T) {
	store := NewMemStore()
	desc := Descriptor{
		KeyRange: pstypes.KeyRange{Start: keyAt(0), End: keyAt(255)},
		LsnRange: pstypes.LsnRange{Start: 10, End: 30},
		IsDelta:  true,
	}
	delta, err := NewPersistentDeltaLayerFromEntries(desc, store, nil, nil)
	if err != nil {
		t.Fatalf("NewPersistentDeltaLayerFromEntries: %v", err)
	}
	if !delta.IsResident() {
		t.Fatalf("expected newly-written layer to be resident")
	}

	delta.AcquireEvictGuard()
	if err := delta.Evict(); err == nil {
		t.Fatalf("expected Evict to fail while a guard is held")
	}
	delta.ReleaseEvictGuard()

	if err := delta.Evict(); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if delta.IsResident() {
		t.Fatalf("expected layer to be non-resident after Evict")
	}

	if err := delta.Download(); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !delta.IsResident() {
		t.Fatalf("expected layer to be resident after Download")
	}
}

func TestEntriesUpToFiltersByCutoff(t *testing.T) {
	store := NewMemStore()
	k := keyAt(3)
	entries := []Entry{
		{Key: k, Lsn: 10, Value: pstypes.NewImageValue([]byte("a"))},
		{Key: k, Lsn: 20, Value: pstypes.NewRecordValue(pstypes.WalRecord{Payload: []byte("b")})},
		{Key: k, Lsn: 30, Value: pstypes.NewRecordValue(pstypes.WalRecord{Payload: []byte("c")})},
	}
	desc := Descriptor{
		KeyRange: pstypes.KeyRange{Start: keyAt(0), End: keyAt(255)},
		LsnRange: pstypes.LsnRange{Start: 10, End: 40},
		IsDelta:  true,
	}
	delta, err := NewPersistentDeltaLayerFromEntries(desc, store, nil, entries)
	if err != nil {
		t.Fatalf("NewPersistentDeltaLayerFromEntries: %v", err)
	}

	out, err := delta.EntriesUpTo(20)
	if err != nil {
		t.Fatalf("EntriesUpTo: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 entries at or below cutoff 20, got %d", len(out))
	}
	for _, e := range out {
		if e.Lsn > 20 {
			t.Fatalf("EntriesUpTo leaked an entry above the cutoff: %+v", e)
		}
	}
}
