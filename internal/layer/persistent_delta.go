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

	"github.com/VictoriaMetrics/fastcache"
	"github.com/swaingotnochill/pageserver/internal/pstypes"
)

// PersistentDeltaLayer is a durable layer holding WAL records (and
// optionally images) over a half-open lsn_range. It may be resident
// (block cached locally) or evicted (block only in remote storage).
type PersistentDeltaLayer struct {
	persistentCommon
}

// NewPersistentDeltaLayer creates a delta layer and writes its block
// through store. recs must already be sorted by (key, lsn).
func NewPersistentDeltaLayer(desc Descriptor, store Store, clean *fastcache.Cache, recs []record) (*PersistentDeltaLayer, error) {
	if !desc.IsDelta {
		return nil, fmt.Errorf("layer: descriptor is not a delta layer")
	}
	l := &PersistentDeltaLayer{persistentCommon: persistentCommon{
		baseLayer: baseLayer{keyRange: desc.KeyRange, lsnRange: desc.LsnRange, isDelta: true},
		desc:      desc,
		store:     store,
		clean:     clean,
		blockKey:  blockStoreKey(desc),
	}}
	if err := l.writeBlock(recs); err != nil {
		return nil, err
	}
	return l, nil
}

// NewPersistentDeltaLayerFromEntries adapts a set of exported Entry
// values into a sorted record block and writes it, sparing callers
// outside this package from needing direct access to the unexported
// record type.
func NewPersistentDeltaLayerFromEntries(desc Descriptor, store Store, clean *fastcache.Cache, entries []Entry) (*PersistentDeltaLayer, error) {
	recs := make([]record, len(entries))
	for i, e := range entries {
		recs[i] = record{key: e.Key, lsn: e.Lsn, value: e.Value}
	}
	sortRecords(recs)
	return NewPersistentDeltaLayer(desc, store, clean, recs)
}

// OpenPersistentDeltaLayer wraps an existing on-disk/remote block as a
// handle without rewriting it (used when loading an index part).
func OpenPersistentDeltaLayer(desc Descriptor, store Store, clean *fastcache.Cache) (*PersistentDeltaLayer, error) {
	if !desc.IsDelta {
		return nil, fmt.Errorf("layer: descriptor is not a delta layer")
	}
	return &PersistentDeltaLayer{persistentCommon: persistentCommon{
		baseLayer: baseLayer{keyRange: desc.KeyRange, lsnRange: desc.LsnRange, isDelta: true},
		desc:      desc,
		store:     store,
		clean:     clean,
		blockKey:  blockStoreKey(desc),
	}}, nil
}

func (l *PersistentDeltaLayer) Descriptor() Descriptor { return l.desc }

func (l *PersistentDeltaLayer) GetValueReconstructData(key pstypes.Key, contLsn pstypes.Lsn, acc Accumulator) (ReconstructResult, pstypes.Lsn, error) {
	if !l.keyRange.Contains(key) {
		return ResultMissing, l.lsnRange.Start, nil
	}
	recs, err := l.readBlock()
	if err != nil {
		return ResultMissing, l.lsnRange.Start, err
	}
	res, floor := replayWindow(recs, key, l.lsnRange.Start, contLsn, l.lsnRange.Start, acc)
	return res, floor, nil
}

func (l *PersistentDeltaLayer) String() string {
	return fmt.Sprintf("PersistentDelta{%s}", l.desc)
}

// EntriesUpTo decodes this layer's block and returns every record with
// lsn <= cutoff as exported Entry values, used by detach-ancestor to
// rewrite a layer straddling the branch point (§4.6).
func (l *PersistentDeltaLayer) EntriesUpTo(cutoff pstypes.Lsn) ([]Entry, error) {
	recs, err := l.readBlock()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(recs))
	for _, r := range recs {
		if r.lsn > cutoff {
			continue
		}
		out = append(out, Entry{Key: r.key, Lsn: r.lsn, Value: r.value})
	}
	return out, nil
}
