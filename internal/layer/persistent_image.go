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

// PersistentImageLayer is a durable layer holding full page images at a
// single LSN L, with lsn_range = [L, L+1) (§3).
type PersistentImageLayer struct {
	persistentCommon
}

// NewPersistentImageLayer creates an image layer at lsn and writes its
// block through store.
func NewPersistentImageLayer(keyRange pstypes.KeyRange, lsn pstypes.Lsn, generation uint64, store Store, clean *fastcache.Cache, images map[pstypes.Key][]byte) (*PersistentImageLayer, error) {
	desc := Descriptor{
		KeyRange:   keyRange,
		LsnRange:   pstypes.LsnRange{Start: lsn, End: lsn.Add(1)},
		IsDelta:    false,
		Generation: generation,
	}
	recs := make([]record, 0, len(images))
	for k, img := range images {
		recs = append(recs, record{key: k, lsn: lsn, value: pstypes.NewImageValue(img)})
	}
	sortRecords(recs)

	l := &PersistentImageLayer{persistentCommon: persistentCommon{
		baseLayer: baseLayer{keyRange: keyRange, lsnRange: desc.LsnRange, isDelta: false},
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

// OpenPersistentImageLayer wraps an existing on-disk/remote block.
func OpenPersistentImageLayer(desc Descriptor, store Store, clean *fastcache.Cache) (*PersistentImageLayer, error) {
	if desc.IsDelta {
		return nil, fmt.Errorf("layer: descriptor is not an image layer")
	}
	return &PersistentImageLayer{persistentCommon: persistentCommon{
		baseLayer: baseLayer{keyRange: desc.KeyRange, lsnRange: desc.LsnRange, isDelta: false},
		desc:      desc,
		store:     store,
		clean:     clean,
		blockKey:  blockStoreKey(desc),
	}}, nil
}

func (l *PersistentImageLayer) Descriptor() Descriptor { return l.desc }

func (l *PersistentImageLayer) GetValueReconstructData(key pstypes.Key, contLsn pstypes.Lsn, acc Accumulator) (ReconstructResult, pstypes.Lsn, error) {
	if !l.keyRange.Contains(key) || contLsn <= l.lsnRange.Start {
		return ResultMissing, l.lsnRange.Start, nil
	}
	recs, err := l.readBlock()
	if err != nil {
		return ResultMissing, l.lsnRange.Start, err
	}
	matches := lookup(recs, key)
	if len(matches) == 0 {
		return ResultMissing, l.lsnRange.Start, nil
	}
	acc.SetImage(matches[0].value.Image)
	return ResultComplete, l.lsnRange.Start, nil
}

func (l *PersistentImageLayer) String() string {
	return fmt.Sprintf("PersistentImage{%s}", l.desc)
}
