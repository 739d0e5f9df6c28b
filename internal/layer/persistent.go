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
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/cockroachdb/pebble"
	"github.com/golang/snappy"
	"github.com/swaingotnochill/pageserver/internal/pstypes"
)

// Descriptor uniquely names a persistent layer independent of its
// in-memory handle; LayerMap indexes by Descriptor (§3 "for every
// descriptor in the map, the handle is present").
type Descriptor struct {
	KeyRange   pstypes.KeyRange
	LsnRange   pstypes.LsnRange
	IsDelta    bool
	Generation uint64
}

func (d Descriptor) String() string {
	kind := "image"
	if d.IsDelta {
		kind = "delta"
	}
	return fmt.Sprintf("%s{%s, %s, gen=%d}", kind, d.KeyRange, d.LsnRange, d.Generation)
}

// Store is the narrow local-storage contract persistent layers read
// their blocks through; the production implementation is pebble, with
// a clean-page fastcache layered in front of it by each persistent
// layer instance.
type Store interface {
	Get(key []byte) ([]byte, Closer, error)
	Set(key, value []byte) error
	Delete(key []byte) error
}

// Closer is the pooled-buffer handle pebble.DB.Get returns alongside a
// value; callers must Close it once done reading the bytes.
type Closer interface {
	Close() error
}

// PebbleStore adapts a *pebble.DB to the Store contract used by
// persistent layers, the on-disk representation named in DESIGN.md.
type PebbleStore struct {
	DB *pebble.DB
}

func (s *PebbleStore) Get(key []byte) ([]byte, Closer, error) {
	v, closer, err := s.DB.Get(key)
	return v, closer, err
}

func (s *PebbleStore) Set(key, value []byte) error {
	return s.DB.Set(key, value, pebble.Sync)
}

func (s *PebbleStore) Delete(key []byte) error {
	return s.DB.Delete(key, pebble.Sync)
}

// persistentCommon is shared by the delta and image variants: a block
// key in Store, a clean-page cache, snappy framing, and residency.
type persistentCommon struct {
	baseLayer
	desc     Descriptor
	store    Store
	clean    *fastcache.Cache
	blockKey []byte

	residentMu sync.RWMutex
	resident   bool
	evictGuard int // reference count blocking eviction while held
}

func blockStoreKey(d Descriptor) []byte {
	return []byte(d.String())
}

// IsResident reports whether the layer's block is currently cached
// locally (vs. needing Download first).
func (p *persistentCommon) IsResident() bool {
	p.residentMu.RLock()
	defer p.residentMu.RUnlock()
	return p.resident
}

// AcquireEvictGuard blocks eviction while held; release with
// ReleaseEvictGuard. Mirrors the "explicit eviction guard" of §3.
func (p *persistentCommon) AcquireEvictGuard() {
	p.residentMu.Lock()
	p.evictGuard++
	p.residentMu.Unlock()
}

func (p *persistentCommon) ReleaseEvictGuard() {
	p.residentMu.Lock()
	p.evictGuard--
	p.residentMu.Unlock()
}

// Evict drops the local cached block, if not currently guarded.
func (p *persistentCommon) Evict() error {
	p.residentMu.Lock()
	defer p.residentMu.Unlock()
	if p.evictGuard > 0 {
		return fmt.Errorf("layer: cannot evict %s: %d active guard(s)", p.desc, p.evictGuard)
	}
	if err := p.store.Delete(p.blockKey); err != nil {
		return err
	}
	p.resident = false
	return nil
}

// Download marks the layer resident again. It does not fetch the block:
// persistentCommon holds no remote-storage handle, so a block that Evict
// removed from the store stays absent until it is written again.
func (p *persistentCommon) Download() error {
	p.residentMu.Lock()
	defer p.residentMu.Unlock()
	if p.resident {
		return nil
	}
	p.resident = true
	return nil
}

func (p *persistentCommon) readBlock() ([]record, error) {
	raw, closer, err := p.store.Get(p.blockKey)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	decoded, err := snappy.Decode(nil, raw)
	if err != nil {
		return nil, err
	}
	return decodeRecords(decoded)
}

// writeBlock snappy-compresses and stores recs, and populates the
// clean-page cache (when one is set) with each image value, keyed by
// block key plus (key, lsn). readBlock does not consult this cache:
// every reconstruction reads the block from the store.
func (p *persistentCommon) writeBlock(recs []record) error {
	raw := encodeRecords(recs)
	compressed := snappy.Encode(nil, raw)
	if err := p.store.Set(p.blockKey, compressed); err != nil {
		return err
	}
	if p.clean != nil {
		for _, r := range recs {
			if r.value.IsImage {
				p.clean.Set(append(p.blockKey, cacheKeySuffix(r.key, r.lsn)...), r.value.Image)
			}
		}
	}
	p.resident = true
	return nil
}

func cacheKeySuffix(key pstypes.Key, lsn pstypes.Lsn) []byte {
	out := make([]byte, pstypes.KeySize+8)
	copy(out, key[:])
	for i := 0; i < 8; i++ {
		out[pstypes.KeySize+i] = byte(uint64(lsn) >> (8 * i))
	}
	return out
}
