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
	"context"
	"sync"
	"time"

	"github.com/swaingotnochill/pageserver/internal/layer"
	"github.com/swaingotnochill/pageserver/internal/metrics"
	"github.com/swaingotnochill/pageserver/internal/pserrors"
	"github.com/swaingotnochill/pageserver/internal/pstypes"
)

// flushState is the flush loop's (counter, target_lsn) watch pair
// (§4.2, SPEC_FULL.md §D.1): a caller of flushFrozenLayersAndWait
// records the counter assigned to its request and waits for
// doneCounter to reach at least that value, so it never mistakes an
// earlier, lower-target completion for its own.
type flushState struct {
	mu          sync.Mutex
	targetLsn   pstypes.Lsn
	counter     uint64
	doneCounter uint64
	lastErr     error
	wake        chan struct{}

	loopOnce  sync.Once
	loopState loopState
}

type loopState int

const (
	loopNotStarted loopState = iota
	loopRunning
	loopExited
)

func newFlushState() *flushState {
	return &flushState{wake: make(chan struct{})}
}

// request registers work up to lsn and returns the counter a caller
// should wait for doneCounter to reach.
func (f *flushState) request(lsn pstypes.Lsn) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	if lsn > f.targetLsn {
		f.targetLsn = lsn
		f.counter++
	}
	counter := f.counter
	f.wakeLocked()
	return counter
}

func (f *flushState) wakeLocked() {
	close(f.wake)
	f.wake = make(chan struct{})
}

// notify is the fire-and-forget form used by the roll decision and the
// gap-advance ticker: it kicks the loop without waiting for completion.
func (f *flushState) notify(lsn pstypes.Lsn) {
	f.request(lsn)
}

// FlushFrozenLayersAndWait requests a flush up to atLsn and blocks
// until that specific request's work (or later work covering it) has
// completed, or ctx is cancelled (§4.2, §5).
func (t *Timeline) FlushFrozenLayersAndWait(ctx context.Context, atLsn pstypes.Lsn) error {
	target := t.flush.request(atLsn)
	f := t.flush
	for {
		f.mu.Lock()
		if f.doneCounter >= target {
			err := f.lastErr
			f.mu.Unlock()
			return err
		}
		wake := f.wake
		f.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		case <-t.ctx.Done():
			return pserrors.ErrCancelled
		}
	}
}

// StartFlushLoop starts the single dedicated flush-loop task for this
// timeline. It must be called at most once (state NotStarted ->
// Running -> Exited, §4.2); subsequent calls are no-ops.
func (t *Timeline) StartFlushLoop() {
	t.flush.loopOnce.Do(func() {
		t.flush.loopState = loopRunning
		go t.runFlushLoop()
	})
}

// gapAdvancePeriod is how often the flush loop checks for a gap between
// last_record_lsn and disk_consistent_lsn (§4.2 "Gap advance").
const gapAdvancePeriod = 5 * time.Second

func (t *Timeline) runFlushLoop() {
	release, err := t.gate.Enter()
	if err != nil {
		t.flush.mu.Lock()
		t.flush.loopState = loopExited
		t.flush.mu.Unlock()
		return
	}
	defer release()
	defer func() {
		t.flush.mu.Lock()
		t.flush.loopState = loopExited
		t.flush.mu.Unlock()
	}()

	ticker := time.NewTicker(gapAdvancePeriod)
	defer ticker.Stop()

	f := t.flush
	for {
		f.mu.Lock()
		for f.counter == f.doneCounter {
			wake := f.wake
			f.mu.Unlock()
			select {
			case <-wake:
			case <-ticker.C:
				t.checkGapAdvance()
			case <-t.ctx.Done():
				return
			}
			f.mu.Lock()
		}
		target := f.counter
		f.mu.Unlock()

		start := time.Now()
		flushErr := t.drainFrozenQueue()
		metrics.FlushDuration.Observe(time.Since(start).Seconds())

		if flushErr != nil {
			t.log.Error("flush loop iteration failed", "err", flushErr)
		}

		f.mu.Lock()
		f.doneCounter = target
		f.lastErr = flushErr
		f.wakeLocked()
		f.mu.Unlock()

		select {
		case <-t.ctx.Done():
			return
		default:
		}
	}
}

// checkGapAdvance is the periodic gap-advance check (§4.2, SPEC_FULL.md
// §D.2): if last_record_lsn has moved past disk_consistent_lsn with no
// frozen/open work pending flush time, kick the loop so a remote index
// update still happens for this shard.
func (t *Timeline) checkGapAdvance() {
	last := t.LastRecordLsn()
	disk := t.DiskConsistentLsn()
	if last <= disk {
		return
	}
	if time.Since(t.openedAt) < t.conf.Get().CheckpointTimeout {
		return
	}
	t.flush.notify(last)
}

// drainFrozenQueue pops every frozen layer front-to-back, writing each
// to disk and atomically swapping it into the LayerMap, advancing
// disk_consistent_lsn as it goes (§4.2).
func (t *Timeline) drainFrozenQueue() error {
	for {
		frozen := t.layers.FrontFrozen()
		if frozen == nil {
			return nil
		}

		var persisted layer.Layer
		var desc layer.Descriptor
		var err error
		if t.isInitialIngestLayer(frozen) {
			persisted, desc, err = t.writeInitialImageLayers(frozen)
		} else {
			persisted, desc, err = t.writeDeltaLayer(frozen)
		}
		if err != nil {
			return err
		}

		t.layers.PopFrozen()
		t.layers.Insert(desc, persisted)
		t.advanceDiskConsistentLsn(frozen.LsnRange().End.Sub(1))
		t.scheduleRemoteUpload(desc)
	}
}

// isInitialIngestLayer recognizes the lsn_range == [initdb_lsn,
// initdb_lsn+1) shape that means "no meaningful delta exists over an
// empty history" (§4.2).
func (t *Timeline) isInitialIngestLayer(l *layer.FrozenLayer) bool {
	lr := l.LsnRange()
	return lr.Start == t.initdbLsn && lr.End == t.initdbLsn.Add(1)
}

// writeDeltaLayer persists a frozen in-memory layer as a
// PersistentDeltaLayer.
func (t *Timeline) writeDeltaLayer(frozen *layer.FrozenLayer) (layer.Layer, layer.Descriptor, error) {
	var entries []layer.Entry
	frozen.Iterate(func(key pstypes.Key, lsn pstypes.Lsn, value pstypes.Value) {
		entries = append(entries, layer.Entry{Key: key, Lsn: lsn, Value: value})
	})

	desc := layer.Descriptor{
		KeyRange:   frozen.KeyRange(),
		LsnRange:   frozen.LsnRange(),
		IsDelta:    true,
		Generation: t.Generation,
	}
	persisted, err := layer.NewPersistentDeltaLayerFromEntries(desc, t.store, t.cleanCache, entries)
	if err != nil {
		return nil, layer.Descriptor{}, err
	}
	return persisted, desc, nil
}

// writeInitialImageLayers repartitions the keyspace (trivially: a
// single dense span plus the metadata sub-range is a tenant/shard-level
// concept out of scope here) and writes image layers directly instead
// of a generic delta, bypassing the delta-writer path entirely
// (SPEC_FULL.md §D.3).
func (t *Timeline) writeInitialImageLayers(frozen *layer.FrozenLayer) (layer.Layer, layer.Descriptor, error) {
	images := make(map[pstypes.Key][]byte)
	frozen.Iterate(func(key pstypes.Key, lsn pstypes.Lsn, value pstypes.Value) {
		if value.IsImage {
			images[key] = value.Image
		}
	})

	img, err := layer.NewPersistentImageLayer(frozen.KeyRange(), t.initdbLsn, t.Generation, t.store, t.cleanCache, images)
	if err != nil {
		return nil, layer.Descriptor{}, err
	}
	return img, img.Descriptor(), nil
}

// scheduleRemoteUpload hands the newly durable layer to the remote
// uploader. The uploader itself is an external collaborator (§1); this
// core only needs to know the hand-off happened so disk_consistent_lsn
// accounting stays correct, so the call is a log line rather than a
// blocking dependency on internal/remotestorage.
func (t *Timeline) scheduleRemoteUpload(desc layer.Descriptor) {
	t.log.Debug("scheduled remote upload", "layer", desc)
}
