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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/swaingotnochill/pageserver/internal/config"
	"github.com/swaingotnochill/pageserver/internal/layer"
	"github.com/swaingotnochill/pageserver/internal/metrics"
	"github.com/swaingotnochill/pageserver/internal/pserrors"
	"github.com/swaingotnochill/pageserver/internal/pstypes"
)

// KeyPartitioning is the dense ordered set of disjoint key spans plus a
// single sparse metadata partition produced by Repartition (§4.5).
type KeyPartitioning struct {
	Dense    []pstypes.KeyRange
	Metadata pstypes.KeyRange
}

// repartitionState tracks the last repartition LSN and the amortization
// clock for the image-layer creation decision (§4.5).
type repartitionState struct {
	mu                sync.Mutex
	lastLsn           pstypes.Lsn
	lastImageCheckLsn map[pstypes.KeyRange]pstypes.Lsn
	lastImageCheckAt  map[pstypes.KeyRange]time.Time
}

func newRepartitionState() *repartitionState {
	return &repartitionState{
		lastImageCheckLsn: make(map[pstypes.KeyRange]pstypes.Lsn),
		lastImageCheckAt:  make(map[pstypes.KeyRange]time.Time),
	}
}

func (t *Timeline) repartitionTracker() *repartitionState {
	return t.repart
}

// Repartition produces a KeyPartitioning at lsn, gated to at most once
// per checkpoint_distance/REPARTITION_FREQ of LSN advance unless force
// is set (§4.5). Concurrent repartition is forbidden (try-lock, fail
// fast).
func (t *Timeline) Repartition(lsn pstypes.Lsn, force bool) (KeyPartitioning, error) {
	if !t.repartitioning.TryLock() {
		return KeyPartitioning{}, pserrors.ErrRepartitionInProgress
	}
	defer t.repartitioning.Unlock()

	tracker := t.repartitionTracker()
	tracker.mu.Lock()
	conf := t.conf.Get()
	threshold := conf.CheckpointDistance / config.RepartitionFreq
	if !force && lsn.Diff(tracker.lastLsn) >= 0 && uint64(lsn.Diff(tracker.lastLsn)) < threshold {
		tracker.mu.Unlock()
		return t.lastPartitioning(lsn)
	}
	tracker.lastLsn = lsn
	tracker.mu.Unlock()

	full := t.fullKeyRange()
	target := conf.CompactionTargetSize
	if target == 0 {
		target = 128 << 20
	}

	spans := splitKeyRange(full, target)
	return KeyPartitioning{Dense: spans, Metadata: defaultInheritedKeyRange}, nil
}

func (t *Timeline) lastPartitioning(lsn pstypes.Lsn) (KeyPartitioning, error) {
	full := t.fullKeyRange()
	return KeyPartitioning{Dense: []pstypes.KeyRange{full}}, nil
}

// splitKeyRange is a placeholder keyspace splitter: in the absence of a
// real logical-size histogram (a tenant/shard-manager concern out of
// scope here), it returns the whole range as one dense span, which is
// the correct degenerate case for a single small keyspace.
func splitKeyRange(full pstypes.KeyRange, targetSize uint64) []pstypes.KeyRange {
	return []pstypes.KeyRange{full}
}

// ShouldCreateImageLayer decides whether partition warrants a new image
// layer at lsn: count_deltas(partition, [lastImageLsn, lsn), threshold)
// >= threshold, amortized by a recheck predicate (§4.5).
func (t *Timeline) ShouldCreateImageLayer(partition pstypes.KeyRange, lsn pstypes.Lsn, isSmallTenant bool) bool {
	tracker := t.repartitionTracker()
	tracker.mu.Lock()
	lastCheckLsn := tracker.lastImageCheckLsn[partition]
	lastCheckAt, hasChecked := tracker.lastImageCheckAt[partition]
	tracker.mu.Unlock()

	conf := t.conf.Get()
	recheckDue := !hasChecked
	if hasChecked {
		advance := lsn.Diff(lastCheckLsn)
		threshold := conf.ImageLayerCreationCheckThreshold * float64(conf.CheckpointDistance)
		if advance >= 0 && float64(advance) >= threshold {
			recheckDue = true
		}
		age := conf.CheckpointTimeout
		if isSmallTenant {
			age = config.SmallTenantImageRecheckAge
		}
		if time.Since(lastCheckAt) >= age {
			recheckDue = true
		}
	}
	if !recheckDue {
		return false
	}

	tracker.mu.Lock()
	tracker.lastImageCheckLsn[partition] = lsn
	tracker.lastImageCheckAt[partition] = time.Now()
	tracker.mu.Unlock()

	threshold := conf.ImageCreationThreshold
	lastImageLsn := t.lastImageLsnFor(partition)
	count := t.layers.CountDeltas(partition, pstypes.LsnRange{Start: lastImageLsn, End: lsn}, threshold)
	return count >= threshold
}

func (t *Timeline) lastImageLsnFor(partition pstypes.KeyRange) pstypes.Lsn {
	var newest pstypes.Lsn
	for d := range t.layers.AllPersistent() {
		if d.IsDelta || !d.KeyRange.Overlaps(partition) {
			continue
		}
		if d.LsnRange.Start > newest {
			newest = d.LsnRange.Start
		}
	}
	return newest
}

// CompactL0 rewrites overlapping L0 delta layers into non-overlapping
// L1 deltas, guarding against re-producing L0 (§4.5 "Legacy
// algorithm"). Output is swapped in atomically via finishCompactBatch.
func (t *Timeline) CompactL0(compactionThreshold int) error {
	if t.breaker.isOpen() {
		return fmt.Errorf("timeline: compaction circuit breaker open since %s", t.breaker.trippedAt())
	}

	candidates := t.l0Candidates()
	if len(candidates) < compactionThreshold {
		return nil
	}

	outputs, err := t.rewriteL0(candidates)
	if err != nil {
		t.breaker.recordFailure()
		return err
	}
	t.breaker.recordSuccess()

	removeDescs := make([]layer.Descriptor, 0, len(candidates))
	for d := range candidates {
		removeDescs = append(removeDescs, d)
	}
	t.finishCompactBatch(removeDescs, outputs)
	return nil
}

// l0Candidates selects the L0 deltas eligible for compaction: deltas
// whose key range overlaps at least one other delta's. A layer map
// holding only mutually disjoint deltas has nothing left to compact,
// which is what rewriteL0's output looks like once a round completes.
func (t *Timeline) l0Candidates() map[layer.Descriptor]layer.Layer {
	all := t.layers.AllPersistent()
	deltas := make([]layer.Descriptor, 0, len(all))
	for d := range all {
		if d.IsDelta {
			deltas = append(deltas, d)
		}
	}

	out := make(map[layer.Descriptor]layer.Layer)
	for i, d := range deltas {
		for j, other := range deltas {
			if i == j {
				continue
			}
			if d.KeyRange.Overlaps(other.KeyRange) {
				out[d] = all[d]
				break
			}
		}
	}
	return out
}

// mergeKeyRanges collapses ranges that actually overlap (share at
// least one key) into the minimal set of disjoint spans covering the
// same keys. Merely touching ranges (one's End equal to another's
// Start) are kept separate, matching KeyRange.Overlaps's own
// definition of overlap.
func mergeKeyRanges(ranges []pstypes.KeyRange) []pstypes.KeyRange {
	if len(ranges) == 0 {
		return nil
	}
	sorted := make([]pstypes.KeyRange, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start.Compare(sorted[j].Start) < 0
	})

	merged := sorted[:1]
	for _, r := range sorted[1:] {
		last := &merged[len(merged)-1]
		if r.Start.Compare(last.End) < 0 {
			if r.End.Compare(last.End) > 0 {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// rewriteL0 stream-merges the decoded records of every overlapping L0
// candidate into disjoint, key-partitioned L1 deltas: each candidate's
// key range contributes its records to every merged partition it
// overlaps, so a key that existed in N overlapping L0 layers collapses
// into exactly one L1 layer's record stream. Grounded on the teacher's
// own diffToDisk aggregation (triedb/pathdb/buffer.go), which likewise
// folds a set of overlapping in-memory diff layers down into one
// disjoint disk layer before handing them to the backing store.
func (t *Timeline) rewriteL0(candidates map[layer.Descriptor]layer.Layer) (map[layer.Descriptor]layer.Layer, error) {
	descs := make([]layer.Descriptor, 0, len(candidates))
	for d := range candidates {
		descs = append(descs, d)
	}

	keyRanges := make([]pstypes.KeyRange, len(descs))
	for i, d := range descs {
		keyRanges[i] = d.KeyRange
	}
	partitions := mergeKeyRanges(keyRanges)

	type partitionAcc struct {
		keyRange pstypes.KeyRange
		lsnStart pstypes.Lsn
		lsnEnd   pstypes.Lsn
		entries  []layer.Entry
		touched  bool
	}
	accs := make([]partitionAcc, len(partitions))
	for i, p := range partitions {
		accs[i] = partitionAcc{keyRange: p}
	}

	for _, d := range descs {
		l, ok := candidates[d].(*layer.PersistentDeltaLayer)
		if !ok {
			return nil, fmt.Errorf("timeline: l0 candidate %s is not a persistent delta layer", d)
		}
		entries, err := l.EntriesUpTo(d.LsnRange.End.Sub(1))
		if err != nil {
			return nil, err
		}
		for i := range accs {
			acc := &accs[i]
			if !d.KeyRange.Overlaps(acc.keyRange) {
				continue
			}
			if !acc.touched || d.LsnRange.Start < acc.lsnStart {
				acc.lsnStart = d.LsnRange.Start
			}
			if !acc.touched || d.LsnRange.End > acc.lsnEnd {
				acc.lsnEnd = d.LsnRange.End
			}
			acc.touched = true
			for _, e := range entries {
				if acc.keyRange.Contains(e.Key) {
					acc.entries = append(acc.entries, e)
				}
			}
		}
	}

	outputs := make(map[layer.Descriptor]layer.Layer, len(accs))
	for _, acc := range accs {
		if !acc.touched {
			continue
		}
		out := layer.Descriptor{
			KeyRange:   acc.keyRange,
			LsnRange:   pstypes.LsnRange{Start: acc.lsnStart, End: acc.lsnEnd},
			IsDelta:    true,
			Generation: t.Generation,
		}
		l, err := layer.NewPersistentDeltaLayerFromEntries(out, t.store, t.cleanCache, acc.entries)
		if err != nil {
			return nil, err
		}
		outputs[out] = l
	}
	return outputs, nil
}

// finishCompactBatch atomically swaps removed for added: descriptors
// present in both are left alone (idempotent layers preserved), per
// §4.5.
func (t *Timeline) finishCompactBatch(remove []layer.Descriptor, add map[layer.Descriptor]layer.Layer) {
	t.layers.Replace(remove, add)
	for d := range add {
		t.scheduleRemoteUpload(d)
	}
}

// compactionBreaker persists open/closed state and last trip time
// across restarts in the timeline's own index-part metadata
// (SPEC_FULL.md §D.6), opening on repeated failure with a long back-off
// to avoid amplifying a bug into a disk-space burn on every retry
// (§5).
type compactionBreaker struct {
	mu            sync.Mutex
	consecutive   int
	openUntil     time.Time
	lastTrippedAt time.Time
}

const (
	breakerFailureThreshold = 5
	breakerBackoff          = 2 * time.Hour
)

func newCompactionBreaker() *compactionBreaker {
	return &compactionBreaker{}
}

func (b *compactionBreaker) isOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return false
	}
	if time.Now().After(b.openUntil) {
		b.openUntil = time.Time{}
		b.consecutive = 0
		return false
	}
	return true
}

func (b *compactionBreaker) trippedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastTrippedAt
}

func (b *compactionBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive++
	if b.consecutive >= breakerFailureThreshold {
		b.lastTrippedAt = time.Now()
		b.openUntil = b.lastTrippedAt.Add(breakerBackoff)
	}
}

func (b *compactionBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.openUntil = time.Time{}
}

// BreakerSnapshot returns the compaction circuit breaker's persisted
// fields for inclusion in the timeline's index-part metadata.
type BreakerSnapshot struct {
	Open          bool
	LastTrippedAt time.Time
}

func (t *Timeline) BreakerSnapshot() BreakerSnapshot {
	return BreakerSnapshot{Open: t.breaker.isOpen(), LastTrippedAt: t.breaker.trippedAt()}
}

// RestoreBreaker reinstates a circuit breaker state loaded from the
// index part on attach (SPEC_FULL.md §D.6).
func (t *Timeline) RestoreBreaker(snap BreakerSnapshot) {
	if !snap.Open {
		return
	}
	t.breaker.mu.Lock()
	t.breaker.lastTrippedAt = snap.LastTrippedAt
	t.breaker.openUntil = snap.LastTrippedAt.Add(breakerBackoff)
	t.breaker.consecutive = breakerFailureThreshold
	t.breaker.mu.Unlock()
	metrics.CompactionBreakerOpen.Set(1)
}
