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
	"github.com/swaingotnochill/pageserver/internal/metrics"
	"github.com/swaingotnochill/pageserver/internal/pstypes"
)

// TimestampLookupResult is the outcome of the external find_lsn_for_timestamp
// collaborator (out of scope per §1; the timeline only consumes its result
// shape).
type TimestampLookupResult int

const (
	// TimestampFound means a concrete LSN was located for the requested
	// instant.
	TimestampFound TimestampLookupResult = iota
	// TimestampFuture means the requested instant is after the newest
	// WAL; fall back to last_record_lsn (§4.5 step 2).
	TimestampFuture
	// TimestampPast means the requested instant precedes all retained
	// history; leave time=None per the literal, unverified fallback
	// named in SPEC_FULL.md §E.
	TimestampPast
	// TimestampNoData means there is no WAL at all yet; same fallback
	// as TimestampPast.
	TimestampNoData
)

// GcCutoffs is the pair of candidate cutoffs computed per timeline
// (§4.5 step 2).
type GcCutoffs struct {
	Space   pstypes.Lsn
	Time    pstypes.Lsn
	HasTime bool
}

// ComputeGcCutoffs derives {space, time} for this timeline: space =
// last_record_lsn - gc_horizon; time is derived from the caller-supplied
// timestamp lookup result, which stands in for find_lsn_for_timestamp
// (an external collaborator).
func (t *Timeline) ComputeGcCutoffs(gcHorizon uint64, lookup TimestampLookupResult, lookupLsn pstypes.Lsn) GcCutoffs {
	last := t.LastRecordLsn()
	space := last
	if uint64(last) > gcHorizon {
		space = last.Sub(gcHorizon)
	} else {
		space = pstypes.InvalidLsn
	}

	switch lookup {
	case TimestampFound:
		return GcCutoffs{Space: space, Time: lookupLsn, HasTime: true}
	case TimestampFuture:
		// Fall back to last_record_lsn (§4.5 step 2).
		return GcCutoffs{Space: space, Time: last, HasTime: true}
	default:
		// Past/NoData: time = None, letting space dominate — the
		// literal, not-yet-operator-confirmed fallback (SPEC_FULL.md §E).
		return GcCutoffs{Space: space, HasTime: false}
	}
}

// RefreshGcInfo installs freshly computed cutoffs and branchpoints
// (§4.5 step 2-3), bounded by any live standby horizon within 10 GiB of
// lag, as the spec names but leaves the standby-horizon collaborator
// itself out of scope.
func (t *Timeline) RefreshGcInfo(cutoffs GcCutoffs, childBranchpoints []pstypes.Lsn, standbyHorizon pstypes.Lsn, hasStandby bool) {
	t.gcInfo.mu.Lock()
	defer t.gcInfo.mu.Unlock()

	space := cutoffs.Space
	if hasStandby && t.LastRecordLsn().Diff(standbyHorizon) <= 10<<30 && standbyHorizon < space {
		space = standbyHorizon
	}
	t.gcInfo.SpaceCutoff = space
	t.gcInfo.TimeCutoff = cutoffs.Time
	t.gcInfo.HasTime = cutoffs.HasTime
	t.gcInfo.Branchpoints = childBranchpoints
}

// GcIterationResult summarizes one GC pass over a timeline.
type GcIterationResult struct {
	LayersRemoved int
	NewCutoff     pstypes.Lsn
}

// GcIterationInternal runs gc_iteration_internal steps 4-5 of §4.5 for
// this timeline, having already had RefreshGcInfo called with the
// tenant-wide gc_cs held and branchpoints collected (steps 1-3 are the
// tenant's responsibility since they span every timeline). Step 5's
// "schedule index update before scheduling deletions" ordering is
// modeled here as: publish the new cutoff via RCU, log the deletions
// that will follow, then actually drop the layers — a remote-index
// hand-off would sit between the log and the drop in a full build.
func (t *Timeline) GcIterationInternal() GcIterationResult {
	newCutoff := t.gcInfo.cutoff()
	maxLeased := t.gcInfo.maxLeasedLsn()

	var toRemove []layer.Descriptor
	for d := range t.layers.AllPersistent() {
		if t.retainLayer(d, newCutoff, maxLeased) {
			continue
		}
		toRemove = append(toRemove, d)
	}

	// Publish the new cutoff; Publish itself blocks until every reader
	// holding a guard on the previous value has released it, so no
	// delete below can race a read that depends on the old cutoff
	// (§4.5 step 5, §5).
	t.latestGcCutoffLsn.Publish(newCutoff)

	t.log.Info("gc: scheduling index update before deletions", "new_cutoff", newCutoff, "candidates", len(toRemove))
	// Barrier between deletes and re-creates (§4.5): any upload racing
	// to recreate an image layer at the same key range and LSN is
	// ordered after the deletions below complete.
	t.layers.Replace(toRemove, nil)
	metrics.GcLayersRemovedTotal.Add(float64(len(toRemove)))

	return GcIterationResult{LayersRemoved: len(toRemove), NewCutoff: newCutoff}
}

// retainLayer implements the §4.5 step 4 retention predicate.
func (t *Timeline) retainLayer(d layer.Descriptor, cutoff, maxLeased pstypes.Lsn) bool {
	if d.LsnRange.End > cutoff {
		return true
	}
	if t.gcInfo.hasBranchpointAtOrAbove(d.LsnRange.Start) {
		return true
	}
	if d.LsnRange.Start <= maxLeased {
		return true
	}
	if !t.layers.ImageCoverage(d.KeyRange, d.LsnRange.End, cutoff) {
		return true
	}
	return false
}

// gcPeriodTicker runs GC on the configured period, for wiring by the
// tenant-level scheduler (§4.7's "coordinates GC and compaction
// schedulers").
func (t *Timeline) gcPeriodTicker(stop <-chan struct{}, run func()) {
	conf := t.conf.Get()
	period := conf.GcPeriod
	if period <= 0 {
		period = 100 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			run()
		case <-stop:
			return
		case <-t.ctx.Done():
			return
		}
	}
}
