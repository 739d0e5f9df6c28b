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

package tenant

import (
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/swaingotnochill/pageserver/internal/pstypes"
	"github.com/swaingotnochill/pageserver/internal/timeline"
)

// RunGcIteration performs §4.5 steps 1-5 across every timeline this
// tenant owns: gc_cs is held for the branchpoint-collection scan so no
// timeline creation can observe a half-updated gc_info, then each
// timeline's own GcIterationInternal runs concurrently since layer
// removal is timeline-local.
func (tn *Tenant) RunGcIteration(gcHorizon uint64, lookup timeline.TimestampLookupResult, lookupLsn pstypes.Lsn) (map[string]timeline.GcIterationResult, error) {
	tn.gcCS.Lock()
	timelines := tn.ListTimelines()

	// Step 1-3: collect every timeline's ancestor_lsn against its
	// parent and install it as a branchpoint on the parent's gc_info,
	// all timelines observed under the same gc_cs critical section so
	// a concurrently created branch cannot be missed.
	branchpoints := make(map[string][]pstypes.Lsn)
	for _, t := range timelines {
		anc := t.Ancestor()
		if anc == nil {
			continue
		}
		parentID := anc.Timeline.TimelineID.String()
		branchpoints[parentID] = append(branchpoints[parentID], anc.Lsn)
	}

	for _, t := range timelines {
		cutoffs := t.ComputeGcCutoffs(gcHorizon, lookup, lookupLsn)
		t.RefreshGcInfo(cutoffs, branchpoints[t.TimelineID.String()], 0, false)
	}
	tn.gcCS.Unlock()

	// Step 4-5 run without gc_cs held: layer removal is timeline-local
	// and must not block new timeline creation for the whole tenant.
	results := make(map[string]timeline.GcIterationResult, len(timelines))
	var g errgroup.Group
	var mu sync.Mutex
	for _, t := range timelines {
		t := t
		g.Go(func() error {
			if t.State() != timeline.StateActive {
				return nil
			}
			release, err := t.Gate().Enter()
			if err != nil {
				return nil
			}
			defer release()

			res := t.GcIterationInternal()
			mu.Lock()
			results[t.TimelineID.String()] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// RunCompactionIteration runs CompactL0 across every active timeline
// owned by this tenant, bounded to a handful of concurrent rewrites so
// one tenant's compaction backlog cannot starve disk bandwidth from
// its siblings (§4.7's "coordinates ... compaction schedulers").
func (tn *Tenant) RunCompactionIteration(compactionThreshold int, maxConcurrent int) error {
	timelines := tn.ListTimelines()
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}

	var g errgroup.Group
	g.SetLimit(maxConcurrent)
	for _, t := range timelines {
		t := t
		g.Go(func() error {
			if t.State() != timeline.StateActive {
				return nil
			}
			release, err := t.Gate().Enter()
			if err != nil {
				return nil
			}
			defer release()
			return t.CompactL0(compactionThreshold)
		})
	}
	return g.Wait()
}

// StartSchedulers launches the tenant-wide GC and compaction loops,
// returning a stop func. Each loop ticks on the tenant's own config so
// an operator override via TenantConf is picked up without a restart.
func (tn *Tenant) StartSchedulers() (stop func()) {
	stopCh := make(chan struct{})
	go tn.gcSchedulerLoop(stopCh)
	go tn.compactionSchedulerLoop(stopCh)
	return func() { close(stopCh) }
}

func (tn *Tenant) gcSchedulerLoop(stop <-chan struct{}) {
	conf := tn.conf.Get()
	period := conf.GcPeriod
	if period <= 0 {
		period = 100 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if tn.State() != StateActive {
				continue
			}
			conf := tn.conf.Get()
			if _, err := tn.RunGcIteration(conf.GcHorizon, timeline.TimestampNoData, 0); err != nil {
				tn.log.Warn("gc iteration failed", "err", err)
			}
		case <-stop:
			return
		case <-tn.ctx.Done():
			return
		}
	}
}

func (tn *Tenant) compactionSchedulerLoop(stop <-chan struct{}) {
	conf := tn.conf.Get()
	period := conf.CompactionPeriod
	if period <= 0 {
		period = 20 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if tn.State() != StateActive {
				continue
			}
			conf := tn.conf.Get()
			if err := tn.RunCompactionIteration(conf.CompactionThreshold, 4); err != nil {
				tn.log.Warn("compaction iteration failed", "err", err)
			}
		case <-stop:
			return
		case <-tn.ctx.Done():
			return
		}
	}
}
