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
	"testing"

	"github.com/google/uuid"

	"github.com/swaingotnochill/pageserver/internal/config"
	"github.com/swaingotnochill/pageserver/internal/layer"
	"github.com/swaingotnochill/pageserver/internal/plog"
	"github.com/swaingotnochill/pageserver/internal/timeline"
)

func newTestTenant(t *testing.T) *Tenant {
	t.Helper()
	conf := config.NewLive(config.Default())
	return New("test-tenant-0000", ShardIdentity{Number: 0, Count: 1, StripeSize: 1}, conf, plog.Root())
}

func TestLegalStateTransitions(t *testing.T) {
	tn := newTestTenant(t)
	if err := tn.SetState(StateActivatingFromLoading); err != nil {
		t.Fatalf("Loading -> ActivatingFromLoading should be legal: %v", err)
	}
	if err := tn.SetState(StateActive); err != nil {
		t.Fatalf("ActivatingFromLoading -> Active should be legal: %v", err)
	}
	if err := tn.SetState(StateStopping); err != nil {
		t.Fatalf("Active -> Stopping should be legal: %v", err)
	}
}

func TestIllegalStateTransitionIsRefused(t *testing.T) {
	tn := newTestTenant(t)
	if err := tn.SetState(StateActive); err == nil {
		t.Fatalf("expected Loading -> Active to be refused without passing through an Activating state")
	}
	if tn.State() != StateLoading {
		t.Fatalf("a refused transition must not change state, got %s", tn.State())
	}
}

func TestTransitionOutOfStoppingIsRefused(t *testing.T) {
	tn := newTestTenant(t)
	if err := tn.SetState(StateStopping); err != nil {
		t.Fatalf("Loading -> Stopping should be legal: %v", err)
	}
	if err := tn.SetState(StateActive); err == nil {
		t.Fatalf("expected Stopping to be terminal")
	}
}

func TestShardNumberSingleShardOwnsEverything(t *testing.T) {
	s := ShardIdentity{Number: 0, Count: 1, StripeSize: 1}
	for b := 0; b < 256; b++ {
		if !s.BelongsToShard(byte(b)) {
			t.Fatalf("a single-shard identity must own every key, failed at byte %d", b)
		}
	}
}

func TestShardNumberStripesAcrossShards(t *testing.T) {
	s0 := ShardIdentity{Number: 0, Count: 2, StripeSize: 16}
	s1 := ShardIdentity{Number: 1, Count: 2, StripeSize: 16}

	if !s0.BelongsToShard(0) || s1.BelongsToShard(0) {
		t.Fatalf("byte 0 (stripe 0) should belong to shard 0 only")
	}
	if s0.BelongsToShard(16) || !s1.BelongsToShard(16) {
		t.Fatalf("byte 16 (stripe 1) should belong to shard 1 only")
	}
	if !s0.BelongsToShard(32) || s1.BelongsToShard(32) {
		t.Fatalf("byte 32 (stripe 2, wraps to shard 0) should belong to shard 0 only")
	}
}

func newTimelineConfig(conf *config.Live) timeline.Config {
	return timeline.Config{
		TimelineID:    uuid.New(),
		TenantShardID: "test-tenant-0000",
		Conf:          conf,
		Store:         layer.NewMemStore(),
		Log:           plog.Root(),
	}
}

func TestCreateTimelineIsIdempotentOnSameID(t *testing.T) {
	tn := newTestTenant(t)
	id := uuid.New()
	cfg := newTimelineConfig(tn.conf)
	cfg.TimelineID = id

	first, err := tn.CreateTimeline(id, cfg, "")
	if err != nil {
		t.Fatalf("CreateTimeline: %v", err)
	}
	second, err := tn.CreateTimeline(id, cfg, "")
	if err != nil {
		t.Fatalf("expected a repeated CreateTimeline with the same fingerprint to succeed: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same Timeline back from an idempotent CreateTimeline")
	}
}

func TestCreateTimelineIsIdempotentOnSameNonEmptyFingerprint(t *testing.T) {
	tn := newTestTenant(t)
	id := uuid.New()
	cfg := newTimelineConfig(tn.conf)
	cfg.TimelineID = id

	first, err := tn.CreateTimeline(id, cfg, "checksum-abc123")
	if err != nil {
		t.Fatalf("CreateTimeline: %v", err)
	}
	second, err := tn.CreateTimeline(id, cfg, "checksum-abc123")
	if err != nil {
		t.Fatalf("expected a repeated CreateTimeline with the identical non-empty fingerprint to succeed: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same Timeline back from an idempotent CreateTimeline")
	}
}

func TestCreateTimelineConflictsOnDifferentFingerprint(t *testing.T) {
	tn := newTestTenant(t)
	id := uuid.New()
	cfg := newTimelineConfig(tn.conf)
	cfg.TimelineID = id

	if _, err := tn.CreateTimeline(id, cfg, ""); err != nil {
		t.Fatalf("CreateTimeline: %v", err)
	}
	if _, err := tn.CreateTimeline(id, cfg, "different-params"); err == nil {
		t.Fatalf("expected a second CreateTimeline with a different fingerprint to conflict")
	}
}

func TestGetTimelineNotFound(t *testing.T) {
	tn := newTestTenant(t)
	if _, err := tn.GetTimeline(uuid.New()); err == nil {
		t.Fatalf("expected an unknown timeline id to return an error")
	}
}

func TestListTimelinesReflectsCreations(t *testing.T) {
	tn := newTestTenant(t)
	id1, id2 := uuid.New(), uuid.New()
	cfg1, cfg2 := newTimelineConfig(tn.conf), newTimelineConfig(tn.conf)
	cfg1.TimelineID, cfg2.TimelineID = id1, id2

	if _, err := tn.CreateTimeline(id1, cfg1, ""); err != nil {
		t.Fatalf("CreateTimeline 1: %v", err)
	}
	if _, err := tn.CreateTimeline(id2, cfg2, ""); err != nil {
		t.Fatalf("CreateTimeline 2: %v", err)
	}
	if got := len(tn.ListTimelines()); got != 2 {
		t.Fatalf("expected 2 timelines, got %d", got)
	}
}
