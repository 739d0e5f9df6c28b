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

// Package config holds the tenant configuration of §6 and loads it the
// way the teacher loads its own node/eth config: a TOML-tagged struct
// decoded with naoina/toml, defaults filled in for omitted fields, and
// changes applied live by publishing a new struct through an RCU cell.
package config

import (
	"os"
	"time"

	"github.com/naoina/toml"
	"github.com/swaingotnochill/pageserver/internal/rcu"
)

// CompactionAlgorithm selects the compaction strategy (§4.5 names only
// "Legacy" in this core; others are reserved for future expansion).
type CompactionAlgorithm string

const (
	CompactionLegacy CompactionAlgorithm = "legacy"
)

// EvictionPolicy controls when resident persistent layers are dropped
// to local disk pressure; the policy's own logic lives in the eviction
// task (§5), which is an external collaborator to this core.
type EvictionPolicy string

const (
	EvictionNoEviction    EvictionPolicy = "no-eviction"
	EvictionLayerAccessed EvictionPolicy = "layer-access-threshold"
)

// TenantConf is every tenant config option named in §6.
type TenantConf struct {
	CheckpointDistance              uint64        `toml:"checkpoint_distance"`
	CheckpointTimeout                time.Duration `toml:"checkpoint_timeout"`
	CompactionTargetSize             uint64        `toml:"compaction_target_size"`
	CompactionPeriod                 time.Duration `toml:"compaction_period"`
	CompactionThreshold               int           `toml:"compaction_threshold"`
	CompactionAlgorithm              CompactionAlgorithm `toml:"compaction_algorithm"`
	GcHorizon                         uint64        `toml:"gc_horizon"`
	GcPeriod                          time.Duration `toml:"gc_period"`
	ImageCreationThreshold            int           `toml:"image_creation_threshold"`
	PitrInterval                      time.Duration `toml:"pitr_interval"`
	WalreceiverConnectTimeout         time.Duration `toml:"walreceiver_connect_timeout"`
	LaggingWalTimeout                 time.Duration `toml:"lagging_wal_timeout"`
	MaxLsnWalLag                      uint64        `toml:"max_lsn_wal_lag"`
	EvictionPolicy                    EvictionPolicy `toml:"eviction_policy"`
	MinResidentSizeOverride           uint64        `toml:"min_resident_size_override"`
	HeatmapPeriod                     time.Duration `toml:"heatmap_period"`
	LazySlruDownload                  bool          `toml:"lazy_slru_download"`
	LsnLeaseLength                    time.Duration `toml:"lsn_lease_length"`
	LsnLeaseLengthForTs               time.Duration `toml:"lsn_lease_length_for_ts"`
	ImageLayerCreationCheckThreshold  float64       `toml:"image_layer_creation_check_threshold"`
	TimelineGetThrottleRps            float64       `toml:"timeline_get_throttle_rps"`
	TimelineGetThrottleBurst          int           `toml:"timeline_get_throttle_burst"`
}

// REPARTITION_FREQ is the fraction of checkpoint_distance that gates
// repartition frequency (§4.5: "at most once per
// checkpoint_distance / REPARTITION_FREQ").
const RepartitionFreq = 10

// SmallTenantImageRecheckAge is the image-layer-creation recheck
// interval for a "small" tenant (§4.5).
const SmallTenantImageRecheckAge = 48 * time.Hour

// Default returns the global default tenant config; omitted fields in
// a per-tenant override inherit from this (§6 "Omitted options inherit
// from the global default").
func Default() TenantConf {
	return TenantConf{
		CheckpointDistance:               256 << 20,
		CheckpointTimeout:                10 * time.Minute,
		CompactionTargetSize:             128 << 20,
		CompactionPeriod:                 20 * time.Second,
		CompactionThreshold:              10,
		CompactionAlgorithm:              CompactionLegacy,
		GcHorizon:                        64 << 20,
		GcPeriod:                         100 * time.Second,
		ImageCreationThreshold:           3,
		PitrInterval:                     7 * 24 * time.Hour,
		WalreceiverConnectTimeout:        10 * time.Second,
		LaggingWalTimeout:                10 * time.Second,
		MaxLsnWalLag:                     256 << 20,
		EvictionPolicy:                   EvictionNoEviction,
		HeatmapPeriod:                    time.Hour,
		LsnLeaseLength:                   time.Hour,
		LsnLeaseLengthForTs:              time.Hour,
		ImageLayerCreationCheckThreshold: 0.10,
		TimelineGetThrottleRps:           0, // 0 disables the limiter
		TimelineGetThrottleBurst:         1,
	}
}

// merge fills zero-valued fields of override from base, implementing
// "omitted options inherit from the global default".
func merge(base, override TenantConf) TenantConf {
	out := override
	if out.CheckpointDistance == 0 {
		out.CheckpointDistance = base.CheckpointDistance
	}
	if out.CheckpointTimeout == 0 {
		out.CheckpointTimeout = base.CheckpointTimeout
	}
	if out.CompactionTargetSize == 0 {
		out.CompactionTargetSize = base.CompactionTargetSize
	}
	if out.CompactionPeriod == 0 {
		out.CompactionPeriod = base.CompactionPeriod
	}
	if out.CompactionThreshold == 0 {
		out.CompactionThreshold = base.CompactionThreshold
	}
	if out.CompactionAlgorithm == "" {
		out.CompactionAlgorithm = base.CompactionAlgorithm
	}
	if out.GcHorizon == 0 {
		out.GcHorizon = base.GcHorizon
	}
	if out.GcPeriod == 0 {
		out.GcPeriod = base.GcPeriod
	}
	if out.ImageCreationThreshold == 0 {
		out.ImageCreationThreshold = base.ImageCreationThreshold
	}
	if out.PitrInterval == 0 {
		out.PitrInterval = base.PitrInterval
	}
	if out.WalreceiverConnectTimeout == 0 {
		out.WalreceiverConnectTimeout = base.WalreceiverConnectTimeout
	}
	if out.LaggingWalTimeout == 0 {
		out.LaggingWalTimeout = base.LaggingWalTimeout
	}
	if out.MaxLsnWalLag == 0 {
		out.MaxLsnWalLag = base.MaxLsnWalLag
	}
	if out.EvictionPolicy == "" {
		out.EvictionPolicy = base.EvictionPolicy
	}
	if out.HeatmapPeriod == 0 {
		out.HeatmapPeriod = base.HeatmapPeriod
	}
	if out.LsnLeaseLength == 0 {
		out.LsnLeaseLength = base.LsnLeaseLength
	}
	if out.LsnLeaseLengthForTs == 0 {
		out.LsnLeaseLengthForTs = base.LsnLeaseLengthForTs
	}
	if out.ImageLayerCreationCheckThreshold == 0 {
		out.ImageLayerCreationCheckThreshold = base.ImageLayerCreationCheckThreshold
	}
	if out.TimelineGetThrottleBurst == 0 {
		out.TimelineGetThrottleBurst = base.TimelineGetThrottleBurst
	}
	return out
}

// Live is a tenant config held behind an RCU cell so hot paths
// (roll decision, throttle, gc/compaction schedulers) read it without
// locking (§6 "Changes are applied live via read-copy-update").
type Live struct {
	cell *rcu.Cell[TenantConf]
}

// NewLive constructs a Live config seeded with the given value.
func NewLive(initial TenantConf) *Live {
	return &Live{cell: rcu.New(initial)}
}

// Get returns the current config.
func (l *Live) Get() TenantConf {
	return l.cell.Load()
}

// Update publishes override merged onto the global default.
func (l *Live) Update(override TenantConf) {
	l.cell.Publish(merge(Default(), override))
}

// LoadTOML decodes a tenant config override from a TOML file at path,
// merged onto the global default.
func LoadTOML(path string) (TenantConf, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TenantConf{}, err
	}
	var override TenantConf
	if err := toml.Unmarshal(data, &override); err != nil {
		return TenantConf{}, err
	}
	return merge(Default(), override), nil
}
