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

// Package remotestorage is the external object-store contract of §1/§6:
// the authoritative home for persistent layer blocks and index parts,
// of which local files are only a cache. Two concrete backends are
// provided (S3, Azure Blob); the wire format of a layer block or index
// part is itself out of scope (§1 "on-disk layer file binary formats").
package remotestorage

import (
	"context"
	"fmt"
	"io"

	"github.com/swaingotnochill/pageserver/internal/layer"
)

// IndexPartKey names an index part's location: tenant/timeline plus
// the generation it was written under, so a superseded pageserver
// cannot clobber a newer write (§6 "generation... protects against
// split-brain").
type IndexPartKey struct {
	TenantShardID string
	TimelineID    string
	Generation    uint64
}

// RemoteStorage is the minimal object-store contract the storage
// engine's uploader/downloader paths need: put/get a layer block by
// descriptor, put/get an index part, and delete a batch of layers
// (used by GC's "schedule deletions" step, §4.5 step 5).
type RemoteStorage interface {
	PutLayer(ctx context.Context, tenantShardID string, d layer.Descriptor, data io.Reader) error
	GetLayer(ctx context.Context, tenantShardID string, d layer.Descriptor) (io.ReadCloser, error)
	DeleteLayers(ctx context.Context, tenantShardID string, ds []layer.Descriptor) error

	PutIndexPart(ctx context.Context, key IndexPartKey, data []byte) error
	GetIndexPart(ctx context.Context, key IndexPartKey) ([]byte, error)
}

// ErrGenerationSuperseded is returned by PutIndexPart when a newer
// generation has already written to this timeline's index location
// (§6 split-brain protection).
var ErrGenerationSuperseded = fmt.Errorf("remotestorage: generation superseded")

func layerObjectKey(tenantShardID string, d layer.Descriptor) string {
	kind := "delta"
	if !d.IsDelta {
		kind = "image"
	}
	return fmt.Sprintf("%s/layers/%s-%s-gen%d-%s", tenantShardID, d.KeyRange, d.LsnRange, d.Generation, kind)
}

func indexPartObjectKey(key IndexPartKey) string {
	return fmt.Sprintf("%s/timelines/%s/index_part-gen%d.json", key.TenantShardID, key.TimelineID, key.Generation)
}
