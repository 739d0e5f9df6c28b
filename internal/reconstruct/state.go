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

// Package reconstruct implements the ReconstructState accumulator: a
// base image plus an LSN-ordered sequence of WAL records assembled
// while walking a timeline's layer stack, handed to the WAL-redo
// collaborator to produce the final page bytes.
package reconstruct

import (
	"sort"

	"github.com/swaingotnochill/pageserver/internal/pstypes"
)

// taggedRecord pairs a WAL record with the lsn it was logged at, so
// records appended out of traversal order (layers are visited
// newest-first) can be put back into replay order before redo.
type taggedRecord struct {
	lsn pstypes.Lsn
	rec pstypes.WalRecord
}

// State accumulates reconstruct data for a single key across a layer
// traversal. It implements layer.Accumulator without importing the
// layer package, so reconstruct has no dependency on layer's storage
// machinery.
type State struct {
	image   []byte
	hasImg  bool
	records []taggedRecord

	// CachedLsn/CachedImage implement the "cached-lsn optimization" of
	// §4.3: a caller-supplied claim that it already holds the image at
	// CachedLsn, letting the traversal short-circuit early.
	CachedLsn   pstypes.Lsn
	CachedImage []byte
}

// NewState constructs an empty accumulator, optionally seeded with a
// caller-provided cached base image.
func NewState(cachedLsn pstypes.Lsn, cachedImage []byte) *State {
	return &State{CachedLsn: cachedLsn, CachedImage: cachedImage}
}

// SetImage installs the base image found by a layer (implements
// layer.Accumulator).
func (s *State) SetImage(image []byte) {
	if s.hasImg {
		return // first image found wins; traversal stops afterward anyway
	}
	s.image = image
	s.hasImg = true
}

// AppendRecord appends a WAL record encountered during traversal
// (implements layer.Accumulator). Records may arrive in any order
// across layers; Records() sorts them before returning.
func (s *State) AppendRecord(lsn pstypes.Lsn, rec pstypes.WalRecord) {
	s.records = append(s.records, taggedRecord{lsn: lsn, rec: rec})
}

// HasImage reports whether a base image has been found.
func (s *State) HasImage() bool {
	return s.hasImg || s.CachedImage != nil
}

// BaseImage returns the base image to hand to WAL-redo: either the one
// found during traversal, or the caller-supplied cached one if the
// traversal stopped there instead.
func (s *State) BaseImage() []byte {
	if s.hasImg {
		return s.image
	}
	return s.CachedImage
}

// Records returns the accumulated WAL records in ascending-LSN replay
// order, the order the redo collaborator requires.
func (s *State) Records() []pstypes.WalRecord {
	sorted := make([]taggedRecord, len(s.records))
	copy(sorted, s.records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].lsn < sorted[j].lsn })

	out := make([]pstypes.WalRecord, len(sorted))
	for i, r := range sorted {
		out[i] = r.rec
	}
	return out
}

// Empty reports whether nothing at all has been accumulated — neither
// an image nor any records — meaning traversal found nothing for the
// key at any visited layer.
func (s *State) Empty() bool {
	return !s.hasImg && len(s.records) == 0 && s.CachedImage == nil
}
