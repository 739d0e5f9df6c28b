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

package pstypes

// Value is either a full page Image or a WalRecord delta. Exactly one
// of Image/Record is meaningful, selected by IsImage.
type Value struct {
	IsImage bool
	Image   []byte
	Record  WalRecord
}

// WalRecord is a delta that, given the preceding image (and possibly
// prior records), produces the image at a later LSN.
type WalRecord struct {
	// WillInit, if true, means this record alone is sufficient to
	// initialize the page: no base image is required to replay it.
	WillInit bool
	Payload  []byte
}

// NewImageValue wraps a full page image.
func NewImageValue(image []byte) Value {
	return Value{IsImage: true, Image: image}
}

// NewRecordValue wraps a WAL record delta.
func NewRecordValue(rec WalRecord) Value {
	return Value{IsImage: false, Record: rec}
}

// Size returns the approximate in-memory footprint of the value, used
// by the roll decision's projected-layer-size check.
func (v Value) Size() int {
	if v.IsImage {
		return len(v.Image)
	}
	return len(v.Record.Payload)
}
