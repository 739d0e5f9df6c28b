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
	"context"
	"errors"
	"testing"

	"github.com/swaingotnochill/pageserver/internal/pserrors"
	"github.com/swaingotnochill/pageserver/internal/pstypes"
)

// GetVectored must report a key with no covering record as a per-key
// error rather than silently dropping it from the result map, the same
// gap-reporting contract the scalar Get path gives every caller.
func TestGetVectoredReportsGapPerKeyInsteadOfOmitting(t *testing.T) {
	tl := newTestTimeline(t, nil)

	present := keyAt(1)
	missing := keyAt(2)

	if err := tl.Put(present, 8, pstypes.NewImageValue([]byte("here"))); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tl.FinishWrite(8); err != nil {
		t.Fatalf("FinishWrite: %v", err)
	}

	results, err := tl.GetVectored(context.Background(), []pstypes.Key{present, missing}, 8)
	if err != nil {
		t.Fatalf("GetVectored: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected a result entry for every requested key, got %d", len(results))
	}

	gotPresent, ok := results[present]
	if !ok {
		t.Fatalf("expected a result for the present key")
	}
	if gotPresent.Err != nil {
		t.Fatalf("expected no error for the present key, got %v", gotPresent.Err)
	}
	if string(gotPresent.Bytes) != "here" {
		t.Fatalf("expected %q, got %q", "here", gotPresent.Bytes)
	}

	gotMissing, ok := results[missing]
	if !ok {
		t.Fatalf("expected a result entry for the missing key, not a silent omission")
	}
	if gotMissing.Err == nil {
		t.Fatalf("expected the missing key to carry a gap error")
	}
	var missingKeyErr *pserrors.MissingKeyError
	if !errors.As(gotMissing.Err, &missingKeyErr) {
		t.Fatalf("expected a *pserrors.MissingKeyError, got %T: %v", gotMissing.Err, gotMissing.Err)
	}
}
