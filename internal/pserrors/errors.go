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

// Package pserrors is the error taxonomy of §7: a small set of sentinel
// errors for the simple cases and typed errors for the cases that must
// carry a breadcrumb back to the caller.
package pserrors

import (
	"errors"
	"fmt"

	"github.com/swaingotnochill/pageserver/internal/pstypes"
)

// Sentinel errors for the simple, argument-free taxonomy members.
var (
	// ErrCancelled is returned when a timeline or tenant cancellation
	// token fires mid-operation. Not a problem-domain error: handlers
	// drop the response rather than log it.
	ErrCancelled = errors.New("pageserver: cancelled")

	// ErrNotFound means the tenant/shard/timeline is absent on this node.
	ErrNotFound = errors.New("pageserver: not found")

	// ErrNotActive means the target exists but isn't serving yet.
	ErrNotActive = errors.New("pageserver: not active")

	// ErrLsnTimeout means the caller waited for WAL that never arrived.
	ErrLsnTimeout = errors.New("pageserver: timed out waiting for lsn")

	// ErrBroken marks a persistent failure requiring operator
	// intervention.
	ErrBroken = errors.New("pageserver: broken")

	// ErrSelfWait is raised when a task waits on an lsn sequence that
	// it alone is responsible for advancing (a programming error).
	ErrSelfWait = errors.New("pageserver: self-wait on last_record_lsn")

	// ErrOversizedVectoredRead is returned when get_vectored is asked
	// for more keys than MAX_GET_VECTORED_KEYS.
	ErrOversizedVectoredRead = errors.New("pageserver: vectored read exceeds max key count")

	// ErrTooManyAncestors is returned by detach when the ancestor
	// itself has an ancestor.
	ErrTooManyAncestors = errors.New("pageserver: ancestor has an ancestor, cannot detach")

	// ErrRepartitionInProgress guards concurrent repartition attempts.
	ErrRepartitionInProgress = errors.New("pageserver: repartition already in progress")
)

// BadRequestError covers the LSN-ordering/oversize/bad-enum family of
// client mistakes (§7 BadRequest).
type BadRequestError struct {
	Reason string
}

func (e *BadRequestError) Error() string { return "pageserver: bad request: " + e.Reason }

// NewBadRequest constructs a BadRequestError with a formatted reason.
func NewBadRequest(format string, args ...any) *BadRequestError {
	return &BadRequestError{Reason: fmt.Sprintf(format, args...)}
}

// MissingKeyError is raised when a layer traversal completes without
// producing a base image for a data key. It carries the full
// breadcrumb required by §7 for diagnosis.
type MissingKeyError struct {
	Key          pstypes.Key
	ShardID      string
	ContLsn      pstypes.Lsn
	RequestLsn   pstypes.Lsn
	AncestorLsn  pstypes.Lsn
	TraversalLog []string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("pageserver: missing key %s (shard=%s cont_lsn=%s request_lsn=%s ancestor_lsn=%s path=%v)",
		e.Key, e.ShardID, e.ContLsn, e.RequestLsn, e.AncestorLsn, e.TraversalLog)
}

// AncestorLsnError is returned when a branch creation or descent asks
// for an lsn that precedes the ancestor's gc cutoff.
type AncestorLsnError struct {
	Requested pstypes.Lsn
	GcCutoff  pstypes.Lsn
}

func (e *AncestorLsnError) Error() string {
	return fmt.Sprintf("invalid branch start lsn %s: below ancestor gc cutoff %s", e.Requested, e.GcCutoff)
}

// ConflictError is returned when a timeline/tenant creation request
// names an id that already exists with different parameters.
type ConflictError struct {
	ID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("pageserver: conflicting creation of %s with different parameters", e.ID)
}

// PageReconstructError wraps a failure surfaced by a layer during
// reconstruction (I/O, decode, or a redo failure bubbled up).
type PageReconstructError struct {
	Key pstypes.Key
	Err error
}

func (e *PageReconstructError) Error() string {
	return fmt.Sprintf("pageserver: failed to reconstruct key %s: %v", e.Key, e.Err)
}

func (e *PageReconstructError) Unwrap() error { return e.Err }

// IsCancelled reports whether err is, or wraps, ErrCancelled.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
