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
	"time"

	"github.com/swaingotnochill/pageserver/internal/pserrors"
	"github.com/swaingotnochill/pageserver/internal/pstypes"
)

// WaitLsn blocks until last_record_lsn >= target, the wait times out,
// or cancellation fires (§4.4). The timeout is the tenant's
// walreceiver_connect_timeout option, or 30s when that is unset. It is only callable when the
// timeline is Active. waiterID guards against the programming error of
// a task waiting on the sequence it alone is responsible for advancing
// (e.g. walingest waiting on its own writes).
func (t *Timeline) WaitLsn(ctx context.Context, target pstypes.Lsn, waiterID string) error {
	if t.State() != StateActive {
		return pserrors.ErrNotActive
	}
	if waiterID != "" && waiterID == t.writerID {
		return pserrors.ErrSelfWait
	}

	timeout := t.conf.Get().WalreceiverConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if t.lastRecordLsn.Wait(waitCtx, uint64(target)) {
		return nil
	}
	select {
	case <-t.ctx.Done():
		return pserrors.ErrCancelled
	default:
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return pserrors.ErrLsnTimeout
}

// CheckLsnIsInScope rejects lsn if it precedes latest_gc_cutoff_lsn,
// used to reject basebackup or branch-from requests that would need
// already-collected history (§4.4).
func (t *Timeline) CheckLsnIsInScope(lsn pstypes.Lsn) error {
	guard := t.LatestGcCutoffLsn()
	defer guard.Release()
	if lsn < guard.Value() {
		return pserrors.NewBadRequest("invalid branch start lsn %s: below ancestor gc cutoff %s", lsn, guard.Value())
	}
	return nil
}

// MakeLsnLease records lsn -> now+length in gc_info.leases, extending
// an existing entry only if the new deadline is later (idempotent on
// shorter-or-equal lengths, §4.4, §7). It rejects lsn below the gc
// cutoff unless a lease on it already exists.
func (t *Timeline) MakeLsnLease(lsn pstypes.Lsn, length time.Duration) (time.Time, error) {
	guard := t.LatestGcCutoffLsn()
	cutoff := guard.Value()
	guard.Release()

	t.gcInfo.mu.Lock()
	defer t.gcInfo.mu.Unlock()

	existing, hasLease := t.gcInfo.Leases[lsn]
	if lsn < cutoff && !hasLease {
		return time.Time{}, pserrors.NewBadRequest("cannot lease lsn %s below gc cutoff %s", lsn, cutoff)
	}

	validUntil := time.Now().Add(length)
	if hasLease && !validUntil.After(existing) {
		return existing, nil
	}
	t.gcInfo.Leases[lsn] = validUntil
	return validUntil, nil
}
