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

package pageservice

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/google/uuid"

	"github.com/swaingotnochill/pageserver/internal/config"
	"github.com/swaingotnochill/pageserver/internal/layer"
	"github.com/swaingotnochill/pageserver/internal/plog"
	"github.com/swaingotnochill/pageserver/internal/pstypes"
	"github.com/swaingotnochill/pageserver/internal/tenant"
	"github.com/swaingotnochill/pageserver/internal/timeline"
)

type fakeRedo struct{}

func (fakeRedo) Redo(ctx context.Context, key pstypes.Key, base []byte, records []pstypes.WalRecord) ([]byte, error) {
	out := append([]byte{}, base...)
	for _, r := range records {
		out = append(out, r.Payload...)
	}
	return out, nil
}

type fakeManager struct {
	tenants map[string]*tenant.Tenant
}

func (m *fakeManager) Tenant(id string) (*tenant.Tenant, error) {
	t, ok := m.tenants[id]
	if !ok {
		return nil, badRequestErr("unknown tenant %q", id)
	}
	return t, nil
}

func keyAt(b byte) pstypes.Key {
	var k pstypes.Key
	k[17] = b
	return k
}

// testFixture builds one tenant with one active timeline holding a
// single (key, lsn) page, under the given shard identity.
func testFixture(t *testing.T, shard tenant.ShardIdentity, tenantID string) (*tenant.Tenant, uuid.UUID) {
	t.Helper()
	conf := config.NewLive(config.Default())
	tn := tenant.New(tenantID, shard, conf, plog.Root())

	id := uuid.New()
	tlCfg := timeline.Config{
		TimelineID: id,
		Conf:       conf,
		Store:      layer.NewMemStore(),
		Redo:       fakeRedo{},
		Log:        plog.Root(),
	}
	tl, err := tn.CreateTimeline(id, tlCfg, "")
	if err != nil {
		t.Fatalf("CreateTimeline: %v", err)
	}
	if err := tl.Put(keyAt(5), 8, pstypes.NewImageValue([]byte("page-data"))); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tl.FinishWrite(8); err != nil {
		t.Fatalf("FinishWrite: %v", err)
	}
	return tn, id
}

func TestServeRequestHappyPath(t *testing.T) {
	tn, id := testFixture(t, tenant.ShardIdentity{Number: 0, Count: 1, StripeSize: 1}, "tenant-single")
	cache := newTimelineCache()
	defer cache.releaseAll()

	h := &Handler{Manager: &fakeManager{tenants: map[string]*tenant.Tenant{"tenant-single": tn}}, Log: plog.Root()}
	resp := h.serveRequest(tn, id, PageRequest{Kind: RequestGetPage, RequestLsn: 8, Key: keyAt(5)}, cache)
	if !resp.OK {
		t.Fatalf("expected OK, got error %v", resp.Err)
	}
	if string(resp.Payload) != "page-data" {
		t.Fatalf("expected page-data, got %q", resp.Payload)
	}
}

// S5: a key that routes to a different shard than the one this
// pageserver serves must be classified Reconnect, not served or
// rejected as a bad request.
func TestServeRequestWrongShardReconnects(t *testing.T) {
	shard := tenant.ShardIdentity{Number: 0, Count: 2, StripeSize: 16}
	tn, id := testFixture(t, shard, "tenant-sharded")
	cache := newTimelineCache()
	defer cache.releaseAll()

	// Routing reads the key's first byte: 16 stripes to shard 1, and this
	// pageserver only serves shard 0.
	h := &Handler{Manager: &fakeManager{tenants: map[string]*tenant.Tenant{"tenant-sharded": tn}}, Log: plog.Root()}
	r := h.serveRequest(tn, id, PageRequest{Kind: RequestGetPage, RequestLsn: 8, Key: pstypes.Key{16}}, cache)
	if r.OK {
		t.Fatalf("expected the wrong-shard request to fail")
	}
	var ce *ConnError
	if !asConnError(r.Err, &ce) || ce.Kind != ErrKindReconnect {
		t.Fatalf("expected ErrKindReconnect, got %v", r.Err)
	}
}

func TestServeRequestInvalidLsn(t *testing.T) {
	tn, id := testFixture(t, tenant.ShardIdentity{Number: 0, Count: 1, StripeSize: 1}, "tenant-invalid-lsn")
	cache := newTimelineCache()
	defer cache.releaseAll()

	r := (&Handler{}).serveRequest(tn, id, PageRequest{Kind: RequestGetPage, RequestLsn: pstypes.InvalidLsn, Key: keyAt(5)}, cache)
	if r.OK {
		t.Fatalf("expected an invalid lsn to be rejected")
	}
	var ce *ConnError
	if !asConnError(r.Err, &ce) || ce.Kind != ErrKindBadRequest {
		t.Fatalf("expected ErrKindBadRequest, got %v", r.Err)
	}
}

func TestServeRequestNotModifiedSinceAfterRequestLsn(t *testing.T) {
	tn, id := testFixture(t, tenant.ShardIdentity{Number: 0, Count: 1, StripeSize: 1}, "tenant-nms")
	cache := newTimelineCache()
	defer cache.releaseAll()

	r := (&Handler{}).serveRequest(tn, id, PageRequest{Kind: RequestGetPage, RequestLsn: 8, NotModifiedSince: 16, Key: keyAt(5)}, cache)
	if r.OK {
		t.Fatalf("expected request_lsn < not_modified_since to be rejected")
	}
}

func TestHandleLeaseGrantsAndReturnsValidUntil(t *testing.T) {
	tn, id := testFixture(t, tenant.ShardIdentity{Number: 0, Count: 1, StripeSize: 1}, "tenant-lease")
	h := &Handler{Manager: &fakeManager{tenants: map[string]*tenant.Tenant{"tenant-lease": tn}}, Log: plog.Root()}

	var buf bytes.Buffer
	fields := []string{"lease", "lsn", "tenant-lease", id.String(), "8"}
	if err := h.handleLease(fields, &buf); err != nil {
		t.Fatalf("handleLease: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatalf("expected a non-empty OK frame")
	}
	if buf.Bytes()[0] != 0 {
		t.Fatalf("expected status byte 0 (ok), got %d", buf.Bytes()[0])
	}
}

func TestHandleLeaseRejectsMalformedCommand(t *testing.T) {
	h := &Handler{}
	if err := h.handleLease([]string{"lease", "lsn", "only-three-fields"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected a malformed lease command to error")
	}
}

func TestDispatchSetIsNoOp(t *testing.T) {
	h := &Handler{}
	var buf bytes.Buffer
	br := bufio.NewReader(&bytes.Buffer{})
	if err := h.dispatch("set foo=bar", br, &buf); err != nil {
		t.Fatalf("dispatch set: %v", err)
	}
	if buf.Bytes()[0] != 0 {
		t.Fatalf("expected an OK frame for set, got status %d", buf.Bytes()[0])
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	h := &Handler{}
	br := bufio.NewReader(&bytes.Buffer{})
	err := h.dispatch("frobnicate", br, &bytes.Buffer{})
	var ce *ConnError
	if !asConnError(err, &ce) || ce.Kind != ErrKindBadRequest {
		t.Fatalf("expected ErrKindBadRequest for an unknown command, got %v", err)
	}
}

func TestReadRequestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(RequestGetPage))
	var lsnBuf [8]byte
	binary.BigEndian.PutUint64(lsnBuf[:], 42)
	buf.Write(lsnBuf[:])
	binary.BigEndian.PutUint64(lsnBuf[:], 10)
	buf.Write(lsnBuf[:])
	k := keyAt(9)
	buf.Write(k[:])
	buf.WriteByte(3)

	req, err := readRequestFrame(&buf)
	if err != nil {
		t.Fatalf("readRequestFrame: %v", err)
	}
	if req.Kind != RequestGetPage || req.RequestLsn != 42 || req.NotModifiedSince != 10 || req.Key != k || req.SlruKind != 3 {
		t.Fatalf("round trip mismatch: %+v", req)
	}
}

func TestWriteResponseFrameOkAndError(t *testing.T) {
	var buf bytes.Buffer
	if err := writeResponseFrame(&buf, PageResponse{OK: true, Payload: []byte("hi")}); err != nil {
		t.Fatalf("writeResponseFrame ok: %v", err)
	}
	if buf.Bytes()[0] != 0 {
		t.Fatalf("expected status 0 for ok frame")
	}

	buf.Reset()
	if err := writeResponseFrame(&buf, errResponse(badRequestErr("boom"))); err != nil {
		t.Fatalf("writeResponseFrame error: %v", err)
	}
	if buf.Bytes()[0] != 1 {
		t.Fatalf("expected status 1 for error frame")
	}
	if ErrorKind(buf.Bytes()[1]) != ErrKindBadRequest {
		t.Fatalf("expected the error kind byte to carry ErrKindBadRequest")
	}
}
