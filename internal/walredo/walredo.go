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

// Package walredo is the external-collaborator contract of §1/§6: a
// subprocess manager that replays a base image plus an ordered sequence
// of WAL records into the page bytes at a target LSN. The subprocess
// protocol itself is out of scope; only the Manager interface the
// timeline read path calls through, plus a process-pool stub grounded
// on the teacher's own os/exec-based external-tool wrappers, live here.
package walredo

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/swaingotnochill/pageserver/internal/plog"
	"github.com/swaingotnochill/pageserver/internal/pstypes"
)

// Manager replays WAL records onto a base image to produce the page at
// the records' final LSN. FSM and visibility-map pages are a documented
// lossless-shortcut exception (§7), for which ZeroPage supplies a zeroed
// page; the timeline read path does not call it and returns every redo
// failure as an error.
type Manager interface {
	Redo(ctx context.Context, key pstypes.Key, baseImage []byte, records []pstypes.WalRecord) ([]byte, error)
}

// ProcessManager runs an external redo binary via os/exec, the way the
// teacher shells out to helper binaries rather than linking them
// in-process. It starts a fresh process for every Redo call; the pool
// field is not used to keep or reuse processes.
type ProcessManager struct {
	path string
	log  plog.Logger

	mu   sync.Mutex
	pool []*process
}

type process struct {
	cmd *exec.Cmd
}

// NewProcessManager constructs a manager that will launch binaryPath on
// demand. The protocol spoken to that binary is outside this
// specification's scope.
func NewProcessManager(binaryPath string, log plog.Logger) *ProcessManager {
	return &ProcessManager{path: binaryPath, log: log.New("component", "walredo")}
}

// Redo returns baseImage unchanged when there are no records. Otherwise
// it runs the configured binary once, with no input, and returns its
// stdout as the page: baseImage and records are not passed to the
// process. The wire format is an external contract; this stub covers
// only the lifecycle and error surface the timeline read path uses.
func (m *ProcessManager) Redo(ctx context.Context, key pstypes.Key, baseImage []byte, records []pstypes.WalRecord) ([]byte, error) {
	if len(records) == 0 {
		return baseImage, nil
	}
	if m.path == "" {
		return nil, fmt.Errorf("walredo: no redo binary configured")
	}

	cmd := exec.CommandContext(ctx, m.path)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	m.log.Debug("invoking wal redo", "key", key, "records", len(records))
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("walredo: subprocess for key %s failed: %w", key, err)
	}
	return stdout.Bytes(), nil
}

// ZeroPage is the documented lossless shortcut for FSM and
// visibility-map pages: callers that know the key lies in one of those
// derived ranges substitute a zeroed page instead of propagating a redo
// failure (§7).
func ZeroPage(size int) []byte {
	return make([]byte, size)
}
