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

package config

import (
	"os"
	"testing"
	"time"
)

func TestLockDataDirRejectsSecondHolder(t *testing.T) {
	dir := t.TempDir()

	first, err := LockDataDir(dir)
	if err != nil {
		t.Fatalf("LockDataDir: %v", err)
	}
	defer first.Unlock()

	if _, err := LockDataDir(dir); err == nil {
		t.Fatalf("expected a second lock on the same data dir to be refused")
	}
}

func TestLockDataDirReleasesOnUnlock(t *testing.T) {
	dir := t.TempDir()

	first, err := LockDataDir(dir)
	if err != nil {
		t.Fatalf("LockDataDir: %v", err)
	}
	if err := first.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	second, err := LockDataDir(dir)
	if err != nil {
		t.Fatalf("expected the lock to be acquirable again after Unlock: %v", err)
	}
	defer second.Unlock()
}

func TestWatchTOMLReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/tenant.toml"
	if err := os.WriteFile(path, []byte("checkpoint_distance = 1\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	live := NewLive(Default())
	override, err := LoadTOML(path)
	if err != nil {
		t.Fatalf("LoadTOML: %v", err)
	}
	live.Update(override)

	watcher, err := WatchTOML(path, live, nil)
	if err != nil {
		t.Fatalf("WatchTOML: %v", err)
	}
	defer watcher.Close()

	if err := os.WriteFile(path, []byte("checkpoint_distance = 2\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if live.Get().CheckpointDistance == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected the live config to reflect the rewritten file, got %d", live.Get().CheckpointDistance)
}
