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
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

// LockDataDir takes an exclusive advisory lock on dir, refusing to
// start a second pageserver process against the same local data
// directory, the same role geth's own instance lockfile plays against
// its data dir.
func LockDataDir(dir string) (*flock.Flock, error) {
	lockPath := filepath.Join(dir, "pageserver.lock")
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("config: acquiring data dir lock %s: %w", lockPath, err)
	}
	if !ok {
		return nil, fmt.Errorf("config: data dir %s is already locked by another pageserver process", dir)
	}
	return lock, nil
}
