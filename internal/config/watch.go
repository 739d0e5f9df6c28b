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
	"github.com/fsnotify/fsnotify"
)

// WatchTOML watches path for writes and republishes the decoded
// override onto live, implementing the hot-reload half of §6 ("changes
// are applied live via read-copy-update"). A reload that fails to
// parse is reported through onErr (if non-nil) and otherwise ignored,
// leaving the previously published config in effect. The caller closes
// the returned watcher to stop watching.
func WatchTOML(path string, live *Live, onErr func(error)) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				override, err := LoadTOML(path)
				if err != nil {
					if onErr != nil {
						onErr(err)
					}
					continue
				}
				live.Update(override)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if onErr != nil {
					onErr(err)
				}
			}
		}
	}()
	return w, nil
}
