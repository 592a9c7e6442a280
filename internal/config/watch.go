// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchDebounce is how long the watcher waits for writes to settle before
// reloading. Editors and SaveTOML both produce bursts of events.
var WatchDebounce = 250 * time.Millisecond

// Watch reloads the config file at path whenever it changes and passes the
// result to fn. A file that fails to load or validate is reported as
// fn(nil, err) and the caller keeps its previous config.
//
// The parent directory is watched rather than the file itself so that
// atomic rename-over writes are seen. Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, fn func(*Config, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(WatchDebounce)
			} else {
				timer.Reset(WatchDebounce)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			cfg, err := LoadFromPath(abs)
			if err != nil {
				fn(nil, err)
				continue
			}
			fn(cfg, nil)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fn(nil, fmt.Errorf("config watcher: %w", err))
		}
	}
}
