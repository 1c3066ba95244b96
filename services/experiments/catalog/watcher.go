// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherOptions configures the Watcher.
type WatcherOptions struct {
	// DebounceWindow is how long to wait for more writes before reloading.
	// Default: 100ms
	DebounceWindow time.Duration

	// BufferSize is the size of the change buffer channel.
	// Default: 64
	BufferSize int
}

// DefaultWatcherOptions returns sensible defaults.
func DefaultWatcherOptions() WatcherOptions {
	return WatcherOptions{
		DebounceWindow: 100 * time.Millisecond,
		BufferSize:     64,
	}
}

// Watcher reloads a catalog file into a Store when it changes on disk.
//
// # Description
//
// The parent directory is watched rather than the file itself, so editors
// that save by writing a temporary file and renaming it over the original
// are picked up. Events for other files in the directory are ignored.
// Bursts of events are debounced into one reload.
//
// A reload that fails to read or validate leaves the previous catalog in
// place. Removing the file does not clear the store.
//
// # Thread Safety
//
// Safe for concurrent use. Reloads happen on a single goroutine.
type Watcher struct {
	path     string
	store    *Store
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger

	changes  chan fsnotify.Op
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	watching bool
	reloads  int
	failures int
}

// NewWatcher creates a watcher for the catalog at path.
//
// # Inputs
//
//   - path: The catalog file. Its directory must exist.
//   - store: Receives reloaded catalogs.
//   - opts: Optional configuration (nil uses defaults).
//
// # Example
//
//	w, err := catalog.NewWatcher("catalog.yaml", store, nil, logger)
//	if err != nil {
//	    return err
//	}
//	defer w.Stop()
//	if err := w.Start(ctx); err != nil {
//	    return err
//	}
func NewWatcher(path string, store *Store, opts *WatcherOptions, logger *slog.Logger) (*Watcher, error) {
	if opts == nil {
		defaults := DefaultWatcherOptions()
		opts = &defaults
	}
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		path:     abs,
		store:    store,
		watcher:  fw,
		debounce: opts.DebounceWindow,
		logger:   logger.With(slog.String("catalog", abs)),
		changes:  make(chan fsnotify.Op, opts.BufferSize),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. Both goroutines exit on Stop or when ctx is canceled.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
		return err
	}

	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// IsWatching returns true if the watcher is currently active.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.watching
}

// Stats returns the number of successful and failed reloads.
func (w *Watcher) Stats() (reloads, failures int) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.reloads, w.failures
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			select {
			case w.changes <- event.Op:
			default:
				// A reload is already pending.
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("catalog watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) debounceLoop(ctx context.Context) {
	var timer *time.Timer
	var timerC <-chan time.Time
	pending := false

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			stopTimer()
			return
		case <-w.done:
			stopTimer()
			return
		case <-w.changes:
			pending = true
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			if pending {
				pending = false
				w.reload()
			}
		}
	}
}

func (w *Watcher) reload() {
	if _, err := os.Stat(w.path); err != nil {
		w.logger.Warn("catalog file missing, keeping previous catalog",
			slog.String("error", err.Error()))
		return
	}

	err := w.store.LoadFile(w.path)

	w.mu.Lock()
	if err != nil {
		w.failures++
	} else {
		w.reloads++
	}
	w.mu.Unlock()

	if err != nil {
		w.logger.Error("catalog reload failed, keeping previous catalog",
			slog.String("error", err.Error()))
	}
}
