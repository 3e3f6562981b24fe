package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-reads the configuration file when it changes on disk and hands
// every successfully parsed revision to a callback. Parse and validation
// failures keep the previous revision in force; the error is reported
// through the error callback instead of killing the watcher.
type Watcher struct {
	path    string
	onLoad  func(*Config)
	onError func(error)
	fsw     *fsnotify.Watcher
}

// NewWatcher creates a watcher for the configuration file at path. onLoad
// receives every valid new revision; onError receives reload failures. Both
// callbacks are invoked from the watcher's own goroutine.
func NewWatcher(path string, onLoad func(*Config), onError func(error)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating filesystem watcher: %w", err)
	}
	// Watch the directory, not the file: editors and config-management
	// tools replace the file by rename, which drops a file-level watch.
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching config directory %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{path: abs, onLoad: onLoad, onError: onError, fsw: fsw}, nil
}

// Run blocks, delivering reloads until ctx is cancelled. Bursts of events
// for one save are debounced so the file is read once, after the writer has
// finished.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()

	const settle = 100 * time.Millisecond
	var timer *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(settle)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(settle)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.onError != nil {
				w.onError(fmt.Errorf("filesystem watcher: %w", err))
			}
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		if w.onError != nil {
			w.onError(err)
		}
		return
	}
	if w.onLoad != nil {
		w.onLoad(cfg)
	}
}
