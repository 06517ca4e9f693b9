// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mia-platform/furcate/internal/logger"
)

const (
	// DefaultDebounce is the quiet window after the last write event
	// before a reload fires.
	DefaultDebounce = 500 * time.Millisecond

	// DefaultPollInterval is the modification time poll rate used when the
	// configuration does not set one.
	DefaultPollInterval = 60 * time.Second

	// checkInterval is how often settled write events are looked for.
	checkInterval = 100 * time.Millisecond
)

// Options tunes a Watcher.
type Options struct {
	// Debounce overrides DefaultDebounce.
	Debounce time.Duration

	// PollInterval overrides DefaultPollInterval.
	PollInterval time.Duration

	// Logger receives watch activity. Defaults to a null logger.
	Logger logger.Logger
}

// Watcher watches one configuration file and invokes reload when its
// content changes. Filesystem notifications drive the fast path; a
// modification time poll backstops editors and platforms that replace
// files without emitting watchable events on the original path.
type Watcher struct {
	path   string
	reload func() error
	log    logger.Logger

	debounce time.Duration
	poll     time.Duration

	notifier *fsnotify.Watcher
	flagged  atomic.Bool
	forceCh  chan struct{}

	lock    sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// loop state, touched only by the watch goroutine
	mtime        time.Time
	size         int64
	pendingSince time.Time
}

// New builds a Watcher for the configuration file at path. The file must
// exist. When filesystem notifications cannot be set up the watcher
// degrades to polling alone.
func New(path string, reload func() error, opts Options) (*Watcher, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("watching configuration: %w", err)
	}

	log := opts.Logger
	if log == nil {
		log = logger.FromContext(context.Background())
	}

	w := &Watcher{
		path:     path,
		reload:   reload,
		log:      log.WithName("furcate:watcher"),
		debounce: opts.Debounce,
		poll:     opts.PollInterval,
		forceCh:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		mtime:    info.ModTime(),
		size:     info.Size(),
	}

	if w.debounce <= 0 {
		w.debounce = DefaultDebounce
	}
	if w.poll <= 0 {
		w.poll = DefaultPollInterval
	}

	notifier, err := fsnotify.NewWatcher()
	if err == nil {
		// watch the directory so renames over the file are seen
		if err := notifier.Add(filepath.Dir(path)); err != nil {
			_ = notifier.Close()
			notifier = nil
		}
	}
	w.notifier = notifier

	return w, nil
}

// Start begins watching until ctx is cancelled or Stop is called. It is
// non blocking.
func (w *Watcher) Start(ctx context.Context) {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.running {
		return
	}
	w.running = true

	if w.notifier == nil {
		w.log.Warn("filesystem notifications unavailable, relying on polling alone", "path", w.path)
	}
	w.log.Debug("watching configuration file", "path", w.path, "pollInterval", w.poll.String())

	go w.run(ctx)
}

// Stop halts the watcher and waits for the watch loop to drain. It is
// safe to call more than once.
func (w *Watcher) Stop() {
	w.lock.Lock()
	if !w.running {
		w.lock.Unlock()
		return
	}
	w.running = false
	w.lock.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if w.notifier != nil {
		if err := w.notifier.Close(); err != nil {
			w.log.Error("closing filesystem notifier", "error", err)
		}
	}
	w.log.Debug("stopped watching configuration file", "path", w.path)
}

// Flagged reports whether a reload happened since the last ResetFlag.
func (w *Watcher) Flagged() bool {
	return w.flagged.Load()
}

// ResetFlag lowers the reload flag.
func (w *Watcher) ResetFlag() {
	w.flagged.Store(false)
}

// ForceReload requests a reload without waiting for a file change, for
// example after a manual run ledger edit. Requests arriving while one is
// already queued coalesce with it.
func (w *Watcher) ForceReload() {
	select {
	case w.forceCh <- struct{}{}:
	default:
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	pollTicker := time.NewTicker(w.poll)
	defer pollTicker.Stop()
	checkTicker := time.NewTicker(checkInterval)
	defer checkTicker.Stop()

	var events chan fsnotify.Event
	var errs chan error
	if w.notifier != nil {
		events = w.notifier.Events
		errs = w.notifier.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.stopCh:
			return

		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			w.handleEvent(event)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.log.Error("filesystem notification error", "error", err)

		case <-w.forceCh:
			w.fireReload()

		case <-checkTicker.C:
			if !w.pendingSince.IsZero() && time.Since(w.pendingSince) >= w.debounce {
				w.pendingSince = time.Time{}
				w.fireReload()
			}

		case <-pollTicker.C:
			if w.changed() {
				w.fireReload()
			}
		}
	}
}

// handleEvent debounces write activity on the watched file: the reload
// fires one quiet window after the last event.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}

	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}

	w.pendingSince = time.Now()
}

// changed compares the current file stats with the recorded ones. A file
// that is momentarily gone, mid replacement, does not count as changed.
func (w *Watcher) changed() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		return false
	}

	return !info.ModTime().Equal(w.mtime) || info.Size() != w.size
}

// fireReload invokes the reload callback. On success the flag is raised
// and the file stats are recorded; on failure the previous configurations
// stay active and the next change or poll tick retries.
func (w *Watcher) fireReload() {
	if err := w.reload(); err != nil {
		w.log.Warn("configuration reload failed, keeping previous configurations",
			"path", w.path, "error", err)
		return
	}

	if info, err := os.Stat(w.path); err == nil {
		w.mtime = info.ModTime()
		w.size = info.Size()
	}

	w.flagged.Store(true)
	w.log.Info("detected configuration change, configurations reloaded", "path", w.path)
}
