// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugin

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/phira-mp/plughost/pkg/errutil"
)

// Reloader applies a change to a plugin directory.
type Reloader interface {
	// ReloadDir loads the plugin in dir, replacing a running instance.
	ReloadDir(ctx context.Context, dir string) error
	// UnloadDir unloads whatever plugin was loaded from dir.
	UnloadDir(ctx context.Context, dir string) error
}

// Watcher reloads plugins when files in their directories change.
// Bursts of events for one plugin are debounced into a single reload, and
// a reload that fails is retried with exponential backoff since the files
// may still be mid-write.
type Watcher struct {
	root     string
	reloader Reloader
	logger   *slog.Logger
	debounce time.Duration
	backoff  time.Duration
	attempts uint64

	fs     *fsnotify.Watcher
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*pendingReload
	closed  bool
}

// pendingReload is the reload state of one plugin directory. At most one
// reload runs per directory; changes seen while it runs set dirty and
// re-arm the timer once it finishes.
type pendingReload struct {
	timer   *time.Timer
	running bool
	dirty   bool
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the quiet period before a reload.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithRetry sets the attempt count and initial backoff for failed reloads.
func WithRetry(attempts uint64, backoff time.Duration) WatcherOption {
	return func(w *Watcher) {
		if attempts > 0 {
			w.attempts = attempts
		}
		if backoff > 0 {
			w.backoff = backoff
		}
	}
}

// WithWatcherLogger sets the watcher's logger.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWatcher creates a watcher for the plugin directories under root.
func NewWatcher(root string, r Reloader, opts ...WatcherOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, oops.In("plugin").Wrapf(err, "create file watcher")
	}
	w := &Watcher{
		root:     filepath.Clean(root),
		reloader: r,
		logger:   slog.Default(),
		debounce: 250 * time.Millisecond,
		backoff:  100 * time.Millisecond,
		attempts: 3,
		fs:       fsw,
		pending:  make(map[string]*pendingReload),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start watches root and every plugin directory in it. Events are handled
// until ctx is cancelled or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.fs.Add(w.root); err != nil {
		return oops.In("plugin").With("dir", w.root).Wrapf(err, "watch plugins directory")
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return oops.In("plugin").With("dir", w.root).Wrapf(err, "read plugins directory")
	}
	for _, entry := range entries {
		if entry.IsDir() {
			w.watchDir(filepath.Join(w.root, entry.Name()))
		}
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)

	w.logger.Info("watching plugins", "dir", w.root, "debounce", w.debounce)
	return nil
}

// Close stops watching, cancels pending reloads and waits for running ones.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for dir, p := range w.pending {
		if !p.running && p.timer.Stop() {
			w.wg.Done()
		}
		delete(w.pending, dir)
	}
	w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
	}
	err := w.fs.Close()
	w.wg.Wait()
	if err != nil {
		return oops.In("plugin").Wrapf(err, "close file watcher")
	}
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Error("plugin watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}
	dir, ok := w.pluginDir(ev.Name)
	if !ok {
		return
	}
	if ev.Has(fsnotify.Create) && filepath.Clean(ev.Name) == dir {
		w.watchDir(dir)
	}
	w.logger.Debug("plugin files changed", "dir", dir, "op", ev.Op.String())
	w.schedule(ctx, dir)
}

// pluginDir maps a changed path to the plugin directory containing it.
func (w *Watcher) pluginDir(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	first, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	return filepath.Join(w.root, first), true
}

func (w *Watcher) watchDir(dir string) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return
	}
	if err := w.fs.Add(dir); err != nil {
		w.logger.Warn("cannot watch plugin directory", "dir", dir, "error", err)
	}
}

func (w *Watcher) schedule(ctx context.Context, dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	p, ok := w.pending[dir]
	if !ok {
		p = &pendingReload{}
		w.pending[dir] = p
		w.arm(ctx, dir, p)
		return
	}
	if !p.running && p.timer.Stop() {
		p.timer.Reset(w.debounce)
		return
	}
	// The timer fired: a reload is running or about to start.
	p.dirty = true
}

// arm starts the debounce timer for p. The caller holds mu.
func (w *Watcher) arm(ctx context.Context, dir string, p *pendingReload) {
	w.wg.Add(1)
	p.timer = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		w.run(ctx, dir, p)
	})
}

func (w *Watcher) run(ctx context.Context, dir string, p *pendingReload) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	p.running = true
	p.dirty = false
	w.mu.Unlock()

	w.apply(ctx, dir)

	w.mu.Lock()
	defer w.mu.Unlock()
	p.running = false
	if p.dirty && !w.closed {
		p.dirty = false
		w.arm(ctx, dir, p)
		return
	}
	if w.pending[dir] == p {
		delete(w.pending, dir)
	}
}

func (w *Watcher) apply(ctx context.Context, dir string) {
	if ctx.Err() != nil {
		return
	}

	if _, err := os.Stat(filepath.Join(dir, ManifestFile)); errors.Is(err, os.ErrNotExist) {
		if err := w.reloader.UnloadDir(ctx, dir); err != nil && !errutil.HasCode(err, CodeNotLoaded) {
			errutil.LogError(w.logger, "hot unload failed", err, "dir", dir)
			return
		}
		w.logger.Info("plugin directory removed", "dir", dir)
		return
	}

	backoff := retry.WithMaxRetries(w.attempts-1, retry.NewExponential(w.backoff))
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := w.reloader.ReloadDir(ctx, dir); err != nil {
			w.logger.Debug("hot reload attempt failed", "dir", dir, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		errutil.LogError(w.logger, "hot reload failed", err, "dir", dir, "attempts", attempt)
		return
	}
	w.logger.Info("plugin reloaded", "dir", dir)
}
