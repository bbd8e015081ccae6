// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package watch reloads shader sources into a gpgpu.Library when their
// files change on disk.
//
//	lib := gpgpu.NewLibrary()
//	w, err := watch.New(lib)
//	if err != nil {
//		return err
//	}
//	defer w.Close()
//	if err := w.AddDir("shaders"); err != nil {
//		return err
//	}
//	go w.Run(ctx)
//
// Every file with the watched extension is registered under its base name
// without the extension, so shaders/blur.wgsl becomes "blur". Pipelines
// built from a reloaded shader are rebuilt on their next use.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gogpu/gpgpu"
)

// DefaultDebounce is how long a file must stay quiet before it is reloaded.
// Editors often write a file in several steps.
const DefaultDebounce = 50 * time.Millisecond

// ErrClosed is returned by operations on a closed Watcher.
var ErrClosed = errors.New("watch: watcher closed")

// Watcher keeps a Library in sync with shader files.
type Watcher struct {
	lib      *gpgpu.Library
	ext      string
	debounce time.Duration
	logger   *slog.Logger
	onReload func(name string, err error)

	fsw *fsnotify.Watcher

	mu     sync.Mutex
	dirs   map[string]bool
	files  map[string]bool
	timers map[string]*time.Timer
	closed bool
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithExtension sets the file extension to watch. Default ".wgsl".
func WithExtension(ext string) Option {
	return func(w *Watcher) {
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		w.ext = ext
	}
}

// WithDebounce sets the quiet period before a changed file is reloaded.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithLogger sets the logger. The default is gpgpu.Logger().
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		w.logger = l
	}
}

// OnReload registers fn to be called after every reload attempt, with the
// library name and the error, if any.
func OnReload(fn func(name string, err error)) Option {
	return func(w *Watcher) {
		w.onReload = fn
	}
}

// New returns a Watcher feeding lib.
func New(lib *gpgpu.Library, opts ...Option) (*Watcher, error) {
	if lib == nil {
		return nil, errors.New("watch: nil library")
	}
	w := &Watcher{
		lib:      lib,
		ext:      ".wgsl",
		debounce: DefaultDebounce,
		dirs:     make(map[string]bool),
		files:    make(map[string]bool),
		timers:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = gpgpu.Logger()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	w.fsw = fsw
	return w, nil
}

// NameFor returns the library name used for the shader at path.
func NameFor(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// AddDir registers every shader in dir and watches it for changes.
// Subdirectories are not watched.
func (w *Watcher) AddDir(dir string) error {
	dir = filepath.Clean(dir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	if err := w.watch(dir); err != nil {
		return err
	}
	w.mu.Lock()
	w.dirs[dir] = true
	w.mu.Unlock()

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != w.ext {
			continue
		}
		if err := w.load(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// AddFile registers one shader and watches it for changes. The parent
// directory is watched so that editors replacing the file by rename are
// noticed.
func (w *Watcher) AddFile(path string) error {
	path = filepath.Clean(path)
	if err := w.load(path); err != nil {
		return err
	}
	if err := w.watch(filepath.Dir(path)); err != nil {
		return err
	}
	w.mu.Lock()
	w.files[path] = true
	w.mu.Unlock()
	return nil
}

func (w *Watcher) watch(dir string) error {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("watch: %s: %w", dir, err)
	}
	return nil
}

// load reads path and registers or reloads it.
func (w *Watcher) load(path string) error {
	code, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	name := NameFor(path)
	src := gpgpu.Source{Name: path, Code: string(code)}
	if _, ok := w.lib.Source(name); ok {
		return w.lib.Reload(name, src)
	}
	w.lib.Register(name, src)
	w.logger.Debug("watch: shader registered", "name", name, "path", path)
	return nil
}

// Watched returns the directories and files being watched.
func (w *Watcher) Watched() []string {
	return w.fsw.WatchList()
}

func (w *Watcher) tracked(path string) bool {
	if filepath.Ext(path) != w.ext {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dirs[filepath.Dir(path)] || w.files[path]
}

// Run processes file events until ctx is done or the Watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch: watcher error", "err", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	if !w.tracked(path) {
		return
	}
	switch {
	case ev.Has(fsnotify.Write), ev.Has(fsnotify.Create):
		w.schedule(path)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		// The library keeps the last good source.
		w.logger.Info("watch: shader removed", "name", NameFor(path), "path", path)
	}
}

// schedule reloads path once it has been quiet for the debounce period.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		closed := w.closed
		w.mu.Unlock()
		if !closed {
			w.reload(path)
		}
	})
}

func (w *Watcher) reload(path string) {
	name := NameFor(path)
	err := w.load(path)
	if err != nil {
		w.logger.Warn("watch: reload failed", "name", name, "err", err)
	} else {
		w.logger.Info("watch: shader changed", "name", name, "revision", w.lib.Revision(name))
	}
	if w.onReload != nil {
		w.onReload(name, err)
	}
}

// Close stops watching. Pending reloads are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for p, t := range w.timers {
		t.Stop()
		delete(w.timers, p)
	}
	w.mu.Unlock()
	return w.fsw.Close()
}
