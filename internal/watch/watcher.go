package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/docgraph/docgraph/internal/log"
)

// eventBuffer absorbs bursts between the OS notification thread and the
// debouncer.
const eventBuffer = 256

// Watcher observes one documentation root recursively and emits typed events
// for Markdown files, with paths relative to the root in slash form.
//
// Renames arrive from the OS as two notifications: the old name as a Rename
// op (emitted here as Delete) and the new name as a Create. The debouncer
// folds them per path.
type Watcher struct {
	root   string
	fsw    *fsnotify.Watcher
	events chan Event
	logger log.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewWatcher starts watching root and every directory below it.
// logger may be nil.
func NewWatcher(root string, logger log.Logger) (*Watcher, error) {
	if logger == nil {
		logger = log.NewNop()
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("watch root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch root %s: not a directory", root)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	w := &Watcher{
		root:   root,
		fsw:    fsw,
		events: make(chan Event, eventBuffer),
		logger: logger,
	}

	if err := w.addTree(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Events is the typed event stream. Closed after Close.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Close stops the watcher and closes the event stream after in-flight
// notifications drain.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.fsw.Close()
		w.wg.Wait()
	})
	return w.closeErr
}

func (w *Watcher) run() {
	defer w.wg.Done()
	defer close(w.events)

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("filesystem watch error", "root", w.root, "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	switch {
	case ev.Op.Has(fsnotify.Create):
		info, err := os.Stat(ev.Name)
		if err == nil && info.IsDir() {
			// New directory: watch it and surface any Markdown already
			// inside (moved-in trees arrive as a single create).
			if err := w.addTree(ev.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "dir", ev.Name, "error", err)
			}
			w.emitExisting(ev.Name)
			return
		}
		if isMarkdown(ev.Name) {
			w.emit(Create, ev.Name)
		}

	case ev.Op.Has(fsnotify.Write):
		if isMarkdown(ev.Name) {
			w.emit(Modify, ev.Name)
		}

	case ev.Op.Has(fsnotify.Remove):
		if isMarkdown(ev.Name) {
			w.emit(Delete, ev.Name)
		}

	case ev.Op.Has(fsnotify.Rename):
		// The old name is gone; the new name follows as its own Create.
		if isMarkdown(ev.Name) {
			w.emit(Delete, ev.Name)
		}
	}
}

func (w *Watcher) emit(kind EventKind, absPath string) {
	rel, err := filepath.Rel(w.root, absPath)
	if err != nil {
		w.logger.Warn("event outside watch root", "path", absPath, "error", err)
		return
	}
	w.events <- Event{Kind: kind, Path: filepath.ToSlash(rel)}
}

// emitExisting surfaces Markdown files already present under dir.
func (w *Watcher) emitExisting(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && isMarkdown(path) {
			w.emit(Create, path)
		}
		return nil
	})
}

// addTree registers dir and every non-hidden directory below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil // Raced with a delete; the event stream catches up.
			}
			return fmt.Errorf("walking %s: %w", path, err)
		}
		if !d.IsDir() {
			return nil
		}
		if name := d.Name(); path != dir && strings.HasPrefix(name, ".") {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

func isMarkdown(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".md")
}
