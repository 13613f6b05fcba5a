// Package watcher turns new or changed files under the PDF storage directory
// into ingestion requests.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/medrag/medrag/internal/domain"
)

const defaultDebounce = 500 * time.Millisecond

// Handler receives one settled file. Files directly under the root belong to
// the default namespace; files in root/<ns>/ belong to ns.
type Handler func(ns domain.Namespace, path string)

// Watcher watches a storage root and its immediate namespace subdirectories.
type Watcher struct {
	root       string
	extensions []string
	debounce   time.Duration
	handler    Handler
	logger     *slog.Logger

	fsw     *fsnotify.Watcher
	mu      sync.Mutex
	pending map[string]*time.Timer
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets how long a file must stay quiet before it is handled.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithExtensions overrides the handled extensions (default ".pdf").
func WithExtensions(exts ...string) Option {
	return func(w *Watcher) { w.extensions = exts }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// New creates the root if needed and starts watching it. Events are only
// delivered once Run is called.
func New(root string, handler Handler, opts ...Option) (*Watcher, error) {
	w := &Watcher{
		root:       filepath.Clean(root),
		extensions: []string{".pdf"},
		debounce:   defaultDebounce,
		handler:    handler,
		logger:     slog.Default(),
		pending:    make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return nil, fmt.Errorf("creating watch root: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	w.fsw = fsw

	if err := fsw.Add(w.root); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", w.root, err)
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		fsw.Close()
		return nil, fmt.Errorf("reading %s: %w", w.root, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			w.addNamespaceDir(filepath.Join(w.root, e.Name()))
		}
	}
	return w, nil
}

// Run delivers events until ctx is cancelled, then releases the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.close()
	w.logger.Info("watching storage directory", "root", w.root)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) close() {
	w.mu.Lock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
	w.fsw.Close()
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	switch {
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if filepath.Dir(ev.Name) == w.root {
				w.addNamespaceDir(ev.Name)
				w.syncDir(ev.Name)
			}
			return
		}
		w.schedule(ev.Name)
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		w.cancel(ev.Name)
	}
}

// addNamespaceDir watches a subdirectory whose name is a valid namespace.
func (w *Watcher) addNamespaceDir(dir string) {
	if _, err := domain.ParseNamespace(filepath.Base(dir)); err != nil {
		w.logger.Debug("ignoring directory", "path", dir)
		return
	}
	if err := w.fsw.Add(dir); err != nil {
		w.logger.Warn("watching namespace directory", "path", dir, "error", err)
	}
}

// syncDir handles files that landed in a directory before it was watched.
func (w *Watcher) syncDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.schedule(filepath.Join(dir, e.Name()))
		}
	}
}

func (w *Watcher) schedule(path string) {
	ns, ok := w.namespaceOf(path)
	if !ok || !w.matchExtension(path) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.logger.Debug("file settled", "namespace", ns, "path", path)
		w.handler(ns, path)
	})
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) namespaceOf(path string) (domain.Namespace, bool) {
	dir := filepath.Dir(filepath.Clean(path))
	if dir == w.root {
		return domain.DefaultNamespace, true
	}
	if filepath.Dir(dir) != w.root {
		return "", false
	}
	ns, err := domain.ParseNamespace(filepath.Base(dir))
	if err != nil {
		return "", false
	}
	return ns, true
}

func (w *Watcher) matchExtension(path string) bool {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range w.extensions {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}
