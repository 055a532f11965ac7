// Package vault indexes a directory of markdown notes into the knowledge
// store and keeps the index current by watching the filesystem.
package vault

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/knowd/knowd/internal/knowledge"
	"github.com/knowd/knowd/internal/observability"
	"github.com/knowd/knowd/internal/retry"
	"github.com/knowd/knowd/internal/sync"
)

// Watcher mirrors markdown files under a root directory into the knowledge
// store.
type Watcher struct {
	root     string
	store    *knowledge.Store
	embedder knowledge.Embedder
	retry    retry.Config
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithMetrics enables index metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(w *Watcher) { w.metrics = m }
}

// WithRetry overrides the embed retry policy.
func WithRetry(cfg retry.Config) Option {
	return func(w *Watcher) { w.retry = cfg }
}

// New creates a Watcher over root.
func New(root string, store *knowledge.Store, embedder knowledge.Embedder, logger *slog.Logger, opts ...Option) (*Watcher, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("vault root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vault root %s is not a directory", root)
	}
	w := &Watcher{
		root:     root,
		store:    store,
		embedder: embedder,
		retry:    retry.DefaultConfig(),
		logger:   logger,
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run scans the vault once, then watches for changes until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := w.scan(ctx, watcher); err != nil {
		return err
	}
	w.logger.Info("vault watch started", "root", w.root)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("vault watcher error", "error", err)
		}
	}
}

// scan walks the tree, indexing every markdown file and registering every
// directory with the watcher.
func (w *Watcher) scan(ctx context.Context, watcher *fsnotify.Watcher) error {
	return filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != w.root {
				return filepath.SkipDir
			}
			if err := watcher.Add(path); err != nil {
				return fmt.Errorf("watch %s: %w", path, err)
			}
			return nil
		}
		if isNote(path) {
			if err := w.indexNote(ctx, path); err != nil {
				w.logger.Error("index note failed", "path", path, "error", err)
			}
		}
		return nil
	})
}

func (w *Watcher) handleEvent(ctx context.Context, watcher *fsnotify.Watcher, event fsnotify.Event) {
	switch {
	case event.Has(fsnotify.Create):
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			// New subdirectory: watch it and index anything already inside.
			if err := w.scanSubtree(ctx, watcher, event.Name); err != nil {
				w.logger.Error("scan new directory failed", "path", event.Name, "error", err)
			}
			return
		}
		fallthrough
	case event.Has(fsnotify.Write):
		if !isNote(event.Name) {
			return
		}
		if err := w.indexNote(ctx, event.Name); err != nil {
			w.logger.Error("index note failed", "path", event.Name, "error", err)
		}
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		if !isNote(event.Name) {
			return
		}
		if err := w.removeNote(ctx, event.Name); err != nil {
			w.logger.Error("deindex note failed", "path", event.Name, "error", err)
		}
	}
}

func (w *Watcher) scanSubtree(ctx context.Context, watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		if isNote(path) {
			return w.indexNote(ctx, path)
		}
		return nil
	})
}

func (w *Watcher) indexNote(ctx context.Context, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Deleted between event and read.
			return nil
		}
		return fmt.Errorf("read note: %w", err)
	}
	text := strings.TrimSpace(string(content))
	if text == "" {
		return nil
	}

	title := noteTitle(path, text)
	var vector []float32
	err = retry.Do(ctx, w.retry, func() error {
		var embedErr error
		vector, embedErr = w.embedder.Embed(ctx, title+"\n\n"+text)
		if embedErr != nil && !sync.IsTransient(embedErr) {
			return retry.Permanent(embedErr)
		}
		return embedErr
	})
	if err != nil {
		return fmt.Errorf("embed note: %w", err)
	}

	rel := w.relPath(path)
	doc := knowledge.Document{
		ID:        noteID(rel),
		Origin:    "vault",
		Title:     title,
		Content:   text,
		Meta:      map[string]string{"path": rel},
		Embedding: vector,
		UpdatedAt: time.Now().UTC(),
	}
	if err := w.store.Upsert(ctx, doc); err != nil {
		return err
	}
	if w.metrics != nil {
		w.metrics.DocumentsIndexed.WithLabelValues("vault", "upsert").Inc()
	}
	w.logger.Info("note indexed", "path", rel, "title", title)
	return nil
}

func (w *Watcher) removeNote(ctx context.Context, path string) error {
	rel := w.relPath(path)
	if err := w.store.Delete(ctx, noteID(rel)); err != nil {
		return err
	}
	if w.metrics != nil {
		w.metrics.DocumentsIndexed.WithLabelValues("vault", "delete").Inc()
	}
	w.logger.Info("note deindexed", "path", rel)
	return nil
}

func (w *Watcher) relPath(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

func isNote(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".md" || ext == ".markdown"
}

func noteID(rel string) string {
	return "note:" + rel
}

// noteTitle prefers the first markdown heading, falling back to the
// filename without extension.
func noteTitle(path, text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "#"))
		}
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
