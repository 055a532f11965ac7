package vault

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/knowd/knowd/internal/knowledge"
	"github.com/knowd/knowd/internal/retry"
)

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWatcher(t *testing.T) (*Watcher, *knowledge.Store, string) {
	t.Helper()
	root := t.TempDir()
	store, err := knowledge.Open(filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	w, err := New(root, store, fixedEmbedder{}, quietLogger(),
		WithRetry(retry.Config{MaxAttempts: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}))
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	return w, store, root
}

func writeNote(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write note: %v", err)
	}
}

// startWatcher runs the watcher until the returned stop func is called.
func startWatcher(t *testing.T, w *Watcher) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("watcher did not stop")
		}
	}
}

// waitForDoc polls until the document appears or the deadline passes.
func waitForDoc(t *testing.T, store *knowledge.Store, id string, want bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		doc, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if (doc != nil) == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("document %s: presence never became %v", id, want)
}

func TestInitialScanIndexesExistingNotes(t *testing.T) {
	w, store, root := newTestWatcher(t)
	writeNote(t, root, "ideas.md", "# Big idea\n\nwrite it down")
	writeNote(t, root, "projects/roadmap.md", "milestones")
	writeNote(t, root, "ignore.txt", "not a note")

	stop := startWatcher(t, w)
	defer stop()

	waitForDoc(t, store, "note:ideas.md", true)
	waitForDoc(t, store, "note:projects/roadmap.md", true)

	doc, err := store.Get(context.Background(), "note:ideas.md")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Title != "Big idea" {
		t.Errorf("title: got %q", doc.Title)
	}
	if doc.Origin != "vault" {
		t.Errorf("origin: got %q", doc.Origin)
	}

	n, err := store.Count(context.Background(), "vault")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("count: got %d, want 2", n)
	}
}

func TestNewNoteIsIndexed(t *testing.T) {
	w, store, root := newTestWatcher(t)
	stop := startWatcher(t, w)
	defer stop()

	// Let the watch install before creating the file.
	time.Sleep(100 * time.Millisecond)
	writeNote(t, root, "fresh.md", "new thought")

	waitForDoc(t, store, "note:fresh.md", true)
}

func TestEditedNoteIsReindexed(t *testing.T) {
	w, store, root := newTestWatcher(t)
	writeNote(t, root, "note.md", "v1")

	stop := startWatcher(t, w)
	defer stop()
	waitForDoc(t, store, "note:note.md", true)

	writeNote(t, root, "note.md", "v2 content")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		doc, err := store.Get(context.Background(), "note:note.md")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if doc != nil && doc.Content == "v2 content" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("edit never reindexed")
}

func TestDeletedNoteIsDeindexed(t *testing.T) {
	w, store, root := newTestWatcher(t)
	writeNote(t, root, "gone.md", "temporary")

	stop := startWatcher(t, w)
	defer stop()
	waitForDoc(t, store, "note:gone.md", true)

	if err := os.Remove(filepath.Join(root, "gone.md")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	waitForDoc(t, store, "note:gone.md", false)
}

func TestNoteTitle(t *testing.T) {
	tests := []struct {
		name string
		path string
		text string
		want string
	}{
		{"heading", "a.md", "# Title here\nbody", "Title here"},
		{"deep heading", "a.md", "intro\n## Sub title\n", "Sub title"},
		{"no heading", "meeting-notes.md", "just text", "meeting-notes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := noteTitle(tt.path, tt.text); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNew_RejectsMissingRoot(t *testing.T) {
	store, err := knowledge.Open(filepath.Join(t.TempDir(), "x.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	if _, err := New(filepath.Join(t.TempDir(), "absent"), store, fixedEmbedder{}, quietLogger()); err == nil {
		t.Error("expected error for missing root")
	}
}
