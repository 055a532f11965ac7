package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// CorruptStateError reports a state file that exists but cannot be decoded.
// The caller decides whether to treat it as a fresh start or as fatal; the
// store never silently defaults.
type CorruptStateError struct {
	Path string
	Err  error
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("sync: corrupt state file %s: %v", e.Path, e.Err)
}

func (e *CorruptStateError) Unwrap() error { return e.Err }

// StateStore loads and persists loop state across process restarts.
type StateStore interface {
	// Load returns the previously persisted state, or a fresh state when
	// none exists. Malformed stored data yields a *CorruptStateError.
	Load(ctx context.Context) (*State, error)

	// Persist durably writes the state. The write must be atomic: a
	// concurrent or later reader sees either the old state or the new one,
	// never a torn write.
	Persist(ctx context.Context, state *State) error
}

// FileStore persists state as a single JSON file, using a temp-write plus
// rename so readers never observe a partial write.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore writing to the given path. The parent
// directory must exist.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load implements StateStore.
func (s *FileStore) Load(_ context.Context) (*State, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state %s: %w", s.path, err)
	}
	state := &State{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, &CorruptStateError{Path: s.path, Err: err}
	}
	return state, nil
}

// Persist implements StateStore.
func (s *FileStore) Persist(_ context.Context, state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
