package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mkrell/salesrunner/internal/agent"
)

// FileStore persists worker snapshots as JSON files on disk. It is the
// fallback backend when no database is configured.
type FileStore struct {
	dir string
}

// NewFileStore creates the snapshot directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(name string) string {
	return filepath.Join(f.dir, name+".json")
}

// SaveSnapshot writes the state atomically via a temp file rename.
func (f *FileStore) SaveSnapshot(_ context.Context, state *agent.State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", state.Name, err)
	}
	tmp := f.path(state.Name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot %s: %w", state.Name, err)
	}
	if err := os.Rename(tmp, f.path(state.Name)); err != nil {
		return fmt.Errorf("commit snapshot %s: %w", state.Name, err)
	}
	return nil
}

// LoadSnapshot returns nil when no snapshot exists for the worker.
func (f *FileStore) LoadSnapshot(_ context.Context, name string) (*agent.State, error) {
	data, err := os.ReadFile(f.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", name, err)
	}

	var state agent.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", name, err)
	}
	return &state, nil
}
