package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"context"
)

// FileStore writes one JSON file per scope under a job directory.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("statestore: create dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(scopeID string) string {
	return filepath.Join(s.dir, sanitizeScopeID(scopeID)+".pending.json")
}

func (s *FileStore) SavePending(_ context.Context, scopeID string, pending []PendingRequest) error {
	data, err := json.MarshalIndent(pending, "", "  ")
	if err != nil {
		return fmt.Errorf("statestore: marshal pending: %w", err)
	}
	tmp := s.path(scopeID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("statestore: write pending: %w", err)
	}
	if err := os.Rename(tmp, s.path(scopeID)); err != nil {
		return fmt.Errorf("statestore: commit pending: %w", err)
	}
	return nil
}

func (s *FileStore) LoadPending(_ context.Context, scopeID string) ([]PendingRequest, error) {
	data, err := os.ReadFile(s.path(scopeID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("statestore: read pending: %w", err)
	}
	var pending []PendingRequest
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, fmt.Errorf("statestore: decode pending: %w", err)
	}
	return pending, nil
}

func (s *FileStore) Clear(_ context.Context, scopeID string) error {
	err := os.Remove(s.path(scopeID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("statestore: clear pending: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

func sanitizeScopeID(scopeID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, scopeID)
}
