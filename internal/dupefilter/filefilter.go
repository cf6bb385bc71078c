package dupefilter

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileFilter persists fingerprints one per line under a directory, so a
// stopped crawl can reopen a scope without re-scheduling what it already saw.
// Any I/O failure is returned to the caller and is fatal to the scope: the
// crawl cannot safely continue with unknown dedup state.
type FileFilter struct {
	dir    string
	logger *slog.Logger

	mu     sync.Mutex
	scopes map[string]*fileScope
}

type fileScope struct {
	mu   sync.Mutex
	seen map[string]struct{}
	file *os.File
}

func NewFileFilter(dir string, logger *slog.Logger) (*FileFilter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("dupefilter: create dir: %w", err)
	}
	return &FileFilter{
		dir:    dir,
		logger: logger,
		scopes: make(map[string]*fileScope),
	}, nil
}

func (f *FileFilter) Open(scopeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, open := f.scopes[scopeID]; open {
		return nil
	}

	path := filepath.Join(f.dir, sanitizeScopeID(scopeID)+".seen")
	file, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("dupefilter: open %s: %w", path, err)
	}

	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fp := strings.TrimSpace(scanner.Text())
		if fp != "" {
			seen[fp] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		file.Close()
		return fmt.Errorf("dupefilter: read %s: %w", path, err)
	}

	f.logger.Debug("dupefilter restored", "scope", scopeID, "seen", len(seen))
	f.scopes[scopeID] = &fileScope{seen: seen, file: file}
	return nil
}

func (f *FileFilter) Add(scopeID, fingerprint string) (bool, error) {
	f.mu.Lock()
	scope, open := f.scopes[scopeID]
	f.mu.Unlock()
	if !open {
		return false, fmt.Errorf("dupefilter: scope %q is not open", scopeID)
	}

	scope.mu.Lock()
	defer scope.mu.Unlock()
	if _, dup := scope.seen[fingerprint]; dup {
		return false, nil
	}
	if _, err := scope.file.WriteString(fingerprint + "\n"); err != nil {
		return false, fmt.Errorf("dupefilter: append fingerprint: %w", err)
	}
	scope.seen[fingerprint] = struct{}{}
	return true, nil
}

func (f *FileFilter) Close(scopeID string) error {
	f.mu.Lock()
	scope, open := f.scopes[scopeID]
	delete(f.scopes, scopeID)
	f.mu.Unlock()
	if !open {
		return nil
	}
	if err := scope.file.Close(); err != nil {
		return fmt.Errorf("dupefilter: close scope %q: %w", scopeID, err)
	}
	return nil
}

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
