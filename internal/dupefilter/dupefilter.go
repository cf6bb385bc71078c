// Package dupefilter tracks per-scope sets of seen request fingerprints.
package dupefilter

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// Filter is the per-scope seen-set consulted by the scheduler at enqueue time.
// Add is an atomic check-and-set: the first caller for a fingerprint wins even
// when discovery paths race.
type Filter interface {
	// Open initialises the seen-set for a scope. Idempotent while the scope
	// stays open; reopening after Close starts fresh unless the
	// implementation restores persisted state.
	Open(scopeID string) error

	// Add records the fingerprint and reports whether it was seen for the
	// first time in this scope.
	Add(scopeID, fingerprint string) (bool, error)

	// Close releases the scope's seen-set.
	Close(scopeID string) error
}

// Options tunes the in-memory filter.
type Options struct {
	// ExpectedEntries sizes an optional bloom pre-filter placed in front of
	// the exact set. Zero disables it. The bloom filter is advisory only:
	// a hit is always confirmed against the exact set, so false positives
	// can never drop a request.
	ExpectedEntries uint
	FalsePositive   float64
}

// MemoryFilter keeps one exact fingerprint set per open scope.
type MemoryFilter struct {
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	scopes map[string]*scopeSet
}

type scopeSet struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	bloom *bloom.BloomFilter
}

func NewMemoryFilter(opts Options, logger *slog.Logger) *MemoryFilter {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FalsePositive <= 0 {
		opts.FalsePositive = 0.01
	}
	return &MemoryFilter{
		opts:   opts,
		logger: logger,
		scopes: make(map[string]*scopeSet),
	}
}

func (f *MemoryFilter) Open(scopeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, open := f.scopes[scopeID]; open {
		return nil
	}
	set := &scopeSet{seen: make(map[string]struct{})}
	if f.opts.ExpectedEntries > 0 {
		set.bloom = bloom.NewWithEstimates(f.opts.ExpectedEntries, f.opts.FalsePositive)
	}
	f.scopes[scopeID] = set
	return nil
}

func (f *MemoryFilter) Add(scopeID, fingerprint string) (bool, error) {
	f.mu.Lock()
	set, open := f.scopes[scopeID]
	f.mu.Unlock()
	if !open {
		return false, fmt.Errorf("dupefilter: scope %q is not open", scopeID)
	}
	return set.add(fingerprint), nil
}

func (s *scopeSet) add(fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bloom != nil {
		if !s.bloom.TestString(fingerprint) {
			// Definitely unseen; skip the exact-set lookup.
			s.bloom.AddString(fingerprint)
			s.seen[fingerprint] = struct{}{}
			return true
		}
	}
	if _, dup := s.seen[fingerprint]; dup {
		return false
	}
	if s.bloom != nil {
		s.bloom.AddString(fingerprint)
	}
	s.seen[fingerprint] = struct{}{}
	return true
}

func (f *MemoryFilter) Close(scopeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, open := f.scopes[scopeID]
	if !open {
		return nil
	}
	f.logger.Debug("dupefilter closed", "scope", scopeID, "seen", len(set.seen))
	delete(f.scopes, scopeID)
	return nil
}

// Len reports the number of fingerprints recorded for a scope.
func (f *MemoryFilter) Len(scopeID string) int {
	f.mu.Lock()
	set, open := f.scopes[scopeID]
	f.mu.Unlock()
	if !open {
		return 0
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.seen)
}
