// Package scheduler is the single entry and exit point requests pass through
// between discovery and dispatch.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"crawlcore/internal/dupefilter"
	"crawlcore/internal/fingerprint"
	"crawlcore/internal/queue"
	"crawlcore/internal/statestore"
	"crawlcore/pkg/types"
)

// ErrScopeNotOpen is returned when a scope is used before Open or after Close.
var ErrScopeNotOpen = errors.New("scheduler: scope not open")

// Options configures per-scope queue behaviour and optional resumption.
type Options struct {
	// QueueCapacity caps each scope's pending queue; 0 means unbounded.
	// Pushing past the cap surfaces queue.ErrFull to the caller.
	QueueCapacity int

	// Store, when set, persists pending requests at Close and restores
	// them at Open.
	Store statestore.PendingStore
}

// Scheduler owns one priority queue per open scope and deduplicates at
// enqueue time through the duplicate filter. All queue access is internally
// synchronized; discovery paths from many in-flight responses enqueue
// concurrently.
type Scheduler struct {
	fp     *fingerprint.Fingerprinter
	filter dupefilter.Filter
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	scopes map[string]*queue.PriorityQueue
}

func New(fp *fingerprint.Fingerprinter, filter dupefilter.Filter, opts Options, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		fp:     fp,
		filter: filter,
		opts:   opts,
		logger: logger,
		scopes: make(map[string]*queue.PriorityQueue),
	}
}

// Open initialises the scope's queue and filter, restoring persisted pending
// requests when a store is configured.
func (s *Scheduler) Open(ctx context.Context, scopeID string) error {
	s.mu.Lock()
	if _, open := s.scopes[scopeID]; open {
		s.mu.Unlock()
		return nil
	}
	s.scopes[scopeID] = queue.New(s.opts.QueueCapacity)
	s.mu.Unlock()

	if err := s.filter.Open(scopeID); err != nil {
		return fmt.Errorf("scheduler: open filter: %w", err)
	}

	if s.opts.Store == nil {
		return nil
	}
	pending, err := s.opts.Store.LoadPending(ctx, scopeID)
	if err != nil {
		return fmt.Errorf("scheduler: load pending: %w", err)
	}
	restored := 0
	for _, p := range pending {
		req, err := p.ToRequest()
		if err != nil {
			s.logger.Warn("dropping unparseable persisted request", "scope", scopeID, "url", p.URL, "error", err)
			continue
		}
		// Requeue through the normal path so a fresh filter re-learns the
		// restored fingerprints. A persistent filter already knows them and
		// reports a duplicate; the request was admitted once, so it still
		// belongs in the queue.
		ok, err := s.Enqueue(scopeID, req)
		if err != nil {
			return err
		}
		if !ok {
			if err := s.push(scopeID, req); err != nil {
				return err
			}
		}
		restored++
	}
	if restored > 0 {
		s.logger.Info("restored pending requests", "scope", scopeID, "count", restored)
	}
	return nil
}

// Enqueue deduplicates and queues a request. A false return with nil error is
// the normal already-seen outcome, not a failure; a queue-full condition is
// returned as queue.ErrFull.
func (s *Scheduler) Enqueue(scopeID string, req *types.Request) (bool, error) {
	if !req.DontFilter {
		first, err := s.filter.Add(scopeID, s.fp.Fingerprint(req))
		if err != nil {
			return false, err
		}
		if !first {
			s.logger.Debug("filtered duplicate request", "scope", scopeID, "request", req.String())
			return false, nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	q, open := s.scopes[scopeID]
	if !open {
		return false, ErrScopeNotOpen
	}
	if err := q.Push(req, req.Priority); err != nil {
		return false, err
	}
	return true, nil
}

// push queues a request without consulting the filter.
func (s *Scheduler) push(scopeID string, req *types.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, open := s.scopes[scopeID]
	if !open {
		return ErrScopeNotOpen
	}
	return q.Push(req, req.Priority)
}

// NextRequest pops the highest-priority pending request, or nil.
func (s *Scheduler) NextRequest(scopeID string) *types.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, open := s.scopes[scopeID]
	if !open {
		return nil
	}
	return q.Pop()
}

// HasPending reports whether the scope has queued requests.
func (s *Scheduler) HasPending(scopeID string) bool {
	return s.PendingCount(scopeID) > 0
}

// PendingCount reports the scope's queue depth, for backpressure policies.
func (s *Scheduler) PendingCount(scopeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, open := s.scopes[scopeID]
	if !open {
		return 0
	}
	return q.Len()
}

// Discard bulk-removes pending requests matching the predicate.
func (s *Scheduler) Discard(scopeID string, pred func(*types.Request) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, open := s.scopes[scopeID]
	if !open {
		return 0
	}
	return q.RemoveMatching(pred)
}

// Close releases the scope. With persist set (and a store configured) the
// remaining pending requests are saved for later resumption; otherwise they
// are discarded and any stale persisted state is cleared.
func (s *Scheduler) Close(ctx context.Context, scopeID string, persist bool) error {
	s.mu.Lock()
	q, open := s.scopes[scopeID]
	delete(s.scopes, scopeID)
	s.mu.Unlock()
	if !open {
		return nil
	}

	var saveErr error
	if s.opts.Store != nil {
		if persist {
			pending := make([]statestore.PendingRequest, 0, q.Len())
			for req := q.Pop(); req != nil; req = q.Pop() {
				pending = append(pending, statestore.FromRequest(req))
			}
			saveErr = s.opts.Store.SavePending(ctx, scopeID, pending)
		} else {
			saveErr = s.opts.Store.Clear(ctx, scopeID)
		}
	}

	if err := s.filter.Close(scopeID); err != nil {
		return errors.Join(saveErr, err)
	}
	return saveErr
}
