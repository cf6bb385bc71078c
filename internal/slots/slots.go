// Package slots bounds fetch concurrency per origin and globally, and spaces
// dispatches to one origin by a configurable, optionally jittered delay.
package slots

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// RateSettings layers an optional per-origin token bucket on top of the
// delay-based spacing.
type RateSettings struct {
	Requests int
	Window   time.Duration
}

// Config sets the concurrency and politeness policy.
type Config struct {
	// MaxGlobal caps total in-flight fetches across all origins; 0 means
	// no global cap.
	MaxGlobal int

	// MaxPerOrigin caps in-flight fetches per origin; 0 means no cap.
	MaxPerOrigin int

	// Delay is the minimum spacing between dispatches to one origin.
	Delay time.Duration

	// JitterMin/JitterMax are multipliers applied to Delay per dispatch
	// when JitterMax > JitterMin, to avoid lock-step request patterns
	// against a single origin. Both 0 (or equal) means a fixed delay.
	JitterMin float64
	JitterMax float64

	Rate RateSettings
}

type slot struct {
	inflight  int
	last      time.Time
	nextDelay time.Duration
	limiter   *rate.Limiter
	wake      chan struct{}
}

// Manager tracks one slot per origin. Acquire never fails outright: it either
// grants a token or waits until it can, and a cancelled wait leaks nothing.
type Manager struct {
	cfg    Config
	global *semaphore.Weighted

	mu    sync.Mutex
	slots map[string]*slot
}

func NewManager(cfg Config) *Manager {
	m := &Manager{
		cfg:   cfg,
		slots: make(map[string]*slot),
	}
	if cfg.MaxGlobal > 0 {
		m.global = semaphore.NewWeighted(int64(cfg.MaxGlobal))
	}
	return m
}

// Token represents one reserved in-flight fetch for an origin.
type Token struct {
	m      *Manager
	origin string
	once   sync.Once
}

// Origin reports which origin the token reserves.
func (t *Token) Origin() string { return t.origin }

// Release frees the slot, records the dispatch timestamp, and wakes waiters.
// Safe to call more than once.
func (t *Token) Release() {
	t.once.Do(func() { t.m.release(t.origin) })
}

// Acquire blocks until the origin has a free slot, its inter-dispatch delay
// has elapsed, and the global cap admits one more fetch. Waiting ends early
// only by context cancellation, which releases everything reserved so far.
func (m *Manager) Acquire(ctx context.Context, origin string) (*Token, error) {
	origin = strings.ToLower(origin)

	if m.global != nil {
		if err := m.global.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}

	for {
		m.mu.Lock()
		s := m.slotLocked(origin)

		if m.cfg.MaxPerOrigin > 0 && s.inflight >= m.cfg.MaxPerOrigin {
			wake := s.wake
			m.mu.Unlock()
			if err := waitFor(ctx, wake, 0); err != nil {
				m.releaseGlobal()
				return nil, err
			}
			continue
		}

		now := time.Now()
		if s.nextDelay > 0 {
			ready := s.last.Add(s.nextDelay)
			if now.Before(ready) {
				wake := s.wake
				sleep := ready.Sub(now)
				m.mu.Unlock()
				if err := waitFor(ctx, wake, sleep); err != nil {
					m.releaseGlobal()
					return nil, err
				}
				continue
			}
		}

		s.inflight++
		s.last = now
		s.nextDelay = m.delay()
		limiter := s.limiter
		m.mu.Unlock()

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				m.release(origin)
				return nil, err
			}
		}
		return &Token{m: m, origin: origin}, nil
	}
}

// InFlight reports the current in-flight count for an origin.
func (m *Manager) InFlight(origin string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[strings.ToLower(origin)]
	if !ok {
		return 0
	}
	return s.inflight
}

func (m *Manager) release(origin string) {
	m.mu.Lock()
	if s, ok := m.slots[origin]; ok {
		if s.inflight > 0 {
			s.inflight--
		}
		s.last = time.Now()
		close(s.wake)
		s.wake = make(chan struct{})
	}
	m.mu.Unlock()
	m.releaseGlobal()
}

func (m *Manager) releaseGlobal() {
	if m.global != nil {
		m.global.Release(1)
	}
}

func (m *Manager) slotLocked(origin string) *slot {
	s, ok := m.slots[origin]
	if ok {
		return s
	}
	s = &slot{
		nextDelay: m.delay(),
		wake:      make(chan struct{}),
	}
	// First dispatch to a fresh origin is never delayed.
	s.last = time.Now().Add(-s.nextDelay)
	if m.cfg.Rate.Requests > 0 && m.cfg.Rate.Window > 0 {
		interval := m.cfg.Rate.Window / time.Duration(m.cfg.Rate.Requests)
		if interval <= 0 {
			interval = time.Millisecond
		}
		s.limiter = rate.NewLimiter(rate.Every(interval), m.cfg.Rate.Requests)
	}
	m.slots[origin] = s
	return s
}

// delay computes the next inter-dispatch spacing, applying jitter bounds when
// configured.
func (m *Manager) delay() time.Duration {
	d := m.cfg.Delay
	if d <= 0 {
		return 0
	}
	if m.cfg.JitterMax > m.cfg.JitterMin {
		factor := m.cfg.JitterMin + rand.Float64()*(m.cfg.JitterMax-m.cfg.JitterMin)
		return time.Duration(float64(d) * factor)
	}
	return d
}

// waitFor blocks until the wake channel fires, an optional timer elapses, or
// the context is cancelled.
func waitFor(ctx context.Context, wake <-chan struct{}, sleep time.Duration) error {
	var timerC <-chan time.Time
	if sleep > 0 {
		timer := time.NewTimer(sleep)
		defer timer.Stop()
		timerC = timer.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		return nil
	case <-timerC:
		return nil
	}
}
