package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"crawlcore/internal/middleware"
	"crawlcore/internal/queue"
	"crawlcore/internal/robots"
	"crawlcore/internal/scheduler"
	"crawlcore/internal/slots"
	"crawlcore/internal/spider"
	"crawlcore/pkg/types"
)

// idlePoll is how often the dispatcher re-checks an empty frontier while
// requests are still in flight.
const idlePoll = 5 * time.Millisecond

// Options configures a single engine run.
type Options struct {
	ScopeID     string
	Concurrency int
	// MaxPages caps how many requests are admitted into the frontier over the
	// whole run; 0 means unlimited.
	MaxPages int
	// PersistOnClose saves the remaining frontier through the scheduler's
	// pending store so the crawl can resume later.
	PersistOnClose bool
}

// Engine drives the crawl loop: it pulls requests from the scheduler, waits
// for a downloader slot, dispatches through the middleware chain, hands
// responses to the spider, and feeds discovered requests back in.
type Engine struct {
	opts   Options
	sched  *scheduler.Scheduler
	slots  *slots.Manager
	chain  *middleware.Chain
	robots *robots.Agent
	sp     spider.Spider
	logger *slog.Logger

	consumers []Consumer
	events    chan Event
	drainDone chan struct{}

	// mu guards the pop-and-count step so the dispatcher cannot observe an
	// empty frontier while a just-popped request has not been counted yet.
	mu     sync.Mutex
	active int

	admitted atomic.Int64
	maxPages int64

	stopped  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
}

// New assembles an engine. The robots agent may be nil to disable robots.txt
// checks.
func New(sched *scheduler.Scheduler, slotMgr *slots.Manager, chain *middleware.Chain, robotsAgent *robots.Agent, sp spider.Spider, logger *slog.Logger, opts Options) (*Engine, error) {
	if sched == nil || slotMgr == nil || chain == nil || sp == nil {
		return nil, errors.New("engine requires scheduler, slot manager, chain, and spider")
	}
	if opts.ScopeID == "" {
		opts.ScopeID = sp.Name()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 16
	}
	if logger == nil {
		logger = slog.Default()
	}

	maxPages := int64(opts.MaxPages)
	if maxPages <= 0 {
		maxPages = math.MaxInt64
	}

	return &Engine{
		opts:      opts,
		sched:     sched,
		slots:     slotMgr,
		chain:     chain,
		robots:    robotsAgent,
		sp:        sp,
		logger:    logger,
		events:    make(chan Event, 256),
		drainDone: make(chan struct{}),
		maxPages:  maxPages,
		stop:      make(chan struct{}),
	}, nil
}

// Subscribe registers an event consumer. Must be called before Run.
func (e *Engine) Subscribe(c Consumer) {
	e.consumers = append(e.consumers, c)
}

// Stop requests a graceful stop: no new requests are admitted, waiting
// acquisitions are abandoned, and in-flight fetches finish normally. The
// remaining frontier is left for Close to persist when PersistOnClose is set,
// and discarded otherwise.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		close(e.stop)
		if e.opts.PersistOnClose {
			return
		}
		discarded := e.sched.Discard(e.opts.ScopeID, func(*types.Request) bool { return true })
		if discarded > 0 {
			e.logger.Info("discarded queued requests on stop", "count", discarded)
		}
	})
}

// Stopping reports whether a stop has been requested. Wired into the retry
// middleware so nothing re-enqueues after stop.
func (e *Engine) Stopping() bool {
	return e.stopped.Load()
}

// Run executes the crawl until the frontier drains, Stop is called, or the
// context is cancelled. It owns the scope lifecycle: open, crawl, close.
func (e *Engine) Run(ctx context.Context) error {
	scope := e.opts.ScopeID
	if err := e.sched.Open(ctx, scope); err != nil {
		return fmt.Errorf("open scope %q: %w", scope, err)
	}

	go e.drainEvents()

	seeds, err := e.sp.StartRequests()
	if err != nil {
		e.finishEvents()
		closeErr := e.sched.Close(ctx, scope, false)
		return errors.Join(fmt.Errorf("start requests: %w", err), closeErr)
	}
	for _, req := range seeds {
		e.admit(req)
	}

	var wg sync.WaitGroup
	for i := 0; i < e.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.worker(ctx)
		}()
	}
	wg.Wait()
	e.finishEvents()

	var runErr error
	if err := ctx.Err(); err != nil && !e.stopped.Load() {
		runErr = err
	}

	persist := e.opts.PersistOnClose && e.sched.HasPending(scope)
	if err := e.sched.Close(context.WithoutCancel(ctx), scope, persist); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("close scope %q: %w", scope, err))
	}
	return runErr
}

// worker pulls from the frontier until it is empty with nothing in flight.
// Popping as late as possible keeps dispatch order aligned with frontier
// priority even as concurrent responses discover new requests.
func (e *Engine) worker(ctx context.Context) {
	scope := e.opts.ScopeID
	for {
		if ctx.Err() != nil {
			return
		}

		req, done := e.next(scope)
		if done {
			return
		}
		if req == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idlePoll):
			}
			continue
		}

		e.process(ctx, req)
		e.finish()
	}
}

// next pops the frontier and counts the request as active in one step. The
// second result reports that the crawl is complete: frontier empty with no
// active requests. After a stop nothing is popped, so whatever is still
// queued survives to be persisted or discarded at Close.
func (e *Engine) next(scope string) (*types.Request, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped.Load() {
		return nil, e.active == 0
	}
	req := e.sched.NextRequest(scope)
	if req != nil {
		e.active++
		return req, false
	}
	return nil, e.active == 0
}

func (e *Engine) finish() {
	e.mu.Lock()
	e.active--
	e.mu.Unlock()
}

// process handles one dispatched request end to end.
func (e *Engine) process(ctx context.Context, req *types.Request) {
	if e.robots != nil && !e.robots.Allowed(ctx, req) {
		e.emit(RequestDropped{Request: req, Reason: DropRobots})
		return
	}

	token, err := e.acquireSlot(ctx, req)
	if err != nil {
		e.emit(RequestDropped{Request: req, Reason: DropStopped})
		return
	}

	resp, next, err := e.chain.Fetch(ctx, req)
	token.Release()

	switch {
	case err != nil:
		e.emit(RequestFailed{Request: req, Attempts: req.Retries + 1, Err: err})
	case next != nil:
		e.admit(next)
	case resp != nil:
		e.handleResponse(resp)
	}
}

// acquireSlot waits for a downloader slot, abandoning the wait on stop or
// context cancellation without leaking the reservation.
func (e *Engine) acquireSlot(ctx context.Context, req *types.Request) (*slots.Token, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.stop:
			cancel()
		case <-waitCtx.Done():
		}
	}()
	return e.slots.Acquire(waitCtx, req.SlotKey())
}

func (e *Engine) handleResponse(resp *types.Response) {
	req := resp.Request
	e.emit(ResponseReceived{Response: resp})

	// Statuses that survived the middleware chain but are not spider-worthy
	// are terminal non-retryable failures.
	if resp.StatusCode >= 400 {
		e.emit(RequestFailed{
			Request:  req,
			Attempts: req.Retries + 1,
			Err:      fmt.Errorf("http status %d", resp.StatusCode),
		})
		return
	}

	result, err := e.callSpider(resp)
	if err != nil {
		// A broken callback is a processing failure: reported once, never
		// retried, never fatal to the crawl.
		e.logger.Error("spider processing failed", "url", req.URL.String(), "error", err)
		e.emit(RequestFailed{Request: req, Attempts: req.Retries + 1, Err: err})
		return
	}
	if result == nil {
		return
	}

	for _, item := range result.Items {
		e.emit(ItemScraped{Item: item})
	}
	for _, discovered := range result.Requests {
		e.admit(discovered)
	}
}

func (e *Engine) callSpider(resp *types.Response) (result *spider.ParseResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("spider panic: %v", r)
		}
	}()
	return e.sp.Process(resp)
}

// admit is the only path into the frontier: it applies stop, page-limit, and
// dedup checks and emits the matching event.
func (e *Engine) admit(req *types.Request) {
	if e.stopped.Load() {
		e.emit(RequestDropped{Request: req, Reason: DropStopped})
		return
	}
	if e.admitted.Add(1) > e.maxPages {
		e.admitted.Add(-1)
		e.emit(RequestDropped{Request: req, Reason: DropPageLimit})
		return
	}

	ok, err := e.sched.Enqueue(e.opts.ScopeID, req)
	if err != nil {
		e.admitted.Add(-1)
		if errors.Is(err, queue.ErrFull) {
			e.emit(RequestDropped{Request: req, Reason: DropQueueFull})
			return
		}
		e.logger.Error("enqueue failed", "url", req.URL.String(), "error", err)
		e.emit(RequestFailed{Request: req, Attempts: req.Retries + 1, Err: err})
		return
	}
	if !ok {
		e.admitted.Add(-1)
		e.emit(RequestDropped{Request: req, Reason: DropDuplicate})
		return
	}
	e.emit(RequestScheduled{Request: req})
}

func (e *Engine) emit(ev Event) {
	e.events <- ev
}

func (e *Engine) drainEvents() {
	defer close(e.drainDone)
	for ev := range e.events {
		for _, c := range e.consumers {
			c.Consume(ev)
		}
	}
}

func (e *Engine) finishEvents() {
	close(e.events)
	<-e.drainDone
}
