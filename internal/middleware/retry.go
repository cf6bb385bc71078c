package middleware

import (
	"fmt"
	"log/slog"

	"crawlcore/pkg/types"
)

// DefaultRetryStatuses mirrors the transient HTTP codes worth a second try.
var DefaultRetryStatuses = []int{500, 502, 503, 504, 522, 524, 408, 429}

// DefaultRetryKinds lists the transport failure kinds considered transient.
var DefaultRetryKinds = []types.ErrorKind{
	types.KindTimeout,
	types.KindDNS,
	types.KindConnRefused,
	types.KindConnReset,
	types.KindDataLoss,
}

// RetryPolicy classifies fetch outcomes and builds retry copies.
type RetryPolicy struct {
	// MaxTimes is the retry cap; a request failing MaxTimes+1 times total
	// is reported as exhausted.
	MaxTimes int

	// PriorityDecay is subtracted from a request's priority per retry, so
	// repeatedly failing requests sink below fresh work. Must be >= 1;
	// the decay amount is policy, only the monotonic decrease is contract.
	PriorityDecay int

	Statuses map[int]struct{}
	Kinds    map[types.ErrorKind]struct{}
}

// NewRetryPolicy applies defaults for unset fields.
func NewRetryPolicy(maxTimes, priorityDecay int, statuses []int, kinds []types.ErrorKind) RetryPolicy {
	if priorityDecay < 1 {
		priorityDecay = 1
	}
	if statuses == nil {
		statuses = DefaultRetryStatuses
	}
	if kinds == nil {
		kinds = DefaultRetryKinds
	}
	p := RetryPolicy{
		MaxTimes:      maxTimes,
		PriorityDecay: priorityDecay,
		Statuses:      make(map[int]struct{}, len(statuses)),
		Kinds:         make(map[types.ErrorKind]struct{}, len(kinds)),
	}
	for _, s := range statuses {
		p.Statuses[s] = struct{}{}
	}
	for _, k := range kinds {
		p.Kinds[k] = struct{}{}
	}
	return p
}

// RetryableStatus reports whether the status code is in the retryable set.
func (p RetryPolicy) RetryableStatus(status int) bool {
	_, ok := p.Statuses[status]
	return ok
}

// RetryableError reports whether the error's kind is in the retryable set.
func (p RetryPolicy) RetryableError(err error) bool {
	_, ok := p.Kinds[types.Classify(err)]
	return ok
}

// ExhaustedError is the terminal failure raised when the retry cap is hit.
type ExhaustedError struct {
	Request  *types.Request
	Attempts int
	Reason   string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts for %s: %s",
		e.Attempts, e.Request, e.Reason)
}

// RetryMiddleware turns retryable failures into rescheduled request copies.
type RetryMiddleware struct {
	Base
	policy RetryPolicy
	logger *slog.Logger

	// stopped gates re-enqueueing: once a global stop is requested nothing
	// may flow back into the scheduler.
	stopped func() bool
}

func NewRetryMiddleware(policy RetryPolicy, logger *slog.Logger, stopped func() bool) *RetryMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	if stopped == nil {
		stopped = func() bool { return false }
	}
	return &RetryMiddleware{policy: policy, logger: logger, stopped: stopped}
}

func (m *RetryMiddleware) ProcessResponse(req *types.Request, resp *types.Response) (*types.Request, *types.Response, error) {
	if metaBool(req, "dont_retry") {
		return nil, nil, nil
	}
	if !m.policy.RetryableStatus(resp.StatusCode) {
		return nil, nil, nil
	}
	reason := fmt.Sprintf("status %d", resp.StatusCode)
	return m.retry(req, reason)
}

func (m *RetryMiddleware) ProcessException(req *types.Request, err error) (*types.Request, *types.Response, error) {
	if metaBool(req, "dont_retry") {
		return nil, nil, nil
	}
	if !m.policy.RetryableError(err) {
		// Terminal non-retryable failure; let it propagate.
		return nil, nil, nil
	}
	newReq, _, retryErr := m.retry(req, types.Classify(err).String())
	if retryErr != nil {
		return nil, nil, retryErr
	}
	if newReq == nil {
		return nil, nil, nil
	}
	return newReq, nil, nil
}

func (m *RetryMiddleware) retry(req *types.Request, reason string) (*types.Request, *types.Response, error) {
	if req.Retries >= m.policy.MaxTimes {
		return nil, nil, &ExhaustedError{
			Request:  req,
			Attempts: req.Retries + 1,
			Reason:   reason,
		}
	}
	if m.stopped() {
		return nil, nil, fmt.Errorf("crawl stopping, not retrying %s (%s)", req, reason)
	}

	next := req.Clone()
	next.Retries = req.Retries + 1
	next.Priority = req.Priority - m.policy.PriorityDecay
	// The dupe filter already recorded the original attempt; the retried
	// copy must bypass it.
	next.DontFilter = true

	m.logger.Debug("retrying request",
		"request", req.String(),
		"reason", reason,
		"retry", next.Retries,
		"max", m.policy.MaxTimes,
	)
	return next, nil, nil
}

func metaBool(req *types.Request, key string) bool {
	v, ok := req.Meta[key]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}
