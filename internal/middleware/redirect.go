package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"crawlcore/pkg/types"
)

const (
	metaRedirectTimes = "redirect_times"
	metaRedirectURLs  = "redirect_urls"
)

// RedirectLoopError is the terminal failure for an over-long redirect chain.
// It carries every URL visited for diagnosis.
type RedirectLoopError struct {
	Request *types.Request
	Chain   []string
}

func (e *RedirectLoopError) Error() string {
	return fmt.Sprintf("redirect loop for %s after %d hops: %s",
		e.Request, len(e.Chain), strings.Join(e.Chain, " -> "))
}

// RedirectMiddleware models redirects as controlled non-retry requeues: a 3xx
// response with a Location header becomes a fresh request to the target,
// counted against a chain cap distinct from the retry counter.
type RedirectMiddleware struct {
	Base

	// MaxTimes caps consecutive redirects for one logical chain.
	MaxTimes int

	// PriorityAdjust bumps redirect targets so chains finish promptly
	// instead of aging behind fresh discoveries.
	PriorityAdjust int

	logger *slog.Logger
}

func NewRedirectMiddleware(maxTimes, priorityAdjust int, logger *slog.Logger) *RedirectMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedirectMiddleware{
		MaxTimes:       maxTimes,
		PriorityAdjust: priorityAdjust,
		logger:         logger,
	}
}

func (m *RedirectMiddleware) ProcessResponse(req *types.Request, resp *types.Response) (*types.Request, *types.Response, error) {
	if metaBool(req, "dont_redirect") || !resp.IsRedirect() {
		return nil, nil, nil
	}
	target, err := resp.Location()
	if err != nil {
		// 3xx without a usable Location passes through as a plain response.
		return nil, nil, nil
	}
	if scheme := strings.ToLower(target.Scheme); scheme != "http" && scheme != "https" {
		return nil, nil, nil
	}

	times := metaInt(req, metaRedirectTimes) + 1
	chain := append(metaStrings(req, metaRedirectURLs), req.URL.String())
	if times > m.MaxTimes {
		return nil, nil, &RedirectLoopError{Request: req, Chain: append(chain, target.String())}
	}

	next := req.Clone()
	next.URL = target
	next.Priority = req.Priority + m.PriorityAdjust
	next.Meta[metaRedirectTimes] = times
	next.Meta[metaRedirectURLs] = chain
	// The redirect target is a new logical chain hop, not a retry.
	next.Retries = req.Retries

	// 301/302/303 turn non-HEAD method into a bodyless GET; 307/308
	// preserve method and body.
	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther:
		if next.Method != http.MethodHead {
			next.Method = http.MethodGet
			next.Body = nil
			next.Header.Del("Content-Type")
			next.Header.Del("Content-Length")
		}
	}

	stripCrossOriginHeaders(req, next)

	m.logger.Debug("redirecting request",
		"from", req.URL.String(),
		"to", target.String(),
		"status", resp.StatusCode,
		"hop", times,
	)
	return next, nil, nil
}

// stripCrossOriginHeaders prevents credential leakage across origins: any
// scheme, host, or port change drops Authorization; a host change also drops
// Cookie.
func stripCrossOriginHeaders(from, to *types.Request) {
	if types.SameOrigin(from.URL, to.URL) {
		return
	}
	to.Header.Del("Authorization")
	if !strings.EqualFold(from.URL.Hostname(), to.URL.Hostname()) {
		to.Header.Del("Cookie")
	}
}

func metaInt(req *types.Request, key string) int {
	if v, ok := req.Meta[key]; ok {
		if n, ok := v.(int); ok {
			return n
		}
	}
	return 0
}

func metaStrings(req *types.Request, key string) []string {
	if v, ok := req.Meta[key]; ok {
		if s, ok := v.([]string); ok {
			// Copy so sibling redirect branches never share backing arrays.
			return append([]string(nil), s...)
		}
	}
	return nil
}
