// Package middleware runs the downloader middleware chain: an explicit,
// ordered list of typed components wrapped around the fetch operation.
package middleware

import (
	"context"
	"log/slog"

	"crawlcore/pkg/types"
)

// Downloader is the hook surface a middleware may implement. Each method
// returns at most one of its results non-nil:
//   - a *Request asks the engine to reschedule that request instead;
//   - a *Response short-circuits (ProcessRequest) or replaces (ProcessResponse)
//     the response;
//   - an error makes the outcome terminal for this request;
//   - all nil passes control to the next middleware.
type Downloader interface {
	ProcessRequest(req *types.Request) (*types.Request, *types.Response, error)
	ProcessResponse(req *types.Request, resp *types.Response) (*types.Request, *types.Response, error)
	ProcessException(req *types.Request, err error) (*types.Request, *types.Response, error)
}

// FetchFunc is the wire-level fetch collaborator. It never retries
// internally; every retry decision belongs to the middleware chain.
type FetchFunc func(ctx context.Context, req *types.Request) (*types.Response, error)

// Chain dispatches a request through the middlewares and the fetch function.
// Request hooks run in order, response and exception hooks in reverse order.
type Chain struct {
	mws    []Downloader
	fetch  FetchFunc
	logger *slog.Logger
}

func NewChain(fetch FetchFunc, logger *slog.Logger, mws ...Downloader) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{mws: mws, fetch: fetch, logger: logger}
}

// Fetch runs one dispatch attempt. Exactly one of the three results is
// non-nil: a response for the page callback, a replacement request to
// re-enqueue (retry copy or redirect target), or a terminal error.
func (c *Chain) Fetch(ctx context.Context, req *types.Request) (*types.Response, *types.Request, error) {
	for _, mw := range c.mws {
		newReq, resp, err := mw.ProcessRequest(req)
		switch {
		case err != nil:
			return c.exception(req, err)
		case newReq != nil:
			return nil, newReq, nil
		case resp != nil:
			return c.response(req, resp)
		}
	}

	resp, err := c.fetch(ctx, req)
	if err != nil {
		return c.exception(req, err)
	}
	return c.response(req, resp)
}

func (c *Chain) response(req *types.Request, resp *types.Response) (*types.Response, *types.Request, error) {
	for i := len(c.mws) - 1; i >= 0; i-- {
		newReq, newResp, err := c.mws[i].ProcessResponse(req, resp)
		switch {
		case err != nil:
			return nil, nil, err
		case newReq != nil:
			return nil, newReq, nil
		case newResp != nil:
			resp = newResp
		}
	}
	return resp, nil, nil
}

func (c *Chain) exception(req *types.Request, cause error) (*types.Response, *types.Request, error) {
	for i := len(c.mws) - 1; i >= 0; i-- {
		newReq, resp, err := c.mws[i].ProcessException(req, cause)
		switch {
		case err != nil:
			cause = err
		case newReq != nil:
			return nil, newReq, nil
		case resp != nil:
			return c.response(req, resp)
		}
	}
	return nil, nil, cause
}

// Base is a no-op Downloader for middlewares that only need some hooks.
type Base struct{}

func (Base) ProcessRequest(*types.Request) (*types.Request, *types.Response, error) {
	return nil, nil, nil
}

func (Base) ProcessResponse(*types.Request, *types.Response) (*types.Request, *types.Response, error) {
	return nil, nil, nil
}

func (Base) ProcessException(*types.Request, error) (*types.Request, *types.Response, error) {
	return nil, nil, nil
}
