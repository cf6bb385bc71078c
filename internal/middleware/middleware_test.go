package middleware

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawlcore/pkg/types"
)

func okFetch(status int) FetchFunc {
	return func(_ context.Context, req *types.Request) (*types.Response, error) {
		return &types.Response{Request: req, StatusCode: status, Header: make(http.Header)}, nil
	}
}

func TestChainPassesResponseThrough(t *testing.T) {
	chain := NewChain(okFetch(http.StatusOK), discard(),
		NewRedirectMiddleware(10, 0, discard()),
		NewRetryMiddleware(NewRetryPolicy(2, 1, nil, nil), discard(), nil),
	)

	resp, newReq, err := chain.Fetch(context.Background(), request(t, "http://example.com/"))
	require.NoError(t, err)
	assert.Nil(t, newReq)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChainRetryOnFetchError(t *testing.T) {
	fetch := func(_ context.Context, req *types.Request) (*types.Response, error) {
		return nil, timeoutErr(req.URL.String())
	}
	chain := NewChain(fetch, discard(),
		NewRetryMiddleware(NewRetryPolicy(2, 1, nil, nil), discard(), nil),
	)

	resp, newReq, err := chain.Fetch(context.Background(), request(t, "http://example.com/"))
	require.NoError(t, err)
	assert.Nil(t, resp)
	require.NotNil(t, newReq)
	assert.Equal(t, 1, newReq.Retries)
}

func TestChainRetryOnStatus(t *testing.T) {
	chain := NewChain(okFetch(http.StatusBadGateway), discard(),
		NewRedirectMiddleware(10, 0, discard()),
		NewRetryMiddleware(NewRetryPolicy(2, 1, nil, nil), discard(), nil),
	)

	resp, newReq, err := chain.Fetch(context.Background(), request(t, "http://example.com/"))
	require.NoError(t, err)
	assert.Nil(t, resp)
	require.NotNil(t, newReq)
	assert.Equal(t, 1, newReq.Retries)
}

func TestChainRedirectBeatsCallback(t *testing.T) {
	fetch := func(_ context.Context, req *types.Request) (*types.Response, error) {
		header := make(http.Header)
		header.Set("Location", "http://example.com/landed")
		return &types.Response{Request: req, StatusCode: http.StatusFound, Header: header}, nil
	}
	chain := NewChain(fetch, discard(),
		NewRedirectMiddleware(10, 0, discard()),
		NewRetryMiddleware(NewRetryPolicy(2, 1, nil, nil), discard(), nil),
	)

	resp, newReq, err := chain.Fetch(context.Background(), request(t, "http://example.com/"))
	require.NoError(t, err)
	assert.Nil(t, resp)
	require.NotNil(t, newReq)
	assert.Equal(t, "http://example.com/landed", newReq.URL.String())
}

func TestChainTerminalErrorPropagates(t *testing.T) {
	cause := errors.New("certificate rotted")
	fetch := func(context.Context, *types.Request) (*types.Response, error) {
		return nil, &types.FetchError{Kind: types.KindOther, URL: "http://example.com/", Err: cause}
	}
	chain := NewChain(fetch, discard(),
		NewRetryMiddleware(NewRetryPolicy(2, 1, nil, nil), discard(), nil),
	)

	resp, newReq, err := chain.Fetch(context.Background(), request(t, "http://example.com/"))
	assert.Nil(t, resp)
	assert.Nil(t, newReq)
	assert.ErrorIs(t, err, cause)
}

func TestChainEmptyJustFetches(t *testing.T) {
	chain := NewChain(okFetch(http.StatusTeapot), discard())
	resp, newReq, err := chain.Fetch(context.Background(), request(t, "http://example.com/"))
	require.NoError(t, err)
	assert.Nil(t, newReq)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}
