package middleware

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawlcore/pkg/types"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func request(t *testing.T, rawurl string) *types.Request {
	t.Helper()
	req, err := types.NewRequest(rawurl, "GET")
	require.NoError(t, err)
	return req
}

func timeoutErr(rawurl string) error {
	return &types.FetchError{Kind: types.KindTimeout, URL: rawurl, Err: errors.New("deadline exceeded")}
}

func TestRetryPriorityDecayAndCounter(t *testing.T) {
	policy := NewRetryPolicy(3, 1, nil, nil)
	mw := NewRetryMiddleware(policy, discard(), nil)

	req := request(t, "http://example.com/flaky")
	req.Priority = 10

	next, resp, err := mw.ProcessException(req, timeoutErr(req.URL.String()))
	require.NoError(t, err)
	require.Nil(t, resp)
	require.NotNil(t, next)

	assert.Equal(t, 1, next.Retries)
	assert.Less(t, next.Priority, req.Priority)
	assert.Equal(t, 9, next.Priority)
	assert.True(t, next.DontFilter, "retry copy must bypass the dupe filter")

	// One more failure decays further and increments exactly once.
	again, _, err := mw.ProcessException(next, timeoutErr(req.URL.String()))
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 2, again.Retries)
	assert.Equal(t, 8, again.Priority)
}

func TestRetryConfigurableDecay(t *testing.T) {
	mw := NewRetryMiddleware(NewRetryPolicy(2, 5, nil, nil), discard(), nil)
	req := request(t, "http://example.com/")
	req.Priority = 0

	next, _, err := mw.ProcessException(req, timeoutErr(req.URL.String()))
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, -5, next.Priority)
}

func TestRetryCapExhaustion(t *testing.T) {
	mw := NewRetryMiddleware(NewRetryPolicy(2, 1, nil, nil), discard(), nil)
	req := request(t, "http://example.com/down")

	// With max retries = 2, three consecutive failures yield exactly two
	// retry copies and then an exhausted terminal failure.
	first, _, err := mw.ProcessException(req, timeoutErr(req.URL.String()))
	require.NoError(t, err)
	require.NotNil(t, first)

	second, _, err := mw.ProcessException(first, timeoutErr(req.URL.String()))
	require.NoError(t, err)
	require.NotNil(t, second)

	third, _, err := mw.ProcessException(second, timeoutErr(req.URL.String()))
	assert.Nil(t, third)
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
}

func TestRetryableStatus(t *testing.T) {
	mw := NewRetryMiddleware(NewRetryPolicy(1, 1, nil, nil), discard(), nil)
	req := request(t, "http://example.com/")

	resp := &types.Response{Request: req, StatusCode: http.StatusServiceUnavailable, Header: make(http.Header)}
	next, replaced, err := mw.ProcessResponse(req, resp)
	require.NoError(t, err)
	assert.Nil(t, replaced)
	require.NotNil(t, next)
	assert.Equal(t, 1, next.Retries)
}

func TestNonRetryableStatusPassesThrough(t *testing.T) {
	mw := NewRetryMiddleware(NewRetryPolicy(3, 1, nil, nil), discard(), nil)
	req := request(t, "http://example.com/")

	resp := &types.Response{Request: req, StatusCode: http.StatusNotFound, Header: make(http.Header)}
	next, replaced, err := mw.ProcessResponse(req, resp)
	assert.NoError(t, err)
	assert.Nil(t, next)
	assert.Nil(t, replaced)
}

func TestNonRetryableErrorPassesThrough(t *testing.T) {
	// Only the configured kinds retry; everything else propagates untouched.
	mw := NewRetryMiddleware(NewRetryPolicy(3, 1, nil, []types.ErrorKind{types.KindTimeout}), discard(), nil)
	req := request(t, "http://example.com/")

	cause := &types.FetchError{Kind: types.KindConnRefused, URL: req.URL.String(), Err: errors.New("refused")}
	next, resp, err := mw.ProcessException(req, cause)
	assert.Nil(t, next)
	assert.Nil(t, resp)
	assert.NoError(t, err)
}

func TestRetrySuppressedAfterStop(t *testing.T) {
	stopped := false
	mw := NewRetryMiddleware(NewRetryPolicy(3, 1, nil, nil), discard(), func() bool { return stopped })
	req := request(t, "http://example.com/")

	next, _, err := mw.ProcessException(req, timeoutErr(req.URL.String()))
	require.NoError(t, err)
	require.NotNil(t, next)

	stopped = true
	next, _, err = mw.ProcessException(req, timeoutErr(req.URL.String()))
	assert.Nil(t, next)
	assert.Error(t, err, "stop must prevent re-enqueueing")
}

func TestDontRetryMeta(t *testing.T) {
	mw := NewRetryMiddleware(NewRetryPolicy(3, 1, nil, nil), discard(), nil)
	req := request(t, "http://example.com/")
	req.Meta["dont_retry"] = true

	next, _, err := mw.ProcessException(req, timeoutErr(req.URL.String()))
	assert.Nil(t, next)
	assert.NoError(t, err)
}
