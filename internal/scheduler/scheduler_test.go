package scheduler

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawlcore/internal/dupefilter"
	"crawlcore/internal/fingerprint"
	"crawlcore/internal/queue"
	"crawlcore/internal/statestore"
	"crawlcore/pkg/types"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newScheduler(t *testing.T, opts Options) *Scheduler {
	t.Helper()
	return New(
		fingerprint.New(fingerprint.Policy{}),
		dupefilter.NewMemoryFilter(dupefilter.Options{}, discard()),
		opts,
		discard(),
	)
}

func req(t *testing.T, rawurl string) *types.Request {
	t.Helper()
	r, err := types.NewRequest(rawurl, "GET")
	require.NoError(t, err)
	return r
}

func TestEnqueueDeduplicates(t *testing.T) {
	s := newScheduler(t, Options{})
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, "job"))

	ok, err := s.Enqueue("job", req(t, "http://example.com/a"))
	require.NoError(t, err)
	assert.True(t, ok)

	// Same logical request: dropped as a normal non-error outcome.
	ok, err = s.Enqueue("job", req(t, "http://EXAMPLE.com/a"))
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 1, s.PendingCount("job"))
}

func TestDontFilterBypassesDedup(t *testing.T) {
	s := newScheduler(t, Options{})
	require.NoError(t, s.Open(context.Background(), "job"))

	ok, err := s.Enqueue("job", req(t, "http://example.com/a"))
	require.NoError(t, err)
	require.True(t, ok)

	retry := req(t, "http://example.com/a")
	retry.DontFilter = true
	ok, err = s.Enqueue("job", retry)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, s.PendingCount("job"))
}

func TestNextRequestPriorityOrder(t *testing.T) {
	s := newScheduler(t, Options{})
	require.NoError(t, s.Open(context.Background(), "job"))

	low := req(t, "http://example.com/low")
	low.Priority = 1
	high := req(t, "http://example.com/high")
	high.Priority = 5

	_, err := s.Enqueue("job", low)
	require.NoError(t, err)
	_, err = s.Enqueue("job", high)
	require.NoError(t, err)

	assert.Equal(t, "/high", s.NextRequest("job").URL.Path)
	assert.Equal(t, "/low", s.NextRequest("job").URL.Path)
	assert.Nil(t, s.NextRequest("job"))
	assert.False(t, s.HasPending("job"))
}

func TestQueueCapacitySurfacesErrFull(t *testing.T) {
	s := newScheduler(t, Options{QueueCapacity: 1})
	require.NoError(t, s.Open(context.Background(), "job"))

	ok, err := s.Enqueue("job", req(t, "http://example.com/a"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Enqueue("job", req(t, "http://example.com/b"))
	assert.ErrorIs(t, err, queue.ErrFull)
	assert.False(t, ok)
}

func TestScopeIsolation(t *testing.T) {
	s := newScheduler(t, Options{})
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, "a"))
	require.NoError(t, s.Open(ctx, "b"))

	okA, err := s.Enqueue("a", req(t, "http://example.com/x"))
	require.NoError(t, err)
	okB, err := s.Enqueue("b", req(t, "http://example.com/x"))
	require.NoError(t, err)
	assert.True(t, okA)
	assert.True(t, okB, "scopes must not share dedup state")
}

func TestEnqueueClosedScope(t *testing.T) {
	s := newScheduler(t, Options{})
	_, err := s.Enqueue("job", req(t, "http://example.com/a"))
	assert.Error(t, err)
}

func TestCloseThenOpenStartsFresh(t *testing.T) {
	s := newScheduler(t, Options{})
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, "job"))

	ok, err := s.Enqueue("job", req(t, "http://example.com/a"))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Close(ctx, "job", false))
	require.NoError(t, s.Open(ctx, "job"))

	assert.Zero(t, s.PendingCount("job"))
	ok, err = s.Enqueue("job", req(t, "http://example.com/a"))
	require.NoError(t, err)
	assert.True(t, ok, "previously-seen fingerprint must be accepted after reopen")
}

func TestDiscardPending(t *testing.T) {
	s := newScheduler(t, Options{})
	require.NoError(t, s.Open(context.Background(), "job"))

	for _, u := range []string{"http://example.com/a", "http://example.com/b"} {
		_, err := s.Enqueue("job", req(t, u))
		require.NoError(t, err)
	}
	removed := s.Discard("job", func(*types.Request) bool { return true })
	assert.Equal(t, 2, removed)
	assert.False(t, s.HasPending("job"))
}

func TestPersistAndResume(t *testing.T) {
	ctx := context.Background()
	store, err := statestore.NewFileStore(t.TempDir())
	require.NoError(t, err)

	s := newScheduler(t, Options{Store: store})
	require.NoError(t, s.Open(ctx, "job"))

	a := req(t, "http://example.com/a")
	a.Priority = 9
	a.Meta["seed"] = "example.com"
	b := req(t, "http://example.com/b")
	for _, r := range []*types.Request{a, b} {
		ok, err := s.Enqueue("job", r)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, s.Close(ctx, "job", true))

	// A new scheduler over the same store resumes the queue.
	resumed := newScheduler(t, Options{Store: store})
	require.NoError(t, resumed.Open(ctx, "job"))
	assert.Equal(t, 2, resumed.PendingCount("job"))

	next := resumed.NextRequest("job")
	require.NotNil(t, next)
	assert.Equal(t, "/a", next.URL.Path)
	assert.Equal(t, 9, next.Priority)
	assert.Equal(t, "example.com", next.Meta["seed"])

	// Restored fingerprints re-arm dedup in the fresh scope.
	ok, err := resumed.Enqueue("job", req(t, "http://example.com/b"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResumeWithPersistentFilter(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := statestore.NewFileStore(dir)
	require.NoError(t, err)
	filter, err := dupefilter.NewFileFilter(dir, discard())
	require.NoError(t, err)

	fp := fingerprint.New(fingerprint.Policy{})
	s := New(fp, filter, Options{Store: store}, discard())
	require.NoError(t, s.Open(ctx, "job"))
	ok, err := s.Enqueue("job", req(t, "http://example.com/a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Close(ctx, "job", true))

	// The filter already knows the pending request's fingerprint; it must
	// still come back onto the queue.
	resumed := New(fp, filter, Options{Store: store}, discard())
	require.NoError(t, resumed.Open(ctx, "job"))
	assert.Equal(t, 1, resumed.PendingCount("job"))

	// Fetched-before-stop URLs stay filtered after resume.
	ok, err = resumed.Enqueue("job", req(t, "http://example.com/a"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCloseWithoutPersistClearsStore(t *testing.T) {
	ctx := context.Background()
	store, err := statestore.NewFileStore(t.TempDir())
	require.NoError(t, err)

	s := newScheduler(t, Options{Store: store})
	require.NoError(t, s.Open(ctx, "job"))
	_, err = s.Enqueue("job", req(t, "http://example.com/a"))
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx, "job", true))

	again := newScheduler(t, Options{Store: store})
	require.NoError(t, again.Open(ctx, "job"))
	require.Equal(t, 1, again.PendingCount("job"))
	require.NoError(t, again.Close(ctx, "job", false))

	// Discarded close wiped the persisted queue.
	final := newScheduler(t, Options{Store: store})
	require.NoError(t, final.Open(ctx, "job"))
	assert.Zero(t, final.PendingCount("job"))
}
