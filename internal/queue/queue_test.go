package queue

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawlcore/pkg/types"
)

func req(t *testing.T, path string) *types.Request {
	t.Helper()
	r, err := types.NewRequest("http://example.com"+path, "GET")
	require.NoError(t, err)
	return r
}

func TestPopOrderPriorityDescFIFO(t *testing.T) {
	q := New(0)

	// Priorities [5, 1, 5, 3]: pop order is priority descending with the
	// two priority-5 entries keeping their relative insertion order.
	require.NoError(t, q.Push(req(t, "/first-5"), 5))
	require.NoError(t, q.Push(req(t, "/only-1"), 1))
	require.NoError(t, q.Push(req(t, "/second-5"), 5))
	require.NoError(t, q.Push(req(t, "/only-3"), 3))

	var got []string
	for r := q.Pop(); r != nil; r = q.Pop() {
		got = append(got, r.URL.Path)
	}
	assert.Equal(t, []string{"/first-5", "/second-5", "/only-3", "/only-1"}, got)
}

func TestStableAcrossInterleavedPushPop(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Push(req(t, "/a"), 1))
	require.NoError(t, q.Push(req(t, "/b"), 1))
	assert.Equal(t, "/a", q.Pop().URL.Path)

	require.NoError(t, q.Push(req(t, "/c"), 1))
	assert.Equal(t, "/b", q.Pop().URL.Path)
	assert.Equal(t, "/c", q.Pop().URL.Path)
	assert.Nil(t, q.Pop())
}

func TestFIFOWithinPriorityAtScale(t *testing.T) {
	q := New(0)
	for i := 0; i < 100; i++ {
		require.NoError(t, q.Push(req(t, fmt.Sprintf("/%03d", i)), 7))
	}
	for i := 0; i < 100; i++ {
		r := q.Pop()
		require.NotNil(t, r)
		assert.Equal(t, fmt.Sprintf("/%03d", i), r.URL.Path)
	}
}

func TestCapacityRejectsExplicitly(t *testing.T) {
	q := New(2)
	require.NoError(t, q.Push(req(t, "/a"), 1))
	require.NoError(t, q.Push(req(t, "/b"), 1))

	err := q.Push(req(t, "/c"), 1)
	assert.ErrorIs(t, err, ErrFull)
	assert.Equal(t, 2, q.Len())

	// Popping frees capacity again.
	q.Pop()
	assert.NoError(t, q.Push(req(t, "/c"), 1))
}

func TestRemoveMatching(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Push(req(t, "/keep/a"), 5))
	require.NoError(t, q.Push(req(t, "/drop/b"), 9))
	require.NoError(t, q.Push(req(t, "/keep/c"), 1))
	require.NoError(t, q.Push(req(t, "/drop/d"), 3))

	removed := q.RemoveMatching(func(r *types.Request) bool {
		return strings.HasPrefix(r.URL.Path, "/drop/")
	})
	assert.Equal(t, 2, removed)
	assert.Equal(t, 2, q.Len())

	// Ordering still holds after the bulk removal.
	assert.Equal(t, "/keep/a", q.Pop().URL.Path)
	assert.Equal(t, "/keep/c", q.Pop().URL.Path)
}

func TestRemoveMatchingAll(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Push(req(t, "/a"), 1))
	require.NoError(t, q.Push(req(t, "/b"), 2))

	removed := q.RemoveMatching(func(*types.Request) bool { return true })
	assert.Equal(t, 2, removed)
	assert.Zero(t, q.Len())
	assert.Nil(t, q.Pop())
}
