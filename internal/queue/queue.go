// Package queue provides the pending-request priority queue for one scope.
package queue

import (
	"container/heap"
	"errors"

	"crawlcore/pkg/types"
)

// ErrFull is returned by Push when a capacity-limited queue is at its cap.
// A full queue is an explicit signal, never a silent drop.
var ErrFull = errors.New("queue: full")

type entry struct {
	req      *types.Request
	priority int
	seq      uint64
	index    int
}

// PriorityQueue orders requests by descending priority, FIFO within equal
// priority. It is not internally synchronized: the scheduler owns all access
// and is the only mutator.
type PriorityQueue struct {
	entries  entryHeap
	nextSeq  uint64
	capacity int
}

// New builds a queue; capacity <= 0 means unbounded.
func New(capacity int) *PriorityQueue {
	return &PriorityQueue{capacity: capacity}
}

// Push inserts a request at the given priority in O(log n).
func (q *PriorityQueue) Push(req *types.Request, priority int) error {
	if q.capacity > 0 && len(q.entries) >= q.capacity {
		return ErrFull
	}
	heap.Push(&q.entries, &entry{
		req:      req,
		priority: priority,
		seq:      q.nextSeq,
	})
	q.nextSeq++
	return nil
}

// Pop removes and returns the highest-priority request, the earliest-inserted
// among ties, or nil when empty.
func (q *PriorityQueue) Pop() *types.Request {
	if len(q.entries) == 0 {
		return nil
	}
	e := heap.Pop(&q.entries).(*entry)
	return e.req
}

// Len reports the number of pending requests.
func (q *PriorityQueue) Len() int {
	return len(q.entries)
}

// RemoveMatching bulk-removes entries the predicate accepts and returns how
// many were removed. Used when a scope is discarded and its pending work must
// be cancelled.
func (q *PriorityQueue) RemoveMatching(pred func(*types.Request) bool) int {
	kept := q.entries[:0]
	removed := 0
	for _, e := range q.entries {
		if pred(e.req) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed == 0 {
		return 0
	}
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = nil
	}
	q.entries = kept
	heap.Init(&q.entries)
	return removed
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
