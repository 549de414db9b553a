// Package topn implements the concurrent bounded "top-N" priority
// queue shared by the orphan and threshold reporters: a
// fixed-capacity min-heap that keeps the highest-ranked items seen so
// far and counts the rest as dropped, lossy by design.
package topn

import (
	"container/heap"
	"sort"
	"sync"
)

// Less reports whether a ranks below b under the queue's ordering.
// The queue is a min-heap over this ordering: the item for which
// Less returns true most often is the one evicted first on overflow.
type Less[T any] func(a, b T) bool

// Queue is a thread-safe, fixed-capacity min-heap of size at most
// Capacity, ordered by a caller-supplied Less. Once full, inserting a
// new item that ranks above the current minimum replaces the minimum;
// items that would rank at or below the minimum are only counted.
type Queue[T any] struct {
	mu       sync.Mutex
	capacity int
	less     Less[T]
	items    []T
	dropped  uint64
}

// New creates a bounded queue of the given capacity. A non-positive
// capacity is treated as 1.
func New[T any](capacity int, less Less[T]) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		capacity: capacity,
		less:     less,
		items:    make([]T, 0, capacity),
	}
}

// heapView adapts Queue to container/heap without exposing the heap
// interface on Queue itself (callers must go through Emplace/StealData).
type heapView[T any] struct {
	items *[]T
	less  Less[T]
}

func (h heapView[T]) Len() int           { return len(*h.items) }
func (h heapView[T]) Less(i, j int) bool { return h.less((*h.items)[i], (*h.items)[j]) }
func (h heapView[T]) Swap(i, j int)      { (*h.items)[i], (*h.items)[j] = (*h.items)[j], (*h.items)[i] }
func (h heapView[T]) Push(x any)         { *h.items = append(*h.items, x.(T)) }
func (h heapView[T]) Pop() any {
	old := *h.items
	n := len(old)
	item := old[n-1]
	*h.items = old[:n-1]
	return item
}

// Emplace inserts item. If the queue is below capacity it is pushed
// directly; otherwise, if item ranks above the current minimum, the
// minimum is replaced and the displaced item is discarded. Either way
// a discarded item increments the dropped count.
func (q *Queue[T]) Emplace(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	h := heapView[T]{items: &q.items, less: q.less}

	if len(q.items) < q.capacity {
		heap.Push(h, item)
		return
	}

	q.dropped++
	if len(q.items) == 0 {
		return
	}
	if q.less(q.items[0], item) {
		q.items[0] = item
		heap.Fix(h, 0)
	}
}

// StealData atomically swaps out the accumulated items and dropped
// count, leaving the queue empty, and returns the items sorted
// descending by the queue's ordering (highest-ranked first) ready for
// report emission.
func (q *Queue[T]) StealData() (items []T, dropped uint64) {
	q.mu.Lock()
	items = q.items
	dropped = q.dropped
	q.items = make([]T, 0, q.capacity)
	q.dropped = 0
	q.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return q.less(items[j], items[i]) })
	return items, dropped
}

// Empty reports whether the queue currently holds no items.
func (q *Queue[T]) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// Size returns the current number of held items (not counting
// dropped).
func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
