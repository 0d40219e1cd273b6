package util

import (
	"container/heap"
	"fmt"
)

// entry is one scheduled key of a MapHeap
type entry[K comparable] struct {
	Key      K
	Priority int64 // usually a deadline in unix nanoseconds
	index    int   // position in the heap, maintained by container/heap
}

func (e *entry[K]) String() string {
	return fmt.Sprintf("{Key: %v, Priority: %d}", e.Key, e.Priority)
}

// MapHeap is a min-heap of keys ordered by priority that also supports
// lookup and removal by key. Each key is contained at most once.
//
// The heap is not safe for concurrent use; the expiry sweepers own their
// heap from a single goroutine.
type MapHeap[K comparable] struct {
	items []*entry[K]
	index map[K]*entry[K]
}

// NewMapHeap creates an empty heap
func NewMapHeap[K comparable]() *MapHeap[K] {
	return &MapHeap[K]{
		index: make(map[K]*entry[K]),
	}
}

// --------------------------------------------------------------------------
// heap.Interface (do not call directly)
// --------------------------------------------------------------------------

func (h *MapHeap[K]) Len() int { return len(h.items) }

func (h *MapHeap[K]) Less(i, j int) bool {
	return h.items[i].Priority < h.items[j].Priority
}

func (h *MapHeap[K]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *MapHeap[K]) Push(x any) {
	e := x.(*entry[K])
	e.index = len(h.items)
	h.items = append(h.items, e)
	h.index[e.Key] = e
}

func (h *MapHeap[K]) Pop() any {
	n := len(h.items)
	e := h.items[n-1]
	h.items[n-1] = nil
	e.index = -1
	h.items = h.items[:n-1]
	delete(h.index, e.Key)
	return e
}

// --------------------------------------------------------------------------
// Key based access
// --------------------------------------------------------------------------

// Set schedules key with the given priority, replacing an earlier priority
func (h *MapHeap[K]) Set(key K, priority int64) {
	if e, ok := h.index[key]; ok {
		e.Priority = priority
		heap.Fix(h, e.index)
		return
	}
	heap.Push(h, &entry[K]{Key: key, Priority: priority})
}

// Remove unschedules key and returns its priority
func (h *MapHeap[K]) Remove(key K) (int64, bool) {
	e, ok := h.index[key]
	if !ok {
		return 0, false
	}
	heap.Remove(h, e.index)
	return e.Priority, true
}

// Get returns the priority of key
func (h *MapHeap[K]) Get(key K) (int64, bool) {
	e, ok := h.index[key]
	if !ok {
		return 0, false
	}
	return e.Priority, true
}

// Contains reports whether key is scheduled
func (h *MapHeap[K]) Contains(key K) bool {
	_, ok := h.index[key]
	return ok
}

// Peek returns the key with the lowest priority without removing it
func (h *MapHeap[K]) Peek() (K, int64, bool) {
	if len(h.items) == 0 {
		var zero K
		return zero, 0, false
	}
	return h.items[0].Key, h.items[0].Priority, true
}

// PopUntil removes and returns all keys with priority <= limit in ascending
// priority order. At most max keys are returned (max <= 0 means no limit).
func (h *MapHeap[K]) PopUntil(limit int64, max int) []K {
	var keys []K
	for len(h.items) > 0 && h.items[0].Priority <= limit {
		if max > 0 && len(keys) >= max {
			break
		}
		keys = append(keys, heap.Pop(h).(*entry[K]).Key)
	}
	return keys
}
