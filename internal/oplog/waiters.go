package oplog

import (
	"container/heap"
	"slices"
	"time"
)

// waiter is a long-poll Pop parked until messages become visible or its
// deadline passes.
type waiter struct {
	req      *request
	deadline time.Time

	// idx is the waiter's position in the heap, maintained by Swap so a
	// served waiter can be removed in O(log N).
	idx int
}

// waitHeap orders parked pops by deadline, soonest first. Serving walks it
// in that order so the longest-waiting consumer is offered messages first.
type waitHeap []*waiter

func (h waitHeap) Len() int { return len(h) }

func (h waitHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h waitHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *waitHeap) Push(x any) {
	w := x.(*waiter)
	w.idx = len(*h)
	*h = append(*h, w)
}

func (h *waitHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil // allow GC
	w.idx = -1
	*h = old[:n-1]
	return w
}

func (h *waitHeap) park(w *waiter) { heap.Push(h, w) }

func (h *waitHeap) remove(w *waiter) {
	if w.idx >= 0 {
		heap.Remove(h, w.idx)
	}
}

// ordered returns the parked waiters, soonest deadline first, without
// modifying the heap.
func (h waitHeap) ordered() []*waiter {
	out := slices.Clone([]*waiter(h))
	slices.SortFunc(out, func(a, b *waiter) int { return a.deadline.Compare(b.deadline) })
	return out
}
