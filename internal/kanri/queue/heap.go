package queue

import (
	"container/heap"
	"sort"
)

// pendingHeap orders requests by priority, then by submission order.
type pendingHeap []*Request

var _ heap.Interface = (*pendingHeap)(nil)

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool { return before(h[i], h[j]) }

func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pendingHeap) Push(x any) { *h = append(*h, x.(*Request)) }

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return r
}

// sorted returns the pending requests in execution order without touching
// the heap.
func (h pendingHeap) sorted() []*Request {
	out := append([]*Request(nil), h...)
	sortRequests(out, before)
	return out
}

func before(a, b *Request) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.seq < b.seq
}

func sortRequests(rs []*Request, less func(a, b *Request) bool) {
	sort.Slice(rs, func(i, j int) bool { return less(rs[i], rs[j]) })
}
