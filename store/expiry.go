package store

import "time"

// expiryHeap orders entries of one shard by expiration so a sweep only touches
// records that are actually due. It implements container/heap.Interface.
type expiryHeap []*memoryEntry

func (h expiryHeap) Len() int { return len(h) }

func (h expiryHeap) Less(i, j int) bool {
	return h[i].expiresAt.Before(h[j].expiresAt)
}

func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *expiryHeap) Push(x any) {
	e := x.(*memoryEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// due reports whether the earliest entry has expired at now.
func (h expiryHeap) due(now time.Time) bool {
	return len(h) > 0 && !now.Before(h[0].expiresAt)
}
