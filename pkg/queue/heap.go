package queue

// reqHeap orders requests so the minimum is always the best send candidate:
// not-yet-sent before in-flight, then lower priority value, then earlier
// arrival. Each request carries its heap index so that the priority change
// on the in-flight transition is a logarithmic Fix rather than a rebuild.
type reqHeap []*request

func (h reqHeap) Len() int { return len(h) }

func (h reqHeap) Less(i, j int) bool {
	a, b := h[i], h[j]

	// In-flight requests sort after not-yet-sent ones.
	if a.inflight != b.inflight {
		return !a.inflight
	}

	if a.prio != b.prio {
		return a.prio < b.prio
	}

	// FIFO among equals.
	return a.reqnum < b.reqnum
}

func (h reqHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *reqHeap) Push(x any) {
	r := x.(*request)
	r.index = len(*h)
	*h = append(*h, r)
}

func (h *reqHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return r
}
