// Package mixer provides [Timeline], a pure-Go [audio.OutputContext] core
// that mixes scheduled buffers onto a sample clock. Hardware backends drive
// it by calling [Timeline.Render] from their output callback; tests drive it
// directly.
package mixer

// sourceHeap implements [container/heap.Interface] as a min-heap of pending
// sources ordered by start frame, with FIFO tie-breaking on seq so that
// sources scheduled for the same instant start in submission order.
type sourceHeap []*source

func (h sourceHeap) Len() int { return len(h) }

// Less reports whether source i starts before source j.
func (h sourceHeap) Less(i, j int) bool {
	if h[i].start != h[j].start {
		return h[i].start < h[j].start
	}
	return h[i].seq < h[j].seq
}

func (h sourceHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *sourceHeap) Push(x any) {
	*h = append(*h, x.(*source))
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *sourceHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return s
}
