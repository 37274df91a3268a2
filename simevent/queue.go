package simevent

import "container/heap"

// eventHeap is a container/heap.Interface over *Event, ordered by (time,
// insertion order) so that ties between same-instant events resolve
// deterministically to insertion order.
//
// Follows the same container/heap discrete-event-queue shape used by other
// Go simulators in this codebase's lineage: a slice-backed min-heap keyed on
// a monotonically increasing sequence number for tie-breaking.
type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].Time != h[j].Time {
		return h[i].Time < h[j].Time
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x any) {
	e := x.(*Event)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// clone produces a shallow copy of the heap slice (and each retained
// *Event pointer is shared, not duplicated — events are immutable once
// queued except for their disabled bits, which are pRun-scoped already).
func (h eventHeap) clone() eventHeap {
	c := make(eventHeap, len(h))
	copy(c, h)
	return c
}

var _ heap.Interface = (*eventHeap)(nil)
