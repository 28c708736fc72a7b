package dispatch

import "container/heap"

// completion is a finished page waiting to join the contiguous prefix.
type completion struct {
	seq    uint64
	endID  int64
	failed bool
}

// completionHeap is a min-heap of completions ordered by sequence number.
type completionHeap []completion

func (h completionHeap) Len() int           { return len(h) }
func (h completionHeap) Less(i, j int) bool { return h[i].seq < h[j].seq }
func (h completionHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *completionHeap) Push(x any)        { *h = append(*h, x.(completion)) }
func (h *completionHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}

// Watermark tracks the highest page boundary below which every submitted
// page has committed. Pages are identified by submission sequence numbers
// starting at 1; completions may arrive in any order and are held until the
// pages before them complete. A failed page is never passed, so the boundary
// stops there for the rest of the run.
//
// Watermark is not safe for concurrent use; the dispatcher serializes access.
type Watermark struct {
	next     uint64
	boundary int64
	pending  completionHeap
}

// NewWatermark starts tracking at the given boundary, normally the id of
// the checkpoint the run resumed from.
func NewWatermark(start int64) *Watermark {
	return &Watermark{next: 1, boundary: start}
}

// Boundary returns the highest safe id.
func (w *Watermark) Boundary() int64 { return w.boundary }

// Pending returns how many completions are held behind a gap.
func (w *Watermark) Pending() int { return len(w.pending) }

// Passed returns how many pages, counted from sequence 1, the boundary has
// moved past.
func (w *Watermark) Passed() uint64 { return w.next - 1 }

// Complete records the outcome of page seq ending at endID and returns the
// new boundary and whether it moved. Sequence numbers already passed are
// ignored.
func (w *Watermark) Complete(seq uint64, endID int64, failed bool) (int64, bool) {
	if seq < w.next {
		return w.boundary, false
	}
	heap.Push(&w.pending, completion{seq: seq, endID: endID, failed: failed})

	advanced := false
	for len(w.pending) > 0 && w.pending[0].seq == w.next {
		top := w.pending[0]
		if top.failed {
			break
		}
		heap.Pop(&w.pending)
		w.next++
		if top.endID > w.boundary {
			w.boundary = top.endID
			advanced = true
		}
	}
	return w.boundary, advanced
}
