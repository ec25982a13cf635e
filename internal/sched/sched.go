// Package sched implements the stride scheduler (spec §4.6): a min-heap
// over runnable tasks keyed by stride, FIFO tie-break by insertion.
// Grounded in the teacher's idiom (small Go-cased struct, global-singleton
// pattern as in mem.Physmem) since no file in the retrieval pack implements
// a scheduler — biscuit's lives in the excluded trap-dispatch layer.
package sched

import "container/heap"

// BigStride is the constant pass is derived from (spec §4.6: "e.g.,
// 2^20"), large enough that wraparound is avoided within any realistic
// runtime.
const BigStride uint64 = 1 << 20

// Task is anything the scheduler can order: an opaque id, its current
// stride, and its pass increment (BigStride / priority).
type Task struct {
	ID     uint64
	Stride uint64
	Pass   uint64
	seq    uint64 // insertion sequence, for deterministic FIFO tie-break
}

// Pass computes BigStride/priority for a given priority (spec §4.6).
// Priority must be >= 2 (sys_set_priority rejects smaller values).
func Pass(priority int64) uint64 {
	return BigStride / uint64(priority)
}

// less compares strides with wraparound awareness: a and b are taken to be
// close together on the uint64 ring, so the "earlier" one is whichever is
// reachable from the other by the smaller forward distance.
func less(a, b uint64) bool {
	return int64(a-b) < 0
}

type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Stride != h[j].Stride {
		return less(h[i].Stride, h[j].Stride)
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}

// Scheduler is the ready queue: a min-heap over Tasks ordered by stride.
// It holds no lock of its own: Push, Pop and Len are not safe for
// concurrent use, and callers that share one Scheduler between goroutines
// serialize those calls themselves.
type Scheduler struct {
	h       taskHeap
	nextSeq uint64
}

// New creates an empty ready queue.
func New() *Scheduler {
	s := &Scheduler{}
	heap.Init(&s.h)
	return s
}

// Push enqueues t as ready. Called on spawn, on wake-up, and on
// re-enqueuing the preempted task after updating its stride.
func (s *Scheduler) Push(t *Task) {
	t.seq = s.nextSeq
	s.nextSeq++
	heap.Push(&s.h, t)
}

// Pop removes and returns the minimum-stride ready task, or ok=false if
// the ready queue is empty.
func (s *Scheduler) Pop() (*Task, bool) {
	if s.h.Len() == 0 {
		return nil, false
	}
	return heap.Pop(&s.h).(*Task), true
}

// Len reports the number of ready tasks (for metrics).
func (s *Scheduler) Len() int { return s.h.Len() }

// Advance applies one dispatch's worth of stride growth to t (spec §4.6:
// "set stride <- stride + pass"), to be called before re-enqueuing a
// preempted or yielding task.
func (t *Task) Advance() {
	t.Stride += t.Pass
}
