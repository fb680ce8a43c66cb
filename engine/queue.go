// Implements the WaitQueue holding admitted sequences that do not yet have
// block allocations. Sequences are enqueued at submission and drained by the
// scheduler at step boundaries.

package engine

import (
	"fmt"
	"strings"
)

// WaitQueue is the FIFO queue of Waiting sequences. Orderings may reorder it
// in place before each scheduling pass; enqueue order is the default.
type WaitQueue struct {
	queue []*Sequence
}

// Enqueue adds a sequence to the back of the wait queue.
func (wq *WaitQueue) Enqueue(s *Sequence) {
	wq.queue = append(wq.queue, s)
}

// Len returns the number of queued sequences.
func (wq *WaitQueue) Len() int {
	return len(wq.queue)
}

// Peek returns the front sequence without removing it, or nil when empty.
func (wq *WaitQueue) Peek() *Sequence {
	if len(wq.queue) == 0 {
		return nil
	}
	return wq.queue[0]
}

// Dequeue removes and returns the front sequence, or nil when empty.
func (wq *WaitQueue) Dequeue() *Sequence {
	if len(wq.queue) == 0 {
		return nil
	}
	s := wq.queue[0]
	wq.queue = wq.queue[1:]
	return s
}

// PrependFront inserts a sequence at the head of the queue. Used for
// recompute preemption: the victim goes back first in line so it is
// rescheduled before newer arrivals.
func (wq *WaitQueue) PrependFront(s *Sequence) {
	if s == nil {
		panic("PrependFront: sequence must not be nil")
	}
	wq.queue = append([]*Sequence{s}, wq.queue...)
}

// Remove deletes the sequence with the given id, reporting whether it was
// present. Used when a queued sequence is aborted before ever running.
func (wq *WaitQueue) Remove(id string) bool {
	for i, s := range wq.queue {
		if s.ID == id {
			wq.queue = append(wq.queue[:i], wq.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Items returns the queue contents for iteration. The returned slice is the
// queue's internal storage -- callers may iterate but MUST NOT append to or
// reslice it. For reordering, use Reorder.
func (wq *WaitQueue) Items() []*Sequence {
	return wq.queue
}

// Reorder applies fn to the queue contents, allowing in-place reordering.
// fn receives the underlying slice and may sort it; it MUST NOT change the
// slice length.
func (wq *WaitQueue) Reorder(fn func([]*Sequence)) {
	if fn == nil {
		panic("Reorder: fn must not be nil")
	}
	n := len(wq.queue)
	fn(wq.queue)
	if len(wq.queue) != n {
		panic(fmt.Sprintf("Reorder: fn changed queue length from %d to %d", n, len(wq.queue)))
	}
}

func (wq *WaitQueue) String() string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, s := range wq.queue {
		sb.WriteString(s.ID)
		if i < len(wq.queue)-1 {
			sb.WriteString(" ")
		}
	}
	sb.WriteString("]")
	return sb.String()
}
