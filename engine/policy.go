package engine

import (
	"fmt"
	"sort"
)

// QueueOrdering reorders the wait queue before each admission pass.
// Implementations sort the slice in-place using sort.SliceStable for
// determinism.
type QueueOrdering interface {
	OrderQueue(seqs []*Sequence)
}

// FCFSOrdering preserves First-Come-First-Served order (no-op).
type FCFSOrdering struct{}

func (f *FCFSOrdering) OrderQueue(_ []*Sequence) {
	// No-op: FIFO order preserved from enqueue order
}

// PriorityFCFSOrdering sorts sequences by priority (descending), then by
// arrival counter (ascending), then by ID (ascending) for determinism.
// Equal-priority sequences therefore keep strict FIFO order.
type PriorityFCFSOrdering struct{}

func (p *PriorityFCFSOrdering) OrderQueue(seqs []*Sequence) {
	sort.SliceStable(seqs, func(i, j int) bool {
		if seqs[i].Priority != seqs[j].Priority {
			return seqs[i].Priority > seqs[j].Priority
		}
		if seqs[i].ArrivalSeq != seqs[j].ArrivalSeq {
			return seqs[i].ArrivalSeq < seqs[j].ArrivalSeq
		}
		return seqs[i].ID < seqs[j].ID
	})
}

// IsValidOrdering reports whether name selects a known queue ordering.
// Empty string is valid and selects FCFS.
func IsValidOrdering(name string) bool {
	switch name {
	case "", "fcfs", "priority-fcfs":
		return true
	}
	return false
}

// NewOrdering creates a QueueOrdering by name. Valid names: "fcfs"
// (default), "priority-fcfs". Panics on unrecognized names; validate
// configuration first.
func NewOrdering(name string) QueueOrdering {
	switch name {
	case "", "fcfs":
		return &FCFSOrdering{}
	case "priority-fcfs":
		return &PriorityFCFSOrdering{}
	default:
		panic(fmt.Sprintf("unknown queue ordering %q", name))
	}
}
