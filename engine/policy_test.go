package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func orderedIDs(o QueueOrdering, seqs []*Sequence) []string {
	o.OrderQueue(seqs)
	ids := make([]string, len(seqs))
	for i, s := range seqs {
		ids[i] = s.ID
	}
	return ids
}

func policySeq(id string, priority float64, arrival int64) *Sequence {
	s := NewSequence(id, []int{1}, SamplingParams{})
	s.Priority = priority
	s.ArrivalSeq = arrival
	return s
}

func TestFCFSOrdering_PreservesEnqueueOrder(t *testing.T) {
	seqs := []*Sequence{
		policySeq("c", 9, 2),
		policySeq("a", 1, 0),
		policySeq("b", 5, 1),
	}
	assert.Equal(t, []string{"c", "a", "b"}, orderedIDs(&FCFSOrdering{}, seqs))
}

func TestPriorityFCFSOrdering_PriorityThenArrival(t *testing.T) {
	seqs := []*Sequence{
		policySeq("late-low", 1, 3),
		policySeq("early-high", 5, 0),
		policySeq("late-high", 5, 2),
		policySeq("early-low", 1, 1),
	}
	want := []string{"early-high", "late-high", "early-low", "late-low"}
	assert.Equal(t, want, orderedIDs(&PriorityFCFSOrdering{}, seqs))
}

func TestPriorityFCFSOrdering_IDBreaksTies(t *testing.T) {
	seqs := []*Sequence{
		policySeq("b", 1, 0),
		policySeq("a", 1, 0),
	}
	assert.Equal(t, []string{"a", "b"}, orderedIDs(&PriorityFCFSOrdering{}, seqs))
}

func TestNewOrdering(t *testing.T) {
	assert.IsType(t, &FCFSOrdering{}, NewOrdering(""))
	assert.IsType(t, &FCFSOrdering{}, NewOrdering("fcfs"))
	assert.IsType(t, &PriorityFCFSOrdering{}, NewOrdering("priority-fcfs"))
	assert.Panics(t, func() { NewOrdering("shortest-job-first") })
}

func TestIsValidOrdering(t *testing.T) {
	assert.True(t, IsValidOrdering(""))
	assert.True(t, IsValidOrdering("fcfs"))
	assert.True(t, IsValidOrdering("priority-fcfs"))
	assert.False(t, IsValidOrdering("lifo"))
}
