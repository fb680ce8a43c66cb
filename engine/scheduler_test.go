package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSchedulerForTest(pool PoolConfig, cfg SchedulerConfig) (*Scheduler, *BlockAllocator, *Metrics) {
	m := &Metrics{}
	alloc := NewBlockAllocator(pool)
	return NewScheduler(cfg, alloc, m), alloc, m
}

func baseSchedConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxRunningSeqs:   16,
		MaxTokensPerStep: 1024,
		PreemptionMode:   PreemptAuto,
		Ordering:         "fcfs",
		WaitQueueBound:   64,
	}
}

func submitSeq(s *Scheduler, id string, prompt []int, arrival int64, priority float64) *Sequence {
	seq := NewSequence(id, prompt, SamplingParams{})
	seq.ArrivalSeq = arrival
	seq.Priority = priority
	s.EnqueueWaiting(seq)
	return seq
}

// applyStep mirrors what the engine loop does with a decision: advance
// progress and, for sequences whose full history now has computed state,
// record a sampled token. The token joins the block table on the next
// scheduling pass.
func applyStep(s *Scheduler, d *Decision, token int) {
	for _, seq := range d.Scheduled {
		seq.Progress += d.NumTokens[seq.ID]
		if seq.Progress == seq.NumTokens() {
			seq.Advance(token, -0.5)
		}
	}
}

func prompt(n, base int) []int {
	p := make([]int, n)
	for i := range p {
		p[i] = base + i
	}
	return p
}

func TestStep_AdmitsWaitingFIFO(t *testing.T) {
	s, _, _ := newSchedulerForTest(PoolConfig{PrimaryBlocks: 32, BlockSizeTokens: 4}, baseSchedConfig())
	a := submitSeq(s, "a", prompt(4, 0), 0, 0)
	b := submitSeq(s, "b", prompt(4, 100), 1, 0)
	c := submitSeq(s, "c", prompt(4, 200), 2, 0)

	d := s.Step()

	require.Equal(t, []*Sequence{a, b, c}, d.Scheduled)
	for _, seq := range []*Sequence{a, b, c} {
		assert.Equal(t, StatusRunning, seq.Status)
		assert.Equal(t, 4, d.NumTokens[seq.ID])
	}
	assert.Equal(t, 12, d.TotalTokens)
}

func TestStep_MaxRunningSeqsCap(t *testing.T) {
	cfg := baseSchedConfig()
	cfg.MaxRunningSeqs = 2
	s, _, _ := newSchedulerForTest(PoolConfig{PrimaryBlocks: 32, BlockSizeTokens: 4}, cfg)
	submitSeq(s, "a", prompt(4, 0), 0, 0)
	submitSeq(s, "b", prompt(4, 100), 1, 0)
	c := submitSeq(s, "c", prompt(4, 200), 2, 0)

	d := s.Step()

	assert.Len(t, d.Scheduled, 2)
	assert.Equal(t, 2, s.NumRunning())
	assert.Equal(t, StatusWaiting, c.Status)
	assert.Equal(t, 1, s.QueueDepth())
}

func TestStep_TokenBudgetChunksTheTail(t *testing.T) {
	// GIVEN a 6-token step budget and two 4-token prompts
	cfg := baseSchedConfig()
	cfg.MaxTokensPerStep = 6
	s, _, _ := newSchedulerForTest(PoolConfig{PrimaryBlocks: 32, BlockSizeTokens: 4}, cfg)
	a := submitSeq(s, "a", prompt(4, 0), 0, 0)
	b := submitSeq(s, "b", prompt(4, 100), 1, 0)

	d := s.Step()

	// THEN the first prefills fully and the second gets the 2 leftover
	// tokens as a partial chunk
	assert.Equal(t, 4, d.NumTokens[a.ID])
	assert.Equal(t, 2, d.NumTokens[b.ID])
	assert.Equal(t, 6, d.TotalTokens)
}

func TestStep_ChunkedPrefillAcrossSteps(t *testing.T) {
	cfg := baseSchedConfig()
	cfg.LongPrefillThreshold = 4
	s, _, _ := newSchedulerForTest(PoolConfig{PrimaryBlocks: 32, BlockSizeTokens: 4}, cfg)
	a := submitSeq(s, "a", prompt(10, 0), 0, 0)

	d := s.Step()
	require.Equal(t, 4, d.NumTokens[a.ID])
	applyStep(s, d, 900)
	assert.True(t, a.Prefilling())

	d = s.Step()
	require.Equal(t, 4, d.NumTokens[a.ID])
	applyStep(s, d, 900)

	// final chunk completes the prompt and samples
	d = s.Step()
	require.Equal(t, 2, d.NumTokens[a.ID])
	applyStep(s, d, 900)
	assert.False(t, a.Prefilling())
	assert.Equal(t, 1, a.NumOutputTokens())
}

func TestStep_DecodePressure_PreemptsLatestArrival(t *testing.T) {
	// GIVEN prompts that exactly fill the pool, one of them block-aligned
	s, alloc, m := newSchedulerForTest(PoolConfig{PrimaryBlocks: 10, OverflowBlocks: 8, BlockSizeTokens: 2}, baseSchedConfig())
	a := submitSeq(s, "a", prompt(12, 0), 0, 0)
	b := submitSeq(s, "b", prompt(7, 100), 1, 0)

	d := s.Step()
	require.Len(t, d.Scheduled, 2)
	applyStep(s, d, 900)
	require.Equal(t, 0, alloc.FreePrimary())

	// WHEN the aligned sequence needs a fresh block for its first token
	d = s.Step()

	// THEN the later arrival is the victim, swapped (it has output worth
	// keeping and the overflow tier has room), and the earlier one decodes
	require.Equal(t, []*Sequence{a}, d.Scheduled)
	require.Len(t, d.Preempted, 1)
	assert.Equal(t, b, d.Preempted[0].Seq)
	assert.Equal(t, PreemptSwap, d.Preempted[0].Mode)
	assert.Equal(t, StatusSwapped, b.Status)
	assert.Equal(t, 7, b.Progress) // KV state preserved, no replay owed
	assert.Equal(t, 1, m.SwapOuts)
	assert.Equal(t, 4, alloc.UsedOverflow())
	alloc.VerifyRefCounts(s.LiveSequences())
	_ = a
}

func TestStep_NoAdmissionWhileSwappedParked(t *testing.T) {
	// GIVEN the preemption scenario above, with b parked in overflow
	s, alloc, _ := newSchedulerForTest(PoolConfig{PrimaryBlocks: 10, OverflowBlocks: 8, BlockSizeTokens: 2}, baseSchedConfig())
	a := submitSeq(s, "a", prompt(12, 0), 0, 0)
	b := submitSeq(s, "b", prompt(7, 100), 1, 0)
	applyStep(s, s.Step(), 900)
	applyStep(s, s.Step(), 901)
	require.Equal(t, StatusSwapped, b.Status)

	// WHEN a new sequence arrives while b cannot yet swap back in
	c := submitSeq(s, "c", prompt(2, 200), 2, 0)
	d := s.Step()

	// THEN c is not admitted ahead of the parked victim
	require.Equal(t, []*Sequence{a}, d.Scheduled)
	assert.Equal(t, StatusWaiting, c.Status)
	assert.Equal(t, StatusSwapped, b.Status)
	alloc.VerifyRefCounts(s.LiveSequences())
}

func TestStep_SwapInResumes_ThenAdmissionFollows(t *testing.T) {
	// GIVEN b swapped out and c waiting behind it
	s, alloc, m := newSchedulerForTest(PoolConfig{PrimaryBlocks: 10, OverflowBlocks: 8, BlockSizeTokens: 2}, baseSchedConfig())
	a := submitSeq(s, "a", prompt(12, 0), 0, 0)
	b := submitSeq(s, "b", prompt(7, 100), 1, 0)
	applyStep(s, s.Step(), 900)
	applyStep(s, s.Step(), 901)
	c := submitSeq(s, "c", prompt(2, 200), 2, 0)
	applyStep(s, s.Step(), 902)
	require.Equal(t, StatusSwapped, b.Status)

	// WHEN a finishes and its blocks come back
	s.Drop(a)
	a.Abort(FinishReasonAbort)

	d := s.Step()

	// THEN b swaps back in and resumes where it left off, and only then is
	// c admitted in the same pass
	require.Equal(t, []*Sequence{b}, d.SwappedIn)
	assert.Equal(t, StatusRunning, b.Status)
	assert.Equal(t, 1, d.NumTokens[b.ID]) // decode, not a prompt replay
	assert.Equal(t, StatusRunning, c.Status)
	assert.Contains(t, d.Scheduled, c)
	assert.Equal(t, 1, m.SwapIns)
	assert.Equal(t, 0, alloc.UsedOverflow())
	alloc.VerifyRefCounts(s.LiveSequences())
}

func TestStep_RecomputePreemption_RequeuesVictimFirst(t *testing.T) {
	// GIVEN recompute mode and no overflow tier
	cfg := baseSchedConfig()
	cfg.PreemptionMode = PreemptRecompute
	s, alloc, m := newSchedulerForTest(PoolConfig{PrimaryBlocks: 4, BlockSizeTokens: 2}, cfg)
	a := submitSeq(s, "a", prompt(4, 0), 0, 0)
	b := submitSeq(s, "b", prompt(4, 100), 1, 0)
	applyStep(s, s.Step(), 900)

	// WHEN decode pressure forces a preemption
	d := s.Step()

	// THEN the victim's blocks are discarded and it replays from scratch,
	// from the front of the wait queue, keeping its generated token
	require.Len(t, d.Preempted, 1)
	assert.Equal(t, b, d.Preempted[0].Seq)
	assert.Equal(t, PreemptRecompute, d.Preempted[0].Mode)
	assert.Equal(t, StatusWaiting, b.Status)
	assert.Equal(t, 0, b.Progress)
	assert.Empty(t, b.BlockTable)
	assert.Equal(t, 5, b.NumTokens())
	assert.Equal(t, b, s.waitQ.Peek())
	assert.Equal(t, 1, m.Recomputes)
	alloc.VerifyRefCounts(s.LiveSequences())
	_ = a
}

func TestStep_AdmissionNeverEvictsHigherPriority(t *testing.T) {
	cfg := baseSchedConfig()
	cfg.Ordering = "priority-fcfs"
	s, alloc, _ := newSchedulerForTest(PoolConfig{PrimaryBlocks: 2, BlockSizeTokens: 2}, cfg)
	a := submitSeq(s, "a", prompt(3, 0), 0, 5)
	applyStep(s, s.Step(), 900)

	// WHEN a lower-priority candidate needs blocks the pool cannot spare
	b := submitSeq(s, "b", prompt(2, 100), 1, 1)
	d := s.Step()

	// THEN the batch shrinks instead: the candidate waits, holds nothing,
	// and the running sequence is untouched
	require.Equal(t, []*Sequence{a}, d.Scheduled)
	assert.Empty(t, d.Preempted)
	assert.Equal(t, StatusWaiting, b.Status)
	assert.Empty(t, b.BlockTable)
	alloc.VerifyRefCounts(s.LiveSequences())
}

func TestStep_HighPriorityAdmission_EvictsLowRunning(t *testing.T) {
	cfg := baseSchedConfig()
	cfg.Ordering = "priority-fcfs"
	s, alloc, m := newSchedulerForTest(PoolConfig{PrimaryBlocks: 2, OverflowBlocks: 4, BlockSizeTokens: 2}, cfg)
	a := submitSeq(s, "a", prompt(3, 0), 0, 1)
	applyStep(s, s.Step(), 900)

	// WHEN a higher-priority candidate arrives with the pool full
	b := submitSeq(s, "b", prompt(2, 100), 1, 5)
	d := s.Step()

	// THEN the low-priority running sequence is preempted to make room
	require.Len(t, d.Preempted, 1)
	assert.Equal(t, a, d.Preempted[0].Seq)
	assert.Equal(t, StatusSwapped, a.Status)
	assert.Equal(t, []*Sequence{b}, d.Scheduled)
	assert.Equal(t, StatusRunning, b.Status)
	assert.Equal(t, 1, m.Preemptions)
	alloc.VerifyRefCounts(s.LiveSequences())
}

func TestStep_BatchShrinksInsteadOfDeadlock(t *testing.T) {
	// GIVEN a pool the only sequence outgrows after one generated token
	s, alloc, _ := newSchedulerForTest(PoolConfig{PrimaryBlocks: 1, BlockSizeTokens: 2}, baseSchedConfig())
	a := submitSeq(s, "a", prompt(2, 0), 0, 0)
	applyStep(s, s.Step(), 900)

	// WHEN its next token needs a block that can never be freed
	d := s.Step()

	// THEN it preempts itself back to the queue (nothing else to evict, no
	// overflow tier to swap to)
	require.Empty(t, d.Scheduled)
	require.Len(t, d.Preempted, 1)
	assert.Equal(t, PreemptRecompute, d.Preempted[0].Mode)

	// AND every later step refuses it without blocking, panicking or
	// leaking blocks
	for i := 0; i < 3; i++ {
		d := s.Step()
		assert.Empty(t, d.Scheduled)
		assert.Empty(t, d.Preempted)
	}
	assert.Equal(t, StatusWaiting, a.Status)
	assert.Empty(t, a.BlockTable)
	assert.Equal(t, 1, alloc.FreePrimary())
	alloc.VerifyRefCounts(s.LiveSequences())
}

func TestStep_AdmissionReservesNoDecodeHeadroom(t *testing.T) {
	// GIVEN two prompts whose block tables exactly fill the pool
	s, alloc, _ := newSchedulerForTest(PoolConfig{PrimaryBlocks: 9, BlockSizeTokens: 2}, baseSchedConfig())
	a := submitSeq(s, "a", prompt(10, 0), 0, 0)
	b := submitSeq(s, "b", prompt(8, 100), 1, 0)
	a.Params.MaxTokens = 1
	b.Params.MaxTokens = 1

	d := s.Step()

	// THEN both admit: blocks are claimed for tokens that exist, never
	// held back for ones not yet sampled, so a one-token generation
	// completes with no preemption at all
	require.Equal(t, []*Sequence{a, b}, d.Scheduled)
	assert.Equal(t, 0, alloc.FreePrimary())
	applyStep(s, d, 900)
	assert.Equal(t, StatusFinished, a.Status)
	assert.Equal(t, StatusFinished, b.Status)
}

func TestStep_PriorityOrderingControlsAdmission(t *testing.T) {
	cfg := baseSchedConfig()
	cfg.Ordering = "priority-fcfs"
	cfg.MaxRunningSeqs = 2
	s, _, _ := newSchedulerForTest(PoolConfig{PrimaryBlocks: 32, BlockSizeTokens: 4}, cfg)
	low := submitSeq(s, "low", prompt(4, 0), 0, 0)
	hi1 := submitSeq(s, "hi1", prompt(4, 100), 1, 2)
	hi2 := submitSeq(s, "hi2", prompt(4, 200), 2, 2)

	d := s.Step()

	// equal-priority sequences keep FIFO order among themselves
	require.Equal(t, []*Sequence{hi1, hi2}, d.Scheduled)
	assert.Equal(t, StatusWaiting, low.Status)
}

func TestStep_PreemptedVictimRefundsTokenBudget(t *testing.T) {
	// GIVEN a 2-token step budget, one token of which a low-priority decode
	// claims first
	cfg := baseSchedConfig()
	cfg.Ordering = "priority-fcfs"
	cfg.MaxTokensPerStep = 2
	s, _, _ := newSchedulerForTest(PoolConfig{PrimaryBlocks: 2, OverflowBlocks: 4, BlockSizeTokens: 2}, cfg)
	a := submitSeq(s, "a", prompt(2, 0), 0, 1)
	applyStep(s, s.Step(), 900)

	// WHEN a high-priority arrival evicts the decode mid-pass
	b := submitSeq(s, "b", prompt(2, 100), 1, 5)
	d := s.Step()

	// THEN the victim's reserved token returns to the budget, so the whole
	// prompt prefills in one chunk instead of being split
	require.Equal(t, []*Sequence{b}, d.Scheduled)
	assert.Equal(t, 2, d.NumTokens[b.ID])
	assert.Equal(t, 2, d.TotalTokens)
	assert.Equal(t, StatusSwapped, a.Status)
}

func TestStep_DecodeOverflow_SwapsVictimThenAdmitsNewArrival(t *testing.T) {
	// GIVEN a 10-block pool holding two prompts that leave one block free
	s, alloc, m := newSchedulerForTest(PoolConfig{PrimaryBlocks: 10, OverflowBlocks: 8, BlockSizeTokens: 2}, baseSchedConfig())
	a := submitSeq(s, "a", prompt(10, 0), 0, 0)
	a.Params.MaxTokens = 2
	b := submitSeq(s, "b", prompt(8, 100), 1, 0)
	b.Params.MaxTokens = 2

	d := s.Step()
	require.Equal(t, []*Sequence{a, b}, d.Scheduled)
	require.Equal(t, 1, alloc.FreePrimary())
	applyStep(s, d, 900)

	c := submitSeq(s, "c", prompt(4, 200), 2, 0)
	c.Params.MaxTokens = 1

	// WHEN both decodes need a new block and only one exists, the
	// latest-arrived victim swaps out rather than aborting, and the new
	// arrival is not admitted over it
	d = s.Step()
	require.Equal(t, []*Sequence{a}, d.Scheduled)
	assert.Equal(t, StatusSwapped, b.Status)
	assert.Empty(t, b.FinishReason)
	assert.Equal(t, StatusWaiting, c.Status)
	assert.Equal(t, 4, alloc.UsedOverflow())
	// the victim's computed state survives the swap intact
	assert.Equal(t, 8, b.Progress)
	assert.Len(t, b.Tokens, 9)
	applyStep(s, d, 901)
	require.Equal(t, StatusFinished, a.Status)
	s.FinishSequence(a)

	// THEN the freed pool swaps the victim back in and admits the arrival
	// in the same pass
	d = s.Step()
	require.Equal(t, []*Sequence{b}, d.SwappedIn)
	require.Equal(t, []*Sequence{b, c}, d.Scheduled)
	assert.Equal(t, 1, d.NumTokens[b.ID])
	assert.Equal(t, 4, d.NumTokens[c.ID])
	assert.Equal(t, 0, alloc.UsedOverflow())
	applyStep(s, d, 902)

	require.Equal(t, StatusFinished, b.Status)
	require.Equal(t, StatusFinished, c.Status)
	s.FinishSequence(b)
	s.FinishSequence(c)
	assert.Equal(t, alloc.TotalPrimary(), alloc.FreePrimary())
	assert.Equal(t, 1, m.SwapOuts)
	assert.Equal(t, 1, m.SwapIns)
	alloc.VerifyRefCounts(nil)
}

func TestFinishSequence_ReleasesEverything(t *testing.T) {
	s, alloc, _ := newSchedulerForTest(PoolConfig{PrimaryBlocks: 8, BlockSizeTokens: 2}, baseSchedConfig())
	a := submitSeq(s, "a", prompt(3, 0), 0, 0)
	a.Params.MaxTokens = 1
	d := s.Step()
	applyStep(s, d, 900)
	require.Equal(t, StatusFinished, a.Status)

	s.FinishSequence(a)

	assert.Equal(t, 0, s.NumRunning())
	assert.Equal(t, 8, alloc.FreePrimary())
	assert.Empty(t, a.BlockTable)
	alloc.VerifyRefCounts(nil)
}
