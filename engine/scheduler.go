// Per-step batch formation: continue running sequences, re-admit swapped
// ones, admit waiting ones, and preempt victims when the block pool cannot
// cover a sequence's next tokens.

package engine

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Preemption records one victim removed from the running batch this step,
// with the resolved mode (swap or recompute, never auto).
type Preemption struct {
	Seq  *Sequence
	Mode PreemptionMode
}

// Decision is the transient output of one scheduling pass. It is consumed by
// the engine loop immediately and never persisted.
type Decision struct {
	// Scheduled sequences run in the forward pass this step, in admission
	// order. NumTokens gives the new token count each one computes (a prompt
	// chunk, or 1 for decode).
	Scheduled []*Sequence
	NumTokens map[string]int

	Preempted []Preemption
	SwappedIn []*Sequence

	TotalTokens int
}

// Scheduler forms the running batch each step. All state mutation is
// single-writer: the engine loop calls Step, FinishSequence and Drop from
// one goroutine, never mid-step.
type Scheduler struct {
	cfg      SchedulerConfig
	alloc    *BlockAllocator
	ordering QueueOrdering

	waitQ   *WaitQueue
	running []*Sequence // admission order; preemption victims come from the tail
	swapped []*Sequence // swap-out order; re-admitted FIFO

	metrics *Metrics
}

// NewScheduler creates a Scheduler over the given allocator. cfg must have
// been validated.
func NewScheduler(cfg SchedulerConfig, alloc *BlockAllocator, metrics *Metrics) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		alloc:    alloc,
		ordering: NewOrdering(cfg.Ordering),
		waitQ:    &WaitQueue{},
		metrics:  metrics,
	}
}

// EnqueueWaiting adds a submitted sequence to the wait queue.
func (s *Scheduler) EnqueueWaiting(seq *Sequence) {
	s.waitQ.Enqueue(seq)
}

// HasWork reports whether any sequence is live in the scheduler.
func (s *Scheduler) HasWork() bool {
	return s.waitQ.Len() > 0 || len(s.running) > 0 || len(s.swapped) > 0
}

// QueueDepth returns the number of sequences waiting for admission.
func (s *Scheduler) QueueDepth() int { return s.waitQ.Len() }

// NumRunning returns the current running batch size.
func (s *Scheduler) NumRunning() int { return len(s.running) }

// NumSwapped returns the number of sequences parked in the overflow tier.
func (s *Scheduler) NumSwapped() int { return len(s.swapped) }

// LiveSequences returns every sequence the scheduler tracks, for invariant
// verification.
func (s *Scheduler) LiveSequences() []*Sequence {
	out := make([]*Sequence, 0, len(s.running)+len(s.swapped)+s.waitQ.Len())
	out = append(out, s.running...)
	out = append(out, s.swapped...)
	out = append(out, s.waitQ.Items()...)
	return out
}

// Step forms the batch for one engine step.
//
// Order of consideration follows the running-first rule: sequences already
// running keep their claim before anything is re-admitted or admitted, the
// swapped pool drains before the wait queue, and new admissions stop as soon
// as a preemption happens. When no preemption can free enough blocks the
// batch simply shrinks; Step never blocks and never deadlocks.
func (s *Scheduler) Step() *Decision {
	d := &Decision{NumTokens: make(map[string]int)}
	budget := s.cfg.MaxTokensPerStep
	preempted := false

	// Phase 1: continue the running batch in admission order.
	for _, seq := range append([]*Sequence(nil), s.running...) {
		if !s.isRunning(seq) {
			// preempted by an earlier sequence in this same pass
			continue
		}
		if budget <= 0 {
			logrus.Debugf("token budget exhausted; %s waits for the next step", seq.ID)
			break
		}
		s.scheduleOne(seq, d, &budget, false)
	}
	preempted = len(d.Preempted) > 0

	// Phase 2: swap sequences back in, oldest first. Swapped sequences
	// outrank the wait queue: they already consumed compute.
	if !preempted {
		for len(s.swapped) > 0 && len(s.running) < s.cfg.MaxRunningSeqs && budget > 0 {
			seq := s.swapped[0]
			if !s.alloc.CanSwapIn(seq) {
				break
			}
			if err := s.alloc.SwapIn(seq); err != nil {
				break
			}
			s.swapped = s.swapped[1:]
			seq.Status = StatusRunning
			s.running = append(s.running, seq)
			d.SwappedIn = append(d.SwappedIn, seq)
			s.metrics.SwapIns++
			s.scheduleOne(seq, d, &budget, false)
			if len(d.Preempted) > 0 {
				break
			}
		}
	}

	// Phase 3: admit from the wait queue. Skipped entirely while earlier
	// phases preempted or while swapped sequences are still parked, so a
	// re-admission race between a victim and a fresh arrival cannot thrash.
	if !preempted && len(s.swapped) == 0 {
		s.waitQ.Reorder(s.ordering.OrderQueue)
		for s.waitQ.Len() > 0 && len(s.running) < s.cfg.MaxRunningSeqs && budget > 0 {
			cand := s.waitQ.Peek()
			admitted := s.scheduleOne(cand, d, &budget, true)
			if !admitted {
				break
			}
			s.waitQ.Dequeue()
			cand.Status = StatusRunning
			s.running = append(s.running, cand)
			if len(d.Preempted) > 0 {
				// a victim paid for this admission; stop here
				break
			}
		}
	}

	for _, n := range d.NumTokens {
		d.TotalTokens += n
	}
	return d
}

// scheduleOne allocates blocks for seq's next tokens and records it in the
// decision, preempting victims as needed. admission marks a wait-queue
// candidate: preemption then stops at victims of strictly higher priority
// (the batch shrinks instead), and failure leaves the candidate waiting.
// Returns whether seq was scheduled.
func (s *Scheduler) scheduleOne(seq *Sequence, d *Decision, budget *int, admission bool) bool {
	cachedThisCall := 0
	for {
		remaining := seq.NumTokens() - seq.Progress
		if remaining <= 0 {
			panic(fmt.Sprintf("sequence %s has no pending tokens (progress %d of %d)",
				seq.ID, seq.Progress, seq.NumTokens()))
		}
		numNew := remaining
		if s.cfg.LongPrefillThreshold > 0 && numNew > s.cfg.LongPrefillThreshold {
			numNew = s.cfg.LongPrefillThreshold
		}
		if numNew > *budget {
			numNew = *budget
		}
		if numNew <= 0 {
			if admission {
				s.rollbackAdmission(seq, cachedThisCall)
			}
			return false
		}
		cached, err := s.alloc.Allocate(seq, seq.Progress+numNew)
		if err == nil && cached > 0 {
			// prefix cache hit: those tokens need no compute this step
			seq.Progress += cached
			s.metrics.CachedPromptTokens += cached
			cachedThisCall += cached
			continue
		}
		if err == nil {
			d.Scheduled = append(d.Scheduled, seq)
			d.NumTokens[seq.ID] = numNew
			*budget -= numNew
			return true
		}
		if !errors.Is(err, ErrCapacityExhausted) {
			panic(fmt.Sprintf("unexpected allocator failure for %s: %v", seq.ID, err))
		}

		victim := s.pickVictim()
		if victim == nil {
			if admission {
				s.rollbackAdmission(seq, cachedThisCall)
			}
			return false
		}
		if admission && victim.Priority > seq.Priority {
			// never evict a higher-priority sequence for a lower one
			s.rollbackAdmission(seq, cachedThisCall)
			return false
		}
		if victim == seq {
			s.preempt(seq, d, budget)
			return false
		}
		s.preempt(victim, d, budget)
	}
}

// rollbackAdmission releases everything a failed wait-queue candidate
// acquired during this scheduling attempt. A refused candidate must not
// reserve blocks while it sits in the queue: the blocks hold no computed KV
// state yet, and other sequences can put them to work this step.
func (s *Scheduler) rollbackAdmission(seq *Sequence, cachedThisCall int) {
	s.alloc.Free(seq)
	seq.Progress -= cachedThisCall
	s.metrics.CachedPromptTokens -= cachedThisCall
}

// pickVictim selects the preemption victim from the running batch: lowest
// priority first, most-recently-admitted among equals. Returns nil when the
// batch is empty.
func (s *Scheduler) pickVictim() *Sequence {
	var victim *Sequence
	for _, seq := range s.running {
		if victim == nil ||
			seq.Priority < victim.Priority ||
			(seq.Priority == victim.Priority && seq.ArrivalSeq > victim.ArrivalSeq) {
			victim = seq
		}
	}
	return victim
}

// preempt removes victim from the running batch, undoing any schedule slot
// it already claimed this step. The victim's token reservation returns to
// the budget so later phases can spend it. Parks the victim according to the
// resolved mode.
func (s *Scheduler) preempt(victim *Sequence, d *Decision, budget *int) {
	s.removeRunning(victim)
	if n, ok := d.NumTokens[victim.ID]; ok {
		*budget += n
		delete(d.NumTokens, victim.ID)
		for i, sched := range d.Scheduled {
			if sched == victim {
				d.Scheduled = append(d.Scheduled[:i], d.Scheduled[i+1:]...)
				break
			}
		}
	}
	for i, sw := range d.SwappedIn {
		if sw == victim {
			d.SwappedIn = append(d.SwappedIn[:i], d.SwappedIn[i+1:]...)
			break
		}
	}

	mode := s.resolveMode(victim)
	switch mode {
	case PreemptSwap:
		if err := s.alloc.SwapOut(victim); err != nil {
			panic(fmt.Sprintf("swap-out of %s failed after capacity check: %v", victim.ID, err))
		}
		victim.Status = StatusSwapped
		s.swapped = append(s.swapped, victim)
		s.metrics.SwapOuts++
		logrus.Warnf("preempted %s (swap, %d blocks to overflow)", victim.ID, len(victim.BlockTable))
	case PreemptRecompute:
		s.alloc.Free(victim)
		victim.Progress = 0
		victim.Status = StatusWaiting
		s.waitQ.PrependFront(victim)
		s.metrics.Recomputes++
		logrus.Warnf("preempted %s (recompute, %d tokens to replay)", victim.ID, victim.NumTokens())
	default:
		panic(fmt.Sprintf("unresolved preemption mode %q", mode))
	}
	d.Preempted = append(d.Preempted, Preemption{Seq: victim, Mode: mode})
	s.metrics.Preemptions++
}

// resolveMode turns the configured preemption preference into a concrete
// mode for this victim. Swap needs overflow capacity; auto additionally
// requires the victim to have produced output worth preserving, since a
// prompt-only victim is cheaper to recompute than to move twice.
func (s *Scheduler) resolveMode(victim *Sequence) PreemptionMode {
	switch s.cfg.PreemptionMode {
	case PreemptSwap:
		if s.alloc.CanSwapOut(victim) {
			return PreemptSwap
		}
		logrus.Warnf("overflow tier full; %s falls back to recompute", victim.ID)
		return PreemptRecompute
	case PreemptRecompute:
		return PreemptRecompute
	default: // PreemptAuto
		if victim.NumOutputTokens() > 0 && s.alloc.CanSwapOut(victim) {
			return PreemptSwap
		}
		return PreemptRecompute
	}
}

func (s *Scheduler) isRunning(seq *Sequence) bool {
	for _, r := range s.running {
		if r == seq {
			return true
		}
	}
	return false
}

func (s *Scheduler) removeRunning(seq *Sequence) {
	for i, r := range s.running {
		if r == seq {
			s.running = append(s.running[:i], s.running[i+1:]...)
			return
		}
	}
	panic(fmt.Sprintf("sequence %s not in running batch", seq.ID))
}

// AdoptRunning inserts a forked child directly into the running batch,
// refusing when the batch is at its cap.
func (s *Scheduler) AdoptRunning(seq *Sequence) bool {
	if len(s.running) >= s.cfg.MaxRunningSeqs {
		return false
	}
	s.running = append(s.running, seq)
	return true
}

// AdoptSwapped parks a forked child alongside its swapped parent.
func (s *Scheduler) AdoptSwapped(seq *Sequence) {
	s.swapped = append(s.swapped, seq)
}

// FinishSequence releases a terminal sequence's blocks and drops it from the
// running batch. Called by the engine loop when Advance reports completion.
func (s *Scheduler) FinishSequence(seq *Sequence) {
	if !seq.Status.Terminal() {
		panic(fmt.Sprintf("FinishSequence on live sequence %s (%s)", seq.ID, seq.Status))
	}
	s.alloc.Free(seq)
	s.removeRunning(seq)
}

// Drop removes an aborted sequence from whichever structure holds it and
// releases its blocks. Safe to call for any non-terminal location.
func (s *Scheduler) Drop(seq *Sequence) {
	switch seq.Status {
	case StatusRunning:
		s.removeRunning(seq)
	case StatusSwapped:
		for i, sw := range s.swapped {
			if sw == seq {
				s.swapped = append(s.swapped[:i], s.swapped[i+1:]...)
				break
			}
		}
	case StatusWaiting:
		s.waitQ.Remove(seq.ID)
	}
	s.alloc.Free(seq)
}
