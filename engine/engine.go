// The engine loop: drains intake at step boundaries, asks the scheduler for
// a batch, replicates the decision to coordination workers when configured,
// invokes the injected forward pass and sampler, and streams per-sequence
// step outputs.

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pagedserve/pagedserve/engine/coord"
)

// ForwardItem is one sequence's share of a forward-pass invocation.
type ForwardItem struct {
	SequenceID string
	TokenIDs   []int // the token chunk whose KV state this step computes
	StartPos   int   // position of TokenIDs[0] in the full sequence
	BlockTable []int // logical block index -> physical block id
}

// ForwardBatch is the input to one forward-pass invocation.
type ForwardBatch struct {
	Items []ForwardItem
}

// ForwardResult carries final-position logits per sequence. Sequences
// mid-way through a chunked prefill may be omitted; their logits are not
// sampled.
type ForwardResult struct {
	Logits map[string][]float32
}

// ForwardPass computes logits for a batch. It is synchronous from the
// engine's perspective and must never touch scheduler or allocator state.
type ForwardPass func(ctx context.Context, batch *ForwardBatch) (*ForwardResult, error)

// Sampler picks the next token from logits. Pure function: no side effects
// on engine state.
type Sampler func(logits []float32, params SamplingParams) (token int, logprob float64)

// SequenceSpec describes a submission.
type SequenceSpec struct {
	Prompt   []int
	Params   SamplingParams
	Priority float64
}

// StepOutput is one sequence's result for one step. Sequences mid-prefill
// produce no output; terminal transitions set Finished and FinishReason.
type StepOutput struct {
	SequenceID   string
	Token        int
	Logprob      float64
	Finished     bool
	FinishReason FinishReason
	Err          error
}

type forkRequest struct {
	parentID string
	childID  string
}

// Engine is the top-level execution core: scheduler, allocator, and the
// sequence store, with the forward pass and sampler injected at
// construction. Submit, Abort and Fork are safe from any goroutine and take
// effect at the next step boundary; Step and Run must be driven from a
// single goroutine.
type Engine struct {
	cfg     Config
	alloc   *BlockAllocator
	sched   *Scheduler
	metrics *Metrics

	forward ForwardPass
	sampler Sampler
	daemon  *coord.Daemon // nil in single-worker mode

	seqs           map[string]*Sequence // live sequences, step-loop owned
	arrivalCounter int64
	stepCount      int64

	mu             sync.Mutex
	pendingSubmits []*Sequence
	pendingAborts  []string
	pendingForks   []forkRequest
	waitingDepth   int // wait queue depth snapshot for backpressure
	closed         bool

	kick    chan struct{}
	outputs chan StepOutput
}

// NewEngine builds an engine over a validated configuration. daemon may be
// nil for single-worker deployments.
func NewEngine(cfg Config, forward ForwardPass, sampler Sampler, daemon *coord.Daemon) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if forward == nil || sampler == nil {
		return nil, fmt.Errorf("forward pass and sampler must be provided")
	}
	metrics := &Metrics{}
	alloc := NewBlockAllocator(cfg.Pool)
	return &Engine{
		cfg:     cfg,
		alloc:   alloc,
		sched:   NewScheduler(cfg.Scheduler, alloc, metrics),
		metrics: metrics,
		forward: forward,
		sampler: sampler,
		daemon:  daemon,
		seqs:    make(map[string]*Sequence),
		kick:    make(chan struct{}, 1),
		outputs: make(chan StepOutput, 256),
	}, nil
}

// Metrics exposes the engine's counters. Read after Drain for a consistent
// snapshot.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// Outputs is the per-step stream of sequence events. The ingestion layer is
// expected to drain it continuously while Run is active.
func (e *Engine) Outputs() <-chan StepOutput { return e.outputs }

// Submit admits a new sequence for generation, returning its assigned id.
// A prompt that cannot fit in the primary pool even with every block free is
// rejected with *AdmissionError. A full wait queue rejects with ErrQueueFull
// (fail-fast backpressure, never queued indefinitely).
func (e *Engine) Submit(spec SequenceSpec) (string, error) {
	if len(spec.Prompt) == 0 {
		return "", fmt.Errorf("empty prompt")
	}
	required := e.alloc.BlocksNeeded(len(spec.Prompt))
	if required > e.alloc.TotalPrimary() {
		return "", &AdmissionError{
			PromptTokens:   len(spec.Prompt),
			RequiredBlocks: required,
			PoolBlocks:     e.alloc.TotalPrimary(),
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", ErrEngineClosed
	}
	if len(e.pendingSubmits)+e.waitingDepth >= e.cfg.Scheduler.WaitQueueBound {
		return "", ErrQueueFull
	}
	seq := NewSequence(uuid.NewString(), spec.Prompt, spec.Params)
	seq.Priority = spec.Priority
	e.pendingSubmits = append(e.pendingSubmits, seq)
	e.wake()
	return seq.ID, nil
}

// Abort cancels a sequence. The effect (block release, Aborted transition,
// a final StepOutput) is applied at the next step boundary, not
// instantaneously. Unknown or already-terminal ids are ignored.
func (e *Engine) Abort(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.pendingAborts = append(e.pendingAborts, id)
	e.wake()
}

// Fork clones a live sequence, sharing its blocks copy-on-write (parallel
// sampling from one prompt allocates nothing up front). The child id is
// returned immediately; the fork is applied at the next step boundary, and
// failure (unknown parent, running batch full) surfaces on the output
// stream as an aborted child.
func (e *Engine) Fork(parentID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", ErrEngineClosed
	}
	childID := uuid.NewString()
	e.pendingForks = append(e.pendingForks, forkRequest{parentID: parentID, childID: childID})
	e.wake()
	return childID, nil
}

func (e *Engine) wake() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Step executes one engine step: intake drain, scheduling, coordination
// broadcast, forward pass, sampling, and terminal-state cleanup. Returns the
// step's outputs. A forward-pass error is fatal and halts the loop.
func (e *Engine) Step(ctx context.Context) ([]StepOutput, error) {
	outputs := e.drainIntake()

	d := e.sched.Step()
	if len(d.Scheduled) == 0 {
		e.finishStep()
		return outputs, nil
	}
	e.stepCount++
	e.metrics.StepsExecuted++

	batch := e.buildBatch(d)

	if e.daemon != nil {
		if err := e.daemon.Commit(ctx, e.buildPayload(d, batch)); err != nil {
			var wf *coord.WorkerFailureError
			if errors.As(err, &wf) {
				// abort-group: the whole distributed step fails and no
				// partial output from it is emitted
				outputs = append(outputs, e.abortBatch(d, wf)...)
				e.finishStep()
				return outputs, nil
			}
			return outputs, fmt.Errorf("coordination commit: %w", err)
		}
	}

	res, err := e.forward(ctx, batch)
	if err != nil {
		return outputs, fmt.Errorf("forward pass: %w", err)
	}

	for _, seq := range d.Scheduled {
		n := d.NumTokens[seq.ID]
		seq.Progress += n
		if seq.Prefilling() {
			e.metrics.TotalPromptTokens += n
			continue // chunked prefill, nothing to sample yet
		}
		if seq.Progress < seq.NumTokens() {
			e.metrics.TotalPromptTokens += n
			continue // replaying recomputed tokens
		}
		if seq.NumOutputTokens() == 0 {
			e.metrics.TotalPromptTokens += n
		}

		logits, ok := res.Logits[seq.ID]
		if !ok {
			return outputs, fmt.Errorf("forward pass returned no logits for sequence %s", seq.ID)
		}
		token, logprob := e.sampler(logits, seq.Params)
		finished := seq.Advance(token, logprob)
		e.metrics.TotalOutputTokens++

		out := StepOutput{
			SequenceID: seq.ID,
			Token:      token,
			Logprob:    logprob,
		}
		if finished {
			out.Finished = true
			out.FinishReason = seq.FinishReason
			e.sched.FinishSequence(seq)
			delete(e.seqs, seq.ID)
			e.metrics.SequencesFinished++
			logrus.Infof("finished %s (%s) after %d output tokens", seq.ID, seq.FinishReason, seq.NumOutputTokens())
		}
		outputs = append(outputs, out)
	}

	e.finishStep()
	return outputs, nil
}

// drainIntake applies pending submissions, aborts and forks. Runs at step
// boundaries only, keeping per-step scheduling decisions consistent.
func (e *Engine) drainIntake() []StepOutput {
	e.mu.Lock()
	submits := e.pendingSubmits
	aborts := e.pendingAborts
	forks := e.pendingForks
	e.pendingSubmits = nil
	e.pendingAborts = nil
	e.pendingForks = nil
	e.mu.Unlock()

	var outputs []StepOutput
	for _, seq := range submits {
		seq.ArrivalSeq = e.arrivalCounter
		e.arrivalCounter++
		e.seqs[seq.ID] = seq
		e.sched.EnqueueWaiting(seq)
		logrus.Debugf("admitted %s to wait queue (%d prompt tokens)", seq.ID, seq.NumPromptTokens)
	}
	for _, id := range aborts {
		seq, ok := e.seqs[id]
		if !ok || seq.Status.Terminal() {
			continue
		}
		e.sched.Drop(seq)
		seq.Abort(FinishReasonAbort)
		delete(e.seqs, id)
		e.metrics.SequencesAborted++
		outputs = append(outputs, StepOutput{
			SequenceID:   id,
			Finished:     true,
			FinishReason: FinishReasonAbort,
		})
	}
	for _, f := range forks {
		outputs = append(outputs, e.applyFork(f))
	}
	return outputs
}

func (e *Engine) applyFork(f forkRequest) StepOutput {
	fail := func(err error) StepOutput {
		return StepOutput{
			SequenceID:   f.childID,
			Finished:     true,
			FinishReason: FinishReasonAbort,
			Err:          err,
		}
	}
	parent, ok := e.seqs[f.parentID]
	if !ok || parent.Status.Terminal() {
		return fail(fmt.Errorf("fork %s: %w", f.parentID, ErrUnknownSequence))
	}
	child := parent.cloneFor(f.childID)
	child.ArrivalSeq = e.arrivalCounter
	e.arrivalCounter++

	switch parent.Status {
	case StatusWaiting:
		e.sched.EnqueueWaiting(child)
	case StatusRunning:
		e.alloc.Fork(parent, child)
		if !e.sched.AdoptRunning(child) {
			e.alloc.Free(child)
			return fail(fmt.Errorf("fork %s: running batch full", f.parentID))
		}
	case StatusSwapped:
		e.alloc.Fork(parent, child)
		e.sched.AdoptSwapped(child)
	}
	e.seqs[child.ID] = child
	logrus.Debugf("forked %s into %s (%d shared blocks)", parent.ID, child.ID, len(child.BlockTable))
	return StepOutput{SequenceID: child.ID}
}

// abortBatch cancels every sequence of the affected batch after a worker
// death under the abort-group policy.
func (e *Engine) abortBatch(d *Decision, wf *coord.WorkerFailureError) []StepOutput {
	logrus.Errorf("aborting batch of %d sequences: %v", len(d.Scheduled), wf)
	outputs := make([]StepOutput, 0, len(d.Scheduled))
	for _, seq := range d.Scheduled {
		e.sched.Drop(seq)
		seq.Abort(FinishReasonWorkerFailure)
		delete(e.seqs, seq.ID)
		e.metrics.SequencesAborted++
		outputs = append(outputs, StepOutput{
			SequenceID:   seq.ID,
			Finished:     true,
			FinishReason: FinishReasonWorkerFailure,
			Err:          wf,
		})
	}
	return outputs
}

func (e *Engine) buildBatch(d *Decision) *ForwardBatch {
	batch := &ForwardBatch{Items: make([]ForwardItem, 0, len(d.Scheduled))}
	for _, seq := range d.Scheduled {
		n := d.NumTokens[seq.ID]
		table := make([]int, len(seq.BlockTable))
		copy(table, seq.BlockTable)
		batch.Items = append(batch.Items, ForwardItem{
			SequenceID: seq.ID,
			TokenIDs:   seq.Tokens[seq.Progress : seq.Progress+n],
			StartPos:   seq.Progress,
			BlockTable: table,
		})
	}
	return batch
}

func (e *Engine) buildPayload(d *Decision, batch *ForwardBatch) *coord.StepPayload {
	p := &coord.StepPayload{StepID: e.stepCount}
	for _, item := range batch.Items {
		p.SequenceIDs = append(p.SequenceIDs, item.SequenceID)
		p.TokenIDs = append(p.TokenIDs, item.TokenIDs)
		p.BlockTables = append(p.BlockTables, item.BlockTable)
	}
	return p
}

// finishStep verifies cross-structure invariants and refreshes the
// backpressure snapshot. A refcount or capacity inconsistency here is
// structurally unreachable; hitting one halts the engine via panic instead
// of risking silent corruption.
func (e *Engine) finishStep() {
	e.alloc.VerifyRefCounts(e.sched.LiveSequences())
	if e.alloc.UsedPrimary() > e.alloc.TotalPrimary() {
		panic("primary tier usage exceeds pool capacity")
	}
	e.metrics.ObserveUsage(e.alloc.UsedPrimary())

	e.mu.Lock()
	e.waitingDepth = e.sched.QueueDepth()
	e.mu.Unlock()
}

// Run drives the step loop until ctx is cancelled, draining all live
// sequences on the way out. Outputs are delivered on the Outputs channel;
// the consumer must keep reading or the loop stalls.
func (e *Engine) Run(ctx context.Context) error {
	defer e.Drain()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.kick:
		}
		for {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.mu.Lock()
			pending := len(e.pendingSubmits)+len(e.pendingAborts)+len(e.pendingForks) > 0
			e.mu.Unlock()
			if !pending && !e.sched.HasWork() {
				break
			}
			outs, err := e.Step(ctx)
			if err != nil {
				return err
			}
			for _, out := range outs {
				select {
				case e.outputs <- out:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// Drain aborts every live sequence and closes the output stream. The engine
// rejects further submissions afterwards.
func (e *Engine) Drain() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	submits := e.pendingSubmits
	e.pendingSubmits = nil
	e.pendingAborts = nil
	e.pendingForks = nil
	e.mu.Unlock()

	for _, seq := range submits {
		seq.Abort(FinishReasonAbort)
		e.metrics.SequencesAborted++
	}
	for _, seq := range e.sched.LiveSequences() {
		e.sched.Drop(seq)
		seq.Abort(FinishReasonAbort)
		delete(e.seqs, seq.ID)
		e.metrics.SequencesAborted++
	}
	e.alloc.VerifyRefCounts(nil)
	close(e.outputs)
	logrus.Infof("engine drained after %d steps", e.stepCount)
}
