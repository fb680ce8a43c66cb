// Defines the Sequence struct that tracks one generation request's lifecycle:
// token history, logical-to-physical block mapping, and status transitions.

package engine

import "fmt"

// Status is the lifecycle state of a sequence.
type Status string

const (
	StatusWaiting  Status = "waiting"  // admitted, no blocks allocated yet
	StatusRunning  Status = "running"  // holds primary-tier blocks, in the active batch
	StatusSwapped  Status = "swapped"  // preempted, blocks moved to the overflow tier
	StatusFinished Status = "finished" // stop condition met (terminal)
	StatusAborted  Status = "aborted"  // cancelled by the caller or a worker failure (terminal)
)

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusAborted
}

// SamplingParams carries per-sequence sampling configuration. The engine
// only reads the stop conditions; everything else is passed through to the
// injected Sampler untouched.
type SamplingParams struct {
	Temperature float64
	TopP        float64
	TopK        int
	MaxTokens   int   // max output tokens (0 = unlimited)
	StopTokens  []int // token ids that terminate generation
	IgnoreEOS   bool  // when set, StopTokens are ignored
}

// Sequence models a single generation request.
//
// The Sequence is owned by the engine's sequence store. The scheduler mutates
// Status and BlockTable; the engine loop mutates the token history and drives
// the transition to Finished. Nothing else writes to it.
type Sequence struct {
	ID string

	Tokens          []int // prompt tokens followed by generated tokens
	NumPromptTokens int

	Status Status
	// BlockTable maps logical block index -> physical block id. While the
	// sequence is Swapped the ids refer to overflow-tier blocks.
	BlockTable []int
	// Progress is the number of tokens whose KV state has been computed.
	// It trails NumTokens() during chunked prefill and equals NumTokens()-1
	// for a sequence about to take a decode step.
	Progress int

	Params     SamplingParams
	CumLogprob float64 // cumulative log-probability of generated tokens

	Priority float64 // ordering hint for priority-fcfs; higher runs first
	// ArrivalSeq is a monotonic admission counter assigned at submission.
	// It is the FIFO tie-break: equal-priority sequences run in ArrivalSeq order.
	ArrivalSeq int64

	FinishReason  FinishReason
	stopRequested bool
}

// NewSequence creates a Waiting sequence over the given prompt.
func NewSequence(id string, prompt []int, params SamplingParams) *Sequence {
	tokens := make([]int, len(prompt))
	copy(tokens, prompt)
	return &Sequence{
		ID:              id,
		Tokens:          tokens,
		NumPromptTokens: len(prompt),
		Status:          StatusWaiting,
		Params:          params,
	}
}

// NumTokens returns the total token count (prompt + generated).
func (s *Sequence) NumTokens() int { return len(s.Tokens) }

// NumOutputTokens returns the number of generated tokens.
func (s *Sequence) NumOutputTokens() int { return len(s.Tokens) - s.NumPromptTokens }

// OutputTokens returns the generated suffix of the token history.
func (s *Sequence) OutputTokens() []int { return s.Tokens[s.NumPromptTokens:] }

// Prefilling reports whether the prompt's KV state is still being computed.
func (s *Sequence) Prefilling() bool { return s.Progress < s.NumPromptTokens }

// RequestStop flags the sequence for termination at its next Advance.
// Used for cooperative early stopping without discarding the pending token.
func (s *Sequence) RequestStop() { s.stopRequested = true }

// Advance appends a generated token and applies stop conditions. It returns
// true when the sequence transitioned to Finished, recording the reason.
func (s *Sequence) Advance(token int, logprob float64) bool {
	if s.Status.Terminal() {
		panic(fmt.Sprintf("Advance on terminal sequence %s (%s)", s.ID, s.Status))
	}
	s.Tokens = append(s.Tokens, token)
	s.CumLogprob += logprob

	if s.stopRequested {
		s.finish(FinishReasonStop)
		return true
	}
	if !s.Params.IgnoreEOS {
		for _, st := range s.Params.StopTokens {
			if token == st {
				s.finish(FinishReasonStop)
				return true
			}
		}
	}
	if s.Params.MaxTokens > 0 && s.NumOutputTokens() >= s.Params.MaxTokens {
		s.finish(FinishReasonLength)
		return true
	}
	return false
}

// Abort forces the sequence into the Aborted terminal state. The caller is
// responsible for releasing its blocks; Abort only records the transition.
func (s *Sequence) Abort(reason FinishReason) {
	if s.Status.Terminal() {
		return
	}
	s.Status = StatusAborted
	s.FinishReason = reason
}

// cloneFor copies the sequence for a fork: same token history, progress and
// sampling parameters, empty block table (the allocator shares the parent's
// blocks separately).
func (s *Sequence) cloneFor(id string) *Sequence {
	tokens := make([]int, len(s.Tokens))
	copy(tokens, s.Tokens)
	return &Sequence{
		ID:              id,
		Tokens:          tokens,
		NumPromptTokens: s.NumPromptTokens,
		Status:          s.Status,
		Progress:        s.Progress,
		Params:          s.Params,
		CumLogprob:      s.CumLogprob,
		Priority:        s.Priority,
	}
}

func (s *Sequence) finish(reason FinishReason) {
	s.Status = StatusFinished
	s.FinishReason = reason
}

func (s *Sequence) String() string {
	return fmt.Sprintf("Sequence(ID: %s, Status: %s, Progress: %d/%d, Blocks: %d)",
		s.ID, s.Status, s.Progress, s.NumTokens(), len(s.BlockTable))
}
