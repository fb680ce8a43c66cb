package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for capacity and intake conditions.
//
// ErrCapacityExhausted is transient and internal: the scheduler resolves it
// via preemption or batch shrink and it never reaches a caller.
// ErrQueueFull is the fail-fast backpressure signal returned by Submit when
// the waiting queue is at its configured bound.
var (
	ErrCapacityExhausted = errors.New("block pool capacity exhausted")
	ErrQueueFull         = errors.New("waiting queue full")
	ErrUnknownSequence   = errors.New("unknown sequence")
	ErrEngineClosed      = errors.New("engine closed")
)

// AdmissionError reports a prompt whose KV state cannot fit in the primary
// block pool even with every other sequence evicted. It is returned from
// Submit and never retried automatically.
type AdmissionError struct {
	PromptTokens   int
	RequiredBlocks int
	PoolBlocks     int
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("prompt of %d tokens needs %d blocks but pool holds %d",
		e.PromptTokens, e.RequiredBlocks, e.PoolBlocks)
}

// FinishReason explains why a sequence reached a terminal state.
type FinishReason string

const (
	// FinishReasonStop: a stop token from the sampling params was generated.
	FinishReasonStop FinishReason = "stop"
	// FinishReasonLength: the sequence hit its max output token count.
	FinishReasonLength FinishReason = "length"
	// FinishReasonAbort: the caller cancelled the sequence.
	FinishReasonAbort FinishReason = "abort"
	// FinishReasonWorkerFailure: a coordination worker died mid-step under
	// the abort-group policy and the whole batch was cancelled.
	FinishReasonWorkerFailure FinishReason = "worker_failure"
)
