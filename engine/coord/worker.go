// Per-worker liveness tracking for the coordination daemon.

package coord

import (
	"context"
	"sync"
	"time"
)

// LivenessState classifies a worker's health.
type LivenessState string

const (
	// WorkerAlive: acknowledging broadcasts and heartbeats.
	WorkerAlive LivenessState = "alive"
	// WorkerUnresponsive: missed at least one heartbeat or broadcast
	// deadline; recovers to Alive on the next success.
	WorkerUnresponsive LivenessState = "unresponsive"
	// WorkerDead: missed the configured number of consecutive deadlines or
	// reported an explicit crash. Terminal.
	WorkerDead LivenessState = "dead"
)

// Worker is the message-passing surface of one parallel compute worker. The
// daemon never shares memory with workers: it broadcasts step payloads and
// waits for acknowledgements, and probes liveness out of band.
type Worker interface {
	Rank() int
	// ExecuteStep delivers the replicated scheduling decision and input
	// tensors for one step. Returning nil is the acknowledgement.
	// Implementations must be idempotent per StepID: the daemon may
	// redeliver a step to survivors during degrade recovery.
	ExecuteStep(ctx context.Context, p *StepPayload) error
	// Heartbeat probes worker liveness.
	Heartbeat(ctx context.Context) error
}

// WorkerHandle is the daemon's bookkeeping for one worker.
type WorkerHandle struct {
	worker Worker
	rank   int

	mu            sync.Mutex
	state         LivenessState
	lastHeartbeat time.Time
	missed        int // consecutive missed deadlines
}

func newWorkerHandle(w Worker) *WorkerHandle {
	return &WorkerHandle{
		worker:        w,
		rank:          w.Rank(),
		state:         WorkerAlive,
		lastHeartbeat: time.Now(),
	}
}

// Rank returns the worker's rank.
func (h *WorkerHandle) Rank() int { return h.rank }

// State returns the current liveness classification.
func (h *WorkerHandle) State() LivenessState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// LastHeartbeat returns the time of the last successful contact.
func (h *WorkerHandle) LastHeartbeat() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastHeartbeat
}

// markResponsive records a successful contact, recovering Unresponsive
// workers. Dead is terminal: a late ack from a declared-dead worker does not
// resurrect it, since the group may already have been reconfigured.
func (h *WorkerHandle) markResponsive(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == WorkerDead {
		return
	}
	h.state = WorkerAlive
	h.missed = 0
	h.lastHeartbeat = now
}

// markMissed records a missed deadline, escalating to Dead after
// deadThreshold consecutive misses. Reports whether the worker is now dead.
func (h *WorkerHandle) markMissed(deadThreshold int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == WorkerDead {
		return true
	}
	h.missed++
	if h.missed >= deadThreshold {
		h.state = WorkerDead
	} else {
		h.state = WorkerUnresponsive
	}
	return h.state == WorkerDead
}

// markDead forces the terminal state, used for explicit crash signals.
func (h *WorkerHandle) markDead() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = WorkerDead
}
