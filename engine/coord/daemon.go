// Package coord replicates one logical scheduling decision across parallel
// compute workers. The daemon broadcasts each step's decision and batched
// inputs to every worker, waits for all acknowledgements before the engine
// advances, classifies slow workers via timeouts and heartbeats, and applies
// a configurable recovery policy when a worker dies.
package coord

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// FailurePolicy selects how the daemon handles a dead worker.
type FailurePolicy string

const (
	// PolicyAbortGroup fails the whole distributed step; the engine aborts
	// every sequence in the affected batch.
	PolicyAbortGroup FailurePolicy = "abort-group"
	// PolicyDegrade continues with the remaining workers when the
	// parallelism scheme tolerates a loss; otherwise abort-group is forced.
	PolicyDegrade FailurePolicy = "degrade"
)

// Config groups the daemon's timing and policy knobs.
type Config struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // probe period (must be > 0)
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`  // per-probe and per-ack deadline (must be > 0)
	DeadThreshold     int           `yaml:"dead_threshold"`     // consecutive misses before Dead (must be > 0)
	Policy            FailurePolicy `yaml:"failure_policy"`     // "abort-group" or "degrade"
	// TolerateWorkerLoss is true for replicated (data-parallel) schemes that
	// survive losing a worker. Sharded (tensor/pipeline-parallel) schemes
	// must leave it false, forcing abort-group regardless of Policy.
	TolerateWorkerLoss bool `yaml:"tolerate_worker_loss"`
}

// Validate checks structural validity of the daemon configuration.
func (c *Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HeartbeatInterval must be > 0, got %v", c.HeartbeatInterval)
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("HeartbeatTimeout must be > 0, got %v", c.HeartbeatTimeout)
	}
	if c.DeadThreshold <= 0 {
		return fmt.Errorf("DeadThreshold must be > 0, got %d", c.DeadThreshold)
	}
	switch c.Policy {
	case PolicyAbortGroup, PolicyDegrade:
	default:
		return fmt.Errorf("unknown failure policy %q", c.Policy)
	}
	return nil
}

// DefaultConfig returns conservative timing defaults with the abort-group
// policy.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 500 * time.Millisecond,
		HeartbeatTimeout:  2 * time.Second,
		DeadThreshold:     3,
		Policy:            PolicyAbortGroup,
	}
}

// StepPayload is the replicated content of one step: the scheduling decision
// plus the batched token ids and block tables every worker needs to execute
// its shard of the forward pass.
type StepPayload struct {
	StepID      int64
	SequenceIDs []string
	TokenIDs    [][]int
	BlockTables [][]int
}

// WorkerFailureError reports the dead ranks that failed a step under the
// abort-group policy.
type WorkerFailureError struct {
	Ranks []int
}

func (e *WorkerFailureError) Error() string {
	return fmt.Sprintf("workers %v dead", e.Ranks)
}

// Daemon coordinates a group of parallel workers. Commit is called by the
// engine's step loop (single goroutine); the heartbeat monitor runs
// concurrently once Start is called.
type Daemon struct {
	cfg     Config
	workers []*WorkerHandle
	stop    chan struct{}
	done    chan struct{}
}

// NewDaemon wraps the given workers. cfg must have been validated.
func NewDaemon(cfg Config, workers []Worker) *Daemon {
	handles := make([]*WorkerHandle, 0, len(workers))
	for _, w := range workers {
		handles = append(handles, newWorkerHandle(w))
	}
	return &Daemon{
		cfg:     cfg,
		workers: handles,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Workers returns the daemon's handles, including dead ones.
func (d *Daemon) Workers() []*WorkerHandle { return d.workers }

// AliveCount returns the number of workers not classified Dead.
func (d *Daemon) AliveCount() int {
	n := 0
	for _, h := range d.workers {
		if h.State() != WorkerDead {
			n++
		}
	}
	return n
}

// ReportCrash applies an explicit crash signal for rank, skipping the
// missed-heartbeat escalation.
func (d *Daemon) ReportCrash(rank int) {
	for _, h := range d.workers {
		if h.rank == rank {
			h.markDead()
			logrus.Errorf("worker %d reported crashed", rank)
			return
		}
	}
}

// Start launches the heartbeat monitor. Stop must be called to release it.
func (d *Daemon) Start() {
	go d.monitor()
}

// Stop terminates the heartbeat monitor and waits for it to exit.
func (d *Daemon) Stop() {
	close(d.stop)
	<-d.done
}

func (d *Daemon) monitor() {
	defer close(d.done)
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.probeAll()
		}
	}
}

func (d *Daemon) probeAll() {
	for _, h := range d.workers {
		if h.State() == WorkerDead {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.HeartbeatTimeout)
		err := h.worker.Heartbeat(ctx)
		cancel()
		if err == nil {
			h.markResponsive(time.Now())
			continue
		}
		if dead := h.markMissed(d.cfg.DeadThreshold); dead {
			logrus.Errorf("worker %d missed %d heartbeats, declared dead", h.rank, d.cfg.DeadThreshold)
		} else {
			logrus.Warnf("worker %d unresponsive: %v", h.rank, err)
		}
	}
}

// Commit broadcasts the step payload to every live worker and blocks until
// all acknowledge, workers die, or ctx is cancelled. A worker that misses an
// ack deadline is Unresponsive, not Dead: the step is redelivered to the
// non-acking workers (ExecuteStep is idempotent per StepID) until they ack
// or the miss count escalates them to Dead, so one slow worker stalls the
// step for at most DeadThreshold ack deadlines before it counts as a death.
// Only then does the configured policy apply: abort-group surfaces a
// *WorkerFailureError and the step must not emit output; degrade drops the
// dead workers and succeeds when the scheme tolerates the loss.
func (d *Daemon) Commit(ctx context.Context, p *StepPayload) error {
	pending := make([]*WorkerHandle, 0, len(d.workers))
	for _, h := range d.workers {
		if h.State() != WorkerDead {
			pending = append(pending, h)
		}
	}
	if len(pending) == 0 {
		return &WorkerFailureError{Ranks: d.deadRanks()}
	}

	for {
		failed := d.broadcast(ctx, p, pending)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if len(failed) == 0 {
			return nil
		}
		var retry []*WorkerHandle
		anyDead := false
		for _, h := range failed {
			if h.State() == WorkerDead {
				anyDead = true
			} else {
				retry = append(retry, h)
			}
		}
		if !anyDead {
			// transient misses only; redeliver to the non-acked workers
			pending = retry
			continue
		}

		dead := d.deadRanks()
		if d.cfg.Policy == PolicyDegrade {
			if d.cfg.TolerateWorkerLoss {
				logrus.Warnf("degrading: continuing without workers %v (%d remain)", dead, d.AliveCount())
				return d.retryWithSurvivors(ctx, p)
			}
			logrus.Errorf("parallelism scheme cannot tolerate worker loss; forcing abort-group")
		}
		return &WorkerFailureError{Ranks: dead}
	}
}

// broadcast delivers p to the given workers concurrently, updating each
// worker's liveness classification, and returns the handles that did not
// acknowledge. On ctx cancellation the returned slice is meaningless and no
// classification is applied; the caller checks ctx first.
func (d *Daemon) broadcast(ctx context.Context, p *StepPayload, targets []*WorkerHandle) []*WorkerHandle {
	var mu sync.Mutex
	var failed []*WorkerHandle

	// Plain errgroup, not WithContext: one worker's failure must not cut
	// short the others' acknowledgement windows, since every ack updates
	// that worker's liveness classification.
	g := new(errgroup.Group)
	for _, h := range targets {
		h := h
		g.Go(func() error {
			actx, cancel := context.WithTimeout(ctx, d.cfg.HeartbeatTimeout)
			defer cancel()
			err := h.worker.ExecuteStep(actx, p)
			if err == nil {
				h.markResponsive(time.Now())
				return nil
			}
			if ctx.Err() != nil {
				// engine-side cancellation, not the worker's fault
				return ctx.Err()
			}
			if dead := h.markMissed(d.cfg.DeadThreshold); dead {
				logrus.Errorf("worker %d failed step %d, declared dead: %v", h.rank, p.StepID, err)
			} else {
				logrus.Warnf("worker %d missed step %d deadline: %v", h.rank, p.StepID, err)
			}
			mu.Lock()
			failed = append(failed, h)
			mu.Unlock()
			return err
		})
	}
	_ = g.Wait()
	return failed
}

// retryWithSurvivors re-broadcasts the payload to the remaining live workers
// after a degrade decision, so the step completes on the reduced group.
func (d *Daemon) retryWithSurvivors(ctx context.Context, p *StepPayload) error {
	if d.AliveCount() == 0 {
		return &WorkerFailureError{Ranks: d.deadRanks()}
	}
	g := new(errgroup.Group)
	for _, h := range d.workers {
		if h.State() == WorkerDead {
			continue
		}
		h := h
		g.Go(func() error {
			actx, cancel := context.WithTimeout(ctx, d.cfg.HeartbeatTimeout)
			defer cancel()
			return h.worker.ExecuteStep(actx, p)
		})
	}
	if err := g.Wait(); err != nil {
		return &WorkerFailureError{Ranks: d.deadRanks()}
	}
	return nil
}

func (d *Daemon) deadRanks() []int {
	var ranks []int
	for _, h := range d.workers {
		if h.State() == WorkerDead {
			ranks = append(ranks, h.rank)
		}
	}
	sort.Ints(ranks)
	return ranks
}
