package engine

import "fmt"

// PreemptionMode selects how a victim sequence is removed under memory
// pressure. Swap preserves the victim's KV blocks in the overflow tier;
// recompute discards them and replays the prompt on re-admission.
type PreemptionMode string

const (
	PreemptSwap      PreemptionMode = "swap"
	PreemptRecompute PreemptionMode = "recompute"
	// PreemptAuto swaps when the overflow tier has room and the victim has
	// generated output worth preserving, otherwise recomputes.
	PreemptAuto PreemptionMode = "auto"
)

// PoolConfig sizes the two-tier block pool.
type PoolConfig struct {
	PrimaryBlocks   int `yaml:"primary_blocks"`    // fast-tier capacity in blocks (must be > 0)
	OverflowBlocks  int `yaml:"overflow_blocks"`   // slow-tier capacity (0 disables swap preemption)
	BlockSizeTokens int `yaml:"block_size_tokens"` // tokens per block (must be > 0)
}

// SchedulerConfig groups per-step batch formation limits and policy knobs.
type SchedulerConfig struct {
	MaxRunningSeqs       int            `yaml:"max_running_seqs"`       // hard cap on concurrently running sequences
	MaxTokensPerStep     int            `yaml:"max_tokens_per_step"`    // hard cap on new tokens computed in one step
	LongPrefillThreshold int            `yaml:"long_prefill_threshold"` // chunk prompts longer than this (0 = no chunking)
	PreemptionMode       PreemptionMode `yaml:"preemption_mode"`        // "swap", "recompute" or "auto"
	Ordering             string         `yaml:"ordering"`               // wait queue ordering: "fcfs" or "priority-fcfs"
	WaitQueueBound       int            `yaml:"wait_queue_bound"`       // max queued submissions before Submit fails fast
}

// Config is the full engine configuration.
type Config struct {
	Pool      PoolConfig      `yaml:"pool"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// Validate checks structural validity of the pool configuration.
func (c *PoolConfig) Validate() error {
	if c.PrimaryBlocks <= 0 {
		return fmt.Errorf("PrimaryBlocks must be > 0, got %d", c.PrimaryBlocks)
	}
	if c.OverflowBlocks < 0 {
		return fmt.Errorf("OverflowBlocks must be >= 0, got %d", c.OverflowBlocks)
	}
	if c.BlockSizeTokens <= 0 {
		return fmt.Errorf("BlockSizeTokens must be > 0, got %d", c.BlockSizeTokens)
	}
	return nil
}

// Validate checks structural validity of the scheduler configuration.
func (c *SchedulerConfig) Validate() error {
	if c.MaxRunningSeqs <= 0 {
		return fmt.Errorf("MaxRunningSeqs must be > 0, got %d", c.MaxRunningSeqs)
	}
	if c.MaxTokensPerStep <= 0 {
		return fmt.Errorf("MaxTokensPerStep must be > 0, got %d", c.MaxTokensPerStep)
	}
	if c.LongPrefillThreshold < 0 {
		return fmt.Errorf("LongPrefillThreshold must be >= 0, got %d", c.LongPrefillThreshold)
	}
	switch c.PreemptionMode {
	case PreemptSwap, PreemptRecompute, PreemptAuto:
	default:
		return fmt.Errorf("unknown preemption mode %q", c.PreemptionMode)
	}
	if !IsValidOrdering(c.Ordering) {
		return fmt.Errorf("unknown queue ordering %q", c.Ordering)
	}
	if c.WaitQueueBound <= 0 {
		return fmt.Errorf("WaitQueueBound must be > 0, got %d", c.WaitQueueBound)
	}
	return nil
}

// Validate checks the full engine configuration.
func (c *Config) Validate() error {
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	return nil
}

// DefaultConfig returns a small but workable configuration, used by tests
// and as the base layer under the CLI flags.
func DefaultConfig() Config {
	return Config{
		Pool: PoolConfig{
			PrimaryBlocks:   512,
			OverflowBlocks:  128,
			BlockSizeTokens: 16,
		},
		Scheduler: SchedulerConfig{
			MaxRunningSeqs:       64,
			MaxTokensPerStep:     2048,
			LongPrefillThreshold: 0,
			PreemptionMode:       PreemptAuto,
			Ordering:             "fcfs",
			WaitQueueBound:       1024,
		},
	}
}
