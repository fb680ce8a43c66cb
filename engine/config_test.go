package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestConfigValidate_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero primary blocks", func(c *Config) { c.Pool.PrimaryBlocks = 0 }},
		{"negative overflow", func(c *Config) { c.Pool.OverflowBlocks = -1 }},
		{"zero block size", func(c *Config) { c.Pool.BlockSizeTokens = 0 }},
		{"zero running cap", func(c *Config) { c.Scheduler.MaxRunningSeqs = 0 }},
		{"zero token budget", func(c *Config) { c.Scheduler.MaxTokensPerStep = 0 }},
		{"negative prefill threshold", func(c *Config) { c.Scheduler.LongPrefillThreshold = -1 }},
		{"unknown preemption mode", func(c *Config) { c.Scheduler.PreemptionMode = "drop" }},
		{"unknown ordering", func(c *Config) { c.Scheduler.Ordering = "lifo" }},
		{"zero queue bound", func(c *Config) { c.Scheduler.WaitQueueBound = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfigValidate_OverflowZeroIsAllowed(t *testing.T) {
	// swap preemption disabled, recompute still works
	cfg := DefaultConfig()
	cfg.Pool.OverflowBlocks = 0
	assert.NoError(t, cfg.Validate())
}
