// Package workload generates synthetic request streams for driving the
// engine from the CLI and from benchmarks: clamped-Gaussian prompt/output
// lengths and a Poisson arrival process.
package workload

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Spec parameterizes a synthetic workload.
type Spec struct {
	Seed       int64   `yaml:"seed"`
	NumPrompts int     `yaml:"num_prompts"`
	RatePerSec float64 `yaml:"rate_per_sec"` // Poisson arrival rate; 0 = all at once

	PromptTokensMean  int `yaml:"prompt_tokens"`
	PromptTokensStdev int `yaml:"prompt_tokens_stdev"`
	PromptTokensMin   int `yaml:"prompt_tokens_min"`
	PromptTokensMax   int `yaml:"prompt_tokens_max"`

	OutputTokensMean  int `yaml:"output_tokens"`
	OutputTokensStdev int `yaml:"output_tokens_stdev"`
	OutputTokensMin   int `yaml:"output_tokens_min"`
	OutputTokensMax   int `yaml:"output_tokens_max"`

	VocabSize int `yaml:"vocab_size"`
}

// Validate checks structural validity of the workload spec.
func (s *Spec) Validate() error {
	if s.NumPrompts <= 0 {
		return fmt.Errorf("NumPrompts must be > 0, got %d", s.NumPrompts)
	}
	if s.PromptTokensMin <= 0 || s.PromptTokensMax < s.PromptTokensMin {
		return fmt.Errorf("invalid prompt token range [%d, %d]", s.PromptTokensMin, s.PromptTokensMax)
	}
	if s.OutputTokensMin <= 0 || s.OutputTokensMax < s.OutputTokensMin {
		return fmt.Errorf("invalid output token range [%d, %d]", s.OutputTokensMin, s.OutputTokensMax)
	}
	if s.VocabSize <= 0 {
		return fmt.Errorf("VocabSize must be > 0, got %d", s.VocabSize)
	}
	if s.RatePerSec < 0 {
		return fmt.Errorf("RatePerSec must be >= 0, got %f", s.RatePerSec)
	}
	return nil
}

// Request is one generated submission: a prompt, an output budget, and the
// delay after the previous request's arrival.
type Request struct {
	Prompt    []int
	MaxTokens int
	Delay     time.Duration
}

// gaussianLength samples a clamped Gaussian token count, always >= 1.
func gaussianLength(rng *rand.Rand, mean, stdev, lo, hi int) int {
	if lo == hi {
		return lo
	}
	val := rng.NormFloat64()*float64(stdev) + float64(mean)
	clamped := math.Min(float64(hi), math.Max(float64(lo), val))
	n := int(math.Round(clamped))
	if n < 1 {
		return 1
	}
	return n
}

// Generate produces the full request stream for spec. Deterministic for a
// given seed.
func Generate(spec Spec) ([]Request, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(spec.Seed))
	reqs := make([]Request, 0, spec.NumPrompts)
	for i := 0; i < spec.NumPrompts; i++ {
		promptLen := gaussianLength(rng, spec.PromptTokensMean, spec.PromptTokensStdev,
			spec.PromptTokensMin, spec.PromptTokensMax)
		prompt := make([]int, promptLen)
		for j := range prompt {
			prompt[j] = rng.Intn(spec.VocabSize)
		}
		var delay time.Duration
		if spec.RatePerSec > 0 && i > 0 {
			// Poisson process: exponential inter-arrival times
			delay = time.Duration(rng.ExpFloat64() / spec.RatePerSec * float64(time.Second))
		}
		reqs = append(reqs, Request{
			Prompt: prompt,
			MaxTokens: gaussianLength(rng, spec.OutputTokensMean, spec.OutputTokensStdev,
				spec.OutputTokensMin, spec.OutputTokensMax),
			Delay: delay,
		})
	}
	return reqs, nil
}
