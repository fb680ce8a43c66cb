package cmd

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pagedserve/pagedserve/engine"
	"github.com/pagedserve/pagedserve/engine/coord"
	"github.com/pagedserve/pagedserve/engine/workload"
)

var (
	// CLI flags for the engine core
	logLevel             string // Log verbosity level
	profile              string // Named profile from defaults.yaml ("" = flags only)
	primaryBlocks        int    // Primary (fast) tier capacity in blocks
	overflowBlocks       int    // Overflow (slow) tier capacity in blocks
	blockSizeTokens      int    // Number of tokens per KV block
	maxRunningSeqs       int    // Maximum number of concurrently running sequences
	maxTokensPerStep     int    // Maximum total new tokens computed per step
	longPrefillThreshold int    // Chunk prompts longer than this (0 = off)
	preemptionMode       string // "swap", "recompute" or "auto"
	ordering             string // Wait queue ordering policy
	waitQueueBound       int    // Submissions rejected beyond this queue depth

	// CLI flags for multi-worker coordination
	numWorkers        int // Parallel workers (1 = no coordination daemon)
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	deadThreshold     int
	failurePolicy     string
	tolerateLoss      bool

	// CLI flags for the synthetic workload
	seed              int64
	numPrompts        int
	ratePerSec        float64
	promptTokensMean  int
	promptTokensStdev int
	promptTokensMin   int
	promptTokensMax   int
	outputTokensMean  int
	outputTokensStdev int
	outputTokensMin   int
	outputTokensMax   int
	vocabSize         int
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "pagedserve",
	Short: "Paged-attention inference engine core",
}

// runCmd drives the engine with a synthetic workload using a stub forward
// pass, exercising scheduling, paged allocation and preemption end to end.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine against a synthetic workload",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		cfg, spec := configFromFlags()
		if profile != "" {
			cfg, spec, err = LoadProfile(DefaultsFilePath, profile)
			if err != nil {
				logrus.Fatalf("Could not load profile %q: %v", profile, err)
			}
		}
		if err := cfg.Validate(); err != nil {
			logrus.Fatalf("Invalid engine config: %v", err)
		}

		var daemon *coord.Daemon
		if numWorkers > 1 {
			ccfg := coord.Config{
				HeartbeatInterval:  heartbeatInterval,
				HeartbeatTimeout:   heartbeatTimeout,
				DeadThreshold:      deadThreshold,
				Policy:             coord.FailurePolicy(failurePolicy),
				TolerateWorkerLoss: tolerateLoss,
			}
			if err := ccfg.Validate(); err != nil {
				logrus.Fatalf("Invalid coordination config: %v", err)
			}
			workers := make([]coord.Worker, numWorkers)
			for i := range workers {
				workers[i] = &localWorker{rank: i}
			}
			daemon = coord.NewDaemon(ccfg, workers)
			daemon.Start()
			defer daemon.Stop()
		}

		eng, err := engine.NewEngine(cfg, stubForward(vocabSize), stubSampler(seed), daemon)
		if err != nil {
			logrus.Fatalf("Could not construct engine: %v", err)
		}

		reqs, err := workload.Generate(spec)
		if err != nil {
			logrus.Fatalf("Could not generate workload: %v", err)
		}

		logrus.Infof("Starting engine: %d primary blocks x %d tokens, %d requests",
			cfg.Pool.PrimaryBlocks, cfg.Pool.BlockSizeTokens, len(reqs))
		start := time.Now()

		ctx, cancel := context.WithCancel(context.Background())
		engineDone := make(chan error, 1)
		go func() { engineDone <- eng.Run(ctx) }()

		var wg sync.WaitGroup
		var tokens int
		finishes := make(chan struct{}, len(reqs))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for out := range eng.Outputs() {
				if out.Err != nil {
					logrus.Warnf("sequence %s: %v", out.SequenceID, out.Err)
				}
				if !out.Finished || out.FinishReason == engine.FinishReasonStop ||
					out.FinishReason == engine.FinishReasonLength {
					tokens++
				}
				if out.Finished {
					finishes <- struct{}{}
				}
			}
		}()

		accepted := 0
		for _, req := range reqs {
			time.Sleep(req.Delay)
			_, err := eng.Submit(engine.SequenceSpec{
				Prompt: req.Prompt,
				Params: engine.SamplingParams{MaxTokens: req.MaxTokens},
			})
			if err != nil {
				logrus.Warnf("submission rejected: %v", err)
				continue
			}
			accepted++
		}
		exited, runErr := waitForFinishes(accepted, finishes, engineDone)
		cancel()
		if !exited {
			runErr = <-engineDone
		}
		wg.Wait()
		if runErr != nil && runErr != context.Canceled {
			logrus.Errorf("engine loop: %v", runErr)
		}

		eng.Metrics().Print()
		fmt.Printf("Generated %d tokens in %v\n", tokens, time.Since(start))
	},
}

// waitForFinishes blocks until n finish events arrive or the engine loop
// exits, whichever comes first. An engine loop that dies early drains
// without emitting finish events, so waiting on finishes alone would hang.
// Reports whether the loop already exited, with its error.
func waitForFinishes(n int, finishes <-chan struct{}, engineDone <-chan error) (bool, error) {
	for i := 0; i < n; i++ {
		select {
		case <-finishes:
		case err := <-engineDone:
			return true, err
		}
	}
	return false, nil
}

func configFromFlags() (engine.Config, workload.Spec) {
	cfg := engine.Config{
		Pool: engine.PoolConfig{
			PrimaryBlocks:   primaryBlocks,
			OverflowBlocks:  overflowBlocks,
			BlockSizeTokens: blockSizeTokens,
		},
		Scheduler: engine.SchedulerConfig{
			MaxRunningSeqs:       maxRunningSeqs,
			MaxTokensPerStep:     maxTokensPerStep,
			LongPrefillThreshold: longPrefillThreshold,
			PreemptionMode:       engine.PreemptionMode(preemptionMode),
			Ordering:             ordering,
			WaitQueueBound:       waitQueueBound,
		},
	}
	spec := workload.Spec{
		Seed:              seed,
		NumPrompts:        numPrompts,
		RatePerSec:        ratePerSec,
		PromptTokensMean:  promptTokensMean,
		PromptTokensStdev: promptTokensStdev,
		PromptTokensMin:   promptTokensMin,
		PromptTokensMax:   promptTokensMax,
		OutputTokensMean:  outputTokensMean,
		OutputTokensStdev: outputTokensStdev,
		OutputTokensMin:   outputTokensMin,
		OutputTokensMax:   outputTokensMax,
		VocabSize:         vocabSize,
	}
	return cfg, spec
}

// stubForward fabricates logits deterministically from each sequence's last
// scheduled token. It stands in for the real model shard, which is outside
// the engine core.
func stubForward(vocab int) engine.ForwardPass {
	return func(_ context.Context, batch *engine.ForwardBatch) (*engine.ForwardResult, error) {
		res := &engine.ForwardResult{Logits: make(map[string][]float32, len(batch.Items))}
		for _, item := range batch.Items {
			logits := make([]float32, vocab)
			last := item.TokenIDs[len(item.TokenIDs)-1]
			logits[(last*31+7)%vocab] = 1.0
			res.Logits[item.SequenceID] = logits
		}
		return res, nil
	}
}

// stubSampler mixes a seeded perturbation into argmax selection so distinct
// sequences diverge.
func stubSampler(seed int64) engine.Sampler {
	rng := rand.New(rand.NewSource(seed))
	var mu sync.Mutex
	return func(logits []float32, _ engine.SamplingParams) (int, float64) {
		mu.Lock()
		defer mu.Unlock()
		best, bestVal := 0, float32(-1)
		for i, v := range logits {
			if v > bestVal {
				best, bestVal = i, v
			}
		}
		if rng.Intn(4) == 0 {
			best = rng.Intn(len(logits))
		}
		return best, -rng.Float64()
	}
}

// localWorker is an in-process acknowledgement-only worker for exercising
// the coordination path without real shards.
type localWorker struct {
	rank int
}

func (w *localWorker) Rank() int { return w.rank }

func (w *localWorker) ExecuteStep(context.Context, *coord.StepPayload) error { return nil }

func (w *localWorker) Heartbeat(context.Context) error { return nil }

func init() {
	runCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	runCmd.Flags().StringVar(&profile, "profile", "", "named profile from "+DefaultsFilePath)

	runCmd.Flags().IntVar(&primaryBlocks, "primary-blocks", 512, "primary tier capacity in blocks")
	runCmd.Flags().IntVar(&overflowBlocks, "overflow-blocks", 128, "overflow tier capacity in blocks")
	runCmd.Flags().IntVar(&blockSizeTokens, "block-size-tokens", 16, "tokens per KV block")
	runCmd.Flags().IntVar(&maxRunningSeqs, "max-running-seqs", 64, "max concurrently running sequences")
	runCmd.Flags().IntVar(&maxTokensPerStep, "max-tokens-per-step", 2048, "max new tokens computed per step")
	runCmd.Flags().IntVar(&longPrefillThreshold, "long-prefill-threshold", 0, "chunk prompts longer than this (0 = off)")
	runCmd.Flags().StringVar(&preemptionMode, "preemption-mode", "auto", "preemption mode: swap, recompute, auto")
	runCmd.Flags().StringVar(&ordering, "ordering", "fcfs", "wait queue ordering: fcfs, priority-fcfs")
	runCmd.Flags().IntVar(&waitQueueBound, "wait-queue-bound", 1024, "max queued submissions before fail-fast rejection")

	runCmd.Flags().IntVar(&numWorkers, "workers", 1, "parallel workers (>1 enables the coordination daemon)")
	runCmd.Flags().DurationVar(&heartbeatInterval, "heartbeat-interval", 500*time.Millisecond, "worker heartbeat probe period")
	runCmd.Flags().DurationVar(&heartbeatTimeout, "heartbeat-timeout", 2*time.Second, "worker heartbeat/ack deadline")
	runCmd.Flags().IntVar(&deadThreshold, "dead-threshold", 3, "consecutive misses before a worker is declared dead")
	runCmd.Flags().StringVar(&failurePolicy, "failure-policy", "abort-group", "worker failure policy: abort-group, degrade")
	runCmd.Flags().BoolVar(&tolerateLoss, "tolerate-worker-loss", false, "parallelism scheme survives losing a worker")

	runCmd.Flags().Int64Var(&seed, "seed", 42, "workload generation seed")
	runCmd.Flags().IntVar(&numPrompts, "max-prompts", 64, "number of requests to generate")
	runCmd.Flags().Float64Var(&ratePerSec, "rate", 0, "Poisson arrival rate per second (0 = all at once)")
	runCmd.Flags().IntVar(&promptTokensMean, "prompt-tokens", 128, "mean prompt token count")
	runCmd.Flags().IntVar(&promptTokensStdev, "prompt-tokens-stdev", 32, "stdev of prompt token count")
	runCmd.Flags().IntVar(&promptTokensMin, "prompt-tokens-min", 8, "min prompt token count")
	runCmd.Flags().IntVar(&promptTokensMax, "prompt-tokens-max", 512, "max prompt token count")
	runCmd.Flags().IntVar(&outputTokensMean, "output-tokens", 64, "mean output token count")
	runCmd.Flags().IntVar(&outputTokensStdev, "output-tokens-stdev", 16, "stdev of output token count")
	runCmd.Flags().IntVar(&outputTokensMin, "output-tokens-min", 1, "min output token count")
	runCmd.Flags().IntVar(&outputTokensMax, "output-tokens-max", 256, "max output token count")
	runCmd.Flags().IntVar(&vocabSize, "vocab-size", 32000, "vocabulary size for synthetic prompts")

	rootCmd.AddCommand(runCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
