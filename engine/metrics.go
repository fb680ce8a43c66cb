// Tracks engine-wide counters for reporting at drain time.

package engine

import "fmt"

// Metrics aggregates statistics about the engine's execution. Useful for
// evaluating throughput behavior and debugging scheduling decisions over
// time. Mutated only from the step loop.
type Metrics struct {
	StepsExecuted      int
	SequencesFinished  int
	SequencesAborted   int
	TotalPromptTokens  int
	TotalOutputTokens  int
	CachedPromptTokens int // prompt tokens satisfied from the prefix cache

	Preemptions int // total preemption events
	SwapOuts    int
	SwapIns     int
	Recomputes  int

	PeakPrimaryUsage int // max simultaneously used primary blocks
}

// ObserveUsage records the current primary tier usage high-water mark.
func (m *Metrics) ObserveUsage(usedPrimary int) {
	if usedPrimary > m.PeakPrimaryUsage {
		m.PeakPrimaryUsage = usedPrimary
	}
}

// Print displays aggregated metrics, typically at engine drain.
func (m *Metrics) Print() {
	fmt.Println("=== Engine Metrics ===")
	fmt.Printf("Steps executed       : %d\n", m.StepsExecuted)
	fmt.Printf("Sequences finished   : %d\n", m.SequencesFinished)
	fmt.Printf("Sequences aborted    : %d\n", m.SequencesAborted)
	fmt.Printf("Prompt tokens        : %d (%d from prefix cache)\n", m.TotalPromptTokens, m.CachedPromptTokens)
	fmt.Printf("Output tokens        : %d\n", m.TotalOutputTokens)
	fmt.Printf("Preemptions          : %d (%d swap, %d recompute)\n", m.Preemptions, m.SwapOuts, m.Recomputes)
	fmt.Printf("Swap-ins             : %d\n", m.SwapIns)
	fmt.Printf("Peak primary usage   : %d blocks\n", m.PeakPrimaryUsage)
}
