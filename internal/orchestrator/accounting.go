package orchestrator

import (
	"maps"

	"github.com/ashita-ai/tsunagi/internal/model"
)

// UsageTracker accumulates token usage over one invocation. Totals never decrease.
type UsageTracker struct {
	usage model.TokenUsage
}

// Add records the usage of one completed response.
func (u *UsageTracker) Add(d model.TokenUsage) {
	u.usage = u.usage.Add(d)
}

// Snapshot returns the current totals.
func (u *UsageTracker) Snapshot() model.TokenUsage {
	return u.usage
}

// TransferCounter counts hand-offs per "from:to" agent pair. It is
// instrumentation only and never affects control flow.
type TransferCounter struct {
	counts map[string]int
}

func transferKey(from, to string) string { return from + ":" + to }

// Increment records one hand-off.
func (c *TransferCounter) Increment(from, to string) {
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[transferKey(from, to)]++
}

// Count returns the number of hand-offs from one agent to another.
func (c *TransferCounter) Count(from, to string) int {
	return c.counts[transferKey(from, to)]
}

// Total returns the number of hand-offs across all pairs.
func (c *TransferCounter) Total() int {
	total := 0
	for _, n := range c.counts {
		total += n
	}
	return total
}

// Snapshot returns a copy of the counts keyed by "from:to".
func (c *TransferCounter) Snapshot() map[string]int {
	if c.counts == nil {
		return map[string]int{}
	}
	return maps.Clone(c.counts)
}
