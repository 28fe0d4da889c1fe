package engine

import "sync"

// CostTracker aggregates attributed step costs in integer cents, by run
// and by skill. Cents avoid the floating-point drift that fractional
// dollar accounting accumulates across thousands of steps.
type CostTracker struct {
	mu      sync.Mutex
	byRun   map[string]int64
	bySkill map[string]int64
	total   int64
}

// NewCostTracker creates an empty tracker.
func NewCostTracker() *CostTracker {
	return &CostTracker{
		byRun:   make(map[string]int64),
		bySkill: make(map[string]int64),
	}
}

// Add attributes cents to a run and skill. Nil-safe and goroutine-safe;
// zero-cost steps are recorded as zero rather than skipped so run totals
// always reflect every step.
func (c *CostTracker) Add(runID, skillID string, cents int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byRun[runID] += cents
	c.bySkill[skillID] += cents
	c.total += cents
}

// RunTotal returns the accumulated cost of one run in cents.
func (c *CostTracker) RunTotal(runID string) int64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byRun[runID]
}

// SkillTotal returns the accumulated cost attributed to one skill.
func (c *CostTracker) SkillTotal(skillID string) int64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bySkill[skillID]
}

// Total returns the overall accumulated cost in cents.
func (c *CostTracker) Total() int64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}
