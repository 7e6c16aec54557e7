package llm

import (
	"log"
	"sync"
	"time"
)

// CostBudgetConfig configures platform-wide spending limits
type CostBudgetConfig struct {
	Enabled     bool    `json:"enabled"`
	HourlyLimit float64 `json:"hourly_limit,omitempty"`
	DailyLimit  float64 `json:"daily_limit,omitempty"`
}

// CostTracker tracks API usage costs and enforces budget limits across all
// runs. Per-run budgets are the workflow's own termination predicate; this
// tracker is the platform backstop.
type CostTracker struct {
	config      CostBudgetConfig
	hourlyCost  float64
	dailyCost   float64
	hourlyReset time.Time
	dailyReset  time.Time
	mu          sync.RWMutex
}

// NewCostTracker creates a new cost tracker
func NewCostTracker(config CostBudgetConfig) *CostTracker {
	now := time.Now()
	return &CostTracker{
		config:      config,
		hourlyReset: now.Truncate(time.Hour).Add(time.Hour),
		dailyReset:  now.Truncate(24 * time.Hour).Add(24 * time.Hour),
	}
}

// RecordCost records a cost and updates running totals
func (c *CostTracker) RecordCost(cost *Cost) {
	if !c.config.Enabled || cost == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.resetIfNeeded()

	c.hourlyCost += cost.TotalCost
	c.dailyCost += cost.TotalCost

	log.Printf("[cost] %s: $%.4f (hourly: $%.4f, daily: $%.4f)",
		cost.Model, cost.TotalCost, c.hourlyCost, c.dailyCost)
}

// CheckBudget reports whether the budget allows more requests
func (c *CostTracker) CheckBudget() bool {
	if !c.config.Enabled {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.resetIfNeeded()

	if c.config.HourlyLimit > 0 && c.hourlyCost >= c.config.HourlyLimit {
		log.Printf("[cost] hourly budget exceeded: $%.2f >= $%.2f", c.hourlyCost, c.config.HourlyLimit)
		return false
	}
	if c.config.DailyLimit > 0 && c.dailyCost >= c.config.DailyLimit {
		log.Printf("[cost] daily budget exceeded: $%.2f >= $%.2f", c.dailyCost, c.config.DailyLimit)
		return false
	}
	return true
}

// Totals returns the current hourly and daily spend
func (c *CostTracker) Totals() (hourly, daily float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hourlyCost, c.dailyCost
}

func (c *CostTracker) resetIfNeeded() {
	now := time.Now()
	if now.After(c.hourlyReset) {
		c.hourlyCost = 0
		c.hourlyReset = now.Truncate(time.Hour).Add(time.Hour)
	}
	if now.After(c.dailyReset) {
		c.dailyCost = 0
		c.dailyReset = now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	}
}
