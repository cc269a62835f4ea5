// Package metrics provides in-memory runtime statistics collection.
package metrics

import (
	"math"
	"sync"
	"time"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	Errors    int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration

	// Token metrics (only for LLM operations)
	TotalPromptTokens     int64
	TotalCompletionTokens int64
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64   `json:"count"`
	Errors      int64   `json:"errors"`
	TotalTimeMs int64   `json:"totalTimeMs"`
	AvgTimeMs   float64 `json:"avgTimeMs"`
	MinTimeMs   int64   `json:"minTimeMs"`
	MaxTimeMs   int64   `json:"maxTimeMs"`

	PromptTokens     *int64 `json:"promptTokens,omitempty"`
	CompletionTokens *int64 `json:"completionTokens,omitempty"`
}

// Snapshot represents the full server statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64                       `json:"uptimeSeconds"`
	LLMCalls      map[string]*OperationSnapshot `json:"llmCalls"`
	ChainItems    *OperationSnapshot            `json:"chainItems,omitempty"`
	Jobs          map[string]int64              `json:"jobs"`
}

// Operation names for the collector.
const (
	OpChainItem = "chain_item"

	llmPrefix = "llm:"
)

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
	jobs      map[string]int64
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
		jobs:      make(map[string]int64),
	}
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.ops[op] = m
	}
	return m
}

func (m *OperationMetrics) observe(duration time.Duration, failed bool) {
	m.Count++
	if failed {
		m.Errors++
	}
	m.TotalTime += duration
	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// RecordTiming records timing for an operation.
func (c *Collector) RecordTiming(op string, duration time.Duration, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.getOrCreate(op).observe(duration, failed)
}

// RecordLLMCall records timing and token usage for one provider call.
func (c *Collector) RecordLLMCall(provider string, duration time.Duration, promptTokens, completionTokens int, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(llmPrefix + provider)
	m.observe(duration, failed)
	m.TotalPromptTokens += int64(promptTokens)
	m.TotalCompletionTokens += int64(completionTokens)
}

// RecordJobOutcome counts a job reaching a terminal status.
func (c *Collector) RecordJobOutcome(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.jobs[status]++
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(m *OperationMetrics, includeTokens bool) *OperationSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}

	snap := &OperationSnapshot{
		Count:       m.Count,
		Errors:      m.Errors,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}

	if includeTokens {
		prompt := m.TotalPromptTokens
		completion := m.TotalCompletionTokens
		snap.PromptTokens = &prompt
		snap.CompletionTokens = &completion
	}

	return snap
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		LLMCalls:      make(map[string]*OperationSnapshot),
		ChainItems:    snapshotOp(c.ops[OpChainItem], false),
		Jobs:          make(map[string]int64, len(c.jobs)),
	}
	for op, m := range c.ops {
		if len(op) > len(llmPrefix) && op[:len(llmPrefix)] == llmPrefix {
			snap.LLMCalls[op[len(llmPrefix):]] = snapshotOp(m, true)
		}
	}
	for status, n := range c.jobs {
		snap.Jobs[status] = n
	}
	return snap
}
