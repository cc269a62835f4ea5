package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_EmptySnapshot(t *testing.T) {
	c := NewCollector()
	snap := c.Snapshot()

	assert.Empty(t, snap.LLMCalls)
	assert.Nil(t, snap.ChainItems)
	assert.Empty(t, snap.Jobs)
	assert.GreaterOrEqual(t, snap.UptimeSeconds, 0.0)
}

func TestCollector_RecordLLMCall(t *testing.T) {
	c := NewCollector()
	c.RecordLLMCall("openai", 100*time.Millisecond, 10, 5, false)
	c.RecordLLMCall("openai", 300*time.Millisecond, 20, 15, true)
	c.RecordLLMCall("anthropic", 50*time.Millisecond, 1, 1, false)

	snap := c.Snapshot()
	require.Contains(t, snap.LLMCalls, "openai")
	require.Contains(t, snap.LLMCalls, "anthropic")

	openai := snap.LLMCalls["openai"]
	assert.Equal(t, int64(2), openai.Count)
	assert.Equal(t, int64(1), openai.Errors)
	assert.Equal(t, int64(400), openai.TotalTimeMs)
	assert.Equal(t, 200.0, openai.AvgTimeMs)
	assert.Equal(t, int64(100), openai.MinTimeMs)
	assert.Equal(t, int64(300), openai.MaxTimeMs)
	require.NotNil(t, openai.PromptTokens)
	assert.Equal(t, int64(30), *openai.PromptTokens)
	assert.Equal(t, int64(20), *openai.CompletionTokens)
}

func TestCollector_RecordTimingHasNoTokens(t *testing.T) {
	c := NewCollector()
	c.RecordTiming(OpChainItem, 10*time.Millisecond, false)

	snap := c.Snapshot()
	require.NotNil(t, snap.ChainItems)
	assert.Equal(t, int64(1), snap.ChainItems.Count)
	assert.Nil(t, snap.ChainItems.PromptTokens)
}

func TestCollector_RecordJobOutcome(t *testing.T) {
	c := NewCollector()
	c.RecordJobOutcome("completed")
	c.RecordJobOutcome("completed")
	c.RecordJobOutcome("failed")

	snap := c.Snapshot()
	assert.Equal(t, int64(2), snap.Jobs["completed"])
	assert.Equal(t, int64(1), snap.Jobs["failed"])
}

func TestCollector_ConcurrentUse(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordLLMCall("mock", time.Millisecond, 1, 1, false)
			_ = c.Snapshot()
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), c.Snapshot().LLMCalls["mock"].Count)
}
