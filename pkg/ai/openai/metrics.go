package openai

import "github.com/cartahq/carta/backend/pkg/ai"

func (c *CareerOpenAIClient) modifyMetrics(delta ai.ModelMetrics) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()

	c.metrics.InputTokens += delta.InputTokens
	c.metrics.OutputTokens += delta.OutputTokens
	c.metrics.TotalTokens += delta.TotalTokens
	c.metrics.DurationMs += delta.DurationMs
}

// ResetMetrics clears the accumulated model metrics.
func (c *CareerOpenAIClient) ResetMetrics() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()

	c.metrics = ai.ModelMetrics{}
}

// GetMetrics returns a copy of the accumulated model metrics.
func (c *CareerOpenAIClient) GetMetrics() ai.ModelMetrics {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()

	return c.metrics
}
