package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"
)

func TestProviderMetrics_RecordSuccess(t *testing.T) {
	metrics := NewProviderMetrics()

	metrics.RecordSuccess(100)
	metrics.RecordSuccess(200)

	assert.Equal(t, int64(2), metrics.TotalRequests.Load())
	assert.Equal(t, int64(2), metrics.SuccessfulReqs.Load())
	assert.Equal(t, int64(0), metrics.FailedReqs.Load())
	assert.Equal(t, 1.0, metrics.SuccessRate())
	assert.Equal(t, int64(150), metrics.AvgLatencyMs())
}

func TestProviderMetrics_RecordFailure(t *testing.T) {
	metrics := NewProviderMetrics()

	metrics.RecordSuccess(100)
	metrics.RecordFailure()
	fails := metrics.RecordFailure()

	assert.Equal(t, int32(2), fails)
	assert.Equal(t, int64(3), metrics.TotalRequests.Load())
	assert.Equal(t, int64(2), metrics.FailedReqs.Load())
	assert.InDelta(t, 0.333, metrics.SuccessRate(), 0.01)
	assert.Equal(t, int64(100), metrics.AvgLatencyMs(), "failures do not dilute latency")

	metrics.RecordSuccess(100)
	assert.Equal(t, int32(0), metrics.ConsecutiveFails.Load())
}

func TestProviderMetrics_P95Latency(t *testing.T) {
	metrics := NewProviderMetrics()
	assert.Equal(t, int64(0), metrics.P95LatencyMs())

	for i := int64(0); i < 100; i++ {
		metrics.RecordSuccess(i * 10)
	}

	p95 := metrics.P95LatencyMs()
	assert.GreaterOrEqual(t, p95, int64(900))
	assert.LessOrEqual(t, p95, int64(990))
}

func TestProvider_IsAvailable(t *testing.T) {
	provider := NewProvider("test", "http://localhost:8080", 100, &fasthttp.Client{})

	t.Run("healthy and degraded take traffic", func(t *testing.T) {
		provider.SetState(StateHealthy)
		assert.True(t, provider.IsAvailable())
		provider.SetState(StateDegraded)
		assert.True(t, provider.IsAvailable())
	})

	t.Run("unhealthy does not", func(t *testing.T) {
		provider.SetState(StateUnhealthy)
		assert.False(t, provider.IsAvailable())
	})

	t.Run("open circuit before cooldown", func(t *testing.T) {
		provider.openCircuit(10 * time.Second)
		assert.False(t, provider.IsAvailable())
		assert.Equal(t, StateCircuitOpen, provider.GetState())
	})

	t.Run("open circuit half-opens after cooldown", func(t *testing.T) {
		provider.openCircuit(-time.Second)
		assert.True(t, provider.IsAvailable())
		assert.Equal(t, StateDegraded, provider.GetState())
	})
}

func TestProvider_CalculateScore(t *testing.T) {
	provider := NewProvider("test", "http://localhost:8080", 100, &fasthttp.Client{})
	for i := 0; i < 10; i++ {
		provider.metrics.RecordSuccess(100)
	}

	provider.SetState(StateHealthy)
	healthy := provider.CalculateScore()
	assert.Greater(t, healthy, 0.0)

	provider.SetState(StateDegraded)
	degraded := provider.CalculateScore()
	assert.InDelta(t, healthy/2, degraded, 0.001)

	provider.SetState(StateHealthy)
	provider.metrics.ConsecutiveFails.Store(3)
	assert.InDelta(t, healthy*0.7, provider.CalculateScore(), 0.001)

	provider.SetState(StateUnhealthy)
	assert.Equal(t, 0.0, provider.CalculateScore())
}

func TestProviderState_String(t *testing.T) {
	assert.Equal(t, "HEALTHY", StateHealthy.String())
	assert.Equal(t, "DEGRADED", StateDegraded.String())
	assert.Equal(t, "UNHEALTHY", StateUnhealthy.String())
	assert.Equal(t, "CIRCUIT_OPEN", StateCircuitOpen.String())
	assert.Equal(t, "UNKNOWN", ProviderState(99).String())
}
