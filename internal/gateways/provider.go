package gateway

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
)

type ProviderMetrics struct {
	TotalRequests    atomic.Int64
	SuccessfulReqs   atomic.Int64
	FailedReqs       atomic.Int64
	TotalLatencyMs   atomic.Int64
	LastLatencyMs    atomic.Int64
	ConsecutiveFails atomic.Int32
	LastErrorTime    atomic.Int64
	LastSuccessTime  atomic.Int64

	mu             sync.RWMutex
	latencyHistory []int64
	maxHistorySize int
}

func NewProviderMetrics() *ProviderMetrics {
	return &ProviderMetrics{
		latencyHistory: make([]int64, 0, 100),
		maxHistorySize: 100,
	}
}

func (m *ProviderMetrics) RecordSuccess(latencyMs int64) {
	m.TotalRequests.Add(1)
	m.SuccessfulReqs.Add(1)
	m.TotalLatencyMs.Add(latencyMs)
	m.LastLatencyMs.Store(latencyMs)
	m.ConsecutiveFails.Store(0)
	m.LastSuccessTime.Store(time.Now().Unix())

	m.mu.Lock()
	if len(m.latencyHistory) >= m.maxHistorySize {
		m.latencyHistory = m.latencyHistory[1:]
	}
	m.latencyHistory = append(m.latencyHistory, latencyMs)
	m.mu.Unlock()
}

func (m *ProviderMetrics) RecordFailure() int32 {
	m.TotalRequests.Add(1)
	m.FailedReqs.Add(1)
	m.LastErrorTime.Store(time.Now().Unix())
	return m.ConsecutiveFails.Add(1)
}

func (m *ProviderMetrics) AvgLatencyMs() int64 {
	ok := m.SuccessfulReqs.Load()
	if ok == 0 {
		return 0
	}
	return m.TotalLatencyMs.Load() / ok
}

func (m *ProviderMetrics) SuccessRate() float64 {
	total := m.TotalRequests.Load()
	if total == 0 {
		return 1.0
	}
	return float64(m.SuccessfulReqs.Load()) / float64(total)
}

func (m *ProviderMetrics) P95LatencyMs() int64 {
	m.mu.RLock()
	sorted := make([]int64, len(m.latencyHistory))
	copy(sorted, m.latencyHistory)
	m.mu.RUnlock()

	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

type ProviderState int32

const (
	StateHealthy ProviderState = iota
	StateDegraded
	StateUnhealthy
	StateCircuitOpen
)

func (s ProviderState) String() string {
	switch s {
	case StateHealthy:
		return "HEALTHY"
	case StateDegraded:
		return "DEGRADED"
	case StateUnhealthy:
		return "UNHEALTHY"
	case StateCircuitOpen:
		return "CIRCUIT_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Provider is one upstream endpoint of the message gateway.
type Provider struct {
	name             string
	url              string
	client           *fasthttp.Client
	metrics          *ProviderMetrics
	state            atomic.Int32
	weight           atomic.Int32
	lastHealthCheck  atomic.Int64
	circuitOpenUntil atomic.Int64
}

func NewProvider(name, url string, weight int, client *fasthttp.Client) *Provider {
	p := &Provider{
		name:    name,
		url:     url,
		client:  client,
		metrics: NewProviderMetrics(),
	}
	p.state.Store(int32(StateHealthy))
	p.weight.Store(int32(weight))
	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) GetState() ProviderState {
	return ProviderState(p.state.Load())
}

func (p *Provider) SetState(state ProviderState) {
	p.state.Store(int32(state))
}

// IsAvailable reports whether the provider may take traffic. An open circuit
// half-opens into the degraded state once its cooldown has passed.
func (p *Provider) IsAvailable() bool {
	switch p.GetState() {
	case StateCircuitOpen:
		if time.Now().UnixMilli() < p.circuitOpenUntil.Load() {
			return false
		}
		p.state.CompareAndSwap(int32(StateCircuitOpen), int32(StateDegraded))
		return true
	case StateUnhealthy:
		return false
	}
	return true
}

func (p *Provider) openCircuit(cooldown time.Duration) {
	p.circuitOpenUntil.Store(time.Now().Add(cooldown).UnixMilli())
	p.SetState(StateCircuitOpen)
}

// CalculateScore ranks providers, higher is better. Unavailable providers score 0.
func (p *Provider) CalculateScore() float64 {
	if !p.IsAvailable() {
		return 0
	}

	successScore := p.metrics.SuccessRate() * 100

	// 0ms scores 100, 5s or slower scores 0
	latencyScore := 100.0
	if avg := p.metrics.AvgLatencyMs(); avg > 0 {
		latencyScore = max(0, 100.0*(1.0-float64(avg)/5000.0))
	}

	// each consecutive failure costs 10%, floored at 10%
	recent := max(0.1, 1.0-float64(p.metrics.ConsecutiveFails.Load())*0.1)

	statePenalty := 1.0
	if p.GetState() == StateDegraded {
		statePenalty = 0.5
	}

	return (successScore*0.4 + latencyScore*0.4 + float64(p.weight.Load())*0.2) * recent * statePenalty
}

type ProviderStats struct {
	Name             string  `json:"name"`
	URL              string  `json:"url"`
	State            string  `json:"state"`
	Score            float64 `json:"score"`
	TotalRequests    int64   `json:"total_requests"`
	SuccessfulReqs   int64   `json:"successful_requests"`
	FailedReqs       int64   `json:"failed_requests"`
	SuccessRate      float64 `json:"success_rate"`
	AvgLatencyMs     int64   `json:"avg_latency_ms"`
	P95LatencyMs     int64   `json:"p95_latency_ms"`
	ConsecutiveFails int32   `json:"consecutive_fails"`
}

func (p *Provider) Stats() ProviderStats {
	return ProviderStats{
		Name:             p.name,
		URL:              p.url,
		State:            p.GetState().String(),
		Score:            p.CalculateScore(),
		TotalRequests:    p.metrics.TotalRequests.Load(),
		SuccessfulReqs:   p.metrics.SuccessfulReqs.Load(),
		FailedReqs:       p.metrics.FailedReqs.Load(),
		SuccessRate:      p.metrics.SuccessRate(),
		AvgLatencyMs:     p.metrics.AvgLatencyMs(),
		P95LatencyMs:     p.metrics.P95LatencyMs(),
		ConsecutiveFails: p.metrics.ConsecutiveFails.Load(),
	}
}
