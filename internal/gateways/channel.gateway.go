package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nimasrn/message-blast/internal/blast"
	"github.com/nimasrn/message-blast/internal/util"
	"github.com/nimasrn/message-blast/pkg/logger"
	"github.com/nimasrn/message-blast/pkg/prom"
	"github.com/valyala/fasthttp"
)

var (
	ErrNoAvailableProviders = errors.New("no available providers")
)

const sendPath = "/api/v1/messages/send"

type SendStatus string

const (
	SendAccepted SendStatus = "ACCEPTED"
	SendRejected SendStatus = "REJECTED"
)

type SendRequest struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
	Recipient string `json:"recipient"`
	Body      string `json:"body"`
	Reference string `json:"reference,omitempty"`
}

type SendResponse struct {
	MessageID   string     `json:"message_id"`
	Status      SendStatus `json:"status"`
	ErrorCode   string     `json:"error_code,omitempty"`
	ErrorMsg    string     `json:"error_message,omitempty"`
	ProcessedAt time.Time  `json:"processed_at"`
}

type referenceKey struct{}

// WithReference tags the messages sent with ctx. Providers echo the reference
// back in delivery receipts.
func WithReference(ctx context.Context, ref string) context.Context {
	return context.WithValue(ctx, referenceKey{}, ref)
}

func ReferenceFrom(ctx context.Context) string {
	ref, _ := ctx.Value(referenceKey{}).(string)
	return ref
}

// SendResult is returned for an accepted message.
type SendResult struct {
	MessageID string
	Provider  string
	Latency   time.Duration
}

type Config struct {
	Providers               []ProviderConfig
	Timeout                 time.Duration
	MaxRetries              int
	RetryDelay              time.Duration
	MaxConns                int
	ReadBufferSize          int
	WriteBufferSize         int
	HealthCheckInterval     time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
	EvaluateInterval        time.Duration
}

type ProviderConfig struct {
	Name   string
	URL    string
	Weight int // 1-100
}

// statusError is a non-2xx answer from a provider.
type statusError struct {
	code int
	body []byte
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.code, e.body)
}

// Client sends blast messages through the best scoring provider and opens a
// circuit on providers that keep failing.
type Client struct {
	config    *Config
	providers []*Provider
	mu        sync.RWMutex
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if len(config.Providers) == 0 {
		return nil, errors.New("at least one provider is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.CircuitBreakerThreshold <= 0 {
		config.CircuitBreakerThreshold = 5
	}

	client := &Client{
		config:    config,
		providers: make([]*Provider, 0, len(config.Providers)),
		stopCh:    make(chan struct{}),
	}

	for _, pc := range config.Providers {
		httpClient := &fasthttp.Client{
			MaxConnsPerHost:     config.MaxConns,
			ReadTimeout:         config.Timeout,
			WriteTimeout:        config.Timeout,
			MaxIdleConnDuration: 60 * time.Second,
			ReadBufferSize:      config.ReadBufferSize,
			WriteBufferSize:     config.WriteBufferSize,
		}
		client.providers = append(client.providers, NewProvider(pc.Name, pc.URL, pc.Weight, httpClient))
		logger.Info("gateway provider initialized", "name", pc.Name, "url", pc.URL, "weight", pc.Weight)
	}

	if config.HealthCheckInterval > 0 {
		client.wg.Add(1)
		go client.every(config.HealthCheckInterval, client.performHealthChecks)
	}
	if config.EvaluateInterval > 0 {
		client.wg.Add(1)
		go client.every(config.EvaluateInterval, client.evaluateProviders)
	}

	logger.Info("gateway client initialized", "providers", len(client.providers), "timeout", config.Timeout)
	return client, nil
}

// SelectBestProvider returns the available provider with the highest score.
func (c *Client) SelectBestProvider() (*Provider, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var best *Provider
	var bestScore float64
	for _, p := range c.providers {
		if score := p.CalculateScore(); score > bestScore {
			best, bestScore = p, score
		}
	}
	if best == nil {
		return nil, ErrNoAvailableProviders
	}
	logger.Debug("selected provider", "provider", best.name, "score", bestScore)
	return best, nil
}

// Send submits one message on channelID. It returns:
//   - a *blast.TargetRejectedError when the gateway refuses this recipient,
//   - blast.ErrFatalChannel when the channel can never send again,
//   - blast.ErrChannelUnavailable when no provider could take the message,
//   - ctx.Err() when ctx ends first.
//
// The message id is kept across retries so providers can drop duplicates.
func (c *Client) Send(ctx context.Context, channelID, recipient, body string) (*SendResult, error) {
	req := &SendRequest{
		MessageID: util.NewID(),
		ChannelID: channelID,
		Recipient: recipient,
		Body:      body,
		Reference: ReferenceFrom(ctx),
	}
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	start := time.Now()
	res, err := c.send(ctx, req, reqBody)
	prom.ObserveGatewaySend(time.Since(start).Seconds(), outcomeLabel(err))
	return res, err
}

func (c *Client) send(ctx context.Context, req *SendRequest, reqBody []byte) (*SendResult, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.config.RetryDelay):
			}
		}

		provider, err := c.SelectBestProvider()
		if err != nil {
			lastErr = err
			continue
		}

		started := time.Now()
		raw, err := c.doRequest(ctx, provider, fasthttp.MethodPost, sendPath, reqBody)
		latency := time.Since(started)

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if dl, ok := ctx.Deadline(); ok && errors.Is(err, fasthttp.ErrTimeout) && !time.Now().Before(dl) {
				return nil, context.DeadlineExceeded
			}
			var se *statusError
			if errors.As(err, &se) {
				if mapped := classifyStatus(se); mapped != nil {
					// the provider answered properly, the channel is the problem
					provider.metrics.RecordSuccess(latency.Milliseconds())
					return nil, mapped
				}
			}
			c.recordFailure(provider)
			logger.Warn("gateway request failed, retrying", "error", err, "provider", provider.name, "attempt", attempt+1)
			lastErr = err
			continue
		}
		provider.metrics.RecordSuccess(latency.Milliseconds())

		var resp SendResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}

		if resp.Status == SendRejected {
			reason := resp.ErrorMsg
			if reason == "" {
				reason = resp.ErrorCode
			}
			return nil, blast.Rejected(reason)
		}

		id := resp.MessageID
		if id == "" {
			id = req.MessageID
		}
		logger.Debug("message accepted", "message_id", id, "channel_id", req.ChannelID, "provider", provider.name, "latency", latency)
		return &SendResult{MessageID: id, Provider: provider.name, Latency: latency}, nil
	}

	return nil, fmt.Errorf("%w: failed after %d attempts: %v", blast.ErrChannelUnavailable, c.config.MaxRetries+1, lastErr)
}

// classifyStatus maps answers about the channel or the recipient. Other
// codes return nil and count against the provider.
func classifyStatus(se *statusError) error {
	switch se.code {
	case fasthttp.StatusUnauthorized, fasthttp.StatusForbidden, fasthttp.StatusGone:
		return fmt.Errorf("%w: %s", blast.ErrFatalChannel, errorMessage(se.body, fasthttp.StatusMessage(se.code)))
	case fasthttp.StatusConflict, fasthttp.StatusLocked:
		return fmt.Errorf("%w: %s", blast.ErrChannelUnavailable, errorMessage(se.body, "channel disconnected"))
	case fasthttp.StatusBadRequest, fasthttp.StatusUnprocessableEntity:
		return blast.Rejected(errorMessage(se.body, "invalid recipient"))
	case fasthttp.StatusTooManyRequests:
		return blast.Rejected(errorMessage(se.body, "rate limited"))
	}
	return nil
}

func errorMessage(body []byte, fallback string) string {
	var resp SendResponse
	if err := json.Unmarshal(body, &resp); err == nil {
		if resp.ErrorMsg != "" {
			return resp.ErrorMsg
		}
		if resp.ErrorCode != "" {
			return resp.ErrorCode
		}
	}
	return fallback
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, blast.ErrTargetRejected):
		return "rejected"
	case errors.Is(err, blast.ErrFatalChannel):
		return "fatal"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "unavailable"
	}
}

func (c *Client) doRequest(ctx context.Context, provider *Provider, method, path string, body []byte) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(provider.url + path)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/json")
	if body != nil {
		req.SetBody(body)
	}

	deadline := time.Now().Add(c.config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := provider.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	code := resp.StatusCode()
	if code != fasthttp.StatusOK && code != fasthttp.StatusAccepted {
		return nil, &statusError{code: code, body: append([]byte(nil), resp.Body()...)}
	}
	return append([]byte(nil), resp.Body()...), nil
}

func (c *Client) recordFailure(provider *Provider) {
	fails := provider.metrics.RecordFailure()
	if fails >= int32(c.config.CircuitBreakerThreshold) && provider.GetState() != StateCircuitOpen {
		provider.openCircuit(c.config.CircuitBreakerTimeout)
		logger.Warn("circuit breaker opened", "provider", provider.name, "consecutive_fails", fails, "cooldown", c.config.CircuitBreakerTimeout)
	}
}

func (c *Client) every(interval time.Duration, fn func()) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Client) snapshot() []*Provider {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Provider, len(c.providers))
	copy(out, c.providers)
	return out
}

func (c *Client) performHealthChecks() {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()

	for _, p := range c.snapshot() {
		healthy := c.checkProviderHealth(ctx, p)
		p.lastHealthCheck.Store(time.Now().Unix())

		old := p.GetState()
		next := old
		switch {
		case !healthy && old != StateCircuitOpen:
			next = StateUnhealthy
		case healthy && (old == StateUnhealthy || old == StateDegraded):
			next = StateHealthy
		}
		if next != old {
			p.SetState(next)
			logger.Info("provider state changed", "provider", p.name, "old_state", old.String(), "new_state", next.String())
		}
	}
}

func (c *Client) checkProviderHealth(ctx context.Context, p *Provider) bool {
	raw, err := c.doRequest(ctx, p, fasthttp.MethodGet, "/health", nil)
	if err != nil {
		return false
	}
	var health struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &health); err != nil {
		return false
	}
	return health.Status == "healthy"
}

// evaluateProviders degrades slow or flaky providers and restores good ones.
func (c *Client) evaluateProviders() {
	for _, p := range c.snapshot() {
		state := p.GetState()
		if state == StateCircuitOpen || state == StateUnhealthy {
			continue
		}
		rate := p.metrics.SuccessRate()
		avg := p.metrics.AvgLatencyMs()
		switch {
		case (rate < 0.8 || avg > 5000) && state != StateDegraded:
			p.SetState(StateDegraded)
			logger.Warn("provider degraded", "provider", p.name, "success_rate", rate, "avg_latency_ms", avg)
		case rate > 0.95 && avg < 2000 && state != StateHealthy:
			p.SetState(StateHealthy)
			logger.Info("provider recovered", "provider", p.name)
		}
	}
}

// GetProviderStats returns provider statistics, best score first.
func (c *Client) GetProviderStats() []ProviderStats {
	providers := c.snapshot()
	stats := make([]ProviderStats, 0, len(providers))
	for _, p := range providers {
		stats = append(stats, p.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Score > stats[j].Score })
	return stats
}

func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	logger.Info("gateway client closed")
	return nil
}
