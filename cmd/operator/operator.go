package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nimasrn/message-blast/internal/model"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

// SendRequest mirrors the body the blast runner posts for every target.
type SendRequest struct {
	MessageID string `json:"message_id" binding:"required"`
	ChannelID string `json:"channel_id" binding:"required"`
	Recipient string `json:"recipient" binding:"required"`
	Body      string `json:"body"`
	Reference string `json:"reference"`
}

type SendResponse struct {
	MessageID   string    `json:"message_id"`
	Status      string    `json:"status"`
	ErrorCode   string    `json:"error_code,omitempty"`
	ErrorMsg    string    `json:"error_message,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}

const (
	statusAccepted = "ACCEPTED"
	statusRejected = "REJECTED"
)

type HealthResponse struct {
	Status       string    `json:"status"`
	OperatorID   string    `json:"operator_id"`
	Timestamp    time.Time `json:"timestamp"`
	DeliveryRate float64   `json:"delivery_rate"`
	RejectRate   float64   `json:"reject_rate"`
}

type Options struct {
	WorkspaceID  string
	RejectRate   float64
	DeliveryRate float64
	MinDelay     time.Duration
	MaxDelay     time.Duration
	CallbackURL  string
	Disconnected []string
}

// MockGateway plays both the message gateway and the channel directory. It
// accepts or rejects sends at random and reports deliveries to CallbackURL.
type MockGateway struct {
	opts       Options
	operatorID string

	mu       sync.Mutex
	rng      *rand.Rand
	channels map[string]model.ChannelStatus

	wg          sync.WaitGroup
	http        *fasthttp.Client
	postReceipt func(ctx context.Context, r model.DeliveryReceipt) error
}

func NewMockGateway(opts Options) *MockGateway {
	if opts.MaxDelay < opts.MinDelay {
		opts.MaxDelay = opts.MinDelay
	}
	m := &MockGateway{
		opts:       opts,
		operatorID: "MOCK_GATEWAY_" + uuid.New().String()[:8],
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		channels:   make(map[string]model.ChannelStatus),
		http:       &fasthttp.Client{ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second},
	}
	for _, id := range opts.Disconnected {
		m.channels[id] = model.ChannelStatusDisconnected
	}
	m.postReceipt = m.postCallback
	return m
}

// roll reports whether a random draw falls under the rate picked by pick.
func (m *MockGateway) roll(pick func(o Options) float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Float64() < pick(m.opts)
}

func deliveryRate(o Options) float64 { return o.DeliveryRate }
func rejectRate(o Options) float64   { return o.RejectRate }

func (m *MockGateway) randomDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	delta := m.opts.MaxDelay - m.opts.MinDelay
	if delta <= 0 {
		return m.opts.MinDelay
	}
	return m.opts.MinDelay + time.Duration(m.rng.Int63n(int64(delta)))
}

func (m *MockGateway) randomErrorCode() string {
	codes := []string{"INVALID_NUMBER", "BLOCKED", "INVALID_CONTENT", "OPERATOR_REJECTED"}
	m.mu.Lock()
	defer m.mu.Unlock()
	return codes[m.rng.Intn(len(codes))]
}

func errorMessage(code string) string {
	msgs := map[string]string{
		"INVALID_NUMBER":    "The phone number is invalid or not in service",
		"BLOCKED":           "The recipient has blocked messages",
		"INVALID_CONTENT":   "Message content violates operator policies",
		"OPERATOR_REJECTED": "Operator rejected the message",
	}
	if msg, ok := msgs[code]; ok {
		return msg
	}
	return "Unknown error occurred"
}

// ChannelStatus returns the status of id. Channels nobody disconnected are
// connected.
func (m *MockGateway) ChannelStatus(id string) model.ChannelStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.channels[id]; ok {
		return s
	}
	return model.ChannelStatusConnected
}

func (m *MockGateway) SetChannelStatus(id string, s model.ChannelStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[id] = s
}

// Wait blocks until the scheduled receipts were posted.
func (m *MockGateway) Wait() {
	m.wg.Wait()
}

func (m *MockGateway) scheduleReceipt(req SendRequest) {
	blastID, err := uuid.Parse(req.Reference)
	if err != nil {
		return
	}
	if !m.roll(deliveryRate) {
		log.Debug().Str("message_id", req.MessageID).Msg("message lost, no receipt")
		return
	}

	delay := m.randomDelay()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		time.Sleep(delay)

		receipt := model.DeliveryReceipt{
			BlastID:          blastID,
			Recipient:        req.Recipient,
			GatewayMessageID: req.MessageID,
			DeliveredAt:      time.Now().UTC(),
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.postReceipt(ctx, receipt); err != nil {
			log.Warn().Err(err).Str("message_id", req.MessageID).Msg("failed to post delivery receipt")
			return
		}
		log.Info().
			Str("message_id", req.MessageID).
			Str("recipient", req.Recipient).
			Dur("delay", delay).
			Msg("message delivered")
	}()
}

func (m *MockGateway) postCallback(ctx context.Context, r model.DeliveryReceipt) error {
	if m.opts.CallbackURL == "" {
		return nil
	}
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(m.opts.CallbackURL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	deadline := time.Now().Add(5 * time.Second)
	if dl, ok := ctx.Deadline(); ok {
		deadline = dl
	}
	if err := m.http.DoDeadline(req, resp, deadline); err != nil {
		return err
	}
	if resp.StatusCode() >= 300 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode())
	}
	return nil
}

type Handler struct {
	gw *MockGateway
}

func NewHandler(gw *MockGateway) *Handler {
	return &Handler{gw: gw}
}

// Send handles one message of a blast batch.
func (h *Handler) Send(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, SendResponse{Status: statusRejected, ErrorCode: "INVALID_REQUEST", ErrorMsg: err.Error()})
		return
	}

	switch h.gw.ChannelStatus(req.ChannelID) {
	case model.ChannelStatusDisconnected:
		c.JSON(http.StatusConflict, SendResponse{MessageID: req.MessageID, ErrorCode: "CHANNEL_DISCONNECTED", ErrorMsg: "channel disconnected"})
		return
	case model.ChannelStatusRevoked:
		c.JSON(http.StatusGone, SendResponse{MessageID: req.MessageID, ErrorCode: "CHANNEL_REVOKED", ErrorMsg: "channel revoked"})
		return
	}

	resp := SendResponse{MessageID: req.MessageID, ProcessedAt: time.Now().UTC()}
	if h.gw.roll(rejectRate) {
		resp.Status = statusRejected
		resp.ErrorCode = h.gw.randomErrorCode()
		resp.ErrorMsg = errorMessage(resp.ErrorCode)
		log.Warn().
			Str("message_id", req.MessageID).
			Str("recipient", req.Recipient).
			Str("error_code", resp.ErrorCode).
			Msg("message rejected")
		c.JSON(http.StatusOK, resp)
		return
	}

	resp.Status = statusAccepted
	h.gw.scheduleReceipt(req)
	c.JSON(http.StatusAccepted, resp)
}

// GetChannel answers the directory lookup of the blast api and runner.
func (h *Handler) GetChannel(c *gin.Context) {
	id := c.Param("id")
	c.JSON(http.StatusOK, model.Channel{
		ID:          id,
		WorkspaceID: h.gw.opts.WorkspaceID,
		Status:      h.gw.ChannelStatus(id),
	})
}

func (h *Handler) UpdateChannel(c *gin.Context) {
	var body struct {
		Status model.ChannelStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}
	switch body.Status {
	case model.ChannelStatusConnected, model.ChannelStatusDisconnected, model.ChannelStatusRevoked:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown channel status"})
		return
	}

	id := c.Param("id")
	h.gw.SetChannelStatus(id, body.Status)
	log.Info().Str("channel_id", id).Str("status", string(body.Status)).Msg("channel status changed")
	h.GetChannel(c)
}

func (h *Handler) HealthCheck(c *gin.Context) {
	h.gw.mu.Lock()
	opts := h.gw.opts
	h.gw.mu.Unlock()

	c.JSON(http.StatusOK, HealthResponse{
		Status:       "healthy",
		OperatorID:   h.gw.operatorID,
		Timestamp:    time.Now(),
		DeliveryRate: opts.DeliveryRate,
		RejectRate:   opts.RejectRate,
	})
}

// UpdateConfig changes the rates at runtime.
func (h *Handler) UpdateConfig(c *gin.Context) {
	var body struct {
		DeliveryRate *float64 `json:"delivery_rate"`
		RejectRate   *float64 `json:"reject_rate"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	h.gw.mu.Lock()
	if body.DeliveryRate != nil && *body.DeliveryRate >= 0 && *body.DeliveryRate <= 1 {
		h.gw.opts.DeliveryRate = *body.DeliveryRate
	}
	if body.RejectRate != nil && *body.RejectRate >= 0 && *body.RejectRate <= 1 {
		h.gw.opts.RejectRate = *body.RejectRate
	}
	opts := h.gw.opts
	h.gw.mu.Unlock()

	log.Info().Float64("delivery_rate", opts.DeliveryRate).Float64("reject_rate", opts.RejectRate).Msg("configuration updated")
	c.JSON(http.StatusOK, gin.H{
		"delivery_rate": opts.DeliveryRate,
		"reject_rate":   opts.RejectRate,
	})
}

func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request processed")
	})

	v1 := router.Group("/api/v1")
	{
		v1.POST("/messages/send", handler.Send)
		v1.GET("/channels/:id", handler.GetChannel)
		v1.PUT("/channels/:id", handler.UpdateChannel)
		v1.PUT("/config", handler.UpdateConfig)
		v1.GET("/health", handler.HealthCheck)
	}
	router.GET("/health", handler.HealthCheck)

	return router
}
