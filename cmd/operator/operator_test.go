package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nimasrn/message-blast/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type receiptSink struct {
	mu       sync.Mutex
	receipts []model.DeliveryReceipt
}

func (s *receiptSink) post(_ context.Context, r model.DeliveryReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *receiptSink) all() []model.DeliveryReceipt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.DeliveryReceipt(nil), s.receipts...)
}

func newTestGateway(opts Options) (*MockGateway, *receiptSink, *gin.Engine) {
	gw := NewMockGateway(opts)
	sink := &receiptSink{}
	gw.postReceipt = sink.post
	return gw, sink, SetupRouter(NewHandler(gw))
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSend_AcceptedPostsReceipt(t *testing.T) {
	gw, sink, r := newTestGateway(Options{DeliveryRate: 1})
	blastID := uuid.New()

	w := do(t, r, http.MethodPost, "/api/v1/messages/send", SendRequest{
		MessageID: "m-1", ChannelID: "ch-1", Recipient: "+15550000001", Body: "hi", Reference: blastID.String(),
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp SendResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, statusAccepted, resp.Status)
	assert.Equal(t, "m-1", resp.MessageID)

	gw.Wait()
	got := sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, blastID, got[0].BlastID)
	assert.Equal(t, "+15550000001", got[0].Recipient)
	assert.Equal(t, "m-1", got[0].GatewayMessageID)
}

func TestSend_NoReceiptWithoutReference(t *testing.T) {
	gw, sink, r := newTestGateway(Options{DeliveryRate: 1})

	w := do(t, r, http.MethodPost, "/api/v1/messages/send", SendRequest{MessageID: "m-1", ChannelID: "ch-1", Recipient: "+15550000001"})
	require.Equal(t, http.StatusAccepted, w.Code)

	gw.Wait()
	assert.Empty(t, sink.all())
}

func TestSend_Rejected(t *testing.T) {
	gw, sink, r := newTestGateway(Options{RejectRate: 1, DeliveryRate: 1})

	w := do(t, r, http.MethodPost, "/api/v1/messages/send", SendRequest{
		MessageID: "m-1", ChannelID: "ch-1", Recipient: "+15550000001", Reference: uuid.NewString(),
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp SendResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, statusRejected, resp.Status)
	assert.NotEmpty(t, resp.ErrorCode)
	assert.Equal(t, errorMessage(resp.ErrorCode), resp.ErrorMsg)

	gw.Wait()
	assert.Empty(t, sink.all())
}

func TestSend_ChannelState(t *testing.T) {
	_, _, r := newTestGateway(Options{Disconnected: []string{"ch-off"}})
	req := SendRequest{MessageID: "m-1", ChannelID: "ch-off", Recipient: "+15550000001"}

	assert.Equal(t, http.StatusConflict, do(t, r, http.MethodPost, "/api/v1/messages/send", req).Code)

	w := do(t, r, http.MethodPut, "/api/v1/channels/ch-off", map[string]string{"status": "revoked"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusGone, do(t, r, http.MethodPost, "/api/v1/messages/send", req).Code)

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPut, "/api/v1/channels/ch-off", map[string]string{"status": "gone"}).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/api/v1/messages/send", map[string]string{"body": "x"}).Code)
}

func TestGetChannel(t *testing.T) {
	_, _, r := newTestGateway(Options{WorkspaceID: "ws-1", Disconnected: []string{"ch-off"}})

	var ch model.Channel
	w := do(t, r, http.MethodGet, "/api/v1/channels/ch-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ch))
	assert.True(t, ch.Connected())
	assert.Equal(t, "ws-1", ch.WorkspaceID)

	w = do(t, r, http.MethodGet, "/api/v1/channels/ch-off", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ch))
	assert.False(t, ch.Connected())
}

func TestHealthAndConfig(t *testing.T) {
	_, _, r := newTestGateway(Options{DeliveryRate: 1})

	w := do(t, r, http.MethodPut, "/api/v1/config", map[string]float64{"delivery_rate": 0.5, "reject_rate": 2})
	require.Equal(t, http.StatusOK, w.Code)

	var health HealthResponse
	w = do(t, r, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 0.5, health.DeliveryRate)
	assert.Equal(t, 0.0, health.RejectRate, "out of range rates are ignored")
}

func TestPostCallback(t *testing.T) {
	var got model.DeliveryReceipt
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &fasthttp.Server{Handler: func(ctx *fasthttp.RequestCtx) {
		_ = json.Unmarshal(ctx.PostBody(), &got)
		ctx.SetStatusCode(fasthttp.StatusOK)
	}}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	gw := NewMockGateway(Options{CallbackURL: "http://" + ln.Addr().String() + "/cb"})
	receipt := model.DeliveryReceipt{BlastID: uuid.New(), Recipient: "+15550000001", DeliveredAt: time.Now().UTC()}
	require.NoError(t, gw.postCallback(context.Background(), receipt))
	assert.Equal(t, receipt.BlastID, got.BlastID)

	assert.NoError(t, NewMockGateway(Options{}).postCallback(context.Background(), receipt), "no callback configured")
}
