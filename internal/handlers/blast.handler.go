package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/nimasrn/message-blast/internal/blast"
	"github.com/nimasrn/message-blast/internal/model"
	"github.com/nimasrn/message-blast/internal/services"
	xhttp "github.com/nimasrn/message-blast/pkg/http"
	"github.com/nimasrn/message-blast/pkg/logger"
)

type BlastService interface {
	Create(ctx context.Context, p model.BlastCreateRequest) (*model.Blast, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Blast, error)
	Update(ctx context.Context, id uuid.UUID, p model.BlastUpdateRequest) (*model.Blast, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Start(ctx context.Context, id uuid.UUID) (*model.Blast, error)
	Pause(ctx context.Context, id uuid.UUID) (*model.Blast, error)
	Resume(ctx context.Context, id uuid.UUID) (*model.Blast, error)
	Cancel(ctx context.Context, id uuid.UUID) (*model.Blast, error)
	List(ctx context.Context, f model.BlastFilter) ([]*model.Blast, int64, error)
	Targets(ctx context.Context, f model.TargetFilter) ([]*model.Target, int64, error)
	Progress(ctx context.Context, id uuid.UUID) (*model.Progress, error)
	Statistics(ctx context.Context, workspaceID string, days int) (*model.BlastStatistics, error)
	Preview(ctx context.Context, raw []string, batchSize int) (*model.RecipientPreview, error)
	HandleDeliveryReceipt(ctx context.Context, r model.DeliveryReceipt) (bool, error)
}

// ReceiptQueue accepts delivery receipts for the receipts consumer.
type ReceiptQueue interface {
	PublishJSON(ctx context.Context, data interface{}, metadata map[string]string) (string, error)
}

type BlastHandler struct {
	svc      BlastService
	receipts ReceiptQueue
}

func RegisterBlastRoutes(e *router.Group, h *BlastHandler) {
	e.POST("/blasts", h.CreateBlast)
	e.POST("/blasts/preview", h.PreviewRecipients)
	e.GET("/blasts/{id}", h.GetBlast)
	e.PUT("/blasts/{id}", h.UpdateBlast)
	e.DELETE("/blasts/{id}", h.DeleteBlast)
	e.POST("/blasts/{id}/start", h.control(BlastService.Start))
	e.POST("/blasts/{id}/pause", h.control(BlastService.Pause))
	e.POST("/blasts/{id}/resume", h.control(BlastService.Resume))
	e.POST("/blasts/{id}/cancel", h.control(BlastService.Cancel))
	e.GET("/blasts/{id}/progress", h.GetProgress)
	e.GET("/blasts/{id}/targets", h.ListTargets)
	e.GET("/workspaces/{workspace_id}/blasts", h.ListBlasts)
	e.GET("/workspaces/{workspace_id}/blasts/statistics", h.GetStatistics)
	e.POST("/callbacks/delivery-receipts", h.DeliveryReceipt)
}

func NewBlastHandler(blastService BlastService) *BlastHandler {
	return &BlastHandler{
		svc: blastService,
	}
}

// WithReceiptQueue makes the receipt webhook enqueue receipts instead of
// applying them inline.
func (h *BlastHandler) WithReceiptQueue(q ReceiptQueue) *BlastHandler {
	h.receipts = q
	return h
}

type blastListResponse struct {
	Items []*model.Blast `json:"items"`
	Total int64          `json:"total"`
}

type targetListResponse struct {
	Items []*model.Target `json:"items"`
	Total int64           `json:"total"`
}

type previewRequest struct {
	Recipients []string `json:"recipients"`
	BatchSize  int      `json:"batch_size"`
}

type receiptResponse struct {
	Applied bool   `json:"applied"`
	Queued  bool   `json:"queued,omitempty"`
	ID      string `json:"id,omitempty"`
}

/* --------------------------------- Routes ----------------------------------- */

func (h *BlastHandler) CreateBlast(ctx *xhttp.RequestCtx) {
	var req model.BlastCreateRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}
	b, err := h.svc.Create(ctx, req)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 201, b)
}

func (h *BlastHandler) GetBlast(ctx *xhttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	b, err := h.svc.Get(ctx, id)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, b)
}

func (h *BlastHandler) UpdateBlast(ctx *xhttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	var req model.BlastUpdateRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}
	b, err := h.svc.Update(ctx, id, req)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, b)
}

func (h *BlastHandler) DeleteBlast(ctx *xhttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	if err := h.svc.Delete(ctx, id); err != nil {
		writeServiceError(ctx, err)
		return
	}
	ctx.Response.SetStatusCode(204)
}

// control adapts one of the start, pause, resume or cancel calls to a route.
func (h *BlastHandler) control(action func(BlastService, context.Context, uuid.UUID) (*model.Blast, error)) xhttp.RequestHandler {
	return func(ctx *xhttp.RequestCtx) {
		id, ok := pathID(ctx)
		if !ok {
			return
		}
		b, err := action(h.svc, ctx, id)
		if err != nil {
			writeServiceError(ctx, err)
			return
		}
		writeJSON(ctx, 200, b)
	}
}

func (h *BlastHandler) GetProgress(ctx *xhttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	p, err := h.svc.Progress(ctx, id)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, p)
}

func (h *BlastHandler) ListTargets(ctx *xhttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	f := model.TargetFilter{BlastID: id}
	if v := query(ctx, "status"); v != "" {
		st := model.TargetStatus(v)
		f.Status = &st
	}
	if v := query(ctx, "batch"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			f.Batch = &n
		}
	}
	f.Limit, f.Offset = paging(ctx)

	items, total, err := h.svc.Targets(ctx, f)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, targetListResponse{Items: items, Total: total})
}

func (h *BlastHandler) ListBlasts(ctx *xhttp.RequestCtx) {
	f := model.BlastFilter{WorkspaceID: pathParam(ctx, "workspace_id")}
	if v := query(ctx, "status"); v != "" {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				f.Statuses = append(f.Statuses, model.BlastStatus(part))
			}
		}
	}
	f.Limit, f.Offset = paging(ctx)

	items, total, err := h.svc.List(ctx, f)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, blastListResponse{Items: items, Total: total})
}

func (h *BlastHandler) GetStatistics(ctx *xhttp.RequestCtx) {
	days := 0
	if v := query(ctx, "days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(ctx, 400, "days must be a positive integer")
			return
		}
		days = n
	}
	stats, err := h.svc.Statistics(ctx, pathParam(ctx, "workspace_id"), days)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, stats)
}

func (h *BlastHandler) PreviewRecipients(ctx *xhttp.RequestCtx) {
	var req previewRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}
	p, err := h.svc.Preview(ctx, req.Recipients, req.BatchSize)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, p)
}

// DeliveryReceipt is the webhook the message gateway calls once a sent
// message reached its recipient. With a receipt queue the receipt is
// accepted with 202 and applied by the receipts consumer.
func (h *BlastHandler) DeliveryReceipt(ctx *xhttp.RequestCtx) {
	var req model.DeliveryReceipt
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}
	if req.BlastID == uuid.Nil || req.Recipient == "" {
		writeError(ctx, 400, "blast_id and recipient are required")
		return
	}

	if h.receipts != nil {
		id, err := h.receipts.PublishJSON(ctx, req, map[string]string{
			"type":     "delivery_receipt",
			"blast_id": req.BlastID.String(),
		})
		if err != nil {
			logger.Error("failed to enqueue delivery receipt", "blast_id", req.BlastID, "error", err)
			writeError(ctx, 503, "receipt queue unavailable")
			return
		}
		writeJSON(ctx, 202, receiptResponse{Queued: true, ID: id})
		return
	}

	applied, err := h.svc.HandleDeliveryReceipt(ctx, req)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, receiptResponse{Applied: applied})
}

// writeServiceError maps service errors to status codes.
func writeServiceError(ctx *xhttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		writeError(ctx, 404, err.Error())
	case errors.Is(err, blast.ErrIllegalTransition):
		writeError(ctx, 409, err.Error())
	case errors.Is(err, services.ErrInvalidInput),
		errors.Is(err, services.ErrInvalidSender),
		errors.Is(err, services.ErrTooManyTargets),
		errors.Is(err, blast.ErrEmptyTargetSet),
		errors.Is(err, blast.ErrInvalidSchedule):
		writeError(ctx, 400, err.Error())
	default:
		logger.Error("request failed", "error", err, "path", string(ctx.Path()))
		writeError(ctx, 500, "internal error")
	}
}

func readJSON(ctx *xhttp.RequestCtx, dst any) error {
	body := ctx.PostBody()
	return json.Unmarshal(body, dst)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func writeError(ctx *xhttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}

// pathID parses the {id} route parameter and answers 400 when it is not a uuid.
func pathID(ctx *xhttp.RequestCtx) (uuid.UUID, bool) {
	raw := pathParam(ctx, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(ctx, 400, fmt.Sprintf("invalid blast id %q", raw))
		return uuid.Nil, false
	}
	return id, true
}

func pathParam(ctx *xhttp.RequestCtx, name string) string {
	v, _ := ctx.UserValue(name).(string)
	return v
}

func paging(ctx *xhttp.RequestCtx) (limit, offset int) {
	if v := query(ctx, "limit"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			limit = n
		}
	}
	if v := query(ctx, "offset"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			offset = n
		}
	}
	return limit, offset
}

func query(ctx *xhttp.RequestCtx, key string) string {
	return string(ctx.QueryArgs().Peek(key))
}
