package handlers

import (
	"context"

	"github.com/fasthttp/router"
	xhttp "github.com/nimasrn/message-blast/pkg/http"
	"github.com/nimasrn/message-blast/pkg/logger"
)

type HealthService interface {
	Get(ctx context.Context) error
}
type HealthHandler struct {
	healthService HealthService
}

func RegisterHealthRoutes(e *router.Group, h *HealthHandler) {
	e.GET("/health", h.GetHealth)
}

func NewHealthHandler(healthService HealthService) *HealthHandler {
	return &HealthHandler{
		healthService: healthService,
	}
}

func (h *HealthHandler) GetHealth(ctx *xhttp.RequestCtx) {
	if err := h.healthService.Get(ctx); err != nil {
		logger.Warn("health check failed", "error", err)
		writeJSON(ctx, 503, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(ctx, 200, map[string]string{"status": "ok"})
}
