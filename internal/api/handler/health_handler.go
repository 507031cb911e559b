package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/cuongbtq/vendor-dispatch/internal/api/dto"
	"github.com/gin-gonic/gin"
)

const healthCheckTimeout = 2 * time.Second

// Health handles GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	resp := dto.HealthResponse{
		Status:  "healthy",
		Service: h.service,
		Checks:  map[string]string{},
		Time:    h.now().Format(time.RFC3339),
	}
	code := http.StatusOK

	if err := h.store.Ping(ctx); err != nil {
		resp.Checks["database"] = err.Error()
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	} else {
		resp.Checks["database"] = "ok"
	}

	if h.queue != nil {
		if h.queue.IsConnected() {
			resp.Checks["queue"] = "ok"
		} else {
			resp.Checks["queue"] = "disconnected"
			resp.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	c.JSON(code, resp)
}
