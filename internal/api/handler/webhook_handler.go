package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/vendor-dispatch/internal/api/dto"
	"github.com/cuongbtq/vendor-dispatch/internal/domain"
	"github.com/gin-gonic/gin"
)

// HandleVendorWebhook handles POST /vendor-webhook/:vendor
func (h *WebhookHandler) HandleVendorWebhook(c *gin.Context) {
	vendor := domain.VendorKind(c.Param("vendor"))
	if vendor != domain.VendorAsync {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: domain.ErrUnknownVendor.Error()})
		return
	}

	var n domain.VendorNotification
	if err := c.ShouldBindJSON(&n); err != nil {
		h.logger.Warn("Malformed vendor notification", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid notification body"})
		return
	}

	result, err := h.correlator.Handle(c.Request.Context(), n)
	if err != nil {
		status := webhookStatus(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Failed to apply vendor notification",
				slog.String("request_id", n.RequestID),
				slog.String("error", err.Error()),
			)
		}
		c.JSON(status, dto.ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, dto.WebhookResponse{
		RequestID: result.RequestID,
		Status:    string(result.Status),
		Duplicate: result.Duplicate,
	})
}

func webhookStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNotAwaitingCallback):
		return http.StatusConflict
	case domain.IsPersistence(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
