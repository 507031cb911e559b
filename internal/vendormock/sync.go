package vendormock

import (
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// SyncVendor answers /process with the processed payload after a short delay
type SyncVendor struct {
	cfg    Config
	logger *slog.Logger
	sleep  func(time.Duration)
}

// NewSyncVendor creates a sync vendor simulator
func NewSyncVendor(cfg Config, logger *slog.Logger) *SyncVendor {
	return &SyncVendor{cfg: cfg, logger: logger, sleep: time.Sleep}
}

// Process handles POST /process
func (v *SyncVendor) Process(c *gin.Context) {
	var req processRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "Bad request", Message: err.Error()})
		return
	}
	if req.RequestID == "" {
		c.JSON(http.StatusBadRequest, errorBody{Error: "Bad request", Message: "request_id is required"})
		return
	}
	if isMissing(req.Payload) {
		c.JSON(http.StatusBadRequest, errorBody{Error: "Bad request", Message: "payload is required"})
		return
	}

	logger := v.logger.With(slog.String("request_id", req.RequestID))
	logger.Info("Sync vendor processing job")

	delay := randomDelay(v.cfg.SyncMinDelay, v.cfg.SyncMaxDelay)
	v.sleep(delay)

	c.JSON(http.StatusOK, processedData{
		RequestID:        req.RequestID,
		Vendor:           "sync",
		ProcessedAt:      time.Now().UTC().Format(time.RFC3339Nano),
		OriginalPayload:  req.Payload,
		ProcessedData:    trimStrings(req.Payload, logger),
		ProcessingTimeMS: delay.Milliseconds(),
		Status:           "success",
	})

	logger.Info("Sync vendor completed job", slog.Duration("delay", delay))
}

// Health handles GET /health
func (v *SyncVendor) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"vendor":    "sync-vendor",
		"version":   "1.0.0",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// RateLimit handles GET /rate-limit
func (v *SyncVendor) RateLimit(c *gin.Context) {
	c.JSON(http.StatusOK, rateLimitStatus{
		CurrentUsage: rand.Intn(100),
		Limit:        1000,
		Window:       "1 hour",
		Remaining:    rand.Intn(900) + 100,
		ResetTime:    time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
	})
}
