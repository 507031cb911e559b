package vendormock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	asyncVendorID    = "async-vendor"
	webhookUserAgent = "Async-Vendor-Webhook/1.0"
	failureMessage   = "Processing failed due to data validation error"
)

type pendingJob struct {
	WebhookURL string
	ReceivedAt time.Time
}

type notification struct {
	RequestID string        `json:"request_id"`
	Success   bool          `json:"success"`
	Data      processedData `json:"data"`
	Timestamp string        `json:"timestamp"`
	VendorID  string        `json:"vendor_id"`
	Error     string        `json:"error,omitempty"`
}

// AsyncVendor accepts jobs immediately and posts the result to the caller's webhook
// after a random delay
type AsyncVendor struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client
	roll   func() float64

	mu      sync.Mutex
	pending map[string]pendingJob

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAsyncVendor creates an async vendor simulator
func NewAsyncVendor(cfg Config, logger *slog.Logger) *AsyncVendor {
	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncVendor{
		cfg:     cfg,
		logger:  logger,
		client:  &http.Client{Timeout: cfg.WebhookTimeout},
		roll:    rand.Float64,
		pending: make(map[string]pendingJob),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Process handles POST /process
func (v *AsyncVendor) Process(c *gin.Context) {
	var req processRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "Bad request", Message: err.Error()})
		return
	}
	switch {
	case req.RequestID == "":
		c.JSON(http.StatusBadRequest, errorBody{Error: "Bad request", Message: "request_id is required"})
		return
	case isMissing(req.Payload):
		c.JSON(http.StatusBadRequest, errorBody{Error: "Bad request", Message: "payload is required"})
		return
	case req.WebhookURL == "":
		c.JSON(http.StatusBadRequest, errorBody{Error: "Bad request", Message: "webhook_url is required for async processing"})
		return
	}

	v.mu.Lock()
	v.pending[req.RequestID] = pendingJob{WebhookURL: req.WebhookURL, ReceivedAt: time.Now().UTC()}
	v.mu.Unlock()

	v.wg.Add(1)
	go v.processInBackground(req)

	v.logger.Info("Async vendor accepted job", slog.String("request_id", req.RequestID))

	c.JSON(http.StatusAccepted, gin.H{
		"request_id":           req.RequestID,
		"status":               "accepted",
		"message":              "Job accepted for async processing",
		"estimated_completion": time.Now().UTC().Add(5 * time.Second).Format(time.RFC3339),
	})
}

func (v *AsyncVendor) processInBackground(req processRequest) {
	defer v.wg.Done()

	logger := v.logger.With(slog.String("request_id", req.RequestID))
	delay := randomDelay(v.cfg.AsyncMinDelay, v.cfg.AsyncMaxDelay)

	select {
	case <-time.After(delay):
	case <-v.ctx.Done():
		logger.Warn("Simulator stopping, dropping pending job")
		return
	}

	failed := v.roll() < v.cfg.FailureRate
	data := processedData{
		RequestID:        req.RequestID,
		Vendor:           "async",
		ProcessedAt:      time.Now().UTC().Format(time.RFC3339Nano),
		OriginalPayload:  req.Payload,
		ProcessedData:    trimStrings(req.Payload, logger),
		ProcessingTimeMS: delay.Milliseconds(),
		Status:           "success",
	}
	n := notification{
		RequestID: req.RequestID,
		Success:   !failed,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		VendorID:  asyncVendorID,
	}
	if failed {
		n.Data.Status = "failed"
		n.Error = failureMessage
	}

	v.mu.Lock()
	delete(v.pending, req.RequestID)
	v.mu.Unlock()

	v.deliver(logger, req.WebhookURL, n)
}

// deliver posts the notification, retrying once after WebhookRetryDelay
func (v *AsyncVendor) deliver(logger *slog.Logger, url string, n notification) {
	err := v.send(url, n)
	if err == nil {
		logger.Info("Webhook delivered", slog.Bool("success", n.Success))
		return
	}
	logger.Warn("Webhook delivery failed, retrying", slog.String("error", err.Error()))

	select {
	case <-time.After(v.cfg.WebhookRetryDelay):
	case <-v.ctx.Done():
		return
	}

	if err := v.send(url, n); err != nil {
		logger.Error("Webhook retry failed", slog.String("error", err.Error()))
		return
	}
	logger.Info("Webhook delivered on retry", slog.Bool("success", n.Success))
}

func (v *AsyncVendor) send(url string, n notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(v.ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", webhookUserAgent)

	resp, err := v.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Status handles GET /status/:request_id
func (v *AsyncVendor) Status(c *gin.Context) {
	requestID := c.Param("request_id")

	v.mu.Lock()
	_, ok := v.pending[requestID]
	v.mu.Unlock()

	if ok {
		c.JSON(http.StatusOK, gin.H{"request_id": requestID, "status": "processing", "vendor": asyncVendorID})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"request_id": requestID,
		"status":     "unknown",
		"message":    "Job not found or already completed",
	})
}

// Health handles GET /health
func (v *AsyncVendor) Health(c *gin.Context) {
	v.mu.Lock()
	pending := len(v.pending)
	v.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"vendor":       asyncVendorID,
		"version":      "1.0.0",
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"pending_jobs": pending,
	})
}

// RateLimit handles GET /rate-limit
func (v *AsyncVendor) RateLimit(c *gin.Context) {
	c.JSON(http.StatusOK, rateLimitStatus{
		CurrentUsage: rand.Intn(50),
		Limit:        500,
		Window:       "1 hour",
		Remaining:    rand.Intn(450) + 50,
		ResetTime:    time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
	})
}

// PendingJobs returns the number of accepted jobs not yet reported
func (v *AsyncVendor) PendingJobs() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.pending)
}

// Shutdown abandons pending jobs and waits for in-flight deliveries
func (v *AsyncVendor) Shutdown(ctx context.Context) error {
	v.cancel()

	done := make(chan struct{})
	go func() {
		v.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
