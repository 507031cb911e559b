package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/vendor-dispatch/internal/domain"
	"github.com/cuongbtq/vendor-dispatch/internal/metrics"
	"github.com/cuongbtq/vendor-dispatch/internal/webhook"
)

const (
	defaultPageSize        = 20
	defaultMaxPayloadBytes = 1 << 20
	contentTypeJSON        = "application/json"
)

// Publisher puts a dispatch message on the work queue
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// QueueHealth reports broker connectivity
type QueueHealth interface {
	IsConnected() bool
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger          *slog.Logger
	ServiceName     string
	Store           domain.JobStore
	Publisher       Publisher
	Queue           QueueHealth
	Correlator      *webhook.Correlator
	Selector        VendorSelector
	Metrics         *metrics.Metrics
	MaxPayloadBytes int64
	Now             func() time.Time
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger          *slog.Logger
	store           domain.JobStore
	publisher       Publisher
	selector        VendorSelector
	metrics         *metrics.Metrics
	maxPayloadBytes int64
	now             func() time.Time
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	h := &JobHandler{
		logger:          deps.Logger,
		store:           deps.Store,
		publisher:       deps.Publisher,
		selector:        deps.Selector,
		metrics:         deps.Metrics,
		maxPayloadBytes: deps.MaxPayloadBytes,
		now:             deps.Now,
	}
	if h.selector == nil {
		h.selector = NewRandomSelector()
	}
	if h.metrics == nil {
		h.metrics = metrics.NewNop()
	}
	if h.maxPayloadBytes <= 0 {
		h.maxPayloadBytes = defaultMaxPayloadBytes
	}
	if h.now == nil {
		h.now = func() time.Time { return time.Now().UTC() }
	}
	return h
}

// WebhookHandler receives async vendor notifications
type WebhookHandler struct {
	logger     *slog.Logger
	correlator *webhook.Correlator
}

// NewWebhookHandler creates a new WebhookHandler instance
func NewWebhookHandler(deps *Dependencies) *WebhookHandler {
	return &WebhookHandler{
		logger:     deps.Logger,
		correlator: deps.Correlator,
	}
}

// HealthHandler reports dependency health
type HealthHandler struct {
	service string
	store   domain.JobStore
	queue   QueueHealth
	now     func() time.Time
}

// NewHealthHandler creates a new HealthHandler instance
func NewHealthHandler(deps *Dependencies) *HealthHandler {
	h := &HealthHandler{
		service: deps.ServiceName,
		store:   deps.Store,
		queue:   deps.Queue,
		now:     deps.Now,
	}
	if h.now == nil {
		h.now = func() time.Time { return time.Now().UTC() }
	}
	return h
}
