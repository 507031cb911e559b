package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/vendor-dispatch/internal/domain"
	"github.com/cuongbtq/vendor-dispatch/internal/metrics"
)

// DefaultFailureMessage is recorded when a vendor reports failure without a reason
const DefaultFailureMessage = "vendor reported failure"

// Sanitizer turns a raw vendor payload into cleaned data
type Sanitizer interface {
	Sanitize(raw json.RawMessage, kind domain.VendorKind) json.RawMessage
}

// Result describes how a notification was applied
type Result struct {
	RequestID string
	Status    domain.Status
	Duplicate bool
}

// Correlator matches async vendor notifications to awaiting jobs and finalizes them
type Correlator struct {
	store     domain.JobStore
	sanitizer Sanitizer
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewCorrelator creates a new correlator
func NewCorrelator(store domain.JobStore, sanitizer Sanitizer, m *metrics.Metrics, logger *slog.Logger) *Correlator {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Correlator{
		store:     store,
		sanitizer: sanitizer,
		metrics:   m,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Handle applies a notification. Notifications for jobs that are already terminal
// are acknowledged without change so vendors can safely redeliver.
func (c *Correlator) Handle(ctx context.Context, n domain.VendorNotification) (*Result, error) {
	if err := n.Validate(); err != nil {
		c.metrics.Webhooks.WithLabelValues("invalid").Inc()
		return nil, err
	}

	logger := c.logger.With(slog.String("request_id", n.RequestID))

	job, err := c.store.Get(ctx, n.RequestID)
	if errors.Is(err, domain.ErrNotFound) {
		c.metrics.Webhooks.WithLabelValues("unknown").Inc()
		logger.Warn("Notification for unknown job")
		return nil, err
	}
	if err != nil {
		return nil, domain.NewPersistenceError("load job", err)
	}

	if job.VendorKind != domain.VendorAsync {
		c.metrics.Webhooks.WithLabelValues("unknown").Inc()
		logger.Warn("Notification for a job not routed to the async vendor",
			slog.String("vendor", string(job.VendorKind)),
		)
		return nil, fmt.Errorf("%w: job %s is not an async job", domain.ErrNotFound, n.RequestID)
	}

	if job.Status.IsTerminal() {
		c.metrics.Webhooks.WithLabelValues("duplicate").Inc()
		logger.Info("Ignoring notification for finished job", slog.String("status", string(job.Status)))
		return &Result{RequestID: job.RequestID, Status: job.Status, Duplicate: true}, nil
	}

	if job.Status != domain.StatusProcessing || !job.AwaitingCallback {
		c.metrics.Webhooks.WithLabelValues("early").Inc()
		logger.Warn("Notification arrived before dispatch was acknowledged",
			slog.String("status", string(job.Status)),
		)
		return nil, fmt.Errorf("%w: job %s is %s", domain.ErrNotAwaitingCallback, n.RequestID, job.Status)
	}

	if err := c.apply(job, n); err != nil {
		return nil, err
	}

	if err := c.store.Save(ctx, job); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			c.metrics.Webhooks.WithLabelValues("duplicate").Inc()
			logger.Info("Job finished concurrently, treating notification as duplicate")
			return &Result{RequestID: job.RequestID, Status: job.Status, Duplicate: true}, nil
		}
		return nil, domain.NewPersistenceError("save job", err)
	}

	c.metrics.Webhooks.WithLabelValues(string(job.Status)).Inc()
	c.metrics.JobsFinished.WithLabelValues(string(job.VendorKind), string(job.Status)).Inc()
	logger.Info("Async job finished",
		slog.String("status", string(job.Status)),
		slog.String("vendor_id", n.VendorID),
	)

	return &Result{RequestID: job.RequestID, Status: job.Status}, nil
}

func (c *Correlator) apply(job *domain.Job, n domain.VendorNotification) error {
	// the whole notification is kept as the vendor response
	raw, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	now := c.now()
	if n.Succeeded() {
		return job.Complete(now, raw, c.sanitizer.Sanitize(n.Data, job.VendorKind))
	}

	msg := n.Error
	if msg == "" {
		msg = DefaultFailureMessage
	}
	return job.Fail(now, msg, raw)
}
