package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/vendor-dispatch/internal/domain"
)

const contentTypeJSON = "application/json"

// DelayedPublisher publishes a message that becomes visible on the work queue after delay
type DelayedPublisher interface {
	PublishDelayed(ctx context.Context, body []byte, contentType string, delay time.Duration) error
}

// AMQPScheduler holds retries in broker-side TTL queues
type AMQPScheduler struct {
	publisher DelayedPublisher
	logger    *slog.Logger
}

// NewAMQPScheduler creates a scheduler backed by RabbitMQ delay queues
func NewAMQPScheduler(publisher DelayedPublisher, logger *slog.Logger) *AMQPScheduler {
	return &AMQPScheduler{publisher: publisher, logger: logger}
}

// Schedule publishes msg to the delay queue for the given delay
func (s *AMQPScheduler) Schedule(ctx context.Context, msg domain.DispatchMessage, delay time.Duration) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal retry message: %w", err)
	}

	if err := s.publisher.PublishDelayed(ctx, body, contentTypeJSON, delay); err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}

	s.logger.Debug("Retry parked in delay queue",
		slog.String("request_id", msg.RequestID),
		slog.Int("retry_count", msg.RetryCount),
		slog.Duration("delay", delay),
	)
	return nil
}
