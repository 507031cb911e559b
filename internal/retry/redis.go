package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cuongbtq/vendor-dispatch/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Publisher puts a message on the work queue
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// RedisConfig configures the sorted-set scheduler
type RedisConfig struct {
	Key          string
	PollInterval time.Duration
	BatchSize    int
}

// popDue removes and returns up to ARGV[2] members scored at or below ARGV[1]
var popDue = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
if #items > 0 then
	redis.call('ZREM', KEYS[1], unpack(items))
end
return items
`)

// RedisScheduler keeps pending retries in a sorted set scored by due time and
// moves them to the work queue once due
type RedisScheduler struct {
	client       redis.UniversalClient
	publisher    Publisher
	key          string
	pollInterval time.Duration
	batchSize    int
	logger       *slog.Logger
	now          func() time.Time
}

// NewRedisScheduler creates a scheduler backed by a Redis sorted set
func NewRedisScheduler(client redis.UniversalClient, publisher Publisher, cfg RedisConfig, logger *slog.Logger) *RedisScheduler {
	s := &RedisScheduler{
		client:       client,
		publisher:    publisher,
		key:          cfg.Key,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		logger:       logger,
		now:          time.Now,
	}
	if s.key == "" {
		s.key = "vendor-dispatch:retries"
	}
	if s.pollInterval <= 0 {
		s.pollInterval = 500 * time.Millisecond
	}
	if s.batchSize <= 0 {
		s.batchSize = 100
	}
	return s
}

// Schedule stores msg until now+delay
func (s *RedisScheduler) Schedule(ctx context.Context, msg domain.DispatchMessage, delay time.Duration) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal retry message: %w", err)
	}

	due := s.now().Add(delay)
	if err := s.add(ctx, body, due); err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}

	s.logger.Debug("Retry stored in Redis",
		slog.String("request_id", msg.RequestID),
		slog.Int("retry_count", msg.RetryCount),
		slog.Time("due", due),
	)
	return nil
}

func (s *RedisScheduler) add(ctx context.Context, body []byte, due time.Time) error {
	return s.client.ZAdd(ctx, s.key, redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: string(body),
	}).Err()
}

// Run moves due retries to the work queue every poll interval until ctx ends
func (s *RedisScheduler) Run(ctx context.Context) error {
	s.logger.Info("Redis retry poller started",
		slog.String("key", s.key),
		slog.Duration("poll_interval", s.pollInterval),
	)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Redis retry poller stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Flush(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Failed to flush due retries", slog.Any("error", err))
			}
		}
	}
}

// Flush publishes every retry that is due now and returns how many were published.
// An entry that cannot be published is stored again for the next poll.
func (s *RedisScheduler) Flush(ctx context.Context) (int, error) {
	published := 0

	for {
		now := s.now()
		items, err := popDue.Run(ctx, s.client, []string{s.key},
			strconv.FormatInt(now.UnixMilli(), 10), s.batchSize).StringSlice()
		if err != nil {
			return published, fmt.Errorf("failed to pop due retries: %w", err)
		}

		for i, item := range items {
			if err := s.publisher.PublishWithRetry(ctx, []byte(item), contentTypeJSON); err != nil {
				s.restore(ctx, items[i:], now.Add(s.pollInterval))
				return published, fmt.Errorf("failed to publish due retry: %w", err)
			}
			published++
		}

		if len(items) < s.batchSize {
			return published, nil
		}
	}
}

func (s *RedisScheduler) restore(ctx context.Context, items []string, due time.Time) {
	for _, item := range items {
		if err := s.add(context.WithoutCancel(ctx), []byte(item), due); err != nil {
			s.logger.Error("Lost retry message while restoring it",
				slog.String("message", item),
				slog.Any("error", err),
			)
		}
	}
}

// Pending returns the number of retries waiting in the set
func (s *RedisScheduler) Pending(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, s.key).Result()
}
