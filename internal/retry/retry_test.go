package retry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/vendor-dispatch/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func retryMessage(id string, count int) domain.DispatchMessage {
	return domain.DispatchMessage{
		RequestID:  id,
		Vendor:     domain.VendorSync,
		Retry:      true,
		RetryCount: count,
	}
}

type delayedCall struct {
	body        []byte
	contentType string
	delay       time.Duration
}

type fakeDelayedPublisher struct {
	calls []delayedCall
	err   error
}

func (p *fakeDelayedPublisher) PublishDelayed(_ context.Context, body []byte, contentType string, delay time.Duration) error {
	if p.err != nil {
		return p.err
	}
	p.calls = append(p.calls, delayedCall{body: body, contentType: contentType, delay: delay})
	return nil
}

func TestAMQPScheduler_Schedule(t *testing.T) {
	pub := &fakeDelayedPublisher{}
	s := NewAMQPScheduler(pub, discard)

	require.NoError(t, s.Schedule(context.Background(), retryMessage("a", 2), 2*time.Second))

	require.Len(t, pub.calls, 1)
	assert.Equal(t, 2*time.Second, pub.calls[0].delay)
	assert.Equal(t, "application/json", pub.calls[0].contentType)

	var decoded domain.DispatchMessage
	require.NoError(t, json.Unmarshal(pub.calls[0].body, &decoded))
	assert.Equal(t, retryMessage("a", 2), decoded)
}

func TestAMQPScheduler_PublishError(t *testing.T) {
	s := NewAMQPScheduler(&fakeDelayedPublisher{err: errors.New("channel closed")}, discard)
	assert.ErrorContains(t, s.Schedule(context.Background(), retryMessage("a", 1), time.Second), "channel closed")
}

type fakePublisher struct {
	mu       sync.Mutex
	bodies   []string
	failFrom int
}

func (p *fakePublisher) PublishWithRetry(_ context.Context, body []byte, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failFrom > 0 && len(p.bodies)+1 >= p.failFrom {
		return errors.New("broker unavailable")
	}
	p.bodies = append(p.bodies, string(body))
	return nil
}

func (p *fakePublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.bodies...)
}

func newRedisScheduler(t *testing.T, pub Publisher, cfg RedisConfig) (*RedisScheduler, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewRedisScheduler(client, pub, cfg, discard)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestRedisScheduler_FlushPublishesOnlyDue(t *testing.T) {
	ctx := context.Background()
	pub := &fakePublisher{}
	s, now := newRedisScheduler(t, pub, RedisConfig{})

	require.NoError(t, s.Schedule(ctx, retryMessage("first", 1), time.Second))
	require.NoError(t, s.Schedule(ctx, retryMessage("second", 2), 2*time.Second))

	n, err := s.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	*now = now.Add(1500 * time.Millisecond)
	n, err = s.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, pub.published(), 1)
	assert.Contains(t, pub.published()[0], `"request_id":"first"`)

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	*now = now.Add(time.Second)
	n, err = s.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, pub.published(), 2)
}

func TestRedisScheduler_FlushDrainsInBatches(t *testing.T) {
	ctx := context.Background()
	pub := &fakePublisher{}
	s, now := newRedisScheduler(t, pub, RedisConfig{BatchSize: 2})

	for i, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, s.Schedule(ctx, retryMessage(id, 1), time.Duration(i)*time.Millisecond))
	}

	*now = now.Add(time.Second)
	n, err := s.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestRedisScheduler_PublishFailureKeepsEntries(t *testing.T) {
	ctx := context.Background()
	pub := &fakePublisher{failFrom: 2}
	s, now := newRedisScheduler(t, pub, RedisConfig{})

	require.NoError(t, s.Schedule(ctx, retryMessage("a", 1), 0))
	require.NoError(t, s.Schedule(ctx, retryMessage("b", 1), time.Millisecond))
	require.NoError(t, s.Schedule(ctx, retryMessage("c", 1), 2*time.Millisecond))

	*now = now.Add(time.Second)
	n, err := s.Flush(ctx)
	assert.Error(t, err)
	assert.Equal(t, 1, n)

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)

	// restored entries are due again on the next poll
	pub.failFrom = 0
	*now = now.Add(time.Second)
	n, err = s.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, pub.published(), 3)
}

func TestRedisScheduler_RunStopsWithContext(t *testing.T) {
	pub := &fakePublisher{}
	s, _ := newRedisScheduler(t, pub, RedisConfig{PollInterval: 10 * time.Millisecond})
	require.NoError(t, s.Schedule(context.Background(), retryMessage("a", 1), 0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(pub.published()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
