package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

const (
	// DefaultRate is the default sustained rate in tokens per second
	DefaultRate = 10
	// DefaultBurst is the default bucket capacity
	DefaultBurst = 20
)

// Limiter is a token bucket that paces calls to one vendor.
//
// The bucket starts full. Acquire reserves a token under the bucket lock, so
// concurrent callers are granted tokens in the order they arrived, then sleeps
// until the reservation matures. It never rejects a caller; it only returns early
// when the caller's context ends.
type Limiter struct {
	name     string
	bucket   *rate.Limiter
	waiting  atomic.Int64
	observer prometheus.Observer
}

// Option configures a Limiter
type Option func(*Limiter)

// WithWaitObserver records every acquisition's wait time
func WithWaitObserver(o prometheus.Observer) Option {
	return func(l *Limiter) {
		l.observer = o
	}
}

// New creates a limiter refilling ratePerSecond tokens per second up to burst
func New(name string, ratePerSecond float64, burst int, opts ...Option) (*Limiter, error) {
	if ratePerSecond <= 0 {
		return nil, fmt.Errorf("rate limiter %s: rate must be greater than 0", name)
	}
	if burst < 1 {
		return nil, fmt.Errorf("rate limiter %s: burst must be at least 1", name)
	}

	l := &Limiter{
		name:   name,
		bucket: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Acquire blocks until a token is available and consumes it.
// The context should carry no deadline; a cancelled context returns ctx.Err().
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()
	l.waiting.Add(1)
	defer l.waiting.Add(-1)

	if err := l.bucket.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter %s: %w", l.name, err)
	}

	if l.observer != nil {
		l.observer.Observe(time.Since(start).Seconds())
	}
	return nil
}

// Name returns the vendor name this limiter paces
func (l *Limiter) Name() string {
	return l.name
}

// Status returns a snapshot of the bucket
func (l *Limiter) Status() Status {
	return Status{
		Name:            l.name,
		AvailableTokens: l.bucket.Tokens(),
		Waiting:         int(l.waiting.Load()),
		RatePerSecond:   float64(l.bucket.Limit()),
		Burst:           l.bucket.Burst(),
	}
}

// Status is a point-in-time view of a limiter, for health output and debugging
type Status struct {
	Name            string  `json:"name"`
	AvailableTokens float64 `json:"available_tokens"`
	Waiting         int     `json:"waiting"`
	RatePerSecond   float64 `json:"rate_per_second"`
	Burst           int     `json:"burst"`
}

// String returns a compact representation of the status
func (s Status) String() string {
	return fmt.Sprintf("%s: available=%.2f waiting=%d rate=%.2f/s burst=%d",
		s.Name, s.AvailableTokens, s.Waiting, s.RatePerSecond, s.Burst)
}
