package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/vendor-dispatch/internal/domain"
	"github.com/cuongbtq/vendor-dispatch/internal/metrics"
	"github.com/cuongbtq/vendor-dispatch/internal/vendor"
	"github.com/google/uuid"
)

const (
	// DefaultConcurrency is the pool size used when none is configured
	DefaultConcurrency = 5
	// DefaultMaxRetries is the number of retries after the first dispatch
	DefaultMaxRetries = 3
	// DefaultRetryBaseDelay is multiplied by the retry number to get the backoff
	DefaultRetryBaseDelay = time.Second
	// DefaultShutdownTimeout bounds how long Stop waits for in-flight jobs
	DefaultShutdownTimeout = 30 * time.Second
)

// ErrShutdownTimeout is returned by Stop when jobs were still running at the deadline
var ErrShutdownTimeout = errors.New("worker shutdown timed out")

// Scheduler re-delivers a dispatch message after a delay
type Scheduler interface {
	Schedule(ctx context.Context, msg domain.DispatchMessage, delay time.Duration) error
}

// Sanitizer turns a raw vendor response into cleaned data
type Sanitizer interface {
	Sanitize(raw json.RawMessage, kind domain.VendorKind) json.RawMessage
}

// Config holds worker configuration
type Config struct {
	Logger          *slog.Logger
	Store           domain.JobStore
	Source          Source
	Scheduler       Scheduler
	Vendors         vendor.Set
	Sanitizer       Sanitizer
	Metrics         *metrics.Metrics
	WorkerID        string
	ConsumerTag     string
	Concurrency     int
	Prefetch        int
	MaxRetries      int
	RetryBaseDelay  time.Duration
	ShutdownTimeout time.Duration

	// Now overrides the clock; used by tests
	Now func() time.Time
}

// Worker consumes dispatch messages and drives jobs through their vendor calls
type Worker struct {
	logger          *slog.Logger
	store           domain.JobStore
	source          Source
	scheduler       Scheduler
	vendors         vendor.Set
	sanitizer       Sanitizer
	metrics         *metrics.Metrics
	workerID        string
	consumerTag     string
	concurrency     int
	prefetch        int
	maxRetries      int
	retryBaseDelay  time.Duration
	shutdownTimeout time.Duration
	now             func() time.Time

	live     *liveSet
	jobsChan chan Delivery
	wg       sync.WaitGroup

	// processing runs on jobCtx, which outlives intake and is only cancelled
	// when Stop gives up waiting
	jobCtx       context.Context
	jobCancel    context.CancelFunc
	intakeCancel context.CancelFunc

	dispatcherDone chan struct{}
	closed         chan struct{}
	closeOnce      sync.Once
	startOnce      sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:          cfg.Logger,
		store:           cfg.Store,
		source:          cfg.Source,
		scheduler:       cfg.Scheduler,
		vendors:         cfg.Vendors,
		sanitizer:       cfg.Sanitizer,
		metrics:         cfg.Metrics,
		workerID:        cfg.WorkerID,
		consumerTag:     cfg.ConsumerTag,
		concurrency:     cfg.Concurrency,
		prefetch:        cfg.Prefetch,
		maxRetries:      cfg.MaxRetries,
		retryBaseDelay:  cfg.RetryBaseDelay,
		shutdownTimeout: cfg.ShutdownTimeout,
		now:             cfg.Now,
		live:            newLiveSet(),
		jobsChan:        make(chan Delivery),
		dispatcherDone:  make(chan struct{}),
		closed:          make(chan struct{}),
	}

	if w.workerID == "" {
		w.workerID = "worker-" + uuid.NewString()[:8]
	}
	if w.consumerTag == "" {
		w.consumerTag = w.workerID
	}
	if w.concurrency <= 0 {
		w.concurrency = DefaultConcurrency
	}
	if w.prefetch <= 0 {
		w.prefetch = w.concurrency
	}
	if w.maxRetries < 0 {
		w.maxRetries = DefaultMaxRetries
	}
	if w.retryBaseDelay <= 0 {
		w.retryBaseDelay = DefaultRetryBaseDelay
	}
	if w.shutdownTimeout <= 0 {
		w.shutdownTimeout = DefaultShutdownTimeout
	}
	if w.now == nil {
		w.now = func() time.Time { return time.Now().UTC() }
	}
	if w.metrics == nil {
		w.metrics = metrics.NewNop()
	}
	w.logger = w.logger.With(slog.String("worker_id", w.workerID))

	return w
}

// Start subscribes to the source and spawns the pool. It returns once consumption
// has begun; processing continues in the background until Stop.
func (w *Worker) Start(ctx context.Context) error {
	started := false
	var err error
	w.startOnce.Do(func() {
		started = true
		err = w.start(ctx)
	})
	if !started {
		return fmt.Errorf("worker %s already started", w.workerID)
	}
	return err
}

func (w *Worker) start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.Int("concurrency", w.concurrency),
		slog.Int("max_retries", w.maxRetries),
		slog.Duration("retry_base_delay", w.retryBaseDelay),
	)

	if err := w.source.SetPrefetch(w.prefetch); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	intakeCtx, intakeCancel := context.WithCancel(ctx)
	deliveries, err := w.source.Consume(intakeCtx, w.consumerTag)
	if err != nil {
		intakeCancel()
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	w.intakeCancel = intakeCancel
	w.jobCtx, w.jobCancel = context.WithCancel(context.WithoutCancel(ctx))

	w.spawnWorkerPool()
	go w.startMessageDispatcher(intakeCtx, deliveries)

	w.logger.Info("Worker started", slog.String("consumer_tag", w.consumerTag))
	return nil
}

// Closed is closed when the message source ends without Stop being called,
// which usually means the broker connection was lost
func (w *Worker) Closed() <-chan struct{} {
	return w.closed
}

// ActiveJobs returns the jobs currently being processed
func (w *Worker) ActiveJobs() []ActiveJob {
	return w.live.snapshot()
}

// Stop stops intake and waits for in-flight jobs. If they have not finished within
// the shutdown timeout (or ctx ends first) their contexts are cancelled and
// ErrShutdownTimeout is returned; their messages are left to redelivery.
func (w *Worker) Stop(ctx context.Context) error {
	if w.intakeCancel == nil {
		return nil
	}

	w.logger.Info("Stopping worker...",
		slog.Int("active_jobs", w.live.len()),
	)

	w.intakeCancel()
	<-w.dispatcherDone

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(w.shutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		w.jobCancel()
		w.logger.Info("Worker stopped")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	active := w.live.snapshot()
	ids := make([]string, len(active))
	for i, job := range active {
		ids[i] = job.RequestID
	}
	w.logger.Warn("Worker shutdown timeout exceeded, abandoning in-flight jobs",
		slog.Any("request_ids", ids),
	)
	w.jobCancel()

	return fmt.Errorf("%w: %d jobs still in flight", ErrShutdownTimeout, len(active))
}

func (w *Worker) markClosed() {
	w.closeOnce.Do(func() { close(w.closed) })
}
