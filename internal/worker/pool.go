package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/vendor-dispatch/internal/domain"
)

// errInterrupted marks a dispatch abandoned before the vendor answered, e.g. while
// waiting on the rate limiter during shutdown
var errInterrupted = errors.New("dispatch interrupted")

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool() {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(i)
	}

	w.logger.Info("Worker pool spawned",
		slog.Int("worker_count", w.concurrency),
	)
}

// workerLoop processes deliveries until the dispatcher closes jobsChan
func (w *Worker) workerLoop(workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started", slog.String("worker_name", workerName))

	for delivery := range w.jobsChan {
		w.handleDelivery(w.jobCtx, workerName, delivery)
	}

	w.logger.Debug("Worker goroutine stopping - jobsChan closed", slog.String("worker_name", workerName))
}

// handleDelivery runs one message and settles it
func (w *Worker) handleDelivery(ctx context.Context, workerName string, delivery Delivery) {
	err := w.HandleMessage(ctx, delivery.Body())
	if err == nil {
		if ackErr := delivery.Ack(); ackErr != nil {
			w.logger.Error("Failed to ACK message",
				slog.String("worker_name", workerName),
				slog.Any("error", ackErr),
			)
		}
		return
	}

	requeue := shouldRequeue(err)
	w.logger.Error("Message processing failed",
		slog.String("worker_name", workerName),
		slog.Bool("requeue", requeue),
		slog.Any("error", err),
	)

	if nackErr := delivery.Nack(requeue); nackErr != nil {
		w.logger.Error("Failed to NACK message",
			slog.String("worker_name", workerName),
			slog.Any("error", nackErr),
		)
	}
}

// shouldRequeue decides whether a failed message goes back on the queue or to the
// dead-letter queue
func shouldRequeue(err error) bool {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return false
	case domain.IsPersistence(err):
		return true
	case errors.Is(err, domain.ErrStaleJobState):
		return true
	case errors.Is(err, errInterrupted), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return false
	}
}
