package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/vendor-dispatch/internal/domain"
	"github.com/cuongbtq/vendor-dispatch/internal/sanitizer"
)

// HandleMessage processes one dispatch message body. A nil return means the message
// is done with and should be acknowledged. Validation errors must not be requeued;
// persistence errors and interrupted dispatches must be.
func (w *Worker) HandleMessage(ctx context.Context, body []byte) error {
	msg, err := domain.ParseDispatchMessage(body)
	if err != nil {
		w.logger.Error("Rejecting malformed dispatch message",
			slog.Any("error", err),
			slog.Int("body_size", len(body)),
		)
		return err
	}

	logger := w.logger.With(
		slog.String("request_id", msg.RequestID),
		slog.Int("retry_count", msg.RetryCount),
	)

	token := w.live.add(ActiveJob{RequestID: msg.RequestID, Vendor: msg.Vendor, StartedAt: w.now()})
	w.metrics.InFlight.Inc()
	defer func() {
		w.live.remove(token)
		w.metrics.InFlight.Dec()
	}()

	job, err := w.store.Get(ctx, msg.RequestID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn("Dropping dispatch message for unknown job")
		return nil
	}
	if err != nil {
		return domain.NewPersistenceError("load job", err)
	}

	if skip, reason, err := checkCurrent(job, msg); err != nil {
		logger.Warn("Dispatch message is ahead of stored job state",
			slog.Int("stored_retry_count", job.RetryCount),
		)
		return err
	} else if skip {
		logger.Info("Skipping dispatch message",
			slog.String("reason", reason),
			slog.String("status", string(job.Status)),
		)
		return nil
	}

	err = w.process(ctx, logger, job, msg)
	if errors.Is(err, domain.ErrInvalidTransition) {
		logger.Info("Job was finished elsewhere, dropping message", slog.Any("error", err))
		return nil
	}
	return err
}

// checkCurrent decides whether msg still describes the job's next dispatch attempt
func checkCurrent(job *domain.Job, msg domain.DispatchMessage) (bool, string, error) {
	switch {
	case job.Status.IsTerminal():
		return true, "job already finished", nil
	case job.Status == domain.StatusProcessing && job.AwaitingCallback:
		return true, "job is awaiting vendor callback", nil
	case msg.RetryCount < job.RetryCount:
		return true, "superseded by a later attempt", nil
	case msg.RetryCount > job.RetryCount:
		return false, "", fmt.Errorf("%w: message attempt %d, stored attempt %d",
			domain.ErrStaleJobState, msg.RetryCount, job.RetryCount)
	default:
		return false, "", nil
	}
}

func (w *Worker) process(ctx context.Context, logger *slog.Logger, job *domain.Job, msg domain.DispatchMessage) error {
	if err := job.StartProcessing(w.now()); err != nil {
		return err
	}

	client, ok := w.vendors[job.VendorKind]
	if !ok {
		logger.Error("No client configured for vendor", slog.String("vendor", string(job.VendorKind)))
		if err := job.Fail(w.now(), fmt.Sprintf("unsupported vendor: %s", job.VendorKind), nil); err != nil {
			return err
		}
		return w.finish(ctx, logger, job)
	}

	// persisted before the call so a crashed worker leaves evidence of the attempt
	if err := w.save(ctx, job, "start processing"); err != nil {
		return err
	}

	payload := job.OriginalPayload
	if len(payload) == 0 {
		payload = msg.Payload
	}

	logger.Info("Dispatching job to vendor",
		slog.String("vendor", string(job.VendorKind)),
		slog.String("payload_hash", sanitizer.Hash(payload)),
	)

	result, err := client.Dispatch(ctx, job.RequestID, payload)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", errInterrupted, ctx.Err())
		}
		var vendorErr *domain.VendorCallError
		if !errors.As(err, &vendorErr) {
			return fmt.Errorf("%w: %v", errInterrupted, err)
		}
		w.metrics.DispatchAttempts.WithLabelValues(string(job.VendorKind), "failure").Inc()
		return w.handleDispatchFailure(ctx, logger, job, vendorErr)
	}

	w.metrics.DispatchAttempts.WithLabelValues(string(job.VendorKind), "success").Inc()

	if result.Accepted {
		if err := job.AwaitCallback(w.now()); err != nil {
			return err
		}
		if err := w.save(ctx, job, "await callback"); err != nil {
			return err
		}
		logger.Info("Vendor accepted job, awaiting callback")
		return nil
	}

	cleaned := w.sanitizer.Sanitize(result.Body, job.VendorKind)
	if err := job.Complete(w.now(), result.Body, cleaned); err != nil {
		return err
	}
	return w.finish(ctx, logger, job)
}

// handleDispatchFailure applies the retry policy. The retry is scheduled before the
// job is saved, so a failed save never loses it. The failed save requeues the
// original message, which dispatches the same attempt again without counting it
// against maxRetries. That leaves two messages for the next attempt: whichever is
// handled second is skipped once the job has moved on, but copies handled at the
// same moment can both reach the vendor.
func (w *Worker) handleDispatchFailure(ctx context.Context, logger *slog.Logger, job *domain.Job, vendorErr *domain.VendorCallError) error {
	errMsg := vendorErr.Error()

	if !job.CanRetry(w.maxRetries) {
		logger.Error("Job failed permanently",
			slog.Int("attempts", job.RetryCount+1),
			slog.String("error", errMsg),
		)
		if err := job.Fail(w.now(), errMsg, nil); err != nil {
			return err
		}
		return w.finish(ctx, logger, job)
	}

	next := domain.DispatchMessage{
		RequestID:  job.RequestID,
		Vendor:     job.VendorKind,
		Payload:    job.OriginalPayload,
		Retry:      true,
		RetryCount: job.RetryCount + 1,
	}
	delay := domain.RetryDelay(w.retryBaseDelay, next.RetryCount)

	if err := w.scheduler.Schedule(ctx, next, delay); err != nil {
		return domain.NewPersistenceError("schedule retry", err)
	}

	if err := job.ScheduleRetry(w.now(), errMsg); err != nil {
		return err
	}
	if err := w.save(ctx, job, "schedule retry"); err != nil {
		return err
	}

	w.metrics.RetriesScheduled.WithLabelValues(string(job.VendorKind)).Inc()
	logger.Warn("Vendor call failed, retry scheduled",
		slog.Int("attempt", job.RetryCount),
		slog.Int("max_retries", w.maxRetries),
		slog.Duration("retry_after", delay),
		slog.String("error", errMsg),
	)
	return nil
}

// finish persists a terminal job
func (w *Worker) finish(ctx context.Context, logger *slog.Logger, job *domain.Job) error {
	if err := w.save(ctx, job, "finish job"); err != nil {
		return err
	}

	w.metrics.JobsFinished.WithLabelValues(string(job.VendorKind), string(job.Status)).Inc()
	logger.Info("Job finished",
		slog.String("status", string(job.Status)),
		slog.Int("retries", job.RetryCount),
	)
	return nil
}

// save maps store failures to PersistenceError. ErrInvalidTransition passes
// through unwrapped: the stored job is already terminal.
func (w *Worker) save(ctx context.Context, job *domain.Job, op string) error {
	err := w.store.Save(ctx, job)
	if err == nil || errors.Is(err, domain.ErrInvalidTransition) {
		return err
	}
	return domain.NewPersistenceError(op, err)
}
