package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Job is the durable record of one client request routed to a vendor.
//
// CleanedData is non-nil exactly when Status is StatusComplete, and CompletedAt is
// set once when the job reaches a terminal status. The transition methods below are
// the only code that mutates Status.
type Job struct {
	RequestID       string
	VendorKind      VendorKind
	Status          Status
	OriginalPayload json.RawMessage
	VendorResponse  json.RawMessage
	CleanedData     json.RawMessage
	ErrorMessage    string
	RetryCount      int

	// AwaitingCallback marks a processing async job whose dispatch the vendor accepted
	AwaitingCallback bool

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// NewJob returns a pending job for the given payload
func NewJob(requestID string, kind VendorKind, payload json.RawMessage, now time.Time) *Job {
	return &Job{
		RequestID:       requestID,
		VendorKind:      kind,
		Status:          StatusPending,
		OriginalPayload: payload,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Clone returns a deep copy of the job
func (j *Job) Clone() *Job {
	c := *j
	c.OriginalPayload = cloneRaw(j.OriginalPayload)
	c.VendorResponse = cloneRaw(j.VendorResponse)
	c.CleanedData = cloneRaw(j.CleanedData)
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// StartProcessing moves a pending job to processing. A processing job that is not yet
// awaiting a callback may be restarted, which happens when a message is redelivered
// after a worker died mid-dispatch.
func (j *Job) StartProcessing(now time.Time) error {
	if j.Status != StatusPending && (j.Status != StatusProcessing || j.AwaitingCallback) {
		return j.transitionError(StatusProcessing)
	}
	j.Status = StatusProcessing
	j.AwaitingCallback = false
	j.UpdatedAt = now
	return nil
}

// AwaitCallback records that the async vendor accepted the dispatch
func (j *Job) AwaitCallback(now time.Time) error {
	if j.Status != StatusProcessing || j.AwaitingCallback || j.VendorKind != VendorAsync {
		return fmt.Errorf("%w: cannot await callback from %s (vendor %s)", ErrInvalidTransition, j.Status, j.VendorKind)
	}
	j.AwaitingCallback = true
	j.UpdatedAt = now
	return nil
}

// Complete stores the vendor response and its sanitized form and finalizes the job
func (j *Job) Complete(now time.Time, vendorResponse, cleaned json.RawMessage) error {
	if j.Status != StatusProcessing {
		return j.transitionError(StatusComplete)
	}
	if len(cleaned) == 0 {
		cleaned = json.RawMessage("null")
	}
	j.Status = StatusComplete
	j.VendorResponse = cloneRaw(vendorResponse)
	j.CleanedData = cloneRaw(cleaned)
	j.ErrorMessage = ""
	j.AwaitingCallback = false
	j.finish(now)
	return nil
}

// Fail finalizes the job with an error message. The vendor response, when one was
// received, is kept for diagnosis; cleaned data never is.
func (j *Job) Fail(now time.Time, errMsg string, vendorResponse json.RawMessage) error {
	if j.Status != StatusProcessing {
		return j.transitionError(StatusFailed)
	}
	j.Status = StatusFailed
	j.ErrorMessage = errMsg
	if vendorResponse != nil {
		j.VendorResponse = cloneRaw(vendorResponse)
	}
	j.CleanedData = nil
	j.AwaitingCallback = false
	j.finish(now)
	return nil
}

// ScheduleRetry returns a failed dispatch to pending and bumps the retry counter
func (j *Job) ScheduleRetry(now time.Time, errMsg string) error {
	if j.Status != StatusProcessing {
		return j.transitionError(StatusPending)
	}
	j.Status = StatusPending
	j.RetryCount++
	j.ErrorMessage = errMsg
	j.AwaitingCallback = false
	j.UpdatedAt = now
	return nil
}

// CanRetry reports whether another dispatch attempt is allowed
func (j *Job) CanRetry(maxRetries int) bool {
	return j.RetryCount < maxRetries
}

// RetryDelay returns the linear backoff before attempt number retryCount
func RetryDelay(base time.Duration, retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	return base * time.Duration(retryCount)
}

func (j *Job) finish(now time.Time) {
	j.UpdatedAt = now
	if j.CompletedAt == nil {
		t := now
		j.CompletedAt = &t
	}
}

func (j *Job) transitionError(to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
