package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/vendor-dispatch/internal/domain"
	"github.com/cuongbtq/vendor-dispatch/internal/metrics"
	"github.com/cuongbtq/vendor-dispatch/internal/sanitizer"
	"github.com/cuongbtq/vendor-dispatch/internal/storage"
	"github.com/cuongbtq/vendor-dispatch/internal/vendor"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRequestID = "6f1c2d3e-4a5b-4c6d-8e7f-9a0b1c2d3e4f"

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type dispatchFunc func(ctx context.Context, requestID string, payload json.RawMessage) (*vendor.Result, error)

type fakeClient struct {
	kind     domain.VendorKind
	dispatch dispatchFunc

	mu       sync.Mutex
	payloads []json.RawMessage
}

func (c *fakeClient) Kind() domain.VendorKind { return c.kind }

func (c *fakeClient) Dispatch(ctx context.Context, requestID string, payload json.RawMessage) (*vendor.Result, error) {
	c.mu.Lock()
	c.payloads = append(c.payloads, payload)
	c.mu.Unlock()
	return c.dispatch(ctx, requestID, payload)
}

func (c *fakeClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

type scheduled struct {
	msg   domain.DispatchMessage
	delay time.Duration
}

type fakeScheduler struct {
	mu    sync.Mutex
	items []scheduled
	err   error
}

func (s *fakeScheduler) Schedule(_ context.Context, msg domain.DispatchMessage, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.items = append(s.items, scheduled{msg: msg, delay: delay})
	return nil
}

// failingSaveStore fails every Save after the first n
type failingSaveStore struct {
	*storage.Memory
	mu    sync.Mutex
	saves int
	okN   int
}

func (s *failingSaveStore) Save(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	s.saves++
	n := s.saves
	s.mu.Unlock()
	if n > s.okN {
		return errors.New("connection reset")
	}
	return s.Memory.Save(ctx, job)
}

type testEnv struct {
	worker    *Worker
	store     *storage.Memory
	scheduler *fakeScheduler
	metrics   *metrics.Metrics
	sync      *fakeClient
	async     *fakeClient
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		store:     storage.NewMemory(),
		scheduler: &fakeScheduler{},
		metrics:   metrics.NewNop(),
		sync: &fakeClient{kind: domain.VendorSync, dispatch: func(context.Context, string, json.RawMessage) (*vendor.Result, error) {
			return &vendor.Result{StatusCode: 200, Body: json.RawMessage(`{"name":"  Ada ","contact":"ada@example.com","note":""}`)}, nil
		}},
		async: &fakeClient{kind: domain.VendorAsync, dispatch: func(context.Context, string, json.RawMessage) (*vendor.Result, error) {
			return &vendor.Result{StatusCode: 202, Accepted: true}, nil
		}},
	}
	env.worker = env.build(env.store, vendor.NewSet(env.sync, env.async))
	return env
}

func (e *testEnv) build(store domain.JobStore, vendors vendor.Set) *Worker {
	return NewWorker(&Config{
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:          store,
		Source:         newFakeSource(),
		Scheduler:      e.scheduler,
		Vendors:        vendors,
		Sanitizer:      sanitizer.New(),
		Metrics:        e.metrics,
		WorkerID:       "test-worker",
		Concurrency:    2,
		MaxRetries:     3,
		RetryBaseDelay: time.Second,
		Now:            func() time.Time { return fixedNow },
	})
}

func (e *testEnv) seed(t *testing.T, kind domain.VendorKind, mutate func(j *domain.Job)) {
	t.Helper()
	job := domain.NewJob(testRequestID, kind, json.RawMessage(`{"order":42}`), fixedNow)
	if mutate != nil {
		mutate(job)
	}
	require.NoError(t, e.store.Create(context.Background(), job))
}

func (e *testEnv) job(t *testing.T) *domain.Job {
	t.Helper()
	job, err := e.store.Get(context.Background(), testRequestID)
	require.NoError(t, err)
	return job
}

func message(kind domain.VendorKind, retryCount int) []byte {
	body, _ := json.Marshal(domain.DispatchMessage{
		RequestID:  testRequestID,
		Vendor:     kind,
		Payload:    json.RawMessage(`{"order":42}`),
		Retry:      retryCount > 0,
		RetryCount: retryCount,
	})
	return body
}

func vendorFailure(kind domain.VendorKind) dispatchFunc {
	return func(context.Context, string, json.RawMessage) (*vendor.Result, error) {
		return nil, &domain.VendorCallError{Vendor: kind, StatusCode: 503, Err: errors.New("unavailable")}
	}
}

func TestHandleMessage_SyncSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, domain.VendorSync, nil)

	require.NoError(t, env.worker.HandleMessage(context.Background(), message(domain.VendorSync, 0)))

	job := env.job(t)
	assert.Equal(t, domain.StatusComplete, job.Status)
	assert.JSONEq(t, `{"name":"  Ada ","contact":"ada@example.com","note":""}`, string(job.VendorResponse))
	require.NotNil(t, job.CompletedAt)

	var cleaned map[string]any
	require.NoError(t, json.Unmarshal(job.CleanedData, &cleaned))
	assert.Equal(t, "Ada", cleaned["name"])
	assert.Equal(t, sanitizer.MaskEmail, cleaned["contact"])
	assert.NotContains(t, cleaned, "note")
	assert.Contains(t, cleaned, sanitizer.MetadataKey)

	assert.JSONEq(t, `{"order":42}`, string(env.sync.payloads[0]))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.JobsFinished.WithLabelValues("sync", "complete")))
	assert.Equal(t, 0.0, testutil.ToFloat64(env.metrics.InFlight))
	assert.Empty(t, env.worker.ActiveJobs())
}

func TestHandleMessage_AsyncAccepted(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, domain.VendorAsync, nil)

	require.NoError(t, env.worker.HandleMessage(context.Background(), message(domain.VendorAsync, 0)))

	job := env.job(t)
	assert.Equal(t, domain.StatusProcessing, job.Status)
	assert.True(t, job.AwaitingCallback)
	assert.Nil(t, job.CleanedData)
	assert.Nil(t, job.CompletedAt)

	// a redelivered copy must not dispatch twice
	require.NoError(t, env.worker.HandleMessage(context.Background(), message(domain.VendorAsync, 0)))
	assert.Equal(t, 1, env.async.calls())
}

func TestHandleMessage_FallsBackToMessagePayload(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, domain.VendorSync, func(j *domain.Job) { j.OriginalPayload = nil })

	require.NoError(t, env.worker.HandleMessage(context.Background(), message(domain.VendorSync, 0)))
	assert.JSONEq(t, `{"order":42}`, string(env.sync.payloads[0]))
}

func TestHandleMessage_SchedulesRetry(t *testing.T) {
	env := newTestEnv(t)
	env.sync.dispatch = vendorFailure(domain.VendorSync)
	env.seed(t, domain.VendorSync, nil)

	require.NoError(t, env.worker.HandleMessage(context.Background(), message(domain.VendorSync, 0)))

	job := env.job(t)
	assert.Equal(t, domain.StatusPending, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Contains(t, job.ErrorMessage, "HTTP 503")

	require.Len(t, env.scheduler.items, 1)
	next := env.scheduler.items[0]
	assert.Equal(t, testRequestID, next.msg.RequestID)
	assert.Equal(t, domain.VendorSync, next.msg.Vendor)
	assert.True(t, next.msg.Retry)
	assert.Equal(t, 1, next.msg.RetryCount)
	assert.Equal(t, time.Second, next.delay)

	// the delayed message drives the second attempt, with a longer backoff on failure
	require.NoError(t, env.worker.HandleMessage(context.Background(), message(domain.VendorSync, 1)))
	require.Len(t, env.scheduler.items, 2)
	assert.Equal(t, 2, env.scheduler.items[1].msg.RetryCount)
	assert.Equal(t, 2*time.Second, env.scheduler.items[1].delay)
	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.RetriesScheduled.WithLabelValues("sync")))
}

// drainRetries feeds each scheduled retry back to the worker, as the delay queue would
func (e *testEnv) drainRetries(t *testing.T) {
	t.Helper()
	for handled := 0; handled < len(e.scheduler.items); handled++ {
		body, err := json.Marshal(e.scheduler.items[handled].msg)
		require.NoError(t, err)
		require.NoError(t, e.worker.HandleMessage(context.Background(), body))
	}
}

func TestHandleMessage_SucceedsOnThirdAttempt(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, domain.VendorSync, nil)

	succeed := env.sync.dispatch
	fail := vendorFailure(domain.VendorSync)
	attempts := 0
	env.sync.dispatch = func(ctx context.Context, id string, payload json.RawMessage) (*vendor.Result, error) {
		attempts++
		if attempts <= 2 {
			return fail(ctx, id, payload)
		}
		return succeed(ctx, id, payload)
	}

	require.NoError(t, env.worker.HandleMessage(context.Background(), message(domain.VendorSync, 0)))
	env.drainRetries(t)

	job := env.job(t)
	assert.Equal(t, domain.StatusComplete, job.Status)
	assert.Equal(t, 2, job.RetryCount)
	assert.NotNil(t, job.CleanedData)
	assert.Equal(t, 3, env.sync.calls())
}

func TestHandleMessage_ExhaustsRetries(t *testing.T) {
	env := newTestEnv(t)
	env.sync.dispatch = vendorFailure(domain.VendorSync)
	env.seed(t, domain.VendorSync, nil)

	require.NoError(t, env.worker.HandleMessage(context.Background(), message(domain.VendorSync, 0)))
	env.drainRetries(t)

	job := env.job(t)
	assert.Equal(t, domain.StatusFailed, job.Status)
	assert.Equal(t, 3, job.RetryCount)
	assert.NotEmpty(t, job.ErrorMessage)
	assert.Equal(t, 4, env.sync.calls())
	assert.Len(t, env.scheduler.items, 3)
}

func TestHandleMessage_FailsAfterMaxRetries(t *testing.T) {
	env := newTestEnv(t)
	env.async.dispatch = vendorFailure(domain.VendorAsync)
	env.seed(t, domain.VendorAsync, func(j *domain.Job) { j.RetryCount = 3 })

	require.NoError(t, env.worker.HandleMessage(context.Background(), message(domain.VendorAsync, 3)))

	job := env.job(t)
	assert.Equal(t, domain.StatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "unavailable")
	assert.Nil(t, job.CleanedData)
	assert.NotNil(t, job.CompletedAt)
	assert.Empty(t, env.scheduler.items)
}

func TestHandleMessage_ScheduleFailureIsRedelivered(t *testing.T) {
	env := newTestEnv(t)
	env.sync.dispatch = vendorFailure(domain.VendorSync)
	env.scheduler.err = errors.New("broker down")
	env.seed(t, domain.VendorSync, nil)

	err := env.worker.HandleMessage(context.Background(), message(domain.VendorSync, 0))
	require.Error(t, err)
	assert.True(t, domain.IsPersistence(err))
	assert.True(t, shouldRequeue(err))

	// the attempt is redone on redelivery
	job := env.job(t)
	assert.Equal(t, domain.StatusProcessing, job.Status)
	assert.Equal(t, 0, job.RetryCount)
}

func TestHandleMessage_SaveFailureAfterDispatch(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, domain.VendorSync, nil)
	store := &failingSaveStore{Memory: env.store, okN: 1}
	w := env.build(store, vendor.NewSet(env.sync))

	err := w.HandleMessage(context.Background(), message(domain.VendorSync, 0))
	require.Error(t, err)
	assert.True(t, domain.IsPersistence(err))

	job := env.job(t)
	assert.Equal(t, domain.StatusProcessing, job.Status)
}

func TestHandleMessage_RetrySaveFailureRepeatsAttempt(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, domain.VendorSync, nil)

	succeed := env.sync.dispatch
	fail := vendorFailure(domain.VendorSync)
	env.sync.dispatch = func(ctx context.Context, id string, payload json.RawMessage) (*vendor.Result, error) {
		if env.sync.calls() <= 2 {
			return fail(ctx, id, payload)
		}
		return succeed(ctx, id, payload)
	}

	// start is saved, the retry is scheduled, then saving the retry fails
	flaky := env.build(&failingSaveStore{Memory: env.store, okN: 1}, vendor.NewSet(env.sync))
	err := flaky.HandleMessage(context.Background(), message(domain.VendorSync, 0))
	require.Error(t, err)
	assert.True(t, shouldRequeue(err))
	require.Len(t, env.scheduler.items, 1)
	assert.Equal(t, 0, env.job(t).RetryCount)

	// the redelivered original repeats attempt 0 and schedules attempt 1 again
	require.NoError(t, env.worker.HandleMessage(context.Background(), message(domain.VendorSync, 0)))
	assert.Equal(t, 2, env.sync.calls())
	require.Len(t, env.scheduler.items, 2)
	assert.Equal(t, 1, env.scheduler.items[0].msg.RetryCount)
	assert.Equal(t, 1, env.scheduler.items[1].msg.RetryCount)
	assert.Equal(t, 1, env.job(t).RetryCount)

	env.drainRetries(t)

	// the second copy of attempt 1 finds the job finished and does not dispatch
	job := env.job(t)
	assert.Equal(t, domain.StatusComplete, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, 3, env.sync.calls())
}

func TestHandleMessage_UnsupportedVendor(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, domain.VendorAsync, nil)
	w := env.build(env.store, vendor.NewSet(env.sync))

	require.NoError(t, w.HandleMessage(context.Background(), message(domain.VendorAsync, 0)))

	job := env.job(t)
	assert.Equal(t, domain.StatusFailed, job.Status)
	assert.Equal(t, "unsupported vendor: async", job.ErrorMessage)
}

func TestHandleMessage_Skips(t *testing.T) {
	tests := []struct {
		name       string
		kind       domain.VendorKind
		mutate     func(j *domain.Job)
		retryCount int
	}{
		{
			name: "terminal job",
			kind: domain.VendorSync,
			mutate: func(j *domain.Job) {
				_ = j.StartProcessing(fixedNow)
				_ = j.Fail(fixedNow, "boom", nil)
			},
		},
		{
			name: "awaiting callback",
			kind: domain.VendorAsync,
			mutate: func(j *domain.Job) {
				_ = j.StartProcessing(fixedNow)
				_ = j.AwaitCallback(fixedNow)
			},
		},
		{
			name:       "superseded retry",
			kind:       domain.VendorSync,
			mutate:     func(j *domain.Job) { j.RetryCount = 2 },
			retryCount: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.seed(t, tt.kind, tt.mutate)
			before := env.job(t)

			require.NoError(t, env.worker.HandleMessage(context.Background(), message(tt.kind, tt.retryCount)))

			assert.Equal(t, before, env.job(t))
			assert.Zero(t, env.sync.calls()+env.async.calls())
		})
	}
}

func TestHandleMessage_AheadOfStoredState(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, domain.VendorSync, nil)

	err := env.worker.HandleMessage(context.Background(), message(domain.VendorSync, 1))
	assert.ErrorIs(t, err, domain.ErrStaleJobState)
	assert.True(t, shouldRequeue(err))
	assert.Zero(t, env.sync.calls())
}

func TestHandleMessage_UnknownJob(t *testing.T) {
	env := newTestEnv(t)
	assert.NoError(t, env.worker.HandleMessage(context.Background(), message(domain.VendorSync, 0)))
}

func TestHandleMessage_Malformed(t *testing.T) {
	env := newTestEnv(t)

	for _, body := range []string{`not json`, `{"request_id":"abc","vendor":"sync"}`, `{"request_id":"` + testRequestID + `","vendor":"fax"}`} {
		err := env.worker.HandleMessage(context.Background(), []byte(body))
		assert.ErrorIs(t, err, domain.ErrValidation, body)
		assert.False(t, shouldRequeue(err))
	}
}

func TestHandleMessage_Interrupted(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, domain.VendorSync, nil)

	ctx, cancel := context.WithCancel(context.Background())
	env.sync.dispatch = func(ctx context.Context, _ string, _ json.RawMessage) (*vendor.Result, error) {
		cancel()
		return nil, &domain.VendorCallError{Vendor: domain.VendorSync, Err: ctx.Err()}
	}

	err := env.worker.HandleMessage(ctx, message(domain.VendorSync, 0))
	require.Error(t, err)
	assert.True(t, shouldRequeue(err))
	assert.Empty(t, env.scheduler.items)
	assert.Equal(t, 0, env.job(t).RetryCount)
}

func TestShouldRequeue(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"validation", domain.NewValidationError("bad"), false},
		{"persistence", domain.NewPersistenceError("save", errors.New("x")), true},
		{"stale state", domain.ErrStaleJobState, true},
		{"interrupted", errInterrupted, true},
		{"cancelled", context.Canceled, true},
		{"unknown", errors.New("surprise"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldRequeue(tt.err))
		})
	}
}
