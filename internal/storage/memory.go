package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cuongbtq/vendor-dispatch/internal/domain"
)

// Memory is an in-process JobStore. Jobs are copied on the way in and out, so
// callers never share state with the store.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*domain.Job)}
}

// Create inserts a new job
func (m *Memory) Create(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.RequestID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrAlreadyExists, job.RequestID)
	}
	m.jobs[job.RequestID] = job.Clone()
	return nil
}

// Get loads a job by request id
func (m *Memory) Get(_ context.Context, requestID string) (*domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[requestID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job.Clone(), nil
}

// Save replaces a non-terminal job
func (m *Memory) Save(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.jobs[job.RequestID]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Status.IsTerminal() {
		return fmt.Errorf("%w: job %s is already %s", domain.ErrInvalidTransition, job.RequestID, current.Status)
	}
	m.jobs[job.RequestID] = job.Clone()
	return nil
}

// List returns up to filter.PageSize+1 jobs, newest first
func (m *Memory) List(_ context.Context, filter domain.JobFilter) ([]*domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.Job
	for _, job := range m.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Vendor != "" && job.VendorKind != filter.Vendor {
			continue
		}
		if c := filter.Cursor; c != nil && !before(job, c) {
			continue
		}
		out = append(out, job.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		return before(out[j], &domain.JobCursor{CreatedAt: out[i].CreatedAt, RequestID: out[i].RequestID})
	})

	if limit := filter.PageSize + 1; filter.PageSize > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds
func (m *Memory) Ping(context.Context) error {
	return nil
}

// before reports whether job sorts after the cursor position in newest-first order
func before(job *domain.Job, c *domain.JobCursor) bool {
	if job.CreatedAt.Equal(c.CreatedAt) {
		return job.RequestID < c.RequestID
	}
	return job.CreatedAt.Before(c.CreatedAt)
}
