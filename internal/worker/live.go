package worker

import (
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/vendor-dispatch/internal/domain"
)

// ActiveJob is a job a worker goroutine is currently handling
type ActiveJob struct {
	RequestID string            `json:"request_id"`
	Vendor    domain.VendorKind `json:"vendor"`
	StartedAt time.Time         `json:"started_at"`
}

// liveSet is keyed per delivery: a redelivered message may overlap with the
// original for the same request id
type liveSet struct {
	mu   sync.Mutex
	next uint64
	jobs map[uint64]ActiveJob
}

func newLiveSet() *liveSet {
	return &liveSet{jobs: make(map[uint64]ActiveJob)}
}

// add tracks a job and returns the token that removes it
func (s *liveSet) add(job ActiveJob) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.jobs[s.next] = job
	return s.next
}

func (s *liveSet) remove(token uint64) {
	s.mu.Lock()
	delete(s.jobs, token)
	s.mu.Unlock()
}

func (s *liveSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// snapshot returns the active jobs, oldest first
func (s *liveSet) snapshot() []ActiveJob {
	s.mu.Lock()
	out := make([]ActiveJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
