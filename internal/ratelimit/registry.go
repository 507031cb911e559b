package ratelimit

import (
	"fmt"
	"sort"

	"github.com/cuongbtq/vendor-dispatch/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// Settings is the rate and burst for one vendor
type Settings struct {
	RatePerSecond float64
	Burst         int
}

// Registry owns one limiter per vendor kind
type Registry struct {
	limiters map[domain.VendorKind]*Limiter
}

// NewRegistry builds a limiter for every vendor in settings. waits may be nil.
func NewRegistry(settings map[domain.VendorKind]Settings, waits *prometheus.HistogramVec) (*Registry, error) {
	r := &Registry{limiters: make(map[domain.VendorKind]*Limiter, len(settings))}

	for kind, s := range settings {
		var opts []Option
		if waits != nil {
			opts = append(opts, WithWaitObserver(waits.WithLabelValues(string(kind))))
		}

		l, err := New(string(kind), s.RatePerSecond, s.Burst, opts...)
		if err != nil {
			return nil, err
		}
		r.limiters[kind] = l
	}

	return r, nil
}

// For returns the limiter for a vendor kind
func (r *Registry) For(kind domain.VendorKind) (*Limiter, error) {
	l, ok := r.limiters[kind]
	if !ok {
		return nil, fmt.Errorf("no rate limiter configured for vendor %q", kind)
	}
	return l, nil
}

// Statuses returns a snapshot of every limiter, ordered by vendor name
func (r *Registry) Statuses() []Status {
	out := make([]Status, 0, len(r.limiters))
	for _, l := range r.limiters {
		out = append(out, l.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
