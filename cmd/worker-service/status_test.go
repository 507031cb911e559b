package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuongbtq/vendor-dispatch/internal/domain"
	"github.com/cuongbtq/vendor-dispatch/internal/ratelimit"
	"github.com/cuongbtq/vendor-dispatch/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubWorker []worker.ActiveJob

func (s stubWorker) ActiveJobs() []worker.ActiveJob { return s }

type stubQueue bool

func (q stubQueue) IsConnected() bool { return bool(q) }

func TestStatusRouter(t *testing.T) {
	gin.SetMode(gin.TestMode)

	limiters, err := ratelimit.NewRegistry(map[domain.VendorKind]ratelimit.Settings{
		domain.VendorSync:  {RatePerSecond: 10, Burst: 20},
		domain.VendorAsync: {RatePerSecond: 2, Burst: 4},
	}, nil)
	require.NoError(t, err)

	active := stubWorker{{
		RequestID: "6f1c2d3e-4a5b-4c6d-8e7f-9a0b1c2d3e4f",
		Vendor:    domain.VendorSync,
		StartedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}}

	tests := []struct {
		name      string
		connected bool
		wantCode  int
		wantState string
	}{
		{name: "connected", connected: true, wantCode: http.StatusOK, wantState: "healthy"},
		{name: "disconnected", connected: false, wantCode: http.StatusServiceUnavailable, wantState: "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newStatusRouter(active, limiters, stubQueue(tt.connected), prometheus.NewRegistry(), "/metrics")

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			require.Equal(t, tt.wantCode, w.Code)

			var body struct {
				Status     string             `json:"status"`
				ActiveJobs []worker.ActiveJob `json:"active_jobs"`
				Limiters   []ratelimit.Status `json:"limiters"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantState, body.Status)
			require.Len(t, body.ActiveJobs, 1)
			assert.Equal(t, active[0].RequestID, body.ActiveJobs[0].RequestID)
			require.Len(t, body.Limiters, 2)
			assert.Equal(t, "async", body.Limiters[0].Name)
			assert.Equal(t, 20, body.Limiters[1].Burst)

			w = httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
			assert.Equal(t, http.StatusOK, w.Code)
		})
	}
}
