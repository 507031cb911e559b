package main

import (
	"net/http"
	"time"

	"github.com/cuongbtq/vendor-dispatch/internal/ratelimit"
	"github.com/cuongbtq/vendor-dispatch/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type workerState interface {
	ActiveJobs() []worker.ActiveJob
}

type limiterState interface {
	Statuses() []ratelimit.Status
}

type queueState interface {
	IsConnected() bool
}

// newStatusRouter serves the worker's side listener: liveness plus metrics
func newStatusRouter(w workerState, limiters limiterState, queue queueState, gatherer prometheus.Gatherer, metricsPath string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		code := http.StatusOK
		status := "healthy"
		if !queue.IsConnected() {
			code = http.StatusServiceUnavailable
			status = "unhealthy"
		}

		c.JSON(code, gin.H{
			"status":      status,
			"queue":       queue.IsConnected(),
			"active_jobs": w.ActiveJobs(),
			"limiters":    limiters.Statuses(),
			"time":        time.Now().UTC().Format(time.RFC3339),
		})
	})

	if gatherer != nil {
		r.GET(metricsPath, gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	return r
}
