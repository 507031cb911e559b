package router

import (
	"github.com/cuongbtq/vendor-dispatch/internal/api/handler"
	"github.com/cuongbtq/vendor-dispatch/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options controls routes outside the job API
type Options struct {
	MetricsPath string
	Gatherer    prometheus.Gatherer
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}

	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(MetricsMiddleware(deps.Metrics))
	r.Use(CORSMiddleware())

	healthHandler := handler.NewHealthHandler(deps)
	r.GET("/health", healthHandler.Health)

	if opts.Gatherer != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	jobHandler := handler.NewJobHandler(deps)
	webhookHandler := handler.NewWebhookHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Submit a payload for vendor processing
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:request_id - Get job status and result
			jobs.GET("/:request_id", jobHandler.GetJob)
		}
	}

	// POST /vendor-webhook/:vendor - Async vendor completion callback
	r.POST("/vendor-webhook/:vendor", webhookHandler.HandleVendorWebhook)

	return r
}
