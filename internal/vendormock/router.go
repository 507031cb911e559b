package vendormock

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/vendor-dispatch/internal/api/router"
	"github.com/gin-gonic/gin"
)

// NewRouter builds the simulator routes for one vendor kind: "sync" or "async"
func NewRouter(kind string, cfg Config, logger *slog.Logger) (*gin.Engine, *AsyncVendor, error) {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(router.LoggerMiddleware(logger))
	r.Use(router.CORSMiddleware())
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorBody{Error: "Not found", Message: "Endpoint not found"})
	})

	switch kind {
	case "sync":
		v := NewSyncVendor(cfg, logger)
		r.POST("/process", v.Process)
		r.GET("/health", v.Health)
		r.GET("/rate-limit", v.RateLimit)
		return r, nil, nil
	case "async":
		v := NewAsyncVendor(cfg, logger)
		r.POST("/process", v.Process)
		r.GET("/status/:request_id", v.Status)
		r.GET("/health", v.Health)
		r.GET("/rate-limit", v.RateLimit)
		return r, v, nil
	default:
		return nil, nil, fmt.Errorf("unknown vendor kind %q", kind)
	}
}
