package httpapi

import (
	"log/slog"
	"net/http"

	"marketplace-calls/internal/metrics"
	"marketplace-calls/internal/push"
	"marketplace-calls/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Ready reports whether the backend's dependencies are reachable.
type Ready func() error

type RouterDeps struct {
	Handlers Handlers
	Push     *push.Gateway
	Metrics  *metrics.Metrics
	Log      *slog.Logger
	Ready    Ready
}

// NewRouter builds the complete reference backend: call API, push gateway,
// health and metrics.
func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if d.Log != nil {
		r.Use(logger.Middleware(d.Log))
	}
	if d.Metrics != nil {
		r.Use(d.Metrics.GinMiddleware())
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	r.GET("/healthz", func(c *gin.Context) {
		if d.Ready != nil {
			if err := d.Ready(); err != nil {
				logger.FromGin(c).Warn("not ready", "err", err)
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	d.Handlers.Register(r)
	if d.Push != nil {
		d.Push.Register(r)
	}
	return r
}
