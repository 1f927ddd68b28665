// Package httpapi exposes the two externally-pollable operations spec.md
// §6 keeps in scope once the gRPC management surface is excluded: probe
// and Prometheus metrics. Grounded on RoseWrightdev-Video-Conferencing's
// cmd/v1/session/main.go gin wiring.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"relay/management"
)

// Prober reports whether the loop is accepting frames, for liveness checks.
type Prober interface {
	Probe() error
}

// NewProbeRouter builds the liveness-probe router, bound to its own address
// per spec.md §6 so it can be health-checked independently of the metrics
// scrape port.
func NewProbeRouter(logger zerolog.Logger, prober Prober) *gin.Engine {
	router := baseRouter(logger)
	router.GET("/probe", func(c *gin.Context) {
		if err := prober.Probe(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error(), "tag": management.Tag(err)})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	return router
}

// NewMetricsRouter builds the Prometheus exposition router, bound to its
// own address so scraping is isolated from the probe port. It serves reg
// rather than the global DefaultGatherer, since metrics.New gives every
// loop its own private registry.
func NewMetricsRouter(logger zerolog.Logger, reg *prometheus.Registry) *gin.Engine {
	router := baseRouter(logger)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	return router
}

func baseRouter(logger zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(correlationID())
	router.Use(requestLog(logger))
	return router
}

const headerCorrelationID = "X-Correlation-ID"

func correlationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerCorrelationID)
		if id == "" {
			id = uuid.New().String()
		}
		c.Header(headerCorrelationID, id)
		c.Set("correlation_id", id)
		c.Next()
	}
}

func requestLog(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.Debug().
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Str("correlation_id", c.GetString("correlation_id")).
			Msg("http request")
	}
}
