package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaypost/relaypost/internal/telemetry"
)

const noRouteLabel = "<no-route>"

// MetricsMiddleware records http_requests_total and
// http_request_duration_seconds for every request. The path label is the
// matched route template, so /api/v1/jobs/:id is one series regardless of
// the id. Unmatched requests share the "<no-route>" label.
//
// Register it after gin.Recovery() and RequestIDMiddleware so the final
// status code is observed.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = noRouteLabel
		}
		method := c.Request.Method

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
