package middleware

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jellyswarrm/jellyswarrm/metrics"
)

// RequestLogger logs every request with its request ID and timing, and — when
// m is non-nil — feeds the request-pipeline counters the admin /metrics
// endpoint exposes. Routes are grouped by Gin's matched path (e.g.
// "/items/:itemId") rather than the literal URL so cardinality stays bounded.
func RequestLogger(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		slog.Info("request",
			"request_id", c.GetString(ContextKeyRequestID),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency_ms", latency.Milliseconds(),
			"ip", c.ClientIP(),
		)

		if m != nil {
			m.RecordRequest(route, statusClass(c.Writer.Status()), latency.Seconds())
		}
	}
}

// statusClass buckets an HTTP status code into "2xx", "4xx", etc. so the
// requests_total counter's cardinality stays bounded regardless of how many
// distinct status codes a route can return.
func statusClass(status int) string {
	return fmt.Sprintf("%dxx", status/100)
}
