package httpapi

import (
	"strconv"
	"time"

	"marketplace-wallet/internal/metrics"

	"github.com/gin-gonic/gin"
)

// RequestMetrics records count and latency per route template.
func RequestMetrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequest(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
