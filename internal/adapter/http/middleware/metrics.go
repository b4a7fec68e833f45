package middleware

import (
	"strconv"
	"time"

	"token-sale-settlement/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// slowRequestThreshold marks requests worth a warning.
const slowRequestThreshold = time.Second

// HTTPMetrics collects per-route request counts and latencies.
func HTTPMetrics(m *metrics.Metrics, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()

		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		c.Next()

		duration := time.Since(start)
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		statusCode := strconv.Itoa(c.Writer.Status())

		m.RecordHTTPRequest(c.Request.Method, path, statusCode, duration)

		if duration > slowRequestThreshold {
			log.Warn().
				Str("method", c.Request.Method).
				Str("path", path).
				Str("status_code", statusCode).
				Dur("duration", duration).
				Msg("slow http request")
		}
	}
}
