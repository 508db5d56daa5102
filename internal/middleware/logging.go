package middleware

import (
	"strconv"
	"time"

	"github.com/chronoslabs/chronos-compressor/internal/logging"
	"github.com/chronoslabs/chronos-compressor/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDHeader carries the request ID in both directions
const RequestIDHeader = "X-Request-ID"

const requestIDKey = "request_id"

// RequestID reuses the caller's request ID or generates one
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// GetRequestID returns the ID set by RequestID
func GetRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// Logger middleware logs request details
func Logger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if query := c.Request.URL.RawQuery; query != "" {
			path = path + "?" + query
		}

		c.Next()

		l := logger
		if id := GetRequestID(c); id != "" {
			l = l.WithRequestID(id)
		}
		if len(c.Errors) > 0 {
			l = l.WithField("errors", c.Errors.String())
		}
		l.LogHTTPRequest(c.Request.Method, path, c.ClientIP(), c.Writer.Status(), time.Since(start))
	}
}

// Metrics records request counts and latencies by route
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status()), time.Since(start).Seconds())
	}
}
