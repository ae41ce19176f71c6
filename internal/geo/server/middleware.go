// Package server builds the HTTP handlers of primary and secondary sites.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/labkit/correlation"
)

// accessLog logs every finished request with its correlation ID.
func accessLog(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := logrus.Fields{
			"method":         c.Request.Method,
			"uri":            c.Request.URL.Path,
			"status":         c.Writer.Status(),
			"duration_ms":    float64(time.Since(start)) / float64(time.Millisecond),
			"correlation_id": correlation.ExtractFromContext(c.Request.Context()),
		}
		if len(c.Errors) > 0 {
			fields["error"] = c.Errors.String()
		}

		entry := logger.WithFields(fields)
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Error("finished http request")
			return
		}
		entry.Info("finished http request")
	}
}

func newEngine(logger logrus.FieldLogger) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), accessLog(logger))
	engine.GET("/-/health", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	return engine
}

// withCorrelation assigns a correlation ID to requests that don't carry one.
func withCorrelation(h http.Handler) http.Handler {
	return correlation.InjectCorrelationID(h, correlation.WithPropagation())
}
