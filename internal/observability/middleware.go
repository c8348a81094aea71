package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// AdminMiddleware records every admin API request in the HTTP metrics and
// logs it. Successful /metrics scrapes are measured but not logged.
func AdminMiddleware(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := routeLabel(c)
		status := c.Writer.Status()
		elapsed := time.Since(start)
		RecordHTTPRequest(c.Request.Method, route, status, elapsed)
		if route == "/metrics" && status < 400 {
			return
		}

		ev := logger.Debug()
		switch {
		case status >= 500:
			ev = logger.Error()
		case status >= 400:
			ev = logger.Warn()
		}
		if id := c.Param("id"); id != "" {
			ev = ev.Str("session_id", id)
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		ev.Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("elapsed", elapsed).
			Str("remote", c.ClientIP()).
			Msg("admin request")
	}
}

// routeLabel keeps metric cardinality bounded: unrouted paths share a label.
func routeLabel(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return "unmatched"
}
