package middleware

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/11PRIMUS/memento3/internal/metrics"
)

// Metrics records request counts and latency per route pattern, and logs
// server errors.
func Metrics(m *metrics.Metrics) fiber.Handler {
	return func(c fiber.Ctx) error {
		start := time.Now()

		// Fiber reuses context objects, so read request data before Next.
		method := c.Method()
		path := c.Path()

		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			// The error handler has not written the response yet.
			status = fiber.StatusInternalServerError
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			}
		}
		route := c.Route().Path
		if status == fiber.StatusNotFound && (route == "" || route == "/") {
			route = "unmatched"
		}
		elapsed := time.Since(start)

		m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
		m.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())

		if status >= fiber.StatusInternalServerError {
			slog.Error("request failed",
				"method", method,
				"path", path,
				"status", status,
				"duration_ms", elapsed.Milliseconds(),
			)
		}
		return err
	}
}
