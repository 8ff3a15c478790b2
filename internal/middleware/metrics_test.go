package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/11PRIMUS/memento3/internal/metrics"
)

func TestMetricsLabelsByRoutePattern(t *testing.T) {
	m := metrics.New(nil)
	app := fiber.New()
	app.Use(Metrics(m))
	app.Get("/repositories/:id", func(c fiber.Ctx) error {
		return c.SendString(c.Params("id"))
	})
	app.Get("/boom", func(c fiber.Ctx) error {
		return c.Status(fiber.StatusBadGateway).SendString("upstream")
	})

	for _, path := range []string{"/repositories/1", "/repositories/2", "/boom"} {
		resp, err := app.Test(httptest.NewRequest("GET", path, nil))
		require.NoError(t, err)
		resp.Body.Close()
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/repositories/:id", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/boom", "502")))
}
