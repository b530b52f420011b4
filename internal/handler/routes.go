package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mirror-proxy-go/internal/config"
	"mirror-proxy-go/internal/metrics"
)

// RegisterRoutes wires the health endpoints, the optional metrics
// endpoint, and the proxy middleware onto the Echo instance. The proxy
// runs as middleware so that unmatched paths fall through to the
// registered routes (and ultimately Echo's 404 handler).
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(
			promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}),
		))
	}

	e.Use(proxy.Middleware())
}
