package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"mirror-proxy-go/internal/config"
	"mirror-proxy-go/internal/route"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg      *config.Config
	resolver *route.Resolver
	version  Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, resolver *route.Resolver, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, resolver: resolver, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   string(h.version),
		"routes":    h.resolver.Len(),
		"tie_break": h.cfg.Proxy.TieBreak,
	})
}
