package handler

import (
	"github.com/gofiber/fiber/v3"

	"github.com/11PRIMUS/memento3/internal/service"
)

// HealthHandler serves readiness and global statistics.
type HealthHandler struct {
	repos *service.RepoService
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(repos *service.RepoService) *HealthHandler {
	return &HealthHandler{repos: repos}
}

// Register sets up health and stats routes.
func (h *HealthHandler) Register(router fiber.Router) {
	router.Get("/health", h.Health)
	router.Get("/stats", h.Stats)
}

// Health reports the service and dependency status. A failed store ping
// answers 503.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	health := h.repos.Health(c.Context())
	status := fiber.StatusOK
	if health.Status != "healthy" {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(health)
}

// Stats returns totals across all repositories.
func (h *HealthHandler) Stats(c fiber.Ctx) error {
	stats, err := h.repos.GlobalStats(c.Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(stats)
}
