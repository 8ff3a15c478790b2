package handler

import (
	"github.com/gofiber/fiber/v3"

	"github.com/11PRIMUS/memento3/internal/domain"
	"github.com/11PRIMUS/memento3/internal/service"
)

// AnalysisHandler answers questions about repositories.
type AnalysisHandler struct {
	engine *service.AnalysisEngine
	repos  *service.RepoService
}

// NewAnalysisHandler creates a new analysis handler.
func NewAnalysisHandler(engine *service.AnalysisEngine, repos *service.RepoService) *AnalysisHandler {
	return &AnalysisHandler{engine: engine, repos: repos}
}

// Register sets up analysis routes.
func (h *AnalysisHandler) Register(router fiber.Router) {
	analysis := router.Group("/analysis")
	analysis.Post("/analyze", h.Analyze)
	analysis.Get("/repository/:id/history", h.History)
}

// Analyze answers a question. A failed generation still returns 200 with a
// fallback answer.
func (h *AnalysisHandler) Analyze(c fiber.Ctx) error {
	var req domain.AnalysisRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	res, err := h.engine.Analyze(c.Context(), req)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(res)
}

// History returns previously answered questions, newest first.
func (h *AnalysisHandler) History(c fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, err)
	}
	page, perPage, err := pagination(c, domain.DefaultRepositoryPerPage)
	if err != nil {
		return fail(c, err)
	}
	p, err := h.repos.History(c.Context(), id, page, perPage)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{
		"analyses": p.Items,
		"total":    p.Total,
		"page":     p.Page,
		"per_page": p.PerPage,
		"has_next": p.HasNext,
	})
}
