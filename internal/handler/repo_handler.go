package handler

import (
	"bufio"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/11PRIMUS/memento3/internal/domain"
	"github.com/11PRIMUS/memento3/internal/service"
)

// RepoHandler serves repository registration, listing, commits and search.
type RepoHandler struct {
	repos    *service.RepoService
	analysis *service.AnalysisEngine
	events   *service.RepoEventBus
}

// NewRepoHandler creates a new repo handler.
func NewRepoHandler(repos *service.RepoService, analysis *service.AnalysisEngine, events *service.RepoEventBus) *RepoHandler {
	return &RepoHandler{repos: repos, analysis: analysis, events: events}
}

// Register sets up repository routes.
func (h *RepoHandler) Register(router fiber.Router) {
	repos := router.Group("/repositories")
	repos.Get("/", h.List)
	repos.Post("/", h.Create)
	repos.Get("/events", h.StreamEvents)
	repos.Get("/:id", h.Get)
	repos.Delete("/:id", h.Delete)
	repos.Post("/:id/ingest", h.Ingest)
	repos.Post("/:id/reindex", h.Reindex)
	repos.Get("/:id/commits", h.Commits)
	repos.Get("/:id/commits/:sha", h.Commit)
	repos.Get("/:id/commits/:sha/diff", h.Diff)
	repos.Get("/:id/stats", h.Stats)
	repos.Post("/:id/search", h.Search)
}

type createRepoResponse struct {
	*domain.Repository
	JobID string `json:"job_id"`
}

// Create registers a repository and schedules its ingestion.
func (h *RepoHandler) Create(c fiber.Ctx) error {
	var body struct {
		URL        string `json:"url"`
		MaxCommits int    `json:"max_commits"`
	}
	if err := c.Bind().JSON(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if body.URL == "" {
		return badRequest(c, "url is required")
	}

	repo, job, err := h.repos.Register(c.Context(), body.URL, body.MaxCommits)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(createRepoResponse{Repository: repo, JobID: job.ID})
}

// List returns a page of repositories.
func (h *RepoHandler) List(c fiber.Ctx) error {
	page, perPage, err := pagination(c, domain.DefaultRepositoryPerPage)
	if err != nil {
		return fail(c, err)
	}
	p, err := h.repos.List(c.Context(), page, perPage)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{
		"repositories": p.Items,
		"total":        p.Total,
		"page":         p.Page,
		"per_page":     p.PerPage,
		"has_next":     p.HasNext,
	})
}

// Get returns one repository.
func (h *RepoHandler) Get(c fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, err)
	}
	repo, err := h.repos.Get(c.Context(), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(repo)
}

// Delete removes a repository and everything derived from it.
func (h *RepoHandler) Delete(c fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, err)
	}
	if err := h.repos.Delete(c.Context(), id); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"message": "Repository deleted successfully"})
}

// Ingest queues a new ingestion run.
func (h *RepoHandler) Ingest(c fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, err)
	}
	job, err := h.repos.Refresh(c.Context(), id)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"job_id": job.ID, "message": "ingestion started"})
}

// Reindex queues a rebuild of the repository's embeddings.
func (h *RepoHandler) Reindex(c fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, err)
	}
	job, err := h.repos.Reindex(c.Context(), id)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"job_id": job.ID, "message": "reindexing started"})
}

// Commits returns a page of stored commits.
func (h *RepoHandler) Commits(c fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, err)
	}
	page, perPage, err := pagination(c, domain.DefaultRepositoryPerPage)
	if err != nil {
		return fail(c, err)
	}
	p, err := h.repos.Commits(c.Context(), id, page, perPage)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{
		"commits":  p.Items,
		"total":    p.Total,
		"page":     p.Page,
		"per_page": p.PerPage,
		"has_next": p.HasNext,
	})
}

// Commit returns a stored commit.
func (h *RepoHandler) Commit(c fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, err)
	}
	sha := c.Params("sha")
	if !domain.IsCommitHash(sha) {
		return badRequest(c, "sha must be a full 40-character commit hash")
	}
	commit, err := h.repos.Commit(c.Context(), id, sha)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(commit)
}

// Diff returns the unified diff of a stored commit as plain text.
func (h *RepoHandler) Diff(c fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, err)
	}
	sha := c.Params("sha")
	if !domain.IsCommitHash(sha) {
		return badRequest(c, "sha must be a full 40-character commit hash")
	}
	diff, err := h.repos.Diff(c.Context(), id, sha)
	if err != nil {
		return fail(c, err)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.SendString(diff)
}

// Stats reports embedding progress.
func (h *RepoHandler) Stats(c fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, err)
	}
	stats, err := h.repos.Stats(c.Context(), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(stats)
}

// Search returns the commits most similar to a free-text query.
func (h *RepoHandler) Search(c fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, err)
	}
	var body struct {
		Query     string   `json:"query"`
		Limit     int      `json:"limit"`
		Threshold *float64 `json:"similarity_threshold"`
	}
	if err := c.Bind().JSON(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if body.Limit == 0 {
		body.Limit = domain.DefaultAnalysisCommits
	}
	if body.Limit < 1 || body.Limit > domain.MaxAnalysisCommits {
		return badRequest(c, "limit must be between 1 and 50")
	}
	threshold := domain.DefaultSimilarityCutoff
	if body.Threshold != nil {
		threshold = *body.Threshold
	}
	if threshold < 0 || threshold > 1 {
		return badRequest(c, "similarity_threshold must be between 0 and 1")
	}

	if _, err := h.repos.Get(c.Context(), id); err != nil {
		return fail(c, err)
	}
	hits, err := h.analysis.FindSimilar(c.Context(), body.Query, id, body.Limit, threshold)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"query": body.Query, "results": hits, "count": len(hits)})
}

// StreamEvents streams repository status changes via SSE.
func (h *RepoHandler) StreamEvents(c fiber.Ctx) error {
	sseHeaders(c)
	ch := h.events.Subscribe()

	return c.SendStreamWriter(func(w *bufio.Writer) {
		defer h.events.Unsubscribe(ch)

		if err := writeComment(w, "connected"); err != nil {
			return
		}
		heartbeat := time.NewTicker(heartbeatEvery)
		defer heartbeat.Stop()

		for {
			select {
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if err := writeEvent(w, "repo_status", evt); err != nil {
					slog.Debug("repository event stream closed", "error", err)
					return
				}
			case <-heartbeat.C:
				if err := writeComment(w, "ping"); err != nil {
					return
				}
			}
		}
	})
}
