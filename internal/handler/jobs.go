package handler

import (
	"bufio"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/11PRIMUS/memento3/internal/service"
)

type jobCanceller interface {
	Cancel(jobID string) (service.Job, error)
}

// JobsHandler handles job-related endpoints.
type JobsHandler struct {
	tracker *service.JobTracker
	queue   jobCanceller
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(tracker *service.JobTracker, queue jobCanceller) *JobsHandler {
	return &JobsHandler{tracker: tracker, queue: queue}
}

// Register sets up job routes.
func (h *JobsHandler) Register(router fiber.Router) {
	jobs := router.Group("/jobs")
	jobs.Get("/:id", h.GetStatus)
	jobs.Get("/:id/stream", h.StreamSSE)
	jobs.Delete("/:id", h.Cancel)
}

func jobNotFound(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "job not found"})
}

// GetStatus returns the current job status.
func (h *JobsHandler) GetStatus(c fiber.Ctx) error {
	job, ok := h.tracker.Get(c.Params("id"))
	if !ok {
		return jobNotFound(c)
	}
	return c.JSON(job)
}

// Cancel stops a queued or running job.
func (h *JobsHandler) Cancel(c fiber.Ctx) error {
	job, err := h.queue.Cancel(c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(job)
}

func jobEvent(job service.Job) string {
	if job.Status.Done() {
		return string(job.Status)
	}
	return "progress"
}

// StreamSSE streams job updates via Server-Sent Events until the job finishes.
func (h *JobsHandler) StreamSSE(c fiber.Ctx) error {
	id := c.Params("id")
	job, ok := h.tracker.Get(id)
	if !ok {
		return jobNotFound(c)
	}
	sseHeaders(c)

	if job.Status.Done() {
		return c.SendStreamWriter(func(w *bufio.Writer) {
			_ = writeEvent(w, jobEvent(job), job)
		})
	}

	ch := h.tracker.Subscribe(id)
	return c.SendStreamWriter(func(w *bufio.Writer) {
		defer h.tracker.Unsubscribe(id, ch)

		// The job may have moved on between Get and Subscribe.
		if latest, ok := h.tracker.Get(id); ok {
			job = latest
		}
		if err := writeEvent(w, jobEvent(job), job); err != nil || job.Status.Done() {
			return
		}

		timeout := time.After(streamTimeout)
		for {
			select {
			case update, ok := <-ch:
				if !ok {
					return
				}
				if err := writeEvent(w, jobEvent(update), update); err != nil {
					return
				}
				if update.Status.Done() {
					return
				}
			case <-timeout:
				slog.Warn("SSE timeout", "job_id", id)
				return
			}
		}
	})
}
