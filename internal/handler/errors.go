package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v3"

	"github.com/11PRIMUS/memento3/internal/port"
)

// statusFor maps the port error taxonomy to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, port.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, port.ErrInvalidInput),
		errors.Is(err, port.ErrPrecondition),
		errors.Is(err, port.ErrAlreadyExists):
		return fiber.StatusBadRequest
	case errors.Is(err, port.ErrIndexingInProgress):
		return fiber.StatusConflict
	case errors.Is(err, port.ErrQueueFull):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, port.ErrUpstream):
		return fiber.StatusBadGateway
	}
	return fiber.StatusInternalServerError
}

// fail writes err as {"error": msg}. Internal faults are logged and their
// details withheld from the client.
func fail(c fiber.Ctx, err error) error {
	status := statusFor(err)
	msg := err.Error()
	switch {
	case errors.Is(err, port.ErrAlreadyExists):
		msg = "Repository already exists"
	case status == fiber.StatusInternalServerError:
		slog.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
		msg = "internal server error"
	}
	return c.Status(status).JSON(fiber.Map{"error": msg})
}

func badRequest(c fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

// paramID parses a positive integer path parameter.
func paramID(c fiber.Ctx, key string) (int64, error) {
	id, err := strconv.ParseInt(c.Params(key), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", port.ErrInvalidInput, key)
	}
	return id, nil
}

// queryInt reads an integer query param with a default value.
func queryInt(c fiber.Ctx, key string, defaultVal int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", port.ErrInvalidInput, key)
	}
	return n, nil
}

// pagination reads page and per_page.
func pagination(c fiber.Ctx, defaultPerPage int) (int, int, error) {
	page, err := queryInt(c, "page", 1)
	if err != nil {
		return 0, 0, err
	}
	perPage, err := queryInt(c, "per_page", defaultPerPage)
	if err != nil {
		return 0, 0, err
	}
	return page, perPage, nil
}
