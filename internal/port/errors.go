package port

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors used across ports.
var (
	ErrNotFound           = errors.New("not found")
	ErrRepoNotFound       = fmt.Errorf("repository %w", ErrNotFound)
	ErrCommitNotFound     = fmt.Errorf("commit %w", ErrNotFound)
	ErrJobNotFound        = fmt.Errorf("job %w", ErrNotFound)
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidURL         = fmt.Errorf("%w: invalid repository url", ErrInvalidInput)
	ErrDimensionMismatch  = fmt.Errorf("%w: embedding dimension mismatch", ErrInvalidInput)
	ErrAlreadyExists      = errors.New("repository already exists")
	ErrPrecondition       = errors.New("repository is not ready for analysis")
	ErrIndexingInProgress = errors.New("indexing already in progress")
	ErrQueueFull          = errors.New("ingestion queue is full")
	ErrUpstream           = errors.New("upstream request failed")
	ErrUpstreamNotFound   = fmt.Errorf("upstream %w", ErrNotFound)
	ErrRateLimited        = fmt.Errorf("%w: rate limited", ErrUpstream)
	ErrPersistence        = errors.New("persistence failure")
	ErrGeneration         = errors.New("answer generation failed")
)

// UpstreamError describes a failed call to an external HTTP API.
type UpstreamError struct {
	Service     string
	StatusCode  int
	Body        string
	RateLimited bool
	Err         error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %v", e.Service, e.Err)
	}
	return fmt.Sprintf("%s API error (%d): %s", e.Service, e.StatusCode, e.Body)
}

// Unwrap exposes the taxonomy sentinel and the transport cause.
func (e *UpstreamError) Unwrap() []error {
	errs := []error{e.kind()}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func (e *UpstreamError) kind() error {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return ErrUpstreamNotFound
	case e.RateLimited, e.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return ErrUpstream
	}
}

// Temporary reports whether retrying the call may succeed.
func (e *UpstreamError) Temporary() bool {
	switch {
	case e.StatusCode == 0, e.RateLimited:
		return true
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	}
	return false
}

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return !ue.Temporary()
	}
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput)
}
