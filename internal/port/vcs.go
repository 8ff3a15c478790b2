package port

import (
	"context"

	"github.com/11PRIMUS/memento3/internal/domain"
)

// SourceControl abstracts the hosted source-control API (GitHub).
type SourceControl interface {
	// ParseURL resolves a repository URL to owner and name. It fails with
	// ErrInvalidURL when the host or path is not a repository on the provider.
	ParseURL(rawURL string) (owner, name string, err error)

	// CanonicalURL is the stored form of the repository URL.
	CanonicalURL(owner, name string) string

	// GetMetadata fetches repository metadata. A missing repository returns ErrUpstreamNotFound.
	GetMetadata(ctx context.Context, owner, name string) (*domain.RepoMetadata, error)

	// GetCommits fetches up to maxCount commits, newest first, with their change stats.
	// On a mid-way failure it returns the commits fetched so far together with the error.
	GetCommits(ctx context.Context, owner, name string, maxCount int) ([]domain.Commit, error)

	// GetDiff returns the unified diff of a single commit.
	GetDiff(ctx context.Context, owner, name, sha string) (string, error)

	// RateLimit reports the remaining API budget.
	RateLimit(ctx context.Context) (*domain.RateLimit, error)
}
