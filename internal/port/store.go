package port

import (
	"context"
	"time"

	"github.com/11PRIMUS/memento3/internal/domain"
)

// RepositoryStore persists repository records and their indexing status.
type RepositoryStore interface {
	// CreateRepository inserts a new repository. A duplicate URL returns ErrAlreadyExists.
	CreateRepository(ctx context.Context, r *domain.Repository) (*domain.Repository, error)

	// GetRepository returns the repository or ErrRepoNotFound.
	GetRepository(ctx context.Context, id int64) (*domain.Repository, error)

	// GetRepositoryByURL returns the repository with the canonical URL or ErrRepoNotFound.
	GetRepositoryByURL(ctx context.Context, url string) (*domain.Repository, error)

	// UpdateRepositoryStatus atomically writes status and the non-nil extra fields.
	// It reports whether a row was updated.
	UpdateRepositoryStatus(ctx context.Context, id int64, status domain.RepoStatus, extra domain.StatusUpdate) (bool, error)

	// BeginIndexing moves the repository to INDEXING unless it is already there.
	// It reports false when another run holds the repository.
	BeginIndexing(ctx context.Context, id int64) (bool, error)

	// ListRepositories returns repositories newest first.
	ListRepositories(ctx context.Context, limit, offset int) ([]domain.Repository, error)

	CountRepositories(ctx context.Context) (int, error)

	// DeleteRepository removes the repository and, by cascade, its commits, embeddings and history.
	DeleteRepository(ctx context.Context, id int64) error

	// FailStaleIndexing marks repositories INDEXING since before the cutoff as ERROR,
	// skipping the excluded ids, and returns the ids it changed.
	FailStaleIndexing(ctx context.Context, before time.Time, exclude []int64, message string) ([]int64, error)
}

// CommitStore persists commits.
type CommitStore interface {
	// BulkInsertCommits stores commits for a repository in one transaction.
	// Commits whose hash already exists for the repository are skipped; only
	// newly stored commits are returned.
	BulkInsertCommits(ctx context.Context, repoID int64, commits []domain.Commit) ([]domain.Commit, error)

	// ListCommits returns commits ordered by commit date, newest first.
	ListCommits(ctx context.Context, repoID int64, limit, offset int) ([]domain.Commit, error)

	// GetCommitByHash returns the commit or ErrCommitNotFound.
	GetCommitByHash(ctx context.Context, repoID int64, sha string) (*domain.Commit, error)

	CountCommits(ctx context.Context, repoID int64) (int, error)

	// ListCommitsWithoutEmbedding returns up to limit commits lacking an embedding reference,
	// newest first.
	ListCommitsWithoutEmbedding(ctx context.Context, repoID int64, limit int) ([]domain.Commit, error)
}

// VectorStore persists embeddings and answers nearest-neighbour queries.
type VectorStore interface {
	// InsertEmbedding stores the embedding, replacing any previous embedding of the
	// same type for the commit, and attaches it to the commit.
	InsertEmbedding(ctx context.Context, e *domain.Embedding) (*domain.Embedding, error)

	// SearchSimilar returns commits of the repository whose cosine similarity to the
	// query is strictly greater than threshold, best first, at most limit.
	SearchSimilar(ctx context.Context, query []float32, repoID int64, threshold float64, limit int) ([]domain.SimilarCommit, error)

	// DeleteEmbeddings removes every embedding of the repository's commits and clears
	// the commits' embedding references.
	DeleteEmbeddings(ctx context.Context, repoID int64) error

	CountEmbeddings(ctx context.Context, repoID int64) (int, error)
}

// AnalysisLog keeps the history of answered questions.
type AnalysisLog interface {
	SaveAnalysis(ctx context.Context, rec *domain.AnalysisRecord) (*domain.AnalysisRecord, error)
	ListAnalyses(ctx context.Context, repoID int64, limit, offset int) ([]domain.AnalysisRecord, error)
	CountAnalyses(ctx context.Context, repoID int64) (int, error)
}

// StatsStore computes aggregate counters.
type StatsStore interface {
	RepositoryStats(ctx context.Context, repoID int64) (*domain.RepoStats, error)
	GlobalStats(ctx context.Context) (*domain.GlobalStats, error)
}

// Store is the full persistence client, created once at startup and passed to
// every component that needs it.
type Store interface {
	RepositoryStore
	CommitStore
	VectorStore
	AnalysisLog
	StatsStore

	// Migrate brings the schema to the latest version.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
