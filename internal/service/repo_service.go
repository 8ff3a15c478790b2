package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/11PRIMUS/memento3/internal/domain"
	"github.com/11PRIMUS/memento3/internal/port"
)

type jobQueue interface {
	Submit(task IngestTask) (Job, error)
	Active() []int64
	Depth() int
}

// Page is one page of a listing.
type Page[T any] struct {
	Items   []T
	Total   int
	Page    int
	PerPage int
	HasNext bool
}

func newPage[T any](items []T, total, page, perPage int) Page[T] {
	if items == nil {
		items = []T{}
	}
	return Page[T]{Items: items, Total: total, Page: page, PerPage: perPage, HasNext: page*perPage < total}
}

func checkPage(page, perPage, maxPerPage int) error {
	if page < 1 {
		return fmt.Errorf("%w: page must be at least 1", port.ErrInvalidInput)
	}
	if perPage < 1 || perPage > maxPerPage {
		return fmt.Errorf("%w: per_page must be between 1 and %d", port.ErrInvalidInput, maxPerPage)
	}
	return nil
}

// Health is the readiness report of the service and its dependencies.
type Health struct {
	Status      string            `json:"status"`
	Version     string            `json:"version"`
	Store       string            `json:"store"`
	GitHub      *domain.RateLimit `json:"github_rate_limit,omitempty"`
	GitHubError string            `json:"github_error,omitempty"`
	QueueDepth  int               `json:"queue_depth"`
	ActiveRepos []int64           `json:"active_repositories"`
	EmbedModel  string            `json:"embedding_model,omitempty"`
	EmbedLoaded bool              `json:"embedding_model_loaded"`
}

// RepoService manages the repository lifecycle: registration, listing,
// re-runs and deletion. Ingestion itself runs on the queue.
type RepoService struct {
	store   port.Store
	vcs     port.SourceControl
	queue   jobQueue
	events  *RepoEventBus
	engine  *EmbeddingEngine
	version string
}

// NewRepoService creates a repository service.
func NewRepoService(store port.Store, vcs port.SourceControl, queue jobQueue, engine *EmbeddingEngine, events *RepoEventBus, version string) *RepoService {
	return &RepoService{store: store, vcs: vcs, queue: queue, engine: engine, events: events, version: version}
}

// Register records a repository as PENDING and queues its ingestion. When the
// queue rejects the job the repository is returned in ERROR together with the error.
func (s *RepoService) Register(ctx context.Context, rawURL string, maxCommits int) (*domain.Repository, Job, error) {
	repo, err := s.create(ctx, rawURL, maxCommits)
	if err != nil {
		return nil, Job{}, err
	}

	job, err := s.queue.Submit(IngestTask{Kind: JobKindIngest, RepoID: repo.ID, URL: repo.URL, MaxCommits: repo.MaxCommits})
	if err != nil {
		slog.Error("could not queue ingestion", "repo_id", repo.ID, "error", err)
		msg := "could not schedule ingestion: " + err.Error()
		if _, uerr := s.store.UpdateRepositoryStatus(ctx, repo.ID, domain.RepoStatusError, domain.StatusUpdate{}.WithError(msg)); uerr == nil {
			repo.Status = domain.RepoStatusError
			repo.ErrorMessage = msg
		}
		return repo, Job{}, err
	}
	return repo, job, nil
}

// Track returns the repository registered under rawURL, creating it as PENDING
// when it is new. Nothing is queued.
func (s *RepoService) Track(ctx context.Context, rawURL string, maxCommits int) (*domain.Repository, error) {
	repo, err := s.create(ctx, rawURL, maxCommits)
	if errors.Is(err, port.ErrAlreadyExists) && repo != nil {
		return repo, nil
	}
	return repo, err
}

// create validates rawURL and stores a PENDING repository. A known URL fails
// with ErrAlreadyExists and returns the stored repository.
func (s *RepoService) create(ctx context.Context, rawURL string, maxCommits int) (*domain.Repository, error) {
	if maxCommits == 0 {
		maxCommits = domain.DefaultRepoMaxCommits
	}
	if maxCommits < 1 || maxCommits > domain.MaxRepoMaxCommits {
		return nil, fmt.Errorf("%w: max_commits must be between 1 and %d", port.ErrInvalidInput, domain.MaxRepoMaxCommits)
	}

	owner, name, err := s.vcs.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	url := s.vcs.CanonicalURL(owner, name)

	switch existing, err := s.store.GetRepositoryByURL(ctx, url); {
	case err == nil:
		return existing, port.ErrAlreadyExists
	case !errors.Is(err, port.ErrRepoNotFound):
		return nil, fmt.Errorf("lookup repository: %w", err)
	}

	meta, err := s.vcs.GetMetadata(ctx, owner, name)
	if err != nil {
		return nil, fmt.Errorf("fetch repository metadata: %w", err)
	}

	repo, err := s.store.CreateRepository(ctx, &domain.Repository{
		Name:          meta.Name,
		URL:           url,
		Owner:         meta.Owner,
		Description:   meta.Description,
		DefaultBranch: meta.DefaultBranch,
		GitHubID:      meta.ExternalID,
		Stars:         meta.Stars,
		Forks:         meta.Forks,
		Language:      meta.Language,
		Private:       meta.Private,
		Status:        domain.RepoStatusPending,
		MaxCommits:    maxCommits,
	})
	if err != nil {
		return nil, fmt.Errorf("create repository: %w", err)
	}
	slog.Info("repository registered", "repo_id", repo.ID, "url", url, "max_commits", maxCommits)
	s.events.Publish(RepoEvent{RepoID: repo.ID, Name: repo.Slug(), Status: repo.Status})
	return repo, nil
}

// Refresh queues a new ingestion run for an existing repository.
func (s *RepoService) Refresh(ctx context.Context, id int64) (Job, error) {
	repo, err := s.idle(ctx, id)
	if err != nil {
		return Job{}, err
	}
	return s.queue.Submit(IngestTask{Kind: JobKindIngest, RepoID: repo.ID, URL: repo.URL, MaxCommits: repo.MaxCommits})
}

// Reindex queues a rebuild of the repository's embeddings.
func (s *RepoService) Reindex(ctx context.Context, id int64) (Job, error) {
	repo, err := s.idle(ctx, id)
	if err != nil {
		return Job{}, err
	}
	return s.queue.Submit(IngestTask{Kind: JobKindReindex, RepoID: repo.ID})
}

// ResumePending queues ingestion for repositories left PENDING, for example by
// a restart between registration and the first run.
func (s *RepoService) ResumePending(ctx context.Context) (int, error) {
	queued := 0
	for offset := 0; ; offset += domain.MaxRepositoriesPerPage {
		repos, err := s.store.ListRepositories(ctx, domain.MaxRepositoriesPerPage, offset)
		if err != nil {
			return queued, fmt.Errorf("list repositories: %w", err)
		}
		for _, r := range repos {
			if r.Status != domain.RepoStatusPending {
				continue
			}
			if _, err := s.queue.Submit(IngestTask{Kind: JobKindIngest, RepoID: r.ID, URL: r.URL, MaxCommits: r.MaxCommits}); err != nil {
				slog.Warn("could not resume pending repository", "repo_id", r.ID, "error", err)
				continue
			}
			queued++
		}
		if len(repos) < domain.MaxRepositoriesPerPage {
			break
		}
	}
	if queued > 0 {
		slog.Info("resumed pending repositories", "count", queued)
	}
	return queued, nil
}

// idle returns the repository when no ingestion is running for it.
func (s *RepoService) idle(ctx context.Context, id int64) (*domain.Repository, error) {
	repo, err := s.store.GetRepository(ctx, id)
	if err != nil {
		return nil, err
	}
	if repo.Status == domain.RepoStatusIndexing || slices.Contains(s.queue.Active(), id) {
		return nil, port.ErrIndexingInProgress
	}
	return repo, nil
}

// Get returns a repository.
func (s *RepoService) Get(ctx context.Context, id int64) (*domain.Repository, error) {
	return s.store.GetRepository(ctx, id)
}

// List returns a page of repositories, newest first.
func (s *RepoService) List(ctx context.Context, page, perPage int) (Page[domain.Repository], error) {
	if err := checkPage(page, perPage, domain.MaxRepositoriesPerPage); err != nil {
		return Page[domain.Repository]{}, err
	}
	repos, err := s.store.ListRepositories(ctx, perPage, (page-1)*perPage)
	if err != nil {
		return Page[domain.Repository]{}, fmt.Errorf("list repositories: %w", err)
	}
	total, err := s.store.CountRepositories(ctx)
	if err != nil {
		return Page[domain.Repository]{}, fmt.Errorf("count repositories: %w", err)
	}
	return newPage(repos, total, page, perPage), nil
}

// Delete removes a repository with its commits, embeddings and history.
// Repositories being ingested cannot be deleted.
func (s *RepoService) Delete(ctx context.Context, id int64) error {
	repo, err := s.idle(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteRepository(ctx, id); err != nil {
		return err
	}
	slog.Info("repository deleted", "repo_id", id, "url", repo.URL)
	return nil
}

// Commits returns a page of the repository's commits, newest first.
func (s *RepoService) Commits(ctx context.Context, id int64, page, perPage int) (Page[domain.Commit], error) {
	if err := checkPage(page, perPage, domain.MaxRepositoriesPerPage); err != nil {
		return Page[domain.Commit]{}, err
	}
	if _, err := s.store.GetRepository(ctx, id); err != nil {
		return Page[domain.Commit]{}, err
	}
	commits, err := s.store.ListCommits(ctx, id, perPage, (page-1)*perPage)
	if err != nil {
		return Page[domain.Commit]{}, fmt.Errorf("list commits: %w", err)
	}
	total, err := s.store.CountCommits(ctx, id)
	if err != nil {
		return Page[domain.Commit]{}, fmt.Errorf("count commits: %w", err)
	}
	return newPage(commits, total, page, perPage), nil
}

// Commit returns a stored commit by hash.
func (s *RepoService) Commit(ctx context.Context, id int64, sha string) (*domain.Commit, error) {
	if _, err := s.store.GetRepository(ctx, id); err != nil {
		return nil, err
	}
	return s.store.GetCommitByHash(ctx, id, sha)
}

// Diff fetches the unified diff of a stored commit from source control.
func (s *RepoService) Diff(ctx context.Context, id int64, sha string) (string, error) {
	repo, err := s.store.GetRepository(ctx, id)
	if err != nil {
		return "", err
	}
	if _, err := s.store.GetCommitByHash(ctx, id, sha); err != nil {
		return "", err
	}
	return s.vcs.GetDiff(ctx, repo.Owner, repo.Name, sha)
}

// Stats reports embedding progress of a repository.
func (s *RepoService) Stats(ctx context.Context, id int64) (*domain.RepoStats, error) {
	return s.store.RepositoryStats(ctx, id)
}

// GlobalStats reports totals across repositories.
func (s *RepoService) GlobalStats(ctx context.Context) (*domain.GlobalStats, error) {
	return s.store.GlobalStats(ctx)
}

// History returns a page of answered questions for the repository, newest first.
func (s *RepoService) History(ctx context.Context, id int64, page, perPage int) (Page[domain.AnalysisRecord], error) {
	if err := checkPage(page, perPage, domain.MaxAnalysesPerPage); err != nil {
		return Page[domain.AnalysisRecord]{}, err
	}
	if _, err := s.store.GetRepository(ctx, id); err != nil {
		return Page[domain.AnalysisRecord]{}, err
	}
	recs, err := s.store.ListAnalyses(ctx, id, perPage, (page-1)*perPage)
	if err != nil {
		return Page[domain.AnalysisRecord]{}, fmt.Errorf("list analyses: %w", err)
	}
	total, err := s.store.CountAnalyses(ctx, id)
	if err != nil {
		return Page[domain.AnalysisRecord]{}, fmt.Errorf("count analyses: %w", err)
	}
	return newPage(recs, total, page, perPage), nil
}

// Health checks the store and, best-effort, the GitHub rate limit.
func (s *RepoService) Health(ctx context.Context) Health {
	h := Health{
		Status:      "healthy",
		Version:     s.version,
		Store:       "ok",
		QueueDepth:  s.queue.Depth(),
		ActiveRepos: s.queue.Active(),
	}
	if err := s.store.Ping(ctx); err != nil {
		h.Status = "degraded"
		h.Store = err.Error()
	}
	if rl, err := s.vcs.RateLimit(ctx); err != nil {
		h.GitHubError = err.Error()
	} else {
		h.GitHub = rl
	}
	if s.engine != nil {
		h.EmbedModel = s.engine.ModelName()
		h.EmbedLoaded = s.engine.Dimension() > 0
	}
	return h
}
