package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/11PRIMUS/memento3/internal/domain"
	"github.com/11PRIMUS/memento3/internal/metrics"
	"github.com/11PRIMUS/memento3/internal/port"
	"github.com/11PRIMUS/memento3/internal/retry"
)

// DefaultCommitBatchSize is how many commits are written per transaction.
const DefaultCommitBatchSize = 100

const cancelledMessage = "ingestion cancelled"

// ProgressReporter receives stage updates from long-running work.
type ProgressReporter interface {
	Stage(stage string, done, total int)
}

type nopProgress struct{}

func (nopProgress) Stage(string, int, int) {}

type pipelineStore interface {
	GetRepository(ctx context.Context, id int64) (*domain.Repository, error)
	UpdateRepositoryStatus(ctx context.Context, id int64, status domain.RepoStatus, extra domain.StatusUpdate) (bool, error)
	BeginIndexing(ctx context.Context, id int64) (bool, error)
	BulkInsertCommits(ctx context.Context, repoID int64, commits []domain.Commit) ([]domain.Commit, error)
	CountCommits(ctx context.Context, repoID int64) (int, error)
	DeleteEmbeddings(ctx context.Context, repoID int64) error
}

// PipelineOptions tunes the IndexingPipeline.
type PipelineOptions struct {
	CommitBatchSize int
	Retry           retry.Policy
	Metrics         *metrics.Metrics
	Events          *RepoEventBus
}

// IngestReport summarises one ingestion run.
type IngestReport struct {
	Fetched      int           `json:"fetched"`
	Stored       int           `json:"stored"`
	Duplicates   int           `json:"duplicates"`
	TotalCommits int           `json:"total_commits"`
	Partial      bool          `json:"partial"`
	Embedding    IndexReport   `json:"embedding"`
	Duration     time.Duration `json:"duration"`
}

// IndexingPipeline fetches, stores and embeds a repository's commits while
// driving its status from INDEXING to COMPLETED or ERROR.
type IndexingPipeline struct {
	store  pipelineStore
	vcs    port.SourceControl
	engine *EmbeddingEngine
	opts   PipelineOptions
}

// NewIndexingPipeline creates a pipeline.
func NewIndexingPipeline(store pipelineStore, vcs port.SourceControl, engine *EmbeddingEngine, opts PipelineOptions) *IndexingPipeline {
	if opts.CommitBatchSize <= 0 {
		opts.CommitBatchSize = DefaultCommitBatchSize
	}
	if opts.Retry.MaxTries == 0 {
		opts.Retry = retry.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	return &IndexingPipeline{store: store, vcs: vcs, engine: engine, opts: opts}
}

// Ingest runs a full ingestion of the repository. A repository already INDEXING
// yields ErrIndexingInProgress without side effects. Any later failure leaves the
// repository in ERROR; if even that write fails it is only logged.
func (p *IndexingPipeline) Ingest(ctx context.Context, repoID int64, sourceURL string, maxCommits int, progress ProgressReporter) (*IngestReport, error) {
	if progress == nil {
		progress = nopProgress{}
	}
	start := time.Now()

	ok, err := p.store.BeginIndexing(ctx, repoID)
	if err != nil {
		return nil, fmt.Errorf("begin indexing: %w", err)
	}
	if !ok {
		p.opts.Metrics.IngestRuns.WithLabelValues("busy").Inc()
		return nil, port.ErrIndexingInProgress
	}
	p.publish(repoID, domain.RepoStatusIndexing, "")
	slog.Info("ingestion started", "repo_id", repoID, "url", sourceURL, "max_commits", maxCommits)

	report, err := p.ingest(ctx, repoID, sourceURL, maxCommits, progress)
	if err != nil {
		p.fail(ctx, repoID, err)
		return nil, err
	}

	report.Duration = time.Since(start)
	p.opts.Metrics.IngestRuns.WithLabelValues("completed").Inc()
	p.opts.Metrics.IngestDuration.Observe(report.Duration.Seconds())
	slog.Info("ingestion completed",
		"repo_id", repoID,
		"fetched", report.Fetched,
		"stored", report.Stored,
		"duplicates", report.Duplicates,
		"embedded", report.Embedding.Embedded,
		"duration", report.Duration,
	)
	return report, nil
}

func (p *IndexingPipeline) ingest(ctx context.Context, repoID int64, sourceURL string, maxCommits int, progress ProgressReporter) (*IngestReport, error) {
	report := &IngestReport{}

	owner, name, err := p.vcs.ParseURL(sourceURL)
	if err != nil {
		return nil, err
	}

	progress.Stage("fetching", 0, maxCommits)
	commits, err := p.fetch(ctx, owner, name, maxCommits)
	if err != nil {
		if ctx.Err() != nil || len(commits) == 0 {
			return nil, fmt.Errorf("fetch commits: %w", err)
		}
		report.Partial = true
		slog.Warn("storing partial commit history after fetch failures",
			"repo_id", repoID, "fetched", len(commits), "error", err)
	}
	report.Fetched = len(commits)
	p.opts.Metrics.CommitsFetched.Add(float64(len(commits)))

	progress.Stage("storing", 0, len(commits))
	for start := 0; start < len(commits); start += p.opts.CommitBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+p.opts.CommitBatchSize, len(commits))
		stored, err := p.store.BulkInsertCommits(ctx, repoID, commits[start:end])
		if err != nil {
			return nil, fmt.Errorf("%w: store commits: %w", port.ErrPersistence, err)
		}
		report.Stored += len(stored)
		progress.Stage("storing", end, len(commits))
	}
	report.Duplicates = report.Fetched - report.Stored
	p.opts.Metrics.CommitsStored.Add(float64(report.Stored))
	p.opts.Metrics.CommitsDuplicate.Add(float64(report.Duplicates))

	total, err := p.store.CountCommits(ctx, repoID)
	if err != nil {
		return nil, fmt.Errorf("%w: count commits: %w", port.ErrPersistence, err)
	}
	report.TotalCommits = total

	extra := domain.Counts(total, total).WithAnalyzedAt(time.Now().UTC())
	if _, err := p.store.UpdateRepositoryStatus(ctx, repoID, domain.RepoStatusCompleted, extra); err != nil {
		return nil, fmt.Errorf("%w: mark completed: %w", port.ErrPersistence, err)
	}
	p.publish(repoID, domain.RepoStatusCompleted, "")

	// The repository is already COMPLETED; embedding problems only show up in the report.
	if p.engine != nil && total > 0 {
		idx, err := p.engine.IndexRepositoryCommits(ctx, repoID, progress)
		report.Embedding = idx
		if err != nil {
			slog.Warn("embedding pass failed", "repo_id", repoID, "error", err)
		}
	}
	return report, nil
}

// fetch retries the whole commit download. When every attempt fails, the largest
// partial result seen is returned together with the last error.
func (p *IndexingPipeline) fetch(ctx context.Context, owner, name string, maxCommits int) ([]domain.Commit, error) {
	var best []domain.Commit
	commits, err := retry.Do(ctx, p.opts.Retry, "github.commits", func(ctx context.Context) ([]domain.Commit, error) {
		cs, err := p.vcs.GetCommits(ctx, owner, name, maxCommits)
		if len(cs) > len(best) {
			best = cs
		}
		return cs, err
	}, p.opts.Metrics.RetryObserver)
	if err != nil {
		return best, err
	}
	return commits, nil
}

func (p *IndexingPipeline) fail(ctx context.Context, repoID int64, cause error) {
	msg := cause.Error()
	outcome := "error"
	if errors.Is(cause, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		msg = cancelledMessage
		outcome = "cancelled"
	}
	p.opts.Metrics.IngestRuns.WithLabelValues(outcome).Inc()
	slog.Error("ingestion failed", "repo_id", repoID, "error", cause)

	// The run's context may be done; the ERROR write must still happen.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := p.store.UpdateRepositoryStatus(wctx, repoID, domain.RepoStatusError, domain.StatusUpdate{}.WithError(msg)); err != nil {
		slog.Error("could not mark repository as failed", "repo_id", repoID, "error", err)
		return
	}
	p.publish(repoID, domain.RepoStatusError, msg)
}

// Reindex drops the repository's embeddings and embeds its commits again. It
// refuses repositories that are being ingested. Failures are reported, not retried.
func (p *IndexingPipeline) Reindex(ctx context.Context, repoID int64, progress ProgressReporter) (IndexReport, error) {
	repo, err := p.store.GetRepository(ctx, repoID)
	if err != nil {
		return IndexReport{}, err
	}
	if repo.Status == domain.RepoStatusIndexing {
		return IndexReport{}, port.ErrIndexingInProgress
	}
	if p.engine == nil {
		return IndexReport{}, errors.New("reindex: no embedding engine configured")
	}

	if err := p.store.DeleteEmbeddings(ctx, repoID); err != nil {
		return IndexReport{}, fmt.Errorf("%w: delete embeddings: %w", port.ErrPersistence, err)
	}
	slog.Info("embeddings cleared for reindex", "repo_id", repoID)

	report, err := p.engine.IndexRepositoryCommits(ctx, repoID, progress)
	if err != nil {
		slog.Error("reindex failed", "repo_id", repoID, "error", err)
		return report, fmt.Errorf("reindex: %w", err)
	}
	return report, nil
}

func (p *IndexingPipeline) publish(repoID int64, status domain.RepoStatus, msg string) {
	if p.opts.Events == nil {
		return
	}
	evt := RepoEvent{RepoID: repoID, Status: status, Error: msg}
	if repo, err := p.store.GetRepository(context.Background(), repoID); err == nil {
		evt.Name = repo.Slug()
	}
	p.opts.Events.Publish(evt)
}
