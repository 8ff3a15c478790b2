package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/11PRIMUS/memento3/internal/domain"
	"github.com/11PRIMUS/memento3/internal/metrics"
	"github.com/11PRIMUS/memento3/internal/port"
	"github.com/11PRIMUS/memento3/internal/retry"
)

var errEmptyAnswer = errors.New("empty response from model")

type analysisStore interface {
	GetRepository(ctx context.Context, id int64) (*domain.Repository, error)
	SearchSimilar(ctx context.Context, query []float32, repoID int64, threshold float64, limit int) ([]domain.SimilarCommit, error)
	SaveAnalysis(ctx context.Context, rec *domain.AnalysisRecord) (*domain.AnalysisRecord, error)
}

// AnalysisOptions tunes the AnalysisEngine.
type AnalysisOptions struct {
	Retry   retry.Policy
	Metrics *metrics.Metrics
}

// AnalysisEngine answers questions about a repository from its most similar commits.
type AnalysisEngine struct {
	store      analysisStore
	embeddings *EmbeddingEngine
	llm        port.LLM
	opts       AnalysisOptions
}

// NewAnalysisEngine creates an engine.
func NewAnalysisEngine(store analysisStore, embeddings *EmbeddingEngine, llm port.LLM, opts AnalysisOptions) *AnalysisEngine {
	if opts.Retry.MaxTries == 0 {
		opts.Retry = retry.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	return &AnalysisEngine{store: store, embeddings: embeddings, llm: llm, opts: opts}
}

// FindSimilar returns the repository's commits most similar to query, best
// first, each strictly above threshold. No match is an empty slice, not an error.
func (a *AnalysisEngine) FindSimilar(ctx context.Context, query string, repoID int64, limit int, threshold float64) ([]domain.SimilarCommit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", port.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = domain.DefaultAnalysisCommits
	}

	vecs, err := a.embeddings.Embed(ctx, []string{query})
	if err != nil {
		return nil, embedQueryError(err)
	}

	hits, err := a.store.SearchSimilar(ctx, vecs[0], repoID, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("search similar commits: %w", err)
	}

	out := make([]domain.SimilarCommit, 0, len(hits))
	for _, h := range hits {
		if h.Similarity > threshold {
			out = append(out, h)
		}
	}
	slices.SortStableFunc(out, func(x, y domain.SimilarCommit) int {
		return cmp.Compare(y.Similarity, x.Similarity)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// embedQueryError reports a failed query embedding as an upstream fault so a
// model missing on the embedding server never reads as a missing repository.
func embedQueryError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("embed query: %w", err)
	}
	return fmt.Errorf("%w: embed query: %v", port.ErrUpstream, err)
}

// NormalizeAnalysisRequest applies defaults and rejects out-of-range fields.
func NormalizeAnalysisRequest(req domain.AnalysisRequest) (domain.AnalysisRequest, error) {
	req.Question = strings.TrimSpace(req.Question)
	switch n := utf8.RuneCountInString(req.Question); {
	case n == 0:
		return req, fmt.Errorf("%w: question is required", port.ErrInvalidInput)
	case n > domain.MaxQuestionLength:
		return req, fmt.Errorf("%w: question exceeds %d characters", port.ErrInvalidInput, domain.MaxQuestionLength)
	}
	if req.RepositoryID <= 0 {
		return req, fmt.Errorf("%w: repository_id is required", port.ErrInvalidInput)
	}
	if req.MaxCommits == 0 {
		req.MaxCommits = domain.DefaultAnalysisCommits
	}
	if req.MaxCommits < 1 || req.MaxCommits > domain.MaxAnalysisCommits {
		return req, fmt.Errorf("%w: max_commits must be between 1 and %d", port.ErrInvalidInput, domain.MaxAnalysisCommits)
	}
	if req.SimilarityThreshold == 0 {
		req.SimilarityThreshold = domain.DefaultSimilarityCutoff
	}
	if req.SimilarityThreshold < 0 || req.SimilarityThreshold > 1 {
		return req, fmt.Errorf("%w: similarity_threshold must be between 0 and 1", port.ErrInvalidInput)
	}
	return req, nil
}

// Analyze answers a question about a COMPLETED repository. Finding no similar
// commits and failing to generate an answer both produce a zero-confidence
// result rather than an error.
func (a *AnalysisEngine) Analyze(ctx context.Context, req domain.AnalysisRequest) (*domain.AnalysisResult, error) {
	start := time.Now()

	req, err := NormalizeAnalysisRequest(req)
	if err != nil {
		a.opts.Metrics.AnalysisRuns.WithLabelValues("rejected").Inc()
		return nil, err
	}

	repo, err := a.store.GetRepository(ctx, req.RepositoryID)
	if err != nil {
		a.opts.Metrics.AnalysisRuns.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if repo.Status != domain.RepoStatusCompleted {
		a.opts.Metrics.AnalysisRuns.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: status %s", port.ErrPrecondition, repo.Status)
	}

	slog.Info("starting analysis", "repo_id", repo.ID, "question_length", len(req.Question))

	hits, err := a.FindSimilar(ctx, req.Question, repo.ID, req.MaxCommits, req.SimilarityThreshold)
	if err != nil {
		return nil, err
	}

	result := &domain.AnalysisResult{
		Question:        req.Question,
		RelevantCommits: []domain.RelevantCommit{},
		RepositoryID:    repo.ID,
		CreatedAt:       time.Now().UTC(),
	}

	if len(hits) == 0 {
		slog.Warn("no similar commits found", "repo_id", repo.ID, "threshold", req.SimilarityThreshold)
		result.Answer = noCommitsAnswer
		result.ProcessingTime = time.Since(start).Seconds()
		a.record("no_commits", result)
		return result, nil
	}

	answer, err := a.generate(ctx, repo, req.Question, hits)
	switch {
	case err != nil && ctx.Err() != nil:
		return nil, ctx.Err()
	case err != nil:
		slog.Error("answer generation failed", "repo_id", repo.ID, "error", err)
		result.Answer = fallbackAnswer(err)
		result.Degraded = true
		result.ProcessingTime = time.Since(start).Seconds()
		a.record("fallback", result)
	default:
		result.Answer = answer
		result.Confidence = Confidence(hits, answer)
		for _, h := range hits {
			result.RelevantCommits = append(result.RelevantCommits, domain.NewRelevantCommit(h))
		}
		result.ProcessingTime = time.Since(start).Seconds()
		a.record("answered", result)
	}

	a.save(ctx, result)
	slog.Info("analysis completed",
		"repo_id", repo.ID,
		"commits", len(result.RelevantCommits),
		"confidence", result.Confidence,
		"processing_time", result.ProcessingTime,
	)
	return result, nil
}

func (a *AnalysisEngine) generate(ctx context.Context, repo *domain.Repository, question string, hits []domain.SimilarCommit) (string, error) {
	system, user := buildPrompt(repo, question, hits)
	slog.Debug("prompt built", "repo_id", repo.ID, "prompt_length", len(user))

	answer, err := retry.Do(ctx, a.opts.Retry, "llm.generate", func(ctx context.Context) (string, error) {
		out, err := a.llm.Generate(ctx, system, user)
		if err != nil {
			return "", err
		}
		out = strings.TrimSpace(out)
		if out == "" {
			return "", errEmptyAnswer
		}
		return out, nil
	}, a.opts.Metrics.RetryObserver)
	if err != nil {
		return "", fmt.Errorf("%w: %w", port.ErrGeneration, err)
	}
	return answer, nil
}

func (a *AnalysisEngine) record(outcome string, r *domain.AnalysisResult) {
	a.opts.Metrics.AnalysisRuns.WithLabelValues(outcome).Inc()
	a.opts.Metrics.AnalysisDuration.Observe(r.ProcessingTime)
	a.opts.Metrics.Confidence.Observe(r.Confidence)
}

// save appends the result to the history. Failures are logged only.
func (a *AnalysisEngine) save(ctx context.Context, r *domain.AnalysisResult) {
	rec := domain.NewAnalysisRecord(r)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := a.store.SaveAnalysis(ctx, &rec); err != nil {
		slog.Warn("failed to store analysis", "repo_id", r.RepositoryID, "error", err)
	}
}
