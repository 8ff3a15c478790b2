package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/11PRIMUS/memento3/internal/domain"
	"github.com/11PRIMUS/memento3/internal/metrics"
	"github.com/11PRIMUS/memento3/internal/port"
)

// Embedding engine defaults.
const (
	DefaultEmbedBatchSize = 50
	DefaultEmbedScanLimit = 1000
	commitTextMaxFiles    = 5
)

// EmbeddingOptions tunes the EmbeddingEngine.
type EmbeddingOptions struct {
	BatchSize int // texts per model call
	Workers   int // concurrent model calls, process-wide
	Dimension int // expected vector length; zero accepts whatever the model produces
	ScanLimit int // commits considered per indexing run
	Metrics   *metrics.Metrics
}

func (o EmbeddingOptions) withDefaults() EmbeddingOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultEmbedBatchSize
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.ScanLimit <= 0 {
		o.ScanLimit = DefaultEmbedScanLimit
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New(nil)
	}
	return o
}

type embeddingStore interface {
	ListCommitsWithoutEmbedding(ctx context.Context, repoID int64, limit int) ([]domain.Commit, error)
	InsertEmbedding(ctx context.Context, e *domain.Embedding) (*domain.Embedding, error)
}

// IndexReport summarises one embedding pass over a repository.
type IndexReport struct {
	Candidates    int `json:"candidates"`
	Embedded      int `json:"embedded"`
	Batches       int `json:"batches"`
	FailedBatches int `json:"failed_batches"`
}

// EmbeddingEngine turns commits into stored vectors. Construction is cheap; the
// model is probed once by EnsureLoaded and shared by every caller afterwards.
type EmbeddingEngine struct {
	embedder port.Embedder
	store    embeddingStore
	opts     EmbeddingOptions
	sem      chan struct{}

	mu        sync.Mutex
	loaded    bool
	dimension int
}

// NewEmbeddingEngine creates an engine. No model call happens here.
func NewEmbeddingEngine(embedder port.Embedder, store embeddingStore, opts EmbeddingOptions) *EmbeddingEngine {
	opts = opts.withDefaults()
	return &EmbeddingEngine{
		embedder: embedder,
		store:    store,
		opts:     opts,
		sem:      make(chan struct{}, opts.Workers),
	}
}

// ModelName returns the embedding model identifier.
func (e *EmbeddingEngine) ModelName() string {
	return e.embedder.ModelName()
}

// Dimension returns the vector length once loaded, zero before.
func (e *EmbeddingEngine) Dimension() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dimension
}

// EnsureLoaded probes the model once and fixes the vector dimension. It is safe
// for concurrent use; after a failed probe the next call tries again.
func (e *EmbeddingEngine) EnsureLoaded(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded {
		return nil
	}

	start := time.Now()
	vecs, err := e.embedder.EmbedBatch(ctx, []string{"memento warmup"})
	if err != nil {
		return fmt.Errorf("load embedding model %s: %w", e.embedder.ModelName(), err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return fmt.Errorf("load embedding model %s: probe returned no vector", e.embedder.ModelName())
	}
	dim := len(vecs[0])
	if e.opts.Dimension > 0 && dim != e.opts.Dimension {
		return fmt.Errorf("%w: model %s produces %d dimensions, store expects %d",
			port.ErrDimensionMismatch, e.embedder.ModelName(), dim, e.opts.Dimension)
	}

	e.dimension = dim
	e.loaded = true
	slog.Info("embedding model loaded", "model", e.embedder.ModelName(), "dimension", dim, "duration", time.Since(start))
	return nil
}

// Embed returns one vector per text, in input order. Texts are split into
// batches that run on the bounded worker pool.
func (e *EmbeddingEngine) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if err := e.EnsureLoaded(ctx); err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for start := 0; start < len(texts); start += e.opts.BatchSize {
		end := min(start+e.opts.BatchSize, len(texts))
		g.Go(func() error {
			vecs, err := e.embedChunk(gctx, texts[start:end])
			if err != nil {
				return err
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *EmbeddingEngine) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-e.sem }()

	start := time.Now()
	vecs, err := e.embedder.EmbedBatch(ctx, texts)
	e.opts.Metrics.EmbedDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("embed %d texts: %w", len(texts), err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embed %d texts: model returned %d vectors", len(texts), len(vecs))
	}
	dim := e.Dimension()
	for i, v := range vecs {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: vector %d has %d dimensions, expected %d", port.ErrDimensionMismatch, i, len(v), dim)
		}
	}
	return vecs, nil
}

// CommitText is the text embedded for a commit: its message followed by the
// first few changed paths.
func CommitText(c domain.Commit) string {
	files := c.FilesChanged
	if len(files) > commitTextMaxFiles {
		files = files[:commitTextMaxFiles]
	}
	return strings.TrimSpace(c.Message + " " + strings.Join(files, " "))
}

// IndexRepositoryCommits embeds the repository's commits that have no embedding
// yet. A failed batch is logged and skipped; only listing the candidates,
// loading the model or cancellation fail the whole pass.
func (e *EmbeddingEngine) IndexRepositoryCommits(ctx context.Context, repoID int64, progress ProgressReporter) (IndexReport, error) {
	if progress == nil {
		progress = nopProgress{}
	}
	var report IndexReport

	commits, err := e.store.ListCommitsWithoutEmbedding(ctx, repoID, e.opts.ScanLimit)
	if err != nil {
		return report, fmt.Errorf("list commits without embedding: %w", err)
	}
	report.Candidates = len(commits)
	if len(commits) == 0 {
		slog.Info("no commits need embedding", "repo_id", repoID)
		return report, nil
	}
	if err := e.EnsureLoaded(ctx); err != nil {
		return report, err
	}

	progress.Stage("embedding", 0, len(commits))
	for start := 0; start < len(commits); start += e.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		end := min(start+e.opts.BatchSize, len(commits))
		report.Batches++

		n, err := e.indexBatch(ctx, commits[start:end])
		report.Embedded += n
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.FailedBatches++
			e.opts.Metrics.EmbedBatchFailures.Inc()
			slog.Warn("embedding batch skipped",
				"repo_id", repoID, "batch", report.Batches, "size", end-start, "error", err)
		}
		progress.Stage("embedding", end, len(commits))
	}

	slog.Info("embedding pass finished",
		"repo_id", repoID,
		"candidates", report.Candidates,
		"embedded", report.Embedded,
		"failed_batches", report.FailedBatches,
	)
	return report, nil
}

func (e *EmbeddingEngine) indexBatch(ctx context.Context, commits []domain.Commit) (int, error) {
	texts := make([]string, len(commits))
	for i, c := range commits {
		texts[i] = CommitText(c)
	}

	vecs, err := e.Embed(ctx, texts)
	if err != nil {
		return 0, err
	}

	stored := 0
	for i, c := range commits {
		_, err := e.store.InsertEmbedding(ctx, &domain.Embedding{
			CommitID:      c.ID,
			Vector:        vecs[i],
			ModelName:     e.embedder.ModelName(),
			TextContent:   texts[i],
			EmbeddingType: domain.EmbeddingTypeCommitMessage,
		})
		if err != nil {
			return stored, fmt.Errorf("store embedding for commit %s: %w", shortSHA(c.SHA), err)
		}
		stored++
		e.opts.Metrics.EmbeddingsComputed.Inc()
	}
	return stored, nil
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
