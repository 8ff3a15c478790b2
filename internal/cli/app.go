package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/11PRIMUS/memento3/internal/adapter/ai"
	"github.com/11PRIMUS/memento3/internal/adapter/store"
	"github.com/11PRIMUS/memento3/internal/adapter/vcs"
	"github.com/11PRIMUS/memento3/internal/metrics"
	"github.com/11PRIMUS/memento3/internal/port"
	"github.com/11PRIMUS/memento3/internal/retry"
	"github.com/11PRIMUS/memento3/internal/service"
	"github.com/11PRIMUS/memento3/pkg/config"
)

type appStore interface {
	port.Store
	Migrate(ctx context.Context) error
	Close() error
}

// app is the wired object graph shared by every command.
type app struct {
	cfg     *config.Config
	metrics *metrics.Metrics

	store      appStore
	github     *vcs.GitHubClient
	events     *service.RepoEventBus
	embeddings *service.EmbeddingEngine
	pipeline   *service.IndexingPipeline
	tracker    *service.JobTracker
	queue      *service.IngestQueue
	analysis   *service.AnalysisEngine
	repos      *service.RepoService
	sweeper    *service.Sweeper
}

func openStore(ctx context.Context, c *config.Config) (appStore, error) {
	var (
		s   appStore
		err error
	)
	switch c.StoreDriver {
	case config.DriverSQLite:
		s, err = store.NewSQLiteStore(ctx, c.SQLitePath, c.EmbeddingDimension)
	case config.DriverPostgres:
		s, err = store.NewPostgresStore(ctx, c.DatabaseURL, c.EmbeddingDimension)
	default:
		err = fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	if err != nil {
		return nil, storeError(c.StoreDriver, err)
	}
	slog.Info("store connected", "driver", c.StoreDriver, "dsn", c.DSN())

	if c.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, storeError(c.StoreDriver, fmt.Errorf("migrate: %w", err))
		}
	}
	return s, nil
}

func newEmbedder(c *config.Config) port.Embedder {
	if c.EmbedProvider == config.EmbedProviderHash {
		return ai.NewHashEmbedder(c.EmbeddingDimension)
	}
	return ai.NewOllamaEmbedder(ai.OllamaEndpointConfig{
		BaseURL: c.OllamaEmbedURL,
		Model:   c.OllamaEmbedModel,
		Token:   c.OllamaEmbedToken,
	})
}

func retryPolicy(c *config.Config) retry.Policy {
	p := retry.Default()
	p.MaxTries = uint(c.RetryMaxTries)
	p.InitialInterval = c.RetryInitial()
	p.MaxInterval = c.RetryInitial() * 4
	return p
}

// newApp opens the store and wires the services. The queue is not started.
func newApp(ctx context.Context, c *config.Config, m *metrics.Metrics) (*app, error) {
	s, err := openStore(ctx, c)
	if err != nil {
		return nil, err
	}
	return wire(c, m, s), nil
}

func wire(c *config.Config, m *metrics.Metrics, s appStore) *app {
	a := &app{cfg: c, metrics: m, store: s, events: service.NewRepoEventBus()}

	a.github = vcs.NewGitHubClient(vcs.GitHubConfig{
		APIURL:  c.GitHubAPIURL,
		Token:   c.GitHubToken,
		Timeout: time.Duration(c.GitHubTimeoutSeconds) * time.Second,
	})
	chat := ai.NewOllamaChat(ai.OllamaEndpointConfig{
		BaseURL: c.OllamaChatURL,
		Model:   c.OllamaChatModel,
		Token:   c.OllamaChatToken,
	})
	policy := retryPolicy(c)

	a.embeddings = service.NewEmbeddingEngine(newEmbedder(c), s, service.EmbeddingOptions{
		BatchSize: c.EmbedBatchSize,
		Workers:   c.EmbedWorkers,
		Dimension: c.EmbeddingDimension,
		Metrics:   m,
	})
	a.pipeline = service.NewIndexingPipeline(s, a.github, a.embeddings, service.PipelineOptions{
		CommitBatchSize: c.CommitBatchSize,
		Retry:           policy,
		Metrics:         m,
		Events:          a.events,
	})
	a.tracker = service.NewJobTracker()
	a.queue = service.NewIngestQueue(a.pipeline, a.tracker, service.QueueOptions{
		Workers: c.IngestWorkers,
		Size:    c.IngestQueueSize,
		Metrics: m,
	})
	a.analysis = service.NewAnalysisEngine(s, a.embeddings, chat, service.AnalysisOptions{Retry: policy, Metrics: m})
	a.repos = service.NewRepoService(s, a.github, a.queue, a.embeddings, a.events, c.Version)
	a.sweeper = service.NewSweeper(s, a.queue.Active, service.SweeperOptions{
		Interval:   c.SweepInterval(),
		StaleAfter: c.StaleIndexingAfter(),
		LockPath:   c.SweepLockPath,
		Metrics:    m,
		Events:     a.events,
	})
	return a
}

func (a *app) Close() error {
	var errs []error
	if a.queue != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		errs = append(errs, a.queue.Stop(ctx))
		cancel()
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}
