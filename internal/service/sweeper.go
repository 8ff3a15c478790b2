package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/11PRIMUS/memento3/internal/domain"
	"github.com/11PRIMUS/memento3/internal/metrics"
)

type staleStore interface {
	FailStaleIndexing(ctx context.Context, before time.Time, exclude []int64, message string) ([]int64, error)
}

// SweeperOptions configures the stale-INDEXING reconciliation.
type SweeperOptions struct {
	Interval   time.Duration // zero disables Run
	StaleAfter time.Duration
	LockPath   string
	Metrics    *metrics.Metrics
	Events     *RepoEventBus
	Now        func() time.Time
}

// Sweeper moves repositories stuck in INDEXING to ERROR. Only the process
// holding the lock file sweeps; the others skip the round.
type Sweeper struct {
	store  staleStore
	active func() []int64
	lock   *flock.Flock
	opts   SweeperOptions
}

// NewSweeper creates a sweeper. active lists repositories with a local job; they
// are never swept.
func NewSweeper(store staleStore, active func() []int64, opts SweeperOptions) *Sweeper {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * time.Minute
	}
	if opts.LockPath == "" {
		opts.LockPath = filepath.Join(os.TempDir(), "memento-sweep.lock")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sweeper{store: store, active: active, lock: flock.New(opts.LockPath), opts: opts}
}

// SweepOnce runs a single reconciliation pass and returns the repositories it failed.
func (s *Sweeper) SweepOnce(ctx context.Context) ([]int64, error) {
	locked, err := s.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire sweep lock %s: %w", s.opts.LockPath, err)
	}
	if !locked {
		slog.Debug("sweep lock held by another process", "path", s.opts.LockPath)
		return nil, nil
	}
	defer func() { _ = s.lock.Unlock() }()

	var exclude []int64
	if s.active != nil {
		exclude = s.active()
	}
	cutoff := s.opts.Now().Add(-s.opts.StaleAfter)
	msg := fmt.Sprintf("indexing did not finish within %s", s.opts.StaleAfter)

	ids, err := s.store.FailStaleIndexing(ctx, cutoff, exclude, msg)
	if err != nil {
		return nil, fmt.Errorf("fail stale indexing: %w", err)
	}
	if len(ids) > 0 {
		s.opts.Metrics.StaleSwept.Add(float64(len(ids)))
		slog.Warn("stale indexing repositories marked as failed", "repo_ids", ids, "cutoff", cutoff)
		for _, id := range ids {
			s.opts.Events.Publish(RepoEvent{RepoID: id, Status: domain.RepoStatusError, Error: msg})
		}
	}
	return ids, nil
}

// Run sweeps immediately and then every Interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	if s.opts.Interval <= 0 {
		slog.Info("stale indexing sweeper disabled")
		return
	}
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil {
			slog.Error("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
