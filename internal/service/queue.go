package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/11PRIMUS/memento3/internal/metrics"
	"github.com/11PRIMUS/memento3/internal/port"
)

// finished jobs are kept this long for status queries.
const jobRetention = time.Hour

type ingestRunner interface {
	Ingest(ctx context.Context, repoID int64, sourceURL string, maxCommits int, progress ProgressReporter) (*IngestReport, error)
	Reindex(ctx context.Context, repoID int64, progress ProgressReporter) (IndexReport, error)
}

// IngestTask is a unit of background work.
type IngestTask struct {
	Kind       JobKind
	RepoID     int64
	URL        string
	MaxCommits int
}

type queuedTask struct {
	IngestTask
	jobID string
}

// QueueOptions sizes the IngestQueue.
type QueueOptions struct {
	Workers int
	Size    int
	Metrics *metrics.Metrics
}

// IngestQueue runs ingestion and reindex jobs on a fixed set of workers. At most
// one job per repository is queued or running at a time.
type IngestQueue struct {
	runner  ingestRunner
	tracker *JobTracker
	metrics *metrics.Metrics
	workers int
	tasks   chan queuedTask

	mu     sync.Mutex
	active map[int64]string // repo id -> job id
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewIngestQueue creates a stopped queue; call Start to run workers.
func NewIngestQueue(runner ingestRunner, tracker *JobTracker, opts QueueOptions) *IngestQueue {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Size <= 0 {
		opts.Size = 64
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	return &IngestQueue{
		runner:  runner,
		tracker: tracker,
		metrics: opts.Metrics,
		workers: opts.Workers,
		tasks:   make(chan queuedTask, opts.Size),
		active:  make(map[int64]string),
	}
}

// Start launches the workers. Jobs inherit ctx; cancelling it aborts them.
func (q *IngestQueue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	slog.Info("ingest queue started", "workers", q.workers, "capacity", cap(q.tasks))
}

// Stop refuses new work and waits for queued and running jobs. When ctx ends
// first, remaining jobs are cancelled.
func (q *IngestQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("ingest queue drained")
		return nil
	case <-ctx.Done():
		if q.cancel != nil {
			q.cancel()
		}
		<-done
		slog.Warn("ingest queue stopped with cancelled jobs")
		return ctx.Err()
	}
}

// Submit queues a job. It fails with ErrIndexingInProgress when the repository
// already has a job, or ErrQueueFull when the buffer is full.
func (q *IngestQueue) Submit(task IngestTask) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Job{}, fmt.Errorf("%w: queue is shut down", port.ErrQueueFull)
	}
	if jobID, busy := q.active[task.RepoID]; busy {
		return Job{}, fmt.Errorf("%w: job %s", port.ErrIndexingInProgress, jobID)
	}

	job := q.tracker.Create(task.Kind, task.RepoID)
	select {
	case q.tasks <- queuedTask{IngestTask: task, jobID: job.ID}:
	default:
		q.tracker.Finish(job.ID, JobError, port.ErrQueueFull)
		return Job{}, port.ErrQueueFull
	}
	q.active[task.RepoID] = job.ID
	q.metrics.QueueDepth.Set(float64(len(q.tasks)))
	slog.Info("job queued", "job_id", job.ID, "kind", task.Kind, "repo_id", task.RepoID)
	return job, nil
}

// Cancel stops a queued or running job.
func (q *IngestQueue) Cancel(jobID string) (Job, error) {
	job, err := q.tracker.Cancel(jobID)
	if err != nil {
		return Job{}, err
	}
	if job.Status == JobCancelled {
		q.release(job.RepoID, jobID)
	}
	slog.Info("job cancel requested", "job_id", jobID, "repo_id", job.RepoID)
	return job, nil
}

// Active returns the repositories with a queued or running job.
func (q *IngestQueue) Active() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]int64, 0, len(q.active))
	for id := range q.active {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Depth returns the number of jobs waiting for a worker.
func (q *IngestQueue) Depth() int {
	return len(q.tasks)
}

func (q *IngestQueue) worker(n int) {
	defer q.wg.Done()
	for t := range q.tasks {
		q.metrics.QueueDepth.Set(float64(len(q.tasks)))
		q.run(t)
	}
	slog.Debug("ingest worker exiting", "worker", n)
}

func (q *IngestQueue) run(t queuedTask) {
	defer q.release(t.RepoID, t.jobID)

	if job, ok := q.tracker.Get(t.jobID); ok && job.Status.Done() {
		return
	}
	if err := q.ctx.Err(); err != nil {
		q.tracker.Finish(t.jobID, JobCancelled, err)
		return
	}

	ctx, cancel := context.WithCancel(q.ctx)
	defer cancel()
	if !q.tracker.Start(t.jobID, cancel) {
		return
	}
	progress := q.tracker.Reporter(t.jobID)

	var err error
	switch t.Kind {
	case JobKindReindex:
		_, err = q.runner.Reindex(ctx, t.RepoID, progress)
	default:
		_, err = q.runner.Ingest(ctx, t.RepoID, t.URL, t.MaxCommits, progress)
	}

	switch {
	case err == nil:
		q.tracker.Finish(t.jobID, JobComplete, nil)
	case errors.Is(err, context.Canceled):
		q.tracker.Finish(t.jobID, JobCancelled, err)
	default:
		q.tracker.Finish(t.jobID, JobError, err)
		slog.Error("job failed", "job_id", t.jobID, "kind", t.Kind, "repo_id", t.RepoID, "error", err)
	}
	q.tracker.Prune(time.Now().Add(-jobRetention))
}

func (q *IngestQueue) release(repoID int64, jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active[repoID] == jobID {
		delete(q.active, repoID)
	}
}
