package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/11PRIMUS/memento3/internal/port"
)

// JobKind names what a background job does.
type JobKind string

const (
	JobKindIngest  JobKind = "ingest"
	JobKindReindex JobKind = "reindex"
)

// JobState is the lifecycle of a background job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobComplete  JobState = "complete"
	JobError     JobState = "error"
	JobCancelled JobState = "cancelled"
)

// Done reports whether the job has finished.
func (s JobState) Done() bool {
	return s == JobComplete || s == JobError || s == JobCancelled
}

// Job is a snapshot of an ingestion or reindex run.
type Job struct {
	ID          string     `json:"id"`
	Kind        JobKind    `json:"kind"`
	RepoID      int64      `json:"repo_id"`
	Status      JobState   `json:"status"`
	Stage       string     `json:"stage"`
	Progress    int        `json:"progress"`
	Total       int        `json:"total"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type jobEntry struct {
	job    Job
	cancel context.CancelFunc
}

// JobTracker keeps background jobs in memory and fans updates out to subscribers.
type JobTracker struct {
	mu   sync.RWMutex
	jobs map[string]*jobEntry
	subs map[string][]chan Job
}

// NewJobTracker creates an empty tracker.
func NewJobTracker() *JobTracker {
	return &JobTracker{
		jobs: make(map[string]*jobEntry),
		subs: make(map[string][]chan Job),
	}
}

// Create registers a queued job and returns its snapshot.
func (t *JobTracker) Create(kind JobKind, repoID int64) Job {
	job := Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		RepoID:    repoID,
		Status:    JobQueued,
		Stage:     "queued",
		CreatedAt: time.Now().UTC(),
	}
	t.mu.Lock()
	t.jobs[job.ID] = &jobEntry{job: job}
	t.mu.Unlock()
	return job
}

// Start marks the job running and remembers how to cancel it. It reports false
// when the job is unknown or already finished, in which case nothing changes.
func (t *JobTracker) Start(id string, cancel context.CancelFunc) bool {
	started := false
	t.update(id, func(e *jobEntry) {
		if e.job.Status.Done() {
			return
		}
		started = true
		now := time.Now().UTC()
		e.job.Status = JobRunning
		e.job.StartedAt = &now
		e.cancel = cancel
	})
	return started
}

// Progress records the current stage and its progress.
func (t *JobTracker) Progress(id, stage string, done, total int) {
	t.update(id, func(e *jobEntry) {
		e.job.Stage = stage
		e.job.Progress = done
		e.job.Total = total
	})
}

// Finish moves the job to a final state. Finishing a finished job is a no-op.
func (t *JobTracker) Finish(id string, state JobState, err error) {
	t.update(id, func(e *jobEntry) {
		if e.job.Status.Done() {
			return
		}
		now := time.Now().UTC()
		e.job.Status = state
		e.job.Stage = string(state)
		e.job.CompletedAt = &now
		if err != nil {
			e.job.Error = err.Error()
		}
		e.cancel = nil
	})
}

// Cancel requests cancellation of a queued or running job.
func (t *JobTracker) Cancel(id string) (Job, error) {
	t.mu.Lock()
	e, ok := t.jobs[id]
	if !ok {
		t.mu.Unlock()
		return Job{}, port.ErrJobNotFound
	}
	cancel := e.cancel
	queued := e.job.Status == JobQueued
	snapshot := e.job
	t.mu.Unlock()

	switch {
	case snapshot.Status.Done():
		return snapshot, nil
	case cancel != nil:
		cancel()
	case queued:
		t.finishQueued(id)
	}
	job, _ := t.Get(id)
	return job, nil
}

// finishQueued cancels a job only while no worker has picked it up.
func (t *JobTracker) finishQueued(id string) {
	t.update(id, func(e *jobEntry) {
		if e.job.Status != JobQueued {
			return
		}
		now := time.Now().UTC()
		e.job.Status = JobCancelled
		e.job.Stage = string(JobCancelled)
		e.job.CompletedAt = &now
		e.job.Error = context.Canceled.Error()
	})
}

// Get returns a job snapshot.
func (t *JobTracker) Get(id string) (Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.jobs[id]
	if !ok {
		return Job{}, false
	}
	return e.job, true
}

// Prune forgets finished jobs that completed before the cutoff.
func (t *JobTracker) Prune(before time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, e := range t.jobs {
		if e.job.CompletedAt != nil && e.job.CompletedAt.Before(before) && len(t.subs[id]) == 0 {
			delete(t.jobs, id)
			delete(t.subs, id)
			n++
		}
	}
	return n
}

// Subscribe returns a channel that receives job updates.
func (t *JobTracker) Subscribe(id string) chan Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Job, 16)
	t.subs[id] = append(t.subs[id], ch)
	return ch
}

// Unsubscribe removes a channel from subscribers and closes it.
func (t *JobTracker) Unsubscribe(id string, ch chan Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs := t.subs[id]
	for i, s := range subs {
		if s == ch {
			t.subs[id] = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}
}

// Reporter adapts the job to a ProgressReporter.
func (t *JobTracker) Reporter(id string) ProgressReporter {
	return jobReporter{tracker: t, id: id}
}

func (t *JobTracker) update(id string, fn func(*jobEntry)) {
	t.mu.Lock()
	e, ok := t.jobs[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	fn(e)
	snapshot := e.job
	t.mu.Unlock()

	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send.
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ch := range t.subs[id] {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

type jobReporter struct {
	tracker *JobTracker
	id      string
}

func (r jobReporter) Stage(stage string, done, total int) {
	r.tracker.Progress(r.id, stage, done, total)
}
