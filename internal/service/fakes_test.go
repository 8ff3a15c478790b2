package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/11PRIMUS/memento3/internal/adapter/store"
	"github.com/11PRIMUS/memento3/internal/adapter/vcs"
	"github.com/11PRIMUS/memento3/internal/domain"
	"github.com/11PRIMUS/memento3/internal/port"
	"github.com/11PRIMUS/memento3/internal/retry"
)

const testDim = 3

func fastRetry() retry.Policy {
	return retry.Policy{MaxTries: 3, InitialInterval: time.Millisecond, MaxInterval: 4 * time.Millisecond, Multiplier: 2}
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	ctx := context.Background()
	s, err := store.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "memento.db"), testDim)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func createRepo(t *testing.T, s port.RepositoryStore, name string) *domain.Repository {
	t.Helper()
	r, err := s.CreateRepository(context.Background(), &domain.Repository{
		Name:          name,
		Owner:         "acme",
		URL:           "https://github.com/acme/" + name,
		DefaultBranch: "main",
		MaxCommits:    50,
	})
	require.NoError(t, err)
	return r
}

func completeRepo(t *testing.T, s port.RepositoryStore, id int64, total int) {
	t.Helper()
	_, err := s.UpdateRepositoryStatus(context.Background(), id, domain.RepoStatusCompleted,
		domain.Counts(total, total).WithAnalyzedAt(time.Now()))
	require.NoError(t, err)
}

func sha(n int) string {
	return fmt.Sprintf("%040x", n)
}

func testCommit(n int, msg string, files ...string) domain.Commit {
	return domain.Commit{
		SHA:          sha(n),
		Message:      msg,
		AuthorName:   "Ada",
		AuthorEmail:  "ada@example.com",
		CommitDate:   time.Date(2024, 1, n, 12, 0, 0, 0, time.UTC),
		Additions:    n,
		Deletions:    1,
		FilesChanged: files,
	}
}

// unitAt returns a unit vector whose cosine similarity with (1,0,0) is sim.
func unitAt(sim float64) []float32 {
	return []float32{float32(sim), float32(math.Sqrt(1 - sim*sim)), 0}
}

var errTransport = &port.UpstreamError{Service: "github", Err: errors.New("connection reset by peer")}

type fakeVCS struct {
	mu      sync.Mutex
	commits []domain.Commit
	errs    []error // per GetCommits call, in order
	partial int     // commits returned alongside an error
	calls   int
	maxSeen int
	onFetch func(ctx context.Context)
	meta    *domain.RepoMetadata
	metaErr error
	diff    string
	rateErr error
}

func (f *fakeVCS) ParseURL(raw string) (string, string, error) {
	return vcs.ParseGitHubURL(raw)
}

func (f *fakeVCS) CanonicalURL(owner, name string) string {
	return vcs.CanonicalURL(owner, name)
}

func (f *fakeVCS) GetMetadata(ctx context.Context, owner, name string) (*domain.RepoMetadata, error) {
	if f.metaErr != nil {
		return nil, f.metaErr
	}
	if f.meta != nil {
		return f.meta, nil
	}
	return &domain.RepoMetadata{Name: name, Owner: owner, DefaultBranch: "main", ExternalID: 99, Stars: 5, Language: "Go"}, nil
}

func (f *fakeVCS) GetCommits(ctx context.Context, owner, name string, maxCount int) ([]domain.Commit, error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	f.maxSeen = maxCount
	f.mu.Unlock()

	if f.onFetch != nil {
		f.onFetch(ctx)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if call < len(f.errs) && f.errs[call] != nil {
		return f.commits[:min(f.partial, len(f.commits))], f.errs[call]
	}
	return f.commits[:min(maxCount, len(f.commits))], nil
}

func (f *fakeVCS) GetDiff(ctx context.Context, owner, name, sha string) (string, error) {
	return f.diff, nil
}

func (f *fakeVCS) RateLimit(ctx context.Context) (*domain.RateLimit, error) {
	if f.rateErr != nil {
		return nil, f.rateErr
	}
	return &domain.RateLimit{Limit: 5000, Remaining: 4999}, nil
}

func (f *fakeVCS) fetchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeEmbedder maps known texts to fixed vectors; other texts get (0,0,1).
type fakeEmbedder struct {
	mu        sync.Mutex
	vectors   map[string][]float32
	failOn    map[string]bool
	probeErrs []error
	dim       int
	calls     int
	probes    int
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vectors: map[string][]float32{}, failOn: map[string]bool{}, dim: testDim}
}

func (f *fakeEmbedder) ModelName() string { return "fake-embed" }

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(texts) == 1 && texts[0] == "memento warmup" {
		f.probes++
		if len(f.probeErrs) > 0 {
			err := f.probeErrs[0]
			f.probeErrs = f.probeErrs[1:]
			return nil, err
		}
	} else {
		f.calls++
	}

	out := make([][]float32, len(texts))
	for i, t := range texts {
		if f.failOn[t] {
			return nil, &port.UpstreamError{Service: "ollama", StatusCode: 500, Body: "boom"}
		}
		if v, ok := f.vectors[t]; ok {
			out[i] = v
			continue
		}
		v := make([]float32, f.dim)
		v[f.dim-1] = 1
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) batchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeLLM struct {
	mu      sync.Mutex
	answers []string
	errs    []error
	calls   int
	prompts []string
}

func (f *fakeLLM) ModelName() string { return "fake-chat" }

func (f *fakeLLM) Generate(ctx context.Context, system, user string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	f.prompts = append(f.prompts, user)
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.answers) {
		return f.answers[i], nil
	}
	if len(f.answers) > 0 {
		return f.answers[len(f.answers)-1], nil
	}
	return "", nil
}

// recordingProgress keeps every stage update.
type recordingProgress struct {
	mu     sync.Mutex
	stages []string
}

func (r *recordingProgress) Stage(stage string, done, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.stages); n == 0 || r.stages[n-1] != stage {
		r.stages = append(r.stages, stage)
	}
}
