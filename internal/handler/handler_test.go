package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/11PRIMUS/memento3/internal/adapter/ai"
	"github.com/11PRIMUS/memento3/internal/adapter/store"
	"github.com/11PRIMUS/memento3/internal/adapter/vcs"
	"github.com/11PRIMUS/memento3/internal/domain"
	"github.com/11PRIMUS/memento3/internal/port"
	"github.com/11PRIMUS/memento3/internal/retry"
	"github.com/11PRIMUS/memento3/internal/service"
)

const dim = 256

type stubVCS struct {
	commits []domain.Commit
	metaErr error
}

func (s *stubVCS) ParseURL(raw string) (string, string, error) { return vcs.ParseGitHubURL(raw) }
func (s *stubVCS) CanonicalURL(owner, name string) string    { return vcs.CanonicalURL(owner, name) }

func (s *stubVCS) GetMetadata(ctx context.Context, owner, name string) (*domain.RepoMetadata, error) {
	if s.metaErr != nil {
		return nil, s.metaErr
	}
	return &domain.RepoMetadata{Name: name, Owner: owner, DefaultBranch: "main", ExternalID: 7}, nil
}

func (s *stubVCS) GetCommits(ctx context.Context, owner, name string, maxCount int) ([]domain.Commit, error) {
	return s.commits[:min(maxCount, len(s.commits))], nil
}

func (s *stubVCS) GetDiff(ctx context.Context, owner, name, sha string) (string, error) {
	return "diff --git a/session.go b/session.go\n", nil
}

func (s *stubVCS) RateLimit(ctx context.Context) (*domain.RateLimit, error) {
	return &domain.RateLimit{Limit: 60, Remaining: 42}, nil
}

type stubLLM struct{}

func (stubLLM) ModelName() string { return "stub" }

func (stubLLM) Generate(ctx context.Context, system, user string) (string, error) {
	return "The session bug fix refactored the login function to renew the session.", nil
}

func sha(n int) string { return fmt.Sprintf("%040x", n) }

type testServer struct {
	app     *fiber.App
	store   *store.SQLiteStore
	vcs     *stubVCS
	tracker *service.JobTracker
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWith(t, ai.NewHashEmbedder(dim))
}

func newTestServerWith(t *testing.T, embedder port.Embedder) *testServer {
	t.Helper()
	ctx := context.Background()
	s, err := store.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "memento.db"), dim)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(ctx))

	day := func(n int) time.Time { return time.Date(2024, 3, n, 9, 0, 0, 0, time.UTC) }
	src := &stubVCS{commits: []domain.Commit{
		{SHA: sha(3), Message: "Fix login session bug", AuthorName: "Ada", CommitDate: day(3), Additions: 4, Deletions: 2},
		{SHA: sha(2), Message: "Add billing export", AuthorName: "Lin", CommitDate: day(2), Additions: 90},
		{SHA: sha(1), Message: "Update README", AuthorName: "Ada", CommitDate: day(1), Additions: 1},
	}}

	fast := retry.Policy{MaxTries: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 2}
	events := service.NewRepoEventBus()
	embeddings := service.NewEmbeddingEngine(embedder, s, service.EmbeddingOptions{Dimension: dim})
	pipeline := service.NewIndexingPipeline(s, src, embeddings, service.PipelineOptions{Retry: fast, Events: events})
	tracker := service.NewJobTracker()
	queue := service.NewIngestQueue(pipeline, tracker, service.QueueOptions{Workers: 1, Size: 8})
	queue.Start(ctx)
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = queue.Stop(stopCtx)
	})

	analysis := service.NewAnalysisEngine(s, embeddings, stubLLM{}, service.AnalysisOptions{Retry: fast})
	repos := service.NewRepoService(s, src, queue, embeddings, events, "test")

	app := fiber.New()
	api := app.Group("/api/v1")
	NewHealthHandler(repos).Register(api)
	NewRepoHandler(repos, analysis, events).Register(api)
	NewAnalysisHandler(analysis, repos).Register(api)
	NewJobsHandler(tracker, queue).Register(api)

	return &testServer{app: app, store: s, vcs: src, tracker: tracker}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := ts.app.Test(req, fiber.TestConfig{Timeout: 5 * time.Second})
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func (ts *testServer) json(t *testing.T, method, path string, body any, wantStatus int) map[string]any {
	t.Helper()
	status, raw := ts.do(t, method, path, body)
	require.Equal(t, wantStatus, status, string(raw))
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return out
}

func (ts *testServer) register(t *testing.T, url string) (int64, string) {
	t.Helper()
	out := ts.json(t, http.MethodPost, "/api/v1/repositories", fiber.Map{"url": url}, fiber.StatusCreated)
	return int64(out["id"].(float64)), out["job_id"].(string)
}

func (ts *testServer) waitJob(t *testing.T, jobID string) service.Job {
	t.Helper()
	var job service.Job
	require.Eventually(t, func() bool {
		var ok bool
		job, ok = ts.tracker.Get(jobID)
		return ok && job.Status.Done()
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

func TestRegisterIngestAndAnswer(t *testing.T) {
	ts := newTestServer(t)

	out := ts.json(t, http.MethodPost, "/api/v1/repositories",
		fiber.Map{"url": "https://github.com/acme/widgets.git", "max_commits": 10}, fiber.StatusCreated)
	assert.Equal(t, "PENDING", out["status"])
	assert.Equal(t, "https://github.com/acme/widgets", out["url"])
	assert.NotEmpty(t, out["job_id"])
	id := int64(out["id"].(float64))

	job := ts.waitJob(t, out["job_id"].(string))
	require.Equal(t, service.JobComplete, job.Status, job.Error)

	repo := ts.json(t, http.MethodGet, fmt.Sprintf("/api/v1/repositories/%d", id), nil, fiber.StatusOK)
	assert.Equal(t, "COMPLETED", repo["status"])
	assert.Equal(t, 3.0, repo["total_commits"])

	stats := ts.json(t, http.MethodGet, fmt.Sprintf("/api/v1/repositories/%d/stats", id), nil, fiber.StatusOK)
	assert.Equal(t, 100.0, stats["embedding_progress"])

	search := ts.json(t, http.MethodPost, fmt.Sprintf("/api/v1/repositories/%d/search", id),
		fiber.Map{"query": "Fix login session bug"}, fiber.StatusOK)
	require.Equal(t, 1.0, search["count"])

	res := ts.json(t, http.MethodPost, "/api/v1/analysis/analyze",
		fiber.Map{"repository_id": id, "question": "Fix login session bug"}, fiber.StatusOK)
	assert.Contains(t, res["answer"], "session")
	commits := res["relevant_commits"].([]any)
	require.Len(t, commits, 1)
	assert.Equal(t, sha(3), commits[0].(map[string]any)["sha"])
	assert.Greater(t, res["confidence_score"].(float64), 0.0)

	history := ts.json(t, http.MethodGet, fmt.Sprintf("/api/v1/analysis/repository/%d/history", id), nil, fiber.StatusOK)
	assert.Equal(t, 1.0, history["total"])

	list := ts.json(t, http.MethodGet, fmt.Sprintf("/api/v1/repositories/%d/commits?per_page=2", id), nil, fiber.StatusOK)
	assert.Equal(t, 3.0, list["total"])
	assert.Equal(t, true, list["has_next"])

	status, body := ts.do(t, http.MethodGet, fmt.Sprintf("/api/v1/repositories/%d/commits/%s/diff", id, sha(3)), nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.True(t, strings.HasPrefix(string(body), "diff --git"))

	global := ts.json(t, http.MethodGet, "/api/v1/stats", nil, fiber.StatusOK)
	assert.Equal(t, 1.0, global["total_repositories"])
	assert.Equal(t, 3.0, global["total_embeddings"])
}

func TestAnalyzeWithoutMatchesReturnsCannedAnswer(t *testing.T) {
	ts := newTestServer(t)
	id, jobID := ts.register(t, "https://github.com/acme/widgets")
	ts.waitJob(t, jobID)

	res := ts.json(t, http.MethodPost, "/api/v1/analysis/analyze",
		fiber.Map{"repository_id": id, "question": "Who maintains the kubernetes operator?"}, fiber.StatusOK)
	assert.Equal(t, 0.0, res["confidence_score"])
	assert.Empty(t, res["relevant_commits"])
	assert.Contains(t, res["answer"], "lowering the similarity threshold")
}

func TestRegisterErrors(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "https://github.com/acme/widgets")

	out := ts.json(t, http.MethodPost, "/api/v1/repositories", fiber.Map{"url": "https://www.github.com/acme/widgets/"}, fiber.StatusBadRequest)
	assert.Equal(t, "Repository already exists", out["error"])

	ts.json(t, http.MethodPost, "/api/v1/repositories", fiber.Map{"url": "https://gitlab.com/acme/widgets"}, fiber.StatusBadRequest)
	ts.json(t, http.MethodPost, "/api/v1/repositories", fiber.Map{"url": "https://github.com/acme/x", "max_commits": 5000}, fiber.StatusBadRequest)

	ts.vcs.metaErr = &port.UpstreamError{Service: "github", StatusCode: 404, Body: "Not Found"}
	ts.json(t, http.MethodPost, "/api/v1/repositories", fiber.Map{"url": "https://github.com/acme/missing"}, fiber.StatusNotFound)

	ts.vcs.metaErr = &port.UpstreamError{Service: "github", StatusCode: 500, Body: "oops"}
	ts.json(t, http.MethodPost, "/api/v1/repositories", fiber.Map{"url": "https://github.com/acme/broken"}, fiber.StatusBadGateway)
}

func TestAnalyzeRejections(t *testing.T) {
	ts := newTestServer(t)
	pending, err := ts.store.CreateRepository(context.Background(), &domain.Repository{
		Name: "pending", Owner: "acme", URL: "https://github.com/acme/pending", MaxCommits: 10,
	})
	require.NoError(t, err)

	ts.json(t, http.MethodPost, "/api/v1/analysis/analyze", fiber.Map{"repository_id": 999, "question": "why?"}, fiber.StatusNotFound)
	ts.json(t, http.MethodPost, "/api/v1/analysis/analyze", fiber.Map{"repository_id": pending.ID, "question": "why?"}, fiber.StatusBadRequest)
	ts.json(t, http.MethodPost, "/api/v1/analysis/analyze", fiber.Map{"repository_id": pending.ID, "question": "  "}, fiber.StatusBadRequest)
	ts.json(t, http.MethodPost, "/api/v1/analysis/analyze",
		fiber.Map{"repository_id": pending.ID, "question": "why?", "similarity_threshold": 2}, fiber.StatusBadRequest)
}

func TestDeleteRefusedWhileIndexing(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	repo, err := ts.store.CreateRepository(ctx, &domain.Repository{
		Name: "busy", Owner: "acme", URL: "https://github.com/acme/busy", MaxCommits: 10,
	})
	require.NoError(t, err)
	_, err = ts.store.BeginIndexing(ctx, repo.ID)
	require.NoError(t, err)

	path := fmt.Sprintf("/api/v1/repositories/%d", repo.ID)
	ts.json(t, http.MethodDelete, path, nil, fiber.StatusConflict)
	ts.json(t, http.MethodPost, path+"/reindex", nil, fiber.StatusConflict)

	_, err = ts.store.UpdateRepositoryStatus(ctx, repo.ID, domain.RepoStatusError, domain.StatusUpdate{}.WithError("boom"))
	require.NoError(t, err)
	ts.json(t, http.MethodDelete, path, nil, fiber.StatusOK)
	ts.json(t, http.MethodGet, path, nil, fiber.StatusNotFound)
}

func TestListRepositoriesPagination(t *testing.T) {
	ts := newTestServer(t)
	for _, name := range []string{"a", "b", "c"} {
		_, jobID := ts.register(t, "https://github.com/acme/"+name)
		ts.waitJob(t, jobID)
	}

	out := ts.json(t, http.MethodGet, "/api/v1/repositories?page=1&per_page=2", nil, fiber.StatusOK)
	assert.Len(t, out["repositories"], 2)
	assert.Equal(t, 3.0, out["total"])
	assert.Equal(t, true, out["has_next"])

	out = ts.json(t, http.MethodGet, "/api/v1/repositories?page=2&per_page=2", nil, fiber.StatusOK)
	assert.Len(t, out["repositories"], 1)
	assert.Equal(t, false, out["has_next"])

	ts.json(t, http.MethodGet, "/api/v1/repositories?per_page=101", nil, fiber.StatusBadRequest)
	ts.json(t, http.MethodGet, "/api/v1/repositories?page=abc", nil, fiber.StatusBadRequest)
	ts.json(t, http.MethodGet, "/api/v1/repositories/abc", nil, fiber.StatusBadRequest)
}

func TestJobEndpoints(t *testing.T) {
	ts := newTestServer(t)
	_, jobID := ts.register(t, "https://github.com/acme/widgets")
	ts.waitJob(t, jobID)

	job := ts.json(t, http.MethodGet, "/api/v1/jobs/"+jobID, nil, fiber.StatusOK)
	assert.Equal(t, "complete", job["status"])
	assert.Equal(t, "ingest", job["kind"])

	status, body := ts.do(t, http.MethodGet, "/api/v1/jobs/"+jobID+"/stream", nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.True(t, strings.HasPrefix(string(body), "event: complete\ndata: "), string(body))

	ts.json(t, http.MethodGet, "/api/v1/jobs/nope", nil, fiber.StatusNotFound)
	ts.json(t, http.MethodDelete, "/api/v1/jobs/nope", nil, fiber.StatusNotFound)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	out := ts.json(t, http.MethodGet, "/api/v1/health", nil, fiber.StatusOK)
	assert.Equal(t, "healthy", out["status"])
	assert.Equal(t, "test", out["version"])
	rl := out["github_rate_limit"].(map[string]any)
	assert.Equal(t, 42.0, rl["remaining"])
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{port.ErrRepoNotFound, fiber.StatusNotFound},
		{fmt.Errorf("get: %w", port.ErrCommitNotFound), fiber.StatusNotFound},
		{port.ErrInvalidURL, fiber.StatusBadRequest},
		{port.ErrPrecondition, fiber.StatusBadRequest},
		{port.ErrAlreadyExists, fiber.StatusBadRequest},
		{port.ErrIndexingInProgress, fiber.StatusConflict},
		{port.ErrQueueFull, fiber.StatusServiceUnavailable},
		{&port.UpstreamError{Service: "github", StatusCode: 502}, fiber.StatusBadGateway},
		{&port.UpstreamError{Service: "github", StatusCode: 404}, fiber.StatusNotFound},
		{port.ErrPersistence, fiber.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

// missingModel answers like an embedding server that never pulled the model.
type missingModel struct{}

func (missingModel) ModelName() string { return "all-minilm" }

func (missingModel) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, &port.UpstreamError{Service: "ollama", StatusCode: http.StatusNotFound, Body: `{"error":"model \"all-minilm\" not found"}`}
}

func TestMissingEmbeddingModelIsBadGateway(t *testing.T) {
	ts := newTestServerWith(t, missingModel{})
	ctx := context.Background()

	repo, err := ts.store.CreateRepository(ctx, &domain.Repository{
		Name: "widgets", Owner: "acme", URL: "https://github.com/acme/widgets", MaxCommits: 50,
	})
	require.NoError(t, err)
	_, err = ts.store.UpdateRepositoryStatus(ctx, repo.ID, domain.RepoStatusCompleted,
		domain.Counts(0, 0).WithAnalyzedAt(time.Now()))
	require.NoError(t, err)

	status, body := ts.do(t, http.MethodPost, "/api/v1/analysis/analyze", map[string]any{
		"repository_id": repo.ID,
		"question":      "who fixed the login bug?",
	})
	assert.Equal(t, http.StatusBadGateway, status, string(body))
	assert.Contains(t, string(body), "embed query")

	status, body = ts.do(t, http.MethodPost, fmt.Sprintf("/api/v1/repositories/%d/search", repo.ID), map[string]any{
		"query": "login bug",
	})
	assert.Equal(t, http.StatusBadGateway, status, string(body))
}
