package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/11PRIMUS/memento3/internal/domain"
	"github.com/11PRIMUS/memento3/internal/port"
	"github.com/11PRIMUS/memento3/internal/service"
)

type fakeAnalyzer struct {
	lastThreshold float64
	lastReq       domain.AnalysisRequest
}

func (f *fakeAnalyzer) FindSimilar(ctx context.Context, query string, repoID int64, limit int, threshold float64) ([]domain.SimilarCommit, error) {
	f.lastThreshold = threshold
	if repoID != 1 {
		return nil, port.ErrRepoNotFound
	}
	return []domain.SimilarCommit{{
		SHA:        "0123456789abcdef0123456789abcdef01234567",
		Message:    "Fix login bug\n\nLong body",
		Author:     "Ada",
		CommitDate: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		Similarity: 0.91,
	}}, nil
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, req domain.AnalysisRequest) (*domain.AnalysisResult, error) {
	f.lastReq = req
	return &domain.AnalysisResult{
		Answer:          "It was a session timeout.",
		Confidence:      0.75,
		RelevantCommits: []domain.RelevantCommit{{SHA: "abc"}},
	}, nil
}

type fakeRepos struct{}

func (fakeRepos) List(ctx context.Context, page, perPage int) (service.Page[domain.Repository], error) {
	return service.Page[domain.Repository]{
		Items: []domain.Repository{{ID: 1, Owner: "acme", Name: "widgets", Status: domain.RepoStatusCompleted, TotalCommits: 12}},
		Total: 1, Page: page, PerPage: perPage,
	}, nil
}

func (fakeRepos) Stats(ctx context.Context, id int64) (*domain.RepoStats, error) {
	s := domain.NewRepoStats(id, 10, 5)
	return &s, nil
}

func call(t *testing.T, srv *Server, method string, params any) JSONRPCResponse {
	t.Helper()
	body := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		body["params"] = params
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(raw)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp JSONRPCResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func toolText(t *testing.T, resp JSONRPCResponse) (string, bool) {
	t.Helper()
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]any)
	items := result["content"].([]any)
	require.NotEmpty(t, items)
	isErr, _ := result["isError"].(bool)
	return items[0].(map[string]any)["text"].(string), isErr
}

func TestInitializeAndListTools(t *testing.T) {
	srv := NewServer(&fakeAnalyzer{}, fakeRepos{}, "1.2.3", ":0")

	resp := call(t, srv, "initialize", nil)
	require.Nil(t, resp.Error)
	info := resp.Result.(map[string]any)["serverInfo"].(map[string]any)
	assert.Equal(t, "1.2.3", info["version"])

	resp = call(t, srv, "tools/list", nil)
	require.Nil(t, resp.Error)
	var names []string
	for _, tool := range resp.Result.(map[string]any)["tools"].([]any) {
		names = append(names, tool.(map[string]any)["name"].(string))
	}
	assert.Equal(t, []string{"search_commits", "ask_repository", "list_repositories", "repository_stats"}, names)
}

func TestSearchCommitsTool(t *testing.T) {
	a := &fakeAnalyzer{}
	srv := NewServer(a, fakeRepos{}, "dev", ":0")

	text, isErr := toolText(t, call(t, srv, "tools/call", map[string]any{
		"name":      "search_commits",
		"arguments": map[string]any{"repository_id": 1, "query": "login"},
	}))
	assert.False(t, isErr)
	assert.Contains(t, text, "0123456789ab (0.91) 2024-05-01 <Ada>")
	assert.NotContains(t, text, "Long body")
	assert.Equal(t, domain.DefaultSimilarityCutoff, a.lastThreshold)

	text, isErr = toolText(t, call(t, srv, "tools/call", map[string]any{
		"name":      "search_commits",
		"arguments": map[string]any{"repository_id": 2, "query": "login", "similarity_threshold": 0},
	}))
	assert.True(t, isErr)
	assert.Contains(t, text, "not found")
	assert.Zero(t, a.lastThreshold)
}

func TestAskRepositoryTool(t *testing.T) {
	a := &fakeAnalyzer{}
	srv := NewServer(a, fakeRepos{}, "dev", ":0")

	text, isErr := toolText(t, call(t, srv, "tools/call", map[string]any{
		"name":      "ask_repository",
		"arguments": map[string]any{"repository_id": 1, "question": "why did login break?", "max_commits": 5},
	}))
	assert.False(t, isErr)
	assert.Contains(t, text, "It was a session timeout.")
	assert.Contains(t, text, "Confidence: 0.75")
	assert.Equal(t, 5, a.lastReq.MaxCommits)
}

func TestListAndStatsTools(t *testing.T) {
	srv := NewServer(&fakeAnalyzer{}, fakeRepos{}, "dev", ":0")

	text, _ := toolText(t, call(t, srv, "tools/call", map[string]any{"name": "list_repositories"}))
	assert.Contains(t, text, `"name": "acme/widgets"`)

	text, _ = toolText(t, call(t, srv, "tools/call", map[string]any{
		"name": "repository_stats", "arguments": map[string]any{"repository_id": 4},
	}))
	assert.Contains(t, text, `"embedding_progress": 50`)
}

func TestProtocolErrors(t *testing.T) {
	srv := NewServer(&fakeAnalyzer{}, fakeRepos{}, "dev", ":0")

	resp := call(t, srv, "resources/list", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeMethodNotFound, resp.Error.Code)

	resp = call(t, srv, "tools/call", map[string]any{"name": "drop_tables"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidParams, resp.Error.Code)

	resp = call(t, srv, "tools/call", map[string]any{"name": "repository_stats", "arguments": map[string]any{"repository_id": "x"}})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidParams, resp.Error.Code)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString("{")))
	var parsed JSONRPCResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &parsed))
	assert.Equal(t, codeParseError, parsed.Error.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mcp", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
