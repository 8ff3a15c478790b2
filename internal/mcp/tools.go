package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/11PRIMUS/memento3/internal/domain"
)

var tools = []Tool{
	{
		Name:        "search_commits",
		Description: "Find the commits of a repository most similar to a free-text query",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"repository_id": {"type": "integer", "description": "Repository ID"},
				"query": {"type": "string", "description": "Search query"},
				"limit": {"type": "integer", "minimum": 1, "maximum": 50},
				"similarity_threshold": {"type": "number", "minimum": 0, "maximum": 1}
			},
			"required": ["repository_id", "query"]
		}`),
	},
	{
		Name:        "ask_repository",
		Description: "Answer a question about a repository from its commit history",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"repository_id": {"type": "integer", "description": "Repository ID"},
				"question": {"type": "string", "maxLength": 1000},
				"max_commits": {"type": "integer", "minimum": 1, "maximum": 50},
				"similarity_threshold": {"type": "number", "minimum": 0, "maximum": 1}
			},
			"required": ["repository_id", "question"]
		}`),
	},
	{
		Name:        "list_repositories",
		Description: "List registered repositories and their indexing status",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"page": {"type": "integer", "minimum": 1},
				"per_page": {"type": "integer", "minimum": 1, "maximum": 100}
			}
		}`),
	},
	{
		Name:        "repository_stats",
		Description: "Report commit and embedding totals of a repository",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"repository_id": {"type": "integer", "description": "Repository ID"}
			},
			"required": ["repository_id"]
		}`),
	},
}

// toolResult is the MCP tools/call payload. Tool failures are reported in-band
// with IsError so the calling agent can read them.
type toolResult struct {
	Content []content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

type content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func textResult(text string) toolResult {
	return toolResult{Content: []content{{Type: "text", Text: text}}}
}

func jsonResult(v any) (toolResult, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolResult{}, err
	}
	return textResult(string(raw)), nil
}

func errorResult(err error) toolResult {
	r := textResult(err.Error())
	r.IsError = true
	return r
}

func (s *Server) callTool(ctx context.Context, params json.RawMessage) (any, error) {
	var req struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	if len(req.Arguments) == 0 {
		req.Arguments = json.RawMessage(`{}`)
	}

	var (
		result toolResult
		err    error
	)
	switch req.Name {
	case "search_commits":
		result, err = s.searchCommits(ctx, req.Arguments)
	case "ask_repository":
		result, err = s.askRepository(ctx, req.Arguments)
	case "list_repositories":
		result, err = s.listRepositories(ctx, req.Arguments)
	case "repository_stats":
		result, err = s.repositoryStats(ctx, req.Arguments)
	default:
		return nil, &RPCError{Code: codeInvalidParams, Message: "unknown tool: " + req.Name}
	}
	var rpcErr *RPCError
	switch {
	case errors.As(err, &rpcErr):
		return nil, rpcErr
	case err != nil:
		return errorResult(err), nil
	}
	return result, nil
}

func decodeArgs(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return &RPCError{Code: codeInvalidParams, Message: "invalid arguments: " + err.Error()}
	}
	return nil
}

func (s *Server) searchCommits(ctx context.Context, raw json.RawMessage) (toolResult, error) {
	args := struct {
		RepositoryID int64    `json:"repository_id"`
		Query        string   `json:"query"`
		Limit        int      `json:"limit"`
		Threshold    *float64 `json:"similarity_threshold"`
	}{}
	if err := decodeArgs(raw, &args); err != nil {
		return toolResult{}, err
	}
	threshold := domain.DefaultSimilarityCutoff
	if args.Threshold != nil {
		threshold = *args.Threshold
	}
	hits, err := s.analyzer.FindSimilar(ctx, args.Query, args.RepositoryID, args.Limit, threshold)
	if err != nil {
		return toolResult{}, err
	}
	if len(hits) == 0 {
		return textResult("No commits above the similarity threshold."), nil
	}

	var b strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&b, "%d. %s (%.2f) %s <%s>\n   %s\n",
			i+1, h.SHA[:min(12, len(h.SHA))], h.Similarity, h.CommitDate.Format("2006-01-02"), h.Author,
			strings.TrimSpace(firstLine(h.Message)))
	}
	return textResult(strings.TrimRight(b.String(), "\n")), nil
}

func (s *Server) askRepository(ctx context.Context, raw json.RawMessage) (toolResult, error) {
	var req domain.AnalysisRequest
	if err := decodeArgs(raw, &req); err != nil {
		return toolResult{}, err
	}
	res, err := s.analyzer.Analyze(ctx, req)
	if err != nil {
		return toolResult{}, err
	}
	text := res.Answer
	if len(res.RelevantCommits) > 0 {
		shas := make([]string, 0, len(res.RelevantCommits))
		for _, c := range res.RelevantCommits {
			shas = append(shas, c.SHA)
		}
		text += fmt.Sprintf("\n\nConfidence: %.2f\nCommits: %s", res.Confidence, strings.Join(shas, ", "))
	}
	return textResult(text), nil
}

func (s *Server) listRepositories(ctx context.Context, raw json.RawMessage) (toolResult, error) {
	args := struct {
		Page    int `json:"page"`
		PerPage int `json:"per_page"`
	}{Page: 1, PerPage: domain.DefaultRepositoryPerPage}
	if err := decodeArgs(raw, &args); err != nil {
		return toolResult{}, err
	}
	p, err := s.repos.List(ctx, args.Page, args.PerPage)
	if err != nil {
		return toolResult{}, err
	}
	type row struct {
		ID           int64             `json:"id"`
		Name         string            `json:"name"`
		URL          string            `json:"url"`
		Status       domain.RepoStatus `json:"status"`
		TotalCommits int               `json:"total_commits"`
	}
	rows := make([]row, 0, len(p.Items))
	for _, r := range p.Items {
		rows = append(rows, row{ID: r.ID, Name: r.Slug(), URL: r.URL, Status: r.Status, TotalCommits: r.TotalCommits})
	}
	return jsonResult(map[string]any{"repositories": rows, "total": p.Total, "has_next": p.HasNext})
}

func (s *Server) repositoryStats(ctx context.Context, raw json.RawMessage) (toolResult, error) {
	args := struct {
		RepositoryID int64 `json:"repository_id"`
	}{}
	if err := decodeArgs(raw, &args); err != nil {
		return toolResult{}, err
	}
	stats, err := s.repos.Stats(ctx, args.RepositoryID)
	if err != nil {
		return toolResult{}, err
	}
	return jsonResult(stats)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
