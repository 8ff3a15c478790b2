package vcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/11PRIMUS/memento3/internal/domain"
	"github.com/11PRIMUS/memento3/internal/port"
)

const (
	// DefaultAPIURL is the public GitHub REST endpoint.
	DefaultAPIURL = "https://api.github.com"

	maxPerPage   = 100
	userAgent    = "MementoAI"
	acceptJSON   = "application/vnd.github.v3+json"
	acceptDiff   = "application/vnd.github.v3.diff"
	maxErrorBody = 512
)

// GitHubConfig configures the REST client.
type GitHubConfig struct {
	APIURL  string        // e.g. https://api.github.com
	Token   string        // personal access token (empty = unauthenticated, low rate limit)
	Timeout time.Duration // per request
}

// GitHubClient implements port.SourceControl against the GitHub REST API v3.
type GitHubClient struct {
	cfg        GitHubConfig
	httpClient *http.Client
}

var _ port.SourceControl = (*GitHubClient)(nil)

// NewGitHubClient creates a client. Zero values fall back to the public API and a 30s timeout.
func NewGitHubClient(cfg GitHubConfig) *GitHubClient {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Token == "" {
		slog.Warn("github client has no token, rate limit is reduced")
	}
	return &GitHubClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// CanonicalURL is the stored form of a repository URL. GitHub resolves owner
// and name case-insensitively, so the stored form is lower case.
func CanonicalURL(owner, name string) string {
	return "https://github.com/" + strings.ToLower(owner) + "/" + strings.ToLower(name)
}

// CanonicalURL implements port.SourceControl.
func (g *GitHubClient) CanonicalURL(owner, name string) string {
	return CanonicalURL(owner, name)
}

// ParseURL extracts owner and name from a github.com repository URL.
func (g *GitHubClient) ParseURL(rawURL string) (string, string, error) {
	return ParseGitHubURL(rawURL)
}

// ParseGitHubURL accepts http(s)://[www.]github.com/owner/name[.git][/...].
func ParseGitHubURL(rawURL string) (string, string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", port.ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", fmt.Errorf("%w: unsupported scheme %q", port.ErrInvalidURL, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host != "github.com" && host != "www.github.com" {
		return "", "", fmt.Errorf("%w: host %q is not github.com", port.ErrInvalidURL, u.Host)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: missing owner or repository name", port.ErrInvalidURL)
	}
	owner := parts[0]
	name := strings.TrimSuffix(parts[1], ".git")
	if name == "" {
		return "", "", fmt.Errorf("%w: missing repository name", port.ErrInvalidURL)
	}
	return owner, name, nil
}

// GetMetadata fetches repository metadata.
func (g *GitHubClient) GetMetadata(ctx context.Context, owner, name string) (*domain.RepoMetadata, error) {
	slog.Debug("fetching repository info", "owner", owner, "repo", name)

	body, err := g.get(ctx, repoPath(owner, name), nil, acceptJSON)
	if err != nil {
		return nil, fmt.Errorf("get repository %s/%s: %w", owner, name, err)
	}

	var resp struct {
		ID    int64  `json:"id"`
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
		Description   *string `json:"description"`
		DefaultBranch string  `json:"default_branch"`
		Stars         int     `json:"stargazers_count"`
		Forks         int     `json:"forks_count"`
		Language      *string `json:"language"`
		Private       bool    `json:"private"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode repository: %w", err)
	}

	meta := &domain.RepoMetadata{
		Name:          resp.Name,
		Owner:         resp.Owner.Login,
		DefaultBranch: resp.DefaultBranch,
		ExternalID:    resp.ID,
		Stars:         resp.Stars,
		Forks:         resp.Forks,
		Private:       resp.Private,
	}
	if resp.Description != nil {
		meta.Description = *resp.Description
	}
	if resp.Language != nil {
		meta.Language = *resp.Language
	}
	if meta.DefaultBranch == "" {
		meta.DefaultBranch = "main"
	}
	if meta.Name == "" {
		meta.Name = name
	}
	if meta.Owner == "" {
		meta.Owner = owner
	}
	return meta, nil
}

// GetCommits pages through the commit list, newest first, and loads each commit's
// stats and files. Commits whose details are permanently unavailable are skipped.
// On a transient failure the commits fetched so far are returned with the error.
func (g *GitHubClient) GetCommits(ctx context.Context, owner, name string, maxCount int) ([]domain.Commit, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	perPage := min(maxPerPage, maxCount)
	slog.Info("starting commit fetch", "owner", owner, "repo", name, "max_commits", maxCount)

	var commits []domain.Commit
	for page := 1; len(commits) < maxCount; page++ {
		q := url.Values{}
		q.Set("per_page", strconv.Itoa(perPage))
		q.Set("page", strconv.Itoa(page))

		body, err := g.get(ctx, repoPath(owner, name)+"/commits", q, acceptJSON)
		if err != nil {
			var ue *port.UpstreamError
			if errors.As(err, &ue) && ue.StatusCode == http.StatusConflict {
				slog.Info("repository is empty", "owner", owner, "repo", name)
				break
			}
			return commits, fmt.Errorf("list commits page %d: %w", page, err)
		}

		var items []struct {
			SHA string `json:"sha"`
		}
		if err := json.Unmarshal(body, &items); err != nil {
			return commits, fmt.Errorf("decode commits page %d: %w", page, err)
		}
		if len(items) == 0 {
			break
		}

		for _, it := range items {
			if len(commits) >= maxCount {
				break
			}
			c, err := g.getCommit(ctx, owner, name, it.SHA)
			if err != nil {
				if port.IsPermanent(err) && ctx.Err() == nil {
					slog.Warn("skipping commit", "sha", shortSHA(it.SHA), "error", err)
					continue
				}
				return commits, err
			}
			commits = append(commits, *c)
		}

		if len(items) < perPage {
			break
		}
	}

	slog.Info("commit fetch completed", "owner", owner, "repo", name, "total_commits", len(commits))
	return commits, nil
}

func (g *GitHubClient) getCommit(ctx context.Context, owner, name, sha string) (*domain.Commit, error) {
	body, err := g.get(ctx, repoPath(owner, name)+"/commits/"+url.PathEscape(sha), nil, acceptJSON)
	if err != nil {
		return nil, fmt.Errorf("get commit %s: %w", shortSHA(sha), err)
	}

	type signature struct {
		Name  string    `json:"name"`
		Email string    `json:"email"`
		Date  time.Time `json:"date"`
	}
	var resp struct {
		SHA    string `json:"sha"`
		Commit struct {
			Message   string    `json:"message"`
			Author    signature `json:"author"`
			Committer signature `json:"committer"`
		} `json:"commit"`
		Stats struct {
			Additions int `json:"additions"`
			Deletions int `json:"deletions"`
		} `json:"stats"`
		Files []struct {
			Filename string `json:"filename"`
		} `json:"files"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode commit %s: %w", shortSHA(sha), err)
	}

	c := &domain.Commit{
		SHA:          resp.SHA,
		Message:      resp.Commit.Message,
		AuthorName:   resp.Commit.Author.Name,
		AuthorEmail:  resp.Commit.Author.Email,
		CommitDate:   resp.Commit.Author.Date,
		Additions:    resp.Stats.Additions,
		Deletions:    resp.Stats.Deletions,
		FilesChanged: make([]string, 0, len(resp.Files)),
	}
	if c.SHA == "" {
		c.SHA = sha
	}
	if c.CommitDate.IsZero() {
		c.CommitDate = resp.Commit.Committer.Date
	}
	for _, f := range resp.Files {
		c.FilesChanged = append(c.FilesChanged, f.Filename)
	}
	return c, nil
}

// GetDiff returns the unified diff of one commit.
func (g *GitHubClient) GetDiff(ctx context.Context, owner, name, sha string) (string, error) {
	body, err := g.get(ctx, repoPath(owner, name)+"/commits/"+url.PathEscape(sha), nil, acceptDiff)
	if err != nil {
		return "", fmt.Errorf("get diff %s: %w", shortSHA(sha), err)
	}
	return string(body), nil
}

// RateLimit reports the core API budget.
func (g *GitHubClient) RateLimit(ctx context.Context) (*domain.RateLimit, error) {
	body, err := g.get(ctx, "/rate_limit", nil, acceptJSON)
	if err != nil {
		return nil, fmt.Errorf("get rate limit: %w", err)
	}

	type bucket struct {
		Limit     int   `json:"limit"`
		Remaining int   `json:"remaining"`
		Reset     int64 `json:"reset"`
	}
	var resp struct {
		Resources struct {
			Core *bucket `json:"core"`
		} `json:"resources"`
		Rate *bucket `json:"rate"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode rate limit: %w", err)
	}

	b := resp.Resources.Core
	if b == nil {
		b = resp.Rate
	}
	if b == nil {
		return nil, fmt.Errorf("decode rate limit: %w", port.ErrUpstream)
	}
	return &domain.RateLimit{
		Limit:     b.Limit,
		Remaining: b.Remaining,
		Reset:     time.Unix(b.Reset, 0).UTC(),
	}, nil
}

// get performs a GET against the API and returns the body of a 200 response.
// Other statuses become *port.UpstreamError.
func (g *GitHubClient) get(ctx context.Context, path string, query url.Values, accept string) ([]byte, error) {
	u := g.cfg.APIURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", userAgent)
	if g.cfg.Token != "" {
		req.Header.Set("Authorization", "token "+g.cfg.Token)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &port.UpstreamError{Service: "github", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &port.UpstreamError{
			Service:     "github",
			StatusCode:  resp.StatusCode,
			Body:        strings.TrimSpace(string(body)),
			RateLimited: isRateLimited(resp),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &port.UpstreamError{Service: "github", Err: fmt.Errorf("read body: %w", err)}
	}
	return body, nil
}

func isRateLimited(resp *http.Response) bool {
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return true
	case http.StatusForbidden:
		return resp.Header.Get("X-RateLimit-Remaining") == "0" || resp.Header.Get("Retry-After") != ""
	}
	return false
}

func repoPath(owner, name string) string {
	return "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(name)
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
