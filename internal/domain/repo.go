package domain

import "time"

// RepoStatus is the lifecycle state of a repository's indexing.
type RepoStatus string

// RepoStatus constants.
const (
	RepoStatusPending   RepoStatus = "PENDING"
	RepoStatusIndexing  RepoStatus = "INDEXING"
	RepoStatusCompleted RepoStatus = "COMPLETED"
	RepoStatusError     RepoStatus = "ERROR"
)

// Valid reports whether s is a known status.
func (s RepoStatus) Valid() bool {
	switch s {
	case RepoStatusPending, RepoStatusIndexing, RepoStatusCompleted, RepoStatusError:
		return true
	}
	return false
}

// Terminal reports whether s ends an ingestion run.
func (s RepoStatus) Terminal() bool {
	return s == RepoStatusCompleted || s == RepoStatusError
}

// CanTransition reports whether a repository may move from one status to another.
// Any state may fail into ERROR. A finished run only re-enters INDEXING through an
// explicit re-run.
func CanTransition(from, to RepoStatus) bool {
	if to == RepoStatusError {
		return true
	}
	switch from {
	case RepoStatusPending:
		return to == RepoStatusIndexing
	case RepoStatusIndexing:
		return to == RepoStatusCompleted
	case RepoStatusCompleted, RepoStatusError:
		return to == RepoStatusIndexing
	}
	return false
}

// Repository represents a tracked GitHub repository.
type Repository struct {
	ID             int64      `json:"id"              db:"id"`
	Name           string     `json:"name"            db:"name"`
	URL            string     `json:"url"             db:"url"`
	Owner          string     `json:"owner"           db:"owner"`
	Description    string     `json:"description"     db:"description"`
	DefaultBranch  string     `json:"default_branch"  db:"default_branch"`
	GitHubID       int64      `json:"github_id"       db:"github_id"`
	Stars          int        `json:"stars"           db:"stars"`
	Forks          int        `json:"forks"           db:"forks"`
	Language       string     `json:"language"        db:"language"`
	Private        bool       `json:"private"         db:"private"`
	Status         RepoStatus `json:"status"          db:"status"`
	TotalCommits   int        `json:"total_commits"   db:"total_commits"`
	IndexedCommits int        `json:"indexed_commits" db:"indexed_commits"`
	MaxCommits     int        `json:"max_commits"     db:"max_commits"`
	ErrorMessage   string     `json:"error_message,omitempty" db:"error_message"`
	LastAnalyzedAt *time.Time `json:"last_analyzed_at" db:"last_analyzed_at"`
	CreatedAt      time.Time  `json:"created_at"      db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"      db:"updated_at"`
}

// Slug returns "owner/name".
func (r *Repository) Slug() string {
	return r.Owner + "/" + r.Name
}

// StatusUpdate carries the optional fields written together with a status change.
// Nil fields are left untouched.
type StatusUpdate struct {
	TotalCommits   *int
	IndexedCommits *int
	LastAnalyzedAt *time.Time
	ErrorMessage   *string
}

// Counts returns a StatusUpdate setting both commit counters.
func Counts(total, indexed int) StatusUpdate {
	return StatusUpdate{TotalCommits: &total, IndexedCommits: &indexed}
}

// WithAnalyzedAt sets LastAnalyzedAt.
func (u StatusUpdate) WithAnalyzedAt(t time.Time) StatusUpdate {
	u.LastAnalyzedAt = &t
	return u
}

// WithError sets ErrorMessage.
func (u StatusUpdate) WithError(msg string) StatusUpdate {
	u.ErrorMessage = &msg
	return u
}

// RepoMetadata is what the source-control provider reports about a repository.
type RepoMetadata struct {
	Name          string `json:"name"`
	Owner         string `json:"owner"`
	Description   string `json:"description"`
	DefaultBranch string `json:"default_branch"`
	ExternalID    int64  `json:"external_id"`
	Stars         int    `json:"stars"`
	Forks         int    `json:"forks"`
	Language      string `json:"language"`
	Private       bool   `json:"private"`
}

// RateLimit is the source-control API budget for the configured credentials.
type RateLimit struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
}
