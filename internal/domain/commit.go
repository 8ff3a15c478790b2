package domain

import (
	"fmt"
	"time"
)

// Commit is a single commit of a tracked repository.
type Commit struct {
	ID           int64      `json:"id"            db:"id"`
	RepositoryID int64      `json:"repository_id" db:"repository_id"`
	SHA          string     `json:"sha"           db:"sha"`
	Message      string     `json:"message"       db:"message"`
	AuthorName   string     `json:"author_name"   db:"author_name"`
	AuthorEmail  string     `json:"author_email"  db:"author_email"`
	CommitDate   time.Time  `json:"commit_date"   db:"commit_date"`
	Additions    int        `json:"additions"     db:"additions"`
	Deletions    int        `json:"deletions"     db:"deletions"`
	FilesChanged []string   `json:"files_changed" db:"files_changed"`
	EmbeddingID  *int64     `json:"embedding_id,omitempty" db:"embedding_id"`
	EmbeddedAt   *time.Time `json:"embedded_at,omitempty"  db:"embedded_at"`
	CreatedAt    time.Time  `json:"created_at"    db:"created_at"`
}

// Embedded reports whether the commit has an embedding attached.
func (c *Commit) Embedded() bool {
	return c.EmbeddingID != nil
}

// Validate checks the fields that must hold before a commit is stored.
func (c *Commit) Validate() error {
	if !IsCommitHash(c.SHA) {
		return fmt.Errorf("commit sha %q: must be 40 hex characters", c.SHA)
	}
	if c.CommitDate.IsZero() {
		return fmt.Errorf("commit %s: missing commit date", c.SHA)
	}
	if c.Additions < 0 || c.Deletions < 0 {
		return fmt.Errorf("commit %s: negative change counts", c.SHA)
	}
	return nil
}

// IsCommitHash reports whether s is a full 40-character hex SHA-1.
func IsCommitHash(s string) bool {
	if len(s) != 40 {
		return false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch >= '0' && ch <= '9', ch >= 'a' && ch <= 'f', ch >= 'A' && ch <= 'F':
		default:
			return false
		}
	}
	return true
}
