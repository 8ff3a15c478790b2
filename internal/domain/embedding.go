package domain

import (
	"fmt"
	"time"
)

// EmbeddingTypeCommitMessage is the default embedding type for commit text.
const EmbeddingTypeCommitMessage = "commit_message"

// Embedding is the vector representation of a commit's text, stored in pgvector.
type Embedding struct {
	ID            int64     `json:"id"             db:"id"`
	CommitID      int64     `json:"commit_id"      db:"commit_id"`
	Vector        []float32 `json:"-"              db:"embedding"`
	ModelName     string    `json:"model_name"     db:"model_name"`
	TextContent   string    `json:"text_content"   db:"text_content"`
	EmbeddingType string    `json:"embedding_type" db:"embedding_type"`
	CreatedAt     time.Time `json:"created_at"     db:"created_at"`
}

// Validate checks the embedding against the configured vector dimension.
// A dimension of zero skips the length check.
func (e *Embedding) Validate(dimension int) error {
	if e.CommitID <= 0 {
		return fmt.Errorf("embedding: commit id is required")
	}
	if len(e.Vector) == 0 {
		return fmt.Errorf("embedding: empty vector")
	}
	if dimension > 0 && len(e.Vector) != dimension {
		return fmt.Errorf("embedding: vector has %d dimensions, expected %d", len(e.Vector), dimension)
	}
	if e.ModelName == "" {
		return fmt.Errorf("embedding: model name is required")
	}
	return nil
}

// SimilarCommit is returned by semantic search, including its similarity score.
type SimilarCommit struct {
	CommitID     int64     `json:"commit_id"`
	SHA          string    `json:"sha"`
	Message      string    `json:"message"`
	Author       string    `json:"author"`
	CommitDate   time.Time `json:"commit_date"`
	Additions    int       `json:"additions"`
	Deletions    int       `json:"deletions"`
	FilesChanged []string  `json:"files_changed"`
	Similarity   float64   `json:"similarity_score"`
}
