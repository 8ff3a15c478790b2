package domain

import "time"

// Analysis request limits and defaults.
const (
	DefaultAnalysisCommits   = 10
	MaxAnalysisCommits       = 50
	DefaultSimilarityCutoff  = 0.7
	MaxQuestionLength        = 1000
	DefaultRepoMaxCommits    = 100
	MaxRepoMaxCommits        = 1000
	MaxRepositoriesPerPage   = 100
	MaxAnalysesPerPage       = 50
	DefaultRepositoryPerPage = 20
)

// AnalysisRequest is a natural-language question about one repository.
type AnalysisRequest struct {
	RepositoryID        int64   `json:"repository_id"`
	Question            string  `json:"question"`
	MaxCommits          int     `json:"max_commits"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
}

// RelevantCommit is a retrieved commit as returned to the caller.
type RelevantCommit struct {
	SHA          string    `json:"sha"`
	Message      string    `json:"message"`
	Author       string    `json:"author"`
	Date         time.Time `json:"date"`
	FilesChanged []string  `json:"files_changed"`
	Additions    int       `json:"additions"`
	Deletions    int       `json:"deletions"`
	Similarity   float64   `json:"similarity_score"`
}

// NewRelevantCommit converts a search hit.
func NewRelevantCommit(c SimilarCommit) RelevantCommit {
	files := c.FilesChanged
	if files == nil {
		files = []string{}
	}
	return RelevantCommit{
		SHA:          c.SHA,
		Message:      c.Message,
		Author:       c.Author,
		Date:         c.CommitDate,
		FilesChanged: files,
		Additions:    c.Additions,
		Deletions:    c.Deletions,
		Similarity:   c.Similarity,
	}
}

// AnalysisResult is the answer to an AnalysisRequest.
type AnalysisResult struct {
	Question        string           `json:"question"`
	Answer          string           `json:"answer"`
	RelevantCommits []RelevantCommit `json:"relevant_commits"`
	Confidence      float64          `json:"confidence_score"`
	ProcessingTime  float64          `json:"processing_time"` // seconds
	RepositoryID    int64            `json:"repository_id"`
	Degraded        bool             `json:"degraded"`
	CreatedAt       time.Time        `json:"created_at"`
}

// AnalysisRecord is a stored entry of the analysis history.
type AnalysisRecord struct {
	ID             int64     `json:"id"              db:"id"`
	RepositoryID   int64     `json:"repository_id"   db:"repository_id"`
	Question       string    `json:"question"        db:"question"`
	Answer         string    `json:"answer"          db:"answer"`
	Confidence     float64   `json:"confidence_score" db:"confidence"`
	CommitCount    int       `json:"commit_count"    db:"commit_count"`
	CommitSHAs     []string  `json:"commit_shas"     db:"commit_shas"`
	ProcessingTime float64   `json:"processing_time" db:"processing_time"`
	CreatedAt      time.Time `json:"created_at"      db:"created_at"`
}

// NewAnalysisRecord builds the history entry for a result.
func NewAnalysisRecord(r *AnalysisResult) AnalysisRecord {
	shas := make([]string, 0, len(r.RelevantCommits))
	for _, c := range r.RelevantCommits {
		shas = append(shas, c.SHA)
	}
	return AnalysisRecord{
		RepositoryID:   r.RepositoryID,
		Question:       r.Question,
		Answer:         r.Answer,
		Confidence:     r.Confidence,
		CommitCount:    len(r.RelevantCommits),
		CommitSHAs:     shas,
		ProcessingTime: r.ProcessingTime,
		CreatedAt:      r.CreatedAt,
	}
}
