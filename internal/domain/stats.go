package domain

// RepoStats summarises how far a repository's embeddings have progressed.
type RepoStats struct {
	RepositoryID      int64   `json:"repository_id"`
	TotalCommits      int     `json:"total_commits"`
	TotalEmbeddings   int     `json:"total_embeddings"`
	EmbeddingProgress float64 `json:"embedding_progress"` // percent
}

// NewRepoStats computes the progress percentage, rounded to two decimals.
func NewRepoStats(repoID int64, commits, embeddings int) RepoStats {
	s := RepoStats{RepositoryID: repoID, TotalCommits: commits, TotalEmbeddings: embeddings}
	if commits > 0 {
		p := float64(embeddings) / float64(commits) * 100
		if p > 100 {
			p = 100
		}
		s.EmbeddingProgress = float64(int64(p*100+0.5)) / 100
	}
	return s
}

// GlobalStats are totals across all repositories.
type GlobalStats struct {
	TotalRepositories int                `json:"total_repositories"`
	TotalCommits      int                `json:"total_commits"`
	TotalEmbeddings   int                `json:"total_embeddings"`
	TotalAnalyses     int                `json:"total_analyses"`
	ByStatus          map[RepoStatus]int `json:"repositories_by_status"`
}
