package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/11PRIMUS/memento3/internal/domain"
)

// --- Analyses ---

// SaveAnalysis appends an analysis to the history.
func (s *PostgresStore) SaveAnalysis(ctx context.Context, rec *domain.AnalysisRecord) (*domain.AnalysisRecord, error) {
	out := *rec
	out.CommitSHAs = nonNil(out.CommitSHAs)
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO analyses (repository_id, question, answer, confidence, commit_count, commit_shas, processing_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at`,
		rec.RepositoryID, rec.Question, rec.Answer, rec.Confidence, rec.CommitCount,
		pq.Array(out.CommitSHAs), rec.ProcessingTime,
	).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("save analysis: %w", err)
	}
	return &out, nil
}

// ListAnalyses returns a repository's analyses newest first.
func (s *PostgresStore) ListAnalyses(ctx context.Context, repoID int64, limit, offset int) ([]domain.AnalysisRecord, error) {
	limit, offset = page(limit, offset, domain.MaxAnalysesPerPage)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, repository_id, question, answer, confidence, commit_count, commit_shas, processing_time, created_at
		 FROM analyses WHERE repository_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		repoID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	records := []domain.AnalysisRecord{}
	for rows.Next() {
		var r domain.AnalysisRecord
		if err := rows.Scan(&r.ID, &r.RepositoryID, &r.Question, &r.Answer, &r.Confidence,
			&r.CommitCount, pq.Array(&r.CommitSHAs), &r.ProcessingTime, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		r.CommitSHAs = nonNil(r.CommitSHAs)
		records = append(records, r)
	}
	return records, rows.Err()
}

// CountAnalyses returns the number of analyses of a repository.
func (s *PostgresStore) CountAnalyses(ctx context.Context, repoID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM analyses WHERE repository_id = $1`, repoID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count analyses: %w", err)
	}
	return n, nil
}

// --- Stats ---

// RepositoryStats returns commit and embedding totals of a repository.
func (s *PostgresStore) RepositoryStats(ctx context.Context, repoID int64) (*domain.RepoStats, error) {
	if _, err := s.GetRepository(ctx, repoID); err != nil {
		return nil, err
	}
	commits, err := s.CountCommits(ctx, repoID)
	if err != nil {
		return nil, err
	}
	embeddings, err := s.CountEmbeddings(ctx, repoID)
	if err != nil {
		return nil, err
	}
	stats := domain.NewRepoStats(repoID, commits, embeddings)
	return &stats, nil
}

// GlobalStats returns totals across all repositories.
func (s *PostgresStore) GlobalStats(ctx context.Context) (*domain.GlobalStats, error) {
	return globalStats(ctx, s.db)
}

// globalStats runs dialect-neutral aggregate queries.
func globalStats(ctx context.Context, db *sql.DB) (*domain.GlobalStats, error) {
	g := &domain.GlobalStats{ByStatus: map[domain.RepoStatus]int{}}
	err := db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM repositories),
		        (SELECT COUNT(*) FROM commits),
		        (SELECT COUNT(*) FROM embeddings),
		        (SELECT COUNT(*) FROM analyses)`,
	).Scan(&g.TotalRepositories, &g.TotalCommits, &g.TotalEmbeddings, &g.TotalAnalyses)
	if err != nil {
		return nil, fmt.Errorf("global stats: %w", err)
	}

	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM repositories GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		g.ByStatus[domain.RepoStatus(status)] = n
	}
	return g, rows.Err()
}
