package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/11PRIMUS/memento3/internal/domain"
	"github.com/11PRIMUS/memento3/internal/port"
)

// sqliteTime is fixed width so stored timestamps compare lexically.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTime, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTimeText(p *time.Time) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*p), Valid: true}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// SQLiteStore is a single-file store for development and tests. Vectors are
// kept as JSON and compared in process.
type SQLiteStore struct {
	db        *sql.DB
	dimension int
	now       func() time.Time
}

var _ port.Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database file at path.
func NewSQLiteStore(ctx context.Context, path string, dimension int) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps the pragmas in effect and serialises writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %s: %w", pragma, err)
		}
	}

	return &SQLiteStore{db: db, dimension: dimension, now: time.Now}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded sqlite migrations.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	migrations, err := loadMigrations("sqlite", schemaParams{Dimension: s.dimension})
	if err != nil {
		return err
	}
	return applyMigrations(ctx, s.db, migrations,
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		)`,
		`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`,
	)
}

func (s *SQLiteStore) stamp() string {
	return formatTime(s.now())
}

// --- Repositories ---

const sqliteRepoColumns = `id, name, url, owner, description, default_branch, github_id, stars, forks,
	language, private, status, total_commits, indexed_commits, max_commits, error_message,
	last_analyzed_at, created_at, updated_at`

func scanSQLiteRepository(row rowScanner) (*domain.Repository, error) {
	var (
		r        domain.Repository
		status   string
		analyzed sql.NullString
		created  string
		updated  string
	)
	err := row.Scan(
		&r.ID, &r.Name, &r.URL, &r.Owner, &r.Description, &r.DefaultBranch, &r.GitHubID,
		&r.Stars, &r.Forks, &r.Language, &r.Private, &status, &r.TotalCommits, &r.IndexedCommits,
		&r.MaxCommits, &r.ErrorMessage, &analyzed, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	r.Status = domain.RepoStatus(status)
	if r.LastAnalyzedAt, err = parseNullTime(analyzed); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRepository inserts a new repository record.
func (s *SQLiteStore) CreateRepository(ctx context.Context, r *domain.Repository) (*domain.Repository, error) {
	status := r.Status
	if status == "" {
		status = domain.RepoStatusPending
	}
	now := s.stamp()
	created, err := scanSQLiteRepository(s.db.QueryRowContext(ctx,
		`INSERT INTO repositories (name, url, owner, description, default_branch, github_id, stars, forks,
		     language, private, status, max_commits, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING `+sqliteRepoColumns,
		r.Name, r.URL, r.Owner, r.Description, r.DefaultBranch, r.GitHubID, r.Stars, r.Forks,
		r.Language, r.Private, string(status), r.MaxCommits, now, now,
	))
	if isUniqueViolation(err) {
		return nil, port.ErrAlreadyExists
	}
	if err != nil {
		return nil, fmt.Errorf("create repository: %w", err)
	}
	return created, nil
}

// GetRepository returns a repository by id.
func (s *SQLiteStore) GetRepository(ctx context.Context, id int64) (*domain.Repository, error) {
	r, err := scanSQLiteRepository(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRepoColumns+` FROM repositories WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, port.ErrRepoNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get repository: %w", err)
	}
	return r, nil
}

// GetRepositoryByURL returns a repository by its canonical URL.
func (s *SQLiteStore) GetRepositoryByURL(ctx context.Context, url string) (*domain.Repository, error) {
	r, err := scanSQLiteRepository(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRepoColumns+` FROM repositories WHERE url = ?`, url))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, port.ErrRepoNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get repository by url: %w", err)
	}
	return r, nil
}

// UpdateRepositoryStatus writes the status and the non-nil extra fields in one statement.
func (s *SQLiteStore) UpdateRepositoryStatus(ctx context.Context, id int64, status domain.RepoStatus, extra domain.StatusUpdate) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE repositories SET
		     status = ?,
		     total_commits = COALESCE(?, total_commits),
		     indexed_commits = COALESCE(?, indexed_commits),
		     last_analyzed_at = COALESCE(?, last_analyzed_at),
		     error_message = COALESCE(?, error_message),
		     updated_at = ?
		 WHERE id = ?`,
		string(status), nullInt(extra.TotalCommits), nullInt(extra.IndexedCommits),
		nullTimeText(extra.LastAnalyzedAt), nullString(extra.ErrorMessage), s.stamp(), id,
	)
	if err != nil {
		return false, fmt.Errorf("update repository status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update repository status: %w", err)
	}
	return n > 0, nil
}

// BeginIndexing moves the repository to INDEXING unless it is already indexing.
func (s *SQLiteStore) BeginIndexing(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE repositories SET status = 'INDEXING', error_message = '', updated_at = ?
		 WHERE id = ? AND status <> 'INDEXING'`, s.stamp(), id)
	if err != nil {
		return false, fmt.Errorf("begin indexing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("begin indexing: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	if _, err := s.GetRepository(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// ListRepositories returns repositories newest first.
func (s *SQLiteStore) ListRepositories(ctx context.Context, limit, offset int) ([]domain.Repository, error) {
	limit, offset = page(limit, offset, domain.MaxRepositoriesPerPage)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteRepoColumns+` FROM repositories ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	repos := []domain.Repository{}
	for rows.Next() {
		r, err := scanSQLiteRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		repos = append(repos, *r)
	}
	return repos, rows.Err()
}

// CountRepositories returns the number of repositories.
func (s *SQLiteStore) CountRepositories(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM repositories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count repositories: %w", err)
	}
	return n, nil
}

// DeleteRepository removes a repository; commits, embeddings and analyses cascade.
func (s *SQLiteStore) DeleteRepository(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM repositories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete repository: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return port.ErrRepoNotFound
	}
	return nil
}

// FailStaleIndexing moves repositories stuck in INDEXING since before the cutoff to ERROR.
func (s *SQLiteStore) FailStaleIndexing(ctx context.Context, before time.Time, exclude []int64, message string) ([]int64, error) {
	query := `UPDATE repositories SET status = 'ERROR', error_message = ?, updated_at = ?
	          WHERE status = 'INDEXING' AND updated_at < ?`
	args := []any{message, s.stamp(), formatTime(before)}
	if len(exclude) > 0 {
		query += ` AND id NOT IN (?` + strings.Repeat(", ?", len(exclude)-1) + `)`
		for _, id := range exclude {
			args = append(args, id)
		}
	}
	query += ` RETURNING id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fail stale indexing: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Analyses ---

// SaveAnalysis appends an analysis to the history.
func (s *SQLiteStore) SaveAnalysis(ctx context.Context, rec *domain.AnalysisRecord) (*domain.AnalysisRecord, error) {
	out := *rec
	out.CommitSHAs = nonNil(out.CommitSHAs)
	shas, err := encodeJSON(out.CommitSHAs)
	if err != nil {
		return nil, err
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = s.now()
	}
	out.CreatedAt = out.CreatedAt.UTC()
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO analyses (repository_id, question, answer, confidence, commit_count, commit_shas,
		     processing_time, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING id`,
		rec.RepositoryID, rec.Question, rec.Answer, rec.Confidence, rec.CommitCount, shas,
		rec.ProcessingTime, formatTime(out.CreatedAt),
	).Scan(&out.ID)
	if err != nil {
		return nil, fmt.Errorf("save analysis: %w", err)
	}
	return &out, nil
}

// ListAnalyses returns a repository's analyses newest first.
func (s *SQLiteStore) ListAnalyses(ctx context.Context, repoID int64, limit, offset int) ([]domain.AnalysisRecord, error) {
	limit, offset = page(limit, offset, domain.MaxAnalysesPerPage)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, repository_id, question, answer, confidence, commit_count, commit_shas, processing_time, created_at
		 FROM analyses WHERE repository_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		repoID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	records := []domain.AnalysisRecord{}
	for rows.Next() {
		var (
			r       domain.AnalysisRecord
			shas    string
			created string
		)
		if err := rows.Scan(&r.ID, &r.RepositoryID, &r.Question, &r.Answer, &r.Confidence,
			&r.CommitCount, &shas, &r.ProcessingTime, &created); err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		if err := decodeJSON(shas, &r.CommitSHAs); err != nil {
			return nil, err
		}
		r.CommitSHAs = nonNil(r.CommitSHAs)
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// CountAnalyses returns the number of analyses of a repository.
func (s *SQLiteStore) CountAnalyses(ctx context.Context, repoID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM analyses WHERE repository_id = ?`, repoID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count analyses: %w", err)
	}
	return n, nil
}

// --- Stats ---

// RepositoryStats returns commit and embedding totals of a repository.
func (s *SQLiteStore) RepositoryStats(ctx context.Context, repoID int64) (*domain.RepoStats, error) {
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
func (s *SQLiteStore) GlobalStats(ctx context.Context) (*domain.GlobalStats, error) {
	return globalStats(ctx, s.db)
}
