package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/11PRIMUS/memento3/internal/domain"
	"github.com/11PRIMUS/memento3/internal/port"
)

const pgUniqueViolation = "23505"

// PostgresStore is the pgvector-backed store.
type PostgresStore struct {
	db        *sql.DB
	dimension int
}

var _ port.Store = (*PostgresStore)(nil)

// NewPostgresStore opens a connection pool and verifies it. dimension is the
// length of the embedding vectors stored in the embeddings table.
func NewPostgresStore(ctx context.Context, databaseURL string, dimension int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db, dimension: dimension}, nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded postgres migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	migrations, err := loadMigrations("postgres", schemaParams{Dimension: s.dimension})
	if err != nil {
		return err
	}
	return applyMigrations(ctx, s.db, migrations,
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`,
	)
}

// --- Repositories ---

const pgRepoColumns = `id, name, url, owner, description, default_branch, github_id, stars, forks,
	language, private, status, total_commits, indexed_commits, max_commits, error_message,
	last_analyzed_at, created_at, updated_at`

func scanPgRepository(row rowScanner) (*domain.Repository, error) {
	var (
		r        domain.Repository
		status   string
		analyzed sql.NullTime
	)
	err := row.Scan(
		&r.ID, &r.Name, &r.URL, &r.Owner, &r.Description, &r.DefaultBranch, &r.GitHubID,
		&r.Stars, &r.Forks, &r.Language, &r.Private, &status, &r.TotalCommits, &r.IndexedCommits,
		&r.MaxCommits, &r.ErrorMessage, &analyzed, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = domain.RepoStatus(status)
	r.LastAnalyzedAt = timePtr(analyzed)
	return &r, nil
}

// CreateRepository inserts a new repository record.
func (s *PostgresStore) CreateRepository(ctx context.Context, r *domain.Repository) (*domain.Repository, error) {
	query := `INSERT INTO repositories (name, url, owner, description, default_branch, github_id, stars, forks,
	              language, private, status, max_commits)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	          RETURNING ` + pgRepoColumns

	status := r.Status
	if status == "" {
		status = domain.RepoStatusPending
	}
	created, err := scanPgRepository(s.db.QueryRowContext(ctx, query,
		r.Name, r.URL, r.Owner, r.Description, r.DefaultBranch, r.GitHubID, r.Stars, r.Forks,
		r.Language, r.Private, string(status), r.MaxCommits,
	))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return nil, port.ErrAlreadyExists
		}
		return nil, fmt.Errorf("create repository: %w", err)
	}
	return created, nil
}

// GetRepository returns a repository by id.
func (s *PostgresStore) GetRepository(ctx context.Context, id int64) (*domain.Repository, error) {
	r, err := scanPgRepository(s.db.QueryRowContext(ctx,
		`SELECT `+pgRepoColumns+` FROM repositories WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, port.ErrRepoNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get repository: %w", err)
	}
	return r, nil
}

// GetRepositoryByURL returns a repository by its canonical URL.
func (s *PostgresStore) GetRepositoryByURL(ctx context.Context, url string) (*domain.Repository, error) {
	r, err := scanPgRepository(s.db.QueryRowContext(ctx,
		`SELECT `+pgRepoColumns+` FROM repositories WHERE url = $1`, url))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, port.ErrRepoNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get repository by url: %w", err)
	}
	return r, nil
}

// UpdateRepositoryStatus writes the status and the non-nil extra fields in one statement.
func (s *PostgresStore) UpdateRepositoryStatus(ctx context.Context, id int64, status domain.RepoStatus, extra domain.StatusUpdate) (bool, error) {
	query := `UPDATE repositories SET
	              status = $2,
	              total_commits = COALESCE($3, total_commits),
	              indexed_commits = COALESCE($4, indexed_commits),
	              last_analyzed_at = COALESCE($5, last_analyzed_at),
	              error_message = COALESCE($6, error_message),
	              updated_at = NOW()
	          WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, id, string(status),
		nullInt(extra.TotalCommits), nullInt(extra.IndexedCommits),
		nullTime(extra.LastAnalyzedAt), nullString(extra.ErrorMessage),
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
func (s *PostgresStore) BeginIndexing(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE repositories SET status = 'INDEXING', error_message = '', updated_at = NOW()
		 WHERE id = $1 AND status <> 'INDEXING'`, id)
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
func (s *PostgresStore) ListRepositories(ctx context.Context, limit, offset int) ([]domain.Repository, error) {
	limit, offset = page(limit, offset, domain.MaxRepositoriesPerPage)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgRepoColumns+` FROM repositories ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	repos := []domain.Repository{}
	for rows.Next() {
		r, err := scanPgRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		repos = append(repos, *r)
	}
	return repos, rows.Err()
}

// CountRepositories returns the number of repositories.
func (s *PostgresStore) CountRepositories(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM repositories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count repositories: %w", err)
	}
	return n, nil
}

// DeleteRepository removes a repository; commits, embeddings and analyses cascade.
func (s *PostgresStore) DeleteRepository(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM repositories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete repository: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return port.ErrRepoNotFound
	}
	return nil
}

// FailStaleIndexing moves repositories stuck in INDEXING since before the cutoff to ERROR.
func (s *PostgresStore) FailStaleIndexing(ctx context.Context, before time.Time, exclude []int64, message string) ([]int64, error) {
	if exclude == nil {
		exclude = []int64{}
	}
	rows, err := s.db.QueryContext(ctx,
		`UPDATE repositories SET status = 'ERROR', error_message = $3, updated_at = NOW()
		 WHERE status = 'INDEXING' AND updated_at < $1 AND NOT (id = ANY($2))
		 RETURNING id`,
		before.UTC(), pq.Array(exclude), message)
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

// --- Commits ---

const pgCommitColumns = `id, repository_id, sha, message, author_name, author_email, commit_date,
	additions, deletions, files_changed, embedding_id, embedded_at, created_at`

func scanPgCommit(row rowScanner) (*domain.Commit, error) {
	var (
		c          domain.Commit
		embedding  sql.NullInt64
		embeddedAt sql.NullTime
	)
	err := row.Scan(
		&c.ID, &c.RepositoryID, &c.SHA, &c.Message, &c.AuthorName, &c.AuthorEmail, &c.CommitDate,
		&c.Additions, &c.Deletions, pq.Array(&c.FilesChanged), &embedding, &embeddedAt, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.FilesChanged = nonNil(c.FilesChanged)
	c.EmbeddingID = int64Ptr(embedding)
	c.EmbeddedAt = timePtr(embeddedAt)
	return &c, nil
}

// BulkInsertCommits stores commits in one transaction, skipping hashes already stored.
func (s *PostgresStore) BulkInsertCommits(ctx context.Context, repoID int64, commits []domain.Commit) ([]domain.Commit, error) {
	if len(commits) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO commits (repository_id, sha, message, author_name, author_email, commit_date,
		     additions, deletions, files_changed)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (repository_id, sha) DO NOTHING
		 RETURNING id, created_at`)
	if err != nil {
		return nil, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	var stored []domain.Commit
	for _, c := range commits {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", port.ErrInvalidInput, err)
		}
		c.RepositoryID = repoID
		c.FilesChanged = nonNil(c.FilesChanged)
		err := stmt.QueryRowContext(ctx,
			repoID, c.SHA, c.Message, c.AuthorName, c.AuthorEmail, c.CommitDate.UTC(),
			c.Additions, c.Deletions, pq.Array(c.FilesChanged),
		).Scan(&c.ID, &c.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("insert commit %s: %w", c.SHA, err)
		}
		stored = append(stored, c)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return stored, nil
}

// ListCommits returns commits newest first.
func (s *PostgresStore) ListCommits(ctx context.Context, repoID int64, limit, offset int) ([]domain.Commit, error) {
	limit, offset = page(limit, offset, 1000)
	return s.queryCommits(ctx,
		`SELECT `+pgCommitColumns+` FROM commits WHERE repository_id = $1
		 ORDER BY commit_date DESC, id DESC LIMIT $2 OFFSET $3`,
		repoID, limit, offset)
}

// ListCommitsWithoutEmbedding returns commits that have no embedding yet.
func (s *PostgresStore) ListCommitsWithoutEmbedding(ctx context.Context, repoID int64, limit int) ([]domain.Commit, error) {
	limit, _ = page(limit, 0, 1000)
	return s.queryCommits(ctx,
		`SELECT `+pgCommitColumns+` FROM commits WHERE repository_id = $1 AND embedding_id IS NULL
		 ORDER BY commit_date DESC, id DESC LIMIT $2`,
		repoID, limit)
}

func (s *PostgresStore) queryCommits(ctx context.Context, query string, args ...any) ([]domain.Commit, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	defer rows.Close()

	commits := []domain.Commit{}
	for rows.Next() {
		c, err := scanPgCommit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan commit: %w", err)
		}
		commits = append(commits, *c)
	}
	return commits, rows.Err()
}

// GetCommitByHash returns one commit of a repository.
func (s *PostgresStore) GetCommitByHash(ctx context.Context, repoID int64, sha string) (*domain.Commit, error) {
	c, err := scanPgCommit(s.db.QueryRowContext(ctx,
		`SELECT `+pgCommitColumns+` FROM commits WHERE repository_id = $1 AND sha = $2`, repoID, sha))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, port.ErrCommitNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get commit: %w", err)
	}
	return c, nil
}

// CountCommits returns the number of stored commits of a repository.
func (s *PostgresStore) CountCommits(ctx context.Context, repoID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM commits WHERE repository_id = $1`, repoID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count commits: %w", err)
	}
	return n, nil
}
