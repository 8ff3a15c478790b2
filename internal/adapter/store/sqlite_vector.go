package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/11PRIMUS/memento3/internal/domain"
	"github.com/11PRIMUS/memento3/internal/port"
)

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return string(b), nil
}

func decodeJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

// cosineSimilarity returns 1 - cosine distance, or NaN when either vector has zero norm.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.NaN()
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return math.NaN()
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// --- Commits ---

const sqliteCommitColumns = `id, repository_id, sha, message, author_name, author_email, commit_date,
	additions, deletions, files_changed, embedding_id, embedded_at, created_at`

func scanSQLiteCommit(row rowScanner) (*domain.Commit, error) {
	var (
		c          domain.Commit
		date       string
		files      string
		embedding  sql.NullInt64
		embeddedAt sql.NullString
		created    string
	)
	err := row.Scan(
		&c.ID, &c.RepositoryID, &c.SHA, &c.Message, &c.AuthorName, &c.AuthorEmail, &date,
		&c.Additions, &c.Deletions, &files, &embedding, &embeddedAt, &created,
	)
	if err != nil {
		return nil, err
	}
	if c.CommitDate, err = parseTime(date); err != nil {
		return nil, err
	}
	if err := decodeJSON(files, &c.FilesChanged); err != nil {
		return nil, err
	}
	c.FilesChanged = nonNil(c.FilesChanged)
	c.EmbeddingID = int64Ptr(embedding)
	if c.EmbeddedAt, err = parseNullTime(embeddedAt); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &c, nil
}

// BulkInsertCommits stores commits in one transaction, skipping hashes already stored.
func (s *SQLiteStore) BulkInsertCommits(ctx context.Context, repoID int64, commits []domain.Commit) ([]domain.Commit, error) {
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
		     additions, deletions, files_changed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (repository_id, sha) DO NOTHING
		 RETURNING id`)
	if err != nil {
		return nil, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	now := s.now().UTC()
	var stored []domain.Commit
	for _, c := range commits {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", port.ErrInvalidInput, err)
		}
		c.RepositoryID = repoID
		c.FilesChanged = nonNil(c.FilesChanged)
		c.CommitDate = c.CommitDate.UTC()
		c.CreatedAt = now
		files, err := encodeJSON(c.FilesChanged)
		if err != nil {
			return nil, err
		}
		err = stmt.QueryRowContext(ctx,
			repoID, c.SHA, c.Message, c.AuthorName, c.AuthorEmail, formatTime(c.CommitDate),
			c.Additions, c.Deletions, files, formatTime(now),
		).Scan(&c.ID)
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
func (s *SQLiteStore) ListCommits(ctx context.Context, repoID int64, limit, offset int) ([]domain.Commit, error) {
	limit, offset = page(limit, offset, 1000)
	return s.queryCommits(ctx,
		`SELECT `+sqliteCommitColumns+` FROM commits WHERE repository_id = ?
		 ORDER BY commit_date DESC, id DESC LIMIT ? OFFSET ?`,
		repoID, limit, offset)
}

// ListCommitsWithoutEmbedding returns commits that have no embedding yet.
func (s *SQLiteStore) ListCommitsWithoutEmbedding(ctx context.Context, repoID int64, limit int) ([]domain.Commit, error) {
	limit, _ = page(limit, 0, 1000)
	return s.queryCommits(ctx,
		`SELECT `+sqliteCommitColumns+` FROM commits WHERE repository_id = ? AND embedding_id IS NULL
		 ORDER BY commit_date DESC, id DESC LIMIT ?`,
		repoID, limit)
}

func (s *SQLiteStore) queryCommits(ctx context.Context, query string, args ...any) ([]domain.Commit, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	defer rows.Close()

	commits := []domain.Commit{}
	for rows.Next() {
		c, err := scanSQLiteCommit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan commit: %w", err)
		}
		commits = append(commits, *c)
	}
	return commits, rows.Err()
}

// GetCommitByHash returns one commit of a repository.
func (s *SQLiteStore) GetCommitByHash(ctx context.Context, repoID int64, sha string) (*domain.Commit, error) {
	c, err := scanSQLiteCommit(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteCommitColumns+` FROM commits WHERE repository_id = ? AND sha = ?`, repoID, sha))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, port.ErrCommitNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get commit: %w", err)
	}
	return c, nil
}

// CountCommits returns the number of stored commits of a repository.
func (s *SQLiteStore) CountCommits(ctx context.Context, repoID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM commits WHERE repository_id = ?`, repoID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count commits: %w", err)
	}
	return n, nil
}

// --- Embeddings ---

// InsertEmbedding stores a commit embedding and points the commit at it. An
// existing embedding of the same type for the commit is replaced.
func (s *SQLiteStore) InsertEmbedding(ctx context.Context, e *domain.Embedding) (*domain.Embedding, error) {
	if e.EmbeddingType == "" {
		e.EmbeddingType = domain.EmbeddingTypeCommitMessage
	}
	if err := validateEmbedding(e, s.dimension); err != nil {
		return nil, err
	}
	vec, err := encodeJSON(e.Vector)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	out := *e
	out.CreatedAt = s.now().UTC()
	stamp := formatTime(out.CreatedAt)
	err = tx.QueryRowContext(ctx,
		`INSERT INTO embeddings (commit_id, embedding, dim, model_name, text_content, embedding_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (commit_id, embedding_type) DO UPDATE SET
		     embedding = excluded.embedding,
		     dim = excluded.dim,
		     model_name = excluded.model_name,
		     text_content = excluded.text_content,
		     created_at = excluded.created_at
		 RETURNING id`,
		e.CommitID, vec, len(e.Vector), e.ModelName, e.TextContent, e.EmbeddingType, stamp,
	).Scan(&out.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isForeignKeyViolation(err) {
			return nil, port.ErrCommitNotFound
		}
		return nil, fmt.Errorf("insert embedding: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE commits SET embedding_id = ?, embedded_at = ? WHERE id = ?`, out.ID, stamp, e.CommitID)
	if err != nil {
		return nil, fmt.Errorf("attach embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, port.ErrCommitNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return &out, nil
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// SearchSimilar scans the repository's vectors and ranks them by cosine similarity.
// Ordering matches the postgres search: distance ascending, then commit id.
func (s *SQLiteStore) SearchSimilar(ctx context.Context, query []float32, repoID int64, threshold float64, limit int) ([]domain.SimilarCommit, error) {
	if s.dimension > 0 && len(query) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, expected %d", port.ErrDimensionMismatch, len(query), s.dimension)
	}
	if limit <= 0 {
		return []domain.SimilarCommit{}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.sha, c.message, c.author_name, c.commit_date, c.additions, c.deletions,
		        c.files_changed, e.embedding
		 FROM embeddings e
		 JOIN commits c ON c.id = e.commit_id
		 WHERE c.repository_id = ? AND e.embedding_type = ?`,
		repoID, domain.EmbeddingTypeCommitMessage)
	if err != nil {
		return nil, fmt.Errorf("search similar: %w", err)
	}
	defer rows.Close()

	results := []domain.SimilarCommit{}
	for rows.Next() {
		var (
			sc    domain.SimilarCommit
			date  string
			files string
			raw   string
			vec   []float32
		)
		if err := rows.Scan(&sc.CommitID, &sc.SHA, &sc.Message, &sc.Author, &date,
			&sc.Additions, &sc.Deletions, &files, &raw); err != nil {
			return nil, fmt.Errorf("scan similar: %w", err)
		}
		if err := decodeJSON(raw, &vec); err != nil {
			return nil, err
		}
		sim := cosineSimilarity(query, vec)
		if math.IsNaN(sim) || !(sim > threshold) {
			continue
		}
		if sc.CommitDate, err = parseTime(date); err != nil {
			return nil, fmt.Errorf("scan similar: %w", err)
		}
		if err := decodeJSON(files, &sc.FilesChanged); err != nil {
			return nil, err
		}
		sc.FilesChanged = nonNil(sc.FilesChanged)
		sc.Similarity = sim
		results = append(results, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search similar: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].CommitID < results[j].CommitID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// DeleteEmbeddings removes all embeddings of a repository and clears commit references.
func (s *SQLiteStore) DeleteEmbeddings(ctx context.Context, repoID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE commits SET embedding_id = NULL, embedded_at = NULL WHERE repository_id = ?`, repoID); err != nil {
		return fmt.Errorf("clear embedding refs: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM embeddings WHERE commit_id IN (SELECT id FROM commits WHERE repository_id = ?)`, repoID); err != nil {
		return fmt.Errorf("delete embeddings: %w", err)
	}
	return tx.Commit()
}

// CountEmbeddings returns the number of embeddings of a repository's commits.
func (s *SQLiteStore) CountEmbeddings(ctx context.Context, repoID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM embeddings e JOIN commits c ON c.id = e.commit_id WHERE c.repository_id = ?`,
		repoID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count embeddings: %w", err)
	}
	return n, nil
}
