package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/11PRIMUS/memento3/internal/domain"
	"github.com/11PRIMUS/memento3/internal/port"
)

// InsertEmbedding stores a commit embedding and points the commit at it. An
// existing embedding of the same type for the commit is replaced.
func (s *PostgresStore) InsertEmbedding(ctx context.Context, e *domain.Embedding) (*domain.Embedding, error) {
	if e.EmbeddingType == "" {
		e.EmbeddingType = domain.EmbeddingTypeCommitMessage
	}
	if err := validateEmbedding(e, s.dimension); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	out := *e
	err = tx.QueryRowContext(ctx,
		`INSERT INTO embeddings (commit_id, embedding, model_name, text_content, embedding_type)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (commit_id, embedding_type) DO UPDATE SET
		     embedding = EXCLUDED.embedding,
		     model_name = EXCLUDED.model_name,
		     text_content = EXCLUDED.text_content,
		     created_at = NOW()
		 RETURNING id, created_at`,
		e.CommitID, pgvector.NewVector(e.Vector), e.ModelName, e.TextContent, e.EmbeddingType,
	).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert embedding: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE commits SET embedding_id = $1, embedded_at = $2 WHERE id = $3`,
		out.ID, out.CreatedAt, e.CommitID)
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

// SearchSimilar runs the cosine search through the search_similar_commits function.
func (s *PostgresStore) SearchSimilar(ctx context.Context, query []float32, repoID int64, threshold float64, limit int) ([]domain.SimilarCommit, error) {
	if s.dimension > 0 && len(query) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, expected %d", port.ErrDimensionMismatch, len(query), s.dimension)
	}
	if limit <= 0 {
		return []domain.SimilarCommit{}, nil
	}

	// The HNSW index is scanned before the repository filter applies, so a
	// narrow candidate list can come back short when other repositories
	// dominate the neighbourhood. Widen it for this transaction only.
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := widenHNSWScan(ctx, tx, limit); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT commit_id, sha, message, author_name, commit_date, additions, deletions, files_changed, similarity
		 FROM search_similar_commits($1::vector, $2, $3, $4, $5)`,
		pgvector.NewVector(query), repoID, threshold, limit, domain.EmbeddingTypeCommitMessage)
	if err != nil {
		return nil, fmt.Errorf("search similar: %w", err)
	}
	defer rows.Close()

	results := []domain.SimilarCommit{}
	for rows.Next() {
		var sc domain.SimilarCommit
		if err := rows.Scan(
			&sc.CommitID, &sc.SHA, &sc.Message, &sc.Author, &sc.CommitDate,
			&sc.Additions, &sc.Deletions, pq.Array(&sc.FilesChanged), &sc.Similarity,
		); err != nil {
			return nil, fmt.Errorf("scan similar: %w", err)
		}
		sc.FilesChanged = nonNil(sc.FilesChanged)
		results = append(results, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return results, nil
}

// hnswCandidates is the ef_search used for a filtered search of limit rows.
// pgvector caps ef_search at 1000.
func hnswCandidates(limit int) int {
	return min(max(limit*10, 100), 1000)
}

// widenHNSWScan raises ef_search and, on pgvector 0.8 or newer, enables
// iterative index scans so filtered searches keep scanning until limit rows
// match. Older servers reject the iterative setting; the savepoint keeps the
// transaction usable.
func widenHNSWScan(ctx context.Context, tx *sql.Tx, limit int) error {
	if _, err := tx.ExecContext(ctx,
		`SELECT set_config('hnsw.ef_search', $1, true)`, strconv.Itoa(hnswCandidates(limit))); err != nil {
		return fmt.Errorf("set hnsw.ef_search: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SAVEPOINT hnsw_scan`); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SET LOCAL hnsw.iterative_scan = strict_order`); err != nil {
		if _, err := tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT hnsw_scan`); err != nil {
			return fmt.Errorf("rollback savepoint: %w", err)
		}
	}
	return nil
}

// DeleteEmbeddings removes all embeddings of a repository and clears commit references.
func (s *PostgresStore) DeleteEmbeddings(ctx context.Context, repoID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE commits SET embedding_id = NULL, embedded_at = NULL WHERE repository_id = $1`, repoID); err != nil {
		return fmt.Errorf("clear embedding refs: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM embeddings e USING commits c WHERE e.commit_id = c.id AND c.repository_id = $1`, repoID); err != nil {
		return fmt.Errorf("delete embeddings: %w", err)
	}
	return tx.Commit()
}

// CountEmbeddings returns the number of embeddings of a repository's commits.
func (s *PostgresStore) CountEmbeddings(ctx context.Context, repoID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM embeddings e JOIN commits c ON c.id = e.commit_id WHERE c.repository_id = $1`,
		repoID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count embeddings: %w", err)
	}
	return n, nil
}
