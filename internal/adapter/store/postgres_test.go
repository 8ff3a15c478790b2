package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/11PRIMUS/memento3/internal/domain"
	"github.com/11PRIMUS/memento3/internal/port"
)

// Runs against a disposable pgvector database when MEMENTO_TEST_DATABASE_URL is set.
func newPostgresTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("MEMENTO_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("MEMENTO_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn, testDim)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestPostgresIngestAndSearch(t *testing.T) {
	s := newPostgresTestStore(t)
	ctx := context.Background()

	url := "https://github.com/octo/pg-" + time.Now().Format("20060102150405.000000000")
	r, err := s.CreateRepository(ctx, &domain.Repository{Name: "pg", Owner: "octo", URL: url, MaxCommits: 10})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.DeleteRepository(context.Background(), r.ID) })

	_, err = s.CreateRepository(ctx, &domain.Repository{Name: "pg", Owner: "octo", URL: url})
	assert.ErrorIs(t, err, port.ErrAlreadyExists)

	ok, err := s.BeginIndexing(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.BeginIndexing(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	stored, err := s.BulkInsertCommits(ctx, r.ID, []domain.Commit{
		testCommit(1, base, "a.go"),
		testCommit(2, base.Add(time.Hour)),
	})
	require.NoError(t, err)
	require.Len(t, stored, 2)

	again, err := s.BulkInsertCommits(ctx, r.ID, []domain.Commit{testCommit(1, base)})
	require.NoError(t, err)
	assert.Empty(t, again)

	for i, sim := range []float64{0.65, 0.82} {
		_, err := s.InsertEmbedding(ctx, &domain.Embedding{
			CommitID: stored[i].ID, Vector: unitAt(sim), ModelName: "test", TextContent: stored[i].Message,
		})
		require.NoError(t, err)
	}

	hits, err := s.SearchSimilar(ctx, []float32{1, 0, 0}, r.ID, 0.7, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, sha(2), hits[0].SHA)
	assert.InDelta(t, 0.82, hits[0].Similarity, 1e-5)

	ok, err = s.UpdateRepositoryStatus(ctx, r.ID, domain.RepoStatusCompleted, domain.Counts(2, 2))
	require.NoError(t, err)
	assert.True(t, ok)

	stats, err := s.RepositoryStats(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalEmbeddings)

	require.NoError(t, s.DeleteEmbeddings(ctx, r.ID))
	n, err := s.CountEmbeddings(ctx, r.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPostgresSearchStaysWithinRepository(t *testing.T) {
	s := newPostgresTestStore(t)
	ctx := context.Background()
	suffix := time.Now().Format("20060102150405.000000000")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	seed := func(name string, sims []float64) *domain.Repository {
		r, err := s.CreateRepository(ctx, &domain.Repository{
			Name: name, Owner: "octo", URL: "https://github.com/octo/" + name + "-" + suffix, MaxCommits: 100,
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.DeleteRepository(context.Background(), r.ID) })

		commits := make([]domain.Commit, len(sims))
		for i := range sims {
			commits[i] = testCommit(i+1, base.Add(time.Duration(i)*time.Minute))
		}
		stored, err := s.BulkInsertCommits(ctx, r.ID, commits)
		require.NoError(t, err)
		require.Len(t, stored, len(sims))
		for i, sim := range sims {
			_, err := s.InsertEmbedding(ctx, &domain.Embedding{
				CommitID: stored[i].ID, Vector: unitAt(sim), ModelName: "test", TextContent: stored[i].Message,
			})
			require.NoError(t, err)
		}
		return r
	}

	// The crowd sits closer to the query than anything in the quiet repository.
	crowd := make([]float64, 40)
	for i := range crowd {
		crowd[i] = 0.99 - float64(i)*0.0001
	}
	busy := seed("busy", crowd)
	quiet := seed("quiet", []float64{0.9, 0.85, 0.8})

	hits, err := s.SearchSimilar(ctx, []float32{1, 0, 0}, quiet.ID, 0.5, 3)
	require.NoError(t, err)
	require.Len(t, hits, 3, "other repositories must not starve the result set")
	for i, want := range []int{1, 2, 3} {
		assert.Equal(t, sha(want), hits[i].SHA)
	}

	hits, err = s.SearchSimilar(ctx, []float32{1, 0, 0}, busy.ID, 0.5, 5)
	require.NoError(t, err)
	require.Len(t, hits, 5)
	for _, h := range hits {
		assert.Greater(t, h.Similarity, 0.98)
	}
}

func TestHNSWCandidates(t *testing.T) {
	assert.Equal(t, 100, hnswCandidates(1))
	assert.Equal(t, 100, hnswCandidates(10))
	assert.Equal(t, 500, hnswCandidates(50))
	assert.Equal(t, 1000, hnswCandidates(500))
}
