package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to RepoStatus
		ok       bool
	}{
		{RepoStatusPending, RepoStatusIndexing, true},
		{RepoStatusPending, RepoStatusCompleted, false},
		{RepoStatusIndexing, RepoStatusCompleted, true},
		{RepoStatusIndexing, RepoStatusPending, false},
		{RepoStatusIndexing, RepoStatusIndexing, false},
		{RepoStatusCompleted, RepoStatusIndexing, true},
		{RepoStatusCompleted, RepoStatusPending, false},
		{RepoStatusError, RepoStatusIndexing, true},
		{RepoStatusPending, RepoStatusError, true},
		{RepoStatusCompleted, RepoStatusError, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestRepoStatus(t *testing.T) {
	assert.True(t, RepoStatusIndexing.Valid())
	assert.False(t, RepoStatus("DONE").Valid())
	assert.True(t, RepoStatusError.Terminal())
	assert.False(t, RepoStatusIndexing.Terminal())
}

func TestIsCommitHash(t *testing.T) {
	assert.True(t, IsCommitHash(strings.Repeat("a", 40)))
	assert.True(t, IsCommitHash("0123456789ABCDEFabcdef0123456789abcdef01"))
	assert.False(t, IsCommitHash(strings.Repeat("a", 39)))
	assert.False(t, IsCommitHash(strings.Repeat("g", 40)))
	assert.False(t, IsCommitHash(""))
}

func TestCommitValidate(t *testing.T) {
	ok := Commit{SHA: strings.Repeat("b", 40), CommitDate: time.Now()}
	assert.NoError(t, ok.Validate())

	bad := []Commit{
		{SHA: "abc", CommitDate: time.Now()},
		{SHA: strings.Repeat("b", 40)},
		{SHA: strings.Repeat("b", 40), CommitDate: time.Now(), Additions: -1},
	}
	for _, c := range bad {
		assert.Error(t, c.Validate())
	}
}

func TestNewRepoStats(t *testing.T) {
	assert.Equal(t, RepoStats{RepositoryID: 1}, NewRepoStats(1, 0, 0))
	assert.Equal(t, 33.33, NewRepoStats(1, 3, 1).EmbeddingProgress)
	assert.Equal(t, 100.0, NewRepoStats(1, 2, 5).EmbeddingProgress)
}

func TestEmbeddingValidate(t *testing.T) {
	e := Embedding{CommitID: 1, Vector: []float32{1, 0}, ModelName: "all-minilm"}
	assert.NoError(t, e.Validate(2))
	assert.NoError(t, e.Validate(0))
	assert.Error(t, e.Validate(3))

	e.ModelName = ""
	assert.Error(t, e.Validate(2))
}

func TestStatusUpdateBuilders(t *testing.T) {
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	u := Counts(10, 4).WithAnalyzedAt(at).WithError("boom")
	assert.Equal(t, 10, *u.TotalCommits)
	assert.Equal(t, 4, *u.IndexedCommits)
	assert.Equal(t, at, *u.LastAnalyzedAt)
	assert.Equal(t, "boom", *u.ErrorMessage)
}
