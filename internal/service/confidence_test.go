package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/11PRIMUS/memento3/internal/domain"
)

func hitsAt(sims ...float64) []domain.SimilarCommit {
	out := make([]domain.SimilarCommit, len(sims))
	for i, s := range sims {
		out[i] = domain.SimilarCommit{SHA: sha(i + 1), Similarity: s}
	}
	return out
}

func TestConfidenceShortCircuits(t *testing.T) {
	assert.Zero(t, Confidence(nil, "a long and detailed answer"))
	assert.Zero(t, Confidence(hitsAt(0.9), ""))
}

func TestConfidenceFormula(t *testing.T) {
	got := Confidence(hitsAt(0.5), "fix the bug")
	want := 0.4*0.5 + 0.3*0.1 + 0.2*(11.0/500) + 0.1*(2.0/17)
	assert.InDelta(t, want, got, 1e-12)
}

func TestConfidenceKeywordsAreCaseInsensitive(t *testing.T) {
	lower := Confidence(hitsAt(0.8), "performance")
	upper := Confidence(hitsAt(0.8), "PERFORMANCE")
	assert.Equal(t, lower, upper)
}

func TestConfidenceCapsAtOne(t *testing.T) {
	sims := make([]float64, 25)
	for i := range sims {
		sims[i] = 1
	}
	answer := strings.Join(technicalKeywords, " ") + strings.Repeat(" detail", 1000)
	assert.InDelta(t, 1.0, Confidence(hitsAt(sims...), answer), 1e-12)
}

func TestConfidenceBounds(t *testing.T) {
	answers := []string{"x", "ok", strings.Repeat("é", 10000), "function class method"}
	for _, sims := range [][]float64{{0.71}, {0.99, 0.98}, {0.7, 0.8, 0.9, 1, 1, 1, 1, 1, 1, 1, 1, 1}} {
		for _, a := range answers {
			c := Confidence(hitsAt(sims...), a)
			assert.GreaterOrEqual(t, c, 0.0)
			assert.LessOrEqual(t, c, 1.0)
		}
	}
}
