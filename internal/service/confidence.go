package service

import (
	"strings"
	"unicode/utf8"

	"github.com/11PRIMUS/memento3/internal/domain"
)

var technicalKeywords = []string{
	"function", "class", "method", "variable", "algorithm", "pattern",
	"architecture", "design", "implementation", "refactor", "optimization",
	"bug", "fix", "feature", "enhancement", "security", "performance",
}

// Confidence scores an answer from the evidence behind it. The result is in [0, 1]
// and is exactly zero without commits or without an answer.
//
//	0.4 * mean similarity
//	0.3 * min(commits / 10, 1)
//	0.2 * min(answer length / 500, 1)
//	0.1 * share of technical keywords present in the answer
func Confidence(commits []domain.SimilarCommit, answer string) float64 {
	if len(commits) == 0 || answer == "" {
		return 0
	}

	var sum float64
	for _, c := range commits {
		sum += c.Similarity
	}
	avgSimilarity := sum / float64(len(commits))
	countFactor := min(float64(len(commits))/10, 1)
	lengthFactor := min(float64(utf8.RuneCountInString(answer))/500, 1)

	lower := strings.ToLower(answer)
	hits := 0
	for _, kw := range technicalKeywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	technical := float64(hits) / float64(len(technicalKeywords))

	score := 0.4*avgSimilarity + 0.3*countFactor + 0.2*lengthFactor + 0.1*technical
	return max(0, min(score, 1))
}
