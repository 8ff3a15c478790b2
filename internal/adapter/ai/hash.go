package ai

import (
	"context"
	"math"
	"strings"
	"unicode"

	"github.com/11PRIMUS/memento3/internal/port"
)

// HashEmbedder produces deterministic vectors without a model. Each lowercase
// word is hashed into a signed bucket, so texts sharing words land close
// together. It serves offline development and tests.
type HashEmbedder struct {
	dimension int
}

var _ port.Embedder = (*HashEmbedder)(nil)

// NewHashEmbedder creates an embedder producing vectors of the given length.
func NewHashEmbedder(dimension int) *HashEmbedder {
	if dimension <= 0 {
		dimension = 384
	}
	return &HashEmbedder{dimension: dimension}
}

// ModelName identifies the embedder.
func (h *HashEmbedder) ModelName() string {
	return "hash-bow"
}

// EmbedBatch embeds each text independently.
func (h *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.embed(t)
	}
	return out, nil
}

func (h *HashEmbedder) embed(text string) []float32 {
	vec := make([]float32, h.dimension)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		hash := hashString(w)
		idx := int(hash % uint64(h.dimension))
		if (hash/uint64(h.dimension))&1 == 1 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}

	if vectorNorm(vec) == 0 {
		// No usable words: a pseudo-random vector seeded by the raw text.
		hash := hashString(text)
		for i := range vec {
			val := float32((hash+uint64(i)*7919)%10000) / 10000.0
			vec[i] = val*2.0 - 1.0
		}
	}

	if norm := vectorNorm(vec); norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec
}

func vectorNorm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// hashString is djb2.
func hashString(s string) uint64 {
	var hash uint64 = 5381
	for _, c := range s {
		hash = ((hash << 5) + hash) + uint64(c)
	}
	return hash
}
