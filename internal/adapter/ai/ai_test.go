package ai

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/11PRIMUS/memento3/internal/port"
)

func TestOllamaEmbedBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "all-minilm", req.Model)

		out := make([][]float32, len(req.Input))
		for i := range req.Input {
			out[i] = []float32{float32(i), 1}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": out})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaEndpointConfig{BaseURL: srv.URL + "/", Model: "all-minilm", Token: "tok"})
	assert.Equal(t, "all-minilm", e.ModelName())

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, []float32{2, 1}, vecs[2])

	vecs, err = e.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
}

func TestOllamaEmbedBatchCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embeddings": [[1, 2]]}`))
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaEndpointConfig{BaseURL: srv.URL, Model: "m"})
	_, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	assert.Error(t, err)
}

func TestOllamaChatGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))

		var req struct {
			Model    string              `json:"model"`
			Stream   bool                `json:"stream"`
			Messages []map[string]string `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0]["role"])
		assert.Equal(t, "sys", req.Messages[0]["content"])
		assert.Equal(t, "user", req.Messages[1]["role"])

		_, _ = w.Write([]byte(`{"message": {"role": "assistant", "content": "the answer"}, "done": true}`))
	}))
	defer srv.Close()

	c := NewOllamaChat(OllamaEndpointConfig{BaseURL: srv.URL, Model: "qwen3"})
	assert.Equal(t, "qwen3", c.ModelName())

	out, err := c.Generate(context.Background(), "sys", "question")
	require.NoError(t, err)
	assert.Equal(t, "the answer", out)
}

func TestOllamaErrorsAreUpstreamErrors(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusInternalServerError, false},
		{http.StatusServiceUnavailable, false},
		{http.StatusNotFound, true},
		{http.StatusBadRequest, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":"model not loaded"}`, tt.status)
			}))
			defer srv.Close()

			c := NewOllamaChat(OllamaEndpointConfig{BaseURL: srv.URL, Model: "m"})
			_, err := c.Generate(context.Background(), "s", "u")
			var ue *port.UpstreamError
			require.ErrorAs(t, err, &ue)
			assert.Equal(t, "ollama", ue.Service)
			assert.Equal(t, tt.status, ue.StatusCode)
			assert.Contains(t, ue.Body, "model not loaded")
			assert.Equal(t, tt.permanent, port.IsPermanent(err))
		})
	}
}

func TestOllamaUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	e := NewOllamaEmbedder(OllamaEndpointConfig{BaseURL: url, Model: "m"})
	_, err := e.EmbedBatch(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, port.ErrUpstream)
	assert.False(t, port.IsPermanent(err))
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestHashEmbedder(t *testing.T) {
	h := NewHashEmbedder(64)
	ctx := context.Background()

	vecs, err := h.EmbedBatch(ctx, []string{
		"Fix authentication bug in login handler",
		"fix authentication bug in login handler",
		"Add caching layer for repository stats",
		"",
		"!!!",
	})
	require.NoError(t, err)
	require.Len(t, vecs, 5)

	for _, v := range vecs {
		require.Len(t, v, 64)
		var norm float64
		for _, x := range v {
			norm += float64(x) * float64(x)
		}
		assert.InDelta(t, 1.0, norm, 1e-5)
	}

	assert.Equal(t, vecs[0], vecs[1], "case-insensitive and deterministic")
	assert.Greater(t, cosine(vecs[0], vecs[1]), cosine(vecs[0], vecs[2]))

	again, err := h.EmbedBatch(ctx, []string{"!!!"})
	require.NoError(t, err)
	assert.Equal(t, vecs[4], again[0])
}

func TestHashEmbedderHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHashEmbedder(8).EmbedBatch(ctx, []string{"a"})
	assert.ErrorIs(t, err, context.Canceled)
}
