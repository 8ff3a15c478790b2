package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/11PRIMUS/memento3/internal/port"
)

// OllamaEndpointConfig holds the configuration for a single Ollama endpoint.
type OllamaEndpointConfig struct {
	BaseURL string // e.g. http://localhost:11434 or https://api.ollama.com
	Model   string // e.g. all-minilm, qwen3
	Token   string // Bearer token for Ollama Cloud (empty = no auth)
}

// client is the HTTP plumbing shared by the embed and chat endpoints.
type client struct {
	cfg        OllamaEndpointConfig
	httpClient *http.Client
}

func newClient(cfg OllamaEndpointConfig, timeout time.Duration) client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return client{cfg: cfg, httpClient: &http.Client{Timeout: timeout}}
}

// OllamaEmbedder implements port.Embedder with POST /api/embed.
type OllamaEmbedder struct {
	client
}

var _ port.Embedder = (*OllamaEmbedder)(nil)

// NewOllamaEmbedder creates an embedder for the given endpoint.
func NewOllamaEmbedder(cfg OllamaEndpointConfig) *OllamaEmbedder {
	return &OllamaEmbedder{client: newClient(cfg, 2*time.Minute)}
}

// ModelName returns the embedding model identifier.
func (o *OllamaEmbedder) ModelName() string {
	return o.cfg.Model
}

// EmbedBatch generates embeddings for multiple texts in one call.
func (o *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	payload := map[string]interface{}{
		"model": o.cfg.Model,
		"input": texts,
	}

	body, err := o.post(ctx, "/api/embed", payload)
	if err != nil {
		return nil, fmt.Errorf("ollama embed batch: %w", err)
	}

	var resp struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("ollama embed batch decode: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embed batch: got %d embeddings for %d texts", len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}

// OllamaChat implements port.LLM with POST /api/chat (non-streaming).
type OllamaChat struct {
	client
	temperature float64
}

var _ port.LLM = (*OllamaChat)(nil)

// NewOllamaChat creates a chat client for the given endpoint.
func NewOllamaChat(cfg OllamaEndpointConfig) *OllamaChat {
	return &OllamaChat{client: newClient(cfg, 5*time.Minute), temperature: 0.2}
}

// ModelName returns the chat model identifier.
func (o *OllamaChat) ModelName() string {
	return o.cfg.Model
}

// Generate sends the system and user prompt and returns the complete response.
func (o *OllamaChat) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := []map[string]string{
		{"role": "system", "content": systemPrompt},
		{"role": "user", "content": userPrompt},
	}

	payload := map[string]interface{}{
		"model":    o.cfg.Model,
		"messages": messages,
		"stream":   false,
		"options":  map[string]interface{}{"temperature": o.temperature},
	}

	body, err := o.post(ctx, "/api/chat", payload)
	if err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}

	var resp struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("ollama chat decode: %w", err)
	}
	return resp.Message.Content, nil
}

// post is a helper for POST requests to the endpoint (with optional bearer token).
// Non-200 responses and transport failures become *port.UpstreamError.
func (c *client) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payloadBytes))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &port.UpstreamError{Service: "ollama", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &port.UpstreamError{
			Service:    "ollama",
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	return io.ReadAll(resp.Body)
}
