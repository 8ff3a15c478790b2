package port

import "context"

// Embedder turns text into fixed-dimension vectors.
// Implementations can target Ollama or any compatible API.
type Embedder interface {
	// ModelName returns the identifier of the embedding model.
	ModelName() string

	// EmbedBatch generates one embedding per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// LLM generates text answers.
type LLM interface {
	// ModelName returns the identifier of the chat model.
	ModelName() string

	// Generate sends a system and user prompt and returns the complete response.
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}
