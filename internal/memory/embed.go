package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultEmbeddingModel matches the vectors stored by previous runs.
const DefaultEmbeddingModel = "sentence-transformers/all-MiniLM-L6-v2"

// Embedder converts text into a fixed-width vector. Implementations must
// be safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HTTPEmbedder calls a local embedding sidecar speaking a minimal JSON
// contract: POST /embed {"text": ...} -> {"embedding": [...]}.
type HTTPEmbedder struct {
	url  string
	http *http.Client
}

// NewHTTPEmbedder builds an embedder against the sidecar at baseURL.
func NewHTTPEmbedder(baseURL string) *HTTPEmbedder {
	return &HTTPEmbedder{
		url:  baseURL + "/embed",
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// Embed implements Embedder.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed status %d: %s", resp.StatusCode, body)
	}
	var result struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parse embedding: %w", err)
	}
	if len(result.Embedding) != EmbeddingDims {
		return nil, fmt.Errorf("unexpected embedding width %d", len(result.Embedding))
	}
	return result.Embedding, nil
}
