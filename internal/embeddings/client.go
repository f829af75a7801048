// Package embeddings generates vector embeddings through an
// OpenAI-compatible /v1/embeddings endpoint and provides the vector math
// memory search needs.
package embeddings

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/nugget/bernard/internal/httpkit"
)

// Generator produces an embedding for a text.
type Generator interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// Client generates embeddings over HTTP.
type Client struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
}

// Config for the embedding client.
type Config struct {
	BaseURL string // e.g. "http://localhost:8000", without /v1
	Model   string // e.g. "nomic-embed-text"
	APIKey  string
}

// New creates an embedding client.
func New(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	return &Client{
		baseURL: strings.TrimSuffix(strings.TrimSuffix(cfg.BaseURL, "/"), "/v1"),
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		client:  httpkit.NewClient(httpkit.WithTimeout(30 * time.Second)),
	}
}

// HealthURL is probed by the health endpoint.
func (c *Client) HealthURL() string {
	return c.baseURL + "/v1/models"
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Generate creates an embedding for text.
func (c *Client) Generate(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings returned status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(er.Data) == 0 || len(er.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embeddings response has no vectors")
	}
	return er.Data[0].Embedding, nil
}

// CosineSimilarity computes cosine similarity between two vectors.
// Mismatched lengths and zero vectors score 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// CosineDistance is 1 - CosineSimilarity, in [0, 2].
func CosineDistance(a, b []float32) float64 {
	return 1 - float64(CosineSimilarity(a, b))
}

// Scored pairs an index into the candidate slice with its similarity.
type Scored struct {
	Index int
	Score float32
}

// TopK returns the k candidates most similar to query, best first.
func TopK(query []float32, vectors [][]float32, k int) []Scored {
	scores := make([]Scored, len(vectors))
	for i, v := range vectors {
		scores[i] = Scored{Index: i, Score: CosineSimilarity(query, v)}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
	if k < len(scores) {
		scores = scores[:k]
	}
	return scores
}

// Encode packs a vector as little-endian float32 bytes for storage.
func Encode(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// Decode reverses Encode. A length that is not a multiple of 4 yields nil.
func Decode(b []byte) []float32 {
	if len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
