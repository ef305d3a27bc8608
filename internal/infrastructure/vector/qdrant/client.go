package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kirillkom/evidence-router/internal/core/domain"
	"github.com/kirillkom/evidence-router/internal/infrastructure/resilience"
)

const (
	DefaultDenseVector  = "dense"
	DefaultSparseVector = "sparse"
)

// Client searches qdrant collections. Each source namespace or lexical
// index maps to one collection holding a named dense vector and a named
// sparse (BM25-style) vector per chunk.
type Client struct {
	baseURL      string
	apiKey       string
	denseVector  string
	sparseVector string
	httpClient   *http.Client
	executor     *resilience.Executor
}

type Options struct {
	APIKey             string
	DenseVectorName    string
	SparseVectorName   string
	Timeout            time.Duration
	ResilienceExecutor *resilience.Executor
}

func New(baseURL string, options Options) *Client {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dense := strings.TrimSpace(options.DenseVectorName)
	if dense == "" {
		dense = DefaultDenseVector
	}
	sparse := strings.TrimSpace(options.SparseVectorName)
	if sparse == "" {
		sparse = DefaultSparseVector
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       options.APIKey,
		denseVector:  dense,
		sparseVector: sparse,
		httpClient:   &http.Client{Timeout: timeout},
		executor:     options.ResilienceExecutor,
	}
}

func (c *Client) SearchVector(ctx context.Context, namespace string, vector []float32, topK int) ([]domain.ScoredRecord, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("qdrant vector search: empty query vector")
	}
	reqBody := map[string]any{
		"vector": map[string]any{
			"name":   c.denseVector,
			"vector": vector,
		},
		"limit":        topK,
		"with_payload": true,
	}
	return c.search(ctx, namespace, reqBody, "vector_search")
}

func (c *Client) SearchLexical(ctx context.Context, index string, tokens []string, topK int) ([]domain.ScoredRecord, error) {
	sparse := encodeSparseTokens(tokens)
	if len(sparse.Indices) == 0 {
		return nil, nil
	}
	reqBody := map[string]any{
		"vector": map[string]any{
			"name":   c.sparseVector,
			"vector": sparse,
		},
		"limit":        topK,
		"with_payload": true,
	}
	return c.search(ctx, index, reqBody, "lexical_search")
}

type searchResponse struct {
	Result []struct {
		ID      any            `json:"id"`
		Score   float64        `json:"score"`
		Payload map[string]any `json:"payload"`
	} `json:"result"`
}

func (c *Client) search(ctx context.Context, collection string, reqBody map[string]any, operation string) ([]domain.ScoredRecord, error) {
	collection = strings.TrimSpace(collection)
	if collection == "" {
		return nil, fmt.Errorf("qdrant %s: collection is required", operation)
	}
	if limit, _ := reqBody["limit"].(int); limit <= 0 {
		reqBody["limit"] = 1
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal %s body: %w", operation, err)
	}
	endpoint := fmt.Sprintf("%s/collections/%s/points/search", c.baseURL, url.PathEscape(collection))

	resp, err := resilience.Call(ctx, c.executor, "qdrant."+operation, func(ctx context.Context) (searchResponse, error) {
		return c.doSearch(ctx, endpoint, body, operation)
	}, classifyQdrantError)
	if err != nil {
		return nil, wrapTemporaryIfNeeded("qdrant "+operation, err)
	}

	out := make([]domain.ScoredRecord, 0, len(resp.Result))
	for _, r := range resp.Result {
		chunkID := getStringPayload(r.Payload, "chunk_id")
		if chunkID == "" && r.ID != nil {
			chunkID = fmt.Sprintf("%v", r.ID)
		}
		out = append(out, domain.ScoredRecord{
			ChunkID:  chunkID,
			Score:    r.Score,
			Text:     getStringPayload(r.Payload, "text"),
			Metadata: payloadMetadata(r.Payload),
		})
	}
	return out, nil
}

func (c *Client) doSearch(ctx context.Context, endpoint string, body []byte, operation string) (searchResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return searchResponse{}, fmt.Errorf("create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return searchResponse{}, fmt.Errorf("qdrant %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return searchResponse{}, &HTTPStatusError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(raw),
		}
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return searchResponse{}, fmt.Errorf("decode %s response: %w", operation, err)
	}
	return out, nil
}

var metadataPayloadKeys = []string{
	domain.MetaURI,
	domain.MetaLastModified,
	domain.MetaAuthor,
	domain.MetaEntityID,
	domain.MetaSource,
}

func payloadMetadata(payload map[string]any) map[string]string {
	out := make(map[string]string, len(metadataPayloadKeys))
	for _, key := range metadataPayloadKeys {
		if v := getStringPayload(payload, key); v != "" {
			out[key] = v
		}
	}
	return out
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
