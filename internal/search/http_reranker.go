package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	kerrors "github.com/kestrelsearch/kestrel/internal/errors"
)

// HTTPReranker scores query/passage pairs through a cross-encoder
// scoring service. A circuit breaker guards the backend so a flapping
// service degrades retrieval to fused order instead of stalling it.
type HTTPReranker struct {
	endpoint string
	model    string
	client   *http.Client
	breaker  *kerrors.CircuitBreaker

	mu     sync.Mutex
	closed bool
}

var _ Reranker = (*HTTPReranker)(nil)

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// NewHTTPReranker creates a reranker client for the given endpoint.
func NewHTTPReranker(endpoint, model string, timeout time.Duration) *HTTPReranker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPReranker{
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: timeout},
		breaker:  kerrors.NewCircuitBreaker("reranker"),
	}
}

// Score posts the query and passages and returns one score per passage.
func (r *HTTPReranker) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	var scores []float64
	err := r.breaker.Execute(func() error {
		result, err := r.doScore(ctx, query, passages)
		if err != nil {
			return err
		}
		scores = result
		return nil
	})
	if err != nil {
		return nil, kerrors.New(kerrors.ErrCodeRerankerFailure, "rerank request failed", err)
	}
	return scores, nil
}

func (r *HTTPReranker) doScore(ctx context.Context, query string, passages []string) ([]float64, error) {
	body, err := json.Marshal(rerankRequest{
		Model:     r.model,
		Query:     query,
		Documents: passages,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("rerank status %d: %s", resp.StatusCode, string(respBody))
	}

	var result rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}
	if len(result.Scores) != len(passages) {
		return nil, fmt.Errorf("rerank returned %d scores for %d passages",
			len(result.Scores), len(passages))
	}
	return result.Scores, nil
}

// Available reports whether the endpoint is configured, the breaker is
// not open, and the client has not been closed.
func (r *HTTPReranker) Available(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.endpoint == "" {
		return false
	}
	return r.breaker.State() != kerrors.StateOpen
}

// Close releases idle connections.
func (r *HTTPReranker) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.client.CloseIdleConnections()
	return nil
}
