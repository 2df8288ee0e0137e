// Package extclient provides thin HTTP clients for the external embedding
// and reranking services the cache and retrieval index depend on. Neither
// service's implementation is in scope here — these are collaborator
// contracts, not the services themselves.
package extclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

// EmbeddingClient calls an external embedding service's POST /embed endpoint.
type EmbeddingClient struct {
	client  *fasthttp.Client
	baseURL string
	timeout time.Duration
}

func NewEmbeddingClient(baseURL string, timeout time.Duration) *EmbeddingClient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &EmbeddingClient{
		client:  &fasthttp.Client{Name: "counselgpt-embedding-client"},
		baseURL: baseURL,
		timeout: timeout,
	}
}

type embedRequestBody struct {
	Text string `json:"text"`
}

type embedResponseBody struct {
	Embedding []float32 `json:"embedding"`
}

func (c *EmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("extclient: embedding service url not configured")
	}

	body, err := json.Marshal(embedRequestBody{Text: text})
	if err != nil {
		return nil, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + "/embed")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("extclient: embed request: %w", err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("extclient: embed service returned status %d", resp.StatusCode())
	}

	var out embedResponseBody
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("extclient: decode embed response: %w", err)
	}
	return out.Embedding, nil
}
