package extclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

// RerankClient calls an external cross-encoder reranking service's
// POST /rerank endpoint.
type RerankClient struct {
	client  *fasthttp.Client
	baseURL string
	timeout time.Duration
}

func NewRerankClient(baseURL string, timeout time.Duration) *RerankClient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RerankClient{
		client:  &fasthttp.Client{Name: "counselgpt-rerank-client"},
		baseURL: baseURL,
		timeout: timeout,
	}
}

type rerankRequestBody struct {
	Query      string   `json:"query"`
	Candidates []string `json:"candidates"`
}

type rerankResponseBody struct {
	Scores []float64 `json:"scores"`
}

func (c *RerankClient) Rerank(ctx context.Context, query string, candidates []string) ([]float64, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("extclient: rerank service url not configured")
	}

	body, err := json.Marshal(rerankRequestBody{Query: query, Candidates: candidates})
	if err != nil {
		return nil, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + "/rerank")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("extclient: rerank request: %w", err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("extclient: rerank service returned status %d", resp.StatusCode())
	}

	var out rerankResponseBody
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("extclient: decode rerank response: %w", err)
	}
	return out.Scores, nil
}
