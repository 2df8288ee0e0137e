package app

import (
	"context"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/counselgpt/serving/internal/retrieval"
	"github.com/counselgpt/serving/internal/router"
)

// httpProber probes a backend's /health endpoint. It satisfies
// router.Prober.
type httpProber struct {
	client  *fasthttp.Client
	baseURL string
}

func newHTTPProber(client *fasthttp.Client, baseURL string) *httpProber {
	return &httpProber{client: client, baseURL: baseURL}
}

func (p *httpProber) Probe(ctx context.Context) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(p.baseURL + "/health")
	req.Header.SetMethod(fasthttp.MethodGet)

	deadline := time.Now().Add(5 * time.Second)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	if err := p.client.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("probe %s: %w", p.baseURL, err)
	}
	if resp.StatusCode() >= 500 {
		return fmt.Errorf("probe %s: status %d", p.baseURL, resp.StatusCode())
	}
	return nil
}

// routerGenerator bridges the orchestrator's Generator contract onto the
// routing decision engine.
type routerGenerator struct {
	r *router.Router
}

func newRouterGenerator(r *router.Router) *routerGenerator {
	return &routerGenerator{r: r}
}

func (g *routerGenerator) Generate(ctx context.Context, prompt string, maxTokens int, preferGPU bool, queryParams, headers map[string][]string) (text, backend string, fallback bool, fallbackReason string, err error) {
	result, err := g.r.Execute(ctx, router.GenerateRequest{
		Prompt:      prompt,
		MaxTokens:   maxTokens,
		QueryParams: queryParams,
		Headers:     headers,
	}, preferGPU)
	if err != nil {
		return "", "", false, "", err
	}
	return result.Response.Text, result.Backend, result.Fallback, result.Reason, nil
}

// retrievalAdapter bridges the orchestrator's Retriever contract onto the
// retrieval service's richer Query method.
type retrievalAdapter struct {
	svc *retrieval.Service
}

func newRetrievalAdapter(svc *retrieval.Service) *retrievalAdapter {
	return &retrievalAdapter{svc: svc}
}

func (a *retrievalAdapter) RetrieveContext(ctx context.Context, query, documentID string, topK int) (string, error) {
	text, _, err := a.svc.Query(ctx, query, retrieval.QueryOptions{DocumentID: documentID, TopK: topK, Rerank: true})
	return text, err
}
