package router

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
)

const defaultBackendTimeout = 60 * time.Second

// hopByHopHeaders are stripped before a request is relayed to a backend, per
// RFC 7230 §6.1.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"TE", "Trailer", "Transfer-Encoding", "Upgrade",
}

// GenerateRequest is what the forwarder sends to a backend's /infer endpoint.
type GenerateRequest struct {
	Prompt      string
	MaxTokens   int
	RequestID   string
	QueryParams map[string][]string
	Headers     map[string][]string // inbound headers to relay; hop-by-hop ones are stripped regardless
}

// GenerateResponse is the backend's reply.
type GenerateResponse struct {
	Text string `json:"text"`
}

// Outcome classifies a single forward attempt, independent of circuit
// breaker bookkeeping.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeBackendError           // backend responded >= 500
	OutcomeTimeout
	OutcomeConnError
)

// ForwardError wraps a non-success outcome with the classified kind and the
// HTTP status the caller should surface.
type ForwardError struct {
	Outcome    Outcome
	HTTPStatus int
	Err        error
}

func (e *ForwardError) Error() string { return e.Err.Error() }
func (e *ForwardError) Unwrap() error { return e.Err }

// Forwarder relays a generation request to a backend's /infer endpoint over
// plain HTTP, stripping hop-by-hop headers and forwarding query parameters
// verbatim.
type Forwarder struct {
	client  *fasthttp.Client
	timeout time.Duration
}

func NewForwarder(timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = defaultBackendTimeout
	}
	return &Forwarder{
		client:  &fasthttp.Client{Name: "counselgpt-router"},
		timeout: timeout,
	}
}

// Forward issues the request to baseURL + "/infer" and classifies the
// outcome per spec: status < 500 is success, >= 500 is a backend error,
// context deadline exceeded surfaces as a timeout, and any other transport
// failure surfaces as a connection error.
func (f *Forwarder) Forward(ctx context.Context, baseURL string, req GenerateRequest) (*GenerateResponse, int, error) {
	httpReq := fasthttp.AcquireRequest()
	httpResp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(httpReq)
	defer fasthttp.ReleaseResponse(httpResp)

	uri := baseURL + "/infer"
	if len(req.QueryParams) > 0 {
		args := &fasthttp.Args{}
		for k, vs := range req.QueryParams {
			for _, v := range vs {
				args.Add(k, v)
			}
		}
		uri = uri + "?" + args.String()
	}

	httpReq.SetRequestURI(uri)
	httpReq.Header.SetMethod(fasthttp.MethodPost)
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.SetContentType("application/json")
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.RequestID)
	}
	for _, h := range hopByHopHeaders {
		httpReq.Header.Del(h)
	}

	body := []byte(`{"prompt":` + strconv.Quote(req.Prompt) + `,"max_tokens":` + strconv.Itoa(req.MaxTokens) + `}`)
	httpReq.SetBody(body)

	deadline := time.Now().Add(f.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	err := f.client.DoDeadline(httpReq, httpResp, deadline)
	if err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, 0, &ForwardError{Outcome: OutcomeTimeout, HTTPStatus: fasthttp.StatusGatewayTimeout, Err: err}
		}
		return nil, 0, &ForwardError{Outcome: OutcomeConnError, HTTPStatus: fasthttp.StatusBadGateway, Err: err}
	}

	status := httpResp.StatusCode()
	if status >= 500 {
		return nil, status, &ForwardError{Outcome: OutcomeBackendError, HTTPStatus: status, Err: errBackendError(status)}
	}

	return &GenerateResponse{Text: string(httpResp.Body())}, status, nil
}

type backendStatusError struct{ status int }

func (e *backendStatusError) Error() string { return "backend returned error status" }
func errBackendError(status int) error      { return &backendStatusError{status: status} }
