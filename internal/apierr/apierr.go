// Package apierr provides structured API error types and HTTP status
// mapping for the inference router's HTTP surface.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// Error kind constants — mirror the error taxonomy of the routing design.
const (
	KindValidation          = "validation_error"
	KindBackendTimeout      = "backend_timeout"
	KindBackendUnreachable  = "backend_unreachable"
	KindBackendInternal     = "backend_internal"
	KindGeneratorFailure    = "generator_failure"
	KindServerError         = "server_error"
)

// Code constants.
const (
	CodeInvalidRequest = "invalid_request"
	CodeBackendTimeout = "backend_timeout"
	CodeBackendError   = "backend_error"
	CodeInternalError  = "internal_error"
)

// APIError is the structured error returned to clients. It also implements
// the error interface so internal callers can return it directly and the
// HTTP layer can recover the kind/code/status to render.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

func (e *APIError) Error() string { return e.Message }

// statusForKind maps an error kind to its HTTP status.
func statusForKind(kind string) int {
	switch kind {
	case KindValidation:
		return fasthttp.StatusBadRequest
	case KindBackendTimeout:
		return fasthttp.StatusGatewayTimeout
	case KindBackendUnreachable:
		return fasthttp.StatusBadGateway
	case KindBackendInternal, KindGeneratorFailure, KindServerError:
		return fasthttp.StatusInternalServerError
	default:
		return fasthttp.StatusInternalServerError
	}
}

// New constructs an *APIError for use as a regular Go error, typically
// returned from a domain layer and rendered by the HTTP layer via WriteErr.
func New(kind, code, message string) *APIError {
	return &APIError{Message: message, Type: kind, Code: code}
}

// WriteErr renders err as a JSON error response. If err is an *APIError its
// kind/code/status are used; any other error is rendered as a 500.
func WriteErr(ctx *fasthttp.RequestCtx, err error) {
	var ae *APIError
	if e, ok := err.(*APIError); ok {
		ae = e
	} else {
		ae = New(KindServerError, CodeInternalError, err.Error())
	}
	Write(ctx, statusForKind(ae.Type), ae.Message, ae.Type, ae.Code)
}

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, kind, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    kind,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteValidation writes a 400 validation error.
func WriteValidation(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusBadRequest, message, KindValidation, CodeInvalidRequest)
}

// WriteTimeout writes a 504 backend-timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "backend request timed out", KindBackendTimeout, CodeBackendTimeout)
}

// WriteUnreachable writes a 502 backend-unreachable error.
func WriteUnreachable(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusBadGateway, message, KindBackendUnreachable, CodeBackendError)
}

// WriteServerError writes a 500 internal error.
func WriteServerError(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusInternalServerError, message, KindServerError, CodeInternalError)
}
