// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeBackendError      = "backend_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeQuotaExceeded   = "quota_exceeded"
	CodeInvalidAPIKey   = "invalid_api_key"
	CodeInternalError   = "internal_error"
	CodeBackendError    = "backend_error"
	CodeRequestTimeout  = "request_timeout"
	CodeNotImplemented  = "not_implemented"
	CodeInvalidRequest  = "invalid_request"
	CodeAllBackendsDown = "all_backends_exhausted"
)

// APIError is the structured error returned to clients.
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

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteInvalidRequest writes a 400 validation error.
func WriteInvalidRequest(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeInvalidRequest)
}

// WriteQuotaExceeded writes a 429 with a Retry-After header of retryAfter
// seconds (floored at 1).
func WriteQuotaExceeded(ctx *fasthttp.RequestCtx, msg string, retryAfter int) {
	if retryAfter < 1 {
		retryAfter = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfter))
	Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeQuotaExceeded)
}

// WriteBackendsExhausted writes a 502 for a request no backend could serve.
func WriteBackendsExhausted(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadGateway, msg, TypeBackendError, CodeAllBackendsDown)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "backend request timed out", TypeBackendError, CodeRequestTimeout)
}
