// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeUpstreamError     = "upstream_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeNotConfigured     = "not_configured"
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeUpstreamError     = "upstream_error"
	CodeRequestTimeout    = "request_timeout"
	CodeInternalError     = "internal_error"
)

// Kind classifies a failure for boundary mapping. Internal code produces a
// Kind; the servlet layer maps it to an HTTP response.
type Kind int

const (
	KindInvalidRequest Kind = iota
	KindUnauthorized
	KindRateLimited
	KindUpstreamError
	KindNetworkError
	KindInternal
	KindNotConfigured
)

// HTTPStatus returns the boundary status for a Kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidRequest:
		return fasthttp.StatusBadRequest
	case KindUnauthorized, KindNotConfigured:
		return fasthttp.StatusUnauthorized
	case KindRateLimited:
		return fasthttp.StatusTooManyRequests
	case KindUpstreamError:
		return fasthttp.StatusBadGateway
	case KindNetworkError:
		return fasthttp.StatusGatewayTimeout
	default:
		return fasthttp.StatusInternalServerError
	}
}

// KindForUpstreamStatus classifies an upstream HTTP status.
func KindForUpstreamStatus(status int) Kind {
	switch {
	case status == fasthttp.StatusUnauthorized:
		return KindUnauthorized
	case status == fasthttp.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindUpstreamError
	case status >= 400:
		return KindInvalidRequest
	default:
		return KindInternal
	}
}

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

// Body returns the marshalled OpenAI-shaped error envelope. The streaming
// relay uses this to emit errors as SSE events rather than as a plain body.
func Body(message, errType, code string) []byte {
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	return body
}

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(Body(message, errType, code))
}

// WriteKind maps an error Kind to its boundary response.
func WriteKind(ctx *fasthttp.RequestCtx, kind Kind, message string) {
	switch kind {
	case KindInvalidRequest:
		Write(ctx, kind.HTTPStatus(), message, TypeInvalidRequest, CodeInvalidRequest)
	case KindUnauthorized:
		Write(ctx, kind.HTTPStatus(), message, TypeAuthenticationErr, CodeInvalidAPIKey)
	case KindNotConfigured:
		Write(ctx, kind.HTTPStatus(), message, TypeAuthenticationErr, CodeNotConfigured)
	case KindRateLimited:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, kind.HTTPStatus(), message, TypeRateLimitError, CodeRateLimitExceeded)
	case KindUpstreamError:
		Write(ctx, kind.HTTPStatus(), message, TypeUpstreamError, CodeUpstreamError)
	case KindNetworkError:
		Write(ctx, kind.HTTPStatus(), message, TypeUpstreamError, CodeRequestTimeout)
	default:
		Write(ctx, kind.HTTPStatus(), message, TypeServerError, CodeInternalError)
	}
}

// WriteUpstream surfaces an upstream failure. The upstream body is forwarded
// verbatim inside the OpenAI error envelope so clients see the real cause.
//
//	Upstream 401 → 401 invalid_api_key
//	Upstream 429 → 429 + Retry-After: 60
//	Upstream 4xx → same status, invalid_request_error
//	Upstream 5xx → 502 upstream_error
func WriteUpstream(ctx *fasthttp.RequestCtx, upstreamStatus int, upstreamBody string) {
	switch KindForUpstreamStatus(upstreamStatus) {
	case KindRateLimited:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, upstreamBody, TypeRateLimitError, CodeRateLimitExceeded)
	case KindUnauthorized:
		Write(ctx, fasthttp.StatusUnauthorized, upstreamBody, TypeAuthenticationErr, CodeInvalidAPIKey)
	case KindInvalidRequest:
		Write(ctx, upstreamStatus, upstreamBody, TypeInvalidRequest, CodeInvalidRequest)
	default:
		Write(ctx, fasthttp.StatusBadGateway, upstreamBody, TypeUpstreamError, CodeUpstreamError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusGatewayTimeout, message, TypeUpstreamError, CodeRequestTimeout)
}
