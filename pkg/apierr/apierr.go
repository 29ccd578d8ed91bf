// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"fmt"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// Code constants. The first block is the teacher's original seven; the rest
// extend the taxonomy to the full gateway error table (model routing, auth,
// client identification).
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeNotImplemented    = "not_implemented"
	CodeInvalidRequest    = "invalid_request"

	CodeInvalidModelFormat   = "invalid_model_format"
	CodeProviderNotFound     = "provider_not_found"
	CodeModelNotFound        = "model_not_found"
	CodeAuthenticationFailed = "authentication_failed"
	CodeInsufficientQuota    = "insufficient_quota"
	CodeStreamingUnsupported = "streaming_not_supported"
	CodeConnectionError      = "connection_error"
	CodeMissingClientID      = "missing_client_id"
	CodeUnauthorizedGroup    = "unauthorized_group"
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

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Default       → 502
//
// It never writes 504; gateway-side timeouts go through WriteTimeout.
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case providerStatus >= 500 && providerStatus < 600:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteRateLimitReject writes a 429 for a ratelimit.RejectError. Request-count
// rejections carry Retry-After; token-limit and permanent rejections never do
// (match vendor API conventions — see spec §6).
func WriteRateLimitReject(ctx *fasthttp.RequestCtx, retryAfterSeconds int, carriesRetryAfter bool) {
	if carriesRetryAfter && retryAfterSeconds > 0 {
		ctx.Response.Header.Set("Retry-After", fmt.Sprintf("%d", retryAfterSeconds))
	}
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteInvalidModelFormat writes a 400 for a model string not shaped
// "provider/model".
func WriteInvalidModelFormat(ctx *fasthttp.RequestCtx, model string) {
	Write(ctx, fasthttp.StatusBadRequest,
		fmt.Sprintf("model %q must be of the form provider/model", model),
		TypeInvalidRequest, CodeInvalidModelFormat)
}

// WriteProviderNotFound writes a 404 for an unconfigured provider prefix.
func WriteProviderNotFound(ctx *fasthttp.RequestCtx, provider string) {
	Write(ctx, fasthttp.StatusNotFound,
		fmt.Sprintf("provider %q is not configured", provider),
		TypeInvalidRequest, CodeProviderNotFound)
}

// WriteModelNotFound writes a 404 for a model absent from the provider's
// allowlist.
func WriteModelNotFound(ctx *fasthttp.RequestCtx, model string) {
	Write(ctx, fasthttp.StatusNotFound,
		fmt.Sprintf("model %q is not configured", model),
		TypeInvalidRequest, CodeModelNotFound)
}

// WriteAuthenticationFailed writes a 401 with the WWW-Authenticate challenge
// pointing at the OAuth protected-resource metadata document.
func WriteAuthenticationFailed(ctx *fasthttp.RequestCtx, resourceMetadataURL, msg string) {
	if resourceMetadataURL != "" {
		ctx.Response.Header.Set("WWW-Authenticate",
			fmt.Sprintf(`Bearer resource_metadata="%s"`, resourceMetadataURL))
	}
	Write(ctx, fasthttp.StatusUnauthorized, msg, TypeAuthenticationErr, CodeAuthenticationFailed)
}

// WriteMissingClientID writes a 400 when client identification is enabled but
// the configured source yielded no client id.
func WriteMissingClientID(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusBadRequest, "missing client id", TypeInvalidRequest, CodeMissingClientID)
}

// WriteUnauthorizedGroup writes a 403 when the resolved group is not in the
// configured allow-list.
func WriteUnauthorizedGroup(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusForbidden, "unauthorized group", TypeInvalidRequest, CodeUnauthorizedGroup)
}

// WriteInsufficientQuota passes through a provider 403 quota rejection.
func WriteInsufficientQuota(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusForbidden, msg, TypeInvalidRequest, CodeInsufficientQuota)
}

// WriteStreamingUnsupported writes a 400 when stream=true is requested
// against an adapter that doesn't implement streaming.
func WriteStreamingUnsupported(ctx *fasthttp.RequestCtx, provider string) {
	Write(ctx, fasthttp.StatusBadRequest,
		fmt.Sprintf("provider %q does not support streaming", provider),
		TypeInvalidRequest, CodeStreamingUnsupported)
}

// WriteConnectionError writes a 502 for a network failure reaching a provider.
func WriteConnectionError(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeConnectionError)
}
