package apierr

import (
	"encoding/json"
	"testing"

	"github.com/valyala/fasthttp"
)

func TestKindHTTPStatus(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindInvalidRequest, 400},
		{KindUnauthorized, 401},
		{KindNotConfigured, 401},
		{KindRateLimited, 429},
		{KindUpstreamError, 502},
		{KindNetworkError, 504},
		{KindInternal, 500},
	}
	for _, tc := range cases {
		if got := tc.kind.HTTPStatus(); got != tc.want {
			t.Errorf("kind %d: got %d, want %d", tc.kind, got, tc.want)
		}
	}
}

func TestKindForUpstreamStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{401, KindUnauthorized},
		{429, KindRateLimited},
		{400, KindInvalidRequest},
		{404, KindInvalidRequest},
		{500, KindUpstreamError},
		{503, KindUpstreamError},
		{200, KindInternal},
	}
	for _, tc := range cases {
		if got := KindForUpstreamStatus(tc.status); got != tc.want {
			t.Errorf("status %d: got %d, want %d", tc.status, got, tc.want)
		}
	}
}

func decodeEnvelope(t *testing.T, body []byte) APIError {
	t.Helper()
	var env struct {
		Error APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("envelope not valid JSON: %v\n%s", err, body)
	}
	return env.Error
}

func TestBodyShape(t *testing.T) {
	e := decodeEnvelope(t, Body("boom", TypeServerError, CodeInternalError))
	if e.Message != "boom" || e.Type != TypeServerError || e.Code != CodeInternalError {
		t.Errorf("envelope: %+v", e)
	}
}

func TestWriteKind(t *testing.T) {
	cases := []struct {
		kind     Kind
		wantCode string
		wantType string
	}{
		{KindInvalidRequest, CodeInvalidRequest, TypeInvalidRequest},
		{KindUnauthorized, CodeInvalidAPIKey, TypeAuthenticationErr},
		{KindNotConfigured, CodeNotConfigured, TypeAuthenticationErr},
		{KindRateLimited, CodeRateLimitExceeded, TypeRateLimitError},
		{KindUpstreamError, CodeUpstreamError, TypeUpstreamError},
		{KindNetworkError, CodeRequestTimeout, TypeUpstreamError},
		{KindInternal, CodeInternalError, TypeServerError},
	}
	for _, tc := range cases {
		var ctx fasthttp.RequestCtx
		WriteKind(&ctx, tc.kind, "msg")

		if got := ctx.Response.StatusCode(); got != tc.kind.HTTPStatus() {
			t.Errorf("kind %d: status %d", tc.kind, got)
		}
		if got := string(ctx.Response.Header.ContentType()); got != "application/json" {
			t.Errorf("kind %d: content type %q", tc.kind, got)
		}
		e := decodeEnvelope(t, ctx.Response.Body())
		if e.Code != tc.wantCode || e.Type != tc.wantType || e.Message != "msg" {
			t.Errorf("kind %d: envelope %+v", tc.kind, e)
		}
	}
}

func TestWriteUpstreamMapping(t *testing.T) {
	cases := []struct {
		upstream   int
		wantStatus int
		wantCode   string
	}{
		{401, 401, CodeInvalidAPIKey},
		{429, 429, CodeRateLimitExceeded},
		{400, 400, CodeInvalidRequest},
		{404, 404, CodeInvalidRequest},
		{500, 502, CodeUpstreamError},
		{503, 502, CodeUpstreamError},
	}
	for _, tc := range cases {
		var ctx fasthttp.RequestCtx
		WriteUpstream(&ctx, tc.upstream, "upstream said no")

		if got := ctx.Response.StatusCode(); got != tc.wantStatus {
			t.Errorf("upstream %d: status %d, want %d", tc.upstream, got, tc.wantStatus)
		}
		e := decodeEnvelope(t, ctx.Response.Body())
		if e.Code != tc.wantCode {
			t.Errorf("upstream %d: code %q, want %q", tc.upstream, e.Code, tc.wantCode)
		}
		if e.Message != "upstream said no" {
			t.Errorf("upstream %d: body not forwarded: %q", tc.upstream, e.Message)
		}
	}
}

func TestRateLimitSetsRetryAfter(t *testing.T) {
	var ctx fasthttp.RequestCtx
	WriteUpstream(&ctx, 429, "slow down")
	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "60" {
		t.Errorf("Retry-After: %q", got)
	}

	var ctx2 fasthttp.RequestCtx
	WriteKind(&ctx2, KindRateLimited, "slow down")
	if got := string(ctx2.Response.Header.Peek("Retry-After")); got != "60" {
		t.Errorf("Retry-After via kind: %q", got)
	}
}

func TestWriteTimeout(t *testing.T) {
	var ctx fasthttp.RequestCtx
	WriteTimeout(&ctx, "upstream request timed out")
	if ctx.Response.StatusCode() != 504 {
		t.Errorf("status: %d", ctx.Response.StatusCode())
	}
	e := decodeEnvelope(t, ctx.Response.Body())
	if e.Code != CodeRequestTimeout || e.Type != TypeUpstreamError {
		t.Errorf("envelope: %+v", e)
	}
}
