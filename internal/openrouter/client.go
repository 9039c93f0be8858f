// Package openrouter is the typed HTTP client for the OpenRouter REST API at
// https://openrouter.ai/api/v1.
//
// The client is stateless and safe for concurrent use. Every operation takes
// the credential explicitly — key-management endpoints use the provisioning
// key, inference endpoints use the runtime API key — and returns a Result
// produced by a single decode path.
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the public OpenRouter API root.
	DefaultBaseURL = "https://openrouter.ai/api/v1"

	connectTimeout = 30 * time.Second
	unaryTimeout   = 60 * time.Second

	// streamIdleTimeout bounds the wait for response headers on a streaming
	// call. The body itself is read chunk-by-chunk with no overall deadline.
	streamIdleTimeout = 60 * time.Second
)

// Client wraps HTTP access to OpenRouter.
type Client struct {
	baseURL string
	referer string
	title   string

	unary  *http.Client
	stream *http.Client

	log *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API root. Used by tests and local mocks.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// New creates a Client. referer and title populate the HTTP-Referer and
// X-Title headers OpenRouter uses to attribute traffic to an application.
func New(referer, title string, log *slog.Logger, opts ...Option) *Client {
	if log == nil {
		log = slog.Default()
	}

	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: streamIdleTimeout,
		MaxIdleConnsPerHost:   8,
	}

	c := &Client{
		baseURL: DefaultBaseURL,
		referer: referer,
		title:   title,
		unary:   &http.Client{Transport: transport, Timeout: unaryTimeout},
		// No overall timeout: a healthy stream may outlive any fixed budget.
		stream: &http.Client{Transport: transport},
		log:    log,
	}

	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string { return c.baseURL }

// ── Key management ────────────────────────────────────────────────────────────

// GetKeyInfo returns metadata for the key used in the Authorization header.
func (c *Client) GetKeyInfo(ctx context.Context, apiKey string) Result[KeyInfo] {
	return doJSON[KeyInfo](c, ctx, http.MethodGet, "/key", apiKey, nil, "data")
}

// ListKeys lists all keys on the account. Requires the provisioning key.
func (c *Client) ListKeys(ctx context.Context, provisioningKey string) Result[[]APIKeyRecord] {
	return doJSON[[]APIKeyRecord](c, ctx, http.MethodGet, "/keys", provisioningKey, nil, "data")
}

// CreateKey creates a new runtime API key. The raw key material is only
// present in this response and cannot be retrieved again.
func (c *Client) CreateKey(ctx context.Context, provisioningKey, name string, limit *float64) Result[CreatedKey] {
	body := map[string]any{"name": name}
	if limit != nil {
		body["limit"] = *limit
	}

	type createResp struct {
		Data APIKeyRecord `json:"data"`
		Key  string       `json:"key"`
	}
	res := doJSON[createResp](c, ctx, http.MethodPost, "/keys", provisioningKey, body, "")
	if !res.OK() {
		return Result[CreatedKey]{StatusCode: res.StatusCode, Err: res.Err}
	}
	return success(CreatedKey{Record: res.Data.Data, Key: res.Data.Key}, res.StatusCode)
}

// DeleteKey deletes the key identified by hash. Requires the provisioning key.
func (c *Client) DeleteKey(ctx context.Context, provisioningKey, hash string) Result[bool] {
	type deleteResp struct {
		Data struct {
			Deleted bool `json:"deleted"`
		} `json:"data"`
	}
	res := doJSON[deleteResp](c, ctx, http.MethodDelete, "/keys/"+url.PathEscape(hash), provisioningKey, nil, "")
	if !res.OK() {
		return Result[bool]{StatusCode: res.StatusCode, Err: res.Err}
	}
	return success(res.Data.Data.Deleted, res.StatusCode)
}

// ── Account & catalog ─────────────────────────────────────────────────────────

// GetCredits returns the account credit balance.
func (c *Client) GetCredits(ctx context.Context, apiKey string) Result[Credits] {
	return doJSON[Credits](c, ctx, http.MethodGet, "/credits", apiKey, nil, "data")
}

// ListProviders returns provider metadata. Works with any credential.
func (c *Client) ListProviders(ctx context.Context, apiKey string) Result[[]ProviderInfo] {
	return doJSON[[]ProviderInfo](c, ctx, http.MethodGet, "/providers", apiKey, nil, "data")
}

// ListModels returns the full model catalog. Works with any credential,
// including none.
func (c *Client) ListModels(ctx context.Context, apiKey string) Result[[]ModelInfo] {
	return doJSON[[]ModelInfo](c, ctx, http.MethodGet, "/models", apiKey, nil, "data")
}

// GetActivity returns daily per-model usage rollups. Requires the
// provisioning key.
func (c *Client) GetActivity(ctx context.Context, provisioningKey string) Result[[]ActivityDay] {
	return doJSON[[]ActivityDay](c, ctx, http.MethodGet, "/activity", provisioningKey, nil, "data")
}

// ── Chat completions ──────────────────────────────────────────────────────────

// ChatCompletion performs a non-streaming chat completion. body must be the
// already-translated OpenRouter request JSON with stream=false.
func (c *Client) ChatCompletion(ctx context.Context, apiKey string, body []byte) Result[ChatResponse] {
	resp, err := c.send(ctx, c.unary, http.MethodPost, "/chat/completions", apiKey, body)
	if err != nil {
		return transportFailure[ChatResponse](err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return failure[ChatResponse](fmt.Sprintf("read response: %v", err), resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return failure[ChatResponse](string(payload), resp.StatusCode, nil)
	}

	var out ChatResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return failure[ChatResponse](fmt.Sprintf("decode response: %v", err), resp.StatusCode, err)
	}
	return success(out, resp.StatusCode)
}

// ChatCompletionStream opens a streaming chat completion and hands the raw
// *http.Response to the caller. The caller owns resp.Body and must close it;
// cancelling ctx aborts the upstream read. body must carry stream=true.
//
// A non-2xx status is returned as a Result error with the upstream body so
// the relay can surface it as a terminal SSE event.
func (c *Client) ChatCompletionStream(ctx context.Context, apiKey string, body []byte) Result[*http.Response] {
	resp, err := c.send(ctx, c.stream, http.MethodPost, "/chat/completions", apiKey, body)
	if err != nil {
		return transportFailure[*http.Response](err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		return failure[*http.Response](string(payload), resp.StatusCode, nil)
	}
	return success(resp, resp.StatusCode)
}

// ── Internals ─────────────────────────────────────────────────────────────────

// send builds and executes one HTTP request with the standard header set.
func (c *Client) send(ctx context.Context, hc *http.Client, method, path, token string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("HTTP-Referer", c.referer)
	req.Header.Set("X-Title", c.title)

	return hc.Do(req)
}

// doJSON executes a JSON request/response operation. When dataField is
// non-empty the target payload is nested under that top-level field, which is
// how OpenRouter wraps most endpoint responses.
func doJSON[T any](c *Client, ctx context.Context, method, path, token string, reqBody any, dataField string) Result[T] {
	var raw []byte
	if reqBody != nil {
		var err error
		raw, err = json.Marshal(reqBody)
		if err != nil {
			return failure[T](fmt.Sprintf("encode request: %v", err), 0, err)
		}
	}

	resp, err := c.send(ctx, c.unary, method, path, token, raw)
	if err != nil {
		return transportFailure[T](err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return failure[T](fmt.Sprintf("read response: %v", err), resp.StatusCode, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Warn("upstream error",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
		)
		return failure[T](upstreamMessage(payload, resp.StatusCode), resp.StatusCode, nil)
	}

	var out T
	target := payload
	if dataField != "" {
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(payload, &wrapper); err != nil {
			return failure[T](fmt.Sprintf("decode response: %v", err), resp.StatusCode, err)
		}
		inner, ok := wrapper[dataField]
		if !ok {
			return failure[T](fmt.Sprintf("response missing %q field", dataField), resp.StatusCode, nil)
		}
		target = inner
	}
	if err := json.Unmarshal(target, &out); err != nil {
		return failure[T](fmt.Sprintf("decode response: %v", err), resp.StatusCode, err)
	}
	return success(out, resp.StatusCode)
}

// upstreamMessage extracts the error message from an OpenRouter error body,
// falling back to the raw payload.
func upstreamMessage(payload []byte, status int) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	if len(payload) > 0 {
		return string(payload)
	}
	return fmt.Sprintf("upstream returned status %d", status)
}

// transportFailure classifies a transport-level error (no HTTP response).
func transportFailure[T any](err error) Result[T] {
	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		msg = "upstream request timed out"
	case errors.Is(err, context.Canceled):
		msg = "request cancelled"
	}
	return failure[T](msg, 0, err)
}
