// Package proxy is the OpenAI-compatible HTTP surface of the proxy.
//
// The Gateway receives OpenAI-dialect requests from a local client, validates
// and translates them, attaches the managed OpenRouter credential, and
// forwards them upstream — streaming responses pass through as SSE, byte
// framing intact, with exactly one upstream call per client request.
//
// Key design constraints:
//   - Client Authorization headers are ignored; credentials come only from
//     the settings store via the key manager.
//   - Catalog, monitor, tracker, and metrics are optional and nil-safe.
//   - All upstream I/O takes the request context so client disconnects
//     propagate to upstream cancellation.
package proxy

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/zhavoronkov/openrouter-proxy/internal/catalog"
	"github.com/zhavoronkov/openrouter-proxy/internal/keymgr"
	"github.com/zhavoronkov/openrouter-proxy/internal/metrics"
	"github.com/zhavoronkov/openrouter-proxy/internal/modality"
	"github.com/zhavoronkov/openrouter-proxy/internal/openrouter"
	"github.com/zhavoronkov/openrouter-proxy/internal/settings"
	"github.com/zhavoronkov/openrouter-proxy/internal/status"
	"github.com/zhavoronkov/openrouter-proxy/internal/track"
)

const ServiceName = "openrouter-proxy"

// GatewayOptions holds the optional dependencies of a Gateway. All fields are
// nil-safe.
type GatewayOptions struct {
	// Logger is the structured logger for request events. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. Nil disables metrics.
	Metrics *metrics.Registry

	// Monitor supplies the upstream connection status for /health.
	Monitor *status.Monitor

	// Tracker records completed generations when tracking is enabled.
	Tracker *track.Tracker

	// Version is reported by /health and the build-info metric.
	Version string

	// StreamIdleTimeout overrides the per-chunk silence bound of the SSE
	// relay. Zero keeps the default.
	StreamIdleTimeout time.Duration
}

// Gateway is the request dispatcher — all dependencies are injected via the
// constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	client   *openrouter.Client
	store    *settings.Store
	catalog  *catalog.Cache
	keys     *keymgr.Manager
	modality *modality.Validator

	monitor *status.Monitor
	tracker *track.Tracker
	metrics *metrics.Registry
	log     *slog.Logger
	version string

	streamIdle time.Duration
}

// NewGateway creates a Gateway. client, store, cat, and keys are required;
// everything else arrives through opts.
func NewGateway(
	client *openrouter.Client,
	store *settings.Store,
	cat *catalog.Cache,
	keys *keymgr.Manager,
	opts GatewayOptions,
) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	streamIdle := opts.StreamIdleTimeout
	if streamIdle <= 0 {
		streamIdle = defaultStreamIdleTimeout
	}
	return &Gateway{
		client:   client,
		store:    store,
		catalog:  cat,
		keys:     keys,
		modality: modality.New(cat.ByID, log),
		monitor:  opts.Monitor,
		tracker:  opts.Tracker,
		metrics:  opts.Metrics,
		log:      log,
		version:  version,

		streamIdle: streamIdle,
	}
}

// Handler builds the routed fasthttp handler with the full middleware chain.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.GET("/health", g.handleHealth)

	r.GET("/v1/models", g.handleModels)
	r.GET("/models", g.handleModels)
	r.GET("/v1/engines", g.handleEngines)
	r.GET("/engines", g.handleEngines)

	r.POST("/v1/chat/completions", g.dispatchChat)
	r.POST("/chat/completions", g.dispatchChat)

	// Management surface for the local UI; not part of the OpenAI dialect.
	r.GET("/internal/status", g.handleStatus)
	r.GET("/internal/credits", g.handleCredits)
	r.GET("/internal/providers", g.handleProviders)
	r.GET("/internal/activity", g.handleActivity)
	r.GET("/internal/generations", g.handleGenerations)
	r.DELETE("/internal/generations", g.handleClearGenerations)
	r.POST("/internal/key/regenerate", g.handleRegenerateKey)
	r.DELETE("/internal/key", g.handleRevokeKey)

	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	// OPTIONS preflight for every route is answered by the CORS middleware.
	r.GlobalOPTIONS = func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusNoContent)
	}

	return applyMiddleware(r.Handler,
		recovery(g.log),
		requestID,
		g.observe,
		cors,
		securityHeaders,
	)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	payload := map[string]any{
		"status":    "ok",
		"service":   ServiceName,
		"version":   g.version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if g.monitor != nil {
		payload["connection"] = g.monitor.Snapshot()
	}
	writeJSON(ctx, fasthttp.StatusOK, payload)
}

func writeJSON(ctx *fasthttp.RequestCtx, statusCode int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(statusCode)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}

func writeRawJSON(ctx *fasthttp.RequestCtx, statusCode int, body []byte) {
	ctx.SetStatusCode(statusCode)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// routeLabel collapses path aliases to one metrics label per logical route.
func routeLabel(path string) string {
	switch path {
	case "/v1/chat/completions", "/chat/completions":
		return "chat_completions"
	case "/v1/models", "/models":
		return "models"
	case "/v1/engines", "/engines":
		return "engines"
	case "/health":
		return "health"
	default:
		return "other"
	}
}

// observe is the metrics middleware: in-flight gauge plus per-route counters
// and latency. Streaming responses are finalized by the relay instead.
func (g *Gateway) observe(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	if g.metrics == nil {
		return next
	}
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		g.metrics.IncInFlight()
		next(ctx)
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(routeLabel(string(ctx.Path())), ctx.Response.StatusCode(), time.Since(start))
	}
}

// queryInt parses an integer query arg, returning def when absent or invalid.
func queryInt(ctx *fasthttp.RequestCtx, key string, def int) int {
	raw := string(ctx.QueryArgs().Peek(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
