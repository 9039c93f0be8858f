package proxy

import (
	"log/slog"

	"github.com/valyala/fasthttp"

	"github.com/zhavoronkov/openrouter-proxy/internal/catalog"
	"github.com/zhavoronkov/openrouter-proxy/internal/openrouter"
	"github.com/zhavoronkov/openrouter-proxy/internal/translate"
	"github.com/zhavoronkov/openrouter-proxy/pkg/apierr"
)

// selectModels resolves the mode/search/provider/limit query params against
// the catalog.
//
//	mode=curated        → the hard-coded short list
//	mode=search&search= → substring match on id and name
//	mode=all (default)  → the full cached catalog
//	provider=<slug>     → restrict to models with the "<slug>/" id prefix
//	limit=<n>           → cap the result count
func (g *Gateway) selectModels(ctx *fasthttp.RequestCtx) []openrouter.ModelInfo {
	args := ctx.QueryArgs()

	var models []openrouter.ModelInfo
	switch string(args.Peek("mode")) {
	case "curated":
		models = catalog.Curated()
	case "search":
		models = g.catalog.Search(ctx, string(args.Peek("search")))
	default:
		models = g.catalog.All(ctx)
	}

	if slug := string(args.Peek("provider")); slug != "" {
		filtered := models[:0:0]
		for _, m := range models {
			if hasProviderPrefix(m.ID, slug) {
				filtered = append(filtered, m)
			}
		}
		models = filtered
	}

	if limit := queryInt(ctx, "limit", 0); limit > 0 && limit < len(models) {
		models = models[:limit]
	}
	return models
}

func hasProviderPrefix(id, slug string) bool {
	return len(id) > len(slug)+1 && id[:len(slug)] == slug && id[len(slug)] == '/'
}

func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	body, err := translate.ModelsList(g.selectModels(ctx))
	if err != nil {
		apierr.WriteKind(ctx, apierr.KindInternal, "failed to serialize models list")
		return
	}
	writeRawJSON(ctx, fasthttp.StatusOK, body)
}

func (g *Gateway) handleEngines(ctx *fasthttp.RequestCtx) {
	body, err := translate.EnginesList(g.selectModels(ctx))
	if err != nil {
		apierr.WriteKind(ctx, apierr.KindInternal, "failed to serialize engines list")
		return
	}
	writeRawJSON(ctx, fasthttp.StatusOK, body)
}

// ── Management surface ────────────────────────────────────────────────────────

func (g *Gateway) handleStatus(ctx *fasthttp.RequestCtx) {
	payload := map[string]any{
		"configured": g.store.Configured(),
		"auth_scope": g.store.AuthScope(),
		"key_state":  g.keys.State(),
	}
	if g.monitor != nil {
		payload["connection"] = g.monitor.Snapshot()
	}
	if age, ok := g.catalog.Age(); ok {
		payload["catalog_age_seconds"] = int64(age.Seconds())
	}
	writeJSON(ctx, fasthttp.StatusOK, payload)
}

func (g *Gateway) handleCredits(ctx *fasthttp.RequestCtx) {
	key := g.keys.Key()
	if key == "" {
		apierr.WriteKind(ctx, apierr.KindNotConfigured, "no API key configured")
		return
	}
	res := g.client.GetCredits(ctx, key)
	if !res.OK() {
		g.writeUpstreamFailure(ctx, "credits", res.StatusCode, res.Err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, res.Data)
}

func (g *Gateway) handleProviders(ctx *fasthttp.RequestCtx) {
	res := g.client.ListProviders(ctx, g.keys.Key())
	if !res.OK() {
		g.writeUpstreamFailure(ctx, "providers", res.StatusCode, res.Err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"data": res.Data})
}

func (g *Gateway) handleActivity(ctx *fasthttp.RequestCtx) {
	provKey := g.store.ProvisioningKey()
	if provKey == "" {
		apierr.WriteKind(ctx, apierr.KindNotConfigured, "no provisioning key configured")
		return
	}
	res := g.client.GetActivity(ctx, provKey)
	if !res.OK() {
		g.writeUpstreamFailure(ctx, "activity", res.StatusCode, res.Err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"data": res.Data})
}

func (g *Gateway) handleGenerations(ctx *fasthttp.RequestCtx) {
	if g.tracker == nil {
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{"data": []any{}})
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"data":    g.tracker.Recent(),
		"dropped": g.tracker.Dropped(),
	})
}

func (g *Gateway) handleClearGenerations(ctx *fasthttp.RequestCtx) {
	if g.tracker != nil {
		g.tracker.Clear()
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (g *Gateway) handleRegenerateKey(ctx *fasthttp.RequestCtx) {
	res := g.keys.Regenerate(ctx)
	if g.metrics != nil {
		g.metrics.RecordKeyTransition("regenerate", res.OK())
	}
	if !res.OK() {
		g.writeUpstreamFailure(ctx, "key regenerate", res.StatusCode, res.Err)
		return
	}
	if g.monitor != nil {
		g.monitor.Refresh()
	}
	writeJSON(ctx, fasthttp.StatusOK, res.Data)
}

func (g *Gateway) handleRevokeKey(ctx *fasthttp.RequestCtx) {
	res := g.keys.Revoke(ctx)
	if g.metrics != nil {
		g.metrics.RecordKeyTransition("revoke", res.OK())
	}
	if !res.OK() {
		g.writeUpstreamFailure(ctx, "key revoke", res.StatusCode, res.Err)
		return
	}
	if g.monitor != nil {
		g.monitor.Refresh()
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"deleted": res.Data})
}

// writeUpstreamFailure maps a failed Result onto the boundary response:
// transport failures become 504s, HTTP failures forward the upstream status
// and message.
func (g *Gateway) writeUpstreamFailure(ctx *fasthttp.RequestCtx, op string, upstreamStatus int, err *openrouter.Error) {
	g.log.Error("upstream operation failed",
		slog.String("op", op),
		slog.Int("status", upstreamStatus),
		slog.String("error", err.Message),
	)
	if upstreamStatus == 0 {
		apierr.WriteTimeout(ctx, err.Message)
		return
	}
	apierr.WriteUpstream(ctx, upstreamStatus, err.Message)
}
