package proxy

import (
	"errors"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/zhavoronkov/openrouter-proxy/internal/track"
	"github.com/zhavoronkov/openrouter-proxy/internal/translate"
	"github.com/zhavoronkov/openrouter-proxy/pkg/apierr"
)

// dispatchChat is the core handler for POST /v1/chat/completions.
//
// Pipeline: validate → multimodal gate → translate → exactly one upstream
// call. Client-supplied Authorization headers are ignored; the managed key
// from the settings store is the only credential ever sent upstream.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	raw := ctx.PostBody()
	reqID, _ := ctx.UserValue("request_id").(string)

	if err := translate.Validate(raw); err != nil {
		var verr *translate.ValidationError
		msg := "invalid request"
		if errors.As(err, &verr) {
			msg = verr.Message
		}
		g.log.Warn("request rejected",
			slog.String("request_id", reqID),
			slog.String("reason", msg),
		)
		apierr.WriteKind(ctx, apierr.KindInvalidRequest, msg)
		return
	}

	if err := g.modality.Check(raw); err != nil {
		g.log.Warn("multimodal check failed",
			slog.String("request_id", reqID),
			slog.String("reason", err.Error()),
		)
		apierr.WriteKind(ctx, apierr.KindInvalidRequest, err.Error())
		return
	}

	key := g.keys.Key()
	if key == "" {
		apierr.WriteKind(ctx, apierr.KindNotConfigured, "no API key available; configure the proxy first")
		return
	}

	model := translate.Model(raw)
	streaming := translate.IsStreaming(raw)

	upstreamBody, err := translate.Request(raw, g.store.DefaultMaxTokens())
	if err != nil {
		g.log.Error("request translation failed",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		apierr.WriteKind(ctx, apierr.KindInternal, "failed to translate request")
		return
	}

	g.log.Info("chat request",
		slog.String("request_id", reqID),
		slog.String("model", model),
		slog.Bool("stream", streaming),
	)

	if streaming {
		g.relayStream(ctx, key, upstreamBody, model, reqID, start)
		return
	}

	upStart := time.Now()
	res := g.client.ChatCompletion(ctx, key, upstreamBody)
	if g.metrics != nil {
		g.metrics.ObserveUpstream("chat_completion", upstreamOutcome(res.OK()), time.Since(upStart))
	}
	if !res.OK() {
		g.log.Error("upstream chat failed",
			slog.String("request_id", reqID),
			slog.String("model", model),
			slog.Int("status", res.Err.StatusCode),
			slog.String("error", res.Err.Message),
			slog.Duration("elapsed", time.Since(start)),
		)
		g.recordGeneration(reqID, model, false, res.Err.StatusCode, start, nil)
		if res.Err.StatusCode == 0 {
			apierr.WriteTimeout(ctx, res.Err.Message)
			return
		}
		apierr.WriteUpstream(ctx, res.Err.StatusCode, res.Err.Message)
		return
	}

	body, err := translate.Response(res.Data)
	if err != nil {
		apierr.WriteKind(ctx, apierr.KindInternal, "failed to serialize response")
		return
	}

	g.recordGeneration(reqID, res.Data.Model, false, fasthttp.StatusOK, start, res.Data.Usage)
	g.log.Debug("chat response",
		slog.String("request_id", reqID),
		slog.String("model", res.Data.Model),
		slog.Duration("elapsed", time.Since(start)),
	)
	writeRawJSON(ctx, fasthttp.StatusOK, body)
}

// recordGeneration enqueues a tracker entry. Never blocks.
func (g *Gateway) recordGeneration(reqID, model string, streamed bool, statusCode int, start time.Time, usage []byte) {
	if g.tracker == nil {
		return
	}
	g.tracker.Record(track.Generation{
		RequestID: reqID,
		Model:     model,
		Streamed:  streamed,
		Status:    statusCode,
		LatencyMs: time.Since(start).Milliseconds(),
		Usage:     usage,
	})
}

func upstreamOutcome(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
