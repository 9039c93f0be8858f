package proxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/zhavoronkov/openrouter-proxy/pkg/apierr"
)

// doneLine is the terminal SSE record of an OpenAI-dialect stream.
var doneLine = []byte("data: [DONE]")

// defaultStreamIdleTimeout bounds the silence between upstream chunks. A
// healthy stream heartbeats well inside it; a silently stalled upstream gets
// its body closed so the relay can finish instead of hanging until the client
// gives up.
const defaultStreamIdleTimeout = 60 * time.Second

// relayStream forwards an upstream SSE chat stream to the client.
//
// Contract: exactly one upstream request per client request, opened here on
// the handler worker before the body writer starts. Upstream bytes are
// forwarded line-wise and verbatim — data lines, comment lines, and blank
// event separators alike — with a flush after every event. The relay
// terminates on reading "data: [DONE]" or on upstream EOF, synthesizing the
// terminal record when the upstream closed without one. Client disconnects
// cancel the upstream read.
func (g *Gateway) relayStream(ctx *fasthttp.RequestCtx, key string, upstreamBody []byte, model, reqID string, start time.Time) {
	res := g.client.ChatCompletionStream(ctx, key, upstreamBody)
	if g.metrics != nil {
		g.metrics.ObserveUpstream("chat_completion_stream", upstreamOutcome(res.OK()), time.Since(start))
	}
	if !res.OK() {
		g.log.Error("upstream stream open failed",
			slog.String("request_id", reqID),
			slog.String("model", model),
			slog.Int("status", res.Err.StatusCode),
			slog.String("error", res.Err.Message),
		)
		g.recordGeneration(reqID, model, true, res.Err.StatusCode, start, nil)
		if res.Err.StatusCode == 0 {
			apierr.WriteTimeout(ctx, res.Err.Message)
			return
		}
		// The stream never opened: surface the upstream failure as a single
		// SSE error event so stream-mode clients can parse it.
		writeErrorStream(ctx, res.Err.StatusCode, res.Err.Message)
		if g.metrics != nil {
			g.metrics.RecordStream("upstream_error")
		}
		return
	}

	upstream := res.Data

	// Detach from the request context: the body writer runs after this
	// handler returns, and cancellation is driven by write errors instead.
	relayCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	setSSEHeaders(ctx)
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer upstream.Body.Close()

		go func() {
			// Close the upstream body when the relay context ends so a
			// blocked read unblocks promptly.
			<-relayCtx.Done()
			upstream.Body.Close()
		}()

		// Idle watchdog: reset on every read, cancels the relay when the
		// upstream goes silent mid-stream.
		var idleFired atomic.Bool
		idle := time.AfterFunc(g.streamIdle, func() {
			idleFired.Store(true)
			cancel()
		})
		defer idle.Stop()

		events := 0
		outcome := "done"
		sawDone := false
		rd := bufio.NewReader(upstream.Body)

		for {
			line, err := rd.ReadBytes('\n')
			idle.Reset(g.streamIdle)
			if len(line) > 0 {
				if _, werr := w.Write(line); werr != nil {
					outcome = "client_gone"
					break
				}
				flush := isBlankLine(line)
				if bytes.HasPrefix(line, []byte("data:")) {
					events++
					flush = true
				}
				if isDoneLine(line) {
					sawDone = true
				}
				// Flush every data line so chunks reach the client as they
				// arrive, even inside multi-line events.
				if flush {
					if werr := w.Flush(); werr != nil {
						outcome = "client_gone"
						break
					}
				}
				if sawDone {
					break
				}
				continue
			}
			if err != nil {
				if outcome == "done" && !sawDone {
					outcome = "upstream_eof"
					if idleFired.Load() {
						outcome = "idle_timeout"
					}
				}
				break
			}
		}

		if !sawDone && outcome != "client_gone" {
			fmt.Fprint(w, "data: [DONE]\n\n")
		}
		w.Flush()

		g.recordGeneration(reqID, model, true, fasthttp.StatusOK, start, nil)
		if g.metrics != nil {
			g.metrics.RecordStream(outcome)
			g.metrics.AddStreamEvents(events)
		}
		g.log.Debug("stream finished",
			slog.String("request_id", reqID),
			slog.String("model", model),
			slog.String("outcome", outcome),
			slog.Int("events", events),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

func setSSEHeaders(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
}

// writeErrorStream emits one OpenAI-shaped error event followed by the
// terminal record.
func writeErrorStream(ctx *fasthttp.RequestCtx, upstreamStatus int, message string) {
	var body []byte
	switch apierr.KindForUpstreamStatus(upstreamStatus) {
	case apierr.KindUnauthorized:
		body = apierr.Body(message, apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
	case apierr.KindRateLimited:
		body = apierr.Body(message, apierr.TypeRateLimitError, apierr.CodeRateLimitExceeded)
	case apierr.KindInvalidRequest:
		body = apierr.Body(message, apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
	default:
		body = apierr.Body(message, apierr.TypeUpstreamError, apierr.CodeUpstreamError)
	}

	setSSEHeaders(ctx)
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "data: %s\n\n", body)
	fmt.Fprint(&buf, "data: [DONE]\n\n")
	ctx.SetBody(buf.Bytes())
}

func isDoneLine(line []byte) bool {
	return bytes.Equal(bytes.TrimRight(line, "\r\n"), doneLine)
}

func isBlankLine(line []byte) bool {
	return len(bytes.TrimRight(line, "\r\n")) == 0
}
