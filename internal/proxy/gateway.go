// Package proxy is the core protocol-translation dispatcher.
//
// The Gateway receives a request in the local-inference API shape,
// normalizes it into a canonical message list, translates it into a
// chat-completions call, and converts the reply back — re-framing
// incremental upstream streams into the newline-delimited frame format
// local clients expect.
//
// Key design constraints:
//   - Logger, cache, and metrics are optional and nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - One outbound attempt per inbound request; nothing is retried.
//   - Streaming replies are never cached.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/ollama-bridge/internal/cache"
	"github.com/nulpointcorp/ollama-bridge/internal/logger"
	"github.com/nulpointcorp/ollama-bridge/internal/metrics"
	"github.com/nulpointcorp/ollama-bridge/internal/ollama"
	"github.com/nulpointcorp/ollama-bridge/internal/translate"
	"github.com/nulpointcorp/ollama-bridge/internal/upstream"
	"github.com/nulpointcorp/ollama-bridge/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"

	// streamReadSize is the transport read granularity on the pump. The
	// session tolerates any chunking, so this only trades syscalls for
	// copies.
	streamReadSize = 4096
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events. Defaults
	// to slog.Default when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// CacheTTL controls the default TTL for cached responses.
	// Default: 1h.
	CacheTTL time.Duration

	// Version is reported by GET /api/version.
	Version string
}

// Gateway is the main dispatcher — all dependencies are injected via the
// constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	upstream upstream.API
	cache    cache.Cache
	health   *HealthChecker
	baseCtx  context.Context
	log      *slog.Logger
	metrics  *metrics.Registry

	cacheTTL time.Duration
	version  string

	// Optional dependencies — nil-safe when not configured.
	reqLogger       *logger.Logger
	cacheExclusions *cache.ExclusionList

	// CORS allowed origins. Empty slice means deny all; ["*"] means allow all.
	corsOrigins []string
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// NewGateway creates a Gateway with default settings.
func NewGateway(ctx context.Context, api upstream.API, c cache.Cache) *Gateway {
	return NewGatewayWithOptions(ctx, api, c, nil, GatewayOptions{})
}

// NewGatewayWithOptions creates a fully configured Gateway. cacheReady is an
// optional readiness probe for the cache backend, surfaced by GET /readiness.
func NewGatewayWithOptions(
	baseCtx context.Context,
	api upstream.API,
	c cache.Cache,
	cacheReady func() bool,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}

	version := opts.Version
	if version == "" {
		version = "0.1.0"
	}

	gw := &Gateway{
		upstream: api,
		cache:    c,
		baseCtx:  baseCtx,
		log:      log,
		metrics:  opts.Metrics,
		cacheTTL: cacheTTL,
		version:  version,
	}

	if api != nil {
		gw.health = NewHealthChecker(baseCtx, api, cacheReady, gw.metrics)
	}

	return gw
}

// SetLogger injects the async request logger.
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

// SetCacheExclusions injects the cache exclusion list.
// Requests whose model name matches any rule skip both cache GET and SET.
func (g *Gateway) SetCacheExclusions(el *cache.ExclusionList) {
	g.cacheExclusions = el
}

// dispatchGenerate handles POST /api/generate. The reply is always one
// complete JSON object in the generate shape.
func (g *Gateway) dispatchGenerate(ctx *fasthttp.RequestCtx) {
	g.dispatch(ctx, "generate", translate.ShapeGenerate)
}

// dispatchChat handles POST /api/chat, streaming or not.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	g.dispatch(ctx, "chat", translate.ShapeChat)
}

func (g *Gateway) dispatch(ctx *fasthttp.RequestCtx, route string, shape translate.Shape) {
	start := time.Now()
	reqBytes := len(ctx.PostBody())
	inputTokens, outputTokens := 0, 0
	cached := false
	streaming := false
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		if streaming {
			return // finalised by the stream writer
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, respBytes)
		g.metrics.AddTokens(route, inputTokens, outputTokens, cached)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Parse request body.
	var req ollama.ChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteBadRequest(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}

	// 2. Normalize into the canonical message list and translate.
	msgs, matched := translate.Normalize(&req)
	outReq := translate.ToUpstream(&req, msgs)

	// 3. Streaming mode: explicit opt-in or an event-stream Accept header,
	// forced off when nothing in the request produced a real message, and
	// never on the generate route.
	streaming = shape == translate.ShapeChat && matched && wantsStream(ctx, &req)

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("route", route),
		slog.String("model", outReq.Model),
		slog.Bool("stream", streaming),
		slog.Int("messages", len(msgs)),
	)

	if streaming {
		g.dispatchStream(ctx, route, shape, outReq, reqID, start, reqBytes)
		return
	}

	// 4. Cache lookup — non-streaming only; skip excluded models.
	cacheEligible := g.cache != nil && (g.cacheExclusions == nil || !g.cacheExclusions.Matches(outReq.Model))
	if g.metrics != nil && !cacheEligible {
		g.metrics.CacheGetBypass()
	}
	cacheKey := ""
	if cacheEligible {
		cacheKey = cache.Key(route, outReq)
		if cachedBody, ok := g.cache.Get(ctx, cacheKey); ok {
			cached = true
			respBytes = len(cachedBody)
			if g.metrics != nil {
				g.metrics.CacheGetHit()
			}
			g.log.DebugContext(ctx, "cache_hit",
				slog.String("request_id", reqID),
				slog.String("model", outReq.Model),
			)
			ctx.Response.Header.Set("X-Cache", xCacheHIT)
			ctx.SetContentType("application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBody(cachedBody)

			g.logRequest(reqID, route, outReq.Model, false, 0,
				0, 0, time.Since(start), fasthttp.StatusOK, true)
			return
		}
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	}

	// 5. One blocking outbound call.
	upStart := time.Now()
	resp, err := g.upstream.Chat(ctx, outReq)
	upDur := time.Since(upStart)
	if err != nil {
		if g.metrics != nil {
			g.metrics.ObserveUpstream(route, classifyError(err), upDur)
		}
		g.log.ErrorContext(ctx, "upstream_error",
			slog.String("request_id", reqID),
			slog.String("model", outReq.Model),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		writeUpstreamError(ctx, err)
		g.logRequest(reqID, route, outReq.Model, false, 0,
			0, 0, time.Since(start), ctx.Response.StatusCode(), false)
		return
	}
	if g.metrics != nil {
		g.metrics.ObserveUpstream(route, "success", upDur)
	}

	// 6. Translate to the endpoint's reply shape.
	var reply any
	if shape == translate.ShapeChat {
		reply = translate.ToChat(resp)
	} else {
		reply = translate.ToGenerate(resp)
	}

	body, err := json.Marshal(reply)
	if err != nil {
		apierr.WriteInternal(ctx, "failed to serialize response")
		return
	}

	// 7. Populate cache for future identical requests.
	if cacheEligible {
		if err := g.cache.Set(ctx, cacheKey, body, g.cacheTTL); err != nil {
			if g.metrics != nil {
				g.metrics.CacheSetError()
			}
		} else if g.metrics != nil {
			g.metrics.CacheSetOK()
		}
	}

	if resp.Usage != nil {
		inputTokens = resp.Usage.PromptTokens
		outputTokens = resp.Usage.CompletionTokens
	}

	// 8. Emit request log entry asynchronously.
	g.logRequest(reqID, route, resp.Model, false, 0,
		inputTokens, outputTokens, time.Since(start), fasthttp.StatusOK, false)

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("model", resp.Model),
		slog.Int("input_tokens", inputTokens),
		slog.Int("output_tokens", outputTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	respBytes = len(body)
}

// dispatchStream opens the upstream stream and pumps it through a
// translate.Session until termination. Failures before headers are sent
// map to HTTP statuses; after that, errors go in-band.
func (g *Gateway) dispatchStream(
	ctx *fasthttp.RequestCtx,
	route string,
	shape translate.Shape,
	outReq *upstream.Request,
	reqID string,
	start time.Time,
	reqBytes int,
) {
	// The stream outlives the handler (fasthttp runs the body writer
	// after return), so the call is bound to the process context.
	upStart := time.Now()
	handle, err := g.upstream.ChatStream(g.baseCtx, outReq)
	upDur := time.Since(upStart)
	if err != nil {
		if g.metrics != nil {
			g.metrics.ObserveUpstream(route, classifyError(err), upDur)
		}
		g.log.ErrorContext(ctx, "upstream_error",
			slog.String("request_id", reqID),
			slog.String("model", outReq.Model),
			slog.String("error", err.Error()),
		)
		writeUpstreamError(ctx, err)
		g.finishStreamMetrics(route, ctx.Response.StatusCode(), start, reqBytes, "connect_error", 0)
		g.logRequest(reqID, route, outReq.Model, true, 0,
			0, 0, time.Since(start), ctx.Response.StatusCode(), false)
		return
	}
	if g.metrics != nil {
		g.metrics.ObserveUpstream(route, "success", upDur)
	}

	// A well-behaved upstream answers a stream request with an event
	// stream. A plain JSON body means it ignored the stream flag: fall
	// back to a single complete reply on the spot.
	if !isEventStream(handle.ContentType) {
		defer handle.Body.Close()
		g.streamFallback(ctx, route, shape, handle, reqID, start, reqBytes)
		return
	}

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.SetStatusCode(fasthttp.StatusOK)

	model := outReq.Model
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer
		defer handle.Body.Close()

		session := translate.NewSession(flushWriter{w}, shape, model)
		reason := g.pump(session, handle.Body, reqID)

		g.finishStreamMetrics(route, fasthttp.StatusOK, start, reqBytes, reason, session.Frames())
		g.logRequest(reqID, route, model, true, session.Frames(),
			0, 0, time.Since(start), fasthttp.StatusOK, false)
	})
}

// pump reads transport chunks and feeds them to the session until the
// stream ends. The returned reason labels the termination for metrics.
func (g *Gateway) pump(session *translate.Session, body io.Reader, reqID string) string {
	buf := make([]byte, streamReadSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if werr := session.Feed(buf[:n]); werr != nil {
				// The inbound peer went away; stop writing and
				// release the upstream connection.
				g.log.DebugContext(g.baseCtx, "stream_client_gone",
					slog.String("request_id", reqID),
					slog.String("error", werr.Error()),
				)
				return "client_gone"
			}
		}
		if session.Terminated() {
			return "done"
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if werr := session.Finish(); werr != nil {
					return "client_gone"
				}
				return "eof"
			}
			g.log.WarnContext(g.baseCtx, "stream_transport_error",
				slog.String("request_id", reqID),
				slog.String("error", err.Error()),
			)
			if werr := session.Fail(err); werr != nil {
				return "client_gone"
			}
			return "transport_error"
		}
	}
}

// streamFallback serves a non-incremental upstream body as one complete
// reply object. No frames, no terminal marker; the connection just closes.
func (g *Gateway) streamFallback(
	ctx *fasthttp.RequestCtx,
	route string,
	shape translate.Shape,
	handle *upstream.StreamHandle,
	reqID string,
	start time.Time,
	reqBytes int,
) {
	raw, err := io.ReadAll(handle.Body)
	if err != nil {
		writeUpstreamError(ctx, err)
		g.finishStreamMetrics(route, ctx.Response.StatusCode(), start, reqBytes, "transport_error", 0)
		return
	}

	var resp upstream.Completion
	if err := json.Unmarshal(raw, &resp); err != nil {
		apierr.WriteInternal(ctx, fmt.Sprintf("malformed upstream payload: %s", err.Error()))
		g.finishStreamMetrics(route, fasthttp.StatusInternalServerError, start, reqBytes, "parse_error", 0)
		return
	}

	var reply any
	if shape == translate.ShapeChat {
		reply = translate.ToChat(&resp)
	} else {
		reply = translate.ToGenerate(&resp)
	}
	body, err := json.Marshal(reply)
	if err != nil {
		apierr.WriteInternal(ctx, "failed to serialize response")
		return
	}

	g.log.DebugContext(ctx, "stream_fallback",
		slog.String("request_id", reqID),
		slog.String("route", route),
	)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	g.finishStreamMetrics(route, fasthttp.StatusOK, start, reqBytes, "fallback", 0)
}

func (g *Gateway) finishStreamMetrics(route string, status int, start time.Time, reqBytes int, reason string, frames int) {
	if g.metrics == nil {
		return
	}
	dur := time.Since(start)
	g.metrics.ObserveHTTP(route, status, dur, reqBytes, -1)
	g.metrics.RecordStream(route, reason, frames)
	g.metrics.DecInFlight()
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(
	requestID, route, model string,
	stream bool,
	frames int,
	inputTokens, outputTokens int,
	latency time.Duration,
	status int,
	isCached bool,
) {
	if g.reqLogger == nil {
		return
	}

	reqUUID, _ := uuid.Parse(requestID)

	// Clamp to uint16 max so we don't overflow the field.
	latencyMs := uint16(latency.Milliseconds())
	if latency.Milliseconds() > 65535 {
		latencyMs = 65535
	}

	g.reqLogger.Log(logger.RequestLog{
		ID:           reqUUID,
		Route:        route,
		Model:        model,
		Stream:       stream,
		Frames:       frames,
		InputTokens:  uint32(inputTokens),
		OutputTokens: uint32(outputTokens),
		LatencyMs:    latencyMs,
		Status:       uint16(status),
		Cached:       isCached,
		CreatedAt:    time.Now(),
	})
}

// wantsStream reports whether the client asked for an incremental reply,
// via the body flag or the Accept header.
func wantsStream(ctx *fasthttp.RequestCtx, req *ollama.ChatRequest) bool {
	if req.Stream != nil {
		return *req.Stream
	}
	return isEventStream(string(ctx.Request.Header.Peek("Accept")))
}

func isEventStream(contentType string) bool {
	return strings.Contains(contentType, "text/event-stream")
}

// writeUpstreamError maps outbound call failures to the client-facing
// taxonomy:
//
//	*upstream.HTTPError → same status and body, verbatim
//	timeout             → 504
//	anything else       → 500
func writeUpstreamError(ctx *fasthttp.RequestCtx, err error) {
	var httpErr *upstream.HTTPError
	switch {
	case errors.As(err, &httpErr):
		apierr.WritePassthrough(ctx, httpErr.StatusCode, httpErr.ContentType, httpErr.Body)
	case upstream.IsTimeout(err):
		apierr.WriteTimeout(ctx)
	default:
		apierr.WriteInternal(ctx, err.Error())
	}
}

func classifyError(err error) string {
	var httpErr *upstream.HTTPError
	switch {
	case errors.As(err, &httpErr):
		return "http_error"
	case upstream.IsTimeout(err):
		return "timeout"
	default:
		return "error"
	}
}

// flushWriter pushes every frame to the client as soon as it is written,
// so a slow stream still delivers frames promptly.
type flushWriter struct {
	w *bufio.Writer
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, fw.w.Flush()
}
