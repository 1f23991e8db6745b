package proxy

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/ollama-bridge/internal/ollama"
	"github.com/nulpointcorp/ollama-bridge/internal/translate"
	"github.com/nulpointcorp/ollama-bridge/internal/upstream"
	"github.com/nulpointcorp/ollama-bridge/pkg/apierr"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the bridge routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":11434").
// Pass nil for routes to start in bridge-only mode.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	r := router.New()

	r.POST("/api/generate", g.handleGenerate)
	r.POST("/api/chat", g.handleChat)
	r.POST("/api/pull", g.handlePull)
	r.POST("/api/show", g.handleShow)
	r.GET("/api/tags", g.handleTags)
	r.GET("/api/version", g.handleVersion)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	// WriteTimeout stays unset: chat streams are held open for as long
	// as the upstream keeps producing deltas.
	srv := &fasthttp.Server{
		Handler:     handler,
		ReadTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleGenerate(ctx *fasthttp.RequestCtx) {
	g.dispatchGenerate(ctx)
}

func (g *Gateway) handleChat(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

// handlePull acknowledges a pull without transferring anything. The
// upstream owns its model inventory, so the bridge reports immediate
// success to keep Ollama clients happy.
func (g *Gateway) handlePull(ctx *fasthttp.RequestCtx) {
	var req ollama.PullRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteBadRequest(ctx, "invalid request body")
		return
	}
	writeJSON(ctx, ollama.PullResponse{Status: "success", Model: req.Name})
}

func (g *Gateway) handleTags(ctx *fasthttp.RequestCtx) {
	models, err := g.upstream.ListModels(ctx)
	if err != nil {
		writeUpstreamError(ctx, err)
		return
	}
	resp := ollama.TagsResponse{Models: make([]ollama.ModelEntry, 0, len(models))}
	for _, m := range models {
		resp.Models = append(resp.Models, ollama.ModelEntry{
			Name:       m.ID,
			ModifiedAt: translate.EpochToRFC3339(m.Created),
			Size:       0,
		})
	}
	writeJSON(ctx, resp)
}

func (g *Gateway) handleShow(ctx *fasthttp.RequestCtx) {
	var req ollama.ShowRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteBadRequest(ctx, "invalid request body")
		return
	}
	info, err := g.upstream.GetModel(ctx, req.Model)
	if err != nil {
		if errors.Is(err, upstream.ErrNotFound) {
			apierr.WriteModelNotFound(ctx, req.Model)
			return
		}
		writeUpstreamError(ctx, err)
		return
	}
	writeJSON(ctx, ollama.ShowResponse{
		Model:     info.ID,
		CreatedAt: translate.EpochToRFC3339(info.Created),
		OwnedBy:   info.OwnedBy,
	})
}

func (g *Gateway) handleVersion(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, ollama.VersionResponse{Version: g.version})
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]string{"status": "healthy"})
		return
	}
	writeJSON(ctx, g.health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
