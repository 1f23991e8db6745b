package app

import (
	"context"
	"fmt"
	"log/slog"

	bridgeCache "github.com/nulpointcorp/ollama-bridge/internal/cache"
	"github.com/nulpointcorp/ollama-bridge/internal/logger"
	"github.com/nulpointcorp/ollama-bridge/internal/metrics"
	"github.com/nulpointcorp/ollama-bridge/internal/proxy"
	"github.com/nulpointcorp/ollama-bridge/internal/upstream"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initUpstream builds the chat-completions client. The API key is
// enforced by config validation before we reach here.
func (a *App) initUpstream(_ context.Context) error {
	a.up = upstream.New(
		a.cfg.Upstream.BaseURL(),
		a.cfg.Upstream.APIKey,
		upstream.WithTimeout(a.cfg.Upstream.Timeout),
		upstream.WithLogger(a.log),
	)

	a.log.Info("upstream configured",
		slog.String("base_url", a.cfg.Upstream.BaseURL()),
		slog.Duration("timeout", a.cfg.Upstream.Timeout),
	)

	return nil
}

// initServices creates the cache backend, the Prometheus metrics registry
// and the async request logger.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		// ExactCache wraps the already-connected Redis client.
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = bridgeCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	reqLogger, err := logger.New(a.baseCtx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	// ── Determine cache implementation ────────────────────────────────────────
	var cacheImpl bridgeCache.Cache
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = bridgeCache.NewExactCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheImpl = a.memCache
		cacheReady = func() bool { return true }
	case "none":
		// nil cache — gateway handles nil gracefully (no caching)
	}

	// ── Build the gateway ────────────────────────────────────────────────────
	opts := proxy.GatewayOptions{
		Logger:   a.log,
		CacheTTL: a.cfg.Cache.TTL,
		Metrics:  a.prom,
		Version:  a.version,
	}

	gw := proxy.NewGatewayWithOptions(a.baseCtx, a.up, cacheImpl, cacheReady, opts)

	// ── Optional subsystems ──────────────────────────────────────────────────

	gw.SetLogger(a.reqLogger)

	// CORS.
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// Cache exclusions.
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := bridgeCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(el)
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
