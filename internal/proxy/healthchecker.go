package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/ollama-bridge/internal/metrics"
	"github.com/nulpointcorp/ollama-bridge/internal/upstream"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes and exposes the latest results.
type HealthChecker struct {
	upstream   upstream.API
	cacheReady func() bool
	baseCtx    context.Context
	metrics    *metrics.Registry

	upstreamStatus componentStatus
	cacheStatus    componentStatus

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background probes.
func NewHealthChecker(
	ctx context.Context,
	api upstream.API,
	cacheReady func() bool,
	met *metrics.Registry,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		upstream:   api,
		cacheReady: cacheReady,
		startTime:  time.Now(),
		done:       make(chan struct{}),
		baseCtx:    ctx,
		metrics:    met,
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Upstream      string `json:"upstream"`
	Cache         string `json:"cache"`
}

// Snapshot builds a snapshot from the latest probe results. Status reads
// "healthy" for as long as the process accepts requests; component fields
// carry upstream and cache degradation, and GET /readiness turns a failing
// upstream probe into a 503.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	return HealthSnapshot{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Upstream:      hc.upstreamStatus.get(),
		Cache:         hc.cacheStatus.get(),
	}
}

// ReadinessOK returns true when the upstream answered its last probe
// (used by GET /readiness for Kubernetes probes).
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.upstreamStatus.get() == "ok"
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hc.upstream.Health(ctx); err != nil {
			hc.upstreamStatus.set("degraded")
			if hc.metrics != nil {
				hc.metrics.SetUpstreamHealth(false)
			}
		} else {
			hc.upstreamStatus.set("ok")
			if hc.metrics != nil {
				hc.metrics.SetUpstreamHealth(true)
			}
		}
	}()

	// Cache probe. A nil probe means "not configured", which is fine.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.cacheReady == nil || hc.cacheReady() {
			hc.cacheStatus.set("ok")
		} else {
			hc.cacheStatus.set("degraded")
		}
	}()

	wg.Wait()
}
