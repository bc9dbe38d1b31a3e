package server

import (
	"context"
	"sync"
	"time"

	"github.com/parleyhq/completion-gateway/internal/backends"
	"github.com/parleyhq/completion-gateway/internal/metrics"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
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

// HealthChecker runs background probes against the configured backends and
// the cache, and exposes the latest results to /health and /readiness.
type HealthChecker struct {
	registry   *backends.Registry
	cacheReady func() bool
	baseCtx    context.Context
	metrics    *metrics.Registry

	mu              sync.Mutex
	backendStatuses map[string]*componentStatus
	cacheStatus     componentStatus

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background
// probes. cacheReady may be nil when no cache is configured.
func NewHealthChecker(
	ctx context.Context,
	registry *backends.Registry,
	cacheReady func() bool,
	met *metrics.Registry,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		registry:        registry,
		cacheReady:      cacheReady,
		backendStatuses: make(map[string]*componentStatus),
		startTime:       time.Now(),
		done:            make(chan struct{}),
		baseCtx:         ctx,
		metrics:         met,
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Backends      map[string]string `json:"backends"`
	Cache         string            `json:"cache"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	hc.mu.Lock()
	statuses := make(map[string]string, len(hc.backendStatuses))
	for name, s := range hc.backendStatuses {
		statuses[name] = s.get()
	}
	hc.mu.Unlock()

	for _, st := range statuses {
		if st != "ok" {
			overall = "degraded"
		}
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Backends:      statuses,
		Cache:         hc.cacheStatus.get(),
	}
}

// ReadinessOK reports whether the gateway can serve traffic: at least one
// backend is configured. Cache degradation does not fail readiness — the
// gateway serves without it.
func (hc *HealthChecker) ReadinessOK() bool {
	return len(hc.registry.ListConfigured()) > 0
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

	// Backend probes — run in parallel.
	var wg sync.WaitGroup
	for _, name := range hc.registry.ListConfigured() {
		s := hc.statusFor(name)
		b := hc.registry.Handle(name).Backend()
		if b == nil {
			continue
		}
		wg.Add(1)
		go func(name string, b backends.Backend) {
			defer wg.Done()
			if err := b.HealthCheck(ctx); err != nil {
				s.set("degraded")
				if hc.metrics != nil {
					hc.metrics.SetBackendHealth(name, false)
				}
			} else {
				s.set("ok")
				if hc.metrics != nil {
					hc.metrics.SetBackendHealth(name, true)
				}
			}
		}(name, b)
	}

	// Cache probe — nil probe means "not configured" → ok.
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

func (hc *HealthChecker) statusFor(name string) *componentStatus {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	s, ok := hc.backendStatuses[name]
	if !ok {
		s = &componentStatus{}
		hc.backendStatuses[name] = s
	}
	return s
}
