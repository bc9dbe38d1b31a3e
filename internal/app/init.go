package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/parleyhq/completion-gateway/internal/backends"
	"github.com/parleyhq/completion-gateway/internal/cache"
	"github.com/parleyhq/completion-gateway/internal/gateway"
	"github.com/parleyhq/completion-gateway/internal/metrics"
	"github.com/parleyhq/completion-gateway/internal/quota"
	"github.com/parleyhq/completion-gateway/internal/server"
	"github.com/parleyhq/completion-gateway/internal/usage"
)

// initInfra establishes optional external connections.
// Redis is only required when a Redis-backed component is selected.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" || a.cfg.Quota.Store == "redis" {
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

// initBackends declares the backend registry. Adapters are constructed
// lazily, on first reference; at least one API key is guaranteed by
// config validation.
func (a *App) initBackends(ctx context.Context) error {
	regs := buildRegistrations(a.baseCtx, a.cfg)
	a.registry = backends.NewRegistry(a.log, regs)

	declared := make([]string, 0, len(regs))
	configured := 0
	for _, r := range regs {
		declared = append(declared, r.Name)
		if r.Build != nil {
			configured++
		}
	}
	if configured == 0 {
		return fmt.Errorf("no backend API keys configured")
	}
	a.log.Info("backends declared",
		slog.Any("backends", declared),
		slog.Int("with_credentials", configured),
	)

	return nil
}

// initServices creates the cache, quota gate, usage recorder, and Prometheus
// metrics registry.
func (a *App) initServices(ctx context.Context) error {
	// ── Response cache ────────────────────────────────────────────────────────
	switch a.cfg.Cache.Mode {
	case "redis":
		a.cacheImpl = cache.NewRedisCacheFromClient(a.rdb)
		a.log.Info("cache backend: redis")

	case "memory":
		a.memCache = cache.NewMemoryCache(a.baseCtx)
		a.cacheImpl = a.memCache
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	// ── Quota gate ────────────────────────────────────────────────────────────
	limits := quota.Limits{
		quota.TierFree:       a.cfg.Quota.FreeDaily,
		quota.TierPro:        a.cfg.Quota.ProDaily,
		quota.TierEnterprise: quota.Unlimited,
	}
	switch a.cfg.Quota.Store {
	case "redis":
		a.gate = quota.NewGate(quota.NewRedisStore(a.rdb), limits, a.log)
		a.log.Info("quota store: redis")
	case "memory":
		a.gate = quota.NewGate(quota.NewMemoryStore(), limits, a.log)
		a.log.Info("quota store: memory (in-process)")
	case "none":
		a.log.Info("quota gate: disabled")
	default:
		return fmt.Errorf("unknown quota store: %s", a.cfg.Quota.Store)
	}

	// ── Metrics ───────────────────────────────────────────────────────────────
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	// ── Usage recorder ────────────────────────────────────────────────────────
	var sink usage.Sink
	switch a.cfg.Usage.Sink {
	case "slog":
		sink = usage.NewSlogSink(a.log)
		a.log.Info("usage sink: slog")
	case "clickhouse":
		s, err := usage.NewClickHouseSink(ctx, a.cfg.Usage.ClickHouseDSN)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		sink = s
		a.log.Info("usage sink: clickhouse")
	case "none":
		a.log.Info("usage recording: disabled")
	default:
		return fmt.Errorf("unknown usage sink: %s", a.cfg.Usage.Sink)
	}

	if sink != nil {
		rec, err := usage.NewRecorder(a.baseCtx, sink, a.log)
		if err != nil {
			return fmt.Errorf("usage recorder: %w", err)
		}
		a.recorder = rec
		a.prom.RegisterDroppedUsageFunc(func() float64 {
			return float64(rec.Dropped())
		})
	}

	return nil
}

// initGateway wires the completion router and the HTTP server.
func (a *App) initGateway(_ context.Context) error {
	a.gw = gateway.New(a.registry, gateway.Options{
		DefaultBackend: a.cfg.DefaultBackend,
		MaxAttempts:    a.cfg.Failover.MaxAttempts,
		CallTimeout:    a.cfg.Failover.CallTimeout,
		CacheTTL:       a.cfg.Cache.TTL,
		Cache:          a.cacheImpl,
		Quota:          a.gate,
		Recorder:       a.recorder,
		Metrics:        a.prom,
		Moderator:      gateway.NoopModerator{},
		Logger:         a.log,
	})

	var cacheReady func() bool
	switch a.cfg.Cache.Mode {
	case "redis":
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheReady = func() bool { return true }
	}

	a.health = server.NewHealthChecker(a.baseCtx, a.registry, cacheReady, a.prom)

	a.srv = server.New(a.gw, server.Options{
		Metrics:     a.prom,
		Health:      a.health,
		Logger:      a.log,
		CORSOrigins: a.cfg.CORSOrigins,
		Version:     a.version,
	})

	return nil
}
