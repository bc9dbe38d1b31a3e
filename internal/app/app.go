// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Redis when needed)
//  2. initBackends — backend registry with lazy adapter construction
//  3. initServices — cache, quota gate, usage recorder, metrics registry
//  4. initGateway  — completion router + HTTP server
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/parleyhq/completion-gateway/internal/backends"
	anthropicbe "github.com/parleyhq/completion-gateway/internal/backends/anthropic"
	geminibe "github.com/parleyhq/completion-gateway/internal/backends/gemini"
	openaibe "github.com/parleyhq/completion-gateway/internal/backends/openai"
	openaicompatbe "github.com/parleyhq/completion-gateway/internal/backends/openaicompat"
	"github.com/parleyhq/completion-gateway/internal/cache"
	"github.com/parleyhq/completion-gateway/internal/config"
	"github.com/parleyhq/completion-gateway/internal/gateway"
	"github.com/parleyhq/completion-gateway/internal/metrics"
	"github.com/parleyhq/completion-gateway/internal/quota"
	"github.com/parleyhq/completion-gateway/internal/server"
	"github.com/parleyhq/completion-gateway/internal/usage"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	memCache  *cache.MemoryCache
	cacheImpl cache.Cache

	registry *backends.Registry
	gate     *quota.Gate
	recorder *usage.Recorder
	prom     *metrics.Registry

	gw     *gateway.Gateway
	health *server.HealthChecker
	srv    *server.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"backends", a.initBackends},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.String("quota_store", a.cfg.Quota.Store),
		slog.String("default_backend", a.cfg.DefaultBackend),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.Start(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := a.srv.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	if a.health != nil {
		a.health.Close()
		a.health = nil
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.log.Error("usage recorder close error", slog.String("error", err.Error()))
		}
		a.recorder = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function suitable for the
// HealthChecker. Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// buildRegistrations declares every supported backend to the registry. The
// Build closures run lazily, on first reference; backends without an API key
// get a nil Build and stay permanently unconfigured.
func buildRegistrations(ctx context.Context, cfg *config.Config) []backends.Registration {
	chat := backends.Capabilities{Streaming: true}

	regs := []backends.Registration{
		{Name: "openai", Capabilities: backends.Capabilities{Streaming: true, Embeddings: true, Moderation: true}},
		{Name: "anthropic", Capabilities: chat},
		{Name: "gemini", Capabilities: backends.Capabilities{Streaming: true, Embeddings: true}},
		{Name: "xai", Capabilities: chat},
		{Name: "groq", Capabilities: chat},
		{Name: "deepseek", Capabilities: chat},
		{Name: "together", Capabilities: chat},
	}

	if key := cfg.OpenAI.APIKey; key != "" {
		baseURL := cfg.OpenAI.BaseURL
		regs[0].Build = func() backends.Backend {
			var opts []openaibe.Option
			if baseURL != "" {
				opts = append(opts, openaibe.WithBaseURL(baseURL))
			}
			return openaibe.New(key, opts...)
		}
	}
	if key := cfg.Anthropic.APIKey; key != "" {
		baseURL := cfg.Anthropic.BaseURL
		regs[1].Build = func() backends.Backend {
			var opts []anthropicbe.Option
			if baseURL != "" {
				opts = append(opts, anthropicbe.WithBaseURL(baseURL))
			}
			return anthropicbe.New(key, opts...)
		}
	}
	if key := cfg.Gemini.APIKey; key != "" {
		baseURL := cfg.Gemini.BaseURL
		regs[2].Build = func() backends.Backend {
			var opts []geminibe.Option
			if baseURL != "" {
				opts = append(opts, geminibe.WithBaseURL(baseURL))
			}
			// New returns a typed nil on client construction failure; the
			// interface must stay untyped nil for the registry to notice.
			if b := geminibe.New(ctx, key, opts...); b != nil {
				return b
			}
			return nil
		}
	}

	compat := []struct {
		idx     int
		name    string
		cfg     config.BackendConfig
		baseURL string
	}{
		{3, "xai", cfg.XAI, "https://api.x.ai/v1"},
		{4, "groq", cfg.Groq, "https://api.groq.com/openai/v1"},
		{5, "deepseek", cfg.DeepSeek, "https://api.deepseek.com/v1"},
		{6, "together", cfg.Together, "https://api.together.xyz/v1"},
	}
	for _, e := range compat {
		if e.cfg.APIKey == "" {
			continue
		}
		name, key, baseURL := e.name, e.cfg.APIKey, e.baseURL
		if e.cfg.BaseURL != "" {
			baseURL = e.cfg.BaseURL
		}
		regs[e.idx].Build = func() backends.Backend {
			return openaicompatbe.New(name, key, baseURL)
		}
	}

	return regs
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
