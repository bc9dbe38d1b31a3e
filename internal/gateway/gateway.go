// Package gateway is the completion router: it validates requests, applies
// the quota gate, consults the response cache, dispatches to a backend with
// retry and failover, and records usage asynchronously.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/completion-gateway/internal/backends"
	"github.com/parleyhq/completion-gateway/internal/cache"
	"github.com/parleyhq/completion-gateway/internal/metrics"
	"github.com/parleyhq/completion-gateway/internal/pricing"
	"github.com/parleyhq/completion-gateway/internal/quota"
	"github.com/parleyhq/completion-gateway/internal/usage"
)

// Moderator reviews conversation content before dispatch. The gateway defines
// the contract but ships only the no-op implementation; a real policy engine
// plugs in at wiring time.
type Moderator interface {
	Review(ctx context.Context, turns []backends.ChatTurn) error
}

// NoopModerator accepts everything.
type NoopModerator struct{}

func (NoopModerator) Review(context.Context, []backends.ChatTurn) error { return nil }

// Options configures a Gateway. Zero values fall back to the package defaults
// in internal/backends.
type Options struct {
	DefaultBackend string
	MaxAttempts    int
	CallTimeout    time.Duration
	CacheTTL       time.Duration

	Cache     cache.Cache      // nil disables response caching
	Quota     *quota.Gate      // nil disables the quota gate
	Pricing   *pricing.Table   // nil uses the built-in price list
	Recorder  *usage.Recorder  // nil disables usage recording
	Metrics   *metrics.Registry // nil disables metrics
	Moderator Moderator        // nil disables moderation
	Logger    *slog.Logger
}

// Gateway routes completion requests. Safe for unlimited concurrent use.
type Gateway struct {
	registry  *backends.Registry
	cache     cache.Cache
	quota     *quota.Gate
	pricing   *pricing.Table
	recorder  *usage.Recorder
	metrics   *metrics.Registry
	moderator Moderator
	log       *slog.Logger

	defaultBackend string
	maxAttempts    int
	callTimeout    time.Duration
	cacheTTL       time.Duration
}

func New(registry *backends.Registry, opts Options) *Gateway {
	g := &Gateway{
		registry:       registry,
		cache:          opts.Cache,
		quota:          opts.Quota,
		pricing:        opts.Pricing,
		recorder:       opts.Recorder,
		metrics:        opts.Metrics,
		moderator:      opts.Moderator,
		log:            opts.Logger,
		defaultBackend: opts.DefaultBackend,
		maxAttempts:    opts.MaxAttempts,
		callTimeout:    opts.CallTimeout,
		cacheTTL:       opts.CacheTTL,
	}
	if g.pricing == nil {
		g.pricing = pricing.NewTable()
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	if g.defaultBackend == "" {
		g.defaultBackend = "openai"
	}
	if g.maxAttempts <= 0 {
		g.maxAttempts = backends.MaxAttempts
	}
	if g.callTimeout <= 0 {
		g.callTimeout = backends.CallTimeout
	}
	if g.cacheTTL <= 0 {
		g.cacheTTL = backends.DefaultCacheTTL
	}
	return g
}

// Complete serves one completion request, streaming or not. For streaming
// requests the returned result carries a Stream channel and empty Content;
// the channel is already committed (the first chunk arrived successfully).
func (g *Gateway) Complete(ctx context.Context, req *backends.CompletionRequest) (*backends.CompletionResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	// Work on a copy; the caller's request is never mutated.
	r := *req
	if r.RequestID == "" {
		r.RequestID = uuid.NewString()
	}
	primary := r.Backend
	if primary == "" {
		primary = g.defaultBackend
	}
	if r.Model == "" {
		r.Model = backends.DefaultModels[primary]
	}
	// Zero means unset; negatives were rejected above. Backends always get a
	// positive output budget.
	if r.MaxTokens == 0 {
		r.MaxTokens = backends.DefaultMaxTokens
	}

	if g.moderator != nil {
		if err := g.moderator.Review(ctx, r.Turns); err != nil {
			return nil, &ValidationError{Message: "content rejected: " + err.Error()}
		}
	}

	if g.quota != nil && r.RequesterID != "" {
		d := g.quota.Admit(ctx, r.RequesterID, quota.Tier(r.Tier))
		if g.metrics != nil {
			g.metrics.RecordQuota(r.Tier, d.Allowed)
		}
		if !d.Allowed {
			return nil, &QuotaExceededError{ResetAt: d.ResetAt}
		}
	}

	start := time.Now()

	var key string
	if g.cacheable(&r) {
		key = buildCacheKey(primary, &r)
		if data, ok := g.cache.Get(ctx, key); ok {
			if res, err := decodeCached(data); err == nil {
				res.Cached = true
				if g.metrics != nil {
					g.metrics.CacheGetHit()
					g.metrics.ObserveCompletion(res.BackendUsed, "success", true, time.Since(start))
				}
				g.recordUsage(&r, res, time.Since(start), true)
				return res, nil
			}
			// Undecodable entry counts as a miss and is overwritten below.
		}
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	} else if !r.Streaming && g.metrics != nil {
		g.metrics.CacheGetBypass()
	}

	res, err := g.dispatch(ctx, &r, primary)
	if err != nil {
		if g.metrics != nil {
			g.metrics.ObserveCompletion(primary, "error", false, time.Since(start))
		}
		return nil, err
	}

	if r.Streaming {
		out := *res
		out.Stream = g.observeStream(ctx, &r, res, start)
		return &out, nil
	}

	normalizeTokens(&r, res)

	if key != "" {
		if err := g.cache.Set(ctx, key, encodeCached(res), g.cacheTTL); err != nil {
			if g.metrics != nil {
				g.metrics.CacheSetError()
			}
		} else if g.metrics != nil {
			g.metrics.CacheSetOK()
		}
	}

	if g.metrics != nil {
		g.metrics.ObserveCompletion(res.BackendUsed, "success", false, time.Since(start))
	}
	g.recordUsage(&r, res, time.Since(start), false)
	return res, nil
}

// CompleteStreaming is the channel-first variant of Complete.
func (g *Gateway) CompleteStreaming(ctx context.Context, req *backends.CompletionRequest) (<-chan backends.StreamChunk, error) {
	r := *req
	r.Streaming = true
	res, err := g.Complete(ctx, &r)
	if err != nil {
		return nil, err
	}
	return res.Stream, nil
}

// ListAvailableModels returns the catalog filtered to configured backends,
// with premium models hidden from the free tier. Unknown tiers are treated as
// free.
func (g *Gateway) ListAvailableModels(tier string) []backends.ModelInfo {
	configured := make(map[string]bool)
	for _, name := range g.registry.ListConfigured() {
		configured[name] = true
	}

	premium := quota.Tier(tier) == quota.TierPro || quota.Tier(tier) == quota.TierEnterprise

	out := make([]backends.ModelInfo, 0, len(backends.ModelCatalog))
	for _, m := range backends.ModelCatalog {
		if !configured[m.Backend] {
			continue
		}
		if m.Premium && !premium {
			continue
		}
		out = append(out, m)
	}
	return out
}

// EstimateCost returns the USD cost of a hypothetical completion.
func (g *Gateway) EstimateCost(backend, model string, promptTokens, completionTokens int) float64 {
	return g.pricing.EstimateCost(backend, model, promptTokens, completionTokens)
}

func (g *Gateway) cacheable(r *backends.CompletionRequest) bool {
	return g.cache != nil && r.Cacheable && !r.Streaming
}

// observeStream tees the committed stream so completion text can be measured
// for usage recording once the stream ends. Chunks pass through unchanged.
func (g *Gateway) observeStream(ctx context.Context, req *backends.CompletionRequest, res *backends.CompletionResult, start time.Time) <-chan backends.StreamChunk {
	in := res.Stream
	out := make(chan backends.StreamChunk, backends.StreamBuffer)

	go func() {
		defer close(out)
		var text strings.Builder
		failed := false
		for c := range in {
			if c.Err != nil {
				failed = true
			} else {
				text.WriteString(c.Content)
			}
			select {
			case out <- c:
			case <-ctx.Done():
				g.finishStream(req, res, start, text.String(), failed)
				return
			}
		}
		g.finishStream(req, res, start, text.String(), failed)
	}()

	return out
}

func (g *Gateway) finishStream(req *backends.CompletionRequest, res *backends.CompletionResult, start time.Time, text string, failed bool) {
	p, c := pricing.EstimateTokens(req.Turns, text)
	measured := *res
	measured.PromptTokens = p
	measured.CompletionTokens = c
	measured.TotalTokens = p + c
	measured.Stream = nil

	status := "success"
	if failed {
		status = "stream_error"
	}
	if g.metrics != nil {
		g.metrics.ObserveCompletion(res.BackendUsed, status, false, time.Since(start))
	}
	g.recordUsage(req, &measured, time.Since(start), false)
}

// recordUsage emits the usage event and token/cost metrics for one served
// request. Cache hits are recorded at zero cost.
func (g *Gateway) recordUsage(req *backends.CompletionRequest, res *backends.CompletionResult, elapsed time.Duration, cached bool) {
	var cost float64
	if !cached {
		cost = g.pricing.EstimateCost(res.BackendUsed, res.ModelUsed, res.PromptTokens, res.CompletionTokens)
	}

	if g.metrics != nil {
		g.metrics.AddTokens(res.BackendUsed, res.PromptTokens, res.CompletionTokens, cached)
		g.metrics.AddCost(res.BackendUsed, res.ModelUsed, cost)
	}

	if g.recorder == nil {
		return
	}
	g.recorder.Record(usage.Event{
		RequestID:        req.RequestID,
		RequesterID:      req.RequesterID,
		Backend:          res.BackendUsed,
		Model:            res.ModelUsed,
		PromptTokens:     res.PromptTokens,
		CompletionTokens: res.CompletionTokens,
		CostUSD:          cost,
		Cached:           cached,
		Streamed:         req.Streaming,
		LatencyMs:        elapsed.Milliseconds(),
	})
}

func validate(req *backends.CompletionRequest) error {
	if req == nil {
		return &ValidationError{Message: "request must not be nil"}
	}
	if len(req.Turns) == 0 {
		return &ValidationError{Message: "at least one turn is required"}
	}
	for i, t := range req.Turns {
		switch t.Role {
		case backends.RoleSystem, backends.RoleUser, backends.RoleAssistant:
		default:
			return &ValidationError{Message: fmt.Sprintf("turn %d: unknown role %q", i, t.Role)}
		}
		if t.Content == "" {
			return &ValidationError{Message: fmt.Sprintf("turn %d: empty content", i)}
		}
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return &ValidationError{Message: "temperature must be between 0 and 2"}
	}
	if req.MaxTokens < 0 {
		return &ValidationError{Message: "max_tokens must not be negative"}
	}
	return nil
}

// normalizeTokens fills in missing token counts so TotalTokens always equals
// PromptTokens + CompletionTokens. Backends that report only a total get the
// placeholder 40/60 split; backends that report nothing get the chars/4
// estimate.
func normalizeTokens(req *backends.CompletionRequest, res *backends.CompletionResult) {
	if res.PromptTokens == 0 && res.CompletionTokens == 0 {
		if res.TotalTokens > 0 {
			res.PromptTokens, res.CompletionTokens = pricing.SplitEstimate(res.TotalTokens)
		} else {
			res.PromptTokens, res.CompletionTokens = pricing.EstimateTokens(req.Turns, res.Content)
		}
	}
	res.TotalTokens = res.PromptTokens + res.CompletionTokens
}

// cachedResult is the wire form of a cache entry.
type cachedResult struct {
	Content          string `json:"content"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	FinishReason     string `json:"finish_reason"`
	BackendUsed      string `json:"backend_used"`
	ModelUsed        string `json:"model_used"`
}

func encodeCached(res *backends.CompletionResult) []byte {
	data, _ := json.Marshal(cachedResult{
		Content:          res.Content,
		PromptTokens:     res.PromptTokens,
		CompletionTokens: res.CompletionTokens,
		TotalTokens:      res.TotalTokens,
		FinishReason:     res.FinishReason,
		BackendUsed:      res.BackendUsed,
		ModelUsed:        res.ModelUsed,
	})
	return data
}

func decodeCached(data []byte) (*backends.CompletionResult, error) {
	var c cachedResult
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &backends.CompletionResult{
		Content:          c.Content,
		PromptTokens:     c.PromptTokens,
		CompletionTokens: c.CompletionTokens,
		TotalTokens:      c.TotalTokens,
		FinishReason:     c.FinishReason,
		BackendUsed:      c.BackendUsed,
		ModelUsed:        c.ModelUsed,
	}, nil
}

// buildCacheKey hashes the request parameters that determine the response.
// The requester is deliberately excluded: identical prompts share entries.
func buildCacheKey(primary string, req *backends.CompletionRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%.4f\x00%d\x00", primary, req.Model, req.Temperature, req.MaxTokens)
	for _, t := range req.Turns {
		fmt.Fprintf(h, "%s\x1f%s\x1e", t.Role, t.Content)
	}
	return "completion:" + hex.EncodeToString(h.Sum(nil))
}
