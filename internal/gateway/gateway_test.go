package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parleyhq/completion-gateway/internal/backends"
	"github.com/parleyhq/completion-gateway/internal/quota"
)

// stubCache is a plain in-memory cache for tests.
type stubCache struct {
	mu    sync.Mutex
	store map[string][]byte
	sets  int
}

func newStubCache() *stubCache {
	return &stubCache{store: make(map[string][]byte)}
}

func (c *stubCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.store[key]
	return v, ok
}

func (c *stubCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.store[key] = value
	return nil
}

func (c *stubCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.store, key)
	return nil
}

type rejectAllModerator struct{}

func (rejectAllModerator) Review(context.Context, []backends.ChatTurn) error {
	return errors.New("policy violation")
}

func TestValidate(t *testing.T) {
	good := func() *backends.CompletionRequest {
		return &backends.CompletionRequest{
			Turns: []backends.ChatTurn{
				{Role: backends.RoleSystem, Content: "be brief"},
				{Role: backends.RoleUser, Content: "hi"},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*backends.CompletionRequest) *backends.CompletionRequest
		wantErr bool
	}{
		{"valid", func(r *backends.CompletionRequest) *backends.CompletionRequest { return r }, false},
		{"nil_request", func(*backends.CompletionRequest) *backends.CompletionRequest { return nil }, true},
		{"no_turns", func(r *backends.CompletionRequest) *backends.CompletionRequest {
			r.Turns = nil
			return r
		}, true},
		{"unknown_role", func(r *backends.CompletionRequest) *backends.CompletionRequest {
			r.Turns[0].Role = "robot"
			return r
		}, true},
		{"empty_content", func(r *backends.CompletionRequest) *backends.CompletionRequest {
			r.Turns[1].Content = ""
			return r
		}, true},
		{"temperature_low", func(r *backends.CompletionRequest) *backends.CompletionRequest {
			r.Temperature = -0.1
			return r
		}, true},
		{"temperature_high", func(r *backends.CompletionRequest) *backends.CompletionRequest {
			r.Temperature = 2.1
			return r
		}, true},
		{"temperature_boundary", func(r *backends.CompletionRequest) *backends.CompletionRequest {
			r.Temperature = 2.0
			return r
		}, false},
		{"negative_max_tokens", func(r *backends.CompletionRequest) *backends.CompletionRequest {
			r.MaxTokens = -1
			return r
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate(tt.mutate(good()))
			if tt.wantErr {
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Errorf("validate() = %v, want ValidationError", err)
				}
				return
			}
			if err != nil {
				t.Errorf("validate() = %v, want nil", err)
			}
		})
	}
}

func TestCompleteAppliesDefaults(t *testing.T) {
	var gotModel string
	var gotMaxTokens int
	b := &funcBackend{
		name: "openai",
		completeFn: func(_ context.Context, req *backends.CompletionRequest) (*backends.CompletionResult, error) {
			gotModel = req.Model
			gotMaxTokens = req.MaxTokens
			return &backends.CompletionResult{Content: "ok", BackendUsed: "openai", ModelUsed: req.Model}, nil
		},
	}
	g := newTestGateway(registryWith(b), Options{DefaultBackend: "openai"})

	req := &backends.CompletionRequest{
		Turns: []backends.ChatTurn{{Role: backends.RoleUser, Content: "hi"}},
	}
	res, err := g.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if gotModel != backends.DefaultModels["openai"] {
		t.Errorf("backend saw model %q, want the openai default", gotModel)
	}
	if gotMaxTokens != backends.DefaultMaxTokens {
		t.Errorf("backend saw MaxTokens %d, want the default %d", gotMaxTokens, backends.DefaultMaxTokens)
	}
	if res.BackendUsed != "openai" {
		t.Errorf("BackendUsed = %q, want the default backend", res.BackendUsed)
	}
	if req.Model != "" || req.RequestID != "" || req.MaxTokens != 0 {
		t.Error("caller's request was mutated")
	}
}

func TestCompleteMaxTokensFloor(t *testing.T) {
	var gotMaxTokens int
	b := &funcBackend{
		name: "openai",
		completeFn: func(_ context.Context, req *backends.CompletionRequest) (*backends.CompletionResult, error) {
			gotMaxTokens = req.MaxTokens
			return &backends.CompletionResult{Content: "ok", BackendUsed: "openai", ModelUsed: req.Model}, nil
		},
	}
	g := newTestGateway(registryWith(b), Options{})

	// Unset budget is replaced before dispatch.
	req := userReq("openai")
	req.MaxTokens = 0
	if _, err := g.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if gotMaxTokens != backends.DefaultMaxTokens {
		t.Errorf("backend saw MaxTokens %d, want %d", gotMaxTokens, backends.DefaultMaxTokens)
	}

	// An explicit value passes through untouched.
	req = userReq("openai")
	req.MaxTokens = 256
	if _, err := g.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if gotMaxTokens != 256 {
		t.Errorf("backend saw MaxTokens %d, want 256", gotMaxTokens)
	}

	// Negative budgets are rejected before any backend is contacted.
	req = userReq("openai")
	req.MaxTokens = -1
	before := b.callCount()
	_, err := g.Complete(context.Background(), req)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if n := b.callCount(); n != before {
		t.Errorf("backend called %d extra time(s) for an invalid budget", n-before)
	}
}

func TestCompleteNormalizesTokens(t *testing.T) {
	tests := []struct {
		name         string
		result       backends.CompletionResult
		wantPrompt   int
		wantComplete int
	}{
		{
			name:         "backend_reported",
			result:       backends.CompletionResult{Content: "ok", PromptTokens: 10, CompletionTokens: 5},
			wantPrompt:   10,
			wantComplete: 5,
		},
		{
			name:         "total_only_split",
			result:       backends.CompletionResult{Content: "ok", TotalTokens: 100},
			wantPrompt:   40,
			wantComplete: 60,
		},
		{
			name: "nothing_reported_estimated",
			// Prompt "hi" is 2 chars → 1 token; "abcdefgh" is 8 chars → 2 tokens.
			result:       backends.CompletionResult{Content: "abcdefgh"},
			wantPrompt:   1,
			wantComplete: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &funcBackend{
				name: "openai",
				completeFn: func(_ context.Context, req *backends.CompletionRequest) (*backends.CompletionResult, error) {
					r := tt.result
					r.BackendUsed = "openai"
					r.ModelUsed = req.Model
					return &r, nil
				},
			}
			g := newTestGateway(registryWith(b), Options{})

			res, err := g.Complete(context.Background(), userReq("openai"))
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			if res.PromptTokens != tt.wantPrompt || res.CompletionTokens != tt.wantComplete {
				t.Errorf("tokens = (%d, %d), want (%d, %d)",
					res.PromptTokens, res.CompletionTokens, tt.wantPrompt, tt.wantComplete)
			}
			if res.TotalTokens != res.PromptTokens+res.CompletionTokens {
				t.Errorf("TotalTokens = %d, want prompt+completion = %d",
					res.TotalTokens, res.PromptTokens+res.CompletionTokens)
			}
		})
	}
}

func TestCompleteCacheRoundTrip(t *testing.T) {
	b := okBackend("openai")
	c := newStubCache()
	g := newTestGateway(registryWith(b), Options{Cache: c})

	req := userReq("openai")
	req.Cacheable = true

	first, err := g.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("first Complete: %v", err)
	}
	if first.Cached {
		t.Error("first response reported as cached")
	}

	second, err := g.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("second Complete: %v", err)
	}
	if !second.Cached {
		t.Fatal("second identical request was not served from cache")
	}
	if second.Content != first.Content {
		t.Errorf("cached Content = %q, want %q", second.Content, first.Content)
	}
	if second.TotalTokens != first.TotalTokens {
		t.Errorf("cached TotalTokens = %d, want %d", second.TotalTokens, first.TotalTokens)
	}
	if n := b.callCount(); n != 1 {
		t.Errorf("backend called %d times, want 1", n)
	}
}

func TestCompleteNonCacheableSkipsCache(t *testing.T) {
	b := okBackend("openai")
	c := newStubCache()
	g := newTestGateway(registryWith(b), Options{Cache: c})

	req := userReq("openai") // Cacheable left false
	for i := 0; i < 2; i++ {
		if _, err := g.Complete(context.Background(), req); err != nil {
			t.Fatalf("Complete %d: %v", i+1, err)
		}
	}
	if n := b.callCount(); n != 2 {
		t.Errorf("backend called %d times, want 2", n)
	}
	if c.sets != 0 {
		t.Errorf("cache written %d times for a non-cacheable request", c.sets)
	}
}

func TestCompleteStreamingNeverCached(t *testing.T) {
	b := &funcBackend{
		name: "openai",
		completeFn: func(_ context.Context, req *backends.CompletionRequest) (*backends.CompletionResult, error) {
			return streamOf("openai", backends.StreamChunk{Content: "ok", FinishReason: "stop"}), nil
		},
	}
	c := newStubCache()
	g := newTestGateway(registryWith(b), Options{Cache: c})

	req := userReq("openai")
	req.Streaming = true
	req.Cacheable = true

	res, err := g.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	drainStream(t, res.Stream)

	if c.sets != 0 {
		t.Errorf("cache written %d times for a streaming request", c.sets)
	}
}

func TestCompleteQuotaDenied(t *testing.T) {
	b := okBackend("openai")
	gate := quota.NewGate(quota.NewMemoryStore(), quota.Limits{quota.TierFree: 1}, quietLogger())
	g := newTestGateway(registryWith(b), Options{Quota: gate})

	req := userReq("openai")
	req.RequesterID = "alice"
	req.Tier = string(quota.TierFree)

	if _, err := g.Complete(context.Background(), req); err != nil {
		t.Fatalf("first Complete: %v", err)
	}

	_, err := g.Complete(context.Background(), req)
	var qe *QuotaExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("error = %v, want QuotaExceededError", err)
	}
	if !qe.ResetAt.After(time.Now().UTC()) {
		t.Errorf("ResetAt = %v, want a future instant", qe.ResetAt)
	}
	if qe.ResetAt.Hour() != 0 || qe.ResetAt.Minute() != 0 {
		t.Errorf("ResetAt = %v, want a UTC midnight", qe.ResetAt)
	}
	if n := b.callCount(); n != 1 {
		t.Errorf("backend called %d times, want 1", n)
	}
}

func TestCompleteAnonymousRequestSkipsQuota(t *testing.T) {
	b := okBackend("openai")
	gate := quota.NewGate(quota.NewMemoryStore(), quota.Limits{quota.TierFree: 1}, quietLogger())
	g := newTestGateway(registryWith(b), Options{Quota: gate})

	req := userReq("openai") // no RequesterID
	for i := 0; i < 3; i++ {
		if _, err := g.Complete(context.Background(), req); err != nil {
			t.Fatalf("Complete %d: %v", i+1, err)
		}
	}
}

func TestCompleteModeratorRejects(t *testing.T) {
	b := okBackend("openai")
	g := newTestGateway(registryWith(b), Options{Moderator: rejectAllModerator{}})

	_, err := g.Complete(context.Background(), userReq("openai"))
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if !strings.Contains(ve.Message, "content rejected") {
		t.Errorf("Message = %q, want a content-rejected message", ve.Message)
	}
	if n := b.callCount(); n != 0 {
		t.Errorf("backend called %d times for rejected content, want 0", n)
	}
}

func TestCompleteStreamingDeliversChunks(t *testing.T) {
	b := &funcBackend{
		name: "openai",
		completeFn: func(_ context.Context, req *backends.CompletionRequest) (*backends.CompletionResult, error) {
			return streamOf("openai",
				backends.StreamChunk{Content: "one "},
				backends.StreamChunk{Content: "two "},
				backends.StreamChunk{Content: "three", FinishReason: "stop"},
			), nil
		},
	}
	g := newTestGateway(registryWith(b), Options{})

	ch, err := g.CompleteStreaming(context.Background(), userReq("openai"))
	if err != nil {
		t.Fatalf("CompleteStreaming: %v", err)
	}
	text, errs := drainStream(t, ch)
	if text != "one two three" {
		t.Errorf("streamed text = %q, want %q", text, "one two three")
	}
	if len(errs) != 0 {
		t.Errorf("unexpected sentinel errors: %v", errs)
	}
}

func TestBuildCacheKey(t *testing.T) {
	base := func() *backends.CompletionRequest {
		return &backends.CompletionRequest{
			Model:       "gpt-4o-mini",
			Temperature: 0.7,
			MaxTokens:   256,
			Turns: []backends.ChatTurn{
				{Role: backends.RoleSystem, Content: "be brief"},
				{Role: backends.RoleUser, Content: "hi"},
			},
		}
	}

	key := buildCacheKey("openai", base())
	if !strings.HasPrefix(key, "completion:") {
		t.Errorf("key %q lacks the completion: prefix", key)
	}
	if again := buildCacheKey("openai", base()); again != key {
		t.Error("identical requests produced different keys")
	}

	variants := map[string]*backends.CompletionRequest{}

	r := base()
	r.Model = "gpt-4o"
	variants["model"] = r

	r = base()
	r.Temperature = 0.8
	variants["temperature"] = r

	r = base()
	r.MaxTokens = 512
	variants["max_tokens"] = r

	r = base()
	r.Turns[1].Content = "hello"
	variants["content"] = r

	r = base()
	r.Turns[1].Role = backends.RoleAssistant
	variants["role"] = r

	for name, req := range variants {
		if buildCacheKey("openai", req) == key {
			t.Errorf("changing %s did not change the key", name)
		}
	}
	if buildCacheKey("anthropic", base()) == key {
		t.Error("changing the backend did not change the key")
	}

	// The requester is excluded: identical prompts share entries.
	r = base()
	r.RequesterID = "alice"
	if buildCacheKey("openai", r) != key {
		t.Error("requester identity leaked into the cache key")
	}
}

func TestListAvailableModels(t *testing.T) {
	g := newTestGateway(registryWith(okBackend("openai")), Options{})

	free := g.ListAvailableModels("free")
	if len(free) == 0 {
		t.Fatal("free tier sees no models")
	}
	for _, m := range free {
		if m.Backend != "openai" {
			t.Errorf("unconfigured backend %q listed", m.Backend)
		}
		if m.Premium {
			t.Errorf("premium model %q visible to the free tier", m.Model)
		}
	}

	pro := g.ListAvailableModels("pro")
	if len(pro) <= len(free) {
		t.Errorf("pro tier sees %d models, free sees %d; want pro > free", len(pro), len(free))
	}

	// Unknown tiers are treated as free.
	if got := g.ListAvailableModels("mystery"); len(got) != len(free) {
		t.Errorf("unknown tier sees %d models, want %d", len(got), len(free))
	}
}

func TestEstimateCostPassthrough(t *testing.T) {
	g := newTestGateway(registryWith(okBackend("openai")), Options{})

	got := g.EstimateCost("openai", "gpt-4o", 1000, 1000)
	if got <= 0 {
		t.Errorf("EstimateCost = %v, want > 0 for a known model", got)
	}
	if zero := g.EstimateCost("openai", "no-such-model", 1000, 1000); zero != 0 {
		t.Errorf("EstimateCost for an unknown model = %v, want 0", zero)
	}
}
