package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/parleyhq/completion-gateway/internal/backends"
	"github.com/parleyhq/completion-gateway/internal/gateway"
)

// --- helpers ----------------------------------------------------------------

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testBackend answers with fixed text, or a chunk stream for streaming
// requests.
type testBackend struct {
	name   string
	text   string
	chunks []backends.StreamChunk
}

func (b *testBackend) Name() string { return b.name }

func (b *testBackend) Complete(_ context.Context, req *backends.CompletionRequest) (*backends.CompletionResult, error) {
	if req.Streaming {
		ch := make(chan backends.StreamChunk, len(b.chunks))
		for _, c := range b.chunks {
			ch <- c
		}
		close(ch)
		return &backends.CompletionResult{
			BackendUsed: b.name,
			ModelUsed:   req.Model,
			Stream:      ch,
		}, nil
	}
	return &backends.CompletionResult{
		Content:          b.text,
		PromptTokens:     10,
		CompletionTokens: 5,
		TotalTokens:      15,
		FinishReason:     "stop",
		BackendUsed:      b.name,
		ModelUsed:        req.Model,
	}, nil
}

func (b *testBackend) HealthCheck(context.Context) error { return nil }

// mapCache is a minimal cache.Cache for exercising the X-Cache header.
type mapCache struct {
	mu    sync.Mutex
	store map[string][]byte
}

func newMapCache() *mapCache { return &mapCache{store: make(map[string][]byte)} }

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.store[key]
	return v, ok
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[key] = value
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.store, key)
	return nil
}

// newTestServer wires a Server around the given backend and serves it on an
// in-memory listener. Returns a client that routes to it.
func newTestServer(t *testing.T, b *testBackend) *http.Client {
	t.Helper()

	reg := backends.NewRegistry(testLogger(), []backends.Registration{
		{
			Name:         b.name,
			Capabilities: backends.Capabilities{Streaming: true},
			Build:        func() backends.Backend { return b },
		},
	})
	gw := gateway.New(reg, gateway.Options{
		DefaultBackend: b.name,
		Cache:          newMapCache(),
		Logger:         testLogger(),
	})
	s := New(gw, Options{Logger: testLogger(), Version: "test"})

	ln := fasthttputil.NewInmemoryListener()
	go func() {
		_ = fasthttp.Serve(ln, s.handler())
	}()
	t.Cleanup(func() { _ = ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return ln.Dial()
			},
		},
		Timeout: 5 * time.Second,
	}
}

func postJSON(t *testing.T, client *http.Client, path, body string) *http.Response {
	t.Helper()
	resp, err := client.Post("http://gw"+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// --- tests ------------------------------------------------------------------

func TestChatCompletionsSuccess(t *testing.T) {
	client := newTestServer(t, &testBackend{name: "openai", text: "hello there"})

	body := `{"messages":[{"role":"user","content":"hi"}]}`
	resp := postJSON(t, client, "/v1/chat/completions", body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Cache"); got != "MISS" {
		t.Errorf("X-Cache = %q, want MISS", got)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}

	var out struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Backend string `json:"backend"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(out.ID, "chatcmpl-") {
		t.Errorf("ID = %q, want a chatcmpl- prefix", out.ID)
	}
	if out.Object != "chat.completion" {
		t.Errorf("Object = %q", out.Object)
	}
	if out.Backend != "openai" {
		t.Errorf("Backend = %q, want openai", out.Backend)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content != "hello there" {
		t.Errorf("unexpected choices: %+v", out.Choices)
	}
	if out.Usage.TotalTokens != 15 {
		t.Errorf("TotalTokens = %d, want 15", out.Usage.TotalTokens)
	}
}

func TestChatCompletionsCacheHit(t *testing.T) {
	client := newTestServer(t, &testBackend{name: "openai", text: "cached answer"})
	body := `{"messages":[{"role":"user","content":"same question"}]}`

	first := postJSON(t, client, "/v1/chat/completions", body)
	if got := first.Header.Get("X-Cache"); got != "MISS" {
		t.Fatalf("first X-Cache = %q, want MISS", got)
	}

	second := postJSON(t, client, "/v1/chat/completions", body)
	if got := second.Header.Get("X-Cache"); got != "HIT" {
		t.Errorf("second X-Cache = %q, want HIT", got)
	}
}

func TestChatCompletionsInvalidJSON(t *testing.T) {
	client := newTestServer(t, &testBackend{name: "openai", text: "x"})

	resp := postJSON(t, client, "/v1/chat/completions", "{not json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	var out struct {
		Error struct {
			Type string `json:"type"`
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Error.Type != "invalid_request_error" {
		t.Errorf("error type = %q", out.Error.Type)
	}
}

func TestChatCompletionsMissingMessages(t *testing.T) {
	client := newTestServer(t, &testBackend{name: "openai", text: "x"})

	resp := postJSON(t, client, "/v1/chat/completions", `{"model":"gpt-4o-mini"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestChatCompletionsStreamingSSE(t *testing.T) {
	client := newTestServer(t, &testBackend{
		name: "openai",
		chunks: []backends.StreamChunk{
			{Content: "one "},
			{Content: "two", FinishReason: "stop"},
		},
	})

	body := `{"stream":true,"messages":[{"role":"user","content":"hi"}]}`
	resp := postJSON(t, client, "/v1/chat/completions", body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	text := string(raw)

	if !strings.Contains(text, `"content":"one "`) || !strings.Contains(text, `"content":"two"`) {
		t.Errorf("SSE body missing chunk deltas:\n%s", text)
	}
	if !strings.Contains(text, "data: [DONE]") {
		t.Errorf("SSE body missing the [DONE] terminator:\n%s", text)
	}
}

func TestModelsEndpointTierFiltering(t *testing.T) {
	client := newTestServer(t, &testBackend{name: "openai", text: "x"})

	list := func(tier string) int {
		req, _ := http.NewRequest(http.MethodGet, "http://gw/v1/models", nil)
		if tier != "" {
			req.Header.Set("X-Tier", tier)
		}
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("GET /v1/models: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		var out struct {
			Data []backends.ModelInfo `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return len(out.Data)
	}

	free := list("free")
	pro := list("pro")
	if free == 0 {
		t.Fatal("free tier sees no models")
	}
	if pro <= free {
		t.Errorf("pro sees %d models, free sees %d; want pro > free", pro, free)
	}
}

func TestCostEndpoint(t *testing.T) {
	client := newTestServer(t, &testBackend{name: "openai", text: "x"})

	resp, err := client.Get("http://gw/v1/cost?backend=openai&model=gpt-4o&prompt_tokens=1000&completion_tokens=1000")
	if err != nil {
		t.Fatalf("GET /v1/cost: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.EstimatedCostUSD <= 0 {
		t.Errorf("estimated_cost_usd = %v, want > 0", out.EstimatedCostUSD)
	}
}

func TestCostEndpointRequiresParams(t *testing.T) {
	client := newTestServer(t, &testBackend{name: "openai", text: "x"})

	resp, err := client.Get("http://gw/v1/cost?backend=openai")
	if err != nil {
		t.Fatalf("GET /v1/cost: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHealthEndpointWithoutChecker(t *testing.T) {
	client := newTestServer(t, &testBackend{name: "openai", text: "x"})

	resp, err := client.Get("http://gw/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["status"] != "ok" {
		t.Errorf("status = %v, want ok", out["status"])
	}
}

func TestWriteGatewayError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"validation", &gateway.ValidationError{Message: "bad role"}, fasthttp.StatusBadRequest},
		{"quota", &gateway.QuotaExceededError{ResetAt: time.Now().Add(2 * time.Hour)}, fasthttp.StatusTooManyRequests},
		{"exhausted", &gateway.AllBackendsExhaustedError{Last: errors.New("down")}, fasthttp.StatusBadGateway},
		{"exhausted_timeout", &gateway.AllBackendsExhaustedError{Last: context.DeadlineExceeded}, fasthttp.StatusGatewayTimeout},
		{"deadline", context.DeadlineExceeded, fasthttp.StatusGatewayTimeout},
		{"unknown", errors.New("mystery"), fasthttp.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := &fasthttp.RequestCtx{}
			writeGatewayError(ctx, tt.err)
			if got := ctx.Response.StatusCode(); got != tt.wantStatus {
				t.Errorf("status = %d, want %d", got, tt.wantStatus)
			}
		})
	}
}

func TestWriteGatewayErrorQuotaRetryAfter(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	writeGatewayError(ctx, &gateway.QuotaExceededError{ResetAt: time.Now().Add(90 * time.Minute)})

	raw := string(ctx.Response.Header.Peek("Retry-After"))
	secs, err := strconv.Atoi(raw)
	if err != nil {
		t.Fatalf("Retry-After = %q, want an integer", raw)
	}
	if secs < 1 || secs > 90*60 {
		t.Errorf("Retry-After = %d, want between 1 and the window length", secs)
	}
}
