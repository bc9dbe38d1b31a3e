// Package backends defines the common types and interfaces shared by all
// completion backend adapters (OpenAI, Anthropic, Gemini, and any
// OpenAI-compatible service).
//
// Each backend lives in its own sub-package and implements the Backend
// interface. Adapters normalize their upstream's wire format — including its
// native streaming protocol — into CompletionResult and StreamChunk, so the
// gateway never touches SDK-specific types.
package backends

import (
	"context"
	"time"
)

// Chat roles accepted in a conversation turn.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type (
	// ChatTurn is a single turn in a conversation (role + text content).
	// Immutable once constructed.
	ChatTurn struct {
		Role    string
		Content string
	}

	// StreamChunk is a single incremental piece of generated text delivered
	// during a streaming response. A terminal backend failure is surfaced as
	// one sentinel chunk with Err set, followed by channel close — never by
	// silent truncation.
	StreamChunk struct {
		Content      string
		FinishReason string
		Err          error
	}

	// CompletionRequest — normalized chat-completion request.
	CompletionRequest struct {
		Turns       []ChatTurn
		Backend     string // optional explicit backend name; default applied by the router
		Model       string // optional model name; default applied by the router
		Temperature float64
		MaxTokens   int
		Streaming   bool
		Cacheable   bool
		RequesterID string // optional; empty skips the quota gate
		Tier        string // subscription tier resolved by the caller's auth layer
		RequestID   string
	}

	// CompletionResult — normalized backend response.
	//
	// TotalTokens always equals PromptTokens + CompletionTokens, whether the
	// counts are backend-reported or estimated.
	CompletionResult struct {
		Content          string
		PromptTokens     int
		CompletionTokens int
		TotalTokens      int
		FinishReason     string
		BackendUsed      string
		ModelUsed        string
		Cached           bool // true when served from the response cache

		Stream <-chan StreamChunk // nil unless the request was streaming
	}
)

// Backend — completion backend interface. Implementations are stateless after
// construction and safe for unlimited concurrent use.
type Backend interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResult, error)
	HealthCheck(ctx context.Context) error
}

// Capabilities describes what a backend supports beyond plain completions.
type Capabilities struct {
	Streaming  bool
	Embeddings bool
	Moderation bool
}

// Default dispatch constants. Runtime values come from configuration; these
// are the fallbacks applied when a knob is unset.
const (
	// MaxAttempts is the per-backend attempt budget on transient failures.
	MaxAttempts = 3

	// CallTimeout bounds a single non-streaming backend call. Streaming calls
	// carry no hard deadline beyond the caller's context.
	CallTimeout = 30 * time.Second

	// DefaultCacheTTL is how long non-streaming cacheable results live.
	DefaultCacheTTL = 5 * time.Minute

	// StreamBuffer is the chunk-channel buffer used by all adapters.
	StreamBuffer = 64

	// DefaultMaxTokens is the output budget applied when a request leaves
	// MaxTokens unset. Backends are never dispatched with a non-positive
	// budget.
	DefaultMaxTokens = 1024
)

// BackoffSteps returns the pause applied before retry attempt n (0-based
// attempt index; attempt 0 never waits).
func BackoffSteps(attempt int) time.Duration {
	switch {
	case attempt <= 0:
		return 0
	case attempt == 1:
		return 200 * time.Millisecond
	default:
		return 500 * time.Millisecond
	}
}

// ModelInfo describes one model offered through the gateway, as returned by
// the model-listing operation.
type ModelInfo struct {
	Backend     string `json:"backend"`
	Model       string `json:"model"`
	DisplayName string `json:"display_name"`
	Premium     bool   `json:"premium"`
}

// ModelCatalog lists the models each backend serves, in the order they are
// presented to clients. Premium entries are hidden from the free tier.
var ModelCatalog = []ModelInfo{
	{Backend: "openai", Model: "gpt-4o-mini", DisplayName: "GPT-4o mini"},
	{Backend: "openai", Model: "gpt-4o", DisplayName: "GPT-4o", Premium: true},
	{Backend: "openai", Model: "gpt-4.1", DisplayName: "GPT-4.1", Premium: true},
	{Backend: "openai", Model: "o3-mini", DisplayName: "o3-mini", Premium: true},
	{Backend: "anthropic", Model: "claude-3-5-haiku-20241022", DisplayName: "Claude 3.5 Haiku"},
	{Backend: "anthropic", Model: "claude-3-5-sonnet-20241022", DisplayName: "Claude 3.5 Sonnet", Premium: true},
	{Backend: "anthropic", Model: "claude-sonnet-4", DisplayName: "Claude Sonnet 4", Premium: true},
	{Backend: "gemini", Model: "gemini-2.0-flash", DisplayName: "Gemini 2.0 Flash"},
	{Backend: "gemini", Model: "gemini-2.5-pro", DisplayName: "Gemini 2.5 Pro", Premium: true},
	{Backend: "groq", Model: "llama-3.3-70b-versatile", DisplayName: "Llama 3.3 70B"},
	{Backend: "xai", Model: "grok-3-mini", DisplayName: "Grok 3 mini"},
	{Backend: "deepseek", Model: "deepseek-chat", DisplayName: "DeepSeek Chat"},
}

// DefaultModels maps a backend name to the model used when a request names a
// backend but no model.
var DefaultModels = map[string]string{
	"openai":    "gpt-4o-mini",
	"anthropic": "claude-3-5-haiku-20241022",
	"gemini":    "gemini-2.0-flash",
	"xai":       "grok-3-mini",
	"groq":      "llama-3.3-70b-versatile",
	"deepseek":  "deepseek-chat",
}
