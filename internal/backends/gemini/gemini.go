// Package gemini implements the backends.Backend adapter for Google Gemini
// (official GenAI SDK).
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/parleyhq/completion-gateway/internal/backends"
)

const backendName = "gemini"

type Backend struct {
	apiKey  string
	baseURL string
	client  *genai.Client
}

type Option func(*Backend)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(b *Backend) { b.baseURL = u }
}

// New creates a Gemini Backend. Returns nil when the SDK client cannot be
// constructed; the registry treats a nil build result as unconfigured.
func New(ctx context.Context, apiKey string, opts ...Option) *Backend {
	b := &Backend{apiKey: apiKey}
	for _, o := range opts {
		o(b)
	}

	cfg := &genai.ClientConfig{
		APIKey:     b.apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: backends.CallTimeout},
	}
	if b.baseURL != "" {
		base, ver := splitBaseURLAndVersion(b.baseURL)
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: base, APIVersion: ver}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil
	}
	b.client = client
	return b
}

func (b *Backend) Name() string { return backendName }

func (b *Backend) HealthCheck(ctx context.Context) error {
	if _, err := b.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return fmt.Errorf("gemini: health check: %w", toBackendError(err))
	}
	return nil
}

func (b *Backend) Complete(ctx context.Context, req *backends.CompletionRequest) (*backends.CompletionResult, error) {
	contents, cfg := buildContentsAndConfig(req)
	if req.Streaming {
		return b.streamCompletion(ctx, req.Model, contents, cfg)
	}
	return b.completion(ctx, req.Model, contents, cfg)
}

// buildContentsAndConfig folds system turns into the system instruction;
// assistant turns map onto the "model" role.
func buildContentsAndConfig(req *backends.CompletionRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Turns))

	for _, t := range req.Turns {
		switch strings.ToLower(t.Role) {
		case backends.RoleSystem:
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += t.Content
		case backends.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(t.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(t.Content, genai.RoleUser))
		}
	}

	var cfg *genai.GenerateContentConfig
	if systemPrompt != "" || req.Temperature > 0 || req.MaxTokens > 0 {
		cfg = &genai.GenerateContentConfig{}
		if systemPrompt != "" {
			cfg.SystemInstruction = &genai.Content{
				Parts: []*genai.Part{{Text: systemPrompt}},
			}
		}
		if req.Temperature > 0 {
			cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
		}
		if req.MaxTokens > 0 {
			cfg.MaxOutputTokens = int32(req.MaxTokens)
		}
	}

	return contents, cfg
}

func (b *Backend) completion(
	ctx context.Context,
	model string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*backends.CompletionResult, error) {
	resp, err := b.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, toBackendError(err)
	}

	content, finish := "", ""
	var prompt, completion int
	if resp != nil {
		content = resp.Text()
		if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
			finish = string(resp.Candidates[0].FinishReason)
		}
		if resp.UsageMetadata != nil {
			prompt = int(resp.UsageMetadata.PromptTokenCount)
			completion = int(resp.UsageMetadata.CandidatesTokenCount)
		}
	}

	return &backends.CompletionResult{
		Content:          content,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
		FinishReason:     finish,
		BackendUsed:      backendName,
		ModelUsed:        model,
	}, nil
}

func (b *Backend) streamCompletion(
	ctx context.Context,
	model string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*backends.CompletionResult, error) {
	ch := make(chan backends.StreamChunk, backends.StreamBuffer)

	go func() {
		defer close(ch)

		for resp, err := range b.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				if ctx.Err() == nil {
					ch <- backends.StreamChunk{Err: toBackendError(err)}
				}
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}

			c := resp.Candidates[0]
			text := candidateText(c)
			finish := string(c.FinishReason)
			if text == "" && finish == "" {
				continue
			}
			select {
			case ch <- backends.StreamChunk{Content: text, FinishReason: finish}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return &backends.CompletionResult{
		BackendUsed: backendName,
		ModelUsed:   model,
		Stream:      ch,
	}, nil
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]
	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

func toBackendError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &backends.BackendError{
			Backend:    backendName,
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
		}
	}
	return err
}
