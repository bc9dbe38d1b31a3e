// Package openaicompat provides a generic adapter for any service that
// implements the OpenAI chat completions wire format (xAI, Groq, DeepSeek,
// Together AI, and others). The upstream is selected by base URL; the adapter
// is otherwise identical for every such service.
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/parleyhq/completion-gateway/internal/backends"
)

type Backend struct {
	name    string
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

// New creates an OpenAI-compatible backend.
//
//   - name    — unique backend identifier used for routing and logs.
//   - apiKey  — key sent as "Authorization: Bearer <key>".
//   - baseURL — API base URL, e.g. "https://api.x.ai/v1".
func New(name, apiKey, baseURL string) *Backend {
	b := &Backend{name: name, apiKey: apiKey, baseURL: baseURL}

	opts := []option.RequestOption{
		option.WithAPIKey(b.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: backends.CallTimeout}),
	}
	if b.baseURL != "" {
		opts = append(opts, option.WithBaseURL(b.baseURL))
	}

	b.client = openaiSDK.NewClient(opts...)
	return b
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) HealthCheck(ctx context.Context) error {
	if _, err := b.client.Models.List(ctx); err != nil {
		return fmt.Errorf("%s: health check: %w", b.name, b.toBackendError(err))
	}
	return nil
}

func (b *Backend) Complete(ctx context.Context, req *backends.CompletionRequest) (*backends.CompletionResult, error) {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Turns))
	for _, t := range req.Turns {
		msgs = append(msgs, toSDKMessage(t.Role, t.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}
	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}

	if req.Streaming {
		return b.streamCompletion(ctx, req.Model, params)
	}

	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, b.toBackendError(err)
	}

	content, finish := "", ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		finish = resp.Choices[0].FinishReason
	}

	prompt := int(resp.Usage.PromptTokens)
	completion := int(resp.Usage.CompletionTokens)

	return &backends.CompletionResult{
		Content:          content,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
		FinishReason:     finish,
		BackendUsed:      b.name,
		ModelUsed:        resp.Model,
	}, nil
}

func (b *Backend) streamCompletion(
	ctx context.Context,
	model string,
	params openaiSDK.ChatCompletionNewParams,
) (*backends.CompletionResult, error) {
	ch := make(chan backends.StreamChunk, backends.StreamBuffer)
	stream := b.client.Chat.Completions.NewStreaming(ctx, params)

	go func() {
		defer close(ch)

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			if c.Delta.Content == "" && c.FinishReason == "" {
				continue
			}
			select {
			case ch <- backends.StreamChunk{Content: c.Delta.Content, FinishReason: c.FinishReason}:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil && ctx.Err() == nil {
			ch <- backends.StreamChunk{Err: b.toBackendError(err)}
		}
	}()

	return &backends.CompletionResult{
		BackendUsed: b.name,
		ModelUsed:   model,
		Stream:      ch,
	}, nil
}

func (b *Backend) toBackendError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &backends.BackendError{
			Backend:    b.name,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case backends.RoleSystem:
		return openaiSDK.SystemMessage(content)
	case backends.RoleAssistant:
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
