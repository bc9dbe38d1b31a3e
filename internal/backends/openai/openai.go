// Package openai implements the backends.Backend adapter for the OpenAI chat
// completions API (official SDK).
package openai

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

const backendName = "openai"

type Backend struct {
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

type Option func(*Backend)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(b *Backend) { b.baseURL = u }
}

func New(apiKey string, opts ...Option) *Backend {
	b := &Backend{apiKey: apiKey}
	for _, o := range opts {
		o(b)
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(b.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: backends.CallTimeout}),
	}
	if b.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(b.baseURL))
	}

	b.client = openaiSDK.NewClient(clientOpts...)
	return b
}

func (b *Backend) Name() string { return backendName }

func (b *Backend) HealthCheck(ctx context.Context) error {
	if _, err := b.client.Models.List(ctx); err != nil {
		return fmt.Errorf("openai: health check: %w", toBackendError(err))
	}
	return nil
}

func (b *Backend) Complete(ctx context.Context, req *backends.CompletionRequest) (*backends.CompletionResult, error) {
	params := buildParams(req)
	if req.Streaming {
		return b.streamCompletion(ctx, req.Model, params)
	}
	return b.completion(ctx, req.Model, params)
}

func buildParams(req *backends.CompletionRequest) openaiSDK.ChatCompletionNewParams {
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
	return params
}

func (b *Backend) completion(
	ctx context.Context,
	model string,
	params openaiSDK.ChatCompletionNewParams,
) (*backends.CompletionResult, error) {
	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, toBackendError(err)
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
		BackendUsed:      backendName,
		ModelUsed:        resp.Model,
	}, nil
}

// streamCompletion pumps the SDK's SSE stream into a chunk channel.
// Only text deltas are forwarded; control events with no content are dropped.
// A stream failure is delivered as one sentinel chunk with Err set.
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

			if c.Delta.Content != "" {
				select {
				case ch <- backends.StreamChunk{Content: c.Delta.Content, FinishReason: c.FinishReason}:
				case <-ctx.Done():
					return
				}
				continue
			}
			if c.FinishReason != "" {
				select {
				case ch <- backends.StreamChunk{FinishReason: c.FinishReason}:
				case <-ctx.Done():
					return
				}
			}
		}

		if err := stream.Err(); err != nil && ctx.Err() == nil {
			ch <- backends.StreamChunk{Err: toBackendError(err)}
		}
	}()

	return &backends.CompletionResult{
		BackendUsed: backendName,
		ModelUsed:   model,
		Stream:      ch,
	}, nil
}

func toBackendError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &backends.BackendError{
			Backend:    backendName,
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
