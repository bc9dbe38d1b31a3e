// Package anthropic implements the backends.Backend adapter for the Anthropic
// Messages API (official SDK).
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/parleyhq/completion-gateway/internal/backends"
)

const (
	backendName      = "anthropic"
	defaultMaxTokens = 4096
)

type Backend struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
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

	b.client = anthropic.NewClient(clientOpts...)
	return b
}

func (b *Backend) Name() string { return backendName }

func (b *Backend) HealthCheck(ctx context.Context) error {
	_, err := b.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toBackendError(err))
	}
	return nil
}

func (b *Backend) Complete(ctx context.Context, req *backends.CompletionRequest) (*backends.CompletionResult, error) {
	params := buildParams(req)
	if req.Streaming {
		return b.streamCompletion(ctx, req.Model, params)
	}
	return b.completion(ctx, params)
}

// buildParams folds system turns into the Messages API system prompt; the
// remaining turns map 1:1 onto user/assistant messages.
func buildParams(req *backends.CompletionRequest) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Turns))

	for _, t := range req.Turns {
		switch strings.ToLower(t.Role) {
		case backends.RoleSystem:
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += t.Content
		default:
			msgs = append(msgs, toSDKMessage(t.Role, t.Content))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	anthRole := anthropic.MessageParamRoleUser
	if strings.ToLower(role) == backends.RoleAssistant {
		anthRole = anthropic.MessageParamRoleAssistant
	}
	return anthropic.MessageParam{
		Role: anthRole,
		Content: []anthropic.ContentBlockParamUnion{
			{OfText: &anthropic.TextBlockParam{Text: content}},
		},
	}
}

func (b *Backend) completion(ctx context.Context, params anthropic.MessageNewParams) (*backends.CompletionResult, error) {
	msg, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return nil, toBackendError(err)
	}

	// Concatenate every text block; tool-use and other block types carry no
	// chat text.
	var sb strings.Builder
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	prompt := int(msg.Usage.InputTokens)
	completion := int(msg.Usage.OutputTokens)

	return &backends.CompletionResult{
		Content:          sb.String(),
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
		FinishReason:     string(msg.StopReason),
		BackendUsed:      backendName,
		ModelUsed:        string(msg.Model),
	}, nil
}

// streamCompletion forwards text deltas only; message_start, content_block
// boundaries, and other control events carry no text and are dropped.
func (b *Backend) streamCompletion(
	ctx context.Context,
	model string,
	params anthropic.MessageNewParams,
) (*backends.CompletionResult, error) {
	ch := make(chan backends.StreamChunk, backends.StreamBuffer)
	stream := b.client.Messages.NewStreaming(ctx, params)

	go func() {
		defer close(ch)

		for stream.Next() {
			ev := stream.Current()
			switch eventVariant := ev.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				var text string
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					text = deltaVariant.Text
				case *anthropic.TextDelta:
					text = deltaVariant.Text
				}
				if text == "" {
					continue
				}
				select {
				case ch <- backends.StreamChunk{Content: text}:
				case <-ctx.Done():
					return
				}
			case anthropic.MessageDeltaEvent:
				if reason := string(eventVariant.Delta.StopReason); reason != "" {
					select {
					case ch <- backends.StreamChunk{FinishReason: reason}:
					case <-ctx.Done():
						return
					}
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
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &backends.BackendError{
			Backend:    backendName,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}
