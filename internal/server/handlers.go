package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/parleyhq/completion-gateway/internal/backends"
	"github.com/parleyhq/completion-gateway/internal/gateway"
	"github.com/parleyhq/completion-gateway/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"
)

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	inboundRequest struct {
		Model       string           `json:"model"`
		Backend     string           `json:"backend"`
		Messages    []inboundMessage `json:"messages"`
		Stream      bool             `json:"stream"`
		Temperature float64          `json:"temperature"`
		MaxTokens   int              `json:"max_tokens"`
		Cache       *bool            `json:"cache"` // default true for non-streaming
		User        string           `json:"user"`  // requester id
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Backend string           `json:"backend"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}
)

// handleChatCompletions is the core handler for POST /v1/chat/completions.
func (s *Server) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	const route = "chat_completions"
	streaming := false

	if s.metrics != nil {
		s.metrics.IncInFlight()
	}
	defer func() {
		if s.metrics == nil || streaming {
			return // streams are finalised by the stream writer
		}
		s.metrics.DecInFlight()
		s.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	var in inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.WriteInvalidRequest(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}
	if len(in.Messages) == 0 {
		apierr.WriteInvalidRequest(ctx, "field 'messages' is required")
		return
	}

	turns := make([]backends.ChatTurn, len(in.Messages))
	for i, m := range in.Messages {
		turns[i] = backends.ChatTurn{Role: m.Role, Content: m.Content}
	}

	cacheable := !in.Stream
	if in.Cache != nil {
		cacheable = *in.Cache && !in.Stream
	}

	req := &backends.CompletionRequest{
		Turns:       turns,
		Backend:     in.Backend,
		Model:       in.Model,
		Temperature: in.Temperature,
		MaxTokens:   in.MaxTokens,
		Streaming:   in.Stream,
		Cacheable:   cacheable,
		RequesterID: in.User,
		Tier:        string(ctx.Request.Header.Peek("X-Tier")),
		RequestID:   reqID,
	}

	s.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("backend", in.Backend),
		slog.String("model", in.Model),
		slog.Bool("stream", in.Stream),
	)

	res, err := s.gw.Complete(ctx, req)
	if err != nil {
		s.log.WarnContext(ctx, "completion_failed",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		writeGatewayError(ctx, err)
		return
	}

	if in.Stream && res.Stream != nil {
		streaming = true
		s.writeSSE(ctx, res, func() {
			if s.metrics != nil {
				// End-to-end duration is measured until stream drain.
				s.metrics.ObserveHTTP(route, fasthttp.StatusOK, time.Since(start))
				s.metrics.DecInFlight()
			}
		})
		return
	}

	out := outboundResponse{
		ID:      "chatcmpl-" + reqID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   res.ModelUsed,
		Backend: res.BackendUsed,
		Choices: []outboundChoice{
			{
				Index:        0,
				Message:      outboundMessage{Role: backends.RoleAssistant, Content: res.Content},
				FinishReason: res.FinishReason,
			},
		},
		Usage: outboundUsage{
			PromptTokens:     res.PromptTokens,
			CompletionTokens: res.CompletionTokens,
			TotalTokens:      res.TotalTokens,
		},
	}

	if res.Cached {
		ctx.Response.Header.Set("X-Cache", xCacheHIT)
	} else {
		ctx.Response.Header.Set("X-Cache", xCacheMISS)
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	writeJSON(ctx, out)
}

// handleModels lists the models currently served, filtered by the caller's
// tier.
func (s *Server) handleModels(ctx *fasthttp.RequestCtx) {
	tier := string(ctx.Request.Header.Peek("X-Tier"))
	models := s.gw.ListAvailableModels(tier)
	writeJSON(ctx, map[string]any{
		"object": "list",
		"data":   models,
	})
}

// handleCost answers GET /v1/cost?backend=…&model=…&prompt_tokens=…&completion_tokens=…
func (s *Server) handleCost(ctx *fasthttp.RequestCtx) {
	args := ctx.QueryArgs()
	backend := string(args.Peek("backend"))
	model := string(args.Peek("model"))
	if backend == "" || model == "" {
		apierr.WriteInvalidRequest(ctx, "query params 'backend' and 'model' are required")
		return
	}
	promptTokens := args.GetUintOrZero("prompt_tokens")
	completionTokens := args.GetUintOrZero("completion_tokens")

	cost := s.gw.EstimateCost(backend, model, promptTokens, completionTokens)
	writeJSON(ctx, map[string]any{
		"backend":            backend,
		"model":              model,
		"prompt_tokens":      promptTokens,
		"completion_tokens":  completionTokens,
		"estimated_cost_usd": cost,
	})
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok", "version": s.version})
		return
	}
	writeJSON(ctx, s.health.Snapshot())
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.health == nil || s.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

// writeSSE renders the chunk stream as Server-Sent Events. A sentinel error
// chunk becomes an SSE error event; the stream always terminates with
// "data: [DONE]". onDone runs once the stream drains.
func (s *Server) writeSSE(ctx *fasthttp.RequestCtx, res *backends.CompletionResult, onDone func()) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	model := res.ModelUsed
	stream := res.Stream

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		for chunk := range stream {
			if chunk.Err != nil {
				ev := map[string]any{
					"error": map[string]string{
						"message": chunk.Err.Error(),
						"type":    apierr.TypeBackendError,
						"code":    apierr.CodeBackendError,
					},
				}
				data, _ := json.Marshal(ev)
				fmt.Fprintf(w, "data: %s\n\n", data)
				w.Flush() //nolint:errcheck
				break
			}

			delta := map[string]any{
				"id":      "chatcmpl-stream",
				"object":  "chat.completion.chunk",
				"created": time.Now().Unix(),
				"model":   model,
				"choices": []map[string]any{
					{
						"index": 0,
						"delta": map[string]string{"content": chunk.Content},
						"finish_reason": func() any {
							if chunk.FinishReason != "" {
								return chunk.FinishReason
							}
							return nil
						}(),
					},
				},
			}
			data, _ := json.Marshal(delta)
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush() //nolint:errcheck
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		if onDone != nil {
			onDone()
		}
	})
}

// writeGatewayError maps router errors to the client-facing status:
//
//	ValidationError           → 400
//	QuotaExceededError        → 429 + Retry-After until the window resets
//	AllBackendsExhaustedError → 502 (504 when the last failure was a timeout)
//	context deadline exceeded → 504
//	anything else             → 500
func writeGatewayError(ctx *fasthttp.RequestCtx, err error) {
	var ve *gateway.ValidationError
	if errors.As(err, &ve) {
		apierr.WriteInvalidRequest(ctx, ve.Message)
		return
	}

	var qe *gateway.QuotaExceededError
	if errors.As(err, &qe) {
		apierr.WriteQuotaExceeded(ctx, err.Error(), int(time.Until(qe.ResetAt).Seconds()))
		return
	}

	var ae *gateway.AllBackendsExhaustedError
	if errors.As(err, &ae) {
		if errors.Is(ae.Last, context.DeadlineExceeded) {
			apierr.WriteTimeout(ctx)
			return
		}
		apierr.WriteBackendsExhausted(ctx, err.Error())
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}

	apierr.Write(ctx, fasthttp.StatusInternalServerError,
		"internal server error", apierr.TypeServerError, apierr.CodeInternalError)
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
