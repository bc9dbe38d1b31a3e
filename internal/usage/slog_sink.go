package usage

import (
	"context"
	"log/slog"
)

// SlogSink writes each event as a structured log line. It is the default sink
// when no analytics store is configured.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(log *slog.Logger) *SlogSink {
	if log == nil {
		log = slog.Default()
	}
	return &SlogSink{log: log}
}

func (s *SlogSink) Write(ctx context.Context, events []Event) error {
	for _, e := range events {
		s.log.InfoContext(ctx, "usage",
			slog.String("id", e.ID.String()),
			slog.String("request_id", e.RequestID),
			slog.String("requester_id", e.RequesterID),
			slog.String("backend", e.Backend),
			slog.String("model", e.Model),
			slog.Int("prompt_tokens", e.PromptTokens),
			slog.Int("completion_tokens", e.CompletionTokens),
			slog.Float64("cost_usd", e.CostUSD),
			slog.Bool("cached", e.Cached),
			slog.Bool("streamed", e.Streamed),
			slog.Int64("latency_ms", e.LatencyMs),
			slog.Time("created_at", e.CreatedAt),
		)
	}
	return nil
}

func (s *SlogSink) Close() error { return nil }
