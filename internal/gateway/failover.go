package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/parleyhq/completion-gateway/internal/backends"
)

// dispatch walks the candidate backends for req, retrying transient failures
// on the same backend before moving to the next one.
//
// Candidate order is primary first, then the registry's configured backends in
// health order, each at most once. Per backend, up to maxAttempts attempts are
// made with 0/200ms/500ms pauses between them; NotConfigured and permanent
// (4xx) errors advance to the next backend immediately. Every upstream attempt
// is reported to the registry's health tracker.
//
// Returns the first successful result, or AllBackendsExhaustedError once every
// candidate has failed.
func (g *Gateway) dispatch(ctx context.Context, req *backends.CompletionRequest, primary string) (*backends.CompletionResult, error) {
	candidates := g.candidateList(primary)

	perBackend := make(map[string]error, len(candidates))
	var lastErr error
	totalAttempts := 0

	prevFailed := ""
	prevReason := ""

	for _, name := range candidates {
		h := g.registry.Handle(name)
		if !h.Configured {
			err := &backends.NotConfiguredError{Backend: name}
			perBackend[name] = err
			lastErr = err
			g.log.WarnContext(ctx, "backend_not_configured",
				slog.String("request_id", req.RequestID),
				slog.String("backend", name),
			)
			continue
		}
		if req.Streaming && !h.Capabilities.Streaming {
			continue
		}

		// We are switching to a different backend after a failure.
		if prevFailed != "" && prevFailed != name {
			if g.metrics != nil {
				g.metrics.RecordFailover(prevFailed, name, prevReason)
			}
		}

		attemptReq := g.requestFor(req, name, primary)

		for attempt := 0; attempt < g.maxAttempts; attempt++ {
			if attempt > 0 {
				if err := sleepCtx(ctx, backends.BackoffSteps(attempt)); err != nil {
					return nil, err
				}
				if g.metrics != nil {
					g.metrics.RecordRetry(name)
				}
			}

			start := time.Now()
			res, err := g.attemptOnce(ctx, h, attemptReq)
			dur := time.Since(start)
			totalAttempts++
			g.registry.ReportAttempt(name, err == nil)

			if err == nil {
				if g.metrics != nil {
					g.metrics.ObserveBackendAttempt(name, "success", dur)
				}
				if name != primary {
					g.log.InfoContext(ctx, "failover_success",
						slog.String("request_id", req.RequestID),
						slog.String("from", primary),
						slog.String("to", name),
						slog.Int64("latency_ms", dur.Milliseconds()),
					)
				}
				return res, nil
			}

			reason := backends.ClassifyError(err)
			if g.metrics != nil {
				g.metrics.ObserveBackendAttempt(name, reason, dur)
				g.metrics.RecordError(name, reason)
			}
			g.log.WarnContext(ctx, "backend_attempt_failed",
				slog.String("request_id", req.RequestID),
				slog.String("backend", name),
				slog.Int("attempt", attempt+1),
				slog.String("reason", reason),
				slog.Int64("latency_ms", dur.Milliseconds()),
				slog.String("error", err.Error()),
			)

			lastErr = err
			perBackend[name] = err
			prevFailed = name
			prevReason = reason

			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !backends.IsTransient(err) {
				break // permanent for this backend, try the next one
			}
		}
	}

	if g.metrics != nil {
		g.metrics.RecordFailoverExhausted(primary)
	}
	return nil, &AllBackendsExhaustedError{
		Attempts: totalAttempts,
		Errors:   perBackend,
		Last:     lastErr,
	}
}

// candidateList returns primary followed by the remaining configured backends
// in the registry's health order, deduped.
func (g *Gateway) candidateList(primary string) []string {
	seen := map[string]bool{primary: true}
	out := []string{primary}
	for _, name := range g.registry.ListConfigured() {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// requestFor adapts req for one candidate. An explicitly requested model is
// honored only on the backend it was requested for; failover targets get their
// own default model.
func (g *Gateway) requestFor(req *backends.CompletionRequest, name, primary string) *backends.CompletionRequest {
	r := *req
	r.Backend = name
	if name != primary || r.Model == "" {
		r.Model = backends.DefaultModels[name]
	}
	return &r
}

// attemptOnce performs a single backend call. Non-streaming calls are bounded
// by the per-call timeout; streaming calls run under the caller's context and
// are committed once the first chunk arrives.
func (g *Gateway) attemptOnce(ctx context.Context, h *backends.Handle, req *backends.CompletionRequest) (*backends.CompletionResult, error) {
	b := h.Backend()

	if !req.Streaming {
		callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
		defer cancel()
		return b.Complete(callCtx, req)
	}

	res, err := b.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return commitStream(ctx, res)
}

// commitStream pulls the first chunk of a streaming result. An error sentinel
// in first position means the stream never produced output — the attempt is
// reported as failed and remains eligible for retry and failover. A successful
// first chunk commits the stream: it is re-emitted on a fresh channel followed
// by the remaining chunks, and any later failure reaches the consumer as a
// sentinel chunk rather than a retry.
func commitStream(ctx context.Context, res *backends.CompletionResult) (*backends.CompletionResult, error) {
	if res.Stream == nil {
		return nil, &backends.BackendError{
			Backend: res.BackendUsed,
			Message: "streaming requested but backend returned no stream",
		}
	}

	select {
	case first, ok := <-res.Stream:
		if !ok {
			// Stream closed before producing anything: an empty completion.
			empty := make(chan backends.StreamChunk)
			close(empty)
			committed := *res
			committed.Stream = empty
			return &committed, nil
		}
		if first.Err != nil {
			return nil, first.Err
		}

		out := make(chan backends.StreamChunk, backends.StreamBuffer)
		go func() {
			defer close(out)
			out <- first
			for {
				select {
				case c, ok := <-res.Stream:
					if !ok {
						return
					}
					select {
					case out <- c:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()

		committed := *res
		committed.Stream = out
		return &committed, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
