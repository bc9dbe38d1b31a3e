// Package usage implements a non-blocking, batched usage recorder.
//
// Completed requests are written to an internal buffered channel and flushed
// to a sink in batches by a background goroutine — so recording never blocks
// the completion hot path. If the channel fills up (> 10 000 events), new
// events are dropped and counted in Dropped.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Event is one completed (or failed) completion request.
type Event struct {
	ID               uuid.UUID
	RequestID        string
	RequesterID      string
	Backend          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	Cached           bool
	Streamed         bool
	LatencyMs        int64
	CreatedAt        time.Time
}

// Sink persists a batch of events. Sink errors are logged and the batch
// discarded; usage recording is best-effort and must never surface to the
// request path.
type Sink interface {
	Write(ctx context.Context, events []Event) error
	Close() error
}

type Recorder struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx context.Context
	sink    Sink
	log     *slog.Logger
}

func NewRecorder(ctx context.Context, sink Sink, slogger *slog.Logger) (*Recorder, error) {
	if ctx == nil {
		return nil, fmt.Errorf("usage: context must not be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("usage: sink must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	r := &Recorder{
		ch:      make(chan Event, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		sink:    sink,
		log:     slogger,
	}

	r.wg.Add(1)
	go r.run()

	return r, nil
}

// Record enqueues an event without blocking. Events arriving when the buffer
// is full are dropped.
func (r *Recorder) Record(e Event) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	select {
	case r.ch <- e:
	default:
		atomic.AddInt64(&r.dropped, 1)
	}
}

// Dropped returns the number of events discarded because the buffer was full.
func (r *Recorder) Dropped() int64 {
	return atomic.LoadInt64(&r.dropped)
}

// Close drains buffered events, flushes the final batch, and closes the sink.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
	return r.sink.Close()
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := r.sink.Write(ctx, batch); err != nil {
			r.log.WarnContext(ctx, "usage_sink_error",
				slog.Int("batch_size", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-r.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush(r.baseCtx)
			}

		case <-ticker.C:
			flush(r.baseCtx)

		case <-r.done:
			for {
				select {
				case e := <-r.ch:
					batch = append(batch, e)
					if len(batch) >= batchSize {
						flush(r.baseCtx)
					}
				default:
					flush(r.baseCtx)
					return
				}
			}
		}
	}
}
