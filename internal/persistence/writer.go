package persistence

import (
	"context"
	"log/slog"
	"time"

	"github.com/meshrelay/meshrelay/internal/backoff"
)

const (
	defaultQueueSize = 256
	writeAttempts    = 3
	drainDeadline    = 2 * time.Second
)

var writeRetry = backoff.Policy{Initial: 300 * time.Millisecond, Multiplier: 1, Step: 300 * time.Millisecond, Max: time.Second}

type pendingWrite struct {
	label string
	run   func(ctx context.Context) error
}

// WriterQueue serializes name cache writes on one goroutine so relay
// handlers never wait on SQLite.
type WriterQueue struct {
	log     *slog.Logger
	pending chan pendingWrite
	stopped chan struct{}
}

func NewWriterQueue(logger *slog.Logger, size int) *WriterQueue {
	if size <= 0 {
		size = defaultQueueSize
	}

	return &WriterQueue{
		log:     logger,
		pending: make(chan pendingWrite, size),
		stopped: make(chan struct{}),
	}
}

// Enqueue does not block. A write that finds the queue full is dropped; the
// periodic name refresh rewrites everything it knows anyway.
func (q *WriterQueue) Enqueue(label string, run func(context.Context) error) {
	select {
	case q.pending <- pendingWrite{label: label, run: run}:
	default:
		q.log.Warn("name cache write dropped, queue full", "write", label)
	}
}

// Start consumes writes until ctx ends, then drains what is still queued
// under a short deadline and closes Done.
func (q *WriterQueue) Start(ctx context.Context) {
	go func() {
		defer close(q.stopped)
		for {
			select {
			case w := <-q.pending:
				q.apply(ctx, w)
			case <-ctx.Done():
				q.drain()
				return
			}
		}
	}()
}

// Done closes after Start's goroutine has drained and exited.
func (q *WriterQueue) Done() <-chan struct{} {
	return q.stopped
}

func (q *WriterQueue) apply(ctx context.Context, w pendingWrite) {
	retry := writeRetry.Start()
	for attempt := 1; ; attempt++ {
		err := w.run(ctx)
		if err == nil {
			return
		}
		q.log.Error("name cache write failed", "write", w.label, "attempt", attempt, "error", err)
		if attempt == writeAttempts {
			return
		}
		if !backoff.Sleep(ctx, retry.Next()) {
			return
		}
	}
}

func (q *WriterQueue) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainDeadline)
	defer cancel()
	for {
		select {
		case w := <-q.pending:
			if err := w.run(ctx); err != nil {
				q.log.Warn("name cache write failed while draining", "write", w.label, "error", err)
			}
		default:
			return
		}
	}
}
