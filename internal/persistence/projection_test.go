package persistence

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/meshrelay/meshrelay/internal/bus"
	"github.com/meshrelay/meshrelay/internal/connectors"
	"github.com/meshrelay/meshrelay/internal/domain"
)

type recordingWriter struct {
	mu    sync.Mutex
	nodes []domain.Node
	fails int
}

func (w *recordingWriter) SaveNode(_ context.Context, n domain.Node) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fails > 0 {
		w.fails--
		return errors.New("database is locked")
	}
	w.nodes = append(w.nodes, n)
	return nil
}

func (w *recordingWriter) saved() []domain.Node {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]domain.Node(nil), w.nodes...)
}

func TestNodeProjectionPersistsNamedNodes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(logger)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := NewWriterQueue(logger, 8)
	queue.Start(ctx)
	writer := &recordingWriter{fails: 1}
	StartNodeProjection(ctx, b, queue, writer)

	bus.Send(b, connectors.NodeInfo, domain.NodeUpdate{Node: domain.Node{NodeID: "!00000001"}})
	bus.Send(b, connectors.NodeInfo, domain.NodeUpdate{Node: domain.Node{NodeID: "!00000002", LongName: "Alice", ShortName: "AL"}})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(writer.saved()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	saved := writer.saved()
	if len(saved) != 1 || saved[0].NodeID != "!00000002" {
		t.Fatalf("expected only the named node to be saved after retry, got %+v", saved)
	}
}

func TestWriterQueueFlushesOnStop(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	queue := NewWriterQueue(logger, 4)

	var (
		mu  sync.Mutex
		ran []string
	)
	for _, name := range []string{"a", "b"} {
		name := name
		queue.Enqueue(name, func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			ran = append(ran, name)
			return nil
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	queue.Start(ctx)
	select {
	case <-queue.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("writer queue did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ran) != 2 {
		t.Fatalf("expected queued writes to be flushed, got %v", ran)
	}
}

func TestWriterQueueDropsWhenFull(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	queue := NewWriterQueue(logger, 1)

	queue.Enqueue("first", func(context.Context) error { return nil })
	done := make(chan struct{})
	go func() {
		queue.Enqueue("second", func(context.Context) error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("enqueue blocked on a full queue")
	}
	if len(queue.pending) != 1 {
		t.Fatalf("expected one queued write, got %d", len(queue.pending))
	}
}

func TestWriterQueueRetriesFailedWrite(t *testing.T) {
	queue := NewWriterQueue(slog.New(slog.NewTextHandler(io.Discard, nil)), 1)

	var (
		mu       sync.Mutex
		attempts int
	)
	succeeded := make(chan struct{})
	queue.Enqueue("flaky", func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < writeAttempts {
			return errors.New("database is locked")
		}
		close(succeeded)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	queue.Start(ctx)
	select {
	case <-succeeded:
	case <-time.After(3 * time.Second):
		t.Fatalf("write was not retried to success")
	}
}
