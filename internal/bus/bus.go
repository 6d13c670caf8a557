// Package bus is the in-process topic bus connecting the radio, chat and
// relay components. Payloads are typed per topic through Topic[T].
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cskr/pubsub"
)

// topicBuffer is the per-subscriber channel capacity. pubsub delivers from
// one goroutine, so a full subscriber channel stalls every topic; Consume
// keeps its channel drained for that reason.
const topicBuffer = 256

// MessageBus is the untyped surface behind Send and Consume.
type MessageBus interface {
	Publish(topic string, msg any)
	Subscribe(topic string) chan any
	Unsubscribe(sub chan any, topic string)
	Close()
}

// PubSubBus implements MessageBus on cskr/pubsub.
type PubSubBus struct {
	ps     *pubsub.PubSub
	log    *slog.Logger
	closed atomic.Bool
}

func New(logger *slog.Logger) *PubSubBus {
	return &PubSubBus{ps: pubsub.New(topicBuffer), log: logger}
}

func (b *PubSubBus) Publish(topic string, msg any) {
	if b.closed.Load() {
		b.log.Debug("bus closed, message discarded", "topic", topic, "type", fmt.Sprintf("%T", msg))
		return
	}
	b.log.Debug("publish", "topic", topic, "type", fmt.Sprintf("%T", msg))
	b.ps.Pub(msg, topic)
}

func (b *PubSubBus) Subscribe(topic string) chan any {
	b.log.Debug("subscribe", "topic", topic)
	return b.ps.Sub(topic)
}

// Unsubscribe blocks until the pubsub loop handles it, which may require the
// subscriber to keep reading.
func (b *PubSubBus) Unsubscribe(sub chan any, topic string) {
	if b.closed.Load() {
		return
	}
	b.ps.Unsub(sub, topic)
	b.log.Debug("unsubscribe", "topic", topic)
}

// Close shuts the bus down and closes every subscriber channel. Safe to call twice.
func (b *PubSubBus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.ps.Shutdown()
}

// Topic names a bus topic whose payloads are of type T.
type Topic[T any] string

func Send[T any](b MessageBus, topic Topic[T], msg T) {
	b.Publish(string(topic), msg)
}

// Consume runs handler for each payload on topic, in publish order, until
// ctx is done or the bus closes. The subscription exists when Consume
// returns; the returned channel closes after the last handler call.
// Payloads wait in a per-consumer backlog while handler is busy, so a slow
// handler delays only its own topic.
func Consume[T any](ctx context.Context, b MessageBus, topic Topic[T], handler func(T)) <-chan struct{} {
	sub := b.Subscribe(string(topic))
	pending := newBacklog[T]()
	finished := make(chan struct{})

	go func() {
		defer pending.close()
		for {
			select {
			case raw, ok := <-sub:
				if !ok {
					return
				}
				if msg, ok := raw.(T); ok {
					pending.push(msg)
				}
			case <-ctx.Done():
				go b.Unsubscribe(sub, string(topic))
				for range sub {
				}
				return
			}
		}
	}()

	go func() {
		defer close(finished)
		for {
			msg, ok := pending.pop(ctx)
			if !ok {
				return
			}
			handler(msg)
		}
	}()

	return finished
}

// backlog is an unbounded FIFO between a subscription and its handler.
type backlog[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	ready  chan struct{}
}

func newBacklog[T any]() *backlog[T] {
	return &backlog[T]{ready: make(chan struct{}, 1)}
}

func (q *backlog[T]) push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.wake()
}

// close lets pop drain what is queued and then report false.
func (q *backlog[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *backlog[T]) wake() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *backlog[T]) pop(ctx context.Context) (T, bool) {
	var zero T
	for {
		if ctx.Err() != nil {
			return zero, false
		}

		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return zero, false
		}

		select {
		case <-q.ready:
		case <-ctx.Done():
			return zero, false
		}
	}
}
