package eventbus

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// EventBus is a lock-free pub/sub fan-out. Slow subscribers drop events
// rather than blocking publishers; the orchestrator's hot path must never
// wait on an observer.
type EventBus[T any] struct {
	subscribers   *xsync.Map[string, *subscriber[T]]
	isShutdown    atomic.Bool
	subscriberSeq atomic.Uint64
	bufferSize    int
}

type subscriber[T any] struct {
	id       string
	ch       chan T
	dropped  atomic.Uint64
	isActive atomic.Bool
}

type Config struct {
	BufferSize int
}

var DefaultConfig = Config{BufferSize: 128}

func New[T any]() *EventBus[T] {
	return NewWithConfig[T](DefaultConfig)
}

func NewWithConfig[T any](cfg Config) *EventBus[T] {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = DefaultConfig.BufferSize
	}
	return &EventBus[T]{
		subscribers: xsync.NewMap[string, *subscriber[T]](),
		bufferSize:  cfg.BufferSize,
	}
}

// Subscribe returns a receive channel and a cleanup function. The channel is
// closed when the subscription ends, whether via cleanup, context
// cancellation or bus shutdown.
func (eb *EventBus[T]) Subscribe(ctx context.Context) (<-chan T, func()) {
	if eb.isShutdown.Load() {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}

	id := "sub-" + strconv.FormatUint(eb.subscriberSeq.Add(1), 10)
	sub := &subscriber[T]{
		id: id,
		ch: make(chan T, eb.bufferSize),
	}
	sub.isActive.Store(true)
	eb.subscribers.Store(id, sub)

	go func() {
		<-ctx.Done()
		eb.unsubscribe(id)
	}()

	return sub.ch, func() { eb.unsubscribe(id) }
}

// Publish delivers the event to every subscriber with buffer room and
// returns the delivery count.
func (eb *EventBus[T]) Publish(event T) int {
	if eb.isShutdown.Load() {
		return 0
	}

	delivered := 0
	eb.subscribers.Range(func(id string, sub *subscriber[T]) bool {
		if !sub.isActive.Load() {
			return true
		}
		select {
		case sub.ch <- event:
			delivered++
		default:
			sub.dropped.Add(1)
		}
		return true
	})
	return delivered
}

// Dropped reports total events dropped across all live subscribers.
func (eb *EventBus[T]) Dropped() uint64 {
	var total uint64
	eb.subscribers.Range(func(id string, sub *subscriber[T]) bool {
		total += sub.dropped.Load()
		return true
	})
	return total
}

func (eb *EventBus[T]) SubscriberCount() int {
	count := 0
	eb.subscribers.Range(func(string, *subscriber[T]) bool {
		count++
		return true
	})
	return count
}

func (eb *EventBus[T]) Shutdown() {
	if !eb.isShutdown.CompareAndSwap(false, true) {
		return
	}
	eb.subscribers.Range(func(id string, sub *subscriber[T]) bool {
		eb.unsubscribe(id)
		return true
	})
}

func (eb *EventBus[T]) unsubscribe(id string) {
	sub, ok := eb.subscribers.LoadAndDelete(id)
	if !ok {
		return
	}
	if sub.isActive.CompareAndSwap(true, false) {
		// Give any in-flight Publish a moment to finish its send attempt
		// before the channel closes.
		go func() {
			time.Sleep(10 * time.Millisecond)
			close(sub.ch)
		}()
	}
}
