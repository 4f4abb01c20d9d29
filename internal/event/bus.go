package event

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultQueueSize is the per-subscriber buffer used by NewBus.
const DefaultQueueSize = 1024

// Handler processes an event.
type Handler func(Event)

// Publisher is the sending half of the bus. Components that only emit
// events depend on this.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

// Publish calls f(e).
func (f PublisherFunc) Publish(e Event) { f(e) }

// Discard is a Publisher that drops everything.
var Discard Publisher = PublisherFunc(func(Event) {})

// subscription is one subscriber with its own delivery queue. Each
// subscriber is drained by a dedicated goroutine, so a slow handler only
// delays itself and events arrive in publish order.
type subscription struct {
	id        string
	eventType string
	handler   Handler
	queue     chan Event
	done      chan struct{}
}

// Bus fans events out to subscribers. Publish never blocks: when a
// subscriber's queue is full the event is dropped for that subscriber
// and counted.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*subscription // eventType -> subscriptions
	byID          map[string]*subscription
	nextID        atomic.Uint64
	dropped       atomic.Uint64
	queueSize     int
	closed        bool
	logger        *zap.Logger
}

// NewBus creates a bus with DefaultQueueSize.
func NewBus(logger *zap.Logger) *Bus {
	return NewBusWithQueue(logger, DefaultQueueSize)
}

// NewBusWithQueue creates a bus with the given per-subscriber buffer size.
func NewBusWithQueue(logger *zap.Logger, size int) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if size < 1 {
		size = 1
	}
	return &Bus{
		subscriptions: make(map[string][]*subscription),
		byID:          make(map[string]*subscription),
		queueSize:     size,
		logger:        logger.Named("event"),
	}
}

// Subscribe registers a handler for a specific event kind and returns the
// subscription ID for Unsubscribe. Subscribing to a closed bus returns an
// ID whose handler is never called.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	id := fmt.Sprintf("sub-%d", b.nextID.Add(1))

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return id
	}

	sub := &subscription{
		id:        id,
		eventType: eventType,
		handler:   handler,
		queue:     make(chan Event, b.queueSize),
		done:      make(chan struct{}),
	}
	b.subscriptions[eventType] = append(b.subscriptions[eventType], sub)
	b.byID[id] = sub
	go b.drain(sub)

	return id
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe("*", handler)
}

// Unsubscribe removes a subscription. Events already queued for it are
// still delivered. Returns true if the subscription existed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byID[id]
	if !ok {
		return false
	}
	delete(b.byID, id)

	subs := b.subscriptions[sub.eventType]
	for i, s := range subs {
		if s.id == id {
			b.subscriptions[sub.eventType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscriptions[sub.eventType]) == 0 {
		delete(b.subscriptions, sub.eventType)
	}
	close(sub.queue)
	return true
}

// Publish queues the event for every matching subscriber.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sub := range b.subscriptions[event.EventType()] {
		b.enqueue(sub, event)
	}
	for _, sub := range b.subscriptions["*"] {
		b.enqueue(sub, event)
	}
}

// enqueue must be called with at least the read lock held so the queue
// cannot be closed underneath it.
func (b *Bus) enqueue(sub *subscription, event Event) {
	select {
	case sub.queue <- event:
	default:
		b.dropped.Add(1)
		b.logger.Warn("subscriber queue full, dropping event",
			zap.String("subscription", sub.id),
			zap.String("event", event.EventType()))
	}
}

func (b *Bus) drain(sub *subscription) {
	defer close(sub.done)
	for event := range sub.queue {
		b.safeCall(sub, event)
	}
}

// safeCall invokes a handler with panic recovery so one misbehaving
// subscriber cannot take down the publisher's process.
func (b *Bus) safeCall(sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("subscription", sub.id),
				zap.String("event", event.EventType()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	sub.handler(event)
}

// Close removes all subscriptions and waits for queued events to be
// delivered. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.byID))
	for _, sub := range b.byID {
		close(sub.queue)
		subs = append(subs, sub)
	}
	b.subscriptions = make(map[string][]*subscription)
	b.byID = make(map[string]*subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		<-sub.done
	}
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byID)
}

// Dropped returns how many deliveries were dropped because a subscriber's
// queue was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
