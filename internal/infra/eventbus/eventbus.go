// Package eventbus is an in-process publish/subscribe bus.
//
// Each subscription is a buffered channel. Publish never blocks: when a
// subscriber's buffer is full the event is dropped for that subscriber and
// counted. Events are not persisted.
package eventbus

import (
	"sync"
	"sync/atomic"
)

// Topics published by the application.
const (
	TopicPlanGenerated = "plan.generated"
)

// Event is a single published message.
type Event struct {
	Topic   string
	Payload any
}

// EventBus is implemented by Bus.
type EventBus interface {
	Publish(topic string, payload any)
	Subscribe(topic string) <-chan Event
	Unsubscribe(topic string, ch <-chan Event)
}

const defaultBufferSize = 100

// Bus is the in-memory EventBus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Event
	bufferSize  int
	dropped     atomic.Int64
}

// New returns a Bus with the default per-subscriber buffer.
func New() *Bus {
	return NewWithBuffer(defaultBufferSize)
}

// NewWithBuffer returns a Bus whose subscriber channels hold size events.
func NewWithBuffer(size int) *Bus {
	if size < 1 {
		size = 1
	}
	return &Bus{
		subscribers: make(map[string][]chan Event),
		bufferSize:  size,
	}
}

// Subscribe registers a subscriber for topic. The caller must drain the
// channel or Unsubscribe it.
func (b *Bus) Subscribe(topic string) <-chan Event {
	ch := make(chan Event, b.bufferSize)
	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes ch from topic and closes it.
func (b *Bus) Unsubscribe(topic string, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[topic]
	for i, c := range subs {
		if c == ch {
			b.subscribers[topic] = append(subs[:i:i], subs[i+1:]...)
			close(c)
			return
		}
	}
}

// Publish delivers payload to every subscriber of topic without blocking.
func (b *Bus) Publish(topic string, payload any) {
	evt := Event{Topic: topic, Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers[topic] {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped is the number of deliveries skipped because a buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
