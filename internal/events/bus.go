package events

import (
	"sync"
)

// Message tags a payload with the topic it was published on, for subscribers
// listening across every topic at once.
type Message struct {
	Topic   Event `json:"topic"`
	Payload any   `json:"payload"`
}

// Bus fans published events out to per-topic subscribers and to firehose
// subscribers that take everything. Publishing never blocks: a subscriber
// whose buffer is full loses the message, the trading path does not wait.
type Bus struct {
	mu     sync.RWMutex
	topics map[Event][]chan any
	all    []chan Message
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{topics: make(map[Event][]chan any)}
}

// Subscribe registers a listener for one topic and returns the channel and an
// unsubscribe function. Unsubscribing closes the channel.
func (b *Bus) Subscribe(topic Event, buffer int) (<-chan any, func()) {
	ch := make(chan any, buffer)
	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], ch)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.topics[topic]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.topics[topic] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
	return ch, unsub
}

// SubscribeAll registers a firehose listener that receives every topic,
// tagged with its Message.Topic. Used by the websocket stream and the
// metrics monitor.
func (b *Bus) SubscribeAll(buffer int) (<-chan Message, func()) {
	ch := make(chan Message, buffer)
	b.mu.Lock()
	b.all = append(b.all, ch)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, c := range b.all {
			if c == ch {
				close(c)
				b.all = append(b.all[:i], b.all[i+1:]...)
				return
			}
		}
	}
	return ch, unsub
}

// Publish delivers the payload to the topic's subscribers and to every
// firehose subscriber, dropping where a buffer is full.
func (b *Bus) Publish(topic Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.topics[topic] {
		select {
		case ch <- payload:
		default:
			// slow subscriber, drop
		}
	}
	for _, ch := range b.all {
		select {
		case ch <- Message{Topic: topic, Payload: payload}:
		default:
		}
	}
}
