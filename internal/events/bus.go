// Package events provides the in-process event bus the upload engine
// subscribes to, and the websocket account stream that feeds it server
// push signals.
package events

import (
	"log/slog"
	"sync"
)

// Topic identifies an event stream on the bus.
type Topic string

const (
	// TopicLocalPhotosDeleted carries the local IDs of media removed
	// from the device. The scheduler drops matching queued items.
	TopicLocalPhotosDeleted Topic = "local-photos-deleted"
	// TopicSubscriptionPurchased signals that the account gained an
	// active subscription; the URL pool resets its refill coalescer.
	TopicSubscriptionPurchased Topic = "subscription-purchased"
	// TopicLocalPhotosUpdated carries freshly uploaded file records for
	// UI refresh. Published by the foreground worker only.
	TopicLocalPhotosUpdated Topic = "local-photos-updated"
)

// Event is a published message. Payload type depends on the topic:
// []string local IDs for deletions, nil for subscription purchase, the
// updated file record for photo updates.
type Event struct {
	Topic   Topic
	Payload any
}

// subscriberBuffer bounds each subscriber channel. Publish never
// blocks; a full subscriber drops the event with a warning.
const subscriberBuffer = 64

// Bus is a topic-based in-process pub/sub hub.
type Bus struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[Topic][]chan Event
	closed bool
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}

	return &Bus{
		logger: logger,
		subs:   map[Topic][]chan Event{},
	}
}

// Subscribe registers interest in a topic. The returned channel is
// closed when the bus shuts down. cancel removes the subscription.
func (b *Bus) Subscribe(topic Topic) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)

		return ch, func() {}
	}

	b.subs[topic] = append(b.subs[topic], ch)

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		chans := b.subs[topic]
		for i, c := range chans {
			if c == ch {
				b.subs[topic] = append(chans[:i], chans[i+1:]...)
				close(c)

				return
			}
		}
	}

	return ch, cancel
}

// Publish delivers an event to all current subscribers of its topic.
// Delivery is non-blocking: a subscriber that has fallen behind loses
// the event.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	ev := Event{Topic: topic, Payload: payload}

	for _, ch := range b.subs[topic] {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("event dropped for slow subscriber",
				slog.String("topic", string(topic)),
			)
		}
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}

	b.subs = map[Topic][]chan Event{}
}
