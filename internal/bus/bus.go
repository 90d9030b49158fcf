// Package bus provides a small in-process publish/subscribe fabric. The
// radio adapter publishes every inbound packet on the "receive" and
// "receive.text" topics in addition to invoking its direct callback; packet
// intake subscribes to both delivery paths and deduplicates, because the
// underlying transport has been observed to deliver on only one of them.
package bus

import (
	"sync"
)

// Topics used by the receive path.
const (
	TopicReceive     = "receive"
	TopicReceiveText = "receive.text"
)

// Message is one published event.
type Message struct {
	Topic   string
	Payload any
}

// Subscription is a registered listener on one topic. Messages are delivered
// on Channel; a subscriber that falls behind loses the oldest pending
// messages rather than blocking the publisher.
type Subscription struct {
	topic string
	ch    chan Message
	bus   *Bus
	once  sync.Once
}

// Channel returns the delivery channel. It is closed on Unsubscribe and on
// bus Close.
func (s *Subscription) Channel() <-chan Message { return s.ch }

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Unsubscribe detaches the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s)
}

// Bus routes messages from publishers to topic subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*Subscription
	qLen   int
	closed bool
}

// New creates a bus whose subscriptions buffer up to queueLen messages.
func New(queueLen int) *Bus {
	if queueLen <= 0 {
		queueLen = 8
	}
	return &Bus{
		subs: make(map[string][]*Subscription),
		qLen: queueLen,
	}
}

// Subscribe registers a listener on topic. Returns nil after Close.
func (b *Bus) Subscribe(topic string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	sub := &Subscription{
		topic: topic,
		ch:    make(chan Message, b.qLen),
		bus:   b,
	}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub
}

// Publish delivers payload to every subscriber of topic. Never blocks: when
// a subscriber's queue is full, the oldest pending message is dropped to
// make room.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	msg := Message{Topic: topic, Payload: payload}
	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- msg:
		default:
			// Evict the oldest entry, then retry once.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- msg:
			default:
			}
		}
	}
}

// remove detaches one subscription and closes its channel exactly once.
func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	list := b.subs[sub.topic]
	for i, s := range list {
		if s == sub {
			b.subs[sub.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	sub.once.Do(func() { close(sub.ch) })
}

// Close detaches all subscriptions and closes their channels. Publishing
// after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, list := range b.subs {
		for _, sub := range list {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	b.subs = make(map[string][]*Subscription)
}
