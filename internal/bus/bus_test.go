package bus_test

import (
	"testing"

	"github.com/meshlink/meshmini/internal/bus"
)

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()

	b := bus.New(4)
	defer b.Close()

	sub := b.Subscribe(bus.TopicReceive)
	b.Publish(bus.TopicReceive, "hello")

	msg := <-sub.Channel()
	if msg.Topic != bus.TopicReceive || msg.Payload != "hello" {
		t.Errorf("got %+v", msg)
	}
}

func TestTopicIsolation(t *testing.T) {
	t.Parallel()

	b := bus.New(4)
	defer b.Close()

	rx := b.Subscribe(bus.TopicReceive)
	txt := b.Subscribe(bus.TopicReceiveText)

	b.Publish(bus.TopicReceiveText, 42)

	select {
	case msg := <-txt.Channel():
		if msg.Payload != 42 {
			t.Errorf("payload = %v", msg.Payload)
		}
	default:
		t.Fatal("text subscriber got nothing")
	}

	select {
	case msg := <-rx.Channel():
		t.Errorf("receive subscriber got %+v, want nothing", msg)
	default:
	}
}

func TestFullQueueDropsOldest(t *testing.T) {
	t.Parallel()

	b := bus.New(2)
	defer b.Close()

	sub := b.Subscribe(bus.TopicReceive)
	for i := range 5 {
		b.Publish(bus.TopicReceive, i)
	}

	// The newest messages survive; the publisher never blocked.
	first := <-sub.Channel()
	second := <-sub.Channel()
	if first.Payload == 0 && second.Payload == 1 {
		t.Errorf("queue kept oldest entries %v, %v", first.Payload, second.Payload)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	b := bus.New(2)
	defer b.Close()

	sub := b.Subscribe(bus.TopicReceive)
	sub.Unsubscribe()

	if _, open := <-sub.Channel(); open {
		t.Error("channel still open after Unsubscribe")
	}

	// Publishing to an unsubscribed topic must not panic.
	b.Publish(bus.TopicReceive, "late")
}

func TestCloseIdempotent(t *testing.T) {
	t.Parallel()

	b := bus.New(2)
	sub := b.Subscribe(bus.TopicReceive)

	b.Close()
	b.Close()

	if _, open := <-sub.Channel(); open {
		t.Error("channel still open after Close")
	}
	if got := b.Subscribe(bus.TopicReceive); got != nil {
		t.Error("Subscribe after Close returned a subscription")
	}
	b.Publish(bus.TopicReceive, "late")
}
