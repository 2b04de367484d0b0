package events

import (
	"testing"
)

func TestTopicSubscription(t *testing.T) {
	b := NewBus()
	fills, unsub := b.Subscribe(EventFill, 4)
	defer unsub()

	b.Publish(EventFill, "f1")
	b.Publish(EventOrderSent, "ignored")

	select {
	case got := <-fills:
		if got != "f1" {
			t.Fatalf("got %v", got)
		}
	default:
		t.Fatal("fill not delivered")
	}
	select {
	case got := <-fills:
		t.Fatalf("cross-topic delivery: %v", got)
	default:
	}
}

func TestSubscribeAllTagsTopics(t *testing.T) {
	b := NewBus()
	stream, unsub := b.SubscribeAll(4)
	defer unsub()

	b.Publish(EventOrderCreated, "o1")
	b.Publish(EventRiskAlert, "a1")

	want := []Message{
		{Topic: EventOrderCreated, Payload: "o1"},
		{Topic: EventRiskAlert, Payload: "a1"},
	}
	for _, w := range want {
		select {
		case got := <-stream:
			if got != w {
				t.Fatalf("got %+v, want %+v", got, w)
			}
		default:
			t.Fatalf("missing %+v", w)
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := NewBus()
	_, unsubTopic := b.Subscribe(EventFill, 1)
	defer unsubTopic()
	_, unsubAll := b.SubscribeAll(1)
	defer unsubAll()

	// Buffers hold one message; the rest must drop, not wedge the publisher.
	for i := 0; i < 10; i++ {
		b.Publish(EventFill, i)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	stream, unsub := b.SubscribeAll(1)
	unsub()

	if _, ok := <-stream; ok {
		t.Fatal("channel not closed on unsubscribe")
	}
	// Publishing after unsubscribe reaches nobody and must not panic.
	b.Publish(EventFill, "late")
}
