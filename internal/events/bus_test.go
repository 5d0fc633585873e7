package events_test

import (
	"testing"
	"time"

	"github.com/crucible-ai/crucible/internal/events"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := events.NewBus()
	a, cancelA := bus.Subscribe(4)
	defer cancelA()
	b, cancelB := bus.Subscribe(4)
	defer cancelB()

	bus.Publish(events.Event{Type: events.RequestStarted, Provider: "mock"})

	for _, ch := range []<-chan events.Event{a, b} {
		select {
		case ev := <-ch:
			if ev.Type != events.RequestStarted || ev.Provider != "mock" {
				t.Fatalf("got %+v", ev)
			}
			if ev.Time.IsZero() {
				t.Fatal("publish must stamp a time")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber never received the event")
		}
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := events.NewBus()
	_, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			bus.Publish(events.Event{Type: events.RequestStarted})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if bus.Dropped() == 0 {
		t.Fatal("overflow events must be counted as dropped")
	}
}

func TestCancelDetachesSubscriber(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(4)
	cancel()
	cancel() // idempotent

	if _, open := <-ch; open {
		t.Fatal("cancel must close the channel")
	}
	bus.Publish(events.Event{Type: events.RequestStarted})
}
