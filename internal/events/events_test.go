package events

import (
	"testing"

	"meritd/internal/merit"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus()
	ch1, cancel1 := bus.Subscribe(4)
	ch2, cancel2 := bus.Subscribe(4)
	defer cancel1()
	defer cancel2()

	bus.Publish(Event{Kind: KindHeatmapUpdated, Payload: "main"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			if evt.Kind != KindHeatmapUpdated || evt.Payload.(string) != "main" {
				t.Errorf("subscriber %d got %+v", i, evt)
			}
		default:
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(Event{Kind: KindListeningChanged, Payload: true})
	bus.Publish(Event{Kind: KindListeningChanged, Payload: false})

	first := <-ch
	if first.Payload.(bool) != true {
		t.Error("first event lost")
	}
	select {
	case evt := <-ch:
		t.Errorf("overflow event delivered: %+v", evt)
	default:
	}
}

func TestCancelUnsubscribesAndIsIdempotent(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	if bus.SubscriberCount() != 1 {
		t.Fatalf("count = %d", bus.SubscriberCount())
	}

	cancel()
	cancel()
	if bus.SubscriberCount() != 0 {
		t.Errorf("count after cancel = %d", bus.SubscriberCount())
	}

	// Channel is closed; publishing must not panic or deliver.
	bus.Publish(Event{Kind: KindStatsUpdated, Payload: merit.MeritStatsLite{}})
	if _, open := <-ch; open {
		t.Error("channel still open after cancel")
	}
}
