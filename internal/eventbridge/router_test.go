package eventbridge

import (
	"errors"
	"testing"
)

func TestRouterBuffersAndFlushes(t *testing.T) {
	router := NewRouter(RouterWithSubscriberCapacity(4))
	first := Event{EventID: "evt-1", RunID: "run", Node: "sim.GSDTask:0", Type: TypeProgress}
	second := Event{EventID: "evt-2", RunID: "run", Node: "sim.GSDTask:0", Type: TypeFinished}
	router.Route(first)
	router.Route(second)
	sub := router.Subscribe("run")
	defer sub.Close()
	got1 := <-sub.Events
	if got1.EventID != first.EventID {
		t.Fatalf("expected first buffered event, got %s", got1.EventID)
	}
	got2 := <-sub.Events
	if got2.EventID != second.EventID {
		t.Fatalf("expected second buffered event, got %s", got2.EventID)
	}
}

func TestRouterDedupeByEventID(t *testing.T) {
	forwarded := 0
	router := NewRouter(RouterWithForward(EventProcessorFunc(func(Event) error {
		forwarded++
		return nil
	})))
	sub := router.Subscribe("run")
	defer sub.Close()
	event := Event{EventID: "evt-1", RunID: "run", Node: "sim.GSDTask:0", Type: TypeProgress}
	router.Route(event)
	router.Route(event)
	select {
	case got := <-sub.Events:
		if got.EventID != event.EventID {
			t.Fatalf("unexpected event: %s", got.EventID)
		}
	default:
		t.Fatalf("expected first delivery")
	}
	select {
	case <-sub.Events:
		t.Fatalf("duplicate event delivered")
	default:
	}
	if forwarded != 1 {
		t.Fatalf("expected one forwarded event, got %d", forwarded)
	}
}

func TestRouterReturnsForwardErrors(t *testing.T) {
	router := NewRouter(RouterWithForward(EventProcessorFunc(func(Event) error {
		return errors.New("disk full")
	})))
	if err := router.HandleEvent(Event{EventID: "evt-1", Node: "n", Type: TypeProgress}); err == nil {
		t.Fatalf("expected forward error")
	}
}

func TestRouterDropsOldestProgressOnOverflow(t *testing.T) {
	router := NewRouter(RouterWithSubscriberCapacity(1))
	sub := router.Subscribe("run")
	defer sub.Close()
	oldest := Event{EventID: "evt-1", RunID: "run", Type: TypeProgress}
	critical := Event{EventID: "evt-2", RunID: "run", Type: TypeFinished}
	router.Route(oldest)
	router.Route(critical)
	if got := <-sub.Events; got.EventID != critical.EventID {
		t.Fatalf("expected finished event to replace oldest, got %s", got.EventID)
	}
}

func TestRouterDropsIncomingWhenOldestFinished(t *testing.T) {
	router := NewRouter(RouterWithSubscriberCapacity(1))
	sub := router.Subscribe("run")
	defer sub.Close()
	oldest := Event{EventID: "evt-1", RunID: "run", Type: TypeFinished}
	droppable := Event{EventID: "evt-2", RunID: "run", Type: TypeProgress}
	router.Route(oldest)
	router.Route(droppable)
	if got := <-sub.Events; got.EventID != oldest.EventID {
		t.Fatalf("expected oldest finished event to remain, got %s", got.EventID)
	}
	select {
	case <-sub.Events:
		t.Fatalf("unexpected extra event")
	default:
	}
}
