package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus(logr.Discard(), 16)

	var mu sync.Mutex
	var got []Kind
	done := make(chan struct{})
	bus.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e.Kind)
		n := len(got)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	bus.Publish(Event{Kind: KindSuggestion})
	bus.Publish(Event{Kind: KindEnacted})
	bus.Publish(Event{Kind: KindLoopCompleted})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []Kind{KindSuggestion, KindEnacted, KindLoopCompleted}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("delivered kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestBusPublishDoesNotBlockWithoutRunner(t *testing.T) {
	bus := NewBus(logr.Discard(), 2)

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Kind: KindError})
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked with no runner")
	}
}

func TestBusDropsOldestWhenFull(t *testing.T) {
	bus := NewBus(logr.Discard(), 2)

	var got []Kind
	bus.Subscribe(func(e Event) { got = append(got, e.Kind) })

	bus.Publish(Event{Kind: KindBasalProfile})
	bus.Publish(Event{Kind: KindSuggestion})
	bus.Publish(Event{Kind: KindEnacted})

	// Run with an already cancelled context delivers what is queued and returns.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bus.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []Kind{KindSuggestion, KindEnacted}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("delivered kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestBusSurvivesPanickingHandler(t *testing.T) {
	bus := NewBus(logr.Discard(), 4)

	var delivered int
	bus.Subscribe(func(Event) { panic("observer bug") })
	bus.Subscribe(func(Event) { delivered++ })

	bus.Publish(Event{Kind: KindError})
	bus.Publish(Event{Kind: KindError})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = bus.Run(ctx)

	if delivered != 2 {
		t.Errorf("delivered: got %d, want 2", delivered)
	}
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Publish(Event{Kind: KindSuggestion})
	r.Publish(Event{Kind: KindError})

	if diff := cmp.Diff([]Kind{KindSuggestion, KindError}, r.Kinds()); diff != "" {
		t.Errorf("kinds mismatch (-want +got):\n%s", diff)
	}
	if len(r.Events()) != 2 {
		t.Errorf("Events: got %d, want 2", len(r.Events()))
	}
}
