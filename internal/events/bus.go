// Package events delivers loop notifications to observers.
//
// Publish never blocks: events are queued in a bounded ring and handed to
// subscribers from the bus goroutine started by Run. When the queue is
// full the oldest pending event is dropped.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/sweeney/aps-controller/internal/logging"
	"github.com/sweeney/aps-controller/internal/metrics"
	"github.com/sweeney/aps-controller/internal/ring"
)

// Kind identifies the type of an event.
type Kind string

const (
	KindBasalProfile  Kind = "basal_profile"
	KindSuggestion    Kind = "suggestion"
	KindEnacted       Kind = "enacted"
	KindBolusFailed   Kind = "bolus_failed"
	KindLoopCompleted Kind = "loop_completed"
	KindError         Kind = "error"
)

// DefaultCapacity is the queue size used when NewBus is given zero.
const DefaultCapacity = 256

// Event is one notification. Payload depends on Kind:
//
//	basal_profile   engine.Profile
//	suggestion      aps.Suggestion
//	enacted         aps.Enacted
//	bolus_failed    BolusFailure
//	loop_completed  aps.LoopState
//	error           nil (see Err)
type Event struct {
	Kind    Kind
	Time    time.Time
	Payload any
	Err     error
}

// BolusFailure is the payload of a bolus_failed event.
type BolusFailure struct {
	Units float64 `json:"units"`
	Error string  `json:"error"`
}

// Handler receives events on the bus goroutine.
type Handler func(Event)

// Publisher is the sending side of the bus.
type Publisher interface {
	Publish(Event)
}

// Bus fans events out to subscribers.
type Bus struct {
	logger logr.Logger

	mu       sync.Mutex
	queue    *ring.Buffer[Event]
	handlers []Handler
	notify   chan struct{}
}

// NewBus creates a bus with the given queue capacity.
func NewBus(logger logr.Logger, capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		logger: logger.WithName("events"),
		queue:  ring.New[Event](capacity),
		notify: make(chan struct{}, 1),
	}
}

// Subscribe registers h for every subsequent event.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Publish queues e for delivery.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	dropped := b.queue.Push(e)
	b.mu.Unlock()

	if dropped {
		metrics.RecordEventDropped()
		b.logger.V(logging.DEBUG).Info("Event queue full, dropped oldest", "kind", e.Kind)
	}

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Run delivers queued events until ctx is done. Events still queued at
// that point are delivered before Run returns.
func (b *Bus) Run(ctx context.Context) error {
	for {
		b.drain()
		select {
		case <-ctx.Done():
			b.drain()
			return nil
		case <-b.notify:
		}
	}
}

func (b *Bus) drain() {
	for {
		b.mu.Lock()
		e, ok := b.queue.Pop()
		handlers := b.handlers
		b.mu.Unlock()
		if !ok {
			return
		}
		for _, h := range handlers {
			b.deliver(h, e)
		}
	}
}

func (b *Bus) deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error(nil, "Event handler panicked", "kind", e.Kind, "panic", r)
		}
	}()
	h(e)
}

// Recorder is a Publisher that keeps every event in memory.
// Tests use it in place of a Bus.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish records e.
func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the kinds of the recorded events in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]Kind, len(r.events))
	for i, e := range r.events {
		kinds[i] = e.Kind
	}
	return kinds
}
