// Package requestlog records the chat request lifecycle (sent, accepted,
// declined) to external sinks: the airline backend, PostgreSQL and RabbitMQ.
// Recording is asynchronous; a slow or failing sink never holds up the
// WebSocket event path.
package requestlog

import (
	"context"
	"log"
	"sync"
	"time"
)

// Event kinds.
const (
	KindSent     = "sent"
	KindAccepted = "accepted"
	KindDeclined = "declined"
)

// Event is one lifecycle step of a chat request.
type Event struct {
	Kind     string    `json:"event"`
	FromSeat string    `json:"fromSeat"`
	ToSeat   string    `json:"toSeat"`
	Room     string    `json:"room,omitempty"`
	At       time.Time `json:"at"`
}

// Sink persists or forwards events.
type Sink interface {
	Name() string
	Record(ctx context.Context, ev Event) error
}

// Recorder fans events out to its sinks from a single background goroutine.
type Recorder struct {
	sinks   []Sink
	events  chan Event
	timeout time.Duration

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRecorder returns a recorder with a queue of size buffer. Each sink call
// is bounded by timeout.
func NewRecorder(buffer int, timeout time.Duration, sinks ...Sink) *Recorder {
	return &Recorder{
		sinks:   sinks,
		events:  make(chan Event, buffer),
		timeout: timeout,
	}
}

// Start launches the delivery goroutine.
func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.run()
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for ev := range r.events {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := s.Record(ctx, ev); err != nil {
				log.Printf("[requestlog] %s: %s %s->%s: %v", s.Name(), ev.Kind, ev.FromSeat, ev.ToSeat, err)
			}
			cancel()
		}
	}
}

// Record queues ev. When the queue is full the event is dropped.
func (r *Recorder) Record(ev Event) {
	if len(r.sinks) == 0 {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case r.events <- ev:
	default:
		log.Printf("[requestlog] queue full, dropping %s %s->%s", ev.Kind, ev.FromSeat, ev.ToSeat)
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
// Record must not be called after Close.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.events)
		r.wg.Wait()
	})
}
