package audit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"edgegate/internal/observability"
)

const publishTimeout = 5 * time.Second

// Sink receives dispatched events. Publisher implements it.
type Sink interface {
	Publish(ctx context.Context, event *Event) error
}

// Dispatcher decouples request handling from the broker. Record never
// blocks: when the buffer is full the event is dropped and counted. A nil
// Dispatcher is valid and records nothing, which is how the gate runs
// when no broker is configured.
type Dispatcher struct {
	sink   Sink
	events chan *Event
	stop   chan struct{}
	done   chan struct{}
	closed atomic.Bool
}

// NewDispatcher starts the delivery goroutine. A non-positive buffer
// falls back to 256.
func NewDispatcher(sink Sink, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	d := &Dispatcher{
		sink:   sink,
		events: make(chan *Event, buffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Record queues the event for delivery, stamping its ID and timestamp.
func (d *Dispatcher) Record(event *Event) {
	if d == nil || d.closed.Load() {
		return
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}

	select {
	case d.events <- event:
	default:
		observability.AuditEventsDropped.Inc()
		slog.Warn("audit event dropped, buffer full", slog.String("kind", event.Kind))
	}
}

// Close stops accepting events, drains the buffer, and waits for delivery
// to finish.
func (d *Dispatcher) Close() {
	if d == nil || d.closed.Swap(true) {
		return
	}
	close(d.stop)
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case event := <-d.events:
			d.publish(event)
		case <-d.stop:
			for {
				select {
				case event := <-d.events:
					d.publish(event)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) publish(event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := d.sink.Publish(ctx, event); err != nil {
		slog.Warn("failed to publish audit event",
			slog.String("kind", event.Kind),
			slog.String("error", err.Error()))
	}
}
