package ingest

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// Outcome label values for ingest_events_total.
const (
	outcomeOK        = "ok"
	outcomeError     = "error"
	outcomePanic     = "panic"
	outcomeUnhandled = "unhandled"
	outcomeDropped   = "dropped"
)

var ingestEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ingest_events_total",
		Help: "Live events processed by type and outcome.",
	},
	[]string{"type", "outcome"},
)

func init() {
	prometheus.MustRegister(ingestEvents)
}

// Handler processes one event. Returned errors and panics are logged by the
// dispatcher and never reach the event source.
type Handler func(ctx context.Context, ev Event) error

// Dispatcher routes events to handlers by type. Events sharing a key run one
// at a time in arrival order; events with different keys run concurrently,
// bounded by a weighted semaphore.
type Dispatcher struct {
	ctx      context.Context
	handlers map[EventType]Handler
	sem      *semaphore.Weighted

	mu     sync.Mutex
	lanes  map[string][]Event
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher builds a dispatcher whose handlers run under ctx with at
// most concurrency handlers in flight.
func NewDispatcher(ctx context.Context, concurrency int, handlers map[EventType]Handler) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	table := make(map[EventType]Handler, len(handlers))
	for t, h := range handlers {
		if h != nil {
			table[t] = h
		}
	}
	return &Dispatcher{
		ctx:      ctx,
		handlers: table,
		sem:      semaphore.NewWeighted(int64(concurrency)),
		lanes:    make(map[string][]Event),
	}
}

// Dispatch queues ev and returns immediately. It reports false when the
// event was not accepted (no handler for its type, or the dispatcher is closed).
func (d *Dispatcher) Dispatch(ev Event) bool {
	if _, ok := d.handlers[ev.Type]; !ok {
		ingestEvents.WithLabelValues(string(ev.Type), outcomeUnhandled).Inc()
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		ingestEvents.WithLabelValues(string(ev.Type), outcomeDropped).Inc()
		return false
	}
	key := ev.Key()
	queue, running := d.lanes[key]
	d.lanes[key] = append(queue, ev)
	if !running {
		d.wg.Add(1)
		go d.drain(key)
	}
	return true
}

// drain runs the queued events of one lane until it is empty.
func (d *Dispatcher) drain(key string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		queue := d.lanes[key]
		if len(queue) == 0 {
			delete(d.lanes, key)
			d.mu.Unlock()
			return
		}
		ev := queue[0]
		d.lanes[key] = queue[1:]
		d.mu.Unlock()

		err := d.ctx.Err()
		if err == nil {
			err = d.sem.Acquire(d.ctx, 1)
		}
		if err != nil {
			ingestEvents.WithLabelValues(string(ev.Type), outcomeDropped).Inc()
			log.Warn().Str("event", string(ev.Type)).Str("message_id", ev.MessageID).Msg("dispatcher stopped, event dropped")
			continue
		}
		d.run(ev)
		d.sem.Release(1)
	}
}

func (d *Dispatcher) run(ev Event) {
	outcome := outcomeOK
	defer func() {
		if rec := recover(); rec != nil {
			outcome = outcomePanic
			log.Error().
				Str("event", string(ev.Type)).
				Str("message_id", ev.MessageID).
				Str("channel_id", ev.ChannelID).
				Str("panic", fmt.Sprint(rec)).
				Bytes("stack", debug.Stack()).
				Msg("event handler panicked")
		}
		ingestEvents.WithLabelValues(string(ev.Type), outcome).Inc()
	}()

	if err := d.handlers[ev.Type](d.ctx, ev); err != nil {
		outcome = outcomeError
		log.Error().
			Err(err).
			Str("event", string(ev.Type)).
			Str("message_id", ev.MessageID).
			Str("channel_id", ev.ChannelID).
			Msg("event handler failed")
	}
}

// Close stops accepting events and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
