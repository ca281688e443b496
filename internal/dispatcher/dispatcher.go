// Package dispatcher fans Gateway events out to subscribed handlers.
//
// Handlers for an event run synchronously in registration order, followed by
// wildcard handlers. Events are delivered in arrival order; sequence gaps and
// out-of-order numbers are flagged on the Delivery but never corrected.
package dispatcher

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/moltzer/internal/protocol"
)

// Wildcard subscribes a handler to every event.
const Wildcard = "*"

// Delivery is one event handed to handlers, annotated with sequence state.
type Delivery struct {
	Event      protocol.Event
	Stream     string    // sequence stream key, empty when the event has no seq
	Gap        bool      // numbers were skipped before this event
	GapSize    int64     // how many were skipped
	OutOfOrder bool      // seq was not above the last one seen on the stream
	Malformed  bool      // payload stream fields did not decode
	ReceivedAt time.Time // local receive time
}

// Handler consumes deliveries. Handlers must not block for long; they run
// on the connection's read path, one at a time.
type Handler func(Delivery)

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	d     *Dispatcher
	id    uint64
	event string
	once  sync.Once
}

// Unsubscribe removes the handler. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.d.remove(s.event, s.id)
	})
}

type entry struct {
	id      uint64
	handler Handler
}

// Stats contains dispatcher statistics.
type Stats struct {
	Dispatched    int64
	Unhandled     int64
	Gaps          int64
	OutOfOrder    int64
	Malformed     int64
	HandlerPanics int64
	Streams       int
}

// Dispatcher routes events by name.
type Dispatcher struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]entry
	nextID   uint64

	// Sequence tracking (per stream)
	seqMu   sync.Mutex
	lastSeq map[string]int64

	statsMu sync.Mutex
	stats   Stats
}

// New creates a Dispatcher.
func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:   logger,
		handlers: make(map[string][]entry),
		lastSeq:  make(map[string]int64),
	}
}

// Subscribe registers h for event, or for every event when event is Wildcard.
func (d *Dispatcher) Subscribe(event string, h Handler) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	d.handlers[event] = append(d.handlers[event], entry{id: id, handler: h})

	return &Subscription{d: d, id: id, event: event}
}

func (d *Dispatcher) remove(event string, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries := d.handlers[event]
	for i, e := range entries {
		if e.id == id {
			// Copy so in-flight snapshots keep their view.
			next := make([]entry, 0, len(entries)-1)
			next = append(next, entries[:i]...)
			next = append(next, entries[i+1:]...)
			if len(next) == 0 {
				delete(d.handlers, event)
			} else {
				d.handlers[event] = next
			}
			return
		}
	}
}

// Dispatch delivers evt to its handlers and returns the delivery they saw.
func (d *Dispatcher) Dispatch(evt protocol.Event, receivedAt time.Time) Delivery {
	delivery := Delivery{Event: evt, ReceivedAt: receivedAt}

	seq, stream, ok, err := sequenceOf(evt)
	if err != nil {
		delivery.Malformed = true
		d.logger.Debug("malformed event payload",
			"event", evt.Event,
			"error", err,
		)
	}
	if ok {
		delivery.Stream = stream
		delivery.Gap, delivery.GapSize, delivery.OutOfOrder = d.checkSequence(stream, seq)
	}

	d.mu.RLock()
	specific := d.handlers[evt.Event]
	wildcard := d.handlers[Wildcard]
	d.mu.RUnlock()

	d.statsMu.Lock()
	d.stats.Dispatched++
	if len(specific)+len(wildcard) == 0 {
		d.stats.Unhandled++
	}
	if delivery.Gap {
		d.stats.Gaps++
	}
	if delivery.OutOfOrder {
		d.stats.OutOfOrder++
	}
	if delivery.Malformed {
		d.stats.Malformed++
	}
	d.statsMu.Unlock()

	for _, e := range specific {
		d.invoke(e, delivery)
	}
	if evt.Event != Wildcard {
		for _, e := range wildcard {
			d.invoke(e, delivery)
		}
	}

	return delivery
}

// invoke runs one handler, containing panics so later handlers still run.
func (d *Dispatcher) invoke(e entry, delivery Delivery) {
	defer func() {
		if r := recover(); r != nil {
			d.statsMu.Lock()
			d.stats.HandlerPanics++
			d.statsMu.Unlock()
			d.logger.Error("event handler panicked",
				"event", delivery.Event.Event,
				"panic", r,
			)
		}
	}()
	e.handler(delivery)
}

// checkSequence compares seq against the last number seen on stream.
func (d *Dispatcher) checkSequence(stream string, seq int64) (gap bool, gapSize int64, outOfOrder bool) {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()

	last, exists := d.lastSeq[stream]
	if !exists {
		d.lastSeq[stream] = seq
		return false, 0, false
	}

	switch {
	case seq == last+1:
		d.lastSeq[stream] = seq
		return false, 0, false

	case seq > last+1:
		gapSize = seq - last - 1
		d.logger.Warn("sequence gap detected",
			"stream", stream,
			"expected", last+1,
			"got", seq,
			"gap", gapSize,
		)
		d.lastSeq[stream] = seq
		return true, gapSize, false

	default:
		d.logger.Warn("out-of-order event",
			"stream", stream,
			"last", last,
			"got", seq,
		)
		return false, 0, true
	}
}

// ResetSequences forgets all stream positions. Called after reconnecting,
// since the Gateway restarts numbering on a new connection.
func (d *Dispatcher) ResetSequences() {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	d.lastSeq = make(map[string]int64)
}

// ForgetStream drops the position of one stream, e.g. when a run ends.
func (d *Dispatcher) ForgetStream(stream string) {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	delete(d.lastSeq, stream)
}

// Stats returns dispatcher statistics.
func (d *Dispatcher) Stats() Stats {
	d.statsMu.Lock()
	s := d.stats
	d.statsMu.Unlock()

	d.seqMu.Lock()
	s.Streams = len(d.lastSeq)
	d.seqMu.Unlock()
	return s
}

// streamKeys are the payload fields that identify an independent stream.
type streamKeys struct {
	RunID      string `json:"runId"`
	SessionKey string `json:"sessionKey"`
	Seq        *int64 `json:"seq"`
}

// sequenceOf extracts the sequence number and stream key of evt. The frame
// seq takes precedence over a seq carried in the payload. An object payload
// whose stream fields have the wrong types yields an error; the frame seq,
// if any, is still returned under the event-wide stream.
func sequenceOf(evt protocol.Event) (seq int64, stream string, ok bool, err error) {
	var keys streamKeys
	if len(evt.Payload) > 0 && evt.Payload[0] == '{' {
		if err = json.Unmarshal(evt.Payload, &keys); err != nil {
			keys = streamKeys{}
		}
	}

	switch {
	case evt.Seq != nil:
		seq = *evt.Seq
	case keys.Seq != nil:
		seq = *keys.Seq
	default:
		return 0, "", false, err
	}

	return seq, StreamKey(evt.Event, keys.RunID, keys.SessionKey), true, err
}

// StreamKey builds the key sequence numbers are tracked under.
func StreamKey(event, runID, sessionKey string) string {
	switch {
	case runID != "":
		return event + "/run:" + runID
	case sessionKey != "":
		return event + "/session:" + sessionKey
	}
	return event
}
