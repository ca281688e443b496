// Package outbox holds outbound messages while the Gateway is unreachable.
//
// The Queue is a bounded FIFO. When full, the oldest message is dropped and
// failed with protocol.ErrQueueOverflow. Messages written to the wire move
// to an in-flight set until acknowledged; on connection loss they are put
// back at the front in their original order. Every message ends acknowledged
// or failed, and observers see every status change.
package outbox

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rickgao/moltzer/internal/protocol"
)

// Config configures a Queue.
type Config struct {
	Capacity     int           // max queued messages
	MaxAttempts  int           // delivery attempts before a message fails
	TTL          time.Duration // max age of a queued message
	AckCacheSize int           // acknowledged idempotency keys remembered
}

// DefaultConfig returns the default queue settings.
func DefaultConfig() Config {
	return Config{
		Capacity:     100,
		MaxAttempts:  3,
		TTL:          5 * time.Minute,
		AckCacheSize: 1024,
	}
}

// Observer is notified after every status change.
type Observer func(m *Message, status Status)

// Stats contains queue statistics.
type Stats struct {
	Queued       int
	Inflight     int
	Capacity     int
	TotalQueued  int64
	Sent         int64
	Acknowledged int64
	Failed       int64
	Overflowed   int64
	Expired      int64
	Requeued     int64
	Deduplicated int64
}

type notification struct {
	msg    *Message
	status Status
}

// Queue is a bounded FIFO of outbound messages.
type Queue struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	buf      []*Message
	head     int // read position
	count    int
	inflight map[string]*Message
	order    []string // in-flight ids in send order

	acked *lru.Cache[string, json.RawMessage]

	obsMu     sync.RWMutex
	observers []Observer

	stats Stats
}

// NewQueue creates a Queue.
func NewQueue(cfg Config, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Capacity < 1 {
		cfg.Capacity = def.Capacity
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.AckCacheSize < 1 {
		cfg.AckCacheSize = def.AckCacheSize
	}

	acked, _ := lru.New[string, json.RawMessage](cfg.AckCacheSize)

	return &Queue{
		cfg:      cfg,
		logger:   logger,
		buf:      make([]*Message, cfg.Capacity),
		inflight: make(map[string]*Message),
		acked:    acked,
	}
}

// Observe registers an observer for status changes.
func (q *Queue) Observe(o Observer) {
	q.obsMu.Lock()
	defer q.obsMu.Unlock()
	q.observers = append(q.observers, o)
}

// Push appends m. If the queue is full the oldest queued message is evicted,
// failed with protocol.ErrQueueOverflow, and returned.
func (q *Queue) Push(m *Message) (evicted *Message) {
	q.mu.Lock()
	var notes []notification

	if q.count == q.cfg.Capacity {
		evicted = q.popFront()
		if evicted.transition(StatusFailed, nil, protocol.ErrQueueOverflow) {
			q.stats.Failed++
			q.stats.Overflowed++
			notes = append(notes, notification{evicted, StatusFailed})
		}
	}

	q.buf[(q.head+q.count)%q.cfg.Capacity] = m
	q.count++
	q.stats.TotalQueued++
	notes = append(notes, notification{m, StatusQueued})
	q.mu.Unlock()

	if evicted != nil {
		q.logger.Warn("outbound queue full, dropped oldest message",
			"id", evicted.ID,
			"method", evicted.Method,
			"capacity", q.cfg.Capacity,
		)
	}
	q.notify(notes)
	return evicted
}

// Pop removes and returns the oldest queued message.
func (q *Queue) Pop() (*Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil, false
	}
	return q.popFront(), true
}

// popFront must be called with the lock held and count > 0.
func (q *Queue) popFront() *Message {
	m := q.buf[q.head]
	q.buf[q.head] = nil // Clear reference for GC
	q.head = (q.head + 1) % q.cfg.Capacity
	q.count--
	return m
}

// pushFront must be called with the lock held. When the queue is full the
// message is itself the oldest, so it is failed instead of queued.
func (q *Queue) pushFront(m *Message) []notification {
	if q.count == q.cfg.Capacity {
		if m.transition(StatusFailed, nil, protocol.ErrQueueOverflow) {
			q.stats.Failed++
			q.stats.Overflowed++
			return []notification{{m, StatusFailed}}
		}
		return nil
	}

	q.head = (q.head - 1 + q.cfg.Capacity) % q.cfg.Capacity
	q.buf[q.head] = m
	q.count++
	if m.transition(StatusQueued, nil, nil) {
		return []notification{{m, StatusQueued}}
	}
	return nil
}

// MarkSent moves m to the in-flight set as it is written to the wire. It
// returns false if m already reached a terminal status.
func (q *Queue) MarkSent(m *Message) bool {
	q.mu.Lock()
	ok := m.transition(StatusSent, nil, nil)
	if ok {
		q.inflight[m.ID] = m
		q.order = append(q.order, m.ID)
		q.stats.Sent++
	}
	q.mu.Unlock()

	if ok {
		q.notify([]notification{{m, StatusSent}})
	}
	return ok
}

// Ack marks a message acknowledged with the response payload. The message
// is normally in flight, but may already be requeued after a disconnect.
func (q *Queue) Ack(id string, response json.RawMessage) bool {
	q.mu.Lock()
	m, ok := q.takeInflight(id)
	if !ok {
		m, ok = q.removeQueued(id)
	}
	if ok && m.transition(StatusAcknowledged, response, nil) {
		q.stats.Acknowledged++
		if m.IdempotencyKey != "" {
			q.acked.Add(m.IdempotencyKey, response)
		}
	} else {
		ok = false
	}
	q.mu.Unlock()

	if ok {
		q.notify([]notification{{m, StatusAcknowledged}})
	}
	return ok
}

// Fail marks a queued or in-flight message failed.
func (q *Queue) Fail(id string, err error) bool {
	q.mu.Lock()
	m, ok := q.takeInflight(id)
	if !ok {
		m, ok = q.removeQueued(id)
	}
	if ok && m.transition(StatusFailed, nil, err) {
		q.stats.Failed++
	} else {
		ok = false
	}
	q.mu.Unlock()

	if ok {
		q.logger.Debug("outbound message failed", "id", id, "method", m.Method, "error", err)
		q.notify([]notification{{m, StatusFailed}})
	}
	return ok
}

// FailMessage fails m wherever it is: queued, in flight, or already
// taken off the queue for delivery.
func (q *Queue) FailMessage(m *Message, err error) bool {
	q.mu.Lock()
	if _, ok := q.takeInflight(m.ID); !ok {
		q.removeQueued(m.ID)
	}
	ok := m.transition(StatusFailed, nil, err)
	if ok {
		q.stats.Failed++
	}
	q.mu.Unlock()

	if ok {
		q.notify([]notification{{m, StatusFailed}})
	}
	return ok
}

// Retry puts an in-flight message back at the front of the queue, or fails
// it with cause once it has used all its attempts.
func (q *Queue) Retry(id string, cause error) bool {
	q.mu.Lock()
	m, ok := q.takeInflight(id)
	if !ok {
		q.mu.Unlock()
		return false
	}
	notes := q.requeueOrFail(m, cause)
	q.mu.Unlock()

	q.notify(notes)
	return true
}

// RequeueInflight puts every in-flight message back at the front of the
// queue in the order they were sent. Used after a connection drops.
func (q *Queue) RequeueInflight() int {
	q.mu.Lock()
	var notes []notification
	n := 0
	for i := len(q.order) - 1; i >= 0; i-- {
		m, ok := q.inflight[q.order[i]]
		if !ok {
			continue
		}
		delete(q.inflight, m.ID)
		notes = append(notes, q.requeueOrFail(m, protocol.ErrConnectionLost)...)
		n++
	}
	q.order = q.order[:0]
	q.mu.Unlock()

	q.notify(notes)
	return n
}

// requeueOrFail must be called with the lock held.
func (q *Queue) requeueOrFail(m *Message, cause error) []notification {
	if m.Attempts() >= q.cfg.MaxAttempts {
		err := fmt.Errorf("giving up after %d attempts: %w", m.Attempts(), cause)
		if m.transition(StatusFailed, nil, err) {
			q.stats.Failed++
			return []notification{{m, StatusFailed}}
		}
		return nil
	}
	q.stats.Requeued++
	return q.pushFront(m)
}

// Expire fails every queued message older than the TTL and returns them.
func (q *Queue) Expire(now time.Time) []*Message {
	q.mu.Lock()
	var expired []*Message
	var notes []notification

	kept := 0
	for i := 0; i < q.count; i++ {
		idx := (q.head + i) % q.cfg.Capacity
		m := q.buf[idx]
		if m.expired(now, q.cfg.TTL) {
			if m.transition(StatusFailed, nil, protocol.ErrMessageExpired) {
				q.stats.Failed++
				q.stats.Expired++
				notes = append(notes, notification{m, StatusFailed})
			}
			expired = append(expired, m)
			continue
		}
		q.buf[(q.head+kept)%q.cfg.Capacity] = m
		kept++
	}
	for i := kept; i < q.count; i++ {
		q.buf[(q.head+i)%q.cfg.Capacity] = nil
	}
	q.count = kept
	q.mu.Unlock()

	if len(expired) > 0 {
		q.logger.Warn("outbound messages expired", "count", len(expired), "ttl", q.cfg.TTL)
	}
	q.notify(notes)
	return expired
}

// FailAll fails every queued and in-flight message with err.
func (q *Queue) FailAll(err error) int {
	q.mu.Lock()
	var notes []notification

	for _, id := range q.order {
		if m, ok := q.inflight[id]; ok && m.transition(StatusFailed, nil, err) {
			q.stats.Failed++
			notes = append(notes, notification{m, StatusFailed})
		}
	}
	q.inflight = make(map[string]*Message)
	q.order = q.order[:0]

	for q.count > 0 {
		m := q.popFront()
		if m.transition(StatusFailed, nil, err) {
			q.stats.Failed++
			notes = append(notes, notification{m, StatusFailed})
		}
	}
	q.mu.Unlock()

	q.notify(notes)
	return len(notes)
}

// IsAcked reports whether a message with this idempotency key was acknowledged.
func (q *Queue) IsAcked(idempotencyKey string) bool {
	if idempotencyKey == "" {
		return false
	}
	return q.acked.Contains(idempotencyKey)
}

// AckDuplicate acknowledges m without sending it if its idempotency key was
// already acknowledged, settling it with the first acknowledgement's
// response. It reports whether m was settled.
func (q *Queue) AckDuplicate(m *Message) bool {
	if m.IdempotencyKey == "" {
		return false
	}
	response, ok := q.acked.Get(m.IdempotencyKey)
	if !ok {
		return false
	}
	if !m.transition(StatusAcknowledged, response, nil) {
		return false
	}

	q.mu.Lock()
	q.stats.Acknowledged++
	q.stats.Deduplicated++
	q.mu.Unlock()

	q.notify([]notification{{m, StatusAcknowledged}})
	return true
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Inflight returns the number of messages awaiting acknowledgement.
func (q *Queue) Inflight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Snapshot returns the queued messages, oldest first.
func (q *Queue) Snapshot() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Message, q.count)
	for i := 0; i < q.count; i++ {
		out[i] = q.buf[(q.head+i)%q.cfg.Capacity]
	}
	return out
}

// Stats returns queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Queued = q.count
	s.Inflight = len(q.inflight)
	s.Capacity = q.cfg.Capacity
	return s
}

// takeInflight must be called with the lock held.
func (q *Queue) takeInflight(id string) (*Message, bool) {
	m, ok := q.inflight[id]
	if !ok {
		return nil, false
	}
	delete(q.inflight, id)
	for i, oid := range q.order {
		if oid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return m, true
}

// removeQueued must be called with the lock held.
func (q *Queue) removeQueued(id string) (*Message, bool) {
	for i := 0; i < q.count; i++ {
		idx := (q.head + i) % q.cfg.Capacity
		if q.buf[idx].ID != id {
			continue
		}
		m := q.buf[idx]
		for j := i; j < q.count-1; j++ {
			q.buf[(q.head+j)%q.cfg.Capacity] = q.buf[(q.head+j+1)%q.cfg.Capacity]
		}
		q.buf[(q.head+q.count-1)%q.cfg.Capacity] = nil
		q.count--
		return m, true
	}
	return nil, false
}

func (q *Queue) notify(notes []notification) {
	if len(notes) == 0 {
		return
	}
	q.obsMu.RLock()
	observers := q.observers
	q.obsMu.RUnlock()

	for _, n := range notes {
		for _, o := range observers {
			o(n.msg, n.status)
		}
	}
}
