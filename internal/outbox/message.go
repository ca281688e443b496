package outbox

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the delivery state of a Message.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusSent         Status = "sent"
	StatusAcknowledged Status = "acknowledged"
	StatusFailed       Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusAcknowledged || s == StatusFailed
}

// Message is an outbound request awaiting delivery.
type Message struct {
	ID             string // request id on the wire, stable across attempts
	Method         string
	Params         json.RawMessage
	IdempotencyKey string
	CreatedAt      time.Time
	Deadline       time.Time // zero means no caller deadline

	mu       sync.Mutex
	status   Status
	attempts int
	err      error
	response json.RawMessage
	done     chan struct{}
}

// NewMessage builds a queued message with a fresh id.
func NewMessage(method string, params json.RawMessage, idempotencyKey string) *Message {
	return &Message{
		ID:             uuid.NewString(),
		Method:         method,
		Params:         params,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now(),
		status:         StatusQueued,
		done:           make(chan struct{}),
	}
}

// Status returns the current delivery state.
func (m *Message) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Attempts returns how many times the message was written to the wire.
func (m *Message) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Err returns the failure reason once the message has failed.
func (m *Message) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Done is closed when the message reaches a terminal status.
func (m *Message) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until the message is acknowledged or failed, or ctx is done.
func (m *Message) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-m.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.response, m.err
}

// transition moves the message to status. It returns false if the message
// is already terminal.
func (m *Message) transition(status Status, response json.RawMessage, err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status.Terminal() {
		return false
	}

	m.status = status
	switch status {
	case StatusSent:
		m.attempts++
	case StatusAcknowledged:
		m.response = response
		close(m.done)
	case StatusFailed:
		m.err = err
		close(m.done)
	}
	return true
}

func (m *Message) expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(m.CreatedAt) >= ttl
}
