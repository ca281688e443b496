package history

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/moltzer/internal/dispatcher"
	"github.com/rickgao/moltzer/internal/outbox"
	"github.com/rickgao/moltzer/internal/protocol"
)

// Kind tells message records from event records.
type Kind string

const (
	KindMessage Kind = "message"
	KindEvent   Kind = "event"
)

// Record is one history row.
type Record struct {
	ID         string
	Kind       Kind
	Name       string // method or event name
	Status     string // outbox status, or chat state for chat events
	RunID      string
	SessionKey string
	Seq        *int64
	Payload    json.RawMessage
	Error      string
	At         time.Time
}

// Query selects records for Store.Recent. Empty fields match everything.
type Query struct {
	SessionKey string
	RunID      string
	Kind       Kind
	Limit      int
}

// chatRefs are the payload fields linking a record to a chat.
type chatRefs struct {
	RunID      string `json:"runId"`
	SessionKey string `json:"sessionKey"`
}

func refsOf(raw json.RawMessage) chatRefs {
	var refs chatRefs
	if len(raw) > 0 && raw[0] == '{' {
		_ = json.Unmarshal(raw, &refs)
	}
	return refs
}

// MessageRecord describes m entering status. Each attempt of a send is a
// separate record.
func MessageRecord(m *outbox.Message, status outbox.Status, at time.Time) Record {
	refs := refsOf(m.Params)
	rec := Record{
		ID:         fmt.Sprintf("%s:%s:%d", m.ID, status, m.Attempts()),
		Kind:       KindMessage,
		Name:       m.Method,
		Status:     string(status),
		SessionKey: refs.SessionKey,
		At:         at,
	}
	if status == outbox.StatusQueued && m.Attempts() == 0 {
		rec.Payload = m.Params
	}
	if err := m.Err(); err != nil {
		rec.Error = err.Error()
	}
	return rec
}

// EventRecord describes a dispatched event. Chat events with a sequence
// number get an id derived from run and seq, so a replay is not stored
// twice.
func EventRecord(d dispatcher.Delivery) Record {
	evt := d.Event
	refs := refsOf(evt.Payload)

	rec := Record{
		Kind:       KindEvent,
		Name:       evt.Event,
		RunID:      refs.RunID,
		SessionKey: refs.SessionKey,
		Seq:        evt.Seq,
		Payload:    evt.Payload,
		At:         d.ReceivedAt,
	}

	if evt.Event == protocol.EventChat {
		if ev, err := protocol.DecodeChatEvent(evt.Payload); err == nil {
			rec.Status = ev.State
			rec.Error = ev.ErrorMessage
			if rec.Seq == nil {
				rec.Seq = ev.Seq
			}
		}
	}

	if rec.RunID != "" && rec.Seq != nil {
		rec.ID = evt.Event + ":" + rec.RunID + ":" + strconv.FormatInt(*rec.Seq, 10)
	} else {
		rec.ID = uuid.NewString()
	}
	return rec
}
