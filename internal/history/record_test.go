package history

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rickgao/moltzer/internal/dispatcher"
	"github.com/rickgao/moltzer/internal/outbox"
	"github.com/rickgao/moltzer/internal/protocol"
)

func TestMessageRecord_Lifecycle(t *testing.T) {
	q := outbox.NewQueue(outbox.DefaultConfig(), nil)

	var recs []Record
	q.Observe(func(m *outbox.Message, s outbox.Status) {
		recs = append(recs, MessageRecord(m, s, time.Now()))
	})

	m := outbox.NewMessage("chat.send", json.RawMessage(`{"sessionKey":"main","message":"hi"}`), "K")
	q.Push(m)
	q.Pop()
	q.MarkSent(m)
	q.RequeueInflight()
	q.Pop()
	q.MarkSent(m)
	q.Ack(m.ID, nil)

	if len(recs) != 5 {
		t.Fatalf("got %d records, want 5", len(recs))
	}

	seen := make(map[string]bool)
	for _, r := range recs {
		if seen[r.ID] {
			t.Errorf("duplicate record id %s", r.ID)
		}
		seen[r.ID] = true
		if r.SessionKey != "main" || r.Name != "chat.send" || r.Kind != KindMessage {
			t.Errorf("record = %+v", r)
		}
	}

	if recs[0].Payload == nil {
		t.Error("first queued record should carry the params")
	}
	for _, r := range recs[1:] {
		if r.Payload != nil {
			t.Errorf("record %s should not repeat the params", r.ID)
		}
	}
	if recs[4].Status != string(outbox.StatusAcknowledged) {
		t.Errorf("last status = %s", recs[4].Status)
	}
}

func TestMessageRecord_Error(t *testing.T) {
	q := outbox.NewQueue(outbox.DefaultConfig(), nil)
	m := outbox.NewMessage("chat.send", nil, "")
	q.Push(m)
	q.FailAll(protocol.ErrClosed)

	rec := MessageRecord(m, m.Status(), time.Now())
	if rec.Error == "" {
		t.Error("failed message should record its error")
	}
}

func TestEventRecord(t *testing.T) {
	at := time.Now()

	tests := []struct {
		name       string
		evt        protocol.Event
		wantID     string
		wantStatus string
		wantErr    string
	}{
		{
			name: "chat delta",
			evt: protocol.Event{Type: "event", Event: protocol.EventChat,
				Payload: json.RawMessage(`{"runId":"r1","sessionKey":"main","seq":3,"state":"delta"}`)},
			wantID:     "chat:r1:3",
			wantStatus: protocol.ChatStateDelta,
		},
		{
			name: "frame seq wins",
			evt: protocol.Event{Type: "event", Event: protocol.EventChat, Seq: seq(9),
				Payload: json.RawMessage(`{"runId":"r1","seq":3,"state":"final"}`)},
			wantID:     "chat:r1:9",
			wantStatus: protocol.ChatStateFinal,
		},
		{
			name: "chat error",
			evt: protocol.Event{Type: "event", Event: protocol.EventChat,
				Payload: json.RawMessage(`{"runId":"r2","seq":1,"state":"error","errorMessage":"rate limited"}`)},
			wantID:     "chat:r2:1",
			wantStatus: protocol.ChatStateError,
			wantErr:    "rate limited",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := EventRecord(dispatcher.Delivery{Event: tt.evt, ReceivedAt: at})
			if rec.ID != tt.wantID {
				t.Errorf("ID = %s, want %s", rec.ID, tt.wantID)
			}
			if rec.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s", rec.Status, tt.wantStatus)
			}
			if rec.Error != tt.wantErr {
				t.Errorf("Error = %q, want %q", rec.Error, tt.wantErr)
			}
			if !rec.At.Equal(at) {
				t.Errorf("At = %v", rec.At)
			}
		})
	}
}

func TestEventRecord_NoSequenceGetsUniqueID(t *testing.T) {
	evt := protocol.Event{Type: "event", Event: "presence", Payload: json.RawMessage(`{}`)}
	a := EventRecord(dispatcher.Delivery{Event: evt})
	b := EventRecord(dispatcher.Delivery{Event: evt})
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("ids %q and %q should be distinct", a.ID, b.ID)
	}
}
