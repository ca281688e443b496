package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rickgao/moltzer/internal/dispatcher"
	"github.com/rickgao/moltzer/internal/outbox"
	"github.com/rickgao/moltzer/internal/protocol"
)

// Chat errors.
var (
	// ErrStreamTimeout means a chat run went silent for longer than the idle timeout.
	ErrStreamTimeout = errors.New("chat stream timed out")
	// ErrStreamOverrun means events arrived faster than the Chat callback
	// consumed them and some were lost.
	ErrStreamOverrun = errors.New("chat stream overrun, events lost")
)

// chatBuffer is how many events Chat holds for a slow callback.
const chatBuffer = 1024

// StreamTimeout is the payload of a synthesized chat.stream_timeout event.
type StreamTimeout struct {
	RunID       string `json:"runId"`
	SessionKey  string `json:"sessionKey,omitempty"`
	TimeoutSecs int    `json:"timeoutSecs"`
}

type runActivity struct {
	sessionKey string
	lastSeen   time.Time
}

// finishedRuns bounds how many terminal events are remembered.
const finishedRuns = 256

// runTracker records the last activity of each open chat run and the
// terminal event of recently finished ones.
type runTracker struct {
	mu   sync.Mutex
	runs map[string]runActivity
	done *lru.Cache[string, protocol.ChatEvent]
}

func newRunTracker() *runTracker {
	done, _ := lru.New[string, protocol.ChatEvent](finishedRuns)
	return &runTracker{
		runs: make(map[string]runActivity),
		done: done,
	}
}

func (t *runTracker) observe(ev protocol.ChatEvent, at time.Time) {
	if ev.RunID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if ev.Terminal() {
		delete(t.runs, ev.RunID)
		t.done.Add(ev.RunID, ev)
		return
	}
	t.runs[ev.RunID] = runActivity{sessionKey: ev.SessionKey, lastSeen: at}
}

// idle removes and returns runs silent for at least timeout.
func (t *runTracker) idle(now time.Time, timeout time.Duration) []StreamTimeout {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []StreamTimeout
	for runID, a := range t.runs {
		if now.Sub(a.lastSeen) >= timeout {
			out = append(out, StreamTimeout{
				RunID:       runID,
				SessionKey:  a.sessionKey,
				TimeoutSecs: int(timeout / time.Second),
			})
			delete(t.runs, runID)
		}
	}
	return out
}

// finished returns the terminal event of a recently finished run.
func (t *runTracker) finished(runID string) (protocol.ChatEvent, bool) {
	return t.done.Get(runID)
}

func (t *runTracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.runs)
}

func (t *runTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs = make(map[string]runActivity)
}

// checkStreams emits a chat.stream_timeout event for every idle run.
func (m *Manager) checkStreams(now time.Time) {
	if m.cfg.StreamIdleTimeout <= 0 {
		return
	}
	for _, st := range m.runs.idle(now, m.cfg.StreamIdleTimeout) {
		m.logger.Warn("chat stream idle, timing out",
			"run_id", st.RunID,
			"timeout", m.cfg.StreamIdleTimeout,
		)
		payload, _ := json.Marshal(st)
		m.dispatch(protocol.Event{
			Type:    protocol.FrameEvent,
			Event:   protocol.EventStreamTimeout,
			Payload: payload,
		}, now)
	}
}

// SendChat queues a chat.send. An empty idempotency key is generated.
// A key that was already acknowledged is not sent again.
func (m *Manager) SendChat(ctx context.Context, params protocol.ChatSendParams) (*outbox.Message, error) {
	if params.IdempotencyKey == "" {
		params.IdempotencyKey = uuid.NewString()
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode chat.send params: %w", err)
	}

	msg := outbox.NewMessage(protocol.MethodChatSend, raw, params.IdempotencyKey)
	if m.out.AckDuplicate(msg) {
		m.logger.Debug("chat.send already acknowledged, skipping",
			"idempotency_key", params.IdempotencyKey,
		)
		return msg, nil
	}
	return msg, m.enqueueOrSend(ctx, msg)
}

// AbortChat asks the Gateway to stop a run.
func (m *Manager) AbortChat(ctx context.Context, sessionKey, runID string) error {
	params := map[string]string{"sessionKey": sessionKey}
	if runID != "" {
		params["runId"] = runID
	}
	_, err := m.Call(ctx, protocol.MethodChatAbort, params, 0)
	return err
}

// chatAck is the payload of a chat.send response.
type chatAck struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

// Chat sends a message and passes each event of the resulting run to fn
// until the run ends. It returns the terminal event. If fn falls so far
// behind that events are lost, Chat fails with ErrStreamOverrun rather than
// wait for a terminal event it may never see. A retried send whose
// idempotency key was already acknowledged returns the run's terminal
// event when the run has finished.
func (m *Manager) Chat(ctx context.Context, params protocol.ChatSendParams, fn func(protocol.ChatEvent)) (protocol.ChatEvent, error) {
	events := make(chan dispatcher.Delivery, chatBuffer)
	overrun := make(chan struct{})
	var overrunOnce sync.Once
	forward := func(d dispatcher.Delivery) {
		select {
		case events <- d:
		default:
			overrunOnce.Do(func() {
				m.logger.Warn("chat stream consumer behind, failing chat", "event", d.Event.Event)
				close(overrun)
			})
		}
	}
	subChat := m.Subscribe(protocol.EventChat, forward)
	defer subChat.Unsubscribe()
	subTimeout := m.Subscribe(protocol.EventStreamTimeout, forward)
	defer subTimeout.Unsubscribe()

	msg, err := m.SendChat(ctx, params)
	if err != nil {
		return protocol.ChatEvent{}, err
	}
	payload, err := msg.Wait(ctx)
	if err != nil {
		return protocol.ChatEvent{}, err
	}

	var ack chatAck
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ack); err != nil {
			return protocol.ChatEvent{}, &protocol.ProtocolAnomaly{Code: "INVALID_CHAT_ACK", Message: err.Error()}
		}
	}

	if ack.RunID != "" {
		if final, ok := m.runs.finished(ack.RunID); ok {
			if fn != nil {
				fn(final)
			}
			return final, nil
		}
	}

	// handle reports whether d ended the run.
	handle := func(d dispatcher.Delivery) (protocol.ChatEvent, bool, error) {
		if d.Event.Event == protocol.EventStreamTimeout {
			var st StreamTimeout
			json.Unmarshal(d.Event.Payload, &st)
			if st.RunID == ack.RunID {
				return protocol.ChatEvent{}, true, ErrStreamTimeout
			}
			return protocol.ChatEvent{}, false, nil
		}

		ev, err := protocol.DecodeChatEvent(d.Event.Payload)
		if err != nil {
			return protocol.ChatEvent{}, false, nil
		}
		if ack.RunID != "" && ev.RunID != ack.RunID {
			return protocol.ChatEvent{}, false, nil
		}
		if ack.RunID == "" && ev.SessionKey != params.SessionKey {
			return protocol.ChatEvent{}, false, nil
		}

		if fn != nil {
			fn(ev)
		}
		return ev, ev.Terminal(), nil
	}

	for {
		select {
		case <-ctx.Done():
			return protocol.ChatEvent{}, ctx.Err()

		case d := <-events:
			if ev, done, err := handle(d); done {
				return ev, err
			}

		case <-overrun:
			// What was buffered may still hold the end of the run.
			for {
				select {
				case d := <-events:
					if ev, done, err := handle(d); done {
						return ev, err
					}
				default:
					return protocol.ChatEvent{}, ErrStreamOverrun
				}
			}
		}
	}
}
