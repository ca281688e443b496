package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rickgao/moltzer/internal/dispatcher"
	"github.com/rickgao/moltzer/internal/gatewaytest"
	"github.com/rickgao/moltzer/internal/outbox"
	"github.com/rickgao/moltzer/internal/protocol"
)

const testToken = "secret-token"

func testManagerConfig() ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.Backoff = Backoff{Initial: 20 * time.Millisecond, Max: 100 * time.Millisecond, Multiplier: 2}
	cfg.ConnectTimeout = 2 * time.Second
	cfg.RequestTimeout = 2 * time.Second
	cfg.UpgradeToTLS = false
	cfg.MaintenanceEvery = 10 * time.Millisecond
	return cfg
}

func newTestManager(t *testing.T, cfg ManagerConfig, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(cfg, slog.Default(), opts...)
	t.Cleanup(func() { m.Close() })
	return m
}

func newTestGateway(t *testing.T, opts ...gatewaytest.Option) *gatewaytest.Gateway {
	t.Helper()
	opts = append([]gatewaytest.Option{gatewaytest.WithToken(testToken)}, opts...)
	gw := gatewaytest.New(opts...)
	t.Cleanup(gw.Close)
	return gw
}

// deadURL returns a ws:// URL nothing listens on.
func deadURL() string {
	srv := httptest.NewServer(nil)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()
	return url
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	if !gatewaytest.WaitFor(3*time.Second, func() bool { return m.Status().State == want }) {
		t.Fatalf("state = %s, want %s", m.Status().State, want)
	}
}

func TestManager_ConnectHandshake(t *testing.T) {
	gw := newTestGateway(t)
	m := newTestManager(t, testManagerConfig())

	states, unsubscribe := m.SubscribeState()
	defer unsubscribe()

	st, err := m.Connect(context.Background(), gw.URL(), testToken)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if st.State != StateConnected {
		t.Errorf("State = %s, want connected", st.State)
	}
	if st.Protocol != protocol.Version {
		t.Errorf("Protocol = %d, want %d", st.Protocol, protocol.Version)
	}
	if st.Server.Host != "gatewaytest" {
		t.Errorf("Server.Host = %q", st.Server.Host)
	}

	var seen []State
	for len(seen) < 4 {
		select {
		case s := <-states:
			seen = append(seen, s.State)
		case <-time.After(time.Second):
			t.Fatalf("only saw states %v", seen)
		}
	}
	want := []State{StateDisconnected, StateConnecting, StateHandshaking, StateConnected}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("states = %v, want %v", seen, want)
		}
	}

	reqs := gw.Requests(protocol.MethodConnect)
	if len(reqs) != 1 {
		t.Fatalf("connect requests = %d, want 1", len(reqs))
	}
	var params protocol.ConnectParams
	if err := json.Unmarshal(reqs[0].Params, &params); err != nil {
		t.Fatalf("decode connect params: %v", err)
	}
	if params.MinProtocol != protocol.Version || params.MaxProtocol != protocol.Version {
		t.Errorf("protocol range = %d-%d", params.MinProtocol, params.MaxProtocol)
	}
	if params.Client.ID != protocol.DefaultClientID || params.Role != protocol.DefaultRole {
		t.Errorf("client = %+v role = %s", params.Client, params.Role)
	}
	if params.Auth.Token != testToken {
		t.Error("token not sent in connect params")
	}
	if params.UserAgent == "" {
		t.Error("userAgent should be set")
	}
}

func TestManager_WrongToken(t *testing.T) {
	gw := newTestGateway(t)
	m := newTestManager(t, testManagerConfig())

	st, err := m.Connect(context.Background(), gw.URL(), "wrong")

	var hs *protocol.HandshakeError
	if !errors.As(err, &hs) {
		t.Fatalf("err = %v, want HandshakeError", err)
	}
	if !hs.Auth {
		t.Error("HandshakeError.Auth should be set")
	}
	if st.State != StateDisconnected {
		t.Errorf("State = %s, want disconnected", st.State)
	}
	if got := st.Description().Title; got != "Authentication failed" {
		t.Errorf("Title = %q", got)
	}
	if !protocol.RequiresReauth(st.LastError) {
		t.Error("LastError should require reauth")
	}

	// Auth failures are not retried.
	time.Sleep(200 * time.Millisecond)
	if gw.Accepted() != 1 {
		t.Errorf("Accepted = %d, want 1", gw.Accepted())
	}
}

func TestManager_ProtocolMismatch(t *testing.T) {
	gw := newTestGateway(t, gatewaytest.WithProtocol(4))
	m := newTestManager(t, testManagerConfig())

	st, err := m.Connect(context.Background(), gw.URL(), testToken)

	var hs *protocol.HandshakeError
	if !errors.As(err, &hs) || hs.Code != "PROTOCOL_MISMATCH" {
		t.Fatalf("err = %v, want PROTOCOL_MISMATCH", err)
	}
	if st.State != StateDisconnected {
		t.Errorf("State = %s, want disconnected", st.State)
	}
	if got := st.Description().Title; got != "Incompatible Gateway" {
		t.Errorf("Title = %q", got)
	}
}

func TestManager_UnreachableRetries(t *testing.T) {
	m := newTestManager(t, testManagerConfig())

	st, err := m.Connect(context.Background(), deadURL(), testToken)

	var ue *protocol.UnreachableError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want UnreachableError", err)
	}
	if st.State != StateReconnecting {
		t.Errorf("State = %s, want reconnecting", st.State)
	}

	if !gatewaytest.WaitFor(2*time.Second, func() bool { return m.Status().Attempt >= 2 }) {
		t.Errorf("expected repeated attempts, Attempt = %d", m.Status().Attempt)
	}

	m.Disconnect()
	if s := m.Status().State; s != StateDisconnected {
		t.Errorf("State after Disconnect = %s", s)
	}
}

func TestManager_QueuedWhileDisconnected(t *testing.T) {
	gw := newTestGateway(t)
	m := newTestManager(t, testManagerConfig())
	ctx := context.Background()

	var msgs []*outbox.Message
	for i := 0; i < 3; i++ {
		msg, err := m.SendChat(ctx, protocol.ChatSendParams{
			Message:        fmt.Sprintf("hello %d", i),
			SessionKey:     "main",
			IdempotencyKey: fmt.Sprintf("key-%d", i),
		})
		if err != nil {
			t.Fatalf("SendChat failed: %v", err)
		}
		msgs = append(msgs, msg)
	}
	if m.Outbox().Len() != 3 {
		t.Fatalf("queued = %d, want 3", m.Outbox().Len())
	}

	if _, err := m.Connect(ctx, gw.URL(), testToken); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	for i, msg := range msgs {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_, err := msg.Wait(waitCtx)
		cancel()
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
	}

	assertChatOrder(t, gw, 3)
	if gw.Effects() != 3 {
		t.Errorf("Effects = %d, want 3", gw.Effects())
	}
}

func TestManager_ReconnectConservesQueue(t *testing.T) {
	gw := newTestGateway(t)
	m := newTestManager(t, testManagerConfig())
	ctx := context.Background()

	if _, err := m.Connect(ctx, gw.URL(), testToken); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	gw.DropConnections()
	waitState(t, m, StateReconnecting)

	var msgs []*outbox.Message
	for i := 0; i < 5; i++ {
		msg, err := m.SendChat(ctx, protocol.ChatSendParams{
			Message:        fmt.Sprintf("while down %d", i),
			IdempotencyKey: fmt.Sprintf("key-%d", i),
		})
		if err != nil {
			t.Fatalf("SendChat failed: %v", err)
		}
		msgs = append(msgs, msg)
	}

	waitState(t, m, StateConnected)

	for i, msg := range msgs {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_, err := msg.Wait(waitCtx)
		cancel()
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if msg.Status() != outbox.StatusAcknowledged {
			t.Errorf("message %d status = %s", i, msg.Status())
		}
	}

	if gw.Handshakes() != 2 {
		t.Errorf("Handshakes = %d, want 2", gw.Handshakes())
	}
	assertChatOrder(t, gw, 5)
}

// assertChatOrder checks the Gateway saw key-0..key-n-1 in order.
func assertChatOrder(t *testing.T, gw *gatewaytest.Gateway, n int) {
	t.Helper()
	reqs := gw.Requests(protocol.MethodChatSend)
	if len(reqs) != n {
		t.Fatalf("chat.send requests = %d, want %d", len(reqs), n)
	}
	for i, r := range reqs {
		var p protocol.ChatSendParams
		json.Unmarshal(r.Params, &p)
		if want := fmt.Sprintf("key-%d", i); p.IdempotencyKey != want {
			t.Errorf("request %d key = %s, want %s", i, p.IdempotencyKey, want)
		}
	}
}

func TestManager_DuplicateIdempotencyKey(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	first := newTestManager(t, testManagerConfig())
	if _, err := first.Connect(ctx, gw.URL(), testToken); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	params := protocol.ChatSendParams{Message: "hi", IdempotencyKey: "K"}
	msg, err := first.SendChat(ctx, params)
	if err != nil {
		t.Fatalf("SendChat failed: %v", err)
	}
	original, err := msg.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	// Same manager: known key, nothing is sent.
	again, _ := first.SendChat(ctx, params)
	if again.Status() != outbox.StatusAcknowledged {
		t.Errorf("repeat status = %s, want acknowledged", again.Status())
	}
	if payload, _ := again.Wait(ctx); string(payload) != string(original) {
		t.Errorf("repeat payload = %s, want %s", payload, original)
	}

	// Fresh manager: the Gateway reports the duplicate, which counts as delivered.
	second := newTestManager(t, testManagerConfig())
	if _, err := second.Connect(ctx, gw.URL(), testToken); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	dup, _ := second.SendChat(ctx, params)
	payload, err := dup.Wait(ctx)
	if err != nil {
		t.Fatalf("duplicate Wait failed: %v", err)
	}
	if string(payload) != string(original) {
		t.Errorf("duplicate payload = %s, want %s", payload, original)
	}

	if gw.Effects() != 1 {
		t.Errorf("Effects = %d, want 1", gw.Effects())
	}
	if gw.Duplicates() != 1 {
		t.Errorf("Duplicates = %d, want 1", gw.Duplicates())
	}
}

func TestManager_CallTimeout(t *testing.T) {
	gw := newTestGateway(t, gatewaytest.WithSilentMethod(protocol.MethodModelsList))
	m := newTestManager(t, testManagerConfig())
	ctx := context.Background()

	if _, err := m.Connect(ctx, gw.URL(), testToken); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	timeout := 150 * time.Millisecond
	start := time.Now()
	_, err := m.Call(ctx, protocol.MethodModelsList, nil, timeout)
	elapsed := time.Since(start)

	var te *protocol.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TimeoutError", err)
	}
	if elapsed < timeout {
		t.Errorf("timed out after %v, before %v", elapsed, timeout)
	}
	if elapsed > timeout+time.Second {
		t.Errorf("timed out after %v, far beyond %v", elapsed, timeout)
	}
	if m.Status().State != StateConnected {
		t.Errorf("a timeout should not drop the connection, state = %s", m.Status().State)
	}
}

func TestManager_CancelDropsLateResponse(t *testing.T) {
	gw := newTestGateway(t, gatewaytest.WithResponseDelay(200*time.Millisecond))
	m := newTestManager(t, testManagerConfig())

	if _, err := m.Connect(context.Background(), gw.URL(), testToken); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := m.Call(ctx, protocol.MethodModelsList, nil, time.Second)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}

	if !gatewaytest.WaitFor(time.Second, func() bool {
		return m.Stats().Correlator.LateDropped == 1
	}) {
		t.Fatalf("late response not dropped: %+v", m.Stats().Correlator)
	}
	if a := m.Stats().Correlator.Anomalies; a != 0 {
		t.Errorf("Anomalies = %d, want 0", a)
	}
}

func TestManager_DuplicateResponseIsAnomaly(t *testing.T) {
	gw := newTestGateway(t)
	m := newTestManager(t, testManagerConfig())
	ctx := context.Background()

	if _, err := m.Connect(ctx, gw.URL(), testToken); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	payload, err := m.Call(ctx, protocol.MethodModelsList, nil, 0)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	id := gw.Requests(protocol.MethodModelsList)[0].ID
	gw.SendRaw([]byte(`{"type":"res","id":"` + id + `","ok":true,"payload":{"models":[]}}`))

	if !gatewaytest.WaitFor(time.Second, func() bool {
		return m.Stats().Correlator.Anomalies == 1
	}) {
		t.Fatal("second response not reported as an anomaly")
	}
	if !strings.Contains(string(payload), "models") {
		t.Errorf("first response lost: %s", payload)
	}
	if m.Status().State != StateConnected {
		t.Errorf("a single anomaly should not drop the connection")
	}
}

func TestManager_AnomalyFloodReconnects(t *testing.T) {
	gw := newTestGateway(t)
	cfg := testManagerConfig()
	cfg.AnomalyRate = 0.001
	cfg.AnomalyBurst = 2
	m := newTestManager(t, cfg)

	if _, err := m.Connect(context.Background(), gw.URL(), testToken); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	for i := 0; i < 4; i++ {
		gw.SendRaw([]byte(`not json`))
	}

	if !gatewaytest.WaitFor(3*time.Second, func() bool {
		return gw.Handshakes() == 2 && m.Status().State == StateConnected
	}) {
		t.Fatalf("expected a reconnect, handshakes = %d state = %s", gw.Handshakes(), m.Status().State)
	}
}

func TestManager_EventsInOrderWithGaps(t *testing.T) {
	gw := newTestGateway(t)
	m := newTestManager(t, testManagerConfig())

	var mu sync.Mutex
	var ticks []dispatcher.Delivery
	var all int
	m.Subscribe(protocol.EventTick, func(d dispatcher.Delivery) {
		mu.Lock()
		ticks = append(ticks, d)
		mu.Unlock()
	})
	m.Subscribe(dispatcher.Wildcard, func(dispatcher.Delivery) {
		mu.Lock()
		all++
		mu.Unlock()
	})

	if _, err := m.Connect(context.Background(), gw.URL(), testToken); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	for _, seq := range []int64{1, 2, 4} {
		s := seq
		if err := gw.Push(protocol.EventTick, map[string]int64{"ts": s}, &s); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
	}

	if !gatewaytest.WaitFor(time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ticks) == 3
	}) {
		t.Fatal("ticks not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, want := range []int64{1, 2, 4} {
		if got := *ticks[i].Event.Seq; got != want {
			t.Errorf("tick %d seq = %d, want %d", i, got, want)
		}
	}
	if ticks[1].Gap {
		t.Error("seq 2 should not be a gap")
	}
	if !ticks[2].Gap || ticks[2].GapSize != 1 {
		t.Errorf("seq 4: Gap = %v GapSize = %d, want gap of 1", ticks[2].Gap, ticks[2].GapSize)
	}
	if all != 3 {
		t.Errorf("wildcard saw %d events, want 3", all)
	}
}

func TestManager_ShutdownReconnects(t *testing.T) {
	gw := newTestGateway(t)
	m := newTestManager(t, testManagerConfig())

	if _, err := m.Connect(context.Background(), gw.URL(), testToken); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	var shutdowns atomic.Int32
	m.Subscribe(protocol.EventShutdown, func(dispatcher.Delivery) { shutdowns.Add(1) })

	gw.Push(protocol.EventShutdown, map[string]string{"reason": "restart"}, nil)

	if !gatewaytest.WaitFor(3*time.Second, func() bool {
		return gw.Handshakes() == 2 && m.Status().State == StateConnected
	}) {
		t.Fatalf("no reconnect after shutdown, handshakes = %d", gw.Handshakes())
	}
	if shutdowns.Load() != 1 {
		t.Errorf("shutdown delivered %d times, want 1", shutdowns.Load())
	}
}

func chatHandler(runID string) gatewaytest.HandlerFunc {
	return func(protocol.Request) (any, *protocol.ErrorShape) {
		return map[string]string{"runId": runID, "status": "started"}, nil
	}
}

func TestManager_ChatStream(t *testing.T) {
	gw := newTestGateway(t, gatewaytest.WithHandler(protocol.MethodChatSend, chatHandler("run-1")))
	m := newTestManager(t, testManagerConfig())
	ctx := context.Background()

	if _, err := m.Connect(ctx, gw.URL(), testToken); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	type result struct {
		ev  protocol.ChatEvent
		err error
	}
	done := make(chan result, 1)
	var mu sync.Mutex
	var seen []string
	go func() {
		ev, err := m.Chat(ctx, protocol.ChatSendParams{Message: "hi", SessionKey: "main"}, func(ev protocol.ChatEvent) {
			mu.Lock()
			seen = append(seen, ev.State)
			mu.Unlock()
		})
		done <- result{ev, err}
	}()

	if !gatewaytest.WaitFor(time.Second, func() bool { return len(gw.Requests(protocol.MethodChatSend)) == 1 }) {
		t.Fatal("chat.send not received")
	}

	gw.Push(protocol.EventChat, map[string]any{"runId": "other", "sessionKey": "main", "state": "final"}, nil)
	gw.Push(protocol.EventChat, map[string]any{"runId": "run-1", "sessionKey": "main", "state": "delta",
		"message": map[string]string{"role": "assistant", "content": "Hel"}}, nil)
	gw.Push(protocol.EventChat, map[string]any{"runId": "run-1", "sessionKey": "main", "state": "final",
		"message": map[string]string{"role": "assistant", "content": "Hello"}}, nil)

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Chat failed: %v", r.err)
		}
		if r.ev.State != protocol.ChatStateFinal || r.ev.RunID != "run-1" {
			t.Errorf("terminal event = %+v", r.ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Chat did not return")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "delta" || seen[1] != "final" {
		t.Errorf("events = %v, want [delta final]", seen)
	}
	if m.Stats().ActiveRuns != 0 {
		t.Errorf("ActiveRuns = %d, want 0", m.Stats().ActiveRuns)
	}
}

// ackRunID sends a chat.send with key and returns the run id it started.
func ackRunID(t *testing.T, m *Manager, key string) string {
	t.Helper()
	msg, err := m.SendChat(context.Background(), protocol.ChatSendParams{Message: "hi", SessionKey: "main", IdempotencyKey: key})
	if err != nil {
		t.Fatalf("SendChat failed: %v", err)
	}
	payload, err := msg.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	var ack struct {
		RunID string `json:"runId"`
	}
	if err := json.Unmarshal(payload, &ack); err != nil || ack.RunID == "" {
		t.Fatalf("ack payload = %s", payload)
	}
	return ack.RunID
}

func TestManager_ChatRetryFinishedRun(t *testing.T) {
	gw := newTestGateway(t)
	m := newTestManager(t, testManagerConfig())
	ctx := context.Background()

	if _, err := m.Connect(ctx, gw.URL(), testToken); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	runID := ackRunID(t, m, "K")
	gw.Push(protocol.EventChat, map[string]any{"runId": runID, "sessionKey": "main", "state": "final",
		"message": map[string]string{"role": "assistant", "content": "done"}}, nil)
	if !gatewaytest.WaitFor(time.Second, func() bool { return m.Stats().Dispatcher.Dispatched >= 1 }) {
		t.Fatal("final event not dispatched")
	}

	chatCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	ev, err := m.Chat(chatCtx, protocol.ChatSendParams{Message: "hi", SessionKey: "main", IdempotencyKey: "K"}, nil)
	if err != nil {
		t.Fatalf("retried Chat failed: %v", err)
	}
	if ev.RunID != runID || ev.State != protocol.ChatStateFinal || ev.Content() != "done" {
		t.Errorf("terminal event = %+v", ev)
	}
	if gw.Effects() != 1 || len(gw.Requests(protocol.MethodChatSend)) != 1 {
		t.Errorf("retry reached the gateway: effects=%d requests=%d", gw.Effects(), len(gw.Requests(protocol.MethodChatSend)))
	}
}

func TestManager_ChatRetryRunningRun(t *testing.T) {
	gw := newTestGateway(t)
	m := newTestManager(t, testManagerConfig())
	ctx := context.Background()

	if _, err := m.Connect(ctx, gw.URL(), testToken); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	runID := ackRunID(t, m, "K")

	type result struct {
		ev  protocol.ChatEvent
		err error
	}
	done := make(chan result, 1)
	started := make(chan struct{})
	go func() {
		chatCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		close(started)
		ev, err := m.Chat(chatCtx, protocol.ChatSendParams{Message: "hi", SessionKey: "main", IdempotencyKey: "K"}, nil)
		done <- result{ev, err}
	}()
	<-started
	// Let Chat subscribe before the end of the run arrives.
	time.Sleep(50 * time.Millisecond)

	gw.Push(protocol.EventChat, map[string]any{"runId": runID, "sessionKey": "main", "state": "final"}, nil)

	select {
	case r := <-done:
		if r.err != nil || r.ev.RunID != runID {
			t.Errorf("Chat = %+v, %v", r.ev, r.err)
		}
	case <-time.After(4 * time.Second):
		t.Fatal("retried Chat hung")
	}
}

func TestManager_ChatOverrunFails(t *testing.T) {
	gw := newTestGateway(t, gatewaytest.WithHandler(protocol.MethodChatSend, chatHandler("run-1")))
	m := newTestManager(t, testManagerConfig())
	ctx := context.Background()

	if _, err := m.Connect(ctx, gw.URL(), testToken); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	slow := func(protocol.ChatEvent) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	done := make(chan error, 1)
	go func() {
		chatCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		_, err := m.Chat(chatCtx, protocol.ChatSendParams{Message: "hi", SessionKey: "main"}, slow)
		done <- err
	}()

	if !gatewaytest.WaitFor(time.Second, func() bool { return len(gw.Requests(protocol.MethodChatSend)) == 1 }) {
		t.Fatal("chat.send not received")
	}
	delta := map[string]any{"runId": "run-1", "sessionKey": "main", "state": "delta"}
	gw.Push(protocol.EventChat, delta, nil)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never ran")
	}

	total := chatBuffer + 10
	for i := 0; i < total; i++ {
		gw.Push(protocol.EventChat, delta, nil)
	}
	gw.Push(protocol.EventChat, map[string]any{"runId": "run-1", "sessionKey": "main", "state": "final"}, nil)
	if !gatewaytest.WaitFor(5*time.Second, func() bool { return m.Stats().Dispatcher.Dispatched >= int64(total+2) }) {
		t.Fatalf("dispatched %d events", m.Stats().Dispatcher.Dispatched)
	}
	close(release)

	select {
	case err := <-done:
		if !errors.Is(err, ErrStreamOverrun) {
			t.Errorf("err = %v, want ErrStreamOverrun", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Chat hung after losing its terminal event")
	}
}

func TestManager_MalformedEventIsAnomaly(t *testing.T) {
	gw := newTestGateway(t)
	m := newTestManager(t, testManagerConfig())
	ctx := context.Background()

	if _, err := m.Connect(ctx, gw.URL(), testToken); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	gw.SendRaw([]byte(`{"type":"event","event":"chat","payload":{"runId":7,"seq":"one"}}`))
	if !gatewaytest.WaitFor(time.Second, func() bool { return m.Stats().Dispatcher.Malformed == 1 }) {
		t.Fatal("malformed payload not flagged")
	}
	if m.Status().State != StateConnected {
		t.Errorf("State = %s, a single anomaly should not drop the connection", m.Status().State)
	}
}

func TestManager_StreamTimeout(t *testing.T) {
	gw := newTestGateway(t, gatewaytest.WithHandler(protocol.MethodChatSend, chatHandler("run-1")))
	cfg := testManagerConfig()
	cfg.StreamIdleTimeout = 100 * time.Millisecond
	m := newTestManager(t, cfg)
	ctx := context.Background()

	if _, err := m.Connect(ctx, gw.URL(), testToken); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := m.Chat(ctx, protocol.ChatSendParams{Message: "hi", SessionKey: "main"}, nil)
		done <- err
	}()

	if !gatewaytest.WaitFor(time.Second, func() bool { return len(gw.Requests(protocol.MethodChatSend)) == 1 }) {
		t.Fatal("chat.send not received")
	}
	gw.Push(protocol.EventChat, map[string]any{"runId": "run-1", "sessionKey": "main", "state": "delta"}, nil)

	select {
	case err := <-done:
		if !errors.Is(err, ErrStreamTimeout) {
			t.Errorf("err = %v, want ErrStreamTimeout", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stream timeout never fired")
	}
}

func TestManager_HandlersRunOneAtATime(t *testing.T) {
	gw := newTestGateway(t)
	cfg := testManagerConfig()
	cfg.StreamIdleTimeout = 10 * time.Millisecond
	cfg.MaintenanceEvery = 5 * time.Millisecond
	m := newTestManager(t, cfg)
	ctx := context.Background()

	if _, err := m.Connect(ctx, gw.URL(), testToken); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	var inFlight, timeouts atomic.Int64
	var overlap atomic.Bool
	m.Subscribe(dispatcher.Wildcard, func(d dispatcher.Delivery) {
		if inFlight.Add(1) > 1 {
			overlap.Store(true)
		}
		time.Sleep(time.Millisecond)
		if d.Event.Event == protocol.EventStreamTimeout {
			timeouts.Add(1)
		}
		inFlight.Add(-1)
	})

	for i := 0; i < 100; i++ {
		gw.Push(protocol.EventChat, map[string]any{"runId": fmt.Sprintf("run-%d", i), "sessionKey": "main", "state": "delta"}, nil)
		time.Sleep(time.Millisecond)
	}

	if !gatewaytest.WaitFor(3*time.Second, func() bool { return timeouts.Load() == 100 }) {
		t.Fatalf("timeouts = %d, want 100", timeouts.Load())
	}
	if overlap.Load() {
		t.Error("handlers ran concurrently")
	}
}

func TestManager_ListModels(t *testing.T) {
	gw := newTestGateway(t, gatewaytest.WithHandler(protocol.MethodModelsList, func(protocol.Request) (any, *protocol.ErrorShape) {
		return map[string]any{"models": []protocol.ModelInfo{{ID: "m1", Name: "Model One", Provider: "test"}}}, nil
	}))
	m := newTestManager(t, testManagerConfig())
	ctx := context.Background()

	if _, err := m.Connect(ctx, gw.URL(), testToken); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	models, err := m.ListModels(ctx)
	if err != nil {
		t.Fatalf("ListModels failed: %v", err)
	}
	if len(models) != 1 || models[0].ID != "m1" {
		t.Errorf("models = %+v", models)
	}
}

func TestManager_ListModelsFallback(t *testing.T) {
	gw := newTestGateway(t, gatewaytest.WithHandler(protocol.MethodModelsList, func(protocol.Request) (any, *protocol.ErrorShape) {
		return nil, &protocol.ErrorShape{Code: "INTERNAL", Message: "boom"}
	}))
	m := newTestManager(t, testManagerConfig())
	ctx := context.Background()

	if _, err := m.Connect(ctx, gw.URL(), testToken); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	models, err := m.ListModels(ctx)
	var remote *protocol.RemoteError
	if !errors.As(err, &remote) || remote.Code != "INTERNAL" {
		t.Errorf("err = %v, want RemoteError INTERNAL", err)
	}
	if len(models) != len(protocol.FallbackModels()) {
		t.Errorf("got %d models, want the fallback list", len(models))
	}
}

func TestManager_UpdateCredentialsRetriesAuth(t *testing.T) {
	gw := newTestGateway(t)
	m := newTestManager(t, testManagerConfig())

	if _, err := m.Connect(context.Background(), gw.URL(), "wrong"); err == nil {
		t.Fatal("expected handshake failure")
	}

	m.UpdateCredentials("", testToken)
	waitState(t, m, StateConnected)
}

func TestManager_NotifyNetworkUp(t *testing.T) {
	gw := newTestGateway(t)
	dead := deadURL()

	var up atomic.Bool
	factory := func(cfg ClientConfig, logger *slog.Logger) Client {
		if up.Load() {
			cfg.URL = gw.URL()
		} else {
			cfg.URL = dead
		}
		return NewClient(cfg, logger)
	}

	cfg := testManagerConfig()
	cfg.Backoff = Backoff{Initial: time.Minute, Max: time.Minute}
	m := newTestManager(t, cfg, WithClientFactory(factory))

	if _, err := m.Connect(context.Background(), "ws://gateway.invalid", testToken); err == nil {
		t.Fatal("expected the first dial to fail")
	}
	waitState(t, m, StateReconnecting)

	up.Store(true)
	m.NotifyNetworkUp()

	waitState(t, m, StateConnected)
}

func TestManager_DisconnectFailsQueued(t *testing.T) {
	m := newTestManager(t, testManagerConfig())

	msg, err := m.Send(context.Background(), protocol.MethodModelsList, nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	m.Disconnect()

	if _, err := msg.Wait(context.Background()); !errors.Is(err, protocol.ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestManager_SendAfterClose(t *testing.T) {
	m := NewManager(testManagerConfig(), nil)
	m.Close()

	if _, err := m.Send(context.Background(), protocol.MethodModelsList, nil); !errors.Is(err, protocol.ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
	if _, err := m.Connect(context.Background(), "ws://127.0.0.1:1", ""); !errors.Is(err, protocol.ErrClosed) {
		t.Errorf("Connect after Close = %v, want ErrClosed", err)
	}
}
