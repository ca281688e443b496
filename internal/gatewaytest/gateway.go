// Package gatewaytest provides an in-process Gateway for tests.
//
// The Gateway speaks the challenge/connect/hello-ok handshake, answers
// chat.send, chat.abort and models.list, and deduplicates chat.send by
// idempotency key the way the real service does. Tests can push events,
// drop connections, delay or suppress responses, and inspect every request
// frame it received.
package gatewaytest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rickgao/moltzer/internal/protocol"
)

// HandlerFunc answers a request. Returning a non-nil ErrorShape sends ok:false.
type HandlerFunc func(req protocol.Request) (payload any, errShape *protocol.ErrorShape)

// Option configures a Gateway.
type Option func(*Gateway)

// WithToken sets the token the handshake accepts. Empty accepts any token.
func WithToken(token string) Option {
	return func(g *Gateway) { g.token = token }
}

// WithProtocol sets the protocol version reported in hello-ok.
func WithProtocol(version int) Option {
	return func(g *Gateway) { g.protocol = version }
}

// WithHandler overrides the handler for a method.
func WithHandler(method string, h HandlerFunc) Option {
	return func(g *Gateway) { g.handlers[method] = h }
}

// WithResponseDelay delays every response after the handshake.
func WithResponseDelay(d time.Duration) Option {
	return func(g *Gateway) { g.delay = d }
}

// WithSilentMethod makes the Gateway never answer method.
func WithSilentMethod(method string) Option {
	return func(g *Gateway) { g.silent[method] = true }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// Gateway is a mock Gateway server.
type Gateway struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger

	token    string
	protocol int
	delay    time.Duration
	handlers map[string]HandlerFunc
	silent   map[string]bool

	mu       sync.Mutex
	conns    map[*serverConn]struct{}
	requests []protocol.Request

	idem *lru.Cache[string, json.RawMessage]

	accepted   atomic.Int64
	handshakes atomic.Int64
	effects    atomic.Int64
	duplicates atomic.Int64
}

type serverConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *serverConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *serverConn) writeRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// New starts a Gateway on a local port.
func New(opts ...Option) *Gateway {
	idem, _ := lru.New[string, json.RawMessage](1024)

	g := &Gateway{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:   slog.Default(),
		protocol: protocol.Version,
		handlers: make(map[string]HandlerFunc),
		silent:   make(map[string]bool),
		conns:    make(map[*serverConn]struct{}),
		idem:     idem,
	}

	g.handlers[protocol.MethodChatSend] = g.handleChatSend
	g.handlers[protocol.MethodChatAbort] = func(protocol.Request) (any, *protocol.ErrorShape) {
		return map[string]any{"ok": true}, nil
	}
	g.handlers[protocol.MethodModelsList] = func(protocol.Request) (any, *protocol.ErrorShape) {
		return map[string]any{"models": protocol.FallbackModels()}, nil
	}

	for _, opt := range opts {
		opt(g)
	}

	g.server = httptest.NewServer(http.HandlerFunc(g.serveWS))
	return g
}

// URL returns the ws:// endpoint.
func (g *Gateway) URL() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http")
}

// Close drops every connection and stops the server.
func (g *Gateway) Close() {
	g.DropConnections()
	g.server.Close()
}

// DropConnections closes every open socket without a close frame.
func (g *Gateway) DropConnections() {
	g.mu.Lock()
	conns := make([]*serverConn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}
}

// Push sends an event to every handshaken connection.
func (g *Gateway) Push(event string, payload any, seq *int64) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	frame := protocol.Event{
		Type:    protocol.FrameEvent,
		Event:   event,
		Payload: data,
		Seq:     seq,
	}
	return g.broadcast(func(c *serverConn) error { return c.writeJSON(frame) })
}

// SendRaw writes raw bytes to every handshaken connection.
func (g *Gateway) SendRaw(data []byte) error {
	return g.broadcast(func(c *serverConn) error { return c.writeRaw(data) })
}

func (g *Gateway) broadcast(write func(*serverConn) error) error {
	g.mu.Lock()
	conns := make([]*serverConn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	if len(conns) == 0 {
		return fmt.Errorf("no connected clients")
	}
	for _, c := range conns {
		if err := write(c); err != nil {
			return err
		}
	}
	return nil
}

// Requests returns every request received for method, or all when method is empty.
func (g *Gateway) Requests(method string) []protocol.Request {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []protocol.Request
	for _, r := range g.requests {
		if method == "" || r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

// Accepted returns how many sockets were upgraded.
func (g *Gateway) Accepted() int { return int(g.accepted.Load()) }

// Handshakes returns how many handshakes completed.
func (g *Gateway) Handshakes() int { return int(g.handshakes.Load()) }

// Effects returns how many chat.send requests took effect after dedup.
func (g *Gateway) Effects() int { return int(g.effects.Load()) }

// Duplicates returns how many chat.send requests were rejected as repeats.
func (g *Gateway) Duplicates() int { return int(g.duplicates.Load()) }

// Connected returns the number of handshaken connections.
func (g *Gateway) Connected() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// WaitFor polls cond until it holds or timeout passes.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("upgrade error", "error", err)
		return
	}
	defer ws.Close()
	g.accepted.Add(1)

	c := &serverConn{ws: ws}
	if !g.handshake(c) {
		return
	}

	g.mu.Lock()
	g.conns[c] = struct{}{}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.conns, c)
		g.mu.Unlock()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil || req.Type != protocol.FrameRequest {
			continue
		}

		g.mu.Lock()
		g.requests = append(g.requests, req)
		g.mu.Unlock()

		if g.silent[req.Method] {
			continue
		}

		go g.respond(c, req)
	}
}

func (g *Gateway) handshake(c *serverConn) bool {
	challenge := protocol.Event{
		Type:    protocol.FrameEvent,
		Event:   protocol.EventChallenge,
		Payload: mustJSON(protocol.Challenge{Nonce: uuid.NewString(), TS: time.Now().UnixMilli()}),
	}
	if err := c.writeJSON(challenge); err != nil {
		return false
	}

	c.ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return false
	}
	c.ws.SetReadDeadline(time.Time{})

	var req protocol.Request
	if err := json.Unmarshal(data, &req); err != nil || req.Method != protocol.MethodConnect {
		c.writeJSON(errorResponse(req.ID, "INVALID_REQUEST", "first request must be connect"))
		return false
	}

	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()

	var params protocol.ConnectParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		c.writeJSON(errorResponse(req.ID, "INVALID_REQUEST", "invalid connect params"))
		return false
	}

	if g.token != "" && params.Auth.Token != g.token {
		c.writeJSON(errorResponse(req.ID, "UNAUTHORIZED", "invalid token"))
		return false
	}

	hello := protocol.HelloOK{
		Type:     protocol.HelloOKType,
		Protocol: g.protocol,
		Server:   protocol.ServerInfo{Version: "test", Host: "gatewaytest", ConnID: uuid.NewString()},
		Features: json.RawMessage(`{"methods":["chat.send","chat.abort","models.list"]}`),
		Policy:   json.RawMessage(`{"tickIntervalMs":15000}`),
	}
	if err := c.writeJSON(protocol.Response{
		Type:    protocol.FrameResponse,
		ID:      req.ID,
		OK:      true,
		Payload: mustJSON(hello),
	}); err != nil {
		return false
	}

	g.handshakes.Add(1)
	return true
}

func (g *Gateway) respond(c *serverConn, req protocol.Request) {
	if g.delay > 0 {
		time.Sleep(g.delay)
	}

	h, ok := g.handlers[req.Method]
	if !ok {
		c.writeJSON(errorResponse(req.ID, "METHOD_NOT_FOUND", "unknown method "+req.Method))
		return
	}

	payload, errShape := h(req)
	if errShape != nil {
		c.writeJSON(protocol.Response{Type: protocol.FrameResponse, ID: req.ID, Error: errShape})
		return
	}
	c.writeJSON(protocol.Response{
		Type:    protocol.FrameResponse,
		ID:      req.ID,
		OK:      true,
		Payload: mustJSON(payload),
	})
}

// handleChatSend starts a run once per idempotency key. Repeats of a key
// are rejected with DUPLICATE_REQUEST, carrying the original answer.
func (g *Gateway) handleChatSend(req protocol.Request) (any, *protocol.ErrorShape) {
	var params protocol.ChatSendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, &protocol.ErrorShape{Code: "INVALID_REQUEST", Message: "invalid chat.send params"}
	}
	if params.IdempotencyKey == "" {
		return nil, &protocol.ErrorShape{Code: "INVALID_REQUEST", Message: "idempotencyKey is required"}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, ok := g.idem.Get(params.IdempotencyKey); ok {
		g.duplicates.Add(1)
		return nil, &protocol.ErrorShape{
			Code:    protocol.CodeDuplicateRequest,
			Message: "idempotency key already processed",
			Details: prev,
		}
	}

	g.effects.Add(1)
	result := mustJSON(map[string]any{"runId": uuid.NewString(), "status": "started"})
	g.idem.Add(params.IdempotencyKey, result)
	return result, nil
}

func errorResponse(id, code, message string) protocol.Response {
	return protocol.Response{
		Type:  protocol.FrameResponse,
		ID:    id,
		OK:    false,
		Error: &protocol.ErrorShape{Code: code, Message: message},
	}
}

func mustJSON(v any) json.RawMessage {
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
