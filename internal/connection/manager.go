package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/rickgao/moltzer/internal/correlator"
	"github.com/rickgao/moltzer/internal/dispatcher"
	"github.com/rickgao/moltzer/internal/outbox"
	"github.com/rickgao/moltzer/internal/protocol"
	"github.com/rickgao/moltzer/internal/version"
)

// Option configures a Manager.
type Option func(*Manager)

// WithClientFactory replaces the WebSocket client constructor.
func WithClientFactory(f ClientFactory) Option {
	return func(m *Manager) { m.newClient = f }
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	State      State
	Quality    Quality
	Correlator correlator.Stats
	Dispatcher dispatcher.Stats
	Outbox     outbox.Stats
	ActiveRuns int
}

// Manager owns the connection to one Gateway.
type Manager struct {
	cfg       ManagerConfig
	logger    *slog.Logger
	newClient ClientFactory

	corr      *correlator.Correlator
	disp      *dispatcher.Dispatcher
	out       *outbox.Queue
	health    *Health
	runs      *runTracker
	anomalies *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// connectSem admits one connect attempt at a time. It is a channel so
	// the reconnect loop can give up waiting when cancelled.
	connectSem chan struct{}

	// sendMu orders direct sends behind a flush of the outbox.
	sendMu sync.Mutex

	// dispatchMu keeps event handlers to one at a time across the read
	// loop and synthesized events.
	dispatchMu sync.Mutex

	mu          sync.RWMutex
	status      Status
	client      Client
	session     uint64
	sessionDone chan struct{}
	endpoint    string
	token       string
	closed      bool

	reconnectMu     sync.Mutex
	reconnectCancel context.CancelFunc
	reconnectDone   chan struct{}

	wake    chan struct{}
	flushCh chan struct{}

	subsMu    sync.Mutex
	stateSubs map[int]chan Status
	nextSubID int
}

// NewManager creates a Manager. Call Connect to open the connection and
// Close to release it.
func NewManager(cfg ManagerConfig, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	applyManagerDefaults(&cfg)

	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		cfg:        cfg,
		logger:     logger,
		newClient:  NewClient,
		corr:       correlator.New(logger.With("component", "correlator")),
		disp:       dispatcher.New(logger.With("component", "dispatcher")),
		out:        outbox.NewQueue(cfg.Queue, logger.With("component", "outbox")),
		health:     &Health{},
		runs:       newRunTracker(),
		anomalies:  rate.NewLimiter(rate.Limit(cfg.AnomalyRate), cfg.AnomalyBurst),
		ctx:        ctx,
		cancel:     cancel,
		connectSem: make(chan struct{}, 1),
		status:     Status{State: StateDisconnected, Since: time.Now()},
		wake:       make(chan struct{}, 1),
		flushCh:    make(chan struct{}, 1),
		stateSubs:  make(map[int]chan Status),
	}

	for _, opt := range opts {
		opt(m)
	}

	m.wg.Add(2)
	go m.maintenanceLoop()
	go m.flushLoop()

	return m
}

func applyManagerDefaults(cfg *ManagerConfig) {
	def := DefaultManagerConfig()
	if cfg.ClientID == "" {
		cfg.ClientID = protocol.DefaultClientID
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = version.Version
	}
	if cfg.ClientMode == "" {
		cfg.ClientMode = protocol.DefaultClientMode
	}
	if cfg.Role == "" {
		cfg.Role = protocol.DefaultRole
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = protocol.DefaultScopes
	}
	if cfg.Locale == "" {
		cfg.Locale = protocol.DefaultLocale
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.AnomalyRate <= 0 {
		cfg.AnomalyRate = def.AnomalyRate
	}
	if cfg.AnomalyBurst <= 0 {
		cfg.AnomalyBurst = def.AnomalyBurst
	}
	if cfg.MaintenanceEvery <= 0 {
		cfg.MaintenanceEvery = def.MaintenanceEvery
	}
	if cfg.Client.UserAgent == "" {
		cfg.Client.UserAgent = version.UserAgent()
	}
}

// Connect opens a connection to endpoint and completes the handshake.
//
// It fails with *protocol.UnreachableError when the Gateway cannot be
// reached, and with *protocol.HandshakeError when the Gateway rejects the
// token or protocol version. Unreachable endpoints are retried in the
// background; handshake rejections are not.
func (m *Manager) Connect(ctx context.Context, endpoint, token string) (Status, error) {
	// A reconnect attempt may hold connectSem until its dial times out.
	m.stopReconnect()

	select {
	case m.connectSem <- struct{}{}:
	case <-ctx.Done():
		return m.Status(), ctx.Err()
	}
	defer func() { <-m.connectSem }()

	if m.isClosed() {
		return m.Status(), protocol.ErrClosed
	}

	m.stopReconnect()
	m.dropSession(protocol.ErrConnectionLost)
	m.ensureState(StateDisconnected)

	m.mu.Lock()
	m.endpoint = endpoint
	m.token = token
	m.mu.Unlock()

	m.logger.Info("connecting to gateway", "endpoint", endpoint, "token_len", len(token))

	err := m.dial(ctx, endpoint, token)
	if err != nil && m.Status().State == StateReconnecting {
		m.startReconnect()
	}
	return m.Status(), err
}

// Disconnect closes the connection and stops reconnecting. Queued messages
// and outstanding requests fail with protocol.ErrClosed.
func (m *Manager) Disconnect() {
	m.stopReconnect()
	m.connectSem <- struct{}{}
	defer func() { <-m.connectSem }()

	m.stopReconnect()
	m.dropSession(protocol.ErrClosed)

	queued := m.out.FailAll(protocol.ErrClosed)
	pending := m.corr.FailAll(protocol.ErrClosed)
	m.runs.reset()

	m.ensureState(StateDisconnected)
	m.logger.Info("disconnected", "failed_messages", queued, "failed_requests", pending)
}

// Close disconnects and stops every background goroutine.
func (m *Manager) Close() error {
	if m.isClosed() {
		return nil
	}

	m.Disconnect()

	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	m.subsMu.Lock()
	for id, ch := range m.stateSubs {
		close(ch)
		delete(m.stateSubs, id)
	}
	m.subsMu.Unlock()

	return nil
}

// Call sends a request and waits for its response. While disconnected the
// request waits in the outbox. It fails with *protocol.TimeoutError when
// no response arrives within timeout (RequestTimeout when zero).
func (m *Manager) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = m.cfg.RequestTimeout
	}

	raw, err := encodeParams(method, params)
	if err != nil {
		return nil, err
	}

	msg := outbox.NewMessage(method, raw, "")
	msg.Deadline = msg.CreatedAt.Add(timeout)

	if err := m.enqueueOrSend(ctx, msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(time.Until(msg.Deadline))
	defer timer.Stop()

	select {
	case <-msg.Done():
	case <-timer.C:
		m.abandon(msg, &protocol.TimeoutError{Method: method, RequestID: msg.ID, Timeout: timeout})
	case <-ctx.Done():
		m.abandon(msg, ctx.Err())
	}

	return msg.Wait(context.Background())
}

// Send queues a request without waiting for the response. The returned
// message reports delivery status.
func (m *Manager) Send(ctx context.Context, method string, params any) (*outbox.Message, error) {
	raw, err := encodeParams(method, params)
	if err != nil {
		return nil, err
	}
	msg := outbox.NewMessage(method, raw, "")
	return msg, m.enqueueOrSend(ctx, msg)
}

// ListModels asks the Gateway for its models. If the Gateway does not
// answer, the fallback list is returned along with the error.
func (m *Manager) ListModels(ctx context.Context) ([]protocol.ModelInfo, error) {
	payload, err := m.Call(ctx, protocol.MethodModelsList, nil, 0)
	if err != nil {
		m.logger.Warn("models.list failed, using fallback", "error", err)
		return protocol.FallbackModels(), err
	}

	var resp struct {
		Models []protocol.ModelInfo `json:"models"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return protocol.FallbackModels(), &protocol.ProtocolAnomaly{Code: "INVALID_MODELS", Message: err.Error()}
	}
	if len(resp.Models) == 0 {
		return protocol.FallbackModels(), nil
	}
	return resp.Models, nil
}

// Subscribe registers h for a Gateway event, or all events with dispatcher.Wildcard.
func (m *Manager) Subscribe(event string, h dispatcher.Handler) *dispatcher.Subscription {
	return m.disp.Subscribe(event, h)
}

// SubscribeState returns a channel receiving every Status change, starting
// with the current one, and a function that unsubscribes.
func (m *Manager) SubscribeState() (<-chan Status, func()) {
	ch := make(chan Status, 64)

	m.mu.RLock()
	m.subsMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.stateSubs[id] = ch
	ch <- m.status
	m.subsMu.Unlock()
	m.mu.RUnlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			defer m.subsMu.Unlock()
			if _, ok := m.stateSubs[id]; ok {
				delete(m.stateSubs, id)
				close(ch)
			}
		})
	}
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// NotifyNetworkUp cuts the current reconnect wait short.
func (m *Manager) NotifyNetworkUp() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// UpdateCredentials replaces the endpoint and token used for reconnecting.
// If the last attempt failed on authentication, a new attempt starts.
func (m *Manager) UpdateCredentials(endpoint, token string) {
	m.mu.Lock()
	if endpoint != "" {
		m.endpoint = endpoint
	}
	m.token = token
	endpoint = m.endpoint
	st := m.status
	m.mu.Unlock()

	m.logger.Info("gateway credentials updated", "endpoint", endpoint, "token_len", len(token))

	if st.State == StateDisconnected && protocol.RequiresReauth(st.LastError) {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if _, err := m.Connect(m.ctx, endpoint, token); err != nil {
				m.logger.Warn("reconnect with new credentials failed", "error", err)
			}
		}()
	}
}

// Quality rates the connection from recent ping latencies.
func (m *Manager) Quality() Quality {
	return m.health.Quality()
}

// Outbox returns the outbound queue, for observers.
func (m *Manager) Outbox() *outbox.Queue {
	return m.out
}

// Stats returns current statistics.
func (m *Manager) Stats() ManagerStats {
	return ManagerStats{
		State:      m.Status().State,
		Quality:    m.health.Quality(),
		Correlator: m.corr.Stats(),
		Dispatcher: m.disp.Stats(),
		Outbox:     m.out.Stats(),
		ActiveRuns: m.runs.len(),
	}
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// setState moves to next and emits the new Status. Illegal transitions are
// refused and logged.
func (m *Manager) setState(next State, mutate func(*Status)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.status.State
	if !CanTransition(cur, next) {
		m.logger.Error("illegal state transition refused", "from", cur, "to", next)
		return false
	}

	m.status.State = next
	m.status.Since = time.Now()
	if mutate != nil {
		mutate(&m.status)
	}
	m.emitLocked()

	m.logger.Debug("state changed", "from", cur, "to", next)
	return true
}

// updateStatus changes Status fields without a state transition.
func (m *Manager) updateStatus(mutate func(*Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mutate(&m.status)
	m.emitLocked()
}

// ensureState moves to StateDisconnected from wherever the connection is.
func (m *Manager) ensureState(target State) {
	if m.Status().State == target {
		return
	}
	m.setState(target, func(s *Status) {
		s.Protocol = 0
		s.Attempt = 0
		s.NextRetry = 0
	})
}

// emitLocked must be called with m.mu held so emissions keep their order.
func (m *Manager) emitLocked() {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.stateSubs {
		select {
		case ch <- m.status:
		default:
			m.logger.Warn("state subscriber behind, dropping status", "state", m.status.State)
		}
	}
}

// dial opens a socket and completes the handshake. On failure the state
// moves to reconnecting for retryable errors and disconnected otherwise.
func (m *Manager) dial(ctx context.Context, endpoint, token string) error {
	if !m.setState(StateConnecting, func(s *Status) { s.Endpoint = endpoint }) {
		return fmt.Errorf("cannot connect from state %s", m.Status().State)
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	client, url, err := m.open(dialCtx, endpoint)
	if err != nil {
		return m.failAttempt(ctx, err)
	}

	m.setState(StateHandshaking, nil)

	hello, err := m.handshake(dialCtx, client, url, token)
	if err != nil {
		client.Close()
		return m.failAttempt(ctx, err)
	}

	m.establish(client, url, hello)
	return nil
}

func (m *Manager) failAttempt(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		err = ctx.Err()
	}

	next := StateDisconnected
	if protocol.IsRetryable(err) {
		next = StateReconnecting
	}

	var hs *protocol.HandshakeError
	if errors.As(err, &hs) {
		m.logger.Error("gateway rejected handshake", "code", hs.Code, "auth", hs.Auth)
	} else {
		m.logger.Warn("connection attempt failed", "error", err, "retry", next == StateReconnecting)
	}

	m.setState(next, func(s *Status) {
		s.LastError = err
		s.Protocol = 0
	})
	return err
}

// open dials endpoint. A failed ws:// dial is retried once as wss://;
// wss:// is never downgraded.
func (m *Manager) open(ctx context.Context, endpoint string) (Client, string, error) {
	client := m.newClient(m.clientConfig(endpoint), m.logger.With("url", endpoint))
	err := client.Connect(ctx)
	if err == nil {
		return client, endpoint, nil
	}

	if m.cfg.UpgradeToTLS && strings.HasPrefix(endpoint, "ws://") && ctx.Err() == nil {
		alt := "wss://" + strings.TrimPrefix(endpoint, "ws://")
		altClient := m.newClient(m.clientConfig(alt), m.logger.With("url", alt))
		if altErr := altClient.Connect(ctx); altErr == nil {
			m.logger.Info("connected over TLS after plain dial failed", "endpoint", alt)
			return altClient, alt, nil
		}
	}

	return nil, "", &protocol.UnreachableError{Endpoint: endpoint, Err: err}
}

func (m *Manager) clientConfig(url string) ClientConfig {
	cfg := m.cfg.Client
	cfg.URL = url
	cfg.OnPong = m.health.RecordLatency
	cfg.OnPingFailure = func(error) { m.health.RecordFailure() }
	return cfg
}

// handshake waits for the challenge, sends connect and waits for hello-ok.
func (m *Manager) handshake(ctx context.Context, client Client, url, token string) (protocol.HelloOK, error) {
	next := func() (protocol.Frame, error) {
		for {
			select {
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return protocol.Frame{}, &protocol.TimeoutError{Method: protocol.MethodConnect, Timeout: m.cfg.ConnectTimeout}
				}
				return protocol.Frame{}, ctx.Err()
			case err := <-client.Errors():
				return protocol.Frame{}, &protocol.UnreachableError{Endpoint: url, Err: err}
			case msg := <-client.Messages():
				frame, err := protocol.ParseFrame(msg.Data)
				if err != nil {
					m.logger.Warn("malformed frame during handshake", "error", err)
					continue
				}
				return frame, nil
			}
		}
	}

	for {
		frame, err := next()
		if err != nil {
			return protocol.HelloOK{}, err
		}
		if frame.Kind == protocol.FrameEvent && frame.Event.Event == protocol.EventChallenge {
			var ch protocol.Challenge
			if err := json.Unmarshal(frame.Event.Payload, &ch); err != nil {
				return protocol.HelloOK{}, &protocol.HandshakeError{Code: "INVALID_CHALLENGE", Message: err.Error()}
			}
			m.logger.Debug("received connect challenge", "ts", ch.TS)
			break
		}
		m.logger.Debug("ignoring frame before challenge", "kind", frame.Kind)
	}

	id := uuid.NewString()
	req, err := protocol.NewRequest(id, protocol.MethodConnect, protocol.ConnectParams{
		MinProtocol: protocol.Version,
		MaxProtocol: protocol.Version,
		Client: protocol.ClientInfo{
			ID:       m.cfg.ClientID,
			Version:  m.cfg.ClientVersion,
			Platform: protocol.Platform(),
			Mode:     m.cfg.ClientMode,
		},
		Role:      m.cfg.Role,
		Scopes:    m.cfg.Scopes,
		Auth:      protocol.AuthInfo{Token: token},
		Locale:    m.cfg.Locale,
		UserAgent: m.cfg.Client.UserAgent,
	})
	if err != nil {
		return protocol.HelloOK{}, err
	}
	data, err := req.Encode()
	if err != nil {
		return protocol.HelloOK{}, fmt.Errorf("encode connect: %w", err)
	}
	if err := client.Send(data); err != nil {
		return protocol.HelloOK{}, &protocol.UnreachableError{Endpoint: url, Err: err}
	}

	for {
		frame, err := next()
		if err != nil {
			return protocol.HelloOK{}, err
		}
		if frame.Kind != protocol.FrameResponse || frame.Response.ID != id {
			m.logger.Debug("ignoring frame before hello-ok", "kind", frame.Kind)
			continue
		}

		resp := frame.Response
		if !resp.OK {
			hs := &protocol.HandshakeError{Code: "REJECTED", Message: "connect rejected"}
			if resp.Error != nil {
				hs.Code = resp.Error.Code
				hs.Message = resp.Error.Message
				hs.Auth = protocol.IsAuthCode(resp.Error.Code)
			}
			return protocol.HelloOK{}, hs
		}
		return protocol.ParseHelloOK(resp.Payload, protocol.Version, protocol.Version)
	}
}

// establish installs a handshaken client, reports connected and flushes
// the outbox before any new send is accepted.
func (m *Manager) establish(client Client, url string, hello protocol.HelloOK) {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.mu.Lock()
	m.session++
	session := m.session
	done := make(chan struct{})
	m.client = client
	m.sessionDone = done
	m.mu.Unlock()

	m.disp.ResetSequences()

	m.setState(StateConnected, func(s *Status) {
		s.Endpoint = url
		s.Protocol = hello.Protocol
		s.Server = hello.Server
		s.LastError = nil
		s.Attempt = 0
		s.NextRetry = 0
	})

	m.logger.Info("connected to gateway",
		"endpoint", url,
		"protocol", hello.Protocol,
		"server_version", hello.Server.Version,
		"queued", m.out.Len(),
	)

	m.wg.Add(1)
	go m.readLoop(session, client, done)

	m.flushLocked(session, client)
}

// dropSession closes the current socket without reconnecting. In-flight
// messages go back to the outbox and sent requests fail with cause.
func (m *Manager) dropSession(cause error) {
	m.mu.Lock()
	client := m.client
	m.client = nil
	if m.sessionDone != nil {
		close(m.sessionDone)
		m.sessionDone = nil
	}
	m.session++
	m.mu.Unlock()

	if client == nil {
		return
	}
	client.Close()
	m.out.RequeueInflight()
	m.corr.FailSent(cause)
}

// connectionLost handles an unexpected closure of session.
func (m *Manager) connectionLost(session uint64, cause error) {
	m.mu.Lock()
	if m.session != session || m.client == nil || m.closed {
		m.mu.Unlock()
		return
	}
	client := m.client
	m.client = nil
	close(m.sessionDone)
	m.sessionDone = nil
	m.mu.Unlock()

	client.Close()
	requeued := m.out.RequeueInflight()
	failed := m.corr.FailSent(protocol.ErrConnectionLost)
	m.disp.ResetSequences()
	m.health.RecordFailure()

	m.logger.Warn("connection lost",
		"error", cause,
		"requeued", requeued,
		"failed_requests", failed,
	)

	m.setState(StateReconnecting, func(s *Status) {
		s.LastError = &protocol.UnreachableError{Endpoint: s.Endpoint, Err: cause}
		s.Protocol = 0
	})
	m.startReconnect()
}

// readLoop processes inbound frames of one session in order.
func (m *Manager) readLoop(session uint64, client Client, done <-chan struct{}) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return

		case <-done:
			return

		case err := <-client.Errors():
			// Frames read before the failure are still handled.
			for {
				select {
				case msg := <-client.Messages():
					if !m.handleFrame(session, msg) {
						return
					}
					continue
				default:
				}
				break
			}
			m.connectionLost(session, err)
			return

		case msg := <-client.Messages():
			if !m.handleFrame(session, msg) {
				return
			}
		}
	}
}

// handleFrame routes one frame. It returns false once the session ended.
func (m *Manager) handleFrame(session uint64, msg TimestampedMessage) bool {
	frame, err := protocol.ParseFrame(msg.Data)
	if err != nil {
		return m.anomaly(session, err)
	}

	switch frame.Kind {
	case protocol.FrameResponse:
		if _, err := m.corr.Resolve(*frame.Response); err != nil {
			return m.anomaly(session, err)
		}

	case protocol.FrameEvent:
		evt := *frame.Event
		switch evt.Event {
		case protocol.EventChallenge:
			m.logger.Debug("ignoring challenge after handshake")
			return true
		case protocol.EventChat:
			if ev, err := protocol.DecodeChatEvent(evt.Payload); err == nil {
				m.runs.observe(ev, msg.ReceivedAt)
			}
		}

		delivery := m.dispatch(evt, msg.ReceivedAt)
		if delivery.Malformed {
			bad := &protocol.ProtocolAnomaly{
				Code:    "INVALID_EVENT_PAYLOAD",
				Message: "stream fields of " + evt.Event + " event have the wrong types",
			}
			if !m.anomaly(session, bad) {
				return false
			}
		}

		if evt.Event == protocol.EventShutdown {
			m.connectionLost(session, ErrGatewayShutdown)
			return false
		}

	case protocol.FrameRequest:
		m.logger.Debug("ignoring request frame from gateway", "method", frame.Request.Method)
	}

	return true
}

// dispatch hands evt to the dispatcher, serialized with every other dispatch.
func (m *Manager) dispatch(evt protocol.Event, at time.Time) dispatcher.Delivery {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()
	return m.disp.Dispatch(evt, at)
}

// anomaly logs a protocol anomaly and tears the session down once they
// arrive faster than the configured rate.
func (m *Manager) anomaly(session uint64, err error) bool {
	m.logger.Warn("protocol anomaly", "error", err)
	if m.anomalies.Allow() {
		return true
	}
	m.connectionLost(session, fmt.Errorf("too many protocol anomalies: %w", err))
	return false
}

// startReconnect launches the reconnect loop unless one is running.
func (m *Manager) startReconnect() {
	m.reconnectMu.Lock()
	defer m.reconnectMu.Unlock()

	if m.reconnectCancel != nil || m.isClosed() {
		return
	}

	ctx, cancel := context.WithCancel(m.ctx)
	done := make(chan struct{})
	m.reconnectCancel = cancel
	m.reconnectDone = done

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(done)
		m.reconnectLoop(ctx, done)
	}()
}

// stopReconnect cancels the reconnect loop and waits for it to exit.
func (m *Manager) stopReconnect() {
	m.reconnectMu.Lock()
	cancel, done := m.reconnectCancel, m.reconnectDone
	m.reconnectCancel, m.reconnectDone = nil, nil
	m.reconnectMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// reconnectLoop retries until connected, rejected, or cancelled. Attempts
// are bounded only by time.
func (m *Manager) reconnectLoop(ctx context.Context, done chan struct{}) {
	for attempt := 0; ; attempt++ {
		delay := m.cfg.Backoff.Duration(attempt)
		m.updateStatus(func(s *Status) {
			s.Attempt = attempt + 1
			s.NextRetry = delay
		})

		m.logger.Info("reconnecting", "attempt", attempt+1, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.wake:
			timer.Stop()
			m.logger.Info("network up, retrying now")
		case <-timer.C:
		}

		select {
		case m.connectSem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		if ctx.Err() != nil {
			<-m.connectSem
			return
		}

		m.mu.RLock()
		endpoint, token := m.endpoint, m.token
		m.mu.RUnlock()

		err := m.dial(ctx, endpoint, token)
		<-m.connectSem

		if err == nil || !protocol.IsRetryable(err) {
			if m.finishReconnect(ctx, done) {
				return
			}
			// Lost again before this loop could exit.
			attempt = -1
		}
	}
}

// finishReconnect deregisters the loop. It returns false if the connection
// was lost again meanwhile and the loop must carry on.
func (m *Manager) finishReconnect(ctx context.Context, done chan struct{}) bool {
	m.reconnectMu.Lock()
	defer m.reconnectMu.Unlock()

	if ctx.Err() == nil && m.Status().State == StateReconnecting {
		return false
	}
	if m.reconnectDone == done {
		m.reconnectCancel = nil
		m.reconnectDone = nil
	}
	return true
}

// enqueueOrSend writes msg now when connected with an empty outbox, and
// queues it otherwise.
func (m *Manager) enqueueOrSend(ctx context.Context, msg *outbox.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.isClosed() {
		return protocol.ErrClosed
	}

	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.mu.RLock()
	client, session, state := m.client, m.session, m.status.State
	m.mu.RUnlock()

	if state == StateConnected && client != nil && m.out.Len() == 0 {
		m.deliver(session, client, msg)
		return nil
	}

	m.out.Push(msg)
	m.logger.Debug("queued outbound message",
		"id", msg.ID,
		"method", msg.Method,
		"state", state,
		"queued", m.out.Len(),
	)
	return nil
}

// flushLocked drains the outbox in order. The caller must hold sendMu.
func (m *Manager) flushLocked(session uint64, client Client) {
	m.out.Expire(time.Now())

	n := 0
	for {
		m.mu.RLock()
		active := m.session == session && m.client == client
		m.mu.RUnlock()
		if !active {
			return
		}

		msg, ok := m.out.Pop()
		if !ok {
			break
		}
		if msg.Status().Terminal() {
			continue
		}
		if err := m.deliver(session, client, msg); err != nil {
			return
		}
		n++
	}

	if n > 0 {
		m.logger.Info("flushed outbound queue", "sent", n)
	}
}

// deliver writes msg and starts waiting for its acknowledgement. A write
// failure puts msg back at the front of the outbox.
func (m *Manager) deliver(session uint64, client Client, msg *outbox.Message) error {
	timeout := m.cfg.RequestTimeout
	if !msg.Deadline.IsZero() {
		timeout = time.Until(msg.Deadline)
		if timeout <= 0 {
			m.out.FailMessage(msg, &protocol.TimeoutError{Method: msg.Method, RequestID: msg.ID})
			return nil
		}
	}

	req, err := protocol.NewRequest(msg.ID, msg.Method, msg.Params)
	if err != nil {
		m.out.FailMessage(msg, err)
		return nil
	}
	data, err := req.Encode()
	if err != nil {
		m.out.FailMessage(msg, fmt.Errorf("encode %s: %w", msg.Method, err))
		return nil
	}

	p, err := m.corr.RegisterID(msg.ID, msg.Method, timeout)
	if err != nil {
		m.out.FailMessage(msg, err)
		return nil
	}
	if !m.out.MarkSent(msg) {
		m.corr.Cancel(msg.ID, msg.Err())
		return nil
	}
	m.corr.MarkSent(msg.ID)

	if err := client.Send(data); err != nil {
		m.logger.Warn("send failed, message requeued", "id", msg.ID, "method", msg.Method, "error", err)
		m.corr.Cancel(msg.ID, protocol.ErrConnectionLost)
		m.out.Retry(msg.ID, err)
		return err
	}

	m.wg.Add(1)
	go m.awaitAck(msg, p)
	return nil
}

// awaitAck settles msg from the outcome of its request.
func (m *Manager) awaitAck(msg *outbox.Message, p *correlator.Pending) {
	defer m.wg.Done()

	payload, err := m.corr.Wait(m.ctx, p)

	var remote *protocol.RemoteError
	switch {
	case err == nil:
		m.out.Ack(msg.ID, payload)

	case protocol.IsDuplicate(err) && errors.As(err, &remote):
		// Already applied by the Gateway on an earlier attempt.
		m.out.Ack(msg.ID, remote.Details)

	case errors.Is(err, protocol.ErrConnectionLost):
		// Requeued by the disconnect handler.

	case m.ctx.Err() != nil:

	case !msg.Deadline.IsZero():
		m.out.Fail(msg.ID, err)

	case protocol.IsRetryable(err):
		if m.out.Retry(msg.ID, err) {
			m.kickFlush()
		}

	default:
		m.out.Fail(msg.ID, err)
	}
}

// abandon settles msg for a caller that stopped waiting.
func (m *Manager) abandon(msg *outbox.Message, err error) {
	m.corr.Cancel(msg.ID, err)
	m.out.FailMessage(msg, err)
}

func (m *Manager) kickFlush() {
	select {
	case m.flushCh <- struct{}{}:
	default:
	}
}

// flushLoop drains the outbox when a retry puts a message back.
func (m *Manager) flushLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.flushCh:
			m.sendMu.Lock()
			m.mu.RLock()
			client, session, state := m.client, m.session, m.status.State
			m.mu.RUnlock()
			if state == StateConnected && client != nil {
				m.flushLocked(session, client)
			}
			m.sendMu.Unlock()
		}
	}
}

// maintenanceLoop times out requests, expires queued messages and watches
// for silent chat streams.
func (m *Manager) maintenanceLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.MaintenanceEvery)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			m.corr.Sweep(now)
			m.out.Expire(now)
			m.checkStreams(now)
		}
	}
}

func encodeParams(method string, params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}
	return data, nil
}
