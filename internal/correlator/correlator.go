// Package correlator matches Gateway responses to the requests that caused them.
//
// Every registered request resolves exactly once: with its response, a
// timeout, a cancellation, or a connection failure. Responses that arrive
// after a request was cancelled or timed out are dropped quietly. Responses
// for ids that were never issued, or that already resolved, are reported as
// protocol anomalies.
package correlator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rickgao/moltzer/internal/protocol"
)

// lateCacheSize bounds how many settled ids are remembered.
const lateCacheSize = 1024

// Pending is an outstanding request.
type Pending struct {
	ID          string
	Method      string
	SubmittedAt time.Time
	Deadline    time.Time
	Timeout     time.Duration

	once    sync.Once
	done    chan struct{}
	payload json.RawMessage
	err     error

	mu   sync.Mutex
	sent bool
}

// Done is closed once the request resolves.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome. Only valid after Done is closed.
func (p *Pending) Result() (json.RawMessage, error) {
	<-p.done
	return p.payload, p.err
}

// Sent reports whether the request was written to the wire.
func (p *Pending) Sent() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

// complete resolves the request. Only the first call has an effect.
func (p *Pending) complete(payload json.RawMessage, err error) bool {
	first := false
	p.once.Do(func() {
		p.payload = payload
		p.err = err
		first = true
		close(p.done)
	})
	return first
}

// Stats contains correlator statistics.
type Stats struct {
	Outstanding int
	Resolved    int64
	TimedOut    int64
	Cancelled   int64
	Failed      int64
	LateDropped int64
	Anomalies   int64
}

// Correlator tracks outstanding requests by id.
type Correlator struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*Pending

	// late holds ids settled without a response; a response for them is a no-op.
	late *lru.Cache[string, struct{}]
	// resolved holds ids answered by a response; a second response is a duplicate.
	resolved *lru.Cache[string, struct{}]

	stats Stats
}

// New creates a Correlator.
func New(logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}

	// lru.New only fails for non-positive sizes.
	late, _ := lru.New[string, struct{}](lateCacheSize)
	resolved, _ := lru.New[string, struct{}](lateCacheSize)

	return &Correlator{
		logger:   logger,
		pending:  make(map[string]*Pending),
		late:     late,
		resolved: resolved,
	}
}

// Register creates a pending request with a fresh unique id.
func (c *Correlator) Register(method string, timeout time.Duration) *Pending {
	for {
		p, err := c.RegisterID(uuid.NewString(), method, timeout)
		if err == nil {
			return p
		}
	}
}

// RegisterID creates a pending request with a caller-chosen id.
// It fails with protocol.ErrDuplicateID if that id is still outstanding.
func (c *Correlator) RegisterID(id, method string, timeout time.Duration) (*Pending, error) {
	now := time.Now()
	p := &Pending{
		ID:          id,
		Method:      method,
		SubmittedAt: now,
		Deadline:    now.Add(timeout),
		Timeout:     timeout,
		done:        make(chan struct{}),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[id]; exists {
		return nil, protocol.ErrDuplicateID
	}
	c.pending[id] = p
	c.late.Remove(id)
	c.resolved.Remove(id)

	return p, nil
}

// MarkSent records that the request went out on the wire.
func (c *Correlator) MarkSent(id string) {
	c.mu.Lock()
	p, ok := c.pending[id]
	c.mu.Unlock()

	if ok {
		p.mu.Lock()
		p.sent = true
		p.mu.Unlock()
	}
}

// Resolve completes the request matching resp.ID. It returns true if a
// pending request was resolved. A non-nil error is a protocol anomaly.
func (c *Correlator) Resolve(resp protocol.Response) (bool, error) {
	c.mu.Lock()
	p, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
		c.resolved.Add(resp.ID, struct{}{})
		c.stats.Resolved++
	}
	c.mu.Unlock()

	if ok {
		p.complete(resp.Payload, resp.Err())
		return true, nil
	}

	if c.late.Contains(resp.ID) {
		c.mu.Lock()
		c.stats.LateDropped++
		c.mu.Unlock()
		c.logger.Debug("dropping late response", "id", resp.ID)
		return false, nil
	}

	c.mu.Lock()
	c.stats.Anomalies++
	c.mu.Unlock()

	if c.resolved.Contains(resp.ID) {
		return false, &protocol.ProtocolAnomaly{
			Code:    "DUPLICATE_RESPONSE",
			Message: "second response for request " + resp.ID,
		}
	}
	return false, &protocol.ProtocolAnomaly{
		Code:    "UNKNOWN_RESPONSE",
		Message: "response for unknown request " + resp.ID,
	}
}

// Cancel settles the request with err. It returns false if the request
// was not outstanding.
func (c *Correlator) Cancel(id string, err error) bool {
	p, ok := c.settle(id)
	if !ok {
		return false
	}

	c.mu.Lock()
	c.stats.Cancelled++
	c.mu.Unlock()

	p.complete(nil, err)
	return true
}

// Sweep times out every request whose deadline is at or before now and
// returns them.
func (c *Correlator) Sweep(now time.Time) []*Pending {
	c.mu.Lock()
	var expired []*Pending
	for id, p := range c.pending {
		if !now.Before(p.Deadline) {
			expired = append(expired, p)
			delete(c.pending, id)
			c.late.Add(id, struct{}{})
			c.stats.TimedOut++
		}
	}
	c.mu.Unlock()

	for _, p := range expired {
		p.complete(nil, timeoutError(p))
	}

	if len(expired) > 0 {
		c.logger.Debug("requests timed out", "count", len(expired))
	}
	return expired
}

// FailSent fails every request already written to the wire. Used when the
// connection drops, since a response can no longer arrive for them.
func (c *Correlator) FailSent(err error) int {
	return c.failWhere(err, func(p *Pending) bool { return p.Sent() })
}

// FailAll fails every outstanding request.
func (c *Correlator) FailAll(err error) int {
	return c.failWhere(err, func(*Pending) bool { return true })
}

func (c *Correlator) failWhere(err error, match func(*Pending) bool) int {
	c.mu.Lock()
	var failed []*Pending
	for id, p := range c.pending {
		if match(p) {
			failed = append(failed, p)
			delete(c.pending, id)
			c.late.Add(id, struct{}{})
			c.stats.Failed++
		}
	}
	c.mu.Unlock()

	for _, p := range failed {
		p.complete(nil, err)
	}
	return len(failed)
}

// Wait blocks until p resolves, its deadline passes, or ctx is done.
// A cancelled context settles the request so a late response is ignored.
func (c *Correlator) Wait(ctx context.Context, p *Pending) (json.RawMessage, error) {
	timer := time.NewTimer(time.Until(p.Deadline))
	defer timer.Stop()

	select {
	case <-p.Done():
	case <-timer.C:
		if _, ok := c.settle(p.ID); ok {
			c.mu.Lock()
			c.stats.TimedOut++
			c.mu.Unlock()
			p.complete(nil, timeoutError(p))
		}
	case <-ctx.Done():
		c.Cancel(p.ID, ctx.Err())
	}

	return p.Result()
}

// Len returns the number of outstanding requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stats returns correlator statistics.
func (c *Correlator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Outstanding = len(c.pending)
	return s
}

// settle removes an outstanding request and remembers its id as late.
func (c *Correlator) settle(id string) (*Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[id]
	if !ok {
		return nil, false
	}
	delete(c.pending, id)
	c.late.Add(id, struct{}{})
	return p, true
}

func timeoutError(p *Pending) error {
	return &protocol.TimeoutError{
		Method:    p.Method,
		RequestID: p.ID,
		Timeout:   p.Timeout,
	}
}
