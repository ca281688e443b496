package connection

import (
	"errors"
	"time"

	"github.com/rickgao/moltzer/internal/outbox"
)

// Errors
var (
	ErrStaleConnection = errors.New("connection stale (no pong)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrGatewayShutdown = errors.New("gateway shutting down")
)

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL (e.g., ws://127.0.0.1:18789)
	HandshakeTimeout time.Duration // Dial + HTTP upgrade timeout
	PingInterval     time.Duration // How often to send a keepalive ping
	PingTimeout      time.Duration // Max time without pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
	UserAgent        string        // User-Agent header on the upgrade request

	// OnPong receives the round trip time of each answered ping.
	OnPong func(rtt time.Duration)
	// OnPingFailure is called when a ping cannot be written.
	OnPingFailure func(err error)
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      90 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1000,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	Client ClientConfig

	ClientID       string        // client.id sent on connect
	ClientVersion  string        // client.version sent on connect
	ClientMode     string        // client.mode sent on connect
	Role           string        // role sent on connect
	Scopes         []string      // scopes sent on connect
	Locale         string        // locale sent on connect
	ConnectTimeout time.Duration // Max time for challenge + hello-ok
	RequestTimeout time.Duration // Default timeout for calls and queued sends
	UpgradeToTLS   bool          // Retry a failed ws:// dial as wss://

	Backoff Backoff
	Queue   outbox.Config

	AnomalyRate  float64 // Protocol anomalies per second tolerated
	AnomalyBurst int     // Anomalies tolerated in a burst

	StreamIdleTimeout time.Duration // Chat run silence before a stream_timeout event
	MaintenanceEvery  time.Duration // Sweep interval for timeouts and expiry
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Client:            DefaultClientConfig(),
		ConnectTimeout:    15 * time.Second,
		RequestTimeout:    30 * time.Second,
		UpgradeToTLS:      true,
		Backoff:           DefaultBackoff(),
		Queue:             outbox.DefaultConfig(),
		AnomalyRate:       1,
		AnomalyBurst:      20,
		StreamIdleTimeout: 60 * time.Second,
		MaintenanceEvery:  time.Second,
	}
}
