package protocol

import (
	"encoding/json"
	"fmt"
	"runtime"
)

// HelloOKType is the payload type of a successful connect response.
const HelloOKType = "hello-ok"

// Default client identity values accepted by the Gateway schema.
const (
	DefaultClientID   = "openclaw-control-ui"
	DefaultClientMode = "ui"
	DefaultRole       = "operator"
	DefaultLocale     = "en-US"
)

// DefaultScopes are the operator scopes requested on connect.
var DefaultScopes = []string{"operator.read", "operator.write"}

// Challenge is the payload of the connect.challenge event.
type Challenge struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

// ConnectParams are the params of the connect request.
// The Gateway schema rejects unknown properties, so only these fields are sent.
type ConnectParams struct {
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Client      ClientInfo `json:"client"`
	Role        string     `json:"role"`
	Scopes      []string   `json:"scopes"`
	Caps        []string   `json:"caps,omitempty"`
	Auth        AuthInfo   `json:"auth"`
	Locale      string     `json:"locale"`
	UserAgent   string     `json:"userAgent"`
}

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

// AuthInfo carries the auth token.
type AuthInfo struct {
	Token string `json:"token"`
}

// HelloOK is the payload of a successful connect response.
type HelloOK struct {
	Type     string          `json:"type"`
	Protocol int             `json:"protocol"`
	Server   ServerInfo      `json:"server"`
	Features json.RawMessage `json:"features,omitempty"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
	Policy   json.RawMessage `json:"policy,omitempty"`
}

// ServerInfo describes the Gateway instance.
type ServerInfo struct {
	Version string `json:"version,omitempty"`
	Host    string `json:"host,omitempty"`
	ConnID  string `json:"connId,omitempty"`
}

// Platform returns the platform string reported in ClientInfo.
func Platform() string {
	switch runtime.GOOS {
	case "windows", "linux":
		return runtime.GOOS
	case "darwin":
		return "macos"
	default:
		return "unknown"
	}
}

// ParseHelloOK decodes a connect response payload and checks the negotiated
// protocol against the requested range.
func ParseHelloOK(payload json.RawMessage, minProtocol, maxProtocol int) (HelloOK, error) {
	var hello HelloOK
	if len(payload) == 0 {
		return HelloOK{}, &HandshakeError{Code: "MISSING_HELLO", Message: "connect response has no payload"}
	}
	if err := json.Unmarshal(payload, &hello); err != nil {
		return HelloOK{}, &HandshakeError{Code: "INVALID_HELLO", Message: fmt.Sprintf("decode hello-ok: %v", err)}
	}
	if hello.Type != HelloOKType {
		return HelloOK{}, &HandshakeError{
			Code:    "INVALID_HELLO",
			Message: fmt.Sprintf("unexpected connect payload type %q", hello.Type),
		}
	}
	if hello.Protocol < minProtocol || hello.Protocol > maxProtocol {
		return HelloOK{}, &HandshakeError{
			Code:    "PROTOCOL_MISMATCH",
			Message: fmt.Sprintf("gateway speaks protocol %d, client supports %d-%d", hello.Protocol, minProtocol, maxProtocol),
		}
	}
	return hello, nil
}
