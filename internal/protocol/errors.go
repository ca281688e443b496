package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrNotConnected   = errors.New("not connected")
	ErrClosed         = errors.New("client closed")
	ErrQueueOverflow  = errors.New("outbound queue full, oldest message dropped")
	ErrMessageExpired = errors.New("outbound message expired before delivery")
	ErrDuplicateID    = errors.New("request id already outstanding")
	ErrConnectionLost = errors.New("connection lost before response")
)

// CodeDuplicateRequest is returned for a chat.send whose idempotency key
// the Gateway already applied. Details carry the original result.
const CodeDuplicateRequest = "DUPLICATE_REQUEST"

// authCodes are Gateway error codes that require new credentials.
var authCodes = map[string]bool{
	"UNAUTHORIZED":  true,
	"FORBIDDEN":     true,
	"TOKEN_EXPIRED": true,
	"INVALID_TOKEN": true,
	"AUTH_FAILED":   true,
}

// retryableCodes are Gateway error codes worth retrying unchanged.
var retryableCodes = map[string]bool{
	"RATE_LIMITED":        true,
	"SERVICE_UNAVAILABLE": true,
	"OVERLOADED":          true,
	"TIMEOUT":             true,
	"TEMPORARY_ERROR":     true,
	"RETRY":               true,
}

// IsAuthCode reports whether a Gateway error code is an authentication failure.
func IsAuthCode(code string) bool {
	return authCodes[code]
}

// UnreachableError means no network path to the Gateway.
type UnreachableError struct {
	Endpoint string
	Err      error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("gateway unreachable at %s: %v", e.Endpoint, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// HandshakeError means the Gateway rejected the connect request.
// It is fatal for the attempt and is not retried with the same credentials.
type HandshakeError struct {
	Code    string
	Message string
	Auth    bool // true when the token was rejected
}

func (e *HandshakeError) Error() string {
	if e.Auth {
		return fmt.Sprintf("handshake rejected (%s): authentication failed: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("handshake rejected (%s): %s", e.Code, e.Message)
}

// TimeoutError means no response arrived within the deadline.
type TimeoutError struct {
	Method    string
	RequestID string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s request %s timed out after %s", e.Method, e.RequestID, e.Timeout)
}

// RemoteError is a failure reported by the Gateway in a response.
type RemoteError struct {
	Code      string
	Message   string
	Details   json.RawMessage
	Retryable bool
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("gateway error (%s): %s", e.Code, e.Message)
}

// ProtocolAnomaly is a malformed or unexpected frame.
type ProtocolAnomaly struct {
	Code    string
	Message string
}

func (e *ProtocolAnomaly) Error() string {
	return fmt.Sprintf("protocol anomaly (%s): %s", e.Code, e.Message)
}

// ClassifyRemote converts a response error body into a *RemoteError.
// An explicit retryable flag from the Gateway wins over the code table.
func ClassifyRemote(shape ErrorShape) error {
	retryable := retryableCodes[shape.Code]
	if shape.Retryable != nil {
		retryable = *shape.Retryable
	}
	if IsAuthCode(shape.Code) {
		retryable = false
	}
	return &RemoteError{
		Code:      shape.Code,
		Message:   shape.Message,
		Details:   shape.Details,
		Retryable: retryable,
	}
}

// IsRetryable reports whether err is transient and may be retried automatically.
func IsRetryable(err error) bool {
	var (
		unreachable *UnreachableError
		timeout     *TimeoutError
		remote      *RemoteError
		handshake   *HandshakeError
	)
	switch {
	case errors.As(err, &handshake):
		return false
	case errors.As(err, &unreachable), errors.As(err, &timeout):
		return true
	case errors.Is(err, ErrConnectionLost):
		return true
	case errors.As(err, &remote):
		return remote.Retryable
	}
	return false
}

// IsDuplicate reports whether err is the Gateway refusing an idempotency key
// it already applied.
func IsDuplicate(err error) bool {
	var remote *RemoteError
	return errors.As(err, &remote) && remote.Code == CodeDuplicateRequest
}

// RequiresReauth reports whether err can only be fixed with new credentials.
func RequiresReauth(err error) bool {
	var handshake *HandshakeError
	if errors.As(err, &handshake) {
		return handshake.Auth
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return IsAuthCode(remote.Code)
	}
	return false
}

// Description is the human-readable form of an error, shown instead of raw protocol text.
type Description struct {
	Title      string
	Message    string
	Suggestion string
}

// Describe translates any client error into a Description.
func Describe(err error) Description {
	var (
		unreachable *UnreachableError
		handshake   *HandshakeError
		timeout     *TimeoutError
		remote      *RemoteError
		anomaly     *ProtocolAnomaly
	)

	switch {
	case err == nil:
		return Description{}

	case errors.As(err, &handshake) && handshake.Auth:
		return Description{
			Title:      "Authentication failed",
			Message:    "The Gateway rejected your token.",
			Suggestion: "Check your Gateway token in settings, then reconnect.",
		}

	case errors.As(err, &handshake):
		if handshake.Code == "PROTOCOL_MISMATCH" {
			return Description{
				Title:      "Incompatible Gateway",
				Message:    "This Gateway uses a protocol version this app does not support.",
				Suggestion: "Update the app or the Gateway so their versions match.",
			}
		}
		return Description{
			Title:      "Connection refused",
			Message:    "The Gateway refused the connection.",
			Suggestion: "Check the Gateway URL and settings, then reconnect.",
		}

	case errors.As(err, &unreachable):
		return Description{
			Title:      "Gateway unreachable",
			Message:    "Unable to connect to the Gateway. Please check your network connection.",
			Suggestion: "Make sure the Gateway is running and the URL is correct. We'll keep retrying.",
		}

	case errors.As(err, &timeout):
		return Description{
			Title:      "Request timed out",
			Message:    fmt.Sprintf("No response from the Gateway after %s.", timeout.Timeout.Round(time.Millisecond)),
			Suggestion: "Please try again.",
		}

	case errors.As(err, &remote) && IsAuthCode(remote.Code):
		return Description{
			Title:      "Authentication failed",
			Message:    "Your session is no longer authorized.",
			Suggestion: "Check your Gateway token in settings, then reconnect.",
		}

	case errors.As(err, &remote):
		suggestion := "Check your request and try again."
		if remote.Retryable {
			suggestion = "The Gateway is busy. Please try again in a moment."
		}
		msg := remote.Message
		if msg == "" {
			msg = "The Gateway could not complete the request."
		}
		return Description{
			Title:      "Gateway error",
			Message:    msg,
			Suggestion: suggestion,
		}

	case errors.As(err, &anomaly):
		return Description{
			Title:      "Communication error",
			Message:    "The Gateway sent a message this app could not understand.",
			Suggestion: "Try reconnecting.",
		}

	case errors.Is(err, ErrQueueOverflow):
		return Description{
			Title:      "Message not sent",
			Message:    "Too many messages were waiting while offline; the oldest was dropped.",
			Suggestion: "Resend the message once the connection is back.",
		}

	case errors.Is(err, ErrMessageExpired):
		return Description{
			Title:      "Message not sent",
			Message:    "The message waited too long for the connection to come back.",
			Suggestion: "Resend the message.",
		}

	case errors.Is(err, ErrConnectionLost):
		return Description{
			Title:      "Connection lost",
			Message:    "The connection dropped before the Gateway answered.",
			Suggestion: "We'll reconnect automatically. Try again once connected.",
		}

	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrClosed):
		return Description{
			Title:      "Not connected",
			Message:    "There is no connection to the Gateway.",
			Suggestion: "Connect to a Gateway and try again.",
		}

	case errors.Is(err, context.Canceled):
		return Description{
			Title:   "Cancelled",
			Message: "The request was cancelled.",
		}
	}

	return Description{
		Title:      "Something went wrong",
		Message:    "An unexpected error occurred.",
		Suggestion: "Please try again.",
	}
}
