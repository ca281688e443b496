package protocol

import (
	"encoding/json"
	"strings"
)

// Chat run states carried by chat events.
const (
	ChatStateDelta   = "delta"
	ChatStateFinal   = "final"
	ChatStateAborted = "aborted"
	ChatStateError   = "error"
)

// ChatSendParams are the params of a chat.send request.
// IdempotencyKey lets the Gateway deduplicate retried submissions.
type ChatSendParams struct {
	Message        string       `json:"message"`
	SessionKey     string       `json:"sessionKey,omitempty"`
	IdempotencyKey string       `json:"idempotencyKey"`
	Thinking       string       `json:"thinking,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// Attachment is a base64 file sent alongside a chat message.
type Attachment struct {
	Type     string `json:"type"` // "image", "text" or "file"
	MimeType string `json:"mimeType"`
	FileName string `json:"fileName"`
	Content  string `json:"content"` // base64
}

// NewAttachment classifies the attachment type from its MIME type.
func NewAttachment(fileName, mimeType, base64Content string) Attachment {
	kind := "file"
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		kind = "image"
	case strings.HasPrefix(mimeType, "text/"):
		kind = "text"
	}
	return Attachment{
		Type:     kind,
		MimeType: mimeType,
		FileName: fileName,
		Content:  base64Content,
	}
}

// ChatEvent is the payload of a chat event.
type ChatEvent struct {
	RunID        string          `json:"runId,omitempty"`
	SessionKey   string          `json:"sessionKey,omitempty"`
	Seq          *int64          `json:"seq,omitempty"`
	State        string          `json:"state,omitempty"`
	Message      json.RawMessage `json:"message,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Usage        *TokenUsage     `json:"usage,omitempty"`
	StopReason   string          `json:"stopReason,omitempty"`
}

// TokenUsage reports token counts for a finished run.
type TokenUsage struct {
	Input       int `json:"input,omitempty"`
	Output      int `json:"output,omitempty"`
	TotalTokens int `json:"totalTokens,omitempty"`
}

// DecodeChatEvent decodes a chat event payload.
func DecodeChatEvent(payload json.RawMessage) (ChatEvent, error) {
	var ev ChatEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ChatEvent{}, &ProtocolAnomaly{Code: "INVALID_CHAT_EVENT", Message: err.Error()}
	}
	return ev, nil
}

// Content returns the text content of a delta message, if any.
func (e ChatEvent) Content() string {
	if len(e.Message) == 0 {
		return ""
	}
	var msg struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(e.Message, &msg); err != nil {
		return ""
	}
	var text string
	if err := json.Unmarshal(msg.Content, &text); err != nil {
		return ""
	}
	return text
}

// Terminal reports whether the run ended with this event.
func (e ChatEvent) Terminal() bool {
	switch e.State {
	case ChatStateFinal, ChatStateAborted, ChatStateError:
		return true
	}
	return false
}

// ModelInfo describes a model offered by the Gateway.
type ModelInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	IsDefault     bool   `json:"is_default"`
	ContextWindow int    `json:"contextWindow,omitempty"`
	Reasoning     bool   `json:"reasoning,omitempty"`
}

// FallbackModels is used when the Gateway does not answer models.list.
func FallbackModels() []ModelInfo {
	return []ModelInfo{
		{ID: "anthropic/claude-sonnet-4-5", Name: "Claude Sonnet 4.5", Provider: "anthropic", IsDefault: true, ContextWindow: 200000},
		{ID: "anthropic/claude-opus-4-5", Name: "Claude Opus 4.5", Provider: "anthropic", ContextWindow: 200000, Reasoning: true},
		{ID: "anthropic/claude-sonnet-3-5", Name: "Claude Sonnet 3.5", Provider: "anthropic", ContextWindow: 200000},
	}
}
