package session

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the durable owner of conversations, their messages and the
// provider audit log.
type Store interface {
	AppendMessage(ctx context.Context, sessionID, role string, payload any) error
	ListMessages(ctx context.Context, sessionID string) ([]StoredMessage, error)
	AppendLog(ctx context.Context, rec LogRecord) error
	LoadProviderConfig(ctx context.Context, v any) (bool, error)
	SaveProviderConfig(ctx context.Context, v any) error
}

// Info describes one conversation.
type Info struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Mode      string    `json:"mode"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StoredMessage is a persisted message. Content holds whatever payload the
// writer appended, usually {"mode", "message", "meta"}.
type StoredMessage struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
}

// LogRecord is one audited provider exchange.
type LogRecord struct {
	ID            int64           `json:"id"`
	SessionID     string          `json:"session_id"`
	Provider      string          `json:"provider"`
	Method        string          `json:"method"`
	URL           string          `json:"url"`
	RequestBody   json.RawMessage `json:"request_body,omitempty"`
	ResponseBody  json.RawMessage `json:"response_body,omitempty"`
	StatusCode    int             `json:"status_code"`
	Success       bool            `json:"success"`
	ParsedSuccess *bool           `json:"parsed_success"`
	ParseError    string          `json:"parse_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Payload is the envelope the orchestrator persists for every message.
type Payload struct {
	Mode    string         `json:"mode"`
	Message Message        `json:"message"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// DecodeStored recovers a Message from a stored entry. Besides the Payload
// envelope it accepts a bare message object, a plain string and a part array.
func DecodeStored(sm StoredMessage) (Message, error) {
	raw := sm.Content
	msg := Message{Role: sm.Role}
	if len(raw) == 0 {
		return msg, nil
	}
	switch raw[0] {
	case '{':
		var peek map[string]json.RawMessage
		if err := json.Unmarshal(raw, &peek); err != nil {
			return msg, err
		}
		if inner, ok := peek["message"]; ok {
			raw = inner
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return msg, err
		}
		if msg.Role == "" {
			msg.Role = sm.Role
		}
		return msg, nil
	default:
		return msg, msg.decodeContent(raw)
	}
}
