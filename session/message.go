package session

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/m4xw311/aichat/errors"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

const (
	PartText  = "text"
	PartImage = "image_url"
)

// ContentPart is one element of a multi-part message. Image parts carry an
// inline data URL of the form data:<mime>;base64,<payload>.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

func ImagePart(dataURL string) ContentPart {
	return ContentPart{Type: PartImage, ImageURL: &ImageURL{URL: dataURL}}
}

// ToolCall is a model's request to invoke a capability. The id is assigned by
// the provider and is echoed back by the tool-role message answering it.
type ToolCall struct {
	ToolCallID string                 `json:"id"`
	Name       string                 `json:"name"`
	Args       map[string]interface{} `json:"arguments"`
}

// Message is the provider-independent conversation entry. Content is either
// the plain string in Content or the ordered Parts; both empty means absent.
type Message struct {
	Role       string
	Content    string
	Parts      []ContentPart
	Name       string
	ToolCalls  []ToolCall
	ToolCallID string
}

// Text returns the string content, or the text parts joined in order.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// HasContent reports whether the message carries any content at all.
func (m Message) HasContent() bool {
	return m.Content != "" || len(m.Parts) > 0
}

type wireMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{Role: m.Role, Name: m.Name, ToolCalls: m.ToolCalls, ToolCallID: m.ToolCallID}
	var err error
	switch {
	case len(m.Parts) > 0:
		w.Content, err = json.Marshal(m.Parts)
	case m.Content != "":
		w.Content, err = json.Marshal(m.Content)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message{Role: w.Role, Name: w.Name, ToolCalls: w.ToolCalls, ToolCallID: w.ToolCallID}
	return m.decodeContent(w.Content)
}

func (m *Message) decodeContent(raw json.RawMessage) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if raw[0] == '"' {
		return json.Unmarshal(raw, &m.Content)
	}
	return json.Unmarshal(raw, &m.Parts)
}

// ParseDataURL splits data:<mime>;base64,<payload> into its media type and
// base64 payload.
func ParseDataURL(url string) (mediaType, data string, err error) {
	if !strings.HasPrefix(url, "data:") {
		return "", "", errors.Errorf(errors.ErrInvalidArgument, "image is not a data URL")
	}
	header, payload, ok := strings.Cut(url, ",")
	if !ok {
		return "", "", errors.Errorf(errors.ErrInvalidArgument, "data URL has no payload")
	}
	head, _, _ := strings.Cut(header, ";")
	_, mediaType, _ = strings.Cut(head, ":")
	if mediaType == "" {
		return "", "", errors.Errorf(errors.ErrInvalidArgument, "data URL has no media type")
	}
	return mediaType, payload, nil
}

func NewDataURL(mediaType string, raw []byte) string {
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(raw)
}
