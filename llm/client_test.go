package llm

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/m4xw311/aichat/config"
	"github.com/m4xw311/aichat/errors"
	"github.com/m4xw311/aichat/session"
	"github.com/m4xw311/aichat/tools"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestMockLLMClientScript(t *testing.T) {
	m := NewMockLLMClient(
		&session.Message{Content: "first"},
		&session.Message{Role: session.RoleAssistant, Content: "second"},
	)
	m.Replies = append(m.Replies, MockReply{Err: errors.New("boom")})
	ctx := context.Background()
	msgs := []session.Message{{Role: session.RoleUser, Content: "hello"}}
	ts := []tools.Tool{&MockTool{name: "read_file"}}

	r, err := m.Chat(ctx, msgs, ts)
	assert.NilError(t, err)
	assert.Equal(t, r.Role, session.RoleAssistant)
	assert.Equal(t, r.Content, "first")

	r, err = m.Chat(ctx, msgs, nil)
	assert.NilError(t, err)
	assert.Equal(t, r.Content, "second")

	_, err = m.Chat(ctx, msgs, nil)
	assert.ErrorContains(t, err, "boom")

	r, err = m.Chat(ctx, msgs, nil)
	assert.NilError(t, err)
	assert.Equal(t, r.Content, "I am a mock LLM. You said: 'hello'.")

	calls := m.Calls()
	assert.Assert(t, is.Len(calls, 4))
	assert.DeepEqual(t, calls[0].Tools, []string{"read_file"})
	assert.Assert(t, is.Len(calls[1].Tools, 0))
}

func TestMockLLMClientStreamIsSingleUse(t *testing.T) {
	m := &MockLLMClient{}
	stream := m.ChatStream(context.Background(), []session.Message{{Role: session.RoleUser, Content: "x"}}, nil)

	var got []StreamChunk
	for chunk, err := range stream {
		assert.NilError(t, err)
		got = append(got, chunk)
	}
	assert.Assert(t, is.Len(got, 2))
	assert.Equal(t, got[0].Delta, "I am a mock LLM. You said: 'x'.")
	assert.Equal(t, got[1].Message.Content, got[0].Delta)

	n := 0
	for _, err := range stream {
		n++
		assert.ErrorContains(t, err, "already been consumed")
	}
	assert.Equal(t, n, 1)
	assert.Assert(t, is.Len(m.Calls(), 1))
}

func TestCheckHealth(t *testing.T) {
	m := &MockLLMClient{}
	assert.NilError(t, CheckHealth(context.Background(), m))
	assert.Equal(t, m.Calls()[0].Messages[0].Content, "ping")

	failing := &MockLLMClient{Replies: []MockReply{{Err: errors.New("unauthorized")}}}
	err := CheckHealth(context.Background(), failing)
	assert.ErrorContains(t, err, "provider 'mock' is not healthy")
}

func TestConversationID(t *testing.T) {
	assert.Equal(t, ConversationIDFromContext(context.Background()), "")
	ctx := WithConversationID(context.Background(), "abc")
	assert.Equal(t, ConversationIDFromContext(ctx), "abc")
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := New(context.Background(), config.Provider{Name: "nope"}, nil)
	assert.Assert(t, errors.Is(err, errors.ErrInvalidArgument))

	c, err := New(context.Background(), config.Provider{Name: "mock"}, nil)
	assert.NilError(t, err)
	assert.Equal(t, c.Name(), "mock")

	_, err = New(context.Background(), config.Provider{Name: "anthropic"}, nil)
	assert.ErrorContains(t, err, "ANTHROPIC_API_KEY")
}

type memProviderStore struct {
	saved json.RawMessage
}

func (s *memProviderStore) LoadProviderConfig(ctx context.Context, v any) (bool, error) {
	if s.saved == nil {
		return false, nil
	}
	return true, json.Unmarshal(s.saved, v)
}

func (s *memProviderStore) SaveProviderConfig(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	s.saved = data
	return err
}

type namedMock struct {
	MockLLMClient
	name string
}

func (n *namedMock) Name() string { return n.name }

func testBuilder(ctx context.Context, p config.Provider, audit AuditLogger) (LLMClient, error) {
	if p.Name == "broken" {
		return nil, errors.New("cannot build")
	}
	return &namedMock{name: p.Name + ":" + p.Model}, nil
}

func TestManagerReplace(t *testing.T) {
	ctx := context.Background()
	store := &memProviderStore{}
	m, err := newManager(ctx, config.Provider{Name: "mock", Model: "a"}, store, nil, testBuilder)
	assert.NilError(t, err)
	assert.Equal(t, m.Name(), "mock:a")

	// The manager is an LLMClient and follows replacements.
	var client LLMClient = m
	assert.NilError(t, m.Replace(ctx, config.Provider{Name: "other", Model: "b"}))
	assert.Equal(t, client.Name(), "other:b")
	assert.Equal(t, m.Provider().Model, "b")

	err = m.Replace(ctx, config.Provider{Name: "broken"})
	assert.ErrorContains(t, err, "cannot build")
	assert.Equal(t, client.Name(), "other:b")

	// A new manager resumes from the persisted provider.
	again, err := newManager(ctx, config.Provider{Name: "mock", Model: "a"}, store, nil, testBuilder)
	assert.NilError(t, err)
	assert.Equal(t, again.Name(), "other:b")
}

// blockingClient holds Chat calls until release is closed and records when
// it is closed itself.
type blockingClient struct {
	MockLLMClient
	started chan struct{}
	release chan struct{}
	closed  chan struct{}
}

func (b *blockingClient) Chat(ctx context.Context, messages []session.Message, availableTools []tools.Tool) (*session.Message, error) {
	close(b.started)
	<-b.release
	return b.MockLLMClient.Chat(ctx, messages, availableTools)
}

func (b *blockingClient) Close() error {
	close(b.closed)
	return nil
}

func TestManagerReplaceWaitsForCallsInFlight(t *testing.T) {
	ctx := context.Background()
	old := &blockingClient{started: make(chan struct{}), release: make(chan struct{}), closed: make(chan struct{})}
	build := func(ctx context.Context, p config.Provider, audit AuditLogger) (LLMClient, error) {
		if p.Name == "old" {
			return old, nil
		}
		return testBuilder(ctx, p, audit)
	}
	m, err := newManager(ctx, config.Provider{Name: "old"}, nil, nil, build)
	assert.NilError(t, err)

	result := make(chan error, 1)
	go func() {
		_, err := m.Chat(ctx, []session.Message{{Role: session.RoleUser, Content: "hi"}}, nil)
		result <- err
	}()
	<-old.started

	assert.NilError(t, m.Replace(ctx, config.Provider{Name: "new", Model: "b"}))
	assert.Equal(t, m.Name(), "new:b")
	select {
	case <-old.closed:
		t.Fatal("previous client closed while a call was running")
	default:
	}

	close(old.release)
	assert.NilError(t, <-result)
	select {
	case <-old.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("previous client was never closed")
	}
}

func TestManagerDelegatesChat(t *testing.T) {
	m, err := newManager(context.Background(), config.Provider{Name: "mock"}, nil, nil, New)
	assert.NilError(t, err)
	r, err := m.Chat(context.Background(), []session.Message{{Role: session.RoleUser, Content: "yo"}}, nil)
	assert.NilError(t, err)
	assert.Equal(t, r.Content, "I am a mock LLM. You said: 'yo'.")
}

func TestConvertMessagesToGeminiContent(t *testing.T) {
	msgs := append(history(),
		session.Message{Role: session.RoleTool, ToolCallID: "call_0", Content: "plain text"},
		session.Message{Role: session.RoleUser, Content: "thanks"},
	)
	contents, system := convertMessagesToGeminiContent(msgs)
	assert.Equal(t, system, "You are helpful.")
	assert.Assert(t, is.Len(contents, 3))

	assert.Equal(t, contents[0].Role, "user")
	assert.Assert(t, is.Len(contents[0].Parts, 2))
	blob, ok := contents[0].Parts[1].(genai.Blob)
	assert.Assert(t, ok)
	assert.Equal(t, blob.MIMEType, "image/png")

	assert.Equal(t, contents[1].Role, "model")
	call := contents[1].Parts[0].(genai.FunctionCall)
	assert.Equal(t, call.Name, "read_file")

	// Both tool results and the follow-up merge into one user turn.
	assert.Equal(t, contents[2].Role, "user")
	assert.Assert(t, is.Len(contents[2].Parts, 3))
	first := contents[2].Parts[0].(genai.FunctionResponse)
	assert.DeepEqual(t, first.Response, map[string]any{"status": "ok", "content": "hi"})
	second := contents[2].Parts[1].(genai.FunctionResponse)
	assert.Equal(t, second.Name, "read_file")
	assert.DeepEqual(t, second.Response, map[string]any{"result": "plain text"})
}

func TestGeminiSchema(t *testing.T) {
	s := geminiSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{"type": "string", "enum": []any{"move", "click"}},
			"edits":  map[string]any{"type": "array", "items": map[string]any{"type": "object"}},
			"x":      map[string]any{"type": "integer"},
		},
		"required": []any{"action"},
	})
	assert.Equal(t, s.Type, genai.TypeObject)
	assert.DeepEqual(t, s.Required, []string{"action"})
	assert.DeepEqual(t, s.Properties["action"].Enum, []string{"move", "click"})
	assert.Equal(t, s.Properties["edits"].Items.Type, genai.TypeObject)
	assert.Equal(t, s.Properties["x"].Type, genai.TypeInteger)
}

func TestProcessGeminiResponse(t *testing.T) {
	resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{Content: &genai.Content{
		Role: "model",
		Parts: []genai.Part{
			genai.Text("Looking."),
			genai.FunctionCall{Name: "read_file", Args: map[string]any{"path": "a"}},
			genai.FunctionCall{Name: "list_files"},
		},
	}}}}
	msg, err := processGeminiResponse(resp)
	assert.NilError(t, err)
	assert.Equal(t, msg.Content, "Looking.")
	assert.Assert(t, is.Len(msg.ToolCalls, 2))
	assert.Equal(t, msg.ToolCalls[0].ToolCallID, "call_0_read_file")
	assert.Equal(t, msg.ToolCalls[1].ToolCallID, "call_1_list_files")
	assert.DeepEqual(t, msg.ToolCalls[1].Args, map[string]any{})

	_, err = processGeminiResponse(&genai.GenerateContentResponse{})
	assert.ErrorContains(t, err, "empty response")
}
