package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m4xw311/aichat/config"
	"github.com/m4xw311/aichat/errors"
	"github.com/m4xw311/aichat/session"
	"github.com/m4xw311/aichat/tools"
	"github.com/openai/openai-go/v2/option"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

type fakeAudit struct {
	mu   sync.Mutex
	recs []session.LogRecord
	err  error
}

func (f *fakeAudit) AppendLog(ctx context.Context, rec session.LogRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return f.err
}

func (f *fakeAudit) records() []session.LogRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.LogRecord(nil), f.recs...)
}

// fakeProvider answers every request with one canned response and keeps the
// last decoded request body.
type fakeProvider struct {
	*httptest.Server
	mu          sync.Mutex
	lastRequest map[string]any
}

func newFakeProvider(t *testing.T, status int, contentType, response string) *fakeProvider {
	t.Helper()
	f := &fakeProvider{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		_ = json.Unmarshal(body, &req)
		f.mu.Lock()
		f.lastRequest = req
		f.mu.Unlock()
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		fmt.Fprint(w, response)
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeProvider) request() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastRequest
}

func newTestOpenAI(t *testing.T, url string, audit AuditLogger) *OpenAILLMClient {
	t.Helper()
	c, err := NewOpenAILLMClient(context.Background(),
		config.Provider{Name: "openai", Model: "gpt-test", APIKey: "test", BaseURL: url},
		audit, option.WithMaxRetries(0))
	assert.NilError(t, err)
	return c
}

func newTestAnthropic(t *testing.T, url string, audit AuditLogger) *AnthropicLLMClient {
	t.Helper()
	c, err := NewAnthropicLLMClient(context.Background(),
		config.Provider{Name: "anthropic", Model: "claude-test", APIKey: "test", BaseURL: url},
		audit, anthropicoption.WithMaxRetries(0))
	assert.NilError(t, err)
	return c
}

// history is a conversation that exercises every message shape.
func history() []session.Message {
	return []session.Message{
		{Role: session.RoleSystem, Content: "You are helpful."},
		{Role: session.RoleUser, Parts: []session.ContentPart{session.TextPart("What is in a.txt?"), session.ImagePart(pixel)}},
		{Role: session.RoleAssistant, ToolCalls: []session.ToolCall{
			{ToolCallID: "call_0", Name: "read_file", Args: map[string]interface{}{"path": "a.txt"}},
		}},
		{Role: session.RoleTool, ToolCallID: "call_0", Name: "read_file", Content: `{"status":"ok","content":"hi"}`},
	}
}

const openAIToolReply = `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-test",
"choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":"Let me look.",
"tool_calls":[{"id":"call_1","type":"function","function":{"name":"read_file","arguments":"{\"path\":\"b.txt\"}"}},
{"id":"call_2","type":"function","function":{"name":"list_files","arguments":""}}]}}]}`

const anthropicToolReply = `{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
"content":[{"type":"text","text":"Let me look."},
{"type":"tool_use","id":"call_1","name":"read_file","input":{"path":"b.txt"}},
{"type":"tool_use","id":"call_2","name":"list_files","input":{}}],
"stop_reason":"tool_use","usage":{"input_tokens":1,"output_tokens":1}}`

func TestOpenAIProjection(t *testing.T) {
	srv := newFakeProvider(t, http.StatusOK, "application/json", openAIToolReply)
	c := newTestOpenAI(t, srv.URL, nil)

	_, err := c.Chat(context.Background(), history(), []tools.Tool{&MockTool{name: "read_file", description: "Read"}})
	assert.NilError(t, err)

	req := srv.request()
	assert.Equal(t, req["model"], "gpt-test")
	messages := req["messages"].([]any)
	assert.Assert(t, is.Len(messages, 4))

	assert.Equal(t, messages[0].(map[string]any)["role"], "system")

	user := messages[1].(map[string]any)
	parts := user["content"].([]any)
	assert.Assert(t, is.Len(parts, 2))
	assert.DeepEqual(t, parts[1], map[string]any{"type": "image_url", "image_url": map[string]any{"url": pixel}})

	assistant := messages[2].(map[string]any)
	call := assistant["tool_calls"].([]any)[0].(map[string]any)
	assert.Equal(t, call["id"], "call_0")
	fn := call["function"].(map[string]any)
	assert.Equal(t, fn["name"], "read_file")
	assert.Equal(t, fn["arguments"], `{"path":"a.txt"}`)

	tool := messages[3].(map[string]any)
	assert.Equal(t, tool["role"], "tool")
	assert.Equal(t, tool["tool_call_id"], "call_0")

	declared := req["tools"].([]any)[0].(map[string]any)
	assert.Equal(t, declared["type"], "function")
	params := declared["function"].(map[string]any)["parameters"].(map[string]any)
	assert.DeepEqual(t, params["required"], []any{"path"})
}

func TestAnthropicProjection(t *testing.T) {
	srv := newFakeProvider(t, http.StatusOK, "application/json", anthropicToolReply)
	c := newTestAnthropic(t, srv.URL, nil)

	msgs := append([]session.Message{{Role: session.RoleSystem, Content: "Be brief."}}, history()...)
	_, err := c.Chat(context.Background(), msgs, []tools.Tool{&MockTool{name: "read_file", description: "Read"}})
	assert.NilError(t, err)

	req := srv.request()
	assert.DeepEqual(t, req["system"], []any{map[string]any{"type": "text", "text": "Be brief.\nYou are helpful."}})
	messages := req["messages"].([]any)
	assert.Assert(t, is.Len(messages, 3))
	for _, m := range messages {
		assert.Assert(t, m.(map[string]any)["role"] != "system")
	}
	result := messages[2].(map[string]any)
	assert.Equal(t, result["role"], "user")
	block := result["content"].([]any)[0].(map[string]any)
	assert.Equal(t, block["type"], "tool_result")
	assert.Equal(t, block["tool_use_id"], "call_0")

	declared := req["tools"].([]any)[0].(map[string]any)
	assert.Equal(t, declared["name"], "read_file")
	assert.Equal(t, declared["input_schema"].(map[string]any)["type"], "object")
}

func TestProjectionsRoundTripAlike(t *testing.T) {
	oa := newFakeProvider(t, http.StatusOK, "application/json", openAIToolReply)
	an := newFakeProvider(t, http.StatusOK, "application/json", anthropicToolReply)

	fromA, err := newTestOpenAI(t, oa.URL, nil).Chat(context.Background(), history(), nil)
	assert.NilError(t, err)
	fromB, err := newTestAnthropic(t, an.URL, nil).Chat(context.Background(), history(), nil)
	assert.NilError(t, err)

	assert.Equal(t, fromA.Role, session.RoleAssistant)
	assert.Equal(t, fromA.Role, fromB.Role)
	assert.Equal(t, fromA.Content, "Let me look.")
	assert.Equal(t, fromA.Content, fromB.Content)
	assert.DeepEqual(t, fromA.ToolCalls, fromB.ToolCalls)
	assert.DeepEqual(t, fromA.ToolCalls, []session.ToolCall{
		{ToolCallID: "call_1", Name: "read_file", Args: map[string]interface{}{"path": "b.txt"}},
		{ToolCallID: "call_2", Name: "list_files", Args: map[string]interface{}{}},
	})
}

func TestParseFailureDegradesToText(t *testing.T) {
	reply := `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-test",
"choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":"",
"tool_calls":[{"id":"call_1","type":"function","function":{"name":"read_file","arguments":"{not json"}}]}}]}`
	srv := newFakeProvider(t, http.StatusOK, "application/json", reply)
	audit := &fakeAudit{}
	c := newTestOpenAI(t, srv.URL, audit)

	ctx := WithConversationID(context.Background(), "conv-1")
	msg, err := c.Chat(ctx, []session.Message{{Role: session.RoleUser, Content: "hi"}}, nil)
	assert.NilError(t, err)
	assert.Equal(t, msg.Role, session.RoleAssistant)
	assert.Assert(t, is.Contains(msg.Content, "Failed to parse model response: "))
	assert.Assert(t, is.Len(msg.ToolCalls, 0))

	recs := audit.records()
	assert.Assert(t, is.Len(recs, 1))
	rec := recs[0]
	assert.Equal(t, rec.SessionID, "conv-1")
	assert.Equal(t, rec.Provider, "openai")
	assert.Equal(t, rec.Method, "chat.completions.create")
	assert.Equal(t, rec.StatusCode, http.StatusOK)
	assert.Assert(t, rec.Success)
	assert.Assert(t, rec.ParsedSuccess != nil && !*rec.ParsedSuccess)
	assert.Assert(t, rec.ParseError != "")
	assert.Assert(t, strings.HasSuffix(rec.URL, "/chat/completions"))
}

func TestTransportErrorPropagatesAndIsAudited(t *testing.T) {
	srv := newFakeProvider(t, http.StatusBadRequest, "application/json",
		`{"type":"error","error":{"type":"invalid_request_error","message":"bad request"}}`)
	audit := &fakeAudit{}
	c := newTestAnthropic(t, srv.URL, audit)

	ctx := WithConversationID(context.Background(), "conv-2")
	_, err := c.Chat(ctx, []session.Message{{Role: session.RoleUser, Content: "hi"}}, nil)
	assert.ErrorContains(t, err, "failed to send message to Anthropic")

	recs := audit.records()
	assert.Assert(t, is.Len(recs, 1))
	assert.Equal(t, recs[0].Method, "messages.create")
	assert.Equal(t, recs[0].StatusCode, http.StatusBadRequest)
	assert.Assert(t, !recs[0].Success)
	assert.Assert(t, recs[0].ParsedSuccess == nil)
	assert.Assert(t, len(recs[0].RequestBody) > 0)
}

func TestAuditNeedsConversationAndNeverFails(t *testing.T) {
	srv := newFakeProvider(t, http.StatusOK, "application/json", anthropicToolReply)
	audit := &fakeAudit{err: errors.New("disk full")}
	c := newTestAnthropic(t, srv.URL, audit)
	msgs := []session.Message{{Role: session.RoleUser, Content: "hi"}}

	_, err := c.Chat(context.Background(), msgs, nil)
	assert.NilError(t, err)
	assert.Assert(t, is.Len(audit.records(), 0))

	_, err = c.Chat(WithConversationID(context.Background(), "conv-3"), msgs, nil)
	assert.NilError(t, err)
	assert.Assert(t, is.Len(audit.records(), 1))
}

func TestOpenAIStream(t *testing.T) {
	var sb strings.Builder
	for _, delta := range []string{"Hel", "lo"} {
		fmt.Fprintf(&sb, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-test\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":%q}}]}\n\n", delta)
	}
	sb.WriteString("data: [DONE]\n\n")
	srv := newFakeProvider(t, http.StatusOK, "text/event-stream", sb.String())
	audit := &fakeAudit{}
	c := newTestOpenAI(t, srv.URL, audit)

	ctx := WithConversationID(context.Background(), "conv-4")
	stream := c.ChatStream(ctx, []session.Message{{Role: session.RoleUser, Content: "hi"}}, nil)
	var deltas []string
	var final *session.Message
	for chunk, err := range stream {
		assert.NilError(t, err)
		if chunk.Message != nil {
			final = chunk.Message
			continue
		}
		deltas = append(deltas, chunk.Delta)
	}
	assert.DeepEqual(t, deltas, []string{"Hel", "lo"})
	assert.Assert(t, final != nil)
	assert.Equal(t, final.Content, "Hello")
	assert.Equal(t, srv.request()["stream"], true)
	assert.Assert(t, is.Len(audit.records(), 1))

	for _, err := range stream {
		assert.ErrorContains(t, err, "already been consumed")
	}
}

func TestStatusFromError(t *testing.T) {
	assert.Equal(t, statusFromError(errors.New("dial tcp: refused")), http.StatusInternalServerError)
}

func TestHealthPingIsCapped(t *testing.T) {
	ctx := context.Background()

	srv := newFakeProvider(t, http.StatusOK, "application/json", anthropicToolReply)
	c := newTestAnthropic(t, srv.URL, nil)
	assert.NilError(t, CheckHealth(ctx, c))
	assert.Equal(t, srv.request()["max_tokens"], float64(healthMaxTokens))
	_, err := c.Chat(ctx, history(), nil)
	assert.NilError(t, err)
	assert.Equal(t, srv.request()["max_tokens"], float64(defaultAnthropicMaxTokens))

	oa := newFakeProvider(t, http.StatusOK, "application/json", openAIToolReply)
	assert.NilError(t, CheckHealth(ctx, newTestOpenAI(t, oa.URL, nil)))
	assert.Equal(t, oa.request()["max_tokens"], float64(healthMaxTokens))
}

func TestMaxTokensFor(t *testing.T) {
	ctx := context.Background()
	capped := WithMaxTokens(ctx, 5)
	assert.Equal(t, maxTokensFor(ctx, 0), int64(0))
	assert.Equal(t, maxTokensFor(ctx, 100), int64(100))
	assert.Equal(t, maxTokensFor(capped, 0), int64(5))
	assert.Equal(t, maxTokensFor(capped, 100), int64(5))
	assert.Equal(t, maxTokensFor(capped, 3), int64(3))
}
