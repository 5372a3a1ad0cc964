package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/m4xw311/aichat/errors"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestMessageJSONContentShapes(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{
			name: "string content",
			msg:  Message{Role: RoleUser, Content: "hi"},
			want: `{"role":"user","content":"hi"}`,
		},
		{
			name: "parts",
			msg:  Message{Role: RoleUser, Parts: []ContentPart{TextPart("look"), ImagePart("data:image/png;base64,AAAA")}},
			want: `{"role":"user","content":[{"type":"text","text":"look"},{"type":"image_url","image_url":{"url":"data:image/png;base64,AAAA"}}]}`,
		},
		{
			name: "absent content with tool calls",
			msg: Message{Role: RoleAssistant, ToolCalls: []ToolCall{
				{ToolCallID: "call_1", Name: "read_file", Args: map[string]interface{}{"path": "a.txt"}},
			}},
			want: `{"role":"assistant","tool_calls":[{"id":"call_1","name":"read_file","arguments":{"path":"a.txt"}}]}`,
		},
		{
			name: "tool result",
			msg:  Message{Role: RoleTool, Content: "{}", Name: "read_file", ToolCallID: "call_1"},
			want: `{"role":"tool","content":"{}","name":"read_file","tool_call_id":"call_1"}`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := json.Marshal(tc.msg)
			assert.NilError(t, err)
			assert.Equal(t, string(data), tc.want)

			var back Message
			assert.NilError(t, json.Unmarshal(data, &back))
			assert.DeepEqual(t, back, tc.msg)
		})
	}
}

func TestMessageText(t *testing.T) {
	m := Message{Role: RoleUser, Parts: []ContentPart{TextPart("a"), ImagePart("data:image/png;base64,x"), TextPart("b")}}
	assert.Equal(t, m.Text(), "ab")
	assert.Assert(t, m.HasContent())
	assert.Assert(t, !Message{Role: RoleAssistant}.HasContent())
}

func TestParseDataURL(t *testing.T) {
	mime, data, err := ParseDataURL("data:image/jpeg;base64,/9j/4AAQ")
	assert.NilError(t, err)
	assert.Equal(t, mime, "image/jpeg")
	assert.Equal(t, data, "/9j/4AAQ")

	for _, bad := range []string{"http://example.com/a.png", "data:image/png;base64", "data:;base64,AAAA"} {
		_, _, err := ParseDataURL(bad)
		assert.Assert(t, errors.Is(err, errors.ErrInvalidArgument), bad)
	}
	assert.Equal(t, NewDataURL("image/png", []byte{0, 1}), "data:image/png;base64,AAE=")
}

func TestDecodeStored(t *testing.T) {
	envelope, err := json.Marshal(Payload{Mode: "agent", Message: Message{Role: RoleAssistant, Content: "done"}})
	assert.NilError(t, err)

	tests := []struct {
		name   string
		stored StoredMessage
		want   Message
	}{
		{"envelope", StoredMessage{Role: RoleAssistant, Content: envelope}, Message{Role: RoleAssistant, Content: "done"}},
		{"bare string", StoredMessage{Role: RoleUser, Content: json.RawMessage(`"hello"`)}, Message{Role: RoleUser, Content: "hello"}},
		{"part array", StoredMessage{Role: RoleUser, Content: json.RawMessage(`[{"type":"text","text":"x"}]`)}, Message{Role: RoleUser, Parts: []ContentPart{TextPart("x")}}},
		{"bare object without role", StoredMessage{Role: RoleSystem, Content: json.RawMessage(`{"content":"sys"}`)}, Message{Role: RoleSystem, Content: "sys"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeStored(tc.stored)
			assert.NilError(t, err)
			assert.DeepEqual(t, got, tc.want)
		})
	}
}

func TestFileStoreSessionsAndMessages(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), ".aichat")
	s, err := OpenFileStore(dir)
	assert.NilError(t, err)
	_, err = os.Stat(filepath.Join(dir, dataFileName))
	assert.NilError(t, err)

	info, err := s.CreateSession(ctx, "", "")
	assert.NilError(t, err)
	assert.Equal(t, info.Title, "New Chat")
	assert.Equal(t, info.Mode, "chat")

	assert.NilError(t, s.AppendMessage(ctx, info.ID, RoleUser, Payload{Mode: "chat", Message: Message{Role: RoleUser, Content: "one"}}))
	assert.NilError(t, s.AppendMessage(ctx, info.ID, RoleAssistant, Payload{Mode: "chat", Message: Message{Role: RoleAssistant, Content: "two"}}))

	// A second handle on the same directory sees the same data.
	again, err := OpenFileStore(dir)
	assert.NilError(t, err)
	msgs, err := again.ListMessages(ctx, info.ID)
	assert.NilError(t, err)
	assert.Assert(t, is.Len(msgs, 2))
	assert.Assert(t, msgs[0].ID < msgs[1].ID)
	first, err := DecodeStored(msgs[0])
	assert.NilError(t, err)
	assert.Equal(t, first.Content, "one")

	mode := "agent"
	updated, err := s.UpdateSession(ctx, info.ID, SessionUpdate{Mode: &mode})
	assert.NilError(t, err)
	assert.Equal(t, updated.Mode, "agent")

	_, err = s.UpdateSession(ctx, "missing", SessionUpdate{Mode: &mode})
	assert.Assert(t, errors.Is(err, errors.ErrNotFound))

	assert.NilError(t, s.DeleteSession(ctx, info.ID))
	_, err = s.GetSession(ctx, info.ID)
	assert.Assert(t, errors.Is(err, errors.ErrNotFound))
	msgs, err = s.ListMessages(ctx, info.ID)
	assert.NilError(t, err)
	assert.Assert(t, is.Len(msgs, 0))
}

func TestFileStoreLogsAndProviderConfig(t *testing.T) {
	ctx := context.Background()
	s, err := OpenFileStore(t.TempDir())
	assert.NilError(t, err)

	parsed := true
	assert.NilError(t, s.AppendLog(ctx, LogRecord{SessionID: "s1", Provider: "openai", StatusCode: 200, Success: true, ParsedSuccess: &parsed}))
	assert.NilError(t, s.AppendLog(ctx, LogRecord{SessionID: "s1", Provider: "openai", StatusCode: 500}))
	logs, err := s.ListLogs(ctx, "s1")
	assert.NilError(t, err)
	assert.Assert(t, is.Len(logs, 2))
	assert.Equal(t, logs[0].StatusCode, 500)

	var cfg map[string]string
	ok, err := s.LoadProviderConfig(ctx, &cfg)
	assert.NilError(t, err)
	assert.Assert(t, !ok)

	assert.NilError(t, s.SaveProviderConfig(ctx, map[string]string{"name": "anthropic"}))
	ok, err = s.LoadProviderConfig(ctx, &cfg)
	assert.NilError(t, err)
	assert.Assert(t, ok)
	assert.Equal(t, cfg["name"], "anthropic")
}

func TestFileStoreRecoversFromCorruptFile(t *testing.T) {
	dir := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(dir, dataFileName), []byte("{not json"), 0644))
	s, err := OpenFileStore(dir)
	assert.NilError(t, err)
	sessions, err := s.ListSessions(context.Background())
	assert.NilError(t, err)
	assert.Assert(t, is.Len(sessions, 0))

	backups, err := filepath.Glob(filepath.Join(dir, dataFileName+".corrupt-*"))
	assert.NilError(t, err)
	assert.Assert(t, is.Len(backups, 1))
	data, err := os.ReadFile(backups[0])
	assert.NilError(t, err)
	assert.Equal(t, string(data), "{not json")
}

func TestOpenFileStoreSharesDirectory(t *testing.T) {
	dir := t.TempDir()
	a, err := OpenFileStore(dir)
	assert.NilError(t, err)
	b, err := OpenFileStore(filepath.Join(dir, "."))
	assert.NilError(t, err)
	assert.Assert(t, a == b)
}

func TestFileStoreConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a, err := OpenFileStore(dir)
	assert.NilError(t, err)
	b, err := OpenFileStore(dir)
	assert.NilError(t, err)

	const each = 50
	var wg sync.WaitGroup
	for _, s := range []*FileStore{a, b} {
		for i := 0; i < each; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.Check(t, s.AppendMessage(ctx, "c1", RoleUser, Payload{Mode: "chat", Message: Message{Role: RoleUser, Content: "hi"}}))
			}()
		}
	}
	wg.Wait()

	msgs, err := a.ListMessages(ctx, "c1")
	assert.NilError(t, err)
	assert.Assert(t, is.Len(msgs, 2*each))

	// No temporary files are left behind.
	tmps, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	assert.NilError(t, err)
	assert.Assert(t, is.Len(tmps, 0))
}
