package llm

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/m4xw311/aichat/errors"
	"github.com/m4xw311/aichat/session"
	"github.com/m4xw311/aichat/tools"
)

// LLMClient is the interface for interacting with a Large Language Model.
//
// Chat blocks until the model has produced one complete assistant message.
// ChatStream yields text deltas as they arrive and finishes with a chunk that
// carries the assembled message. A stream can be ranged over only once.
type LLMClient interface {
	Name() string
	Chat(ctx context.Context, messages []session.Message, availableTools []tools.Tool) (*session.Message, error)
	ChatStream(ctx context.Context, messages []session.Message, availableTools []tools.Tool) iter.Seq2[StreamChunk, error]
}

// StreamChunk is one element of a streamed reply. Message is only set on the
// last chunk.
type StreamChunk struct {
	Delta   string
	Message *session.Message
}

type conversationKey struct{}

// WithConversationID tags ctx with the conversation that provider calls made
// under it belong to. Calls without one are not audited.
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationKey{}, id)
}

func ConversationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(conversationKey{}).(string)
	return id
}

// parseFailure is the reply handed back when the provider answered but its
// reply could not be turned into a message. The turn goes on with it.
func parseFailure(err error) *session.Message {
	return &session.Message{
		Role:    session.RoleAssistant,
		Content: fmt.Sprintf("Failed to parse model response: %s", errors.Message(err)),
	}
}

// singleUse guards a stream so that a second range over it fails instead of
// issuing a second request.
func singleUse(seq iter.Seq2[StreamChunk, error]) iter.Seq2[StreamChunk, error] {
	var used atomic.Bool
	return func(yield func(StreamChunk, error) bool) {
		if used.Swap(true) {
			yield(StreamChunk{}, errors.New("stream has already been consumed"))
			return
		}
		seq(yield)
	}
}

// streamFromChat serves the streaming contract from a blocking call.
func streamFromChat(ctx context.Context, c LLMClient, messages []session.Message, availableTools []tools.Tool) iter.Seq2[StreamChunk, error] {
	return singleUse(func(yield func(StreamChunk, error) bool) {
		msg, err := c.Chat(ctx, messages, availableTools)
		if err != nil {
			yield(StreamChunk{}, err)
			return
		}
		if msg.Content != "" && !yield(StreamChunk{Delta: msg.Content}, nil) {
			return
		}
		yield(StreamChunk{Message: msg}, nil)
	})
}

type maxTokensKey struct{}

// WithMaxTokens caps the reply length of provider calls made under ctx,
// below whatever the provider is configured with.
func WithMaxTokens(ctx context.Context, n int64) context.Context {
	return context.WithValue(ctx, maxTokensKey{}, n)
}

// maxTokensFor returns the reply cap for a call: the configured value,
// lowered by a cap from ctx. Zero means the provider default.
func maxTokensFor(ctx context.Context, configured int64) int64 {
	limit, _ := ctx.Value(maxTokensKey{}).(int64)
	if limit > 0 && (configured <= 0 || limit < configured) {
		return limit
	}
	return configured
}

const healthMaxTokens = 5

// CheckHealth sends a single short "ping" and reports whether the provider
// answered.
func CheckHealth(ctx context.Context, c LLMClient) error {
	_, err := c.Chat(WithMaxTokens(ctx, healthMaxTokens), []session.Message{{Role: session.RoleUser, Content: "ping"}}, nil)
	if err != nil {
		return errors.Wrapf(err, "provider '%s' is not healthy", c.Name())
	}
	return nil
}

// MockReply is one scripted answer of a MockLLMClient.
type MockReply struct {
	Message *session.Message
	Err     error
}

// MockCall records what a MockLLMClient was asked.
type MockCall struct {
	Messages []session.Message
	Tools    []string
}

// MockLLMClient answers from Replies in order and echoes the last user message
// once the script runs out. The zero value is ready to use.
type MockLLMClient struct {
	Replies []MockReply

	mu    sync.Mutex
	next  int
	calls []MockCall
}

// NewMockLLMClient scripts the given assistant messages.
func NewMockLLMClient(replies ...*session.Message) *MockLLMClient {
	m := &MockLLMClient{}
	for _, r := range replies {
		m.Replies = append(m.Replies, MockReply{Message: r})
	}
	return m
}

func (m *MockLLMClient) Name() string { return "mock" }

func (m *MockLLMClient) Chat(ctx context.Context, messages []session.Message, availableTools []tools.Tool) (*session.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	call := MockCall{Messages: append([]session.Message(nil), messages...)}
	for _, t := range availableTools {
		call.Tools = append(call.Tools, t.Name())
	}
	m.calls = append(m.calls, call)

	if m.next < len(m.Replies) {
		r := m.Replies[m.next]
		m.next++
		if r.Err != nil {
			return nil, r.Err
		}
		reply := *r.Message
		if reply.Role == "" {
			reply.Role = session.RoleAssistant
		}
		return &reply, nil
	}

	var last string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == session.RoleUser {
			last = messages[i].Text()
			break
		}
	}
	return &session.Message{
		Role:    session.RoleAssistant,
		Content: fmt.Sprintf("I am a mock LLM. You said: '%s'.", last),
	}, nil
}

func (m *MockLLMClient) ChatStream(ctx context.Context, messages []session.Message, availableTools []tools.Tool) iter.Seq2[StreamChunk, error] {
	return streamFromChat(ctx, m, messages, availableTools)
}

// Calls returns the requests seen so far.
func (m *MockLLMClient) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}
