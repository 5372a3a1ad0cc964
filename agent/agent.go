package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/m4xw311/aichat/errors"
	"github.com/m4xw311/aichat/llm"
	"github.com/m4xw311/aichat/session"
	"github.com/m4xw311/aichat/tools"
	"github.com/sirupsen/logrus"
)

// ScreenshotCaption labels the screenshot taken after each round of tool calls.
const ScreenshotCaption = "(Screenshot after tool execution)"

// Approver decides whether a tool call may run. A declined call is answered
// with a tool result saying so.
type Approver func(ctx context.Context, call session.ToolCall) bool

// Options configures a new Agent.
type Options struct {
	// ConversationID keys persistence and the provider audit log. Without one
	// nothing is stored.
	ConversationID string
	Store          session.Store
	Client         llm.LLMClient
	Registry       *tools.ToolRegistry
	// Mode defaults to the mode of the last stored message, then to chat.
	Mode Mode
	// Tools is an initial tool override.
	Tools   []string
	Approve Approver
	// Stream makes provider calls through ChatStream so text reaches the
	// caller as it is generated.
	Stream bool
}

// Agent is the orchestrator of one conversation. Turns on the same Agent run
// one at a time.
type Agent struct {
	mu sync.Mutex

	id       string
	store    session.Store
	client   llm.LLMClient
	registry *tools.ToolRegistry
	approve  Approver
	stream   bool

	mode     Mode
	override []string
	active   []tools.Tool
	history  []session.Message
}

// New creates an Agent, loading the conversation's stored history if there is
// any.
func New(ctx context.Context, opts Options) (*Agent, error) {
	if opts.Client == nil {
		return nil, errors.Errorf(errors.ErrInvalidArgument, "an LLM client is required")
	}
	registry := opts.Registry
	if registry == nil {
		registry = tools.NewToolRegistry()
	}
	a := &Agent{
		id:       opts.ConversationID,
		store:    opts.Store,
		client:   opts.Client,
		registry: registry,
		approve:  opts.Approve,
		stream:   opts.Stream,
		override: normalizeOverride(opts.Tools),
	}

	mode := opts.Mode
	if a.store != nil && a.id != "" {
		stored, err := a.store.ListMessages(ctx, a.id)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load conversation '%s'", a.id)
		}
		var lastMode Mode
		a.history, lastMode = hydrate(stored)
		if mode == "" {
			mode = lastMode
		}
	}
	if mode == "" {
		mode = ModeChat
	}
	if err := a.setMode(mode); err != nil {
		return nil, err
	}
	return a, nil
}

// hydrate rebuilds history from stored messages. Entries that cannot be
// decoded are skipped.
func hydrate(stored []session.StoredMessage) ([]session.Message, Mode) {
	var history []session.Message
	var mode Mode
	for _, sm := range stored {
		msg, err := session.DecodeStored(sm)
		if err != nil {
			logrus.WithError(err).WithField("message", sm.ID).Warn("skipping unreadable stored message")
			continue
		}
		history = append(history, msg)

		var peek struct {
			Mode string `json:"mode"`
		}
		if json.Unmarshal(sm.Content, &peek) == nil {
			if m, err := ParseMode(peek.Mode); err == nil {
				mode = m
			}
		}
	}
	return history, mode
}

// normalizeOverride treats an empty override like no override at all.
func normalizeOverride(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	return append([]string(nil), names...)
}

func (a *Agent) ConversationID() string { return a.id }

// Mode returns the current mode.
func (a *Agent) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// History returns a copy of the conversation so far.
func (a *Agent) History() []session.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]session.Message(nil), a.history...)
}

// ActiveTools returns the capabilities the model may call right now.
func (a *Agent) ActiveTools() []tools.Tool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]tools.Tool(nil), a.active...)
}

// SetMode switches the conversation to the named mode.
func (a *Agent) SetMode(name string) error {
	m, err := ParseMode(name)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.setMode(m)
}

// SetToolOverride restricts the mode's capabilities to names. An empty list
// removes the override.
func (a *Agent) SetToolOverride(names []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.override = normalizeOverride(names)
	a.refresh()
}

func (a *Agent) setMode(name Mode) error {
	m, err := ParseMode(string(name))
	if err != nil {
		return err
	}
	a.mode = m
	a.refresh()
	logrus.WithFields(logrus.Fields{
		"conversation": a.id,
		"mode":         m,
		"tools":        len(a.active),
	}).Debug("mode set")
	return nil
}

// refresh recomputes the active capabilities and the system prompt.
func (a *Agent) refresh() {
	active := a.registry.Groups(a.mode.Groups()...)
	if a.override != nil {
		active = tools.Filter(active, a.override)
	}
	a.active = active
	a.ensureSystemPrompt()
}

// ensureSystemPrompt rewrites the leading system message, or inserts one.
func (a *Agent) ensureSystemPrompt() {
	prompt := systemPrompt(a.mode, a.active)
	if len(a.history) > 0 && a.history[0].Role == session.RoleSystem {
		a.history[0].Content = prompt
		a.history[0].Parts = nil
		return
	}
	a.history = append([]session.Message{{Role: session.RoleSystem, Content: prompt}}, a.history...)
}

// capturer returns the active screen capture tool, if any.
func (a *Agent) capturer() tools.ScreenCapturer {
	for _, t := range a.active {
		if c, ok := t.(tools.ScreenCapturer); ok {
			return c
		}
	}
	return nil
}

func (a *Agent) persist(ctx context.Context, msg session.Message, meta map[string]any) {
	if a.store == nil || a.id == "" {
		return
	}
	payload := session.Payload{Mode: string(a.mode), Message: msg, Meta: meta}
	if err := a.store.AppendMessage(context.WithoutCancel(ctx), a.id, msg.Role, payload); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"conversation": a.id,
			"role":         msg.Role,
		}).Warn("failed to persist message")
	}
}

func (a *Agent) appendMessage(ctx context.Context, msg session.Message, meta map[string]any) {
	a.history = append(a.history, msg)
	a.persist(ctx, msg, meta)
}

// ChunkKind tells front-ends how to present a chunk.
type ChunkKind string

const (
	ChunkText       ChunkKind = "text"
	ChunkToolNotice ChunkKind = "tool"
	ChunkError      ChunkKind = "error"
)

// Chunk is one piece of a turn's visible output. Concatenating the Text of
// every chunk gives the transcript of the turn.
type Chunk struct {
	Kind ChunkKind
	Text string
	// Tool names the capability of a ChunkToolNotice.
	Tool string
}

// Attachment is a file the user sent along with a message. Images are shown
// to the model, anything else is only mentioned by name.
type Attachment struct {
	Name     string
	MimeType string
	Data     []byte
}

func (at Attachment) isImage() bool {
	return strings.HasPrefix(strings.ToLower(at.MimeType), "image/")
}

// TurnRequest is the input of one turn.
type TurnRequest struct {
	Text        string
	Attachments []Attachment
	// Mode, if set, switches the mode before the turn starts.
	Mode string
	// Tools, if non-nil, replaces the tool override for this and later turns.
	Tools []string
}

type emitter struct {
	ctx context.Context
	out chan<- Chunk
}

func (e emitter) send(c Chunk) bool {
	if e.ctx.Err() != nil {
		return false
	}
	select {
	case e.out <- c:
		return true
	case <-e.ctx.Done():
		return false
	}
}

func (e emitter) text(s string) bool {
	return e.send(Chunk{Kind: ChunkText, Text: s})
}

func (e emitter) fail(s string) bool {
	return e.send(Chunk{Kind: ChunkError, Text: s})
}

// Turn runs one user turn and returns its output. The channel is closed when
// the model gives a reply without tool calls, when a provider call fails, or
// when ctx is cancelled. Callers must drain it or cancel ctx.
func (a *Agent) Turn(ctx context.Context, req TurnRequest) <-chan Chunk {
	out := make(chan Chunk)
	go func() {
		defer close(out)
		a.mu.Lock()
		defer a.mu.Unlock()
		a.turn(llm.WithConversationID(ctx, a.id), req, emitter{ctx: ctx, out: out})
	}()
	return out
}

// Run is Turn for callers that want the whole transcript at once.
func (a *Agent) Run(ctx context.Context, req TurnRequest) string {
	var sb strings.Builder
	for c := range a.Turn(ctx, req) {
		sb.WriteString(c.Text)
	}
	return sb.String()
}

func (a *Agent) turn(ctx context.Context, req TurnRequest, emit emitter) {
	if req.Mode != "" {
		m, err := ParseMode(req.Mode)
		if err != nil {
			emit.fail(errors.Message(err))
			return
		}
		a.mode = m
	}
	if req.Tools != nil {
		a.override = normalizeOverride(req.Tools)
	}
	a.refresh()

	user, meta := userMessage(req)
	if a.mode == ModeAgent {
		if c := a.capturer(); c != nil {
			url, err := c.Capture(ctx)
			if err != nil {
				emit.fail(fmt.Sprintf("Error capturing screenshot: %s", errors.Message(err)))
				return
			}
			user = withImage(user, url)
		}
	}
	a.appendMessage(ctx, user, meta)

	for {
		reply, streamed, err := a.complete(ctx, emit)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logrus.WithError(err).WithField("conversation", a.id).Error("LLM call failed")
			emit.fail(fmt.Sprintf("Error calling LLM: %s", errors.Message(err)))
			return
		}
		reply.Role = session.RoleAssistant
		a.appendMessage(ctx, *reply, nil)

		if !streamed && reply.Content != "" && !emit.text(reply.Content) {
			return
		}
		if len(reply.ToolCalls) == 0 {
			return
		}

		for _, call := range reply.ToolCalls {
			if !emit.send(Chunk{Kind: ChunkToolNotice, Text: fmt.Sprintf("\n[Executing %s...]\n", call.Name), Tool: call.Name}) {
				return
			}
			result := a.execute(ctx, call)
			if ctx.Err() != nil {
				return
			}
			a.appendMessage(ctx, session.Message{
				Role:       session.RoleTool,
				ToolCallID: call.ToolCallID,
				Name:       call.Name,
				Content:    result,
			}, nil)
		}

		if a.mode == ModeAgent {
			if c := a.capturer(); c != nil {
				url, err := c.Capture(ctx)
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					if !emit.fail(fmt.Sprintf("\nError capturing screenshot (after tool): %s\n", errors.Message(err))) {
						return
					}
				} else {
					a.appendMessage(ctx, session.Message{
						Role:  session.RoleUser,
						Parts: []session.ContentPart{session.TextPart(ScreenshotCaption), session.ImagePart(url)},
					}, nil)
				}
			}
		}
	}
}

// userMessage builds the user's message. Attachments other than images are
// summarized in text; their bytes never reach the model.
func userMessage(req TurnRequest) (session.Message, map[string]any) {
	msg := session.Message{Role: session.RoleUser}
	if len(req.Attachments) == 0 {
		msg.Content = req.Text
		return msg, nil
	}
	if req.Text != "" {
		msg.Parts = append(msg.Parts, session.TextPart(req.Text))
	}
	listed := make([]map[string]any, 0, len(req.Attachments))
	for _, at := range req.Attachments {
		if at.isImage() {
			msg.Parts = append(msg.Parts, session.ImagePart(session.NewDataURL(at.MimeType, at.Data)))
		} else {
			msg.Parts = append(msg.Parts, session.TextPart(fmt.Sprintf("[file] %s (%s) attached.", at.Name, at.MimeType)))
		}
		listed = append(listed, map[string]any{"name": at.Name, "mime_type": at.MimeType, "size": len(at.Data)})
	}
	return msg, map[string]any{"attachments": listed}
}

// withImage adds an image part, turning plain content into parts first.
func withImage(msg session.Message, dataURL string) session.Message {
	if len(msg.Parts) == 0 && msg.Content != "" {
		msg.Parts = []session.ContentPart{session.TextPart(msg.Content)}
	}
	msg.Content = ""
	msg.Parts = append(msg.Parts, session.ImagePart(dataURL))
	return msg
}

func (a *Agent) complete(ctx context.Context, emit emitter) (*session.Message, bool, error) {
	if !a.stream {
		msg, err := a.client.Chat(ctx, a.history, a.active)
		return msg, false, err
	}
	var final *session.Message
	var sent strings.Builder
	for chunk, err := range a.client.ChatStream(ctx, a.history, a.active) {
		if err != nil {
			return nil, true, err
		}
		if chunk.Message != nil {
			final = chunk.Message
			continue
		}
		if chunk.Delta != "" {
			if !emit.text(chunk.Delta) {
				return nil, true, ctx.Err()
			}
			sent.WriteString(chunk.Delta)
		}
	}
	if final == nil {
		return nil, true, errors.New("stream ended without a message")
	}
	// The final message can carry text that never came as a delta, such as
	// the diagnostic of a reply that failed to parse.
	if final.Content != sent.String() {
		rest := final.Content
		if sent.Len() > 0 {
			rest = "\n" + rest
			if after, ok := strings.CutPrefix(final.Content, sent.String()); ok {
				rest = after
			}
		}
		if rest != "" && !emit.text(rest) {
			return nil, true, ctx.Err()
		}
	}
	return final, true, nil
}

// execute runs one tool call. Every failure becomes the text of the result.
func (a *Agent) execute(ctx context.Context, call session.ToolCall) string {
	t, ok := tools.Find(a.active, call.Name)
	if !ok {
		return fmt.Sprintf("Error: Tool '%s' not found.", call.Name)
	}
	if a.approve != nil && !a.approve(ctx, call) {
		return fmt.Sprintf("Tool call '%s' was declined by the user.", call.Name)
	}

	log := logrus.WithFields(logrus.Fields{"conversation": a.id, "tool": call.Name, "id": call.ToolCallID})
	log.Debug("executing tool call")
	out, err := tools.Invoke(ctx, t, call.Args)
	if err != nil {
		log.WithError(err).Debug("tool call failed")
		return fmt.Sprintf("Error executing tool '%s': %s", call.Name, errors.Message(err))
	}
	return out
}
