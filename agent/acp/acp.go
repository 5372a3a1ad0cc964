package acp

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/m4xw311/aichat/agent"
	"github.com/m4xw311/aichat/errors"
	"github.com/m4xw311/aichat/session"
	"github.com/m4xw311/aichat/workspace"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Sessions is the conversation store the server creates and resumes
// sessions from.
type Sessions interface {
	CreateSession(ctx context.Context, title, mode string) (*session.Info, error)
	GetSession(ctx context.Context, id string) (*session.Info, error)
}

// Factory builds the agent of a conversation. The agent hydrates its history
// from the store.
type Factory func(ctx context.Context, conversationID string) (*agent.Agent, error)

// Config wires the server to the rest of the application.
type Config struct {
	Sessions Sessions
	NewAgent Factory
	// Binding provides the workspace for sessions opened without a cwd.
	Binding *workspace.Binding
	// Workspace options used to bind a session's cwd.
	Workspace workspace.Options
	// Trace, if set, receives a debug log of the protocol exchange. Nothing
	// but JSON-RPC messages is ever written to out.
	Trace io.Writer
}

// Run starts the Agent Client Protocol server using newline-delimited
// JSON-RPC over in and out. It returns once in is exhausted and every
// running prompt has finished.
func Run(ctx context.Context, cfg Config, in io.Reader, out io.Writer) error {
	log := logrus.New()
	log.SetOutput(io.Discard)
	if cfg.Trace != nil {
		log.SetOutput(cfg.Trace)
		log.SetLevel(logrus.DebugLevel)
	}

	g, gctx := errgroup.WithContext(ctx)
	server := &acpServer{
		ctx:      gctx,
		cfg:      cfg,
		sessions: make(map[string]*acpSession),
		reader:   bufio.NewReader(in),
		writer:   bufio.NewWriter(out),
		log:      log.WithField("component", "acp"),
		group:    g,
	}

	log.Debug("starting ACP server")
	err := server.serve()
	if err != nil {
		server.cancelAll()
	}
	if werr := g.Wait(); err == nil {
		err = werr
	}
	return err
}

// ---- JSON-RPC types ----

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// ---- acpServer ----

type acpSession struct {
	id    string
	agent *agent.Agent
	// ws is the session's own root, from the cwd it was opened with.
	ws *workspace.Workspace

	mu     sync.Mutex
	cancel context.CancelFunc
}

type acpServer struct {
	ctx context.Context
	cfg Config

	sessionsLock sync.Mutex
	sessions     map[string]*acpSession

	reader    *bufio.Reader
	writer    *bufio.Writer
	writeLock sync.Mutex
	log       *logrus.Entry
	group     *errgroup.Group
}

func (s *acpServer) serve() error {
	for {
		payload, err := s.readFramedMessage()
		if err == io.EOF {
			s.log.Debug("EOF received, exiting")
			return nil
		}
		if err != nil {
			// If framing is broken, there isn't a safe way to continue.
			return errors.Wrapf(err, "ACP: read error")
		}
		if len(strings.TrimSpace(string(payload))) == 0 {
			continue
		}

		s.log.WithField("payload", string(payload)).Debug("received")
		var req jsonrpcRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			_ = s.writeResponseError(nil, codeParseError, "Parse error", nil)
			continue
		}

		switch req.Method {
		case "initialize":
			s.handleInitialize(&req)
		case "session/new":
			s.handleSessionNew(&req)
		case "session/load":
			s.handleSessionLoad(&req)
		case "session/prompt":
			s.handleSessionPrompt(&req)
		case "session/set_mode":
			s.handleSessionSetMode(&req)
		case "session/cancel":
			s.handleSessionCancel(&req)
		default:
			if req.ID != nil {
				_ = s.writeResponseError(req.ID, codeMethodNotFound, "Method not found", nil)
			}
		}
	}
}

// readFramedMessage reads a single JSON-RPC payload. Messages are
// newline-delimited JSON objects.
func (s *acpServer) readFramedMessage() ([]byte, error) {
	line, err := s.reader.ReadBytes('\n')
	if err == io.EOF && len(line) > 0 {
		return line, nil
	}
	return line, err
}

func (s *acpServer) writeFramedJSON(obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize JSON-RPC message")
	}
	s.log.WithField("payload", string(data)).Debug("sending")

	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	if _, err := s.writer.Write(append(data, '\n')); err != nil {
		return err
	}
	return s.writer.Flush()
}

func (s *acpServer) writeResponseOK(id any, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return s.writeResponseError(id, codeInternalError, "Internal error", err.Error())
	}
	return s.writeFramedJSON(jsonrpcResponse{JSONRPC: "2.0", ID: id, Result: data})
}

func (s *acpServer) writeResponseError(id any, code int, msg string, data any) error {
	s.log.WithFields(logrus.Fields{"code": code, "data": data}).Debug(msg)
	return s.writeFramedJSON(jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &jsonrpcError{Code: code, Message: msg, Data: data},
	})
}

// writeNotification sends a JSON-RPC notification (request without an ID)
func (s *acpServer) writeNotification(method string, params any) error {
	return s.writeFramedJSON(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
}

func (s *acpServer) sendUpdate(sessionID string, update map[string]any) error {
	return s.writeNotification("session/update", map[string]any{
		"sessionId": sessionID,
		"update":    update,
	})
}

func decodeParams(req *jsonrpcRequest, v any) error {
	if len(req.Params) == 0 {
		return nil
	}
	return json.Unmarshal(req.Params, v)
}

func (s *acpServer) lookup(id string) (*acpSession, bool) {
	s.sessionsLock.Lock()
	defer s.sessionsLock.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *acpServer) cancelAll() {
	s.sessionsLock.Lock()
	defer s.sessionsLock.Unlock()
	for _, sess := range s.sessions {
		sess.mu.Lock()
		if sess.cancel != nil {
			sess.cancel()
		}
		sess.mu.Unlock()
	}
}

// ---- Handlers ----

func (s *acpServer) handleInitialize(req *jsonrpcRequest) {
	_ = s.writeResponseOK(req.ID, map[string]any{
		"protocolVersion": 1,
		"agentCapabilities": map[string]any{
			"loadSession": true,
			"promptCapabilities": map[string]bool{
				"audio":           false,
				"embeddedContext": true,
				"image":           true,
			},
		},
		"authMethods": []any{},
	})
}

type sessionParams struct {
	SessionID  string          `json:"sessionId"`
	Cwd        string          `json:"cwd"`
	McpServers json.RawMessage `json:"mcpServers"`
}

func modeState(current agent.Mode) map[string]any {
	available := make([]map[string]any, 0, len(agent.Modes))
	for _, m := range agent.Modes {
		available = append(available, map[string]any{"id": string(m), "name": strings.ToUpper(string(m[:1])) + string(m[1:])})
	}
	return map[string]any{"currentModeId": string(current), "availableModes": available}
}

// open binds the session's workspace and builds its agent.
func (s *acpServer) open(id, cwd string) (*acpSession, error) {
	sess := &acpSession{id: id}
	if cwd != "" {
		ws, err := workspace.Bind(cwd, s.cfg.Workspace)
		if err != nil {
			return nil, err
		}
		sess.ws = ws
	}
	a, err := s.cfg.NewAgent(s.ctx, id)
	if err != nil {
		return nil, err
	}
	sess.agent = a

	s.sessionsLock.Lock()
	s.sessions[id] = sess
	s.sessionsLock.Unlock()
	return sess, nil
}

func (s *acpServer) handleSessionNew(req *jsonrpcRequest) {
	var p sessionParams
	if err := decodeParams(req, &p); err != nil {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}
	info, err := s.cfg.Sessions.CreateSession(s.ctx, "New chat", "")
	if err != nil {
		_ = s.writeResponseError(req.ID, codeInternalError, "Internal error", fmt.Sprintf("failed to create session: %s", errors.Message(err)))
		return
	}
	sess, err := s.open(info.ID, p.Cwd)
	if err != nil {
		_ = s.writeResponseError(req.ID, codeInternalError, "Internal error", fmt.Sprintf("failed to open session: %s", errors.Message(err)))
		return
	}
	s.log.WithField("session", info.ID).Debug("session created")
	_ = s.writeResponseOK(req.ID, map[string]any{
		"sessionId": info.ID,
		"modes":     modeState(sess.agent.Mode()),
	})
}

// handleSessionLoad resumes a stored session and replays its history as
// session/update notifications before answering null.
func (s *acpServer) handleSessionLoad(req *jsonrpcRequest) {
	var p sessionParams
	if err := decodeParams(req, &p); err != nil {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}
	if _, err := s.cfg.Sessions.GetSession(s.ctx, p.SessionID); err != nil {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", fmt.Sprintf("session not found: %s", errors.Message(err)))
		return
	}
	sess, err := s.open(p.SessionID, p.Cwd)
	if err != nil {
		_ = s.writeResponseError(req.ID, codeInternalError, "Internal error", fmt.Sprintf("failed to open session: %s", errors.Message(err)))
		return
	}

	for _, msg := range sess.agent.History() {
		switch msg.Role {
		case session.RoleUser:
			_ = s.sendUpdate(p.SessionID, map[string]any{
				"sessionUpdate": "user_message_chunk",
				"content":       map[string]any{"type": "text", "text": msg.Text()},
			})
		case session.RoleAssistant:
			if text := msg.Text(); text != "" {
				_ = s.sendAgentMessageChunk(p.SessionID, text)
			}
			for _, tc := range msg.ToolCalls {
				_ = s.sendToolCallNotification(p.SessionID, tc.ToolCallID, tc.Name, tc.Args)
			}
		case session.RoleTool:
			_ = s.sendToolResultNotification(p.SessionID, msg.ToolCallID, msg.Text())
		}
	}
	_ = s.writeResponseOK(req.ID, nil)
}

// contentBlock is one block of an ACP prompt.
type contentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	// ResourceLink fields
	URI         string `json:"uri,omitempty"`
	Name        string `json:"name,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Size        *int64 `json:"size,omitempty"`
	// Embedded resource
	Resource *struct {
		URI      string `json:"uri"`
		Text     string `json:"text,omitempty"`
		MimeType string `json:"mimeType,omitempty"`
	} `json:"resource,omitempty"`
}

// handleSessionPrompt starts a turn in the background. Updates stream as
// notifications and the response carries the stop reason once the turn ends.
func (s *acpServer) handleSessionPrompt(req *jsonrpcRequest) {
	var p struct {
		SessionID string         `json:"sessionId"`
		Prompt    []contentBlock `json:"prompt"`
	}
	if err := decodeParams(req, &p); err != nil {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}
	sess, ok := s.lookup(p.SessionID)
	if !ok {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", "unknown sessionId")
		return
	}

	sess.mu.Lock()
	if sess.cancel != nil {
		sess.mu.Unlock()
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", "a prompt is already running for this session")
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	sess.cancel = cancel
	sess.mu.Unlock()

	if sess.ws != nil {
		ctx = workspace.NewContext(ctx, sess.ws)
	} else if s.cfg.Binding != nil {
		ctx = s.cfg.Binding.Context(ctx)
	}
	turn := buildTurn(p.Prompt)

	s.group.Go(func() error {
		defer func() {
			sess.mu.Lock()
			sess.cancel = nil
			sess.mu.Unlock()
			cancel()
		}()
		s.runPrompt(ctx, sess, req.ID, turn)
		return nil
	})
}

func (s *acpServer) runPrompt(ctx context.Context, sess *acpSession, id any, turn agent.TurnRequest) {
	calls := 0
	for chunk := range sess.agent.Turn(ctx, turn) {
		switch chunk.Kind {
		case agent.ChunkToolNotice:
			calls++
			_ = s.sendToolCallNotification(sess.id, fmt.Sprintf("%s_%d", sess.id, calls), chunk.Tool, nil)
		default:
			_ = s.sendAgentMessageChunk(sess.id, chunk.Text)
		}
	}
	reason := "end_turn"
	if ctx.Err() != nil {
		reason = "cancelled"
	}
	_ = s.writeResponseOK(id, map[string]any{"stopReason": reason})
}

func (s *acpServer) handleSessionSetMode(req *jsonrpcRequest) {
	var p struct {
		SessionID string `json:"sessionId"`
		ModeID    string `json:"modeId"`
	}
	if err := decodeParams(req, &p); err != nil {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}
	sess, ok := s.lookup(p.SessionID)
	if !ok {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", "unknown sessionId")
		return
	}
	if err := sess.agent.SetMode(p.ModeID); err != nil {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", errors.Message(err))
		return
	}
	_ = s.sendUpdate(p.SessionID, map[string]any{
		"sessionUpdate": "current_mode_update",
		"currentModeId": p.ModeID,
	})
	_ = s.writeResponseOK(req.ID, map[string]any{})
}

// handleSessionCancel stops the running prompt of a session. It is a
// notification and is never answered.
func (s *acpServer) handleSessionCancel(req *jsonrpcRequest) {
	var p sessionParams
	if err := decodeParams(req, &p); err != nil {
		return
	}
	sess, ok := s.lookup(p.SessionID)
	if !ok {
		return
	}
	sess.mu.Lock()
	if sess.cancel != nil {
		sess.cancel()
	}
	sess.mu.Unlock()
}

func (s *acpServer) sendToolCallNotification(sessionID, toolCallID, name string, args map[string]interface{}) error {
	return s.sendUpdate(sessionID, map[string]any{
		"sessionUpdate": "tool_call",
		"toolCall": map[string]any{
			"id":   toolCallID,
			"name": name,
			"args": args,
		},
	})
}

func (s *acpServer) sendToolResultNotification(sessionID, toolCallID, result string) error {
	return s.sendUpdate(sessionID, map[string]any{
		"sessionUpdate": "tool_result",
		"toolResult": map[string]any{
			"toolCallId": toolCallID,
			"result":     result,
		},
	})
}

func (s *acpServer) sendAgentMessageChunk(sessionID, text string) error {
	return s.sendUpdate(sessionID, map[string]any{
		"sessionUpdate": "agent_message_chunk",
		"content":       map[string]any{"type": "text", "text": text},
	})
}

// buildTurn turns prompt blocks into a turn request. Images become
// attachments, everything else is folded into the text.
func buildTurn(blocks []contentBlock) agent.TurnRequest {
	var turn agent.TurnRequest
	var text []contentBlock
	for i, b := range blocks {
		if b.Type != "image" {
			text = append(text, b)
			continue
		}
		data, err := base64.StdEncoding.DecodeString(b.Data)
		if err != nil {
			text = append(text, contentBlock{Type: "text", Text: fmt.Sprintf("[image %d could not be decoded]", i+1)})
			continue
		}
		turn.Attachments = append(turn.Attachments, agent.Attachment{
			Name:     fmt.Sprintf("image-%d", i+1),
			MimeType: b.MimeType,
			Data:     data,
		})
	}
	turn.Text = extractUserText(text)
	return turn
}

// readFileFromURI attempts to read file contents from a file:// URI
func readFileFromURI(uri string) (string, error) {
	parsedURL, err := url.Parse(uri)
	if err != nil {
		return "", errors.New("invalid URI: %v", err)
	}
	if parsedURL.Scheme != "file" {
		return "", errors.New("unsupported URI scheme: %s", parsedURL.Scheme)
	}
	content, err := os.ReadFile(parsedURL.Path)
	if err != nil {
		return "", errors.New("failed to read file: %v", err)
	}
	return string(content), nil
}

// maxResourceBytes caps the inline content of one linked resource.
const maxResourceBytes = 50000

// extractUserText creates a single string from all content blocks
func extractUserText(blocks []contentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if strings.TrimSpace(b.Text) != "" {
				parts = append(parts, b.Text)
			}
		case "resource":
			if b.Resource != nil {
				parts = append(parts, fmt.Sprintf("=== Resource: %s ===\n%s\n=== End Resource ===\n", b.Resource.URI, b.Resource.Text))
			}
		case "resource_link":
			var sb strings.Builder
			fmt.Fprintf(&sb, "=== Resource: %s ===\n", b.Name)
			if b.Title != "" {
				fmt.Fprintf(&sb, "Title: %s\n", b.Title)
			}
			if b.Description != "" {
				fmt.Fprintf(&sb, "Description: %s\n", b.Description)
			}
			fmt.Fprintf(&sb, "URI: %s\n", b.URI)
			if b.MimeType != "" {
				fmt.Fprintf(&sb, "Type: %s\n", b.MimeType)
			}
			if b.Size != nil {
				fmt.Fprintf(&sb, "Size: %d bytes\n", *b.Size)
			}

			if strings.HasPrefix(b.URI, "file://") {
				content, err := readFileFromURI(b.URI)
				if err != nil {
					fmt.Fprintf(&sb, "\n[Error reading file: %s]\n", errors.Message(err))
				} else {
					if len(content) > maxResourceBytes {
						content = content[:maxResourceBytes] + "\n\n[... truncated to 50KB ...]"
					}
					fmt.Fprintf(&sb, "\n--- File Contents ---\n%s\n--- End of File ---\n", content)
				}
			} else {
				sb.WriteString("\n[External resource - content not available]\n")
			}
			sb.WriteString("=== End Resource ===\n")
			parts = append(parts, sb.String())
		}
	}
	return strings.Join(parts, "\n")
}
