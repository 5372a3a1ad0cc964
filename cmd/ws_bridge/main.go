package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/m4xw311/aichat/agent"
	"github.com/m4xw311/aichat/config"
	"github.com/m4xw311/aichat/errors"
	"github.com/m4xw311/aichat/llm"
	"github.com/m4xw311/aichat/session"
	"github.com/m4xw311/aichat/tools"
	"github.com/m4xw311/aichat/workspace"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// rootHeader names the project folder a connection works on. It takes
// precedence over the process-wide workspace.
const rootHeader = "X-Workspace-Root"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newApp().ExecuteContext(ctx)
	stop()
	if err != nil {
		logrus.Fatal(err)
	}
}

func newApp() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ws_bridge",
		Short:         "Serve conversations over WebSocket",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serveAction,
	}
	cmd.Flags().String("addr", "localhost:8080", "Address to listen on")
	cmd.Flags().StringP("workspace", "w", "", "Default project folder for connections that do not name one")
	cmd.Flags().Bool("debug", false, "Debug mode")
	return cmd
}

func serveAction(cmd *cobra.Command, _ []string) error {
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	s, err := newServer(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer s.registry.Close()

	root, _ := cmd.Flags().GetString("workspace")
	if root == "" {
		root = cfg.Workspace.Root
	}
	if root != "" {
		if _, err := s.binding.Bind(root); err != nil {
			return err
		}
	}

	addr, _ := cmd.Flags().GetString("addr")
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-cmd.Context().Done()
		srv.Close()
	}()
	logrus.Infof("WebSocket server running on ws://%s/ws", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type server struct {
	cfg      *config.Config
	opts     workspace.Options
	binding  *workspace.Binding
	registry *tools.ToolRegistry
	upgrader websocket.Upgrader
	// newClient builds the provider of a connection.
	newClient func(ctx context.Context, store session.Store) (llm.LLMClient, error)
}

func newServer(ctx context.Context, cfg *config.Config) (*server, error) {
	opts, err := workspace.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &server{
		cfg:      cfg,
		opts:     opts,
		binding:  workspace.NewBinding(opts),
		registry: tools.NewDefaultRegistry(ctx, cfg, tools.NewCommandDesktop()),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		newClient: func(ctx context.Context, store session.Store) (llm.LLMClient, error) {
			return llm.NewManager(ctx, cfg.Provider(), store)
		},
	}, nil
}

// clientMessage is what a connection sends: a prompt to run, or a request to
// cancel the running one.
type clientMessage struct {
	Type        string       `json:"type"`
	Text        string       `json:"text,omitempty"`
	Mode        string       `json:"mode,omitempty"`
	Tools       []string     `json:"tools,omitempty"`
	Session     string       `json:"session,omitempty"`
	Attachments []attachment `json:"attachments,omitempty"`
}

type attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	// Data is base64 in JSON.
	Data []byte `json:"data"`
}

// serverMessage is one output event. Type is a chunk kind, "session" when a
// conversation is opened, or "done" at the end of a turn.
type serverMessage struct {
	Type    string `json:"type"`
	Data    string `json:"data,omitempty"`
	Tool    string `json:"tool,omitempty"`
	Session string `json:"session,omitempty"`
}

func (s *server) workspaceFor(r *http.Request) (*workspace.Workspace, error) {
	root := r.Header.Get(rootHeader)
	if root == "" {
		root = r.URL.Query().Get("root")
	}
	if root == "" {
		return s.binding.Current()
	}
	return workspace.Bind(root, s.opts)
}

func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspaceFor(r)
	if err != nil {
		http.Error(w, errors.Message(err), http.StatusBadRequest)
		return
	}
	dataDir, err := ws.DataDir(true)
	if err != nil {
		http.Error(w, errors.Message(err), http.StatusInternalServerError)
		return
	}
	store, err := session.OpenFileStore(dataDir)
	if err != nil {
		http.Error(w, errors.Message(err), http.StatusInternalServerError)
		return
	}
	client, err := s.newClient(r.Context(), store)
	if err != nil {
		http.Error(w, errors.Message(err), http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Debug("upgrade failed")
		return
	}
	defer conn.Close()

	c := &connection{server: s, conn: conn, ws: ws, store: store, client: client, prompts: make(chan clientMessage, 8)}
	log := logrus.WithFields(logrus.Fields{"remote": r.RemoteAddr, "workspace": ws.Root()})
	log.Debug("connection opened")

	// The reader and the turn runner stop together: when the peer goes away
	// the running turn is cancelled, and a failed write unblocks the reader.
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error { return c.read(ctx) })
	g.Go(func() error {
		defer conn.Close()
		return c.run(ctx)
	})
	if err := g.Wait(); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.WithError(err).Debug("connection closed")
	}
}

type connection struct {
	*server
	conn   *websocket.Conn
	ws     *workspace.Workspace
	store  *session.FileStore
	client llm.LLMClient

	writeMu sync.Mutex
	prompts chan clientMessage

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (c *connection) send(m serverMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(m)
}

func (c *connection) read(ctx context.Context) error {
	defer close(c.prompts)
	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return err
		}
		switch msg.Type {
		case "cancel":
			c.mu.Lock()
			if c.cancel != nil {
				c.cancel()
			}
			c.mu.Unlock()
		case "prompt":
			select {
			case c.prompts <- msg:
			default:
				if err := c.send(serverMessage{Type: string(agent.ChunkError), Data: "too many queued prompts"}); err != nil {
					return err
				}
			}
		default:
			if err := c.send(serverMessage{Type: string(agent.ChunkError), Data: "unknown message type '" + msg.Type + "'"}); err != nil {
				return err
			}
		}
	}
}

func (c *connection) run(ctx context.Context) error {
	var conv *agent.Agent
	for {
		var msg clientMessage
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-c.prompts:
			if !ok {
				return nil
			}
			msg = m
		}

		if conv == nil || (msg.Session != "" && msg.Session != conv.ConversationID()) {
			next, err := c.open(ctx, msg)
			if err != nil {
				if err := c.send(serverMessage{Type: string(agent.ChunkError), Data: errors.Message(err)}); err != nil {
					return err
				}
				continue
			}
			conv = next
			if err := c.send(serverMessage{Type: "session", Session: conv.ConversationID()}); err != nil {
				return err
			}
		}
		if err := c.turn(ctx, conv, msg); err != nil {
			return err
		}
	}
}

// open resumes the named conversation or starts a new one.
func (c *connection) open(ctx context.Context, msg clientMessage) (*agent.Agent, error) {
	opts := agent.Options{
		ConversationID: msg.Session,
		Store:          c.store,
		Client:         c.client,
		Registry:       c.registry,
		Stream:         true,
	}
	if opts.ConversationID != "" {
		if _, err := c.store.GetSession(ctx, opts.ConversationID); err != nil {
			return nil, err
		}
		return agent.New(ctx, opts)
	}

	name := msg.Mode
	if name == "" {
		name = c.cfg.DefaultMode
	}
	opts.Mode = agent.ModeChat
	if name != "" {
		m, err := agent.ParseMode(name)
		if err != nil {
			return nil, err
		}
		opts.Mode = m
	}
	info, err := c.store.CreateSession(ctx, "", string(opts.Mode))
	if err != nil {
		return nil, err
	}
	opts.ConversationID = info.ID
	return agent.New(ctx, opts)
}

func (c *connection) turn(ctx context.Context, conv *agent.Agent, msg clientMessage) error {
	turnCtx, cancel := context.WithCancel(workspace.NewContext(ctx, c.ws))
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
		cancel()
	}()

	req := agent.TurnRequest{Text: msg.Text, Mode: msg.Mode, Tools: msg.Tools}
	for _, at := range msg.Attachments {
		req.Attachments = append(req.Attachments, agent.Attachment{Name: at.Name, MimeType: at.MimeType, Data: at.Data})
	}
	for chunk := range conv.Turn(turnCtx, req) {
		if err := c.send(serverMessage{Type: string(chunk.Kind), Data: chunk.Text, Tool: chunk.Tool}); err != nil {
			cancel()
			return err
		}
	}
	return c.send(serverMessage{Type: "done"})
}
