package tools

import (
	"context"
	"regexp"
	"strings"

	"github.com/m4xw311/aichat/config"
	"github.com/m4xw311/aichat/errors"
	"github.com/m4xw311/aichat/tools/mcp"
	"github.com/sirupsen/logrus"
)

// Tool defines the interface for any action the agent can take.
type Tool interface {
	Name() string
	Description() string
	// Schema is the JSON Schema of the arguments object.
	Schema() map[string]any
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// ScreenCapturer is implemented by tools that can grab the screen outside of
// a model-initiated call.
type ScreenCapturer interface {
	Capture(ctx context.Context) (string, error)
}

// Capability groups. Modes enable tools group by group.
const (
	GroupFile    = "file"
	GroupShell   = "shell"
	GroupControl = "control"
	GroupMCP     = "mcp"
)

// ToolRegistry holds all available tools in registration order.
type ToolRegistry struct {
	tools      []Tool
	byName     map[string]Tool
	groups     map[string]string
	mcpClients map[string]*mcp.MCPClient
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		byName:     make(map[string]Tool),
		groups:     make(map[string]string),
		mcpClients: make(map[string]*mcp.MCPClient),
	}
}

// NewDefaultRegistry registers the built-in tools and starts the MCP servers
// named in cfg. A server that fails to start is logged and skipped.
func NewDefaultRegistry(ctx context.Context, cfg *config.Config, desktop Desktop) *ToolRegistry {
	r := NewToolRegistry()
	RegisterFileTools(r)
	r.Register(GroupShell, &ExecuteShellTool{allowedCommands: cfg.AllowedCommands})
	RegisterDesktopTools(r, desktop)

	for _, srv := range cfg.AdditionalMCPServers {
		client, err := mcp.NewMCPClient(ctx, srv.Name, srv.Command, srv.Args)
		if err != nil {
			logrus.WithError(err).WithField("server", srv.Name).Warn("skipping MCP server")
			continue
		}
		r.mcpClients[srv.Name] = client
		for _, t := range client.Tools() {
			if _, dup := r.byName[t.Name()]; dup {
				logrus.WithFields(logrus.Fields{"server": srv.Name, "tool": t.Name()}).Warn("MCP tool shadows an existing tool, skipping")
				continue
			}
			r.Register(GroupMCP, t)
		}
	}
	return r
}

func (r *ToolRegistry) Register(group string, t Tool) {
	if _, ok := r.byName[t.Name()]; !ok {
		r.tools = append(r.tools, t)
	} else {
		for i, old := range r.tools {
			if old.Name() == t.Name() {
				r.tools[i] = t
			}
		}
	}
	r.byName[t.Name()] = t
	r.groups[t.Name()] = group
}

func (r *ToolRegistry) GetTool(name string) (Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Tools returns every registered tool in registration order.
func (r *ToolRegistry) Tools() []Tool {
	return append([]Tool(nil), r.tools...)
}

// Groups returns the tools belonging to any of the given groups, in
// registration order.
func (r *ToolRegistry) Groups(groups ...string) []Tool {
	var out []Tool
	for _, t := range r.tools {
		for _, g := range groups {
			if r.groups[t.Name()] == g {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// GetActiveTools returns the tool instances for a given toolset. MCP tools
// can be selected all at once with "<server>.*".
func (r *ToolRegistry) GetActiveTools(ts *config.Toolset) ([]Tool, error) {
	var activeTools []Tool
	for _, toolName := range ts.Tools {
		if server, ok := strings.CutSuffix(toolName, ".*"); ok {
			client, ok := r.mcpClients[server]
			if !ok {
				return nil, errors.Errorf(errors.ErrNotFound, "MCP server '%s' from toolset '%s' is not running", server, ts.Name)
			}
			for _, t := range client.Tools() {
				if registered, ok := r.byName[t.Name()]; ok {
					activeTools = append(activeTools, registered)
				}
			}
			continue
		}
		if t, ok := r.GetTool(toolName); ok {
			activeTools = append(activeTools, t)
		} else {
			return nil, errors.Errorf(errors.ErrNotFound, "tool '%s' from toolset '%s' is not registered", toolName, ts.Name)
		}
	}
	return activeTools, nil
}

// ExpandNames resolves a toolset into plain tool names.
func (r *ToolRegistry) ExpandNames(ts *config.Toolset) ([]string, error) {
	active, err := r.GetActiveTools(ts)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(active))
	for _, t := range active {
		names = append(names, t.Name())
	}
	return names, nil
}

// Filter keeps the tools whose names appear in names, preserving the order of
// tools.
func Filter(tools []Tool, names []string) []Tool {
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}
	var out []Tool
	for _, t := range tools {
		if keep[t.Name()] {
			out = append(out, t)
		}
	}
	return out
}

// Find looks a tool up by exact name within a subset.
func Find(tools []Tool, name string) (Tool, bool) {
	for _, t := range tools {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

// Close stops every MCP server the registry started.
func (r *ToolRegistry) Close() error {
	var errs []string
	for name, c := range r.mcpClients {
		if err := c.Stop(); err != nil {
			errs = append(errs, name+": "+err.Error())
		}
	}
	if len(errs) > 0 {
		return errors.New("failed to stop MCP servers: %s", strings.Join(errs, "; "))
	}
	return nil
}

// isCommandAllowed checks if a command is in the allowlist (with regex support).
// An empty allowlist allows everything.
func isCommandAllowed(command string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, pattern := range allowed {
		re, err := regexp.Compile(pattern)
		if err != nil {
			logrus.WithError(err).WithField("pattern", pattern).Warn("invalid regex in allowed_commands")
			// Fallback to simple string comparison if regex is invalid
			if command == pattern {
				return true
			}
			continue
		}
		if re.MatchString(command) {
			return true
		}
	}
	return false
}
