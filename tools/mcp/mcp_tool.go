package mcp

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"

	"github.com/m4xw311/aichat/errors"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"
)

// MCPClient manages the connection to a single MCP server subprocess.
type MCPClient struct {
	Name  string
	cmd   *exec.Cmd
	conn  *mcpsdk.ClientSession
	tools []*MCPTool // In the order the server listed them.
}

// NewMCPClient starts the MCP server subprocess and initializes the client.
// It is responsible for discovering the tools provided by the server.
func NewMCPClient(ctx context.Context, name, command string, args []string) (*MCPClient, error) {
	cmd := exec.Command(command, args...)
	cmd.Stderr = os.Stderr
	mcpClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "aichat", Version: "v1.0.0"}, nil)
	conn, err := mcpClient.Connect(ctx, mcpsdk.NewCommandTransport(cmd))
	if err != nil {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		return nil, errors.Wrapf(err, "failed to connect to MCP server '%s'", name)
	}
	client := &MCPClient{
		Name: name,
		cmd:  cmd,
		conn: conn,
	}
	toolListParams := &mcpsdk.ListToolsParams{}
	for {
		toolList, err := conn.ListTools(ctx, toolListParams)
		if err != nil {
			// Attempt to stop the process we just started.
			client.Stop()
			return nil, errors.Wrapf(err, "failed to list tools from MCP server '%s'", name)
		}

		for _, t := range toolList.Tools {
			client.tools = append(client.tools, &MCPTool{
				serverName:  name,
				toolName:    t.Name,
				description: t.Description,
				schema:      inputSchema(t.InputSchema),
				client:      client,
			})
		}

		if toolList.NextCursor == "" {
			break
		}
		toolListParams.Cursor = toolList.NextCursor
	}

	logrus.WithFields(logrus.Fields{"server": name, "tools": len(client.tools)}).Info("initialized MCP client")
	return client, nil
}

// inputSchema converts the server's schema into a plain JSON object so it
// can be handed to any provider. Servers without one accept an empty object.
func inputSchema(s any) map[string]any {
	m := map[string]any{}
	if data, err := json.Marshal(s); err == nil {
		_ = json.Unmarshal(data, &m)
	}
	if m == nil {
		m = map[string]any{}
	}
	if _, ok := m["type"]; !ok {
		m["type"] = "object"
	}
	if _, ok := m["properties"]; !ok {
		m["properties"] = map[string]any{}
	}
	return m
}

// Tools returns the tools provided by this server.
func (c *MCPClient) Tools() []*MCPTool {
	return c.tools
}

// GetTool returns a specific tool provided by this MCP server by its short name.
func (c *MCPClient) GetTool(toolName string) (*MCPTool, bool) {
	for _, t := range c.tools {
		if t.toolName == toolName {
			return t, true
		}
	}
	return nil, false
}

// Stop terminates the MCP server subprocess.
func (c *MCPClient) Stop() error {
	if c.conn != nil {
		c.conn.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		logrus.WithField("server", c.Name).Info("terminating MCP server")
		if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
	}
	return nil
}

// MCPTool represents a tool available from an external MCP server.
// It is designed to satisfy the `tools.Tool` interface from the parent package.
type MCPTool struct {
	serverName  string
	toolName    string
	description string
	schema      map[string]any
	client      *MCPClient // Reference back to the client managing the connection.
}

// Name returns the tool's own name. Qualified names such as "<server>:<tool>"
// are rejected by some providers, so servers must not collide.
func (t *MCPTool) Name() string {
	return t.toolName
}

func (t *MCPTool) Server() string { return t.serverName }

// Description returns the tool's description, provided by the MCP server.
func (t *MCPTool) Description() string {
	return t.description
}

func (t *MCPTool) Schema() map[string]any {
	return t.schema
}

// Execute sends the command and arguments to the MCP server and returns the result.
func (t *MCPTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	result, err := t.client.conn.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.toolName,
		Arguments: args,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to call tool '%s'", t.Name())
	}
	var sb strings.Builder
	for _, c := range result.Content {
		switch c := c.(type) {
		case *mcpsdk.TextContent:
			sb.WriteString(c.Text)
		default:
			// Non-text content is passed through in its wire form.
			if data, err := json.Marshal(c); err == nil {
				sb.Write(data)
			}
		}
	}
	if result.IsError {
		return "", errors.New("%s", sb.String())
	}
	return sb.String(), nil
}
