package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/m4xw311/aichat/agent"
	"github.com/m4xw311/aichat/session"
)

// Terminal handles the terminal/CLI interaction mode for the agent
type Terminal struct {
	in  *bufio.Scanner
	out io.Writer
}

// New creates a new Terminal reading user input from in and writing to out.
func New(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{
		in:  bufio.NewScanner(in),
		out: out,
	}
}

// Approve asks the user whether a tool call may run. It is meant to be used
// as the agent's Approver; it reads from the same input as the prompt loop.
func (t *Terminal) Approve(ctx context.Context, call session.ToolCall) bool {
	fmt.Fprintf(t.out, "\nAllow tool `%s` with args %v? (y/n): ", call.Name, call.Args)
	if !t.in.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(t.in.Text()))
	return answer == "y" || answer == "yes"
}

// Run starts the interactive terminal session
func (t *Terminal) Run(ctx context.Context, a *agent.Agent, initialPrompt string) error {
	if initialPrompt != "" {
		t.processTurn(ctx, a, initialPrompt)
	}

	for {
		fmt.Fprintf(t.out, "You [%s]: ", a.Mode())
		if !t.in.Scan() {
			// EOF or read error ends the session
			break
		}

		userInput := strings.TrimSpace(t.in.Text())
		if userInput == "" {
			continue
		}
		if strings.HasPrefix(userInput, "/") {
			if t.command(a, userInput) {
				break
			}
			continue
		}
		t.processTurn(ctx, a, userInput)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	fmt.Fprintln(t.out)
	return t.in.Err()
}

// command handles a slash command and reports whether the session should end.
func (t *Terminal) command(a *agent.Agent, line string) bool {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/quit", "/exit":
		return true
	case "/mode":
		if arg == "" {
			fmt.Fprintf(t.out, "Current mode: %s\n", a.Mode())
			return false
		}
		if err := a.SetMode(arg); err != nil {
			fmt.Fprintf(t.out, "Error: %v\n", err)
			return false
		}
		fmt.Fprintf(t.out, "Switched to %s mode.\n", a.Mode())
	case "/tools":
		if arg != "" {
			var names []string
			if arg != "-" {
				for _, n := range strings.Split(arg, ",") {
					if n = strings.TrimSpace(n); n != "" {
						names = append(names, n)
					}
				}
			}
			a.SetToolOverride(names)
		}
		var names []string
		for _, tool := range a.ActiveTools() {
			names = append(names, tool.Name())
		}
		if len(names) == 0 {
			fmt.Fprintln(t.out, "No tools are active.")
		} else {
			fmt.Fprintf(t.out, "Active tools: %s\n", strings.Join(names, ", "))
		}
	case "/help":
		fmt.Fprintln(t.out, "Commands: /mode [chat|plan|canva|agent], /tools [name,...|-], /quit")
	default:
		fmt.Fprintf(t.out, "Unknown command %s, try /help\n", name)
	}
	return false
}

// processTurn handles a single user input turn
func (t *Terminal) processTurn(ctx context.Context, a *agent.Agent, userInput string) {
	fmt.Fprint(t.out, "Assistant: ")
	for chunk := range a.Turn(ctx, agent.TurnRequest{Text: userInput}) {
		switch chunk.Kind {
		case agent.ChunkError:
			text := strings.TrimSpace(chunk.Text)
			fmt.Fprintf(t.out, "\n[%s]\n", text)
		default:
			fmt.Fprint(t.out, chunk.Text)
		}
	}
	fmt.Fprintln(t.out)
}
