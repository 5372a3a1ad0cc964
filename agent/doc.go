// Package agent orchestrates conversations between a user, an LLM provider and
// the capabilities the provider may call.
//
// An Agent owns one conversation. It keeps the message history, hydrated from
// a session.Store when the conversation already exists, and persists every
// user, assistant and tool message it appends. The system prompt is never
// persisted; it is derived from the current mode and rewritten in place
// whenever the mode or the tool override changes.
//
// # Modes
//
// The mode selects the system prompt and the default capability groups:
//
//   - ModeChat: conversational answers, no tools
//   - ModePlan: structured plans and TODO lists, no tools
//   - ModeCanva: file and shell tools for building UIs
//   - ModeAgent: every tool, including desktop control and MCP tools
//
// A tool override narrows the mode's capabilities to a list of names. It never
// adds capabilities the mode does not have.
//
// # Turns
//
// Each call to Turn appends the user's message and then loops: the provider is
// asked for a reply, any tool calls in it are executed in order, and their
// results are appended as tool messages before asking again. The loop ends with
// the first reply that carries no tool calls, with a provider error, or when
// the context is cancelled.
//
//	a, err := agent.New(ctx, agent.Options{
//	    ConversationID: id,
//	    Store:          store,
//	    Client:         client,
//	    Registry:       registry,
//	    Mode:           agent.ModeCanva,
//	})
//	if err != nil {
//	    return err
//	}
//	for chunk := range a.Turn(ctx, agent.TurnRequest{Text: "add a dark theme"}) {
//	    fmt.Print(chunk.Text)
//	}
//
// Tool failures never end a turn. A missing tool, a declined call or an
// execution error is reported back to the model as the tool's result.
//
// In agent mode a screenshot is attached to the user's message before the
// first provider call and appended as a user message after every round of tool
// calls. Failing to take the first one aborts the turn; failing to take a later
// one is only reported.
//
// # Subpackages
//
// agent/terminal: an interactive command-line front-end.
//
// agent/acp: an Agent Client Protocol server speaking JSON-RPC over stdio.
package agent
