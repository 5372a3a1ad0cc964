package agent

import (
	"strings"

	"github.com/m4xw311/aichat/errors"
	"github.com/m4xw311/aichat/tools"
)

// Mode selects the system prompt and the default capabilities of a
// conversation.
type Mode string

const (
	ModeChat  Mode = "chat"
	ModePlan  Mode = "plan"
	ModeCanva Mode = "canva"
	ModeAgent Mode = "agent"
)

// Modes lists every valid mode.
var Modes = []Mode{ModeChat, ModePlan, ModeCanva, ModeAgent}

const toolGuidance = "You have full read/write access to the project's real file system. You may create, modify, " +
	"or delete any files as needed using the tools. " +
	"Always persist code changes to disk so the user can run and preview them. " +
	"Never describe edits hypothetically; use the tools (read_file, write_file, edit_file, execute_shell, etc.) to perform the work, then report back. " +
	"You can emit multiple tool_calls in a single assistant message; batch related edits and executions to reduce round trips."

var modePrompts = map[Mode]string{
	ModeChat: "You are in Chat mode. Provide concise, helpful answers without invoking tools. Keep responses focused on the user message.",
	ModePlan: "You are in Plan mode. Always return structured project plans, roadmaps, Gantt-ready milestones, or TODO lists. Prefer Markdown lists and tables.",
	ModeCanva: "You are in CANVA mode: a hands-on frontend/full-stack builder. " +
		"Goal: ship working UI/UX with real files updated. " +
		"Tool policy: prefer tool calls over prose. Read existing files, write edits, run shells when needed. " +
		"Batch related file edits or searches into one response with multiple tool_calls when useful. " +
		"Workflow: (1) inspect key files if unsure, (2) plan briefly, (3) apply changes with tools, (4) summarize what changed. " +
		"Be concise in text; do not paste large code unless necessary. " +
		toolGuidance,
	ModeAgent: "You are in AGENT mode: full autonomy with all tools (files, shell, desktop). " +
		"Take multi-step actions to complete tasks end-to-end. " +
		"Always use tools to gather context and apply changes; avoid speculative descriptions. " +
		"You may issue multiple tool_calls in one response to cover all needed actions before the next LLM call. " +
		"If you need to explore, list quick next tool calls; then execute them. " +
		"Report concise progress and what you changed. " +
		toolGuidance,
}

var modeGroups = map[Mode][]string{
	ModeCanva: {tools.GroupFile, tools.GroupShell},
	ModeAgent: {tools.GroupFile, tools.GroupShell, tools.GroupControl, tools.GroupMCP},
}

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := modePrompts[m]; !ok {
		return "", errors.Errorf(errors.ErrInvalidMode, "invalid mode '%s', expected one of chat, plan, canva, agent", s)
	}
	return m, nil
}

// Prompt returns the base system prompt of the mode.
func (m Mode) Prompt() string {
	return modePrompts[m]
}

// Groups returns the capability groups the mode enables by default.
func (m Mode) Groups() []string {
	return modeGroups[m]
}

// systemPrompt is the mode prompt followed by the tools the model may use.
func systemPrompt(m Mode, active []tools.Tool) string {
	if len(active) == 0 {
		return m.Prompt()
	}
	names := make([]string, 0, len(active))
	for _, t := range active {
		names = append(names, t.Name())
	}
	return m.Prompt() + "\n\nActive tools in this mode: " + strings.Join(names, ", ") +
		". Prefer taking real actions with these tools instead of only replying in text."
}
