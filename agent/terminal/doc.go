// Package terminal implements the interactive command-line front-end of the
// agent.
//
// Each line typed by the user becomes one agent turn whose output is written
// as it arrives. Lines starting with a slash are commands:
//
//   - /mode [name]: show or switch the conversation mode
//   - /tools [a,b,...|-]: show, set or clear the tool override
//   - /quit, /exit: end the session
//
// Tool confirmation is opt-in: pass Terminal.Approve as the agent's Approver
// and every tool call is confirmed on the same input stream.
package terminal
