package main

import (
	"fmt"
	"strings"

	"github.com/m4xw311/aichat/agent"
	"github.com/m4xw311/aichat/errors"
	"github.com/spf13/cobra"
)

func newAskCommand() *cobra.Command {
	askCommand := &cobra.Command{
		Use:   "ask PROMPT...",
		Short: "Run a single turn and stream the answer",
		Example: `  $ aichat ask "what does main.go do?"
  $ aichat ask --mode canva "create a hello world page"`,
		Args: cobra.MinimumNArgs(1),
		RunE: askAction,
	}
	askCommand.Flags().String("mode", "", "Conversation mode: chat, plan, canva or agent")
	askCommand.Flags().StringP("session", "s", "", "Continue the conversation with this id")
	askCommand.Flags().StringP("toolset", "t", "", "Restrict tools to a toolset from the configuration")
	return askCommand
}

func askAction(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	prompt := strings.Join(args, " ")
	mode, _ := cmd.Flags().GetString("mode")
	resume, _ := cmd.Flags().GetString("session")
	id, err := a.conversation(ctx, resume, title(prompt), mode)
	if err != nil {
		return err
	}
	opts, err := a.agentOptions(cmd, id)
	if err != nil {
		return err
	}
	opts.Stream = true
	if mode != "" || resume == "" {
		if opts.Mode, err = a.defaultMode(mode); err != nil {
			return err
		}
	}
	conv, err := agent.New(ctx, opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var failed string
	for chunk := range conv.Turn(a.binding.Context(ctx), agent.TurnRequest{Text: prompt}) {
		if chunk.Kind == agent.ChunkError {
			cmd.PrintErrln(strings.TrimSpace(chunk.Text))
			failed = chunk.Text
			continue
		}
		fmt.Fprint(out, chunk.Text)
	}
	fmt.Fprintln(out)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if failed != "" && strings.HasPrefix(failed, "Error calling LLM") {
		return errors.New("turn failed")
	}
	return nil
}

// title shortens a prompt into a conversation title.
func title(prompt string) string {
	const maxTitle = 40
	prompt = strings.Join(strings.Fields(prompt), " ")
	if r := []rune(prompt); len(r) > maxTitle {
		return string(r[:maxTitle]) + "..."
	}
	return prompt
}
