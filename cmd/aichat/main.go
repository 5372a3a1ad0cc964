package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/m4xw311/aichat/agent"
	"github.com/m4xw311/aichat/agent/terminal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newApp().ExecuteContext(ctx)
	stop()
	if err != nil {
		logrus.Fatal(err)
	}
}

func newApp() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "aichat [prompt...]",
		Short: "aichat: an LLM assistant that works on a project folder",
		Example: `  Chat about the current folder:
  $ aichat

  Build something with file and shell tools:
  $ aichat --mode canva "add a dark theme to index.html"

  Resume a conversation:
  $ aichat -r 6f1c...`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          interactiveAction,
	}
	rootCmd.PersistentFlags().Bool("debug", false, "Debug mode")
	rootCmd.PersistentFlags().StringP("workspace", "w", "", "Project folder to work on (defaults to workspace.root, then the current directory)")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, _ []string) {
		if debug, _ := cmd.Flags().GetBool("debug"); debug {
			logrus.SetLevel(logrus.DebugLevel)
		}
	}

	rootCmd.Flags().String("mode", "", "Conversation mode: chat, plan, canva or agent")
	rootCmd.Flags().StringP("session", "s", "", "Title of the new conversation")
	rootCmd.Flags().StringP("resume", "r", "", "Resume the conversation with this id")
	rootCmd.Flags().StringP("toolset", "t", "", "Restrict tools to a toolset from the configuration")
	rootCmd.Flags().Bool("confirm", false, "Ask before every tool call")

	rootCmd.AddCommand(
		newACPCommand(),
		newAskCommand(),
		newHealthCommand(),
		newSessionsCommand(),
		newProviderCommand(),
	)
	return rootCmd
}

func interactiveAction(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	title, _ := cmd.Flags().GetString("session")
	resume, _ := cmd.Flags().GetString("resume")
	mode, _ := cmd.Flags().GetString("mode")
	confirm, _ := cmd.Flags().GetBool("confirm")

	id, err := a.conversation(ctx, resume, title, mode)
	if err != nil {
		return err
	}
	if resume != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Resuming conversation %s\n", id)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Starting conversation %s\n", id)
	}

	term := terminal.New(cmd.InOrStdin(), cmd.OutOrStdout())
	opts, err := a.agentOptions(cmd, id)
	if err != nil {
		return err
	}
	if confirm {
		opts.Approve = term.Approve
	}
	if mode != "" || resume == "" {
		if opts.Mode, err = a.defaultMode(mode); err != nil {
			return err
		}
	}
	conv, err := agent.New(ctx, opts)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Ready. Type your prompt, /help for commands.")
	return term.Run(a.binding.Context(ctx), conv, strings.Join(args, " "))
}
