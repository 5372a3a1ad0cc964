package main

import (
	"context"
	"os"

	"github.com/m4xw311/aichat/agent"
	"github.com/m4xw311/aichat/agent/acp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newACPCommand() *cobra.Command {
	acpCommand := &cobra.Command{
		Use:   "acp",
		Short: "Serve the Agent Client Protocol over stdio for editor integration",
		Args:  cobra.NoArgs,
		RunE:  acpAction,
	}
	acpCommand.Flags().String("trace", "", "Write a protocol trace to this file")
	acpCommand.Flags().StringP("toolset", "t", "", "Restrict tools to a toolset from the configuration")
	return acpCommand
}

func acpAction(cmd *cobra.Command, _ []string) error {
	// stdout carries JSON-RPC only.
	logrus.SetOutput(os.Stderr)

	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := acp.Config{
		Sessions:  a.store,
		Binding:   a.binding,
		Workspace: a.wsOpts,
		NewAgent: func(ctx context.Context, id string) (*agent.Agent, error) {
			opts, err := a.agentOptions(cmd, id)
			if err != nil {
				return nil, err
			}
			return agent.New(ctx, opts)
		},
	}
	if path, _ := cmd.Flags().GetString("trace"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		cfg.Trace = f
	}
	return acp.Run(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
}
