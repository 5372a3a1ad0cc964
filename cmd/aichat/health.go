package main

import (
	"fmt"

	"github.com/m4xw311/aichat/llm"
	"github.com/spf13/cobra"
)

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the configured provider answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := llm.CheckHealth(cmd.Context(), a.client); err != nil {
				return err
			}
			p := a.client.Provider()
			fmt.Fprintf(cmd.OutOrStdout(), "provider '%s' (model %q) is healthy\n", a.client.Name(), p.Model)
			return nil
		},
	}
}
