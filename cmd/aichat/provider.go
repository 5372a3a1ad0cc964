package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newProviderCommand() *cobra.Command {
	providerCommand := &cobra.Command{
		Use:   "provider",
		Short: "Show the LLM provider used in this workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			p := a.client.Provider()
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", p.Name, p.Model)
			return nil
		},
	}

	setCommand := &cobra.Command{
		Use:   "set NAME",
		Short: "Switch this workspace to another provider (openai, anthropic, bedrock, gemini, mock)",
		Args:  cobra.ExactArgs(1),
		RunE:  providerSetAction,
	}
	setCommand.Flags().String("model", "", "Model name")
	setCommand.Flags().String("base-url", "", "Override the provider endpoint")
	setCommand.Flags().String("region", "", "AWS region (bedrock)")
	setCommand.Flags().Int64("max-tokens", 0, "Maximum tokens per reply")
	providerCommand.AddCommand(setCommand)
	return providerCommand
}

func providerSetAction(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	// The API key is resolved from the configuration or the environment.
	fromCfg := *a.cfg
	fromCfg.LLMClient = args[0]
	p := fromCfg.Provider()
	p.Model, _ = cmd.Flags().GetString("model")
	if v, _ := cmd.Flags().GetString("base-url"); v != "" {
		p.BaseURL = v
	}
	if v, _ := cmd.Flags().GetString("region"); v != "" {
		p.Region = v
	}
	if v, _ := cmd.Flags().GetInt64("max-tokens"); v > 0 {
		p.MaxTokens = v
	}

	if err := a.client.Replace(cmd.Context(), p); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Switched to %s\n", a.client.Name())
	return nil
}
