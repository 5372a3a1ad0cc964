package main

import (
	"context"
	"os"

	"github.com/m4xw311/aichat/agent"
	"github.com/m4xw311/aichat/config"
	"github.com/m4xw311/aichat/llm"
	"github.com/m4xw311/aichat/session"
	"github.com/m4xw311/aichat/tools"
	"github.com/m4xw311/aichat/workspace"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// app holds what every command shares: the configuration, the bound
// workspace, its conversation store, the provider and the tools.
type app struct {
	cfg      *config.Config
	wsOpts   workspace.Options
	binding  *workspace.Binding
	store    *session.FileStore
	client   *llm.Manager
	registry *tools.ToolRegistry
}

func setup(cmd *cobra.Command) (*app, error) {
	ctx := cmd.Context()
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	opts, err := workspace.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	root, _ := cmd.Flags().GetString("workspace")
	if root == "" {
		root = cfg.Workspace.Root
	}
	if root == "" {
		if root, err = os.Getwd(); err != nil {
			return nil, err
		}
	}
	binding := workspace.NewBinding(opts)
	ws, err := binding.Bind(root)
	if err != nil {
		return nil, err
	}
	dataDir, err := ws.DataDir(true)
	if err != nil {
		return nil, err
	}
	store, err := session.OpenFileStore(dataDir)
	if err != nil {
		return nil, err
	}
	client, err := llm.NewManager(ctx, cfg.Provider(), store)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"workspace": ws.Root(), "provider": client.Name()}).Debug("ready")

	return &app{
		cfg:      cfg,
		wsOpts:   opts,
		binding:  binding,
		store:    store,
		client:   client,
		registry: tools.NewDefaultRegistry(ctx, cfg, tools.NewCommandDesktop()),
	}, nil
}

func (a *app) Close() {
	if err := a.registry.Close(); err != nil {
		logrus.WithError(err).Warn("failed to stop tools")
	}
}

// defaultMode resolves the mode of a new conversation from the flag, then
// the configuration.
func (a *app) defaultMode(flag string) (agent.Mode, error) {
	name := flag
	if name == "" {
		name = a.cfg.DefaultMode
	}
	if name == "" {
		return agent.ModeChat, nil
	}
	return agent.ParseMode(name)
}

// conversation returns the id of the conversation to resume, or of a newly
// created one.
func (a *app) conversation(ctx context.Context, resume, title, mode string) (string, error) {
	if resume != "" {
		info, err := a.store.GetSession(ctx, resume)
		if err != nil {
			return "", err
		}
		return info.ID, nil
	}
	m, err := a.defaultMode(mode)
	if err != nil {
		return "", err
	}
	info, err := a.store.CreateSession(ctx, title, string(m))
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

// agentOptions builds the orchestrator options shared by every front-end,
// applying the --toolset flag when the command has one.
func (a *app) agentOptions(cmd *cobra.Command, id string) (agent.Options, error) {
	opts := agent.Options{
		ConversationID: id,
		Store:          a.store,
		Client:         a.client,
		Registry:       a.registry,
	}
	if f := cmd.Flags().Lookup("toolset"); f != nil && f.Value.String() != "" {
		ts, err := a.cfg.GetToolset(f.Value.String())
		if err != nil {
			return opts, err
		}
		if opts.Tools, err = a.registry.ExpandNames(ts); err != nil {
			return opts, err
		}
	}
	return opts, nil
}
