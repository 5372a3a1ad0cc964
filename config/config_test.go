package config

import (
	"testing"

	"github.com/m4xw311/aichat/errors"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/fs"
)

func TestLoadConfigPrecedence(t *testing.T) {
	home := fs.NewDir(t, "home", fs.WithDir(DirName, fs.WithFile("config.yaml", `
llm: openai
model: gpt-4o-mini
allowed_commands: [ls, go]
toolsets:
  - name: readonly
    tools: [read_file, list_files]
`)))
	project := fs.NewDir(t, "project", fs.WithDir(DirName, fs.WithFile("config.yaml", `
model: gpt-4o
default_mode: canva
workspace:
  max_read_bytes: 1MB
`)))
	t.Setenv("HOME", home.Path())
	t.Setenv("BOUND_WORKSPACE_ROOT", "")
	t.Setenv("WORKSPACE_ROOT", "")
	t.Setenv("WORKSPACE_MAX_READ_BYTES", "")
	t.Chdir(project.Path())

	cfg, err := LoadConfig()
	assert.NilError(t, err)
	assert.Equal(t, cfg.LLMClient, "openai")
	assert.Equal(t, cfg.Model, "gpt-4o")
	assert.Equal(t, cfg.DefaultMode, "canva")
	assert.DeepEqual(t, cfg.AllowedCommands, []string{"ls", "go"})
	assert.Assert(t, is.Contains(cfg.FilesystemAccess.Hidden, DirName))

	n, err := cfg.MaxReadBytes()
	assert.NilError(t, err)
	assert.Equal(t, n, int64(1000000))
	assert.Equal(t, cfg.MaxSearchResults(), DefaultMaxSearchResults)

	ts, err := cfg.GetToolset("readonly")
	assert.NilError(t, err)
	assert.DeepEqual(t, ts.Tools, []string{"read_file", "list_files"})
	_, err = cfg.GetToolset("missing")
	assert.Assert(t, errors.Is(err, errors.ErrNotFound))
}

func TestLoadConfigEnv(t *testing.T) {
	t.Setenv("HOME", fs.NewDir(t, "home").Path())
	t.Chdir(fs.NewDir(t, "project").Path())
	t.Setenv("BOUND_WORKSPACE_ROOT", "")
	t.Setenv("WORKSPACE_ROOT", "/srv/site")
	t.Setenv("WORKSPACE_MAX_READ_BYTES", "2kB")

	cfg, err := LoadConfig()
	assert.NilError(t, err)
	assert.Equal(t, cfg.LLMClient, "mock")
	assert.Equal(t, cfg.Workspace.Root, "/srv/site")
	n, err := cfg.MaxReadBytes()
	assert.NilError(t, err)
	assert.Equal(t, n, int64(2000))

	t.Setenv("BOUND_WORKSPACE_ROOT", "/srv/bound")
	t.Setenv("WORKSPACE_MAX_READ_BYTES", "lots")
	_, err = LoadConfig()
	assert.ErrorContains(t, err, "invalid workspace.max_read_bytes")
}

func TestMaxReadBytesDefaults(t *testing.T) {
	cfg := Default()
	n, err := cfg.MaxReadBytes()
	assert.NilError(t, err)
	assert.Equal(t, n, DefaultMaxReadBytes)

	cfg.Workspace.MaxReadBytes = "0"
	_, err = cfg.MaxReadBytes()
	assert.Assert(t, errors.Is(err, errors.ErrInvalidArgument))
}

func TestProviderFromEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	t.Setenv("OPENAI_API_KEY", "sk-oai")
	t.Setenv("OPENAI_BASE_URL", "http://localhost:1234/v1")

	cfg := Default()
	cfg.LLMClient = "anthropic"
	cfg.Model = "claude-sonnet-4-5"
	cfg.LLMOptions.MaxTokens = 2048
	assert.DeepEqual(t, cfg.Provider(), Provider{Name: "anthropic", Model: "claude-sonnet-4-5", APIKey: "sk-ant", MaxTokens: 2048})

	cfg.LLMClient = "openai"
	cfg.LLMOptions.APIKey = "from-file"
	p := cfg.Provider()
	assert.Equal(t, p.APIKey, "from-file")
	assert.Equal(t, p.BaseURL, "http://localhost:1234/v1")
}
