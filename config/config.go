package config

import (
	"os"
	"path/filepath"

	units "github.com/docker/go-units"
	"github.com/m4xw311/aichat/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DirName is the per-user and per-project directory holding config and data.
const DirName = ".aichat"

const (
	DefaultMaxReadBytes     int64 = 600000
	DefaultMaxSearchResults       = 200
)

type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

type MCPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Toolset is a named tool override list selectable from the command line.
type Toolset struct {
	Name  string   `yaml:"name"`
	Tools []string `yaml:"tools"`
}

type LLMOptions struct {
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	Region    string `yaml:"region"`
	MaxTokens int64  `yaml:"max_tokens"`
}

type Workspace struct {
	Root string `yaml:"root"`
	// MaxReadBytes accepts human sizes such as "600kB".
	MaxReadBytes     string `yaml:"max_read_bytes"`
	MaxSearchResults int    `yaml:"max_search_results"`
}

type Config struct {
	LLMClient            string           `yaml:"llm"`
	Model                string           `yaml:"model"`
	LLMOptions           LLMOptions       `yaml:"llm_options"`
	DefaultMode          string           `yaml:"default_mode"`
	Toolsets             []Toolset        `yaml:"toolsets"`
	AdditionalMCPServers []MCPServer      `yaml:"additional_mcp_servers"`
	AllowedCommands      []string         `yaml:"allowed_commands"`
	FilesystemAccess     FilesystemAccess `yaml:"filesystem_access"`
	Workspace            Workspace        `yaml:"workspace"`
}

// Provider is the provider selection that can be persisted and swapped at
// runtime.
type Provider struct {
	Name      string `json:"name"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key,omitempty"`
	BaseURL   string `json:"base_url,omitempty"`
	Region    string `json:"region,omitempty"`
	MaxTokens int64  `json:"max_tokens,omitempty"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		LLMClient:   "mock",
		DefaultMode: "chat",
		FilesystemAccess: FilesystemAccess{
			// The project data directory is never exposed to tools.
			Hidden: []string{DirName, DirName + "/**"},
		},
		Workspace: Workspace{MaxSearchResults: DefaultMaxSearchResults},
	}
}

// LoadConfig loads configuration from the user's home directory and the current
// working directory, with the latter taking precedence. Environment variables
// are applied last.
func LoadConfig() (*Config, error) {
	cfg := Default()

	home, err := os.UserHomeDir()
	if err == nil {
		if err := loadIfExists(filepath.Join(home, DirName, "config.yaml"), cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading user config")
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	if err := loadIfExists(filepath.Join(wd, DirName, "config.yaml"), cfg); err != nil {
		return nil, errors.Wrapf(err, "error loading project config")
	}

	cfg.applyEnv()
	if _, err := cfg.MaxReadBytes(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadIfExists(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	logrus.WithField("path", path).Debug("loading config")
	// Fields present in the YAML replace what earlier files set.
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) applyEnv() {
	if root := firstEnv("BOUND_WORKSPACE_ROOT", "WORKSPACE_ROOT"); root != "" {
		c.Workspace.Root = root
	}
	if v := os.Getenv("WORKSPACE_MAX_READ_BYTES"); v != "" {
		c.Workspace.MaxReadBytes = v
	}
}

// MaxReadBytes parses the configured read limit.
func (c *Config) MaxReadBytes() (int64, error) {
	if c.Workspace.MaxReadBytes == "" {
		return DefaultMaxReadBytes, nil
	}
	n, err := units.FromHumanSize(c.Workspace.MaxReadBytes)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid workspace.max_read_bytes %q", c.Workspace.MaxReadBytes)
	}
	if n <= 0 {
		return 0, errors.Errorf(errors.ErrInvalidArgument, "workspace.max_read_bytes must be positive")
	}
	return n, nil
}

func (c *Config) MaxSearchResults() int {
	if c.Workspace.MaxSearchResults <= 0 {
		return DefaultMaxSearchResults
	}
	return c.Workspace.MaxSearchResults
}

// Provider returns the provider selection, filling the API key from the
// provider's conventional environment variable when the file has none.
func (c *Config) Provider() Provider {
	p := Provider{
		Name:      c.LLMClient,
		Model:     c.Model,
		APIKey:    c.LLMOptions.APIKey,
		BaseURL:   c.LLMOptions.BaseURL,
		Region:    c.LLMOptions.Region,
		MaxTokens: c.LLMOptions.MaxTokens,
	}
	if p.APIKey == "" {
		switch p.Name {
		case "openai":
			p.APIKey = os.Getenv("OPENAI_API_KEY")
		case "anthropic":
			p.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "gemini":
			p.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
	if p.BaseURL == "" && p.Name == "openai" {
		p.BaseURL = os.Getenv("OPENAI_BASE_URL")
	}
	return p
}

// GetToolset finds a toolset by name.
func (c *Config) GetToolset(name string) (*Toolset, error) {
	for _, ts := range c.Toolsets {
		if ts.Name == name {
			return &ts, nil
		}
	}
	return nil, errors.Errorf(errors.ErrNotFound, "toolset %q not found in configuration", name)
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
