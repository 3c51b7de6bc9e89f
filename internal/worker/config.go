// Package worker implements the client-side runtime: the poll and heartbeat
// loops, executor dispatch and subprocess lifecycle for agent tasks.
package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the worker runtime configuration, read from a YAML file with
// environment overrides on top. CLI flags override both.
type Config struct {
	ServerURL string `yaml:"server_url"`
	Username  string `yaml:"username"`
	Token     string `yaml:"token"`

	// AgentCommand is the AI CLI the agent executor spawns; the prompt goes
	// to its stdin.
	AgentCommand string   `yaml:"agent_command"`
	AgentArgs    []string `yaml:"agent_args"`

	PollInterval      time.Duration `yaml:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MaxConcurrent     int           `yaml:"max_concurrent"`
	ExecTimeout       time.Duration `yaml:"exec_timeout"`

	Jira   JiraConfig   `yaml:"jira"`
	GitLab GitLabConfig `yaml:"gitlab"`
}

// JiraConfig holds locally-stored Jira credentials.
type JiraConfig struct {
	BaseURL  string `yaml:"base_url"`
	Email    string `yaml:"email"`
	APIToken string `yaml:"api_token"`
}

// GitLabConfig holds locally-stored GitLab credentials.
type GitLabConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// DefaultConfigPath is ~/.agentboard/worker.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "worker.yaml"
	}
	return filepath.Join(home, ".agentboard", "worker.yaml")
}

// LoadConfig reads the YAML file at path (missing file is fine), applies
// environment overrides and fills defaults.
func LoadConfig(path string) (Config, error) {
	cfg := Config{
		AgentCommand:      "claude",
		PollInterval:      5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		MaxConcurrent:     1,
		ExecTimeout:       600 * time.Second,
	}
	if path == "" {
		path = DefaultConfigPath()
	}
	raw, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("op=worker.config: parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("op=worker.config: read %s: %w", path, err)
	}

	applyEnv(&cfg)

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 600 * time.Second
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AGENTBOARD_SERVER"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("AGENTBOARD_USER"); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv("AGENTBOARD_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("AGENTBOARD_AGENT_COMMAND"); v != "" {
		cfg.AgentCommand = v
	}
	if v := os.Getenv("AGENTBOARD_POLL_INTERVAL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.PollInterval = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("AGENTBOARD_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			cfg.MaxConcurrent = n
		}
	}
}
