package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// Execution modes.
const (
	ModeHITL = "hitl" // Human approves between iterations.
	ModeYOLO = "yolo" // Fully unattended.
)

// EnvPrefix is the prefix for environment overrides, e.g. RALPH_MAX_ITERATIONS.
const EnvPrefix = "RALPH_"

// Config is the root configuration for a ralph project.
type Config struct {
	Version             int            `yaml:"version" json:"version"`
	Mode                string         `yaml:"mode" json:"mode"`                                   // hitl or yolo
	MaxIterations       int            `yaml:"max_iterations" json:"max_iterations"`               // Iteration budget per battle
	IterationTimeoutSec int            `yaml:"iteration_timeout_sec" json:"iteration_timeout_sec"` // Bound for agent call + feedback loops
	AutoCommit          bool           `yaml:"auto_commit" json:"auto_commit"`                     // Commit the tree when a battle completes
	FeedbackLoops       []FeedbackLoop `yaml:"feedback_loops" json:"feedback_loops"`
	Agent               Agent          `yaml:"agent" json:"agent"`
	Server              Server         `yaml:"server" json:"server"`
}

// FeedbackLoop is a machine-checkable command run after every iteration.
type FeedbackLoop struct {
	Name string `yaml:"name" json:"name"` // test, lint, typecheck...
	Cmd  string `yaml:"cmd" json:"cmd"`   // Run through sh -c in the working directory
}

// Agent describes the coding agent and how to connect to it.
type Agent struct {
	Mode       string   `yaml:"mode" json:"mode"`                                   // "cli" or "api"
	Cmd        string   `yaml:"cmd,omitempty" json:"cmd,omitempty"`                 // CLI command to spawn
	Args       []string `yaml:"args,omitempty" json:"args,omitempty"`               // CLI arguments
	Provider   string   `yaml:"provider,omitempty" json:"provider,omitempty"`       // API provider: openai, anthropic, google
	Model      string   `yaml:"model,omitempty" json:"model,omitempty"`             // Model name for API mode
	APIKeyEnv  string   `yaml:"api_key_env,omitempty" json:"api_key_env,omitempty"` // Env var name containing API key
	BaseURL    string   `yaml:"base_url,omitempty" json:"base_url,omitempty"`       // Override the provider endpoint (proxies, local gateways)
	TimeoutSec int      `yaml:"timeout_sec,omitempty" json:"timeout_sec,omitempty"` // Timeout in seconds (0 = iteration timeout)
	AutoAccept bool     `yaml:"auto_accept,omitempty" json:"auto_accept,omitempty"` // Auto-accept all agent actions (skip permissions)
}

// Server holds the HTTP/WS listener settings for `ralph serve`.
type Server struct {
	Addr string `yaml:"addr" json:"addr"`
}

// EffectiveArgs returns the final args for a CLI agent, injecting
// non-interactive and auto-accept flags for known CLI tools.
//
// Known tools and their flags:
//   - claude: --print --dangerously-skip-permissions
//   - gemini: --yolo
//   - codex:  --full-auto
//
// Auto-accept flags only apply when auto_accept: true in the config.
func (a Agent) EffectiveArgs() []string {
	if a.Mode != "cli" {
		return a.Args
	}

	args := make([]string, len(a.Args))
	copy(args, a.Args)

	switch a.Cmd {
	case "claude":
		if !containsAny(args, "-p", "--print") {
			args = appendFront(args, "--print")
		}
		if a.AutoAccept && !containsAny(args, "--dangerously-skip-permissions", "--permission-mode") {
			args = appendFront(args, "--dangerously-skip-permissions")
		}
	case "gemini":
		if a.AutoAccept && !containsAny(args, "-y", "--yolo") {
			args = appendFront(args, "--yolo")
		}
	case "codex":
		if a.AutoAccept && !containsAny(args, "--full-auto", "--approval-mode") {
			args = appendFront(args, "--full-auto")
		}
	}

	return args
}

// IterationTimeout returns the per-iteration bound in seconds.
func (c *Config) IterationTimeout() int {
	if c.IterationTimeoutSec > 0 {
		return c.IterationTimeoutSec
	}
	return 600
}

// AgentTimeout returns the effective agent timeout in seconds.
// An agent-level timeout can only shorten the iteration bound.
func (c *Config) AgentTimeout() int {
	it := c.IterationTimeout()
	if c.Agent.TimeoutSec > 0 && c.Agent.TimeoutSec < it {
		return c.Agent.TimeoutSec
	}
	return it
}

// Load reads the config file at the given path and applies RALPH_*
// environment overrides on top of it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes config bytes, applies environment overrides and validates.
func Parse(data []byte) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// RALPH_MAX_ITERATIONS -> max_iterations, RALPH_AGENT__CMD -> agent.cmd
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(key, "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to the given path.
func Save(path string, cfg *Config) error {
	data, err := yamlv3.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// DefaultConfig returns a starter config driving the claude CLI.
func DefaultConfig() *Config {
	return &Config{
		Version:             1,
		Mode:                ModeHITL,
		MaxIterations:       10,
		IterationTimeoutSec: 600,
		AutoCommit:          true,
		FeedbackLoops:       []FeedbackLoop{},
		Agent: Agent{
			Mode:       "cli",
			Cmd:        "claude",
			AutoAccept: true,
		},
		Server: Server{Addr: "127.0.0.1:3456"},
	}
}

// Validate checks the config for values the battle loop cannot work with.
func (c *Config) Validate() error {
	if c.Mode != ModeHITL && c.Mode != ModeYOLO {
		return fmt.Errorf("mode must be %q or %q, got %q", ModeHITL, ModeYOLO, c.Mode)
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1, got %d", c.MaxIterations)
	}
	if c.IterationTimeoutSec < 0 {
		return fmt.Errorf("iteration_timeout_sec must not be negative")
	}

	seen := map[string]bool{}
	for i, fl := range c.FeedbackLoops {
		if fl.Name == "" {
			return fmt.Errorf("feedback loop %d: name is required", i)
		}
		if fl.Cmd == "" {
			return fmt.Errorf("feedback loop %q: cmd is required", fl.Name)
		}
		if seen[fl.Name] {
			return fmt.Errorf("feedback loop %q: duplicate name", fl.Name)
		}
		seen[fl.Name] = true
	}

	a := c.Agent
	if a.Mode == "" {
		return fmt.Errorf("agent: mode is required (cli or api)")
	}
	if a.Mode != "cli" && a.Mode != "api" {
		return fmt.Errorf("agent: mode must be 'cli' or 'api', got %q", a.Mode)
	}
	if a.Mode == "cli" && a.Cmd == "" {
		return fmt.Errorf("agent: cmd is required for cli mode")
	}
	if a.Mode == "api" && a.Provider == "" {
		return fmt.Errorf("agent: provider is required for api mode")
	}
	return nil
}

// FeedbackLoopNames returns the configured loop names in order.
func (c *Config) FeedbackLoopNames() []string {
	names := make([]string, 0, len(c.FeedbackLoops))
	for _, fl := range c.FeedbackLoops {
		names = append(names, fl.Name)
	}
	return names
}

// containsAny checks if any of the targets exist in the slice.
func containsAny(slice []string, targets ...string) bool {
	for _, s := range slice {
		for _, t := range targets {
			if s == t {
				return true
			}
		}
	}
	return false
}

// appendFront inserts a value at the beginning of a slice.
func appendFront(slice []string, val string) []string {
	return append([]string{val}, slice...)
}
