// Package config loads run settings from, in priority order, CLI flags,
// environment variables, an optional agent.yaml file, and finally built-in
// defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/polzovatel/accessibility-browser-agent/internal/agent"
	"github.com/polzovatel/accessibility-browser-agent/internal/executor"
	"github.com/polzovatel/accessibility-browser-agent/internal/memory"
	"github.com/polzovatel/accessibility-browser-agent/internal/snapshot"
)

// Config is the fully resolved run configuration handed to cmd/agent.
type Config struct {
	Goal     string `yaml:"-"`
	Headless bool   `yaml:"headless"`
	NoLLM    bool   `yaml:"no_llm"`
	Verbose  bool   `yaml:"verbose"`
	Storage  string `yaml:"storage"`
	SaveState string `yaml:"save_state"`

	MaxSteps int `yaml:"max_steps"`

	LLMProvider    string `yaml:"llm_provider"`
	AnthropicModel string `yaml:"anthropic_model"`
	OpenAIModel    string `yaml:"openai_model"`

	Snapshot  snapshot.Config `yaml:"-"`
	Executor  executor.Config `yaml:"-"`
	Memory    memory.Config   `yaml:"-"`
	AgentLoop agent.Config    `yaml:"-"`

	HTTPAddr string `yaml:"http_addr"`

	ConsolidateInterval time.Duration `yaml:"-"`
}

// fileShape is the subset of Config that agent.yaml may override; it never
// touches the sub-package Config structs directly since those are built
// from their own DefaultConfig() and only Go callers adjust them.
type fileShape struct {
	Headless       *bool  `yaml:"headless"`
	NoLLM          *bool  `yaml:"no_llm"`
	Verbose        *bool  `yaml:"verbose"`
	Storage        string `yaml:"storage"`
	SaveState      string `yaml:"save_state"`
	MaxSteps       int    `yaml:"max_steps"`
	LLMProvider    string `yaml:"llm_provider"`
	AnthropicModel string `yaml:"anthropic_model"`
	OpenAIModel    string `yaml:"openai_model"`
	HTTPAddr       string `yaml:"http_addr"`
}

// Default returns the built-in defaults, pulling every sub-package's own
// DefaultConfig so this is the one place that assembles them.
func Default() Config {
	return Config{
		Headless:            true,
		MaxSteps:            agent.DefaultConfig().MaxSteps,
		LLMProvider:         "anthropic",
		Snapshot:            snapshot.DefaultConfig(),
		Executor:            executor.DefaultConfig(),
		Memory:              memory.DefaultConfig(),
		AgentLoop:           agent.DefaultConfig(),
		ConsolidateInterval: 10 * time.Minute,
	}
}

// Flags is the set of values a CLI layer (cobra) collects; nil/zero means
// "not set on the command line" for the purpose of the override chain.
type Flags struct {
	Goal        string
	MaxSteps    *int
	Headless    *bool
	NoLLM       *bool
	Verbose     *bool
	Storage     *string
	SaveState   *string
	HTTPAddr    *string
}

// Load resolves Config per the documented priority: flags > env > agent.yaml
// > defaults. yamlPath may be empty, in which case the file layer is
// skipped entirely rather than erroring.
func Load(flags Flags, yamlPath string) (Config, error) {
	_ = godotenv.Load()
	cfg := Default()

	if yamlPath != "" {
		if err := applyYAML(&cfg, yamlPath); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	applyFlags(&cfg, flags)

	cfg.Goal = strings.TrimSpace(flags.Goal)
	if cfg.Goal == "" {
		return Config{}, fmt.Errorf("goal must not be empty")
	}
	return cfg, nil
}

func applyYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var f fileShape
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	if f.MaxSteps > 0 {
		cfg.MaxSteps = f.MaxSteps
	}
	if f.LLMProvider != "" {
		cfg.LLMProvider = f.LLMProvider
	}
	if f.AnthropicModel != "" {
		cfg.AnthropicModel = f.AnthropicModel
	}
	if f.OpenAIModel != "" {
		cfg.OpenAIModel = f.OpenAIModel
	}
	if f.HTTPAddr != "" {
		cfg.HTTPAddr = f.HTTPAddr
	}
	if f.Headless != nil {
		cfg.Headless = *f.Headless
	}
	if f.NoLLM != nil {
		cfg.NoLLM = *f.NoLLM
	}
	if f.Verbose != nil {
		cfg.Verbose = *f.Verbose
	}
	if f.Storage != "" {
		cfg.Storage = f.Storage
	}
	if f.SaveState != "" {
		cfg.SaveState = f.SaveState
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("LLM_PROVIDER")); v != "" {
		cfg.LLMProvider = v
	}
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_MODEL")); v != "" {
		cfg.AnthropicModel = v
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_MODEL")); v != "" {
		cfg.OpenAIModel = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENT_HEADLESS")); v != "" {
		cfg.Headless = v == "1" || strings.EqualFold(v, "true")
	}
}

func applyFlags(cfg *Config, f Flags) {
	if f.MaxSteps != nil {
		cfg.MaxSteps = *f.MaxSteps
	}
	if f.Headless != nil {
		cfg.Headless = *f.Headless
	}
	if f.NoLLM != nil {
		cfg.NoLLM = *f.NoLLM
	}
	if f.Verbose != nil {
		cfg.Verbose = *f.Verbose
	}
	if f.Storage != nil {
		cfg.Storage = *f.Storage
	}
	if f.SaveState != nil {
		cfg.SaveState = *f.SaveState
	}
	if f.HTTPAddr != nil {
		cfg.HTTPAddr = *f.HTTPAddr
	}
	cfg.AgentLoop.MaxSteps = cfg.MaxSteps
}
