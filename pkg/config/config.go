// Package config loads the rune configuration file.
//
// Configuration lives in ~/.rune/config.yaml. Every field has a usable
// default, so a missing file yields a working offline setup. Credentials can
// be supplied through the environment instead of the file:
//
//	RUNE_PROVIDER   provider kind (openai | gemini | offline)
//	RUNE_API_KEY    provider API key
//	RUNE_BASE_URL   OpenAI-compatible base URL
//	RUNE_MODEL      model name
//	RUNE_DATA_DIR   storage directory (empty: in-memory only)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
)

const (
	baseDir    = ".rune"
	configFile = "config.yaml"
)

// Provider kinds.
const (
	KindOpenAI  = "openai"
	KindGemini  = "gemini"
	KindOffline = "offline"
)

// ProviderConfig selects and configures the model backend.
type ProviderConfig struct {
	Kind    string `yaml:"kind"`
	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
	Model   string `yaml:"model,omitempty"`
}

// Config is the full rune configuration.
type Config struct {
	// DataDir is where the store keeps its files. Empty means in-memory.
	DataDir string `yaml:"data_dir,omitempty"`

	// TTS selects the speech-friendly persona variant.
	TTS bool `yaml:"tts,omitempty"`

	Provider ProviderConfig `yaml:"provider"`

	// MaxTurns caps retained dialog history per conversation.
	MaxTurns int `yaml:"max_turns,omitempty"`

	// EpisodeThreshold is the number of turns between episode summaries;
	// EpisodeChunk how many recent turns one summary covers.
	EpisodeThreshold int `yaml:"episode_threshold,omitempty"`
	EpisodeChunk     int `yaml:"episode_chunk,omitempty"`

	// ControllerEveryN triggers a memory planner pass every N turns over a
	// window of ControllerLastN turns.
	ControllerEveryN int `yaml:"controller_every_n,omitempty"`
	ControllerLastN  int `yaml:"controller_last_n,omitempty"`

	// SchedulerInterval is the task poll interval, e.g. "15s".
	SchedulerInterval string `yaml:"scheduler_interval,omitempty"`
}

// Default returns the offline, in-memory configuration.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{Kind: KindOffline},
	}
}

// DefaultPath returns ~/.rune/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: home directory: %w", err)
	}
	return filepath.Join(home, baseDir, configFile), nil
}

// Load reads the config at path, falling back to defaults when the file does
// not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("RUNE_PROVIDER"); v != "" {
		c.Provider.Kind = v
	}
	if v := os.Getenv("RUNE_API_KEY"); v != "" {
		c.Provider.APIKey = v
	}
	if v := os.Getenv("RUNE_BASE_URL"); v != "" {
		c.Provider.BaseURL = v
	}
	if v := os.Getenv("RUNE_MODEL"); v != "" {
		c.Provider.Model = v
	}
	if v := os.Getenv("RUNE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Provider.Kind)) {
	case "", KindOffline:
		c.Provider.Kind = KindOffline
	case KindOpenAI, KindGemini:
		c.Provider.Kind = strings.ToLower(c.Provider.Kind)
		if c.Provider.APIKey == "" {
			return fmt.Errorf("config: provider %s requires an api key", c.Provider.Kind)
		}
	default:
		return fmt.Errorf("config: unknown provider kind %q", c.Provider.Kind)
	}
	return nil
}

// Save writes the config to path, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
