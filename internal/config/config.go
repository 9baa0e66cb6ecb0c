// Package config handles application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"

	"github.com/alienxp03/soulsync/internal/core"
	"github.com/alienxp03/soulsync/internal/provider"
)

// EnvPrefix prefixes every environment override. Sections are separated by a
// double underscore: SOULSYNC_LLM__API_KEY sets llm.api_key.
const EnvPrefix = "SOULSYNC_"

// EnvConfigPath names the variable pointing at a YAML config file.
const EnvConfigPath = "SOULSYNC_CONFIG"

// Config represents the application configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server" yaml:"server"`
	Database DatabaseConfig `koanf:"database" yaml:"database"`
	LLM      LLMConfig      `koanf:"llm" yaml:"llm"`
	SecondMe SecondMeConfig `koanf:"secondme" yaml:"secondme"`
	Engine   EngineConfig   `koanf:"engine" yaml:"engine"`
	Events   EventsConfig   `koanf:"events" yaml:"events"`
	Archive  ArchiveConfig  `koanf:"archive" yaml:"archive"`
	LogLevel string         `koanf:"log_level" yaml:"log_level"`
}

// ServerConfig holds server settings.
type ServerConfig struct {
	Addr string `koanf:"addr" yaml:"addr"`
}

// DatabaseConfig holds storage settings.
type DatabaseConfig struct {
	Path string `koanf:"path" yaml:"path"`
}

// LLMConfig selects and tunes the text completion service.
type LLMConfig struct {
	Provider         string        `koanf:"provider" yaml:"provider"`
	BaseURL          string        `koanf:"base_url" yaml:"base_url"`
	APIKey           string        `koanf:"api_key" yaml:"api_key,omitempty"`
	Model            string        `koanf:"model" yaml:"model"`
	Temperature      float64       `koanf:"temperature" yaml:"temperature"`
	MaxTokens        int           `koanf:"max_tokens" yaml:"max_tokens"`
	JudgeTemperature float64       `koanf:"judge_temperature" yaml:"judge_temperature"`
	Timeout          time.Duration `koanf:"timeout" yaml:"timeout"`
	MaxRetries       int           `koanf:"max_retries" yaml:"max_retries"`
}

// SecondMeConfig points at the live persona chat and directory services.
type SecondMeConfig struct {
	BaseURL     string        `koanf:"base_url" yaml:"base_url"`
	BookBaseURL string        `koanf:"book_base_url" yaml:"book_base_url"`
	Timeout     time.Duration `koanf:"timeout" yaml:"timeout"`
}

// TurnsConfig holds per-scenario dialogue turns for tournament phases.
type TurnsConfig struct {
	Icebreak  int `koanf:"icebreak" yaml:"icebreak"`
	DeepValue int `koanf:"deepvalue" yaml:"deepvalue"`
	Empathy   int `koanf:"empathy" yaml:"empathy"`
}

// EngineConfig holds scoring thresholds and pacing.
type EngineConfig struct {
	PassThreshold  int           `koanf:"pass_threshold" yaml:"pass_threshold"`
	MatchThreshold float64       `koanf:"match_threshold" yaml:"match_threshold"`
	ClassicTurns   int           `koanf:"classic_turns" yaml:"classic_turns"`
	Turns          TurnsConfig   `koanf:"turns" yaml:"turns"`
	PollInterval   time.Duration `koanf:"poll_interval" yaml:"poll_interval"`
}

// EventsConfig controls progress event retention.
type EventsConfig struct {
	Retention     time.Duration `koanf:"retention" yaml:"retention"`
	SweepInterval time.Duration `koanf:"sweep_interval" yaml:"sweep_interval"`
}

// ArchiveConfig configures optional S3-compatible report archiving.
type ArchiveConfig struct {
	Enabled         bool   `koanf:"enabled" yaml:"enabled"`
	Bucket          string `koanf:"bucket" yaml:"bucket"`
	Endpoint        string `koanf:"endpoint" yaml:"endpoint,omitempty"`
	Region          string `koanf:"region" yaml:"region"`
	AccessKeyID     string `koanf:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `koanf:"secret_access_key" yaml:"secret_access_key,omitempty"`
	Prefix          string `koanf:"prefix" yaml:"prefix"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8182",
		},
		Database: DatabaseConfig{
			Path: defaultDBPath(),
		},
		LLM: LLMConfig{
			Provider:         "openai",
			BaseURL:          "https://api.openai.com/v1",
			Model:            provider.DefaultModel,
			Temperature:      provider.DefaultTemperature,
			MaxTokens:        provider.DefaultMaxTokens,
			JudgeTemperature: 0.2,
			Timeout:          2 * time.Minute,
			MaxRetries:       2,
		},
		SecondMe: SecondMeConfig{
			BookBaseURL: "https://book.second.me/api",
			Timeout:     90 * time.Second,
		},
		Engine: EngineConfig{
			PassThreshold:  60,
			MatchThreshold: 70,
			ClassicTurns:   3,
			Turns: TurnsConfig{
				Icebreak:  3,
				DeepValue: 4,
				Empathy:   5,
			},
			PollInterval: time.Second,
		},
		Events: EventsConfig{
			Retention:     24 * time.Hour,
			SweepInterval: 10 * time.Minute,
		},
		Archive: ArchiveConfig{
			Region: "auto",
			Prefix: "reports/",
		},
		LogLevel: "info",
	}
}

// Load builds a Config by layering defaults, an optional YAML file and
// SOULSYNC_ environment variables. A .env file in the working directory is
// loaded into the environment first.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv(EnvConfigPath))
}

// LoadFrom is Load with an explicit config file path. An empty path or a
// missing file means defaults and environment only.
func LoadFrom(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), kyaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.Database.Path = expandHome(cfg.Database.Path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr must not be empty")
	}
	if c.Database.Path == "" {
		return errors.New("database.path must not be empty")
	}
	if c.Engine.PassThreshold < 0 || c.Engine.PassThreshold > 100 {
		return fmt.Errorf("engine.pass_threshold out of range: %d", c.Engine.PassThreshold)
	}
	if c.Engine.MatchThreshold < 0 || c.Engine.MatchThreshold > 100 {
		return fmt.Errorf("engine.match_threshold out of range: %v", c.Engine.MatchThreshold)
	}
	if c.Engine.ClassicTurns < 1 {
		return errors.New("engine.classic_turns must be at least 1")
	}
	for _, sc := range []core.Scenario{core.ScenarioIcebreak, core.ScenarioDeepValue, core.ScenarioEmpathy} {
		if c.Engine.TurnsFor(sc) < 1 {
			return fmt.Errorf("engine.turns.%s must be at least 1", strings.ToLower(string(sc)))
		}
	}
	if c.Engine.PollInterval <= 0 {
		return errors.New("engine.poll_interval must be positive")
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return errors.New("archive.bucket is required when archive is enabled")
	}
	return nil
}

// TurnsFor returns the tournament dialogue turns for a scenario.
func (e EngineConfig) TurnsFor(sc core.Scenario) int {
	switch sc {
	case core.ScenarioIcebreak:
		return e.Turns.Icebreak
	case core.ScenarioDeepValue:
		return e.Turns.DeepValue
	case core.ScenarioEmpathy:
		return e.Turns.Empathy
	}
	return 0
}

// NewCompleter creates the configured completion provider.
func (c *Config) NewCompleter() (provider.Completer, error) {
	switch c.LLM.Provider {
	case "openai", "":
		return provider.NewOpenAIProvider(provider.OpenAIOptions{
			BaseURL:     c.LLM.BaseURL,
			APIKey:      c.LLM.APIKey,
			Model:       c.LLM.Model,
			Temperature: c.LLM.Temperature,
			MaxTokens:   c.LLM.MaxTokens,
			Timeout:     c.LLM.Timeout,
			MaxRetries:  c.LLM.MaxRetries,
		}), nil
	case "mock":
		return provider.NewMockProvider(0), nil
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", c.LLM.Provider)
	}
}

// CreateRegistry registers every available completion provider.
func (c *Config) CreateRegistry() (*provider.Registry, error) {
	registry := provider.NewRegistry()
	registry.Register(provider.NewMockProvider(0))

	if c.LLM.Provider != "mock" {
		p, err := c.NewCompleter()
		if err != nil {
			return nil, err
		}
		registry.Register(p)
	}
	return registry, nil
}

// SaveTo saves the configuration to a specific path.
func (c *Config) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "soulsync.yaml"
	}
	return filepath.Join(home, ".soulsync", "config.yaml")
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "soulsync.db"
	}
	return filepath.Join(home, ".soulsync", "soulsync.db")
}

// GenerateExample generates an example configuration file.
func GenerateExample() string {
	example := `# soulsync configuration file
# Place this file at ~/.soulsync/config.yaml or point SOULSYNC_CONFIG at it.
# Any key can be overridden from the environment, e.g. SOULSYNC_LLM__API_KEY.

server:
  addr: ":8182"

database:
  path: ~/.soulsync/soulsync.db

llm:
  provider: openai          # openai or mock
  base_url: https://api.openai.com/v1
  model: gpt-4o-mini
  temperature: 0.7
  max_tokens: 500
  judge_temperature: 0.2
  timeout: 2m
  max_retries: 2

secondme:
  base_url: ""              # live persona chat; empty disables it
  book_base_url: https://book.second.me/api
  timeout: 90s

engine:
  pass_threshold: 60        # rounds below this stop a classic simulation
  match_threshold: 70       # overall score needed for a match
  classic_turns: 3
  turns:                    # tournament dialogue turns per scenario
    icebreak: 3
    deepvalue: 4
    empathy: 5
  poll_interval: 1s

events:
  retention: 24h
  sweep_interval: 10m

archive:
  enabled: false
  bucket: ""
  endpoint: ""              # S3-compatible endpoint, empty for AWS
  region: auto
  prefix: reports/

log_level: info
`
	return example
}
