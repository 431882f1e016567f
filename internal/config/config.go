// Package config loads verdant's YAML configuration with environment
// overrides. Durations are stored as strings ("10m", "1.3s") and validated
// at load time.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all verdant configuration.
type Config struct {
	// User is the identity the assistant serves.
	User UserConfig `yaml:"user"`

	// LLM configures the language-model provider.
	LLM LLMConfig `yaml:"llm"`

	// Factors configures the emission-factor API.
	Factors FactorsConfig `yaml:"factors"`

	// Store configures local persistence.
	Store StoreConfig `yaml:"store"`

	// Engine configures the dialogue loop.
	Engine EngineConfig `yaml:"engine"`

	// Audio configures device audio paths.
	Audio AudioConfig `yaml:"audio"`

	// Logging configures the process logger.
	Logging LoggingConfig `yaml:"logging"`
}

// UserConfig identifies the owning user.
type UserConfig struct {
	ID string `yaml:"id"`
}

// LLMConfig configures the language-model provider client.
type LLMConfig struct {
	APIKey            string  `yaml:"api_key"`
	BaseURL           string  `yaml:"base_url"`
	ChatModel         string  `yaml:"chat_model"`
	VisionModel       string  `yaml:"vision_model"`
	TTSModel          string  `yaml:"tts_model"`
	STTModel          string  `yaml:"stt_model"`
	TTSSpeed          float64 `yaml:"tts_speed"`
	ChatTemperature   float64 `yaml:"chat_temperature"`
	VisionTemperature float64 `yaml:"vision_temperature"`
	MaxVisionTokens   int     `yaml:"max_vision_tokens"`
	Timeout           string  `yaml:"timeout"`
}

// FactorsConfig configures the emission-factor estimation API.
type FactorsConfig struct {
	APIKey      string `yaml:"api_key"`
	BaseURL     string `yaml:"base_url"`
	DataVersion string `yaml:"data_version"`
	Timeout     string `yaml:"timeout"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// EngineConfig configures session and round policy.
type EngineConfig struct {
	IdleTimeout string `yaml:"idle_timeout"`
	MaxRounds   int    `yaml:"max_rounds"`
}

// AudioConfig configures where utterance and reply audio live.
type AudioConfig struct {
	InputPath  string `yaml:"input_path"`
	OutputPath string `yaml:"output_path"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Debug bool `yaml:"debug"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		User: UserConfig{
			ID: "local",
		},
		LLM: LLMConfig{
			BaseURL:           "https://api.openai.com/v1",
			ChatModel:         "gpt-4o-mini",
			VisionModel:       "gpt-4o",
			TTSModel:          "tts-1",
			STTModel:          "whisper-1",
			TTSSpeed:          1.05,
			ChatTemperature:   0.3,
			VisionTemperature: 0.4,
			MaxVisionTokens:   120,
			Timeout:           "120s",
		},
		Factors: FactorsConfig{
			BaseURL:     "https://api.climate-factors.example/v1",
			DataVersion: "4",
			Timeout:     "30s",
		},
		Store: StoreConfig{
			Path: "data/verdant.db",
		},
		Engine: EngineConfig{
			IdleTimeout: "10m",
			MaxRounds:   8,
		},
		Audio: AudioConfig{
			InputPath:  "data/utterance.wav",
			OutputPath: "data/reply.mp3",
		},
		Logging: LoggingConfig{
			Debug: false,
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults when
// the file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("VERDANT_LLM_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("VERDANT_FACTORS_API_KEY"); key != "" {
		c.Factors.APIKey = key
	}
	if url := os.Getenv("VERDANT_LLM_BASE_URL"); url != "" {
		c.LLM.BaseURL = url
	}
	if path := os.Getenv("VERDANT_DB"); path != "" {
		c.Store.Path = path
	}
	if id := os.Getenv("VERDANT_USER"); id != "" {
		c.User.ID = id
	}
}

// Validate checks required fields and duration syntax.
func (c *Config) Validate() error {
	if c.User.ID == "" {
		return fmt.Errorf("user id not configured")
	}
	if c.Engine.MaxRounds < 1 {
		return fmt.Errorf("engine max_rounds must be at least 1, got %d", c.Engine.MaxRounds)
	}
	for name, value := range map[string]string{
		"llm.timeout":         c.LLM.Timeout,
		"factors.timeout":     c.Factors.Timeout,
		"engine.idle_timeout": c.Engine.IdleTimeout,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", name, err)
		}
	}
	return nil
}

// LLMTimeout returns the provider timeout as a duration.
func (c *Config) LLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 120*time.Second)
}

// FactorsTimeout returns the factor API timeout as a duration.
func (c *Config) FactorsTimeout() time.Duration {
	return parseDuration(c.Factors.Timeout, 30*time.Second)
}

// IdleTimeout returns the session idle threshold as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return parseDuration(c.Engine.IdleTimeout, 10*time.Minute)
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
