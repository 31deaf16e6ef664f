// Package config provides configuration management for OKCVM.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/okcvm/okcvm/internal/common/logger"
)

// Config holds all configuration sections for OKCVM.
type Config struct {
	Server    ServerConfig         `mapstructure:"server" yaml:"server"`
	Chat      *EndpointConfig      `mapstructure:"chat" yaml:"chat,omitempty"`
	Media     MediaConfig          `mapstructure:"media" yaml:"media"`
	Workspace WorkspaceConfig      `mapstructure:"workspace" yaml:"workspace"`
	Store     StoreConfig          `mapstructure:"store" yaml:"store"`
	Logging   logger.LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host" yaml:"host"`
	Port         int    `mapstructure:"port" yaml:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout" yaml:"read_timeout"`   // in seconds
	WriteTimeout int    `mapstructure:"write_timeout" yaml:"write_timeout"` // in seconds
}

// EndpointConfig describes a single model endpoint.
type EndpointConfig struct {
	Model             string `mapstructure:"model" yaml:"model"`
	BaseURL           string `mapstructure:"base_url" yaml:"base_url"`
	APIKey            string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	APIKeyEnv         string `mapstructure:"api_key_env" yaml:"api_key_env,omitempty"`
	SupportsStreaming bool   `mapstructure:"supports_streaming" yaml:"supports_streaming"`
}

// MediaConfig holds the model endpoints used by media tools.
type MediaConfig struct {
	Image        *EndpointConfig `mapstructure:"image" yaml:"image,omitempty"`
	Speech       *EndpointConfig `mapstructure:"speech" yaml:"speech,omitempty"`
	SoundEffects *EndpointConfig `mapstructure:"sound_effects" yaml:"sound_effects,omitempty"`
	ASR          *EndpointConfig `mapstructure:"asr" yaml:"asr,omitempty"`
}

// WorkspaceConfig holds configuration for the on-disk workspace sandbox.
type WorkspaceConfig struct {
	Path           string `mapstructure:"path" yaml:"path"`
	PreviewBaseURL string `mapstructure:"preview_base_url" yaml:"preview_base_url,omitempty"`
}

// StoreConfig holds the conversation database configuration.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns the host:port listen address.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ResolveAPIKey returns the configured key, falling back to the named
// environment variable.
func (e *EndpointConfig) ResolveAPIKey() string {
	if e == nil {
		return ""
	}
	if e.APIKey != "" {
		return e.APIKey
	}
	if e.APIKeyEnv != "" {
		return os.Getenv(e.APIKeyEnv)
	}
	return ""
}

// Describe returns a serialisable view of the endpoint without leaking the
// API key.
func (e *EndpointConfig) Describe() map[string]any {
	if e == nil {
		return nil
	}
	description := map[string]any{
		"model":    e.Model,
		"base_url": e.BaseURL,
	}
	if e.ResolveAPIKey() != "" {
		description["api_key_present"] = true
	}
	return description
}

// Clone returns a deep copy of the endpoint configuration.
func (e *EndpointConfig) Clone() *EndpointConfig {
	if e == nil {
		return nil
	}
	clone := *e
	return &clone
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Chat = c.Chat.Clone()
	clone.Media = MediaConfig{
		Image:        c.Media.Image.Clone(),
		Speech:       c.Media.Speech.Clone(),
		SoundEffects: c.Media.SoundEffects.Clone(),
		ASR:          c.Media.ASR.Clone(),
	}
	return &clone
}

// ResolveWorkspaceRoot returns the workspace base directory as an absolute
// path, creating it when missing.
func (c *Config) ResolveWorkspaceRoot() (string, error) {
	path := c.Workspace.Path
	if path == "" {
		path = filepath.Join(os.TempDir(), "okcvm", "sessions")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace root: %w", err)
	}
	return abs, nil
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 300)

	v.SetDefault("workspace.path", "")
	v.SetDefault("workspace.preview_base_url", "")

	v.SetDefault("store.path", filepath.Join(os.TempDir(), "okcvm", "conversations.db"))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.output_path", "stdout")
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if env := os.Getenv("OKCVM_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix OKCVM_ with snake_case naming.
// The config file should be named config.yaml and placed in the current
// directory or /etc/okcvm/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
// When configPath names a file it is used directly; a directory is searched for
// config.yaml.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("OKCVM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Chat endpoint env overrides follow the OKCVM_CHAT_* convention.
	_ = v.BindEnv("chat.model", "OKCVM_CHAT_MODEL")
	_ = v.BindEnv("chat.base_url", "OKCVM_CHAT_BASE_URL")
	_ = v.BindEnv("chat.api_key", "OKCVM_CHAT_API_KEY")
	_ = v.BindEnv("workspace.preview_base_url", "OKCVM_PREVIEW_BASE_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		if info, err := os.Stat(configPath); err == nil && !info.IsDir() {
			v.SetConfigFile(configPath)
		} else {
			v.AddConfigPath(configPath)
		}
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/okcvm/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Chat != nil && cfg.Chat.Model != "" && cfg.Chat.BaseURL == "" {
		errs = append(errs, "chat.base_url is required when chat.model is set")
	}

	if cfg.Store.Path == "" {
		errs = append(errs, "store.path is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
