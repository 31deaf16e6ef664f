package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/okcvm/okcvm/internal/common/logger"
)

// Runtime holds the live configuration snapshot. Readers get an immutable
// *Config; updates swap in a fresh clone so in-flight requests keep a
// consistent view.
type Runtime struct {
	current atomic.Pointer[Config]
}

// NewRuntime creates a Runtime seeded with the given configuration.
func NewRuntime(cfg *Config) *Runtime {
	r := &Runtime{}
	r.current.Store(cfg)
	return r
}

// Current returns the active configuration snapshot.
func (r *Runtime) Current() *Config {
	return r.current.Load()
}

// Replace swaps in a completely new configuration.
func (r *Runtime) Replace(cfg *Config) {
	r.current.Store(cfg)
}

// EndpointPatch is a partial endpoint update. An endpoint is only replaced
// when both model and base_url are present; partial payloads leave the
// existing endpoint untouched.
type EndpointPatch struct {
	Model             string `json:"model"`
	BaseURL           string `json:"base_url"`
	APIKey            string `json:"api_key"`
	SupportsStreaming *bool  `json:"supports_streaming"`
}

func (p *EndpointPatch) toEndpoint(previous *EndpointConfig) *EndpointConfig {
	if p == nil || p.Model == "" || p.BaseURL == "" {
		return previous.Clone()
	}
	endpoint := &EndpointConfig{
		Model:             p.Model,
		BaseURL:           p.BaseURL,
		APIKey:            p.APIKey,
		SupportsStreaming: true,
	}
	if p.SupportsStreaming != nil {
		endpoint.SupportsStreaming = *p.SupportsStreaming
	}
	if endpoint.APIKey == "" && previous != nil {
		endpoint.APIKey = previous.APIKey
		endpoint.APIKeyEnv = previous.APIKeyEnv
	}
	return endpoint
}

// UpdatePayload carries a partial configuration update from the API surface.
// Omitted endpoints are kept; an explicit JSON null clears the endpoint.
type UpdatePayload struct {
	Chat         *EndpointPatch `json:"chat"`
	Image        *EndpointPatch `json:"image"`
	Speech       *EndpointPatch `json:"speech"`
	SoundEffects *EndpointPatch `json:"sound_effects"`
	ASR          *EndpointPatch `json:"asr"`

	cleared map[string]bool
}

// UnmarshalJSON distinguishes an omitted endpoint (keep) from an explicit
// null (clear), which plain pointer fields cannot express.
func (u *UpdatePayload) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	u.cleared = make(map[string]bool)
	assign := func(key string, dst **EndpointPatch) error {
		value, ok := raw[key]
		if !ok {
			return nil
		}
		if bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
			u.cleared[key] = true
			return nil
		}
		patch := &EndpointPatch{}
		if err := json.Unmarshal(value, patch); err != nil {
			return err
		}
		*dst = patch
		return nil
	}

	if err := assign("chat", &u.Chat); err != nil {
		return err
	}
	if err := assign("image", &u.Image); err != nil {
		return err
	}
	if err := assign("speech", &u.Speech); err != nil {
		return err
	}
	if err := assign("sound_effects", &u.SoundEffects); err != nil {
		return err
	}
	return assign("asr", &u.ASR)
}

func (u UpdatePayload) resolve(key string, patch *EndpointPatch, previous *EndpointConfig) *EndpointConfig {
	if u.cleared[key] {
		return nil
	}
	return patch.toEndpoint(previous)
}

// Apply merges the payload into a clone of the current configuration and
// swaps it in, returning the new snapshot.
func (r *Runtime) Apply(payload UpdatePayload) *Config {
	next := r.Current().Clone()
	next.Chat = payload.resolve("chat", payload.Chat, next.Chat)
	next.Media.Image = payload.resolve("image", payload.Image, next.Media.Image)
	next.Media.Speech = payload.resolve("speech", payload.Speech, next.Media.Speech)
	next.Media.SoundEffects = payload.resolve("sound_effects", payload.SoundEffects, next.Media.SoundEffects)
	next.Media.ASR = payload.resolve("asr", payload.ASR, next.Media.ASR)
	r.current.Store(next)
	return next
}

// Describe returns a redacted view of the configuration for the API surface.
// API keys never appear; their presence is reported as api_key_present.
func (c *Config) Describe() map[string]any {
	return map[string]any{
		"chat":          c.Chat.Describe(),
		"image":         c.Media.Image.Describe(),
		"speech":        c.Media.Speech.Describe(),
		"sound_effects": c.Media.SoundEffects.Describe(),
		"asr":           c.Media.ASR.Describe(),
	}
}

// WriteSample writes a commented starter configuration file to path.
// Used by the `config init` CLI command.
func WriteSample(path string) error {
	sample := Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8000,
			ReadTimeout:  30,
			WriteTimeout: 300,
		},
		Chat: &EndpointConfig{
			Model:             "claude-sonnet-4-20250514",
			BaseURL:           "https://api.anthropic.com",
			APIKeyEnv:         "OKCVM_CHAT_API_KEY",
			SupportsStreaming: true,
		},
		Workspace: WorkspaceConfig{
			Path:           "./data/sessions",
			PreviewBaseURL: "",
		},
		Store: StoreConfig{
			Path: "./data/conversations.db",
		},
		Logging: logger.LoggingConfig{
			Level:      "info",
			Format:     "text",
			OutputPath: "stdout",
		},
	}

	data, err := yaml.Marshal(&sample)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
