// Package config loads gatewayd's configuration file: nested YAML (or
// JSON5) with ${VAR} environment expansion and $include merging, following
// the same loader shape across every process role (serve/worker/dispatcher/
// doctor).
package config

import (
	"fmt"
	"time"

	"github.com/nexus-gateway/conversant/internal/mcp"
)

// Config is the top-level configuration for gatewayd.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Streaming    StreamingConfig    `yaml:"streaming"`
	MCP          mcp.Config         `yaml:"mcp"`
	AgentCompose AgentComposeConfig `yaml:"agentcompose"`
	Channels     ChannelsConfig     `yaml:"channels"`
	Media        MediaConfig        `yaml:"media"`
	TTS          TTSConfig          `yaml:"tts"`
	STT          STTConfig          `yaml:"stt"`
	LLM          LLMConfig          `yaml:"llm"`
}

// ServerConfig holds the listen addresses for the HTTP-facing components.
type ServerConfig struct {
	IngressAddr string `yaml:"ingress_addr"`
	MediaAddr   string `yaml:"media_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// StreamingConfig configures the stream-store connection and the stream,
// group, and consumer names every process role needs to agree on.
type StreamingConfig struct {
	RedisURL string `yaml:"redis_url"`

	InboundStream  string `yaml:"inbound_stream"`
	OutboundStream string `yaml:"outbound_stream"`

	ConsumerGroup string `yaml:"consumer_group"`
	ConsumerName  string `yaml:"consumer_name"`

	OutboundConsumerGroup string `yaml:"outbound_consumer_group"`
	OutboundConsumerName  string `yaml:"outbound_consumer_name"`

	OutboundIdempotencyTTL time.Duration `yaml:"outbound_idempotency_ttl"`
	ConversationStateTTL   time.Duration `yaml:"conversation_state_ttl"`
	RecentEventsLimit      int           `yaml:"recent_events_limit"`

	WorkerMaxConcurrency     int           `yaml:"worker_max_concurrency"`
	DispatcherMaxConcurrency int           `yaml:"dispatcher_max_concurrency"`
	BlockTimeout             time.Duration `yaml:"block_timeout"`
}

// AgentComposeConfig configures the agent composer's policy constraints.
type AgentComposeConfig struct {
	MaxToolsPerAgent int               `yaml:"max_tools_per_agent"`
	DesiredAgents    []string          `yaml:"desired_agents"`
	ToolBlacklist    []string          `yaml:"tool_blacklist"`
	RulesPath        string            `yaml:"rules_path"`
	PolicyPackPaths  []string          `yaml:"policy_pack_paths"`
	Placeholders     map[string]string `yaml:"placeholders"`
}

// ChannelsConfig holds per-provider channel adapter configuration.
type ChannelsConfig struct {
	Twilio TwilioChannelConfig `yaml:"twilio"`
}

// TwilioChannelConfig configures the Twilio-style channel adapter, used for
// both ingress signature validation and outbound delivery.
type TwilioChannelConfig struct {
	AccountSID        string `yaml:"account_sid"`
	AuthToken         string `yaml:"auth_token"`
	FromAddress       string `yaml:"from_address"`
	ValidateSignature bool   `yaml:"validate_signature"`
}

// MediaConfig configures the media host that serves generated TTS audio and
// hosts fetched inbound media.
type MediaConfig struct {
	RootDir       string `yaml:"root_dir"`
	PublicBaseURL string `yaml:"public_base_url"`
}

// TTSConfig configures the text-to-speech local tool.
type TTSConfig struct {
	Provider string `yaml:"provider"`
	Voice    string `yaml:"voice"`
	Model    string `yaml:"model"`
	Format   string `yaml:"format"`
}

// STTConfig configures the speech-to-text preprocessing step.
type STTConfig struct {
	Provider     string `yaml:"provider"`
	Model        string `yaml:"model"`
	ForceEnglish bool   `yaml:"force_english"`
}

// LLMConfig configures the Anthropic client shared by the agent composer and
// the supervisor.
type LLMConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// Load reads, expands, and decodes the configuration at path, then applies
// defaults and validates the result.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.IngressAddr == "" {
		c.Server.IngressAddr = ":8080"
	}
	if c.Server.MediaAddr == "" {
		c.Server.MediaAddr = ":8081"
	}
	if c.Server.MetricsAddr == "" {
		c.Server.MetricsAddr = ":9090"
	}

	s := &c.Streaming
	if s.InboundStream == "" {
		s.InboundStream = "gateway:inbound"
	}
	if s.OutboundStream == "" {
		s.OutboundStream = "gateway:outbound"
	}
	if s.ConsumerGroup == "" {
		s.ConsumerGroup = "workers"
	}
	if s.ConsumerName == "" {
		s.ConsumerName = "worker-1"
	}
	if s.OutboundConsumerGroup == "" {
		s.OutboundConsumerGroup = "dispatchers"
	}
	if s.OutboundConsumerName == "" {
		s.OutboundConsumerName = "dispatcher-1"
	}
	if s.OutboundIdempotencyTTL == 0 {
		s.OutboundIdempotencyTTL = 24 * time.Hour
	}
	if s.ConversationStateTTL == 0 {
		s.ConversationStateTTL = 7 * 24 * time.Hour
	}
	if s.RecentEventsLimit == 0 {
		s.RecentEventsLimit = 20
	}
	if s.WorkerMaxConcurrency == 0 {
		s.WorkerMaxConcurrency = 16
	}
	if s.DispatcherMaxConcurrency == 0 {
		s.DispatcherMaxConcurrency = 16
	}
	if s.BlockTimeout == 0 {
		s.BlockTimeout = 5 * time.Second
	}

	a := &c.AgentCompose
	if a.MaxToolsPerAgent == 0 {
		a.MaxToolsPerAgent = 8
	}

	if c.TTS.Format == "" {
		c.TTS.Format = "mp3"
	}
	if c.Media.RootDir == "" {
		c.Media.RootDir = "./data/media"
	}
}

// Validate reports configuration errors that applyDefaults cannot paper
// over: missing credentials, missing connection strings.
func (c *Config) Validate() error {
	if c.Streaming.RedisURL == "" {
		return fmt.Errorf("streaming.redis_url is required")
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key is required")
	}
	if c.Channels.Twilio.ValidateSignature && c.Channels.Twilio.AuthToken == "" {
		return fmt.Errorf("channels.twilio.auth_token is required when validate_signature is true")
	}
	return nil
}
