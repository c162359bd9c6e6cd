package config

import (
	"os"

	"github.com/diamondburned/arikawa/v3/discord"
	"gopkg.in/yaml.v3"
)

// DiscordConfig stores Discord specific configurations.
type DiscordConfig struct {
	BotToken      string             `yaml:"bot_token"`
	ApplicationID *discord.Snowflake `yaml:"application_id"`
	GuildIDs      []string           `yaml:"guild_ids"`
}

// OpenAIConfig stores credentials for the realtime speech service.
type OpenAIConfig struct {
	APIKey string `yaml:"api_key"`
}

// VoiceConfig stores voice bridge configurations.
type VoiceConfig struct {
	// RealtimeAPIKey overrides OpenAI.APIKey for the realtime connection.
	RealtimeAPIKey string `yaml:"realtime_api_key"`
	Model          string `yaml:"model"`

	// DefaultVoice is the voice preset used when /voice join is invoked
	// without one; AllowedVoices, when non-empty, restricts presets.
	DefaultVoice  string   `yaml:"default_voice"`
	AllowedVoices []string `yaml:"allowed_voices"`

	MaxConcurrentSessions int `yaml:"max_concurrent_sessions"`

	// Instructions is the base system prompt for voice conversations.
	Instructions string `yaml:"instructions"`

	// SummaryModel, when set, posts a chat-completion recap of the
	// conversation to the text channel after a session ends.
	SummaryModel string `yaml:"summary_model"`

	// DebugAudioDump writes forwarded utterances to WAV files on disk.
	DebugAudioDump bool `yaml:"debug_audio_dump"`
}

// MoodConfig stores cross-modal mood tracking configurations.
type MoodConfig struct {
	// NegativeThreshold is the sentiment score below which a transcript
	// counts as negative (range -1..1).
	NegativeThreshold float64 `yaml:"negative_threshold"`
	MarkerTTLSeconds  int     `yaml:"marker_ttl_seconds"`
	MarkerCapacity    int     `yaml:"marker_capacity"`
	// ContextDepth is how many recent text-channel snippets seed a new
	// voice session.
	ContextDepth int `yaml:"context_depth"`
}

// Config stores the application configuration.
type Config struct {
	Discord  DiscordConfig `yaml:"discord"`
	OpenAI   OpenAIConfig  `yaml:"openai"`
	Voice    VoiceConfig   `yaml:"voice"`
	Mood     MoodConfig    `yaml:"mood"`
	LogLevel string        `yaml:"log_level"`
}

// LoadConfig loads the configuration from the given file path.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Voice.Model == "" {
		c.Voice.Model = "gpt-4o-realtime-preview"
	}
	if c.Voice.DefaultVoice == "" {
		c.Voice.DefaultVoice = "shimmer"
	}
	if c.Voice.MaxConcurrentSessions == 0 {
		c.Voice.MaxConcurrentSessions = 3
	}
	if c.Mood.NegativeThreshold == 0 {
		c.Mood.NegativeThreshold = -0.35
	}
	if c.Mood.MarkerTTLSeconds == 0 {
		c.Mood.MarkerTTLSeconds = 600
	}
	if c.Mood.MarkerCapacity == 0 {
		c.Mood.MarkerCapacity = 128
	}
	if c.Mood.ContextDepth == 0 {
		c.Mood.ContextDepth = 5
	}
}
