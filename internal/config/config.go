package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ProviderAnthropic        = "anthropic"
	ProviderPuterJS          = "puter_js"
	ProviderOpenAICompatible = "openai_compatible"
)

const (
	DefaultServerName          = "NEXUS"
	DefaultProvider            = ProviderAnthropic
	DefaultModel               = "claude-sonnet-4-6"
	DefaultMaxTokens           = 800
	DefaultPuterScriptURL      = "https://js.puter.com/v2/"
	DefaultTimeoutSeconds      = 90
	DefaultConfidenceThreshold = 70
	DefaultRulesText           = "No hate speech, harassment, threats, doxxing, spam, scams, malware links, or explicit content."
	DefaultLogLevel            = "info"
	DefaultMetricsAddr         = "127.0.0.1:9464"
	DefaultHealthcheckSchedule = "@every 5m"
	DefaultDedupeTTLSeconds    = 3600
	DefaultRingChannels        = 4096
)

type Config struct {
	ServerName string           `json:"serverName"`
	LogLevel   string           `json:"logLevel"`
	Provider   ProviderConfig   `json:"provider"`
	Moderation ModerationConfig `json:"moderation"`
	Channels   ChannelsConfig   `json:"channels"`
	Database   DatabaseConfig   `json:"database"`
	Dedupe     DedupeConfig     `json:"dedupe"`
	Gateway    GatewayConfig    `json:"gateway"`
}

// ProviderConfig selects the text generation backend. It is copied by value
// into the provider at construction and never read again afterwards.
type ProviderConfig struct {
	Type                   string `json:"type"`
	Model                  string `json:"model"`
	MaxTokens              int    `json:"maxTokens"`
	BaseURL                string `json:"baseUrl,omitempty"`
	AnthropicAPIKey        string `json:"anthropicApiKey,omitempty"`
	OpenAICompatibleAPIKey string `json:"openaiCompatibleApiKey,omitempty"`
	PuterScriptURL         string `json:"puterScriptUrl,omitempty"`
	TimeoutSeconds         int    `json:"timeoutSeconds"`
}

func (p ProviderConfig) Timeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

type ModerationConfig struct {
	ConfidenceThreshold int      `json:"confidenceThreshold"`
	CustomFlaggedWords  []string `json:"customFlaggedWords"`
	MuteRoleID          string   `json:"muteRoleId,omitempty"`
	StaffLogChannelID   string   `json:"staffLogChannelId,omitempty"`
	RulesText           string   `json:"rulesText"`
	RingChannels        int      `json:"ringChannels,omitempty"`
}

type ChannelsConfig struct {
	Discord  DiscordConfig  `json:"discord"`
	Telegram TelegramConfig `json:"telegram"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type DatabaseConfig struct {
	// URL is either a sqlite file path or a postgres:// URL.
	URL string `json:"url,omitempty"`
}

type DedupeConfig struct {
	RedisURL   string `json:"redisUrl,omitempty"`
	TTLSeconds int    `json:"ttlSeconds"`
}

type GatewayConfig struct {
	MetricsAddr         string `json:"metricsAddr"`
	HealthcheckSchedule string `json:"healthcheckSchedule"`
}

func DefaultConfig() *Config {
	return &Config{
		ServerName: DefaultServerName,
		LogLevel:   DefaultLogLevel,
		Provider: ProviderConfig{
			Type:           DefaultProvider,
			Model:          DefaultModel,
			MaxTokens:      DefaultMaxTokens,
			PuterScriptURL: DefaultPuterScriptURL,
			TimeoutSeconds: DefaultTimeoutSeconds,
		},
		Moderation: ModerationConfig{
			ConfidenceThreshold: DefaultConfidenceThreshold,
			RulesText:           DefaultRulesText,
			RingChannels:        DefaultRingChannels,
		},
		Dedupe: DedupeConfig{
			TTLSeconds: DefaultDedupeTTLSeconds,
		},
		Gateway: GatewayConfig{
			MetricsAddr:         DefaultMetricsAddr,
			HealthcheckSchedule: DefaultHealthcheckSchedule,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".nexus")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// DefaultDatabasePath is the sqlite file used when no database url is set.
func DefaultDatabasePath() string {
	return filepath.Join(ConfigDir(), "data", "nexus.db")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// .env never overrides variables already present in the environment
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	applyEnv(cfg)

	if cfg.ServerName == "" {
		cfg.ServerName = DefaultServerName
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.Provider.Type == "" {
		cfg.Provider.Type = DefaultProvider
	}
	if cfg.Provider.Model == "" {
		cfg.Provider.Model = DefaultModel
	}
	if cfg.Provider.MaxTokens <= 0 {
		cfg.Provider.MaxTokens = DefaultMaxTokens
	}
	if cfg.Provider.PuterScriptURL == "" {
		cfg.Provider.PuterScriptURL = DefaultPuterScriptURL
	}
	if cfg.Provider.TimeoutSeconds <= 0 {
		cfg.Provider.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if cfg.Moderation.RulesText == "" {
		cfg.Moderation.RulesText = DefaultRulesText
	}
	if cfg.Moderation.RingChannels <= 0 {
		cfg.Moderation.RingChannels = DefaultRingChannels
	}
	if cfg.Dedupe.TTLSeconds <= 0 {
		cfg.Dedupe.TTLSeconds = DefaultDedupeTTLSeconds
	}
	if cfg.Gateway.HealthcheckSchedule == "" {
		cfg.Gateway.HealthcheckSchedule = DefaultHealthcheckSchedule
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SERVER_NAME"); v != "" {
		cfg.ServerName = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AI_PROVIDER"); v != "" {
		cfg.Provider.Type = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("AI_MODEL"); v != "" {
		cfg.Provider.Model = v
	}
	if v := os.Getenv("AI_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Provider.AnthropicAPIKey = v
	}
	if v := os.Getenv("OPENAI_COMPATIBLE_API_KEY"); v != "" {
		cfg.Provider.OpenAICompatibleAPIKey = v
	}
	if v := os.Getenv("PUTER_SCRIPT_URL"); v != "" {
		cfg.Provider.PuterScriptURL = v
	}
	if v := os.Getenv("PUTER_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Provider.TimeoutSeconds = parsed
		}
	}
	if v := os.Getenv("AI_MAX_TOKENS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Provider.MaxTokens = parsed
		}
	}
	if v := os.Getenv("MOD_CONFIDENCE_THRESHOLD"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Moderation.ConfidenceThreshold = parsed
		}
	}
	if v := os.Getenv("CUSTOM_FLAGGED_WORDS"); v != "" {
		cfg.Moderation.CustomFlaggedWords = splitList(v)
	}
	if v := os.Getenv("MUTE_ROLE_ID"); v != "" {
		cfg.Moderation.MuteRoleID = normalizeID(v)
	}
	if v := os.Getenv("STAFF_LOG_CHANNEL_ID"); v != "" {
		cfg.Moderation.StaffLogChannelID = normalizeID(v)
	}
	if v := os.Getenv("SERVER_RULES_TEXT"); v != "" {
		cfg.Moderation.RulesText = v
	}
	if v := os.Getenv("DISCORD_TOKEN"); v != "" {
		cfg.Channels.Discord.Token = v
		cfg.Channels.Discord.Enabled = true
	}
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		cfg.Channels.Telegram.Token = v
		cfg.Channels.Telegram.Enabled = true
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Dedupe.RedisURL = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.Gateway.MetricsAddr = v
	}
}

// Validate reports settings that would make the process misbehave at runtime.
func (c *Config) Validate() error {
	var errs []error
	switch c.Provider.Type {
	case ProviderAnthropic, ProviderPuterJS, ProviderOpenAICompatible:
	default:
		errs = append(errs, fmt.Errorf("unsupported ai provider %q", c.Provider.Type))
	}
	if c.Moderation.ConfidenceThreshold < 0 || c.Moderation.ConfidenceThreshold > 100 {
		errs = append(errs, fmt.Errorf("confidence threshold %d outside [0,100]", c.Moderation.ConfidenceThreshold))
	}
	if c.Provider.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("negative provider timeout %d", c.Provider.TimeoutSeconds))
	}
	return errors.Join(errs...)
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0600)
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// normalizeID treats "0" as unset, matching how the platform ids were
// historically configured.
func normalizeID(s string) string {
	s = strings.TrimSpace(s)
	if s == "0" {
		return ""
	}
	return s
}
