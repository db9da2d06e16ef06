package voxbridge

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`

	Server        ServerConfig        `mapstructure:"server"`
	WS            WSConfig            `mapstructure:"ws"`
	Upstream      UpstreamConfig      `mapstructure:"upstream"`
	TTS           VendorConfig        `mapstructure:"tts"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	StaticDir      string   `mapstructure:"static_dir"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	ReadLimitBytes int64    `mapstructure:"read_limit_bytes"`
}

// WSConfig bounds the per-session queues and framing.
type WSConfig struct {
	OutgoingMax      int `mapstructure:"outgoing_max"`
	IncomingAudioMax int `mapstructure:"incoming_audio_max"`
	TTSChunkBytes    int `mapstructure:"tts_chunk_bytes"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type UpstreamConfig struct {
	Provider         string         `mapstructure:"provider"`
	ConnectTimeoutMS int            `mapstructure:"connect_timeout_ms"`
	Settings         map[string]any `mapstructure:"settings"`
}

func (u UpstreamConfig) ConnectTimeout() time.Duration {
	if u.ConnectTimeoutMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(u.ConnectTimeoutMS) * time.Millisecond
}

type MetricsConfig struct {
	JSONLPath  string  `mapstructure:"jsonl_path"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.static_dir", "")
	v.SetDefault("server.read_limit_bytes", 1<<20)
	v.SetDefault("ws.outgoing_max", 512)
	v.SetDefault("ws.incoming_audio_max", 32)
	v.SetDefault("ws.tts_chunk_bytes", 4096)
	v.SetDefault("upstream.provider", "openai_realtime")
	v.SetDefault("upstream.connect_timeout_ms", 10000)
	v.SetDefault("tts.provider", "cartesia")
	v.SetDefault("metrics.jsonl_path", "")
	v.SetDefault("metrics.sample_rate", 1.0)
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("privacy.redact_pii", true)
}

// LoadConfig reads a YAML config file, applying defaults and ${ENV}
// expansion inside vendor settings. An empty path yields pure defaults.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Upstream.Settings = expandSettings(cfg.Upstream.Settings)
	cfg.TTS.Settings = expandSettings(cfg.TTS.Settings)
	cfg.Server.StaticDir = os.ExpandEnv(cfg.Server.StaticDir)
	cfg.Metrics.JSONLPath = os.ExpandEnv(cfg.Metrics.JSONLPath)
	cfg.Observability.ArtifactsDir = os.ExpandEnv(cfg.Observability.ArtifactsDir)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Upstream.Provider) == "" {
		return fmt.Errorf("upstream.provider is required")
	}
	if strings.TrimSpace(c.TTS.Provider) == "" {
		return fmt.Errorf("tts.provider is required")
	}
	if c.Metrics.SampleRate < 0 || c.Metrics.SampleRate > 1 {
		return fmt.Errorf("metrics.sample_rate must be within [0, 1]")
	}
	return nil
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}
