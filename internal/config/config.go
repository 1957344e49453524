package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

// SlogLevel maps the configured log level onto slog, defaulting to info.
func (t TelemetryConfig) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(t.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Channel     ChannelConfig    `yaml:"channel"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	Vocabulary  VocabularyConfig `yaml:"vocabulary"`
	History     HistoryConfig    `yaml:"history"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	// SentenceStream names a JetStream stream that retains published
	// sentences. Empty disables JetStream publishing.
	SentenceStream string `yaml:"sentence_stream"`
}

// ChannelConfig describes the classifier backend socket. Reconnect and
// heartbeat timings live in PipelineConfig so they can be tuned at runtime.
type ChannelConfig struct {
	URL            string `yaml:"url"`
	DialTimeoutMS  int    `yaml:"dial_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	ReadLimitBytes int64  `yaml:"read_limit_bytes"`
	AutoOpen       bool   `yaml:"auto_open"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-sign",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Channel: ChannelConfig{
			URL:            "ws://localhost:8000/ws",
			DialTimeoutMS:  5000,
			WriteTimeoutMS: 10000,
			ReadLimitBytes: 512 * 1024,
			AutoOpen:       true,
		},
		Pipeline:   DefaultPipeline(),
		Vocabulary: DefaultVocabulary(),
		History: HistoryConfig{
			Path:          "./data/loqa-sign.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_SIGN_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_SIGN_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_SIGN_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_SIGN_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_SIGN_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_SIGN_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_SIGN_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_SIGN_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_SIGN_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_SIGN_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_SIGN_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_SIGN_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_SIGN_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_SIGN_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_SIGN_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_SIGN_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_SIGN_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_SIGN_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SentenceStream, "LOQA_SIGN_BUS_SENTENCE_STREAM")
	overrideString(&cfg.Channel.URL, "LOQA_SIGN_CHANNEL_URL")
	overrideInt(&cfg.Channel.DialTimeoutMS, "LOQA_SIGN_CHANNEL_DIAL_TIMEOUT_MS")
	overrideInt(&cfg.Channel.WriteTimeoutMS, "LOQA_SIGN_CHANNEL_WRITE_TIMEOUT_MS")
	overrideBool(&cfg.Channel.AutoOpen, "LOQA_SIGN_CHANNEL_AUTO_OPEN")
	overrideFloat(&cfg.Pipeline.AcceptThreshold, "LOQA_SIGN_PIPELINE_ACCEPT_THRESHOLD")
	overrideFloat(&cfg.Pipeline.LowWatermark, "LOQA_SIGN_PIPELINE_LOW_WATERMARK")
	overrideInt(&cfg.Pipeline.RequiredConsistency, "LOQA_SIGN_PIPELINE_REQUIRED_CONSISTENCY")
	overrideInt(&cfg.Pipeline.RepeatCooldownMS, "LOQA_SIGN_PIPELINE_REPEAT_COOLDOWN_MS")
	overrideInt(&cfg.Pipeline.FlushDelayMS, "LOQA_SIGN_PIPELINE_FLUSH_DELAY_MS")
	overrideInt(&cfg.Pipeline.ReconnectBaseMS, "LOQA_SIGN_PIPELINE_RECONNECT_BASE_MS")
	overrideFloat(&cfg.Pipeline.ReconnectBackoffFactor, "LOQA_SIGN_PIPELINE_RECONNECT_BACKOFF_FACTOR")
	overrideInt(&cfg.Pipeline.ReconnectMaxMS, "LOQA_SIGN_PIPELINE_RECONNECT_MAX_MS")
	overrideInt(&cfg.Pipeline.MaxReconnectAttempts, "LOQA_SIGN_PIPELINE_MAX_RECONNECT_ATTEMPTS")
	overrideInt(&cfg.Pipeline.HeartbeatIntervalMS, "LOQA_SIGN_PIPELINE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Pipeline.PongTimeoutMS, "LOQA_SIGN_PIPELINE_PONG_TIMEOUT_MS")
	overrideFloat(&cfg.Pipeline.OutboundRatePerSec, "LOQA_SIGN_PIPELINE_OUTBOUND_RATE_PER_SEC")
	overrideInt(&cfg.Pipeline.OutboundBurst, "LOQA_SIGN_PIPELINE_OUTBOUND_BURST")
	overrideString(&cfg.History.Path, "LOQA_SIGN_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "LOQA_SIGN_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "LOQA_SIGN_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxSessions, "LOQA_SIGN_HISTORY_MAX_SESSIONS")
	overrideBool(&cfg.History.VacuumOnStart, "LOQA_SIGN_HISTORY_VACUUM_ON_START")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if strings.TrimSpace(cfg.Channel.URL) == "" {
		return errors.New("channel.url must not be empty")
	}
	if !strings.HasPrefix(cfg.Channel.URL, "ws://") && !strings.HasPrefix(cfg.Channel.URL, "wss://") {
		return errors.New("channel.url must use ws:// or wss://")
	}
	if cfg.Channel.DialTimeoutMS <= 0 {
		return errors.New("channel.dial_timeout_ms must be positive")
	}
	if cfg.Channel.WriteTimeoutMS <= 0 {
		return errors.New("channel.write_timeout_ms must be positive")
	}
	if cfg.Channel.ReadLimitBytes < 0 {
		return errors.New("channel.read_limit_bytes must be >= 0")
	}
	if err := cfg.Pipeline.Validate(); err != nil {
		return err
	}
	if err := cfg.Vocabulary.Validate(); err != nil {
		return err
	}
	if cfg.History.Path == "" && cfg.History.RetentionMode != "ephemeral" {
		return errors.New("history.path must not be empty")
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}
