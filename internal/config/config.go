// Package config loads service configuration from defaults, an optional YAML
// file and environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"duplex-transcription-service/internal/service/stt"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Service       ServiceConfig       `yaml:"service"`
	STT           STTConfig           `yaml:"stt"`
	Session       SessionConfig       `yaml:"session"`
	Capture       CaptureConfig       `yaml:"capture"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServiceConfig struct {
	Principal string `yaml:"principal"`
	HTTPPort  string `yaml:"http_port"`
	GRPCPort  string `yaml:"grpc_port"`
}

// STTConfig selects the transcription backend.
type STTConfig struct {
	Provider      string `yaml:"provider"`
	Model         string `yaml:"model"`
	Family        string `yaml:"family"`
	CredentialRef string `yaml:"credential_ref"` // env:NAME, file:PATH or a literal key
	LanguageCode  string `yaml:"language_code"`
	SampleRateHz  int    `yaml:"sample_rate_hz"`

	GeminiEndpoint         string        `yaml:"gemini_endpoint"`
	OpenAIRealtimeEndpoint string        `yaml:"openai_realtime_endpoint"`
	OpenAIBaseURL          string        `yaml:"openai_base_url"`
	MockDelay              time.Duration `yaml:"mock_delay"`
}

// SessionConfig tunes per-channel turn and batch handling.
type SessionConfig struct {
	DebounceInterval time.Duration `yaml:"debounce_interval"`
	BatchWindow      time.Duration `yaml:"batch_window"`
	BatchTimeout     time.Duration `yaml:"batch_timeout"`
	MaxBatchBytes    int           `yaml:"max_batch_bytes"`
	FlushOnClose     bool          `yaml:"flush_on_close"`
	InboxSize        int           `yaml:"inbox_size"`
}

// CaptureConfig overrides the platform capture command. Empty Binary keeps
// the platform default.
type CaptureConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Binary     string   `yaml:"binary"`
	Args       []string `yaml:"args"`
	ChunkBytes int      `yaml:"chunk_bytes"`
}

type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers"`
	TopicPartial string   `yaml:"topic_partial"`
	TopicFinal   string   `yaml:"topic_final"`
}

type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Principal: "svc-duplex-transcription",
			HTTPPort:  "8080",
			GRPCPort:  "50051",
		},
		STT: STTConfig{
			Provider:     "mock",
			Model:        "mock-turn",
			Family:       "turn_based",
			LanguageCode: "en-US",
			SampleRateHz: 24000,
			MockDelay:    50 * time.Millisecond,
		},
		Session: SessionConfig{
			DebounceInterval: 2 * time.Second,
			BatchWindow:      5 * time.Second,
			BatchTimeout:     30 * time.Second,
			MaxBatchBytes:    2 * 1024 * 1024,
			FlushOnClose:     true,
			InboxSize:        256,
		},
		Capture: CaptureConfig{
			Enabled:    true,
			ChunkBytes: 9600,
		},
		Kafka: KafkaConfig{
			TopicPartial: "conversation.transcript.partial",
			TopicFinal:   "conversation.transcript.final",
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsAddr: ":9090",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// CONFIG_FILE if set, then environment variables.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	// Fields absent from the file keep their current values.
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Service.Principal = envOrDefault("SERVICE_PRINCIPAL", c.Service.Principal)
	c.Service.HTTPPort = envOrDefault("HTTP_PORT", c.Service.HTTPPort)
	c.Service.GRPCPort = envOrDefault("GRPC_PORT", c.Service.GRPCPort)

	c.STT.Provider = envOrDefault("STT_PROVIDER", c.STT.Provider)
	c.STT.Model = envOrDefault("STT_MODEL", c.STT.Model)
	c.STT.Family = envOrDefault("STT_FAMILY", c.STT.Family)
	c.STT.CredentialRef = envOrDefault("STT_CREDENTIAL", c.STT.CredentialRef)
	c.STT.LanguageCode = envOrDefault("STT_LANGUAGE_CODE", c.STT.LanguageCode)
	c.STT.SampleRateHz = envIntOrDefault("STT_SAMPLE_RATE_HZ", c.STT.SampleRateHz)
	c.STT.GeminiEndpoint = envOrDefault("STT_GEMINI_ENDPOINT", c.STT.GeminiEndpoint)
	c.STT.OpenAIRealtimeEndpoint = envOrDefault("STT_OPENAI_REALTIME_ENDPOINT", c.STT.OpenAIRealtimeEndpoint)
	c.STT.OpenAIBaseURL = envOrDefault("STT_OPENAI_BASE_URL", c.STT.OpenAIBaseURL)
	c.STT.MockDelay = envDurationOrDefault("STT_MOCK_DELAY", c.STT.MockDelay)

	c.Session.DebounceInterval = envDurationOrDefault("SESSION_DEBOUNCE_INTERVAL", c.Session.DebounceInterval)
	c.Session.BatchWindow = envDurationOrDefault("SESSION_BATCH_WINDOW", c.Session.BatchWindow)
	c.Session.BatchTimeout = envDurationOrDefault("SESSION_BATCH_TIMEOUT", c.Session.BatchTimeout)
	c.Session.MaxBatchBytes = envIntOrDefault("SESSION_MAX_BATCH_BYTES", c.Session.MaxBatchBytes)
	c.Session.FlushOnClose = envBoolOrDefault("SESSION_FLUSH_ON_CLOSE", c.Session.FlushOnClose)
	c.Session.InboxSize = envIntOrDefault("SESSION_INBOX_SIZE", c.Session.InboxSize)

	c.Capture.Enabled = envBoolOrDefault("CAPTURE_ENABLED", c.Capture.Enabled)
	c.Capture.Binary = envOrDefault("CAPTURE_BINARY", c.Capture.Binary)
	if v := os.Getenv("CAPTURE_ARGS"); v != "" {
		c.Capture.Args = strings.Fields(v)
	}
	c.Capture.ChunkBytes = envIntOrDefault("CAPTURE_CHUNK_BYTES", c.Capture.ChunkBytes)

	c.Kafka.Enabled = envBoolOrDefault("KAFKA_ENABLED", c.Kafka.Enabled)
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	c.Kafka.TopicPartial = envOrDefault("KAFKA_TOPIC_PARTIAL", c.Kafka.TopicPartial)
	c.Kafka.TopicFinal = envOrDefault("KAFKA_TOPIC_FINAL", c.Kafka.TopicFinal)

	c.Observability.LogLevel = envOrDefault("LOG_LEVEL", c.Observability.LogLevel)
	c.Observability.LogFormat = envOrDefault("LOG_FORMAT", c.Observability.LogFormat)
	c.Observability.MetricsAddr = envOrDefault("METRICS_ADDR", c.Observability.MetricsAddr)
}

// Validate checks values that would otherwise fail later at session start.
func (c *Config) Validate() error {
	if c.Service.HTTPPort == "" {
		return fmt.Errorf("%w: http_port is empty", ErrInvalidConfig)
	}
	if _, err := stt.ParseFamily(c.STT.Family); err != nil {
		return fmt.Errorf("%w: stt: %w", ErrInvalidConfig, err)
	}
	if c.STT.SampleRateHz <= 0 {
		return fmt.Errorf("%w: stt sample_rate_hz must be positive, got %d", ErrInvalidConfig, c.STT.SampleRateHz)
	}
	if c.Session.DebounceInterval <= 0 {
		return fmt.Errorf("%w: session debounce_interval must be positive", ErrInvalidConfig)
	}
	if c.Session.BatchWindow <= 0 {
		return fmt.Errorf("%w: session batch_window must be positive", ErrInvalidConfig)
	}
	if c.Session.MaxBatchBytes < 0 {
		return fmt.Errorf("%w: session max_batch_bytes cannot be negative", ErrInvalidConfig)
	}
	if c.Capture.ChunkBytes <= 0 || c.Capture.ChunkBytes%4 != 0 {
		return fmt.Errorf("%w: capture chunk_bytes must be a positive multiple of 4, got %d", ErrInvalidConfig, c.Capture.ChunkBytes)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("%w: kafka enabled without brokers", ErrInvalidConfig)
	}
	return nil
}

// Descriptor builds the STT model descriptor from the configuration.
// Validate must have succeeded.
func (c *Config) Descriptor() stt.Descriptor {
	family, _ := stt.ParseFamily(c.STT.Family)
	return stt.Descriptor{
		ProviderID:    c.STT.Provider,
		ModelID:       c.STT.Model,
		CredentialRef: c.STT.CredentialRef,
		Family:        family,
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envBoolOrDefault(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
