// Package config loads service configuration from the environment, an
// optional .env file and an optional YAML overlay file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Service       ServiceConfig       `yaml:"service"`
	Telegram      TelegramConfig      `yaml:"telegram"`
	Transcoder    TranscoderConfig    `yaml:"transcoder"`
	STT           STTConfig           `yaml:"stt"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Laughter      LaughterConfig      `yaml:"laughter"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Principal string `yaml:"principal"`
	GRPCPort  string `yaml:"grpc_port"`
}

// TelegramConfig holds chat transport settings.
type TelegramConfig struct {
	Token             string `yaml:"token"`
	PollTimeout       int    `yaml:"poll_timeout"` // seconds
	MaxConcurrentRuns int    `yaml:"max_concurrent_runs"`
	Debug             bool   `yaml:"debug"`
}

// TranscoderConfig holds the external media converter settings.
type TranscoderConfig struct {
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

// STTConfig holds speech recognition settings.
type STTConfig struct {
	Provider       string        `yaml:"provider"` // google, mock
	LanguageCode   string        `yaml:"language_code"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
	WindowLength   time.Duration `yaml:"window_length"`
	TotalBudget    time.Duration `yaml:"total_budget"`
}

// PipelineConfig holds per-message pipeline limits.
type PipelineConfig struct {
	WorkDir          string `yaml:"work_dir"`
	MinFileBytes     int64  `yaml:"min_file_bytes"`
	MaxSegmentLength int    `yaml:"max_segment_length"`
}

// LaughterConfig holds the laughter token lists.
type LaughterConfig struct {
	Roots    []string `yaml:"roots"`
	Suffixes []string `yaml:"suffixes"`
}

// KafkaConfig holds outcome event publishing settings.
type KafkaConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Brokers        []string `yaml:"brokers"`
	TopicCompleted string   `yaml:"topic_completed"`
	TopicFailed    string   `yaml:"topic_failed"`
	Principal      string   `yaml:"principal"`
}

// ObservabilityConfig holds logging and metrics settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json, console
	MetricsAddr string `yaml:"metrics_addr"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Principal: "svc-voice-transcribe-bot",
			GRPCPort:  "50051",
		},
		Telegram: TelegramConfig{
			PollTimeout:       60,
			MaxConcurrentRuns: 8,
		},
		Transcoder: TranscoderConfig{
			Path:    defaultFFmpegPath(),
			Timeout: 2 * time.Minute,
		},
		STT: STTConfig{
			Provider:       "google",
			LanguageCode:   "ru-RU",
			RequestTimeout: 30 * time.Second,
			MaxConcurrent:  1,
			WindowLength:   60 * time.Second,
			TotalBudget:    600 * time.Second,
		},
		Pipeline: PipelineConfig{
			WorkDir:          os.TempDir(),
			MinFileBytes:     100,
			MaxSegmentLength: 4000,
		},
		Laughter: LaughterConfig{
			Roots:    []string{"ха", "хе", "хи", "хо", "xа"},
			Suffixes: []string{"хa", "he", "hi", "хо"},
		},
		Kafka: KafkaConfig{
			TopicCompleted: "voice.transcription.completed",
			TopicFailed:    "voice.transcription.failed",
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsAddr: ":9090",
		},
	}
}

// Load builds the configuration. A .env file in the working directory is
// loaded first (existing variables win), then the YAML file named by
// CONFIG_FILE is applied over the defaults, then environment variables.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Service.Principal = envOrDefault("SERVICE_PRINCIPAL", c.Service.Principal)
	c.Service.GRPCPort = envOrDefault("GRPC_PORT", c.Service.GRPCPort)

	c.Telegram.Token = envOrDefault("TELEGRAM_BOT_TOKEN", c.Telegram.Token)
	c.Telegram.PollTimeout = envOrDefaultInt("TELEGRAM_POLL_TIMEOUT", c.Telegram.PollTimeout)
	c.Telegram.MaxConcurrentRuns = envOrDefaultInt("MAX_CONCURRENT_RUNS", c.Telegram.MaxConcurrentRuns)
	c.Telegram.Debug = envOrDefaultBool("TELEGRAM_DEBUG", c.Telegram.Debug)

	c.Transcoder.Path = envOrDefault("FFMPEG_PATH", c.Transcoder.Path)
	c.Transcoder.Timeout = envOrDefaultDuration("TRANSCODER_TIMEOUT", c.Transcoder.Timeout)

	c.STT.Provider = envOrDefault("STT_PROVIDER", c.STT.Provider)
	c.STT.LanguageCode = envOrDefault("STT_LANGUAGE_CODE", c.STT.LanguageCode)
	c.STT.RequestTimeout = envOrDefaultDuration("STT_REQUEST_TIMEOUT", c.STT.RequestTimeout)
	c.STT.MaxConcurrent = envOrDefaultInt("STT_MAX_CONCURRENT", c.STT.MaxConcurrent)
	c.STT.WindowLength = envOrDefaultDuration("STT_WINDOW_LENGTH", c.STT.WindowLength)
	c.STT.TotalBudget = envOrDefaultDuration("STT_TOTAL_BUDGET", c.STT.TotalBudget)

	c.Pipeline.WorkDir = envOrDefault("WORK_DIR", c.Pipeline.WorkDir)
	c.Pipeline.MinFileBytes = envOrDefaultInt64("MIN_FILE_BYTES", c.Pipeline.MinFileBytes)
	c.Pipeline.MaxSegmentLength = envOrDefaultInt("MAX_SEGMENT_LENGTH", c.Pipeline.MaxSegmentLength)

	c.Laughter.Roots = envOrDefaultList("LAUGHTER_ROOTS", c.Laughter.Roots)
	c.Laughter.Suffixes = envOrDefaultList("LAUGHTER_SUFFIXES", c.Laughter.Suffixes)

	c.Kafka.Enabled = envOrDefaultBool("KAFKA_ENABLED", c.Kafka.Enabled)
	c.Kafka.Brokers = envOrDefaultList("KAFKA_BROKERS", c.Kafka.Brokers)
	c.Kafka.TopicCompleted = envOrDefault("KAFKA_TOPIC_COMPLETED", c.Kafka.TopicCompleted)
	c.Kafka.TopicFailed = envOrDefault("KAFKA_TOPIC_FAILED", c.Kafka.TopicFailed)
	c.Kafka.Principal = envOrDefault("KAFKA_PRINCIPAL", c.Kafka.Principal)
	if c.Kafka.Principal == "" {
		c.Kafka.Principal = c.Service.Principal
	}

	c.Observability.LogLevel = envOrDefault("LOG_LEVEL", c.Observability.LogLevel)
	c.Observability.LogFormat = envOrDefault("LOG_FORMAT", c.Observability.LogFormat)
	c.Observability.MetricsAddr = envOrDefault("METRICS_ADDR", c.Observability.MetricsAddr)
}

// Validate reports the first invalid setting. A missing bot token is fatal.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return errors.New("TELEGRAM_BOT_TOKEN is required")
	}
	if c.Telegram.MaxConcurrentRuns < 1 {
		return fmt.Errorf("max_concurrent_runs must be at least 1, got %d", c.Telegram.MaxConcurrentRuns)
	}
	if c.Transcoder.Path == "" {
		return errors.New("transcoder path cannot be empty")
	}
	if c.Transcoder.Timeout <= 0 {
		return fmt.Errorf("transcoder timeout must be positive, got %v", c.Transcoder.Timeout)
	}
	switch c.STT.Provider {
	case "google", "mock":
	default:
		return fmt.Errorf("stt provider must be 'google' or 'mock', got '%s'", c.STT.Provider)
	}
	if c.STT.LanguageCode == "" {
		return errors.New("stt language code cannot be empty")
	}
	if c.STT.WindowLength < time.Second {
		return fmt.Errorf("stt window length must be at least 1s, got %v", c.STT.WindowLength)
	}
	if c.STT.TotalBudget < c.STT.WindowLength {
		return fmt.Errorf("stt total budget (%v) must not be shorter than the window length (%v)",
			c.STT.TotalBudget, c.STT.WindowLength)
	}
	if c.STT.MaxConcurrent < 1 {
		return fmt.Errorf("stt max concurrent must be at least 1, got %d", c.STT.MaxConcurrent)
	}
	if c.Pipeline.MaxSegmentLength < 1 {
		return fmt.Errorf("max segment length must be positive, got %d", c.Pipeline.MaxSegmentLength)
	}
	if len(c.Laughter.Roots) == 0 {
		return errors.New("laughter roots cannot be empty")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka brokers are required when kafka is enabled")
	}
	switch c.Observability.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log format must be 'json' or 'console', got '%s'", c.Observability.LogFormat)
	}
	return nil
}

// WindowCount is the maximum number of recognition windows per message,
// counting a final partial window.
func (s STTConfig) WindowCount() int {
	if s.WindowLength <= 0 {
		return 0
	}
	return int((s.TotalBudget + s.WindowLength - 1) / s.WindowLength)
}

// defaultFFmpegPath prefers an ffmpeg binary shipped next to the executable.
func defaultFFmpegPath() string {
	exe, err := os.Executable()
	if err == nil {
		local := filepath.Join(filepath.Dir(exe), "ffmpeg")
		if info, err := os.Stat(local); err == nil && !info.IsDir() {
			return local
		}
	}
	return "ffmpeg"
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
