package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultSystemMessage primes the realtime model for phone conversations.
const DefaultSystemMessage = "You are a helpful and bubbly AI assistant who answers any questions I ask. " +
	"You know a lot about heavy metal and can look up Metallica albums when asked. " +
	"Keep answers short, this is a phone call."

// DefaultStageBudgets is the RELAY_STAGE_BUDGETS default.
const DefaultStageBudgets = "ai_dial=800ms,open_to_session_created=600ms,start_to_first_audio=1500ms,tool_invoke=1s"

// Config contains all runtime settings for the call relay service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	// PublicStreamURL is the wss:// URL the telephony provider is told to
	// connect back to. When empty it is derived from the incoming request host.
	PublicStreamURL string

	OpenAIAPIKey        string
	OpenAIRealtimeURL   string
	OpenAIRealtimeModel string
	OpenAIDialTimeout   time.Duration

	Voice             string
	SystemMessage     string
	Temperature       float64
	SettleDelay       time.Duration
	PendingAudioLimit int
	ToolTimeout       time.Duration
	WriteTimeout      time.Duration

	// StageBudgets are per-stage latency targets; the latency report shows the
	// share of samples over each.
	StageBudgets map[string]time.Duration

	DatabaseURL string

	LogLevel  string
	LogFormat string
	LogFile   string

	TraceExporter string
	OTLPEndpoint  string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":5050"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "callbridge"),
		AllowAnyOrigin:      true,
		PublicStreamURL:     stringsTrimSpace("PUBLIC_STREAM_URL"),
		OpenAIAPIKey:        stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIRealtimeURL:   envOrDefault("OPENAI_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		OpenAIRealtimeModel: envOrDefault("OPENAI_REALTIME_MODEL", "gpt-4o-realtime-preview-2024-10-01"),
		OpenAIDialTimeout:   10 * time.Second,
		Voice:               envOrDefault("RELAY_VOICE", "alloy"),
		SystemMessage:       envOrDefault("RELAY_SYSTEM_MESSAGE", DefaultSystemMessage),
		Temperature:         0.8,
		// The realtime endpoint drops session.update frames sent right after
		// the upgrade completes.
		SettleDelay:       250 * time.Millisecond,
		PendingAudioLimit: 0,
		ToolTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Second,
		DatabaseURL:       stringsTrimSpace("DATABASE_URL"),
		LogLevel:          envOrDefault("LOG_LEVEL", "info"),
		LogFormat:         envOrDefault("LOG_FORMAT", "text"),
		LogFile:           stringsTrimSpace("LOG_FILE"),
		TraceExporter:     envOrDefault("TRACE_EXPORTER", "none"),
		OTLPEndpoint:      envOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		ShutdownTimeout:   15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.OpenAIDialTimeout, err = durationFromEnv("OPENAI_DIAL_TIMEOUT", cfg.OpenAIDialTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.Temperature, err = floatFromEnv("RELAY_TEMPERATURE", cfg.Temperature)
	if err != nil {
		return Config{}, err
	}
	cfg.SettleDelay, err = durationFromEnv("RELAY_SETTLE_DELAY", cfg.SettleDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.PendingAudioLimit, err = intFromEnv("RELAY_PENDING_AUDIO_LIMIT", cfg.PendingAudioLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.ToolTimeout, err = durationFromEnv("RELAY_TOOL_TIMEOUT", cfg.ToolTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.WriteTimeout, err = durationFromEnv("RELAY_WRITE_TIMEOUT", cfg.WriteTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.StageBudgets, err = budgetsFromEnv("RELAY_STAGE_BUDGETS", DefaultStageBudgets)
	if err != nil {
		return Config{}, err
	}

	if cfg.OpenAIAPIKey == "" {
		return Config{}, errors.New("OPENAI_API_KEY is required")
	}
	// The realtime API rejects temperatures outside this range.
	if cfg.Temperature < 0.6 || cfg.Temperature > 1.2 {
		return Config{}, fmt.Errorf("RELAY_TEMPERATURE must be within [0.6, 1.2], got %v", cfg.Temperature)
	}
	if cfg.SettleDelay < 0 {
		return Config{}, fmt.Errorf("RELAY_SETTLE_DELAY must be >= 0")
	}
	if cfg.PendingAudioLimit < 0 {
		return Config{}, fmt.Errorf("RELAY_PENDING_AUDIO_LIMIT must be >= 0")
	}
	if cfg.OpenAIDialTimeout <= 0 {
		return Config{}, fmt.Errorf("OPENAI_DIAL_TIMEOUT must be positive")
	}
	if cfg.ToolTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_TOOL_TIMEOUT must be positive")
	}
	if cfg.WriteTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_WRITE_TIMEOUT must be positive")
	}
	switch strings.ToLower(cfg.TraceExporter) {
	case "none", "stdout", "otlp":
	default:
		return Config{}, fmt.Errorf("invalid TRACE_EXPORTER: %q (expected none|stdout|otlp)", cfg.TraceExporter)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

// budgetsFromEnv parses "stage=duration" pairs separated by commas.
func budgetsFromEnv(key, fallback string) (map[string]time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		v = fallback
	}
	out := make(map[string]time.Duration)
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		stage, raw, ok := strings.Cut(pair, "=")
		stage = strings.TrimSpace(stage)
		if !ok || stage == "" {
			return nil, fmt.Errorf("%s parse error: expected stage=duration, got %q", key, pair)
		}
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%s parse error: %w", key, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("%s parse error: budget for %s must be positive", key, stage)
		}
		out[stage] = d
	}
	return out, nil
}
