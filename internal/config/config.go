package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the companion voice client.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	PageInactivityTimeout    time.Duration
	MetricsNamespace         string
	AllowAnyOrigin           bool
	LogLevel                 string
	LogFormat                string
	BackendBaseURL           string
	BackendAuthToken         string
	ChatTimeout              time.Duration
	ChatMaxAttempts          int
	ChatBackoffStep          time.Duration
	RequestTimeout           time.Duration
	SilenceWindow            time.Duration
	ContinuationHold         time.Duration
	MinUtteranceChars        int
	MinUtteranceConfidence   float64
	RestartDelay             time.Duration
	RestartMaxAttempts       int
	TerminalBackoffCap       time.Duration
	ProbeTimeout             time.Duration
	DeviceMode               string
	TTSEnabled               bool
	StartMuted               bool
	AutoStartListening       bool
	EmotionTablePath         string
	TranscriptSize           int
	IntegrationsPollInterval time.Duration
}

// Load reads environment variables and applies safe defaults.
// A .env file in the working directory is honored when present; real
// environment variables always win over it.
func Load() (Config, error) {
	if err := loadDotEnv(envOrDefault("APP_ENV_FILE", ".env")); err != nil {
		return Config{}, err
	}

	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", "127.0.0.1:8787"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "companion"),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		LogFormat:        envOrDefault("LOG_FORMAT", "json"),
		BackendBaseURL:   envOrDefault("BACKEND_BASE_URL", "http://127.0.0.1:5000"),
		BackendAuthToken: stringsTrimSpace("BACKEND_AUTH_TOKEN"),
		// "bridge" drives the browser page; "mock" simulates both devices locally.
		DeviceMode:               envOrDefault("VOICE_DEVICE_MODE", "bridge"),
		EmotionTablePath:         stringsTrimSpace("VOICE_EMOTION_TABLE"),
		ShutdownTimeout:          15 * time.Second,
		PageInactivityTimeout:    2 * time.Minute,
		ChatTimeout:              30 * time.Second,
		ChatMaxAttempts:          3,
		ChatBackoffStep:          time.Second,
		RequestTimeout:           15 * time.Second,
		SilenceWindow:            1500 * time.Millisecond,
		ContinuationHold:         500 * time.Millisecond,
		MinUtteranceChars:        2,
		MinUtteranceConfidence:   0.4,
		RestartDelay:             750 * time.Millisecond,
		RestartMaxAttempts:       5,
		TerminalBackoffCap:       8 * time.Second,
		ProbeTimeout:             5 * time.Second,
		TTSEnabled:               true,
		AutoStartListening:       false,
		TranscriptSize:           200,
		IntegrationsPollInterval: 30 * time.Second,
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_PAGE_INACTIVITY_TIMEOUT", &cfg.PageInactivityTimeout},
		{"CHAT_TIMEOUT", &cfg.ChatTimeout},
		{"CHAT_BACKOFF_STEP", &cfg.ChatBackoffStep},
		{"BACKEND_REQUEST_TIMEOUT", &cfg.RequestTimeout},
		{"VOICE_SILENCE_WINDOW", &cfg.SilenceWindow},
		{"VOICE_CONTINUATION_HOLD", &cfg.ContinuationHold},
		{"VOICE_RESTART_DELAY", &cfg.RestartDelay},
		{"VOICE_TERMINAL_BACKOFF_CAP", &cfg.TerminalBackoffCap},
		{"VOICE_PROBE_TIMEOUT", &cfg.ProbeTimeout},
		{"INTEGRATIONS_POLL_INTERVAL", &cfg.IntegrationsPollInterval},
	}
	for _, d := range durations {
		*d.dst, err = durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
	}

	cfg.ChatMaxAttempts, err = intFromEnv("CHAT_MAX_ATTEMPTS", cfg.ChatMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.MinUtteranceChars, err = intFromEnv("VOICE_MIN_UTTERANCE_CHARS", cfg.MinUtteranceChars)
	if err != nil {
		return Config{}, err
	}
	cfg.RestartMaxAttempts, err = intFromEnv("VOICE_RESTART_MAX_ATTEMPTS", cfg.RestartMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.TranscriptSize, err = intFromEnv("TRANSCRIPT_SIZE", cfg.TranscriptSize)
	if err != nil {
		return Config{}, err
	}
	cfg.MinUtteranceConfidence, err = floatFromEnv("VOICE_MIN_CONFIDENCE", cfg.MinUtteranceConfidence)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSEnabled, err = boolFromEnv("VOICE_TTS_ENABLED", cfg.TTSEnabled)
	if err != nil {
		return Config{}, err
	}
	cfg.StartMuted, err = boolFromEnv("VOICE_START_MUTED", cfg.StartMuted)
	if err != nil {
		return Config{}, err
	}
	cfg.AutoStartListening, err = boolFromEnv("VOICE_AUTO_START", cfg.AutoStartListening)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the voice loop cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BackendBaseURL) == "" {
		return fmt.Errorf("BACKEND_BASE_URL is required")
	}
	if c.ChatMaxAttempts <= 0 {
		return fmt.Errorf("CHAT_MAX_ATTEMPTS must be positive")
	}
	if c.ChatTimeout <= 0 {
		return fmt.Errorf("CHAT_TIMEOUT must be positive")
	}
	if c.ChatBackoffStep < 0 {
		return fmt.Errorf("CHAT_BACKOFF_STEP must be >= 0")
	}
	if c.SilenceWindow < 100*time.Millisecond {
		return fmt.Errorf("VOICE_SILENCE_WINDOW must be at least 100ms")
	}
	if c.ContinuationHold < 0 {
		return fmt.Errorf("VOICE_CONTINUATION_HOLD must be >= 0")
	}
	if c.MinUtteranceChars < 0 {
		return fmt.Errorf("VOICE_MIN_UTTERANCE_CHARS must be >= 0")
	}
	if c.MinUtteranceConfidence < 0 || c.MinUtteranceConfidence > 1 {
		return fmt.Errorf("VOICE_MIN_CONFIDENCE must be within [0,1]")
	}
	if c.RestartDelay <= 0 {
		return fmt.Errorf("VOICE_RESTART_DELAY must be positive")
	}
	if c.RestartMaxAttempts <= 0 {
		return fmt.Errorf("VOICE_RESTART_MAX_ATTEMPTS must be positive")
	}
	if c.PageInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_PAGE_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.TranscriptSize <= 0 {
		return fmt.Errorf("TRANSCRIPT_SIZE must be positive")
	}
	if c.IntegrationsPollInterval < time.Second {
		return fmt.Errorf("INTEGRATIONS_POLL_INTERVAL must be at least 1s")
	}
	switch strings.ToLower(strings.TrimSpace(c.DeviceMode)) {
	case "bridge", "mock":
	default:
		return fmt.Errorf("invalid VOICE_DEVICE_MODE: %q (expected bridge|mock)", c.DeviceMode)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "console":
	default:
		return fmt.Errorf("invalid LOG_FORMAT: %q (expected json|console)", c.LogFormat)
	}
	return nil
}

func loadDotEnv(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	// godotenv.Load never overrides variables already present in the environment.
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
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
