package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ChatTimeout != 30*time.Second {
		t.Fatalf("ChatTimeout = %s, want 30s", cfg.ChatTimeout)
	}
	if cfg.ChatMaxAttempts != 3 {
		t.Fatalf("ChatMaxAttempts = %d, want 3", cfg.ChatMaxAttempts)
	}
	if cfg.SilenceWindow != 1500*time.Millisecond {
		t.Fatalf("SilenceWindow = %s, want 1.5s", cfg.SilenceWindow)
	}
	if cfg.DeviceMode != "bridge" {
		t.Fatalf("DeviceMode = %q, want %q", cfg.DeviceMode, "bridge")
	}
	if !cfg.TTSEnabled {
		t.Fatalf("TTSEnabled = false, want true")
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("CHAT_MAX_ATTEMPTS", "5")
	t.Setenv("VOICE_SILENCE_WINDOW", "900ms")
	t.Setenv("VOICE_MIN_CONFIDENCE", "0.65")
	t.Setenv("VOICE_TTS_ENABLED", "off")
	t.Setenv("VOICE_DEVICE_MODE", "mock")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ChatMaxAttempts != 5 {
		t.Fatalf("ChatMaxAttempts = %d, want 5", cfg.ChatMaxAttempts)
	}
	if cfg.SilenceWindow != 900*time.Millisecond {
		t.Fatalf("SilenceWindow = %s, want 900ms", cfg.SilenceWindow)
	}
	if cfg.MinUtteranceConfidence != 0.65 {
		t.Fatalf("MinUtteranceConfidence = %v, want 0.65", cfg.MinUtteranceConfidence)
	}
	if cfg.TTSEnabled {
		t.Fatalf("TTSEnabled = true, want false")
	}
	if cfg.DeviceMode != "mock" {
		t.Fatalf("DeviceMode = %q, want %q", cfg.DeviceMode, "mock")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"CHAT_MAX_ATTEMPTS":    "0",
		"VOICE_SILENCE_WINDOW": "10ms",
		"VOICE_MIN_CONFIDENCE": "1.5",
		"VOICE_DEVICE_MODE":    "telepathy",
		"VOICE_TTS_ENABLED":    "maybe",
		"CHAT_TIMEOUT":         "soon",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q error = nil, want error", key, value)
			}
		})
	}
}

func TestLoadReadsDotEnvWithoutOverridingEnvironment(t *testing.T) {
	setCoreEnvEmpty(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "companion.env")
	content := "BACKEND_BASE_URL=http://backend.test:5000\nCHAT_MAX_ATTEMPTS=4\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("APP_ENV_FILE", path)
	t.Setenv("CHAT_MAX_ATTEMPTS", "2")
	// godotenv sets variables process-wide; t.Setenv restores them afterwards.
	t.Setenv("BACKEND_BASE_URL", "")
	os.Unsetenv("BACKEND_BASE_URL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BackendBaseURL != "http://backend.test:5000" {
		t.Fatalf("BackendBaseURL = %q, want value from env file", cfg.BackendBaseURL)
	}
	if cfg.ChatMaxAttempts != 2 {
		t.Fatalf("ChatMaxAttempts = %d, want explicit env value 2", cfg.ChatMaxAttempts)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_ENV_FILE",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_PAGE_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"BACKEND_BASE_URL",
		"BACKEND_AUTH_TOKEN",
		"BACKEND_REQUEST_TIMEOUT",
		"CHAT_TIMEOUT",
		"CHAT_MAX_ATTEMPTS",
		"CHAT_BACKOFF_STEP",
		"VOICE_SILENCE_WINDOW",
		"VOICE_CONTINUATION_HOLD",
		"VOICE_MIN_UTTERANCE_CHARS",
		"VOICE_MIN_CONFIDENCE",
		"VOICE_RESTART_DELAY",
		"VOICE_RESTART_MAX_ATTEMPTS",
		"VOICE_TERMINAL_BACKOFF_CAP",
		"VOICE_PROBE_TIMEOUT",
		"VOICE_DEVICE_MODE",
		"VOICE_TTS_ENABLED",
		"VOICE_START_MUTED",
		"VOICE_AUTO_START",
		"VOICE_EMOTION_TABLE",
		"TRANSCRIPT_SIZE",
		"INTEGRATIONS_POLL_INTERVAL",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
	// Point at a file that does not exist so a developer's .env never leaks into tests.
	t.Setenv("APP_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}
