package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/velisarios/akroasis/internal/config"
)

const validYAML = `
api:
  base_url: "https://asr.example.com/api"
  token: "secret"
  language: el
  model: whisper
realtime:
  url: "wss://asr.example.com/ws"
  dial_timeout: 10s
  backoff: 2s
  max_backoff: 10s
tracking:
  join_timeout: 5s
  poll_interval: 2s
log_level: info
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.API.BaseURL != "https://asr.example.com/api" {
		t.Errorf("unexpected base URL %q", cfg.API.BaseURL)
	}
	if cfg.Realtime.DialTimeout.Std() != 10*time.Second {
		t.Errorf("dial_timeout = %v, want 10s", cfg.Realtime.DialTimeout.Std())
	}
	if cfg.Tracking.PollInterval.Std() != 2*time.Second {
		t.Errorf("poll_interval = %v, want 2s", cfg.Tracking.PollInterval.Std())
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := validYAML + "\nunknown_field: true\n"
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoadFromReader_InvalidDuration(t *testing.T) {
	t.Parallel()
	yaml := `
api:
  base_url: "https://asr.example.com"
realtime:
  url: "wss://asr.example.com/ws"
  backoff: not-a-duration
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("error should mention invalid duration, got: %v", err)
	}
}

func TestValidate_MissingURLs(t *testing.T) {
	t.Parallel()
	err := config.Validate(&config.Config{})
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "api.base_url") {
		t.Errorf("error should mention api.base_url, got: %v", err)
	}
	if !strings.Contains(errStr, "realtime.url") {
		t.Errorf("error should mention realtime.url, got: %v", err)
	}
}

func TestValidate_SchemeChecks(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		API:      config.APIConfig{BaseURL: "ftp://asr.example.com"},
		Realtime: config.RealtimeConfig{URL: "https://asr.example.com/ws"},
	}
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "api.base_url") {
		t.Errorf("error should mention api.base_url, got: %v", err)
	}
	if !strings.Contains(errStr, "realtime.url") {
		t.Errorf("error should mention realtime.url scheme, got: %v", err)
	}
}

func TestValidate_UnknownModel(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		API:      config.APIConfig{BaseURL: "https://asr.example.com", Model: "kaldi"},
		Realtime: config.RealtimeConfig{URL: "wss://asr.example.com/ws"},
	}
	err := config.Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "api.model") {
		t.Fatalf("expected model error, got: %v", err)
	}
}

func TestValidate_BackoffOrdering(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		API: config.APIConfig{BaseURL: "https://asr.example.com"},
		Realtime: config.RealtimeConfig{
			URL:        "wss://asr.example.com/ws",
			Backoff:    config.Duration(10 * time.Second),
			MaxBackoff: config.Duration(2 * time.Second),
		},
	}
	err := config.Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "max_backoff") {
		t.Fatalf("expected max_backoff error, got: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		API:      config.APIConfig{BaseURL: "https://asr.example.com"},
		Realtime: config.RealtimeConfig{URL: "wss://asr.example.com/ws"},
		LogLevel: "verbose",
	}
	err := config.Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "log_level") {
		t.Fatalf("expected log_level error, got: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		LogLevel: "verbose",
		Realtime: config.RealtimeConfig{Backoff: -1},
	}
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	for _, want := range []string{"log_level", "api.base_url", "realtime.backoff"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}
