// Package config provides the configuration schema and loader for the
// Akroasis transcription tracking client.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Duration wraps [time.Duration] so YAML values like "10s" decode directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for Akroasis.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	API         APIConfig         `yaml:"api"`
	Realtime    RealtimeConfig    `yaml:"realtime"`
	Tracking    TrackingConfig    `yaml:"tracking"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// APIConfig holds settings for the transcription REST API.
type APIConfig struct {
	// BaseURL is the REST endpoint root (e.g., "https://asr.example.com/api").
	BaseURL string `yaml:"base_url"`

	// Token is an optional Bearer token sent with every request and with
	// room join messages.
	Token string `yaml:"token"`

	// Language is the default transcription language code (e.g., "el").
	Language string `yaml:"language"`

	// Model selects the default engine for new jobs (e.g., "whisper",
	// "wav2vec2"). Leave empty to let the server decide.
	Model string `yaml:"model"`
}

// RealtimeConfig holds settings for the websocket progress channel.
type RealtimeConfig struct {
	// URL is the websocket endpoint (e.g., "wss://asr.example.com/ws").
	URL string `yaml:"url"`

	// DialTimeout bounds a single connection attempt. Zero means 10s.
	DialTimeout Duration `yaml:"dial_timeout"`

	// Backoff is the delay before the first reconnect attempt. Zero means 2s.
	Backoff Duration `yaml:"backoff"`

	// MaxBackoff caps the reconnect delay. Zero means 10s.
	MaxBackoff Duration `yaml:"max_backoff"`

	// Keepalive is the ping interval on an established connection.
	// Zero means 25s; negative disables keepalives.
	Keepalive Duration `yaml:"keepalive"`
}

// TrackingConfig holds settings for job progress tracking.
type TrackingConfig struct {
	// JoinTimeout bounds the wait for a room join confirmation before the
	// tracker falls back to polling. Zero means 5s.
	JoinTimeout Duration `yaml:"join_timeout"`

	// PollInterval is the REST polling cadence in fallback mode. Zero means 2s.
	PollInterval Duration `yaml:"poll_interval"`
}

// DiagnosticsConfig holds settings for the local diagnostics HTTP server.
type DiagnosticsConfig struct {
	// ListenAddr is the TCP address for /healthz, /readyz and /metrics
	// (e.g., "127.0.0.1:9090"). Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`
}
