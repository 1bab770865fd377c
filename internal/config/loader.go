package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidModels lists the transcription engines the server currently offers.
// Used by [Validate] to reject obvious typos early.
var ValidModels = []string{"whisper", "wav2vec2"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// API
	if cfg.API.BaseURL == "" {
		errs = append(errs, errors.New("api.base_url is required"))
	} else if err := validateURL(cfg.API.BaseURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("api.base_url: %w", err))
	}
	if cfg.API.Model != "" && !slices.Contains(ValidModels, cfg.API.Model) {
		errs = append(errs, fmt.Errorf("api.model %q is unknown; valid values: %v", cfg.API.Model, ValidModels))
	}

	// Realtime
	if cfg.Realtime.URL == "" {
		errs = append(errs, errors.New("realtime.url is required"))
	} else if err := validateURL(cfg.Realtime.URL, "ws", "wss"); err != nil {
		errs = append(errs, fmt.Errorf("realtime.url: %w", err))
	}
	if cfg.Realtime.DialTimeout < 0 {
		errs = append(errs, errors.New("realtime.dial_timeout must not be negative"))
	}
	if cfg.Realtime.Backoff < 0 {
		errs = append(errs, errors.New("realtime.backoff must not be negative"))
	}
	if cfg.Realtime.MaxBackoff < 0 {
		errs = append(errs, errors.New("realtime.max_backoff must not be negative"))
	}
	if cfg.Realtime.Backoff > 0 && cfg.Realtime.MaxBackoff > 0 && cfg.Realtime.MaxBackoff < cfg.Realtime.Backoff {
		errs = append(errs, errors.New("realtime.max_backoff must not be smaller than realtime.backoff"))
	}

	// Tracking
	if cfg.Tracking.JoinTimeout < 0 {
		errs = append(errs, errors.New("tracking.join_timeout must not be negative"))
	}
	if cfg.Tracking.PollInterval < 0 {
		errs = append(errs, errors.New("tracking.poll_interval must not be negative"))
	}

	return errors.Join(errs...)
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if !slices.Contains(schemes, u.Scheme) {
		return fmt.Errorf("URL %q must use one of the schemes %v", raw, schemes)
	}
	if u.Host == "" {
		return fmt.Errorf("URL %q is missing a host", raw)
	}
	return nil
}
