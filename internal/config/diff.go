package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TokenChanged is set when the API token was rotated. New channel
	// connections and room joins pick the new token up.
	TokenChanged bool
	NewToken     string

	PollIntervalChanged bool
	NewPollInterval     Duration
}

// Any reports whether the diff contains at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.TokenChanged || d.PollIntervalChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart; endpoint
// URL changes still require one.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}
	if old.API.Token != new.API.Token {
		d.TokenChanged = true
		d.NewToken = new.API.Token
	}
	if old.Tracking.PollInterval != new.Tracking.PollInterval {
		d.PollIntervalChanged = true
		d.NewPollInterval = new.Tracking.PollInterval
	}

	return d
}
