// Package camera takes still snapshots from the doorbell over its HTTP API.
package camera

import (
	"net/url"
	"time"
)

// Config holds the snapshot settings.
type Config struct {
	// BaseURL is the camera's HTTP root, e.g. http://192.168.1.40.
	BaseURL  string `json:"base_url"`
	Username string `json:"-"`
	Password string `json:"-"`
	Channel  int    `json:"channel"`

	// Resolution is used when a caller does not ask for one.
	Resolution Resolution `json:"resolution"`

	// SnapshotDir receives a JPEG per snapshot. Empty disables saving.
	SnapshotDir string `json:"snapshot_dir"`

	Timeout time.Duration `json:"timeout"`
}

// DefaultConfig returns the settings used for Reolink doorbells.
func DefaultConfig() Config {
	return Config{
		Resolution:  Presets()[PresetLow],
		SnapshotDir: "snapshots",
		Timeout:     10 * time.Second,
	}
}

// Validate checks if the config values are usable.
// Returns a list of validation errors, or nil if valid.
func (c *Config) Validate() []string {
	var errors []string

	u, err := url.Parse(c.BaseURL)
	if c.BaseURL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errors = append(errors, "base_url must be an http(s) URL")
	}
	if c.Channel < 0 {
		errors = append(errors, "channel must not be negative")
	}
	errors = append(errors, c.Resolution.Validate()...)
	if c.Timeout <= 0 {
		errors = append(errors, "timeout must be positive")
	}

	return errors
}
