// Package config loads go-porter configuration from a .env file, an optional
// YAML file and the process environment, in that order of precedence
// (environment wins).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-porter/pkg/audioio"
)

// Config is the full application configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Timezone is used by get_datetime and the ring event prompt.
	Timezone string `yaml:"timezone"`

	Features Features       `yaml:"features"`
	Voice    Voice          `yaml:"voice"`
	Doorbell Doorbell       `yaml:"doorbell"`
	Audio    audioio.Config `yaml:"audio"`
	Playback Playback       `yaml:"playback"`
	Turn     Turn           `yaml:"turn"`
	Tools    Tools          `yaml:"tools"`
	Weather  Weather        `yaml:"weather"`
	Light    Light          `yaml:"light"`
	Vision   Vision         `yaml:"vision"`
	Camera   Camera         `yaml:"camera"`
	Webhook  Webhook        `yaml:"webhook"`
}

// Features toggles the optional collaborators.
type Features struct {
	Weather      bool `yaml:"weather"`
	LightControl bool `yaml:"light_control"`
	Vision       bool `yaml:"vision"`
}

// Voice configures the realtime voice service link.
type Voice struct {
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Voice       string        `yaml:"voice"`
	Temperature float64       `yaml:"temperature"`
	LinkTimeout time.Duration `yaml:"link_timeout"`
}

// Doorbell configures the RTSP device.
type Doorbell struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	ClientPort        int           `yaml:"client_port"`
	FFmpegPath        string        `yaml:"ffmpeg_path"`
}

// Playback configures the backchannel.
type Playback struct {
	Backchannel string        `yaml:"backchannel"`
	Latency     time.Duration `yaml:"latency"`
	QueueSize   int           `yaml:"queue_size"`
}

// Turn configures turn-taking.
type Turn struct {
	SilenceThreshold float64       `yaml:"silence_threshold"`
	SpeechDebounce   time.Duration `yaml:"speech_debounce"`
	SilenceDebounce  time.Duration `yaml:"silence_debounce"`
	BargeIn          string        `yaml:"barge_in"`
}

// Tools configures dispatch.
type Tools struct {
	Timeout         time.Duration `yaml:"timeout"`
	DisconnectGrace time.Duration `yaml:"disconnect_grace"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"`
}

// Weather configures the OpenWeatherMap collaborator.
type Weather struct {
	APIKey    string  `yaml:"api_key"`
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

// Light configures the MagicHome LED controller.
type Light struct {
	Address string `yaml:"address"`
}

// Vision configures the image describer.
type Vision struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// Camera configures snapshots.
type Camera struct {
	BaseURL        string `yaml:"base_url"`
	Resolution     string `yaml:"resolution"`
	SnapshotDir    string `yaml:"snapshot_dir"`
	SnapshotOnRing bool   `yaml:"snapshot_on_ring"`
}

// Webhook configures the HTTP listener.
type Webhook struct {
	Host          string  `yaml:"host"`
	Port          int     `yaml:"port"`
	RingRateLimit float64 `yaml:"ring_rate_limit"`
	RingBurst     int     `yaml:"ring_burst"`
}

// Default returns a Config with the defaults used in production.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Timezone:  "America/Denver",
		Features:  Features{Weather: true, LightControl: true, Vision: true},
		Voice: Voice{
			Model:       "gpt-4o-realtime-preview-2024-12-17",
			Voice:       "alloy",
			Temperature: 0.8,
			LinkTimeout: 10 * time.Second,
		},
		Doorbell: Doorbell{
			KeepaliveInterval: 15 * time.Second,
			ClientPort:        49154,
			FFmpegPath:        "ffmpeg",
		},
		Audio:    audioio.DefaultConfig(),
		Playback: Playback{Backchannel: "primary", Latency: 200 * time.Millisecond, QueueSize: 50},
		Turn: Turn{
			SilenceThreshold: 0.02,
			SpeechDebounce:   120 * time.Millisecond,
			SilenceDebounce:  600 * time.Millisecond,
			BargeIn:          "interrupt",
		},
		Tools: Tools{
			Timeout:         8 * time.Second,
			DisconnectGrace: 2 * time.Second,
			DrainTimeout:    5 * time.Second,
		},
		Weather: Weather{Latitude: 39.7392, Longitude: -104.9903},
		Vision:  Vision{Model: "gemini-2.0-flash"},
		Camera: Camera{
			Resolution:     "low",
			SnapshotDir:    "snapshots",
			SnapshotOnRing: true,
		},
		Webhook: Webhook{Host: "0.0.0.0", Port: 8080, RingRateLimit: 0.5, RingBurst: 3},
	}
}

// Load builds the configuration. dotenv may be empty to use ".env"; a
// missing .env file is not an error. yamlPath is optional.
func Load(dotenv, yamlPath string) (*Config, error) {
	if dotenv == "" {
		dotenv = ".env"
	}
	if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load %s: %w", dotenv, err)
	}

	cfg := Default()
	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", yamlPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", yamlPath, err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto c.
func (c *Config) ApplyEnv() error {
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")
	setString(&c.Timezone, "TIMEZONE")

	setString(&c.Voice.APIKey, "OPENAI_API_KEY")
	setString(&c.Voice.Model, "OPENAI_REALTIME_MODEL")
	setString(&c.Voice.Voice, "OPENAI_VOICE")

	setString(&c.Doorbell.URL, "DOORBELL_URL")
	setString(&c.Doorbell.Username, "DOORBELL_USERNAME")
	setString(&c.Doorbell.Password, "DOORBELL_PASSWORD")
	setString(&c.Camera.BaseURL, "DOORBELL_HTTP_URL")

	setString(&c.Weather.APIKey, "OPENWEATHER_API_KEY")
	setString(&c.Light.Address, "LED_IP")
	setString(&c.Vision.APIKey, "GOOGLE_API_KEY")
	setString(&c.Playback.Backchannel, "BACKCHANNEL")
	setString(&c.Turn.BargeIn, "BARGE_IN")
	setString(&c.Webhook.Host, "WEBHOOK_HOST")

	var errs []error
	errs = append(errs,
		setBool(&c.Features.Weather, "WEATHER"),
		setBool(&c.Features.LightControl, "LIGHT_CONTROL"),
		setBool(&c.Features.Vision, "VISION"),
		setInt(&c.Webhook.Port, "WEBHOOK_PORT"),
		setInt(&c.Audio.ChunkSize, "AUDIO_CHUNK_SIZE"),
		setFloat(&c.Weather.Latitude, "WEATHER_LAT"),
		setFloat(&c.Weather.Longitude, "WEATHER_LON"),
	)
	return errors.Join(errs...)
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Voice.APIKey == "" {
		return &ConfigError{Field: "Voice.APIKey", Message: "OPENAI_API_KEY environment variable is required"}
	}
	if c.Doorbell.URL == "" {
		return &ConfigError{Field: "Doorbell.URL", Message: "DOORBELL_URL environment variable is required"}
	}
	if !strings.HasPrefix(c.Doorbell.URL, "rtsp://") {
		return &ConfigError{Field: "Doorbell.URL", Message: "DOORBELL_URL must be an rtsp:// URL"}
	}
	if c.Features.Weather && c.Weather.APIKey == "" {
		return &ConfigError{Field: "Weather.APIKey", Message: "OPENWEATHER_API_KEY is required when WEATHER is enabled"}
	}
	if c.Features.LightControl && c.Light.Address == "" {
		return &ConfigError{Field: "Light.Address", Message: "LED_IP is required when LIGHT_CONTROL is enabled"}
	}
	if c.Features.Vision && c.Vision.APIKey == "" {
		return &ConfigError{Field: "Vision.APIKey", Message: "GOOGLE_API_KEY is required when VISION is enabled"}
	}
	if err := c.Audio.Validate(); err != nil {
		return &ConfigError{Field: "Audio", Message: "audio: " + err.Error()}
	}
	if c.Webhook.Port <= 0 || c.Webhook.Port > 65535 {
		return &ConfigError{Field: "Webhook.Port", Message: fmt.Sprintf("invalid webhook port %d", c.Webhook.Port)}
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return &ConfigError{Field: "Timezone", Message: fmt.Sprintf("unknown timezone %q", c.Timezone)}
	}
	return nil
}

// ListenAddr returns host:port for the webhook server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Webhook.Host, c.Webhook.Port)
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	switch strings.ToLower(v) {
	case "yes", "on":
		*dst = true
		return nil
	case "no", "off":
		*dst = false
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = b
	return nil
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = f
	return nil
}
