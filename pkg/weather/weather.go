// Package weather fetches current conditions from OpenWeatherMap.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/teslashibe/go-porter/internal/httpc"
)

const (
	DefaultBaseURL  = "https://api.openweathermap.org/data/2.5/weather"
	DefaultTimeout  = 10 * time.Second
	DefaultAttempts = 3
	DefaultBackoff  = 500 * time.Millisecond
)

// Denver is the default location.
var Denver = Location{Latitude: 39.7392, Longitude: -104.9903}

var compass = []string{
	"N", "NNE", "NE", "ENE", "E", "ESE", "SE", "SSE",
	"S", "SSW", "SW", "WSW", "W", "WNW", "NW", "NNW",
}

// Location is a point to report on.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate checks the coordinate ranges.
func (l Location) Validate() error {
	if math.IsNaN(l.Latitude) || l.Latitude < -90 || l.Latitude > 90 {
		return fmt.Errorf("weather: latitude %v out of range", l.Latitude)
	}
	if math.IsNaN(l.Longitude) || l.Longitude < -180 || l.Longitude > 180 {
		return fmt.Errorf("weather: longitude %v out of range", l.Longitude)
	}
	return nil
}

// Provider reports current weather.
type Provider interface {
	Current(ctx context.Context, loc Location) (*Record, error)
}

// Record is one observation in metric units.
type Record struct {
	Place       string  `json:"place"`
	Description string  `json:"description"`
	Temperature float64 `json:"temperature_c"`
	FeelsLike   float64 `json:"feels_like_c"`
	Humidity    int     `json:"humidity_pct"`

	WindSpeed     float64  `json:"wind_speed_kmh"`
	WindDirection string   `json:"wind_direction"`
	WindGust      *float64 `json:"wind_gust_kmh,omitempty"`

	Pressure   *float64 `json:"pressure_kpa,omitempty"`
	Visibility *float64 `json:"visibility_km,omitempty"`
	Clouds     *int     `json:"clouds_pct,omitempty"`
	Rain1h     *float64 `json:"rain_1h_mm,omitempty"`
	Snow1h     *float64 `json:"snow_1h_mm,omitempty"`

	Sunrise time.Time `json:"sunrise,omitzero"`
	Sunset  time.Time `json:"sunset,omitzero"`
}

// Summary renders the record as a sentence for the voice agent, followed by
// whatever extended fields are present.
func (r *Record) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current weather in %s: %s, temperature: %.0f°C (feels like %.0f°C), humidity: %d%%, wind: %.0f km/h %s",
		r.Place, r.Description, r.Temperature, r.FeelsLike, r.Humidity, r.WindSpeed, r.WindDirection)

	var ext []string
	if r.WindGust != nil {
		ext = append(ext, fmt.Sprintf("Wind gusts: %.0f km/h", *r.WindGust))
	}
	if r.Pressure != nil {
		ext = append(ext, fmt.Sprintf("Pressure: %.1f kPa", *r.Pressure))
	}
	if r.Visibility != nil {
		ext = append(ext, fmt.Sprintf("Visibility: %.1f km", *r.Visibility))
	}
	if r.Clouds != nil {
		ext = append(ext, fmt.Sprintf("Cloud cover: %d%%", *r.Clouds))
	}
	if !r.Sunrise.IsZero() {
		ext = append(ext, "Sunrise: "+r.Sunrise.Format("15:04"))
	}
	if !r.Sunset.IsZero() {
		ext = append(ext, "Sunset: "+r.Sunset.Format("15:04"))
	}
	if r.Rain1h != nil {
		ext = append(ext, fmt.Sprintf("Rain (last hour): %g mm", *r.Rain1h))
	}
	if r.Snow1h != nil {
		ext = append(ext, fmt.Sprintf("Snow (last hour): %g mm", *r.Snow1h))
	}

	if len(ext) > 0 {
		b.WriteString("\n\nExtended weather data:\n")
		b.WriteString(strings.Join(ext, "\n"))
	}
	return b.String()
}

// Config configures a Client.
type Config struct {
	APIKey   string
	BaseURL  string
	Timeout  time.Duration
	Attempts int
	Backoff  time.Duration
}

// Client is an OpenWeatherMap Provider.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// New creates a client.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("weather: OPENWEATHER_API_KEY not set")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   httpc.NewClient(cfg.Timeout),
		logger: logger.With("component", "weather"),
	}, nil
}

// Current fetches current conditions, retrying transient failures with
// exponential backoff.
func (c *Client) Current(ctx context.Context, loc Location) (*Record, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(loc.Latitude, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(loc.Longitude, 'f', -1, 64))
	q.Set("appid", c.cfg.APIKey)
	q.Set("units", "metric")
	u := c.cfg.BaseURL + "?" + q.Encode()

	c.logger.Info("fetching weather", "lat", loc.Latitude, "lon", loc.Longitude)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.Backoff
	eb.Multiplier = 2

	attempt := 0
	body, lastErr := backoff.Retry(ctx, func() ([]byte, error) {
		attempt++
		body, _, err := httpc.GetBytes(ctx, c.http, u)
		if err != nil && (ctx.Err() != nil || !retryable(err)) {
			return nil, backoff.Permanent(err)
		}
		return body, err
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(c.cfg.Attempts)),
		backoff.WithNotify(func(err error, delay time.Duration) {
			c.logger.Warn("weather request failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		}),
	)
	if lastErr == nil {
		return parse(body, loc)
	}

	var se *httpc.StatusError
	if errors.As(lastErr, &se) {
		var apiErr struct {
			Message string `json:"message"`
		}
		if json.Unmarshal([]byte(se.Body), &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("weather: %s (status %d)", apiErr.Message, se.StatusCode)
		}
	}
	return nil, fmt.Errorf("weather: request failed: %w", lastErr)
}

func retryable(err error) bool {
	var se *httpc.StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

type apiResponse struct {
	Name    string `json:"name"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
	Main struct {
		Temp      float64  `json:"temp"`
		FeelsLike float64  `json:"feels_like"`
		Humidity  int      `json:"humidity"`
		Pressure  *float64 `json:"pressure"`
	} `json:"main"`
	Wind struct {
		Speed float64  `json:"speed"`
		Deg   float64  `json:"deg"`
		Gust  *float64 `json:"gust"`
	} `json:"wind"`
	Visibility *float64 `json:"visibility"`
	Clouds     *struct {
		All *int `json:"all"`
	} `json:"clouds"`
	Rain *struct {
		OneHour *float64 `json:"1h"`
	} `json:"rain"`
	Snow *struct {
		OneHour *float64 `json:"1h"`
	} `json:"snow"`
	Sys struct {
		Sunrise int64 `json:"sunrise"`
		Sunset  int64 `json:"sunset"`
	} `json:"sys"`
	// Timezone is the UTC offset of the location in seconds.
	Timezone int `json:"timezone"`
}

const msToKMH = 3.6

func parse(body []byte, loc Location) (*Record, error) {
	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("weather: decode response: %w", err)
	}

	r := &Record{
		Place:         resp.Name,
		Temperature:   resp.Main.Temp,
		FeelsLike:     resp.Main.FeelsLike,
		Humidity:      resp.Main.Humidity,
		WindSpeed:     resp.Wind.Speed * msToKMH,
		WindDirection: Compass(resp.Wind.Deg),
	}
	if r.Place == "" {
		r.Place = fmt.Sprintf("coordinates (%g, %g)", loc.Latitude, loc.Longitude)
	}
	if len(resp.Weather) > 0 {
		r.Description = resp.Weather[0].Description
	}
	if resp.Wind.Gust != nil {
		g := *resp.Wind.Gust * msToKMH
		r.WindGust = &g
	}
	if resp.Main.Pressure != nil {
		p := math.Round(*resp.Main.Pressure) / 10 // hPa to kPa
		r.Pressure = &p
	}
	if resp.Visibility != nil {
		v := *resp.Visibility / 1000
		r.Visibility = &v
	}
	if resp.Clouds != nil {
		r.Clouds = resp.Clouds.All
	}
	if resp.Rain != nil {
		r.Rain1h = resp.Rain.OneHour
	}
	if resp.Snow != nil {
		r.Snow1h = resp.Snow.OneHour
	}

	zone := time.FixedZone("local", resp.Timezone)
	if resp.Sys.Sunrise > 0 {
		r.Sunrise = time.Unix(resp.Sys.Sunrise, 0).In(zone)
	}
	if resp.Sys.Sunset > 0 {
		r.Sunset = time.Unix(resp.Sys.Sunset, 0).In(zone)
	}
	return r, nil
}

// Compass maps a wind bearing in degrees to a 16-point compass direction.
func Compass(deg float64) string {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	i := int(math.Round(deg/(360.0/float64(len(compass))))) % len(compass)
	return compass[i]
}

var _ Provider = (*Client)(nil)
