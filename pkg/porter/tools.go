package porter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/teslashibe/go-porter/pkg/camera"
	"github.com/teslashibe/go-porter/pkg/light"
	"github.com/teslashibe/go-porter/pkg/protocol"
	"github.com/teslashibe/go-porter/pkg/tools"
	"github.com/teslashibe/go-porter/pkg/vision"
	"github.com/teslashibe/go-porter/pkg/weather"
)

// ErrFeatureDisabled is returned by tools whose feature flag is off.
var ErrFeatureDisabled = errors.New("porter: feature disabled")

// ErrNoCamera is returned by the snapshot tools when no camera is set up.
var ErrNoCamera = errors.New("porter: camera not configured")

// Camera takes snapshots and remembers the last one.
type Camera interface {
	camera.Snapshotter
	Latest() (camera.Snapshot, error)
}

// Features toggles the optional tools.
type Features struct {
	Weather bool
	Light   bool
	Vision  bool
}

// ToolsConfig holds the collaborators behind the tools. A nil collaborator
// behaves like a disabled feature.
type ToolsConfig struct {
	Features Features

	Camera      Camera
	SnapshotDir string
	Vision      vision.Describer
	Weather     weather.Provider
	Location    weather.Location
	Light       light.Controller

	// Zone is used by get_datetime. Defaults to time.Local.
	Zone *time.Location
	Now  func() time.Time

	Logger *slog.Logger
}

// Tools returns the full porter tool set, in registration order.
func Tools(cfg ToolsConfig) []tools.Tool {
	if cfg.Zone == nil {
		cfg.Zone = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Location == (weather.Location{}) {
		cfg.Location = weather.Denver
	}
	logger := cfg.Logger.With("component", "porter.tools")

	return []tools.Tool{
		tools.ConnectVoice(),
		tools.DisconnectVoice(),
		&tools.Func{
			Name:        protocol.ToolTakeSnapshot,
			Description: "Take a snapshot from the doorbell camera. The snapshot is analyzed automatically when vision is available.",
			Parameters: tools.Object(map[string]any{
				"resolution": map[string]any{
					"type":        "string",
					"description": "Optional resolution: low, hd, full or WIDTHxHEIGHT (e.g. 640x480)",
				},
			}),
			Handler: func(ctx context.Context, call tools.Call) (any, error) {
				if cfg.Camera == nil {
					return nil, ErrNoCamera
				}
				res, err := camera.ParseResolution(call.String("resolution", ""))
				if err != nil {
					return nil, err
				}
				snap, err := cfg.Camera.Snapshot(ctx, res)
				if err != nil {
					return nil, err
				}

				head := "Snapshot taken at " + snap.Resolution.String()
				if snap.Path != "" {
					head = "Snapshot saved to " + snap.Path
				}
				if !cfg.Features.Vision || cfg.Vision == nil {
					return head, nil
				}
				analysis, err := cfg.Vision.Describe(ctx, snap.Data, "")
				if err != nil {
					logger.Warn("snapshot analysis failed", "error", err)
					return fmt.Sprintf("%s\n\nError analyzing image: %v", head, err), nil
				}
				return fmt.Sprintf("%s\n\nAnalysis: %s", head, analysis), nil
			},
		},
		&tools.Func{
			Name:        protocol.ToolAnalyzeSnapshot,
			Description: "Analyze a doorbell camera snapshot with the vision model. Uses the latest snapshot when no path is given.",
			Parameters: tools.Object(map[string]any{
				"image_path": map[string]any{
					"type":        "string",
					"description": "Path of a saved snapshot",
				},
				"prompt": map[string]any{
					"type":        "string",
					"description": "Optional custom prompt for analysis",
				},
			}),
			Handler: func(ctx context.Context, call tools.Call) (any, error) {
				if !cfg.Features.Vision || cfg.Vision == nil {
					return nil, ErrFeatureDisabled
				}
				data, err := loadSnapshot(cfg, call.String("image_path", ""))
				if err != nil {
					return nil, err
				}
				return cfg.Vision.Describe(ctx, data, call.String("prompt", ""))
			},
		},
		&tools.Func{
			Name:        protocol.ToolGetWeather,
			Description: "Get current weather information. Uses the default location if coordinates are not provided.",
			Parameters: tools.Object(map[string]any{
				"lat": map[string]any{
					"type":        "number",
					"description": "Optional latitude coordinate",
					"minimum":     -90,
					"maximum":     90,
				},
				"lon": map[string]any{
					"type":        "number",
					"description": "Optional longitude coordinate",
					"minimum":     -180,
					"maximum":     180,
				},
			}),
			Handler: func(ctx context.Context, call tools.Call) (any, error) {
				if !cfg.Features.Weather || cfg.Weather == nil {
					return nil, ErrFeatureDisabled
				}
				loc := weather.Location{
					Latitude:  call.Float("lat", cfg.Location.Latitude),
					Longitude: call.Float("lon", cfg.Location.Longitude),
				}
				rec, err := cfg.Weather.Current(ctx, loc)
				if err != nil {
					return nil, err
				}
				return rec.Summary(), nil
			},
		},
		&tools.Func{
			Name:        protocol.ToolTurnLightOn,
			Description: "Turn on the porch light. Useful when it's dark and someone is at the door.",
			Parameters:  tools.Object(nil),
			Handler: func(ctx context.Context, call tools.Call) (any, error) {
				if !cfg.Features.Light || cfg.Light == nil {
					return nil, ErrFeatureDisabled
				}
				if err := cfg.Light.TurnOn(ctx); err != nil {
					return nil, err
				}
				return "Light turned on", nil
			},
		},
		&tools.Func{
			Name:        protocol.ToolTurnLightOff,
			Description: "Turn off the porch light when it's no longer needed.",
			Parameters:  tools.Object(nil),
			Handler: func(ctx context.Context, call tools.Call) (any, error) {
				if !cfg.Features.Light || cfg.Light == nil {
					return nil, ErrFeatureDisabled
				}
				if err := cfg.Light.TurnOff(ctx); err != nil {
					return nil, err
				}
				return "Light turned off", nil
			},
		},
		&tools.Func{
			Name:        protocol.ToolGetDatetime,
			Description: "Get the current local date and time",
			Parameters: tools.Object(map[string]any{
				"format": tools.Enum("Optional format: 'time' for time only, 'date' for date only, or 'full' for both", "time", "date", "full"),
			}),
			Handler: func(ctx context.Context, call tools.Call) (any, error) {
				return FormatDatetime(cfg.Now().In(cfg.Zone), call.String("format", "full")), nil
			},
		},
	}
}

// FormatDatetime renders now for the voice agent.
func FormatDatetime(now time.Time, format string) string {
	switch format {
	case "time":
		return "The current time is " + now.Format("03:04 PM")
	case "date":
		return "Today's date is " + now.Format("Monday, January 02, 2006")
	default:
		return "It is " + now.Format("Monday, January 02, 2006 at 03:04 PM")
	}
}

// loadSnapshot returns the latest snapshot, or a saved one by name. Only
// files inside the snapshot directory are read.
func loadSnapshot(cfg ToolsConfig, path string) ([]byte, error) {
	if cfg.Camera != nil {
		if latest, err := cfg.Camera.Latest(); err == nil && (path == "" || path == latest.Path) {
			return latest.Data, nil
		}
	}
	if path == "" {
		if cfg.Camera == nil {
			return nil, ErrNoCamera
		}
		return nil, camera.ErrNoSnapshot
	}
	if cfg.SnapshotDir == "" {
		return nil, fmt.Errorf("porter: snapshot %s not found", path)
	}
	data, err := os.ReadFile(filepath.Join(cfg.SnapshotDir, filepath.Base(path)))
	if err != nil {
		return nil, fmt.Errorf("porter: read snapshot: %w", err)
	}
	return data, nil
}
