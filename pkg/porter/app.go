// Package porter wires the doorbell porter together: the doorbell
// transport, the voice link, the tool set, the session manager and the
// webhook server.
package porter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/teslashibe/go-porter/internal/config"
	"github.com/teslashibe/go-porter/pkg/bridge"
	"github.com/teslashibe/go-porter/pkg/camera"
	"github.com/teslashibe/go-porter/pkg/conversation"
	"github.com/teslashibe/go-porter/pkg/doorbell"
	"github.com/teslashibe/go-porter/pkg/hub"
	"github.com/teslashibe/go-porter/pkg/light"
	"github.com/teslashibe/go-porter/pkg/session"
	"github.com/teslashibe/go-porter/pkg/tools"
	"github.com/teslashibe/go-porter/pkg/turn"
	"github.com/teslashibe/go-porter/pkg/vision"
	"github.com/teslashibe/go-porter/pkg/weather"
	"github.com/teslashibe/go-porter/pkg/web"
)

// ringSnapshotTimeout bounds the automatic snapshot taken on a ring.
const ringSnapshotTimeout = 5 * time.Second

// Option overrides a collaborator. Collaborators left unset are built from
// the configuration.
type Option func(*App)

// WithTransport sets the doorbell audio transport.
func WithTransport(t session.Transport) Option {
	return func(a *App) { a.transport = t }
}

// WithLinkFactory sets how voice links are created.
func WithLinkFactory(f session.LinkFactory) Option {
	return func(a *App) { a.link = f }
}

// WithCamera sets the snapshot camera.
func WithCamera(c Camera) Option {
	return func(a *App) { a.camera = c }
}

// WithVision sets the image describer.
func WithVision(d vision.Describer) Option {
	return func(a *App) { a.vision = d }
}

// WithWeather sets the weather provider.
func WithWeather(p weather.Provider) Option {
	return func(a *App) { a.weather = p }
}

// WithLight sets the light controller.
func WithLight(l light.Controller) Option {
	return func(a *App) { a.light = l }
}

// App is the porter process.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	zone   *time.Location

	transport session.Transport
	link      session.LinkFactory
	camera    Camera
	vision    vision.Describer
	weather   weather.Provider
	light     light.Controller

	features Features
	registry *tools.Registry
	events   *hub.Hub
	manager  *session.Manager
	server   *web.Server

	stopEvents context.CancelFunc
}

// New builds the app from cfg. ctx is only used while constructing clients.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	zone, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("porter: timezone: %w", err)
	}

	a := &App{
		cfg:    cfg,
		logger: logger,
		zone:   zone,
		features: Features{
			Weather: cfg.Features.Weather,
			Light:   cfg.Features.LightControl,
			Vision:  cfg.Features.Vision,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.initCollaborators(ctx); err != nil {
		return nil, err
	}

	a.registry, err = tools.NewRegistry(Tools(ToolsConfig{
		Features:    a.features,
		Camera:      a.camera,
		SnapshotDir: cfg.Camera.SnapshotDir,
		Vision:      a.vision,
		Weather:     a.weather,
		Location:    weather.Location{Latitude: cfg.Weather.Latitude, Longitude: cfg.Weather.Longitude},
		Light:       a.light,
		Zone:        zone,
		Logger:      logger,
	})...)
	if err != nil {
		return nil, err
	}

	a.events = hub.New("events", logger)
	if c, ok := a.camera.(*camera.Client); ok {
		c.OnSnapshot = func(s camera.Snapshot) { a.events.BroadcastBinary(s.Data) }
	}

	if a.transport == nil {
		strategy, err := doorbell.ParseStrategy(cfg.Playback.Backchannel)
		if err != nil {
			return nil, err
		}
		a.transport = doorbell.New(doorbell.Config{
			URL:         cfg.Doorbell.URL,
			Username:    cfg.Doorbell.Username,
			Password:    cfg.Doorbell.Password,
			ClientPort:  cfg.Doorbell.ClientPort,
			Keepalive:   cfg.Doorbell.KeepaliveInterval,
			Backchannel: strategy,
			FFmpegPath:  cfg.Doorbell.FFmpegPath,
			Audio:       cfg.Audio,
			Logger:      logger,
		})
	}
	if a.link == nil {
		a.link = a.newLink
	}

	playback := bridge.DefaultPlaybackConfig()
	playback.Latency = cfg.Playback.Latency
	playback.QueueSize = cfg.Playback.QueueSize

	a.manager, err = session.NewManager(session.Config{
		Transport: a.transport,
		Link:      a.link,
		Dispatcher: tools.NewDispatcher(a.registry, tools.DispatcherConfig{
			Timeout: cfg.Tools.Timeout,
			Logger:  logger,
		}),
		Turn: turn.Config{
			SilenceThreshold: cfg.Turn.SilenceThreshold,
			SpeechDebounce:   cfg.Turn.SpeechDebounce,
			SilenceDebounce:  cfg.Turn.SilenceDebounce,
			BargeIn:          turn.BargeInPolicy(cfg.Turn.BargeIn),
		},
		Playback:        playback,
		LinkBudget:      cfg.Voice.LinkTimeout,
		DisconnectGrace: cfg.Tools.DisconnectGrace,
		DrainTimeout:    cfg.Tools.DrainTimeout,
		Prompt:          a.ringPrompt,
		Publisher:       a.events,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	a.server = web.NewServer(web.Config{
		Addr:                 cfg.ListenAddr(),
		RingRateLimit:        cfg.Webhook.RingRateLimit,
		RingBurst:            cfg.Webhook.RingBurst,
		ManualToolsPerMinute: web.DefaultConfig().ManualToolsPerMinute,
		AccessLog:            cfg.LogLevel == "debug",
		Logger:               logger,
	}, a.manager, a.events)

	return a, nil
}

func (a *App) initCollaborators(ctx context.Context) error {
	cfg := a.cfg
	if a.camera == nil && cfg.Camera.BaseURL != "" {
		res, err := camera.ParseResolution(cfg.Camera.Resolution)
		if err != nil {
			return err
		}
		cc := camera.DefaultConfig()
		cc.BaseURL = cfg.Camera.BaseURL
		cc.Username = cfg.Doorbell.Username
		cc.Password = cfg.Doorbell.Password
		cc.Resolution = res
		cc.SnapshotDir = cfg.Camera.SnapshotDir
		c, err := camera.NewClient(cc, a.logger)
		if err != nil {
			return err
		}
		a.camera = c
	}
	if a.vision == nil && a.features.Vision {
		g, err := vision.NewGemini(ctx, cfg.Vision.APIKey, cfg.Vision.Model, a.logger)
		if err != nil {
			return err
		}
		a.vision = g
	}
	if a.weather == nil && a.features.Weather {
		w, err := weather.New(weather.Config{APIKey: cfg.Weather.APIKey}, a.logger)
		if err != nil {
			return err
		}
		a.weather = w
	}
	if a.light == nil && a.features.Light {
		l, err := light.NewMagicHome(cfg.Light.Address, a.logger)
		if err != nil {
			return err
		}
		a.light = l
	}
	return nil
}

// newLink opens an OpenAI realtime link for one call.
func (a *App) newLink(ctx context.Context, ev session.RingEvent) (conversation.Provider, error) {
	v := a.cfg.Voice
	return conversation.NewOpenAI(
		conversation.WithAPIKey(v.APIKey),
		conversation.WithModel(v.Model),
		conversation.WithVoice(v.Voice),
		conversation.WithTemperature(v.Temperature),
		conversation.WithTimeout(v.LinkTimeout),
		conversation.WithSystemPrompt(Instructions(a.features)),
		conversation.WithTools(a.registry.ConversationTools()...),
		conversation.WithTranscription(true),
		conversation.WithLogger(a.logger),
	)
}

// ringPrompt builds the first message of a call, taking a snapshot first
// when configured to.
func (a *App) ringPrompt(ctx context.Context, ev session.RingEvent) string {
	var note string
	if a.cfg.Camera.SnapshotOnRing && a.camera != nil {
		sctx, cancel := context.WithTimeout(ctx, ringSnapshotTimeout)
		snap, err := a.camera.Snapshot(sctx, camera.Resolution{})
		cancel()
		switch {
		case err != nil:
			a.logger.Warn("ring snapshot failed", "error", err)
		case snap.Path != "":
			note = snap.Path
		default:
			note = "in memory at " + snap.Resolution.String()
		}
	}
	return RingPrompt(ev, a.zone, note)
}

// Manager returns the session manager.
func (a *App) Manager() *session.Manager {
	return a.manager
}

// Server returns the webhook server.
func (a *App) Server() *web.Server {
	return a.server
}

// Events returns the dashboard hub.
func (a *App) Events() *hub.Hub {
	return a.events
}

// Registry returns the tool registry.
func (a *App) Registry() *tools.Registry {
	return a.registry
}

// Run starts the event hub and the webhook server and blocks until ctx is
// cancelled or the server fails. It shuts everything down before returning.
func (a *App) Run(ctx context.Context) error {
	hubCtx, cancel := context.WithCancel(context.Background())
	a.stopEvents = cancel
	go a.events.Run(hubCtx)

	errc := a.server.StartAsync()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-errc:
		if ok {
			runErr = err
		}
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	return errors.Join(runErr, a.Shutdown(shutdownCtx))
}

// Shutdown ends the call in progress and stops the server and hub.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("web: %w", err))
	}
	if err := a.manager.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("session: %w", err))
	}
	if a.stopEvents != nil {
		a.stopEvents()
	}
	return errors.Join(errs...)
}
