// Package web serves the doorbell webhook and the porter dashboard API.
package web

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"golang.org/x/time/rate"

	"github.com/teslashibe/go-porter/internal/metrics"
	"github.com/teslashibe/go-porter/pkg/hub"
	"github.com/teslashibe/go-porter/pkg/protocol"
	"github.com/teslashibe/go-porter/pkg/session"
	"github.com/teslashibe/go-porter/pkg/tools"
)

// Backend is what the server drives. *session.Manager implements it.
type Backend interface {
	NotifyRing(ctx context.Context, ev session.RingEvent) (session.Decision, error)
	Status() session.Status
	Dispatch(ctx context.Context, req protocol.ToolCallRequest) protocol.ToolCallResult
	Tools() []tools.Definition
}

// Config configures the server.
type Config struct {
	Addr string

	// RingRateLimit is the sustained rings per second accepted from the
	// doorbell; zero disables the limit.
	RingRateLimit float64
	RingBurst     int

	// ManualToolsPerMinute caps POST /api/tools/:name per client IP.
	ManualToolsPerMinute int

	// AccessLog enables per-request logging.
	AccessLog bool

	Logger *slog.Logger
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Addr:                 "0.0.0.0:8080",
		RingRateLimit:        0.5,
		RingBurst:            3,
		ManualToolsPerMinute: 30,
	}
}

// Server is the webhook and dashboard server
type Server struct {
	app     *fiber.App
	cfg     Config
	backend Backend
	events  *hub.Hub
	rings   *rate.Limiter
	logger  *slog.Logger
}

// NewServer creates the server. events may be nil, in which case
// /ws/events is not mounted.
func NewServer(cfg Config, backend Backend, events *hub.Hub) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.RingRateLimit > 0 {
		limit = rate.Limit(cfg.RingRateLimit)
	}
	if cfg.RingBurst <= 0 {
		cfg.RingBurst = 1
	}

	s := &Server{
		cfg:     cfg,
		backend: backend,
		events:  events,
		rings:   rate.NewLimiter(limit, cfg.RingBurst),
		logger:  cfg.Logger.With("component", "web"),
	}

	app := fiber.New(fiber.Config{
		AppName:               "go-porter",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})

	app.Use(recover.New())
	if cfg.AccessLog {
		app.Use(logger.New())
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))

	app.Get("/health", s.handleHealth)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	// Doorbells differ in which method they use for alarm callbacks
	app.Post("/doorbell", s.handleRing)
	app.Get("/doorbell", s.handleRing)

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/tools", s.handleListTools)

	manual := []fiber.Handler{s.handleTriggerTool}
	if cfg.ManualToolsPerMinute > 0 {
		manual = append([]fiber.Handler{limiter.New(limiter.Config{
			Max:        cfg.ManualToolsPerMinute,
			Expiration: time.Minute,
		})}, manual...)
	}
	api.Post("/tools/:name", manual...)

	if events != nil {
		app.Use("/ws", hub.UpgradeRequired)
		app.Get("/ws/events", events.Handler())
	}

	s.app = app
	return s
}

// App exposes the fiber app, mostly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start listens on the configured address and blocks.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.cfg.Addr)
	return s.app.Listen(s.cfg.Addr)
}

// StartAsync starts the server in a goroutine. The returned channel
// receives the listen error, if any.
func (s *Server) StartAsync() <-chan error {
	errc := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil {
			s.logger.Error("web server stopped", "error", err)
			errc <- err
		}
		close(errc)
	}()
	return errc
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
