package mgmt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/roomsync/internal/engine"
	"github.com/p-blackswan/roomsync/internal/health"
	"github.com/p-blackswan/roomsync/internal/metrics"
	"github.com/p-blackswan/roomsync/internal/requestid"
)

// ServerConfig holds configuration for the management API server.
type ServerConfig struct {
	ListenAddr    string
	AuthConfig    AuthConfig
	RateLimit     RateLimitConfig
	CORSOrigins   string
	DefaultTimer  time.Duration // used when the category policy has no timer
	DefaultSnooze time.Duration
	Policy        engine.TimerPolicy // per-category start durations
}

// Server is the management API Fiber application.
type Server struct {
	app     *fiber.App
	logger  zerolog.Logger
	config  ServerConfig
	metrics *metrics.Metrics
}

// NewServer creates and configures a new management API server.
func NewServer(
	cfg ServerConfig,
	eng Engine,
	rollover RolloverChecker,
	checker *health.Checker,
	metricsCollector *metrics.Metrics,
	logger zerolog.Logger,
) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	handlers := NewHandlers(eng, rollover, cfg, logger)

	s := &Server{
		app:     app,
		logger:  logger.With().Str("component", "mgmt_server").Logger(),
		config:  cfg,
		metrics: metricsCollector,
	}

	s.setupMiddleware(cfg, logger)
	s.setupRoutes(handlers, checker, metricsCollector)

	return s
}

func (s *Server) setupMiddleware(cfg ServerConfig, logger zerolog.Logger) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Request ID middleware; the ID travels to the engine in the user context.
	s.app.Use(func(c *fiber.Ctx) error {
		ctx := c.UserContext()
		reqID := c.Get(requestid.Header)
		if reqID != "" {
			ctx = requestid.WithRequestID(ctx, reqID)
		} else {
			ctx, reqID = requestid.New(ctx)
		}
		c.SetUserContext(ctx)
		c.Set(requestid.Header, reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})

	if cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
			AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
		}))
	}

	if cfg.RateLimit.RPS > 0 {
		s.app.Use(NewRateLimitMiddleware(cfg.RateLimit))
	}

	s.app.Use(NewAuthMiddleware(cfg.AuthConfig, logger))

	// Audit and request metrics
	s.app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		if isProbe(path) {
			return c.Next()
		}

		logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Str("ip", c.IP()).
			Str("request_id", fmt.Sprintf("%v", c.Locals("request_id"))).
			Msg("mgmt api request")

		err := c.Next()
		status := c.Response().StatusCode()
		if err != nil {
			status = fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			}
		}
		s.metrics.RecordAPIRequest(c.Route().Path, strconv.Itoa(status))
		return err
	})
}

func (s *Server) setupRoutes(h *Handlers, checker *health.Checker, metricsCollector *metrics.Metrics) {
	s.app.Get("/healthz", adaptor.HTTPHandlerFunc(health.LivenessHandler()))
	s.app.Get("/readyz", adaptor.HTTPHandlerFunc(checker.ReadinessHandler()))

	if metricsCollector != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(metricsCollector.Handler()))
	} else {
		s.app.Get("/metrics", func(c *fiber.Ctx) error {
			return c.SendString("# No metrics collector configured\n")
		})
	}

	v1 := s.app.Group("/api/v1")

	// Read model
	v1.Get("/state", h.GetState)
	v1.Get("/cycles/current", h.CurrentCycle)

	// Cycles and their contents
	v1.Put("/cycles/:id", requireRole(RoleOperator), h.PutCycle)
	v1.Delete("/cycles/:id", requireRole(RoleAdmin), h.DeleteCycle)
	v1.Put("/cycles/:cycle/items/:id", requireRole(RoleOperator), h.PutItem)
	v1.Delete("/cycles/:cycle/items/:id", requireRole(RoleOperator), h.DeleteItem)
	v1.Get("/cycles/:cycle/groups/:id", h.GetGroup)
	v1.Put("/cycles/:cycle/groups/:id", requireRole(RoleOperator), h.PutGroup)
	v1.Delete("/cycles/:cycle/groups/:id", requireRole(RoleOperator), h.DeleteGroup)
	v1.Post("/cycles/:cycle/groups/:id/complete", requireRole(RoleOperator), h.CompleteGroup)
	v1.Post("/cycles/:cycle/events", requireRole(RoleOperator), h.LogEvent)
	v1.Delete("/cycles/:cycle/events/:item/:day", requireRole(RoleOperator), h.UnlogEvent)
	v1.Put("/cycles/:cycle/collapsed/categories/:category", requireRole(RoleOperator), h.CollapseCategory)
	v1.Put("/cycles/:cycle/collapsed/groups/:id", requireRole(RoleOperator), h.CollapseGroup)

	// Units
	v1.Put("/units/:id", requireRole(RoleOperator), h.PutUnit)
	v1.Delete("/units/:id", requireRole(RoleOperator), h.DeleteUnit)

	// Shared timer
	v1.Get("/timer", h.GetTimer)
	v1.Post("/timer/start", requireRole(RoleOperator), h.StartTimer)
	v1.Post("/timer/stop", requireRole(RoleOperator), h.StopTimer)
	v1.Post("/timer/snooze", requireRole(RoleOperator), h.SnoozeTimer)
	v1.Post("/timer/dismiss", requireRole(RoleOperator), h.DismissTimer)

	// Sync control
	v1.Get("/sync", h.SyncStatus)
	v1.Post("/sync/resync", requireRole(RoleOperator), h.Resync)
	v1.Post("/rollover", requireRole(RoleAdmin), h.Rollover)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = "127.0.0.1:8090"
	}

	s.logger.Info().Str("addr", addr).Msg("management API server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("management API server shutting down")
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		detail := err.Error()
		if code == fiber.StatusInternalServerError {
			detail = "An internal error occurred"
		}

		return c.Status(code).JSON(ProblemDetail{
			Type:     "internal_error",
			Title:    "Internal Server Error",
			Status:   code,
			Detail:   detail,
			Instance: c.Path(),
		})
	}
}
