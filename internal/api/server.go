// Package api serves the OpenAI-compatible HTTP surface of the bridge.
package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/clawd-bridge/internal/bridge"
	"github.com/p-blackswan/clawd-bridge/internal/health"
	"github.com/p-blackswan/clawd-bridge/internal/metrics"
	"github.com/p-blackswan/clawd-bridge/internal/openai"
	"github.com/p-blackswan/clawd-bridge/internal/requestid"
)

// Gateway is the part of bridge.Client the handlers use.
type Gateway interface {
	Ask(ctx context.Context, prompt, sessionKey string) (string, error)
	AskStream(ctx context.Context, prompt, sessionKey string) *bridge.Stream
}

// Sessions resolves caller ids to gateway chat sessions.
type Sessions interface {
	GetOrCreate(ctx context.Context, clientID string) (string, error)
	Renew(ctx context.Context, clientID string) (string, error)
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	ListenAddr  string
	Token       string
	ModelName   string
	RateLimit   RateLimitConfig
	CORSOrigins string
}

// Server is the API Fiber application.
type Server struct {
	app     *fiber.App
	logger  zerolog.Logger
	config  ServerConfig
	limiter *rateLimiter // nil when rate limiting is off
}

// NewServer creates and configures the API server.
func NewServer(
	cfg ServerConfig,
	gateway Gateway,
	sessions Sessions,
	checker *health.Checker,
	metricsCollector *metrics.Metrics,
	logger zerolog.Logger,
) *Server {
	if cfg.ModelName == "" {
		cfg.ModelName = "clawd"
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	handlers := NewHandlers(cfg.ModelName, gateway, sessions, checker, metricsCollector, logger)

	s := &Server{
		app:    app,
		logger: logger.With().Str("component", "api_server").Logger(),
		config: cfg,
	}

	s.setupMiddleware(cfg, logger)
	s.setupRoutes(cfg, handlers, metricsCollector, logger)

	return s
}

func (s *Server) setupMiddleware(cfg ServerConfig, logger zerolog.Logger) {
	// Recovery middleware
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Request ID middleware
	s.app.Use(func(c *fiber.Ctx) error {
		ctx, reqID := requestid.Adopt(c.UserContext(), c.Get(requestid.Header))
		c.SetUserContext(ctx)
		c.Set(requestid.Header, reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})

	// CORS middleware
	if cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
			AllowMethods: "GET, POST, OPTIONS",
		}))
	}

	// Rate limiter
	if cfg.RateLimit.RPS > 0 {
		s.limiter = newRateLimiter(cfg.RateLimit)
		s.limiter.start(sweepInterval)
		s.app.Use(s.limiter.Handler())
	}

	// Access log
	s.app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		// Skip noisy health check logging
		if isHealthPath(path) {
			return c.Next()
		}

		logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Str("ip", c.IP()).
			Str("request_id", fmt.Sprintf("%v", c.Locals("request_id"))).
			Msg("api request")

		return c.Next()
	})
}

func (s *Server) setupRoutes(cfg ServerConfig, h *Handlers, metricsCollector *metrics.Metrics, logger zerolog.Logger) {
	// Health endpoints
	s.app.Get("/healthz", h.Liveness)
	s.app.Get("/readyz", h.Readiness)
	s.app.Get("/metrics", adaptor.HTTPHandler(metricsCollector.Handler()))

	v1 := s.app.Group("/v1")
	v1.Get("/models", h.Models)
	v1.Post("/chat/completions", NewAuthMiddleware(AuthConfig{Token: cfg.Token}, logger), h.ChatCompletions)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":3000"
	}

	s.logger.Info().Str("addr", addr).Msg("api server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("api server shutting down")
	err := s.app.ShutdownWithContext(ctx)
	if s.limiter != nil {
		s.limiter.Stop()
	}
	return err
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func isHealthPath(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics"
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		msg := err.Error()
		errType := openai.ErrorTypeInvalidRequest
		if code >= fiber.StatusInternalServerError {
			logger.Error().
				Err(err).
				Int("status", code).
				Str("path", c.Path()).
				Str("method", c.Method()).
				Msg("unhandled error")
			// Don't leak internal details
			msg = "An internal error occurred"
			errType = openai.ErrorTypeServer
		}

		return errorResponse(c, code, msg, errType)
	}
}

func errorResponse(c *fiber.Ctx, status int, message, errType string) error {
	return c.Status(status).JSON(openai.NewError(message, errType))
}
