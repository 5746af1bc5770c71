package api

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/clawd-bridge/internal/openai"
)

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Token string // from env TOKEN; empty disables the check
}

// NewAuthMiddleware returns a Fiber middleware that validates the
// Authorization header against the configured bearer token.
func NewAuthMiddleware(cfg AuthConfig, logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if cfg.Token == "" {
			return c.Next()
		}

		token := bearerToken(c.Get(fiber.HeaderAuthorization))
		if subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Token)) == 1 {
			return c.Next()
		}

		logger.Warn().
			Str("path", c.Path()).
			Str("method", c.Method()).
			Bool("header_present", token != "").
			Msg("unauthorized request: invalid token")

		return errorResponse(c, fiber.StatusUnauthorized, "Unauthorized", openai.ErrorTypeAuthentication)
	}
}

// bearerToken strips an optional case-insensitive "Bearer " scheme.
func bearerToken(header string) string {
	h := strings.TrimSpace(header)
	if len(h) >= 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return h
}
