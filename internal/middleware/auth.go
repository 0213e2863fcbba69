package middleware

import (
	"net/http"
	"strings"

	"github.com/0097eo/cafe-zuko/internal/model"
	"github.com/0097eo/cafe-zuko/internal/service"
	"github.com/0097eo/cafe-zuko/pkg/jwtutil"
	"github.com/0097eo/cafe-zuko/pkg/logger"
	"github.com/0097eo/cafe-zuko/prometheus"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const actorKey = "actor"

// TokenValidator checks access tokens
type TokenValidator interface {
	ValidateAccessToken(token string) (*jwtutil.UserClaims, error)
}

// Auth rejects requests without a valid access token
func Auth(tokens TokenValidator) echo.MiddlewareFunc {
	return authenticate(tokens, true)
}

// OptionalAuth attaches the caller when a token is sent and lets anonymous
// requests through. A token that is sent but invalid is still rejected.
func OptionalAuth(tokens TokenValidator) echo.MiddlewareFunc {
	return authenticate(tokens, false)
}

func authenticate(tokens TokenValidator, required bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			log := logger.FromEcho(c)

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				if !required {
					return next(c)
				}
				log.Warn("Missing Authorization header")
				prometheus.RecordAuthError("missing_token")
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication credentials were not provided"})
			}

			parts := strings.Fields(authHeader)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				log.Warn("Invalid Authorization header format")
				prometheus.RecordAuthError("invalid_auth_format")
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid authorization format, expected Bearer token"})
			}

			claims, err := tokens.ValidateAccessToken(parts[1])
			if err != nil {
				log.Warn("Invalid JWT token", zap.Error(err))
				prometheus.RecordAuthError("invalid_token")
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid or expired token"})
			}

			actor := service.Actor{
				UserID:  claims.UserID,
				Role:    model.Role(claims.Role),
				IsStaff: claims.IsStaff,
			}
			c.Set(actorKey, actor)
			logger.Bind(c, log.With(zap.Uint("user_id", actor.UserID)))
			return next(c)
		}
	}
}

// ActorFrom returns the authenticated caller, or the zero Actor for
// anonymous requests
func ActorFrom(c echo.Context) service.Actor {
	actor, _ := c.Get(actorKey).(service.Actor)
	return actor
}
