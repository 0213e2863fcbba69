package middleware

import (
	"github.com/0097eo/cafe-zuko/pkg/logger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// RequestIDMiddleware tags each request with an id, reusing the caller's
// X-Request-ID when present, and binds a logger carrying it
func RequestIDMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		requestID := c.Request().Header.Get(logger.RequestIDKey)
		if requestID == "" {
			requestID = uuid.New().String()
			c.Request().Header.Set(logger.RequestIDKey, requestID)
		}
		c.Response().Header().Set(logger.RequestIDKey, requestID)
		c.Set("request_id", requestID)

		logger.Bind(c, logger.GetLogger().With(zap.String("request_id", requestID)))
		return next(c)
	}
}
