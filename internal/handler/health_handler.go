package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/0097eo/cafe-zuko/pkg/logger"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// HealthCheck reports whether the service can reach its database
func HealthCheck(db *gorm.DB, serviceName string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()

		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			logger.FromEcho(c).Error("Health check failed", zap.Error(err))
			return c.JSON(http.StatusServiceUnavailable, echo.Map{
				"status":  "unhealthy",
				"service": serviceName,
			})
		}
		return c.JSON(http.StatusOK, echo.Map{
			"status":  "healthy",
			"service": serviceName,
		})
	}
}
