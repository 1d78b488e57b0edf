package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/medstore/internal/domain/record"
	"github.com/ehr/medstore/internal/platform/auth"
	"github.com/ehr/medstore/internal/platform/db"
	"github.com/ehr/medstore/internal/platform/metrics"
	"github.com/ehr/medstore/internal/platform/middleware"
)

const Version = "0.1.0"

// ServerConfig wires the optional parts of the HTTP server.
type ServerConfig struct {
	// Dev assigns the dev identity to requests without a token.
	Dev bool
	JWT auth.JWTConfig
	// Metrics is served at /metrics when set.
	Metrics *metrics.Metrics
	// AuditBackend names the audit sink reported by /health/ready.
	AuditBackend string
	// Ready is pinged by /health/ready; nil reports ready.
	Ready db.Pinger
	// Now overrides the clock used for portal ages.
	Now func() time.Time
}

func NewServer(store *record.Store, cfg ServerConfig, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = ErrorHandler

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())

	if cfg.Dev {
		e.Use(auth.DevAuthMiddleware(cfg.JWT))
	} else {
		e.Use(auth.JWTMiddleware(cfg.JWT))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": Version,
		})
	})
	if cfg.Ready != nil {
		e.GET("/health/ready", db.HealthHandler(cfg.AuditBackend, cfg.Ready))
	} else {
		e.GET("/health/ready", func(c echo.Context) error {
			return c.JSON(http.StatusOK, map[string]string{
				"status":  "healthy",
				"backend": cfg.AuditBackend,
			})
		})
	}
	if cfg.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(cfg.Metrics.Handler()))
	}

	h := NewHandler(store, logger)
	if cfg.Now != nil {
		h.now = cfg.Now
	}
	h.RegisterRoutes(e.Group("/api/v1"))
	h.RegisterPortalRoutes(e.Group(""))

	return e
}
