package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/token-service/internal/api/http/handlers"
	"github.com/spec-kit/token-service/internal/auth"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Session        *handlers.SessionHandler
	AuthMiddleware *auth.AuthMiddleware
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	app.Get("/health/metrics", cfg.Health.Metrics)

	authGroup := app.Group("/auth", cfg.AuthMiddleware.Handle, auth.RequireRole())
	authGroup.Get("/session", cfg.Session.Current)
}
