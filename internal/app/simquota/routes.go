// Package simquota предоставляет маршруты для основного приложения.
package simquota

import (
	"log/slog"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/magabrotheeeer/simulation-quota/internal/config"
	"github.com/magabrotheeeer/simulation-quota/internal/http/handlers/admin/duplicates"
	"github.com/magabrotheeeer/simulation-quota/internal/http/handlers/admin/syncrun"
	"github.com/magabrotheeeer/simulation-quota/internal/http/handlers/auth/login"
	"github.com/magabrotheeeer/simulation-quota/internal/http/handlers/auth/register"
	"github.com/magabrotheeeer/simulation-quota/internal/http/handlers/billingwebhook"
	"github.com/magabrotheeeer/simulation-quota/internal/http/handlers/health"
	"github.com/magabrotheeeer/simulation-quota/internal/http/handlers/quota/check"
	"github.com/magabrotheeeer/simulation-quota/internal/http/handlers/quota/status"
	"github.com/magabrotheeeer/simulation-quota/internal/http/middlewarectx"
	authservice "github.com/magabrotheeeer/simulation-quota/internal/services/auth"
	quotaservice "github.com/magabrotheeeer/simulation-quota/internal/services/quota"
	syncservice "github.com/magabrotheeeer/simulation-quota/internal/services/sync"
	webhookservice "github.com/magabrotheeeer/simulation-quota/internal/services/webhook"
	"github.com/magabrotheeeer/simulation-quota/internal/storage/repository"
)

// RegisterRoutes регистрирует все маршруты приложения.
func RegisterRoutes(r chi.Router, logger *slog.Logger, cfg *config.Config, db *repository.Storage,
	authService *authservice.Service, quotaService *quotaservice.Service,
	webhookService *webhookservice.Service, syncService *syncservice.Service) {
	// Глобальные middleware
	r.Use(
		middleware.RequestID,
		middleware.Logger,
		middleware.Recoverer,
		middleware.URLFormat,
	)

	r.Route("/api/v1", func(r chi.Router) {
		// Открытые конечные точки
		r.Post("/register", register.New(logger, authService).ServeHTTP)
		r.Post("/login", login.New(logger, authService).ServeHTTP)

		// Группа с JWT аутентификацией
		r.Group(func(r chi.Router) {
			r.Use(middlewarectx.JWTMiddleware(authService, logger))
			r.Use(middlewarectx.RateLimitMiddleware(logger))
			r.Post("/quota/check", check.New(logger, quotaService).ServeHTTP)
			r.Get("/quota", status.New(logger, quotaService).ServeHTTP)

			// Операторские конечные точки
			r.Group(func(r chi.Router) {
				r.Use(middlewarectx.AdminOnlyMiddleware(logger))
				r.Post("/admin/sync", syncrun.New(logger, syncService).ServeHTTP)
				r.Get("/admin/duplicates", duplicates.New(logger, syncService).ServeHTTP)
			})
		})

		// Webhook endpoint (подпись вместо JWT)
		r.Post("/billing/webhook", billingwebhook.New(logger, webhookService, cfg.WebhookSecret).ServeHTTP)
	})

	r.Get("/health", health.New(logger, db).ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())
	// Swagger docs endpoint
	r.Get("/docs/*", httpSwagger.WrapHandler)
}
