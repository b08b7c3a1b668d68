// Package simquota собирает HTTP-сервис квот симуляций: хранилище,
// кэш, сервисы, публикацию billing-событий и маршруты.
package simquota

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"

	"github.com/magabrotheeeer/simulation-quota/internal/billingprovider"
	"github.com/magabrotheeeer/simulation-quota/internal/cache"
	"github.com/magabrotheeeer/simulation-quota/internal/config"
	"github.com/magabrotheeeer/simulation-quota/internal/lib/jwt"
	"github.com/magabrotheeeer/simulation-quota/internal/lib/sl"
	"github.com/magabrotheeeer/simulation-quota/internal/migrations"
	"github.com/magabrotheeeer/simulation-quota/internal/rabbitmq"
	authservice "github.com/magabrotheeeer/simulation-quota/internal/services/auth"
	quotaservice "github.com/magabrotheeeer/simulation-quota/internal/services/quota"
	syncservice "github.com/magabrotheeeer/simulation-quota/internal/services/sync"
	webhookservice "github.com/magabrotheeeer/simulation-quota/internal/services/webhook"
	"github.com/magabrotheeeer/simulation-quota/internal/storage/repository"
)

// App инкапсулирует HTTP-сервер и ресурсы, которые нужно закрыть при остановке.
type App struct {
	server *http.Server
	logger *slog.Logger
	db     *repository.Storage
}

// New собирает приложение: подключает PostgreSQL, прогоняет миграции,
// инициализирует Redis, RabbitMQ (необязателен) и регистрирует маршруты.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := repository.New(cfg.StorageConnectionString)
	if err != nil {
		return nil, err
	}
	if err = migrations.Run(db.DB, "./migrations"); err != nil {
		return nil, err
	}

	cacheRedis, err := cache.InitServer(ctx, cfg.RedisConnection)
	if err != nil {
		return nil, err
	}

	// Публикация billing-событий не критична для корректности квоты:
	// без RabbitMQ сервис работает, уведомления не отправляются.
	var publisher webhookservice.Publisher
	conn, err := rabbitmq.Connect(cfg.RabbitMQURL, cfg.RabbitMQMaxRetries, cfg.RabbitMQRetryDelay)
	if err != nil {
		logger.Warn("rabbitmq unavailable, billing events disabled", sl.Err(err))
	} else {
		ch, chErr := rabbitmq.SetupChannel(conn, rabbitmq.GetBillingQueues())
		if chErr != nil {
			logger.Warn("rabbitmq channel setup failed, billing events disabled", sl.Err(chErr))
		} else {
			publisher = rabbitmq.NewBillingPublisher(ch)
		}
	}

	jwtMaker := jwt.NewJWTMaker(cfg.JWTSecretKey, cfg.TokenTTL)
	providerClient := billingprovider.NewClient(cfg.APIURL, cfg.APIKey, cfg.RequestTimeout)

	authService := authservice.New(db, jwtMaker)
	quotaService := quotaservice.New(db, cacheRedis, logger)
	webhookService := webhookservice.New(db, publisher, logger)
	syncService := syncservice.New(db, providerClient, logger, cfg.RequestTimeout)

	router := chi.NewRouter()
	RegisterRoutes(router, logger, cfg, db, authService, quotaService, webhookService, syncService)

	srv := &http.Server{
		Addr:         cfg.AddressHTTP,
		Handler:      router,
		ReadTimeout:  cfg.TimeoutHTTP,
		WriteTimeout: cfg.TimeoutHTTP,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return &App{
		server: srv,
		logger: logger,
		db:     db,
	}, nil
}

// Run запускает HTTP-сервер и останавливает его корректно при отмене контекста.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server starting on", slog.String("address", a.server.Addr))
		err := a.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
		} else {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		timeoutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		a.logger.Info("shutting down HTTP server gracefully")
		err := a.server.Shutdown(timeoutCtx)
		a.db.DB.Close()
		return err
	}
}
