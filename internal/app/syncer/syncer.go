// Package syncer содержит операторское приложение одноразового прогона
// синхронизации подписок с платёжным провайдером (запуск из cron или вручную).
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/simulation-quota/internal/billingprovider"
	"github.com/magabrotheeeer/simulation-quota/internal/config"
	syncservice "github.com/magabrotheeeer/simulation-quota/internal/services/sync"
	"github.com/magabrotheeeer/simulation-quota/internal/storage/repository"
)

// App представляет приложение синхронизации.
type App struct {
	syncService *syncservice.Service
	db          *repository.Storage
	logger      *slog.Logger
}

func waitForDB(ctx context.Context, db *repository.Storage) error {
	for range 10 {
		err := db.CheckDatabaseReady(ctx)
		if err == nil {
			return nil
		}
		time.Sleep(3 * time.Second)
	}
	return fmt.Errorf("database not ready after retries")
}

// New создает новый экземпляр приложения синхронизации.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := repository.New(cfg.StorageConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect storage: %w", err)
	}
	if err := waitForDB(ctx, db); err != nil {
		db.DB.Close()
		return nil, err
	}

	providerClient := billingprovider.NewClient(cfg.APIURL, cfg.APIKey, cfg.RequestTimeout)
	syncService := syncservice.New(db, providerClient, logger, cfg.RequestTimeout)

	return &App{
		syncService: syncService,
		db:          db,
		logger:      logger,
	}, nil
}

// Run выполняет один прогон синхронизации. Непустой username ограничивает
// прогон одним пользователем. Ненулевое число ошибок не считается сбоем
// процесса: они уже в сводке и логах, cron не должен перезапускать прогон.
func (a *App) Run(ctx context.Context, username string) error {
	defer a.db.DB.Close()

	summary, err := a.syncService.Run(ctx, username, time.Now().UTC())
	if err != nil {
		return err
	}

	a.logger.Info("sync summary",
		slog.Int("unchanged", summary.Unchanged),
		slog.Int("corrected", summary.Corrected),
		slog.Int("errors", summary.Errors))
	for _, result := range summary.Results {
		if result.Outcome == syncservice.OutcomeError {
			a.logger.Warn("subscription not reconciled",
				slog.String("username", result.Username),
				slog.String("external_id", result.ExternalID),
				slog.String("detail", result.Detail))
		}
	}
	return nil
}
