// Package repository реализует хранилище данных на основе PostgreSQL
// для подписок, квот симуляций, журнала webhook-событий и пользователей.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	// Регистрация драйвера pgx для использования с database/sql.
	_ "github.com/jackc/pgx/v5/stdlib"
)

// isNoRows сообщает, является ли ошибка отсутствием строк в выборке.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// Storage инкапсулирует соединение с базой данных PostgreSQL
// и реализует методы работы с подписками, квотами и пользователями.
type Storage struct {
	DB *sql.DB
}

// New создаёт подключение к PostgreSQL.
func New(storageConnectionString string) (*Storage, error) {
	const op = "storage.New"

	db, err := sql.Open("pgx", storageConnectionString)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err = db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{
		DB: db,
	}, nil
}

// CheckDatabaseReady проверяет готовность базы данных.
func (s *Storage) CheckDatabaseReady(ctx context.Context) error {
	var exists bool
	err := s.DB.QueryRowContext(ctx, `SELECT EXISTS (
        SELECT FROM information_schema.tables
        WHERE table_name = 'quotas'
    )`).Scan(&exists)
	if err != nil || !exists {
		return fmt.Errorf("required table quotas missing or query error: %w", err)
	}
	return nil
}
