// Package auth содержит логику регистрации, авторизации и валидации JWT.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/magabrotheeeer/simulation-quota/internal/lib/jwt"
	"github.com/magabrotheeeer/simulation-quota/internal/lib/password"
	"github.com/magabrotheeeer/simulation-quota/internal/lib/period"
	"github.com/magabrotheeeer/simulation-quota/internal/models"
)

// ErrInvalidCredentials возвращается при неверном имени пользователя или пароле.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Repository описывает контракт хранилища для работы с пользователями.
type Repository interface {
	RegisterUser(ctx context.Context, user models.User) (string, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)

	// CreateQuota заводит стартовую free-квоту при регистрации.
	CreateQuota(ctx context.Context, quota models.Quota) error
}

// Service отвечает за регистрацию, авторизацию и валидацию JWT.
type Service struct {
	users    Repository
	jwtMaker jwt.Maker
}

// New создает новый экземпляр Service.
func New(users Repository, jwtMaker jwt.Maker) *Service {
	return &Service{
		users:    users,
		jwtMaker: jwtMaker,
	}
}

// Register создает нового пользователя с хэшированием пароля и дефолтной
// ролью "user", сразу выдавая ему квоту бесплатного тарифа. Синтетический
// период привязан к дате регистрации и живёт, пока пользователь не купит
// подписку.
func (s *Service) Register(ctx context.Context, email, username, rawPassword string, now time.Time) (string, error) {
	const op = "services.auth.Register"

	hashed, err := password.GetHash(rawPassword)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	user := models.User{
		UID:          uuid.NewString(),
		Email:        email,
		Username:     username,
		PasswordHash: hashed,
		Role:         "user", // дефолтная роль при регистрации
	}
	uid, err := s.users.RegisterUser(ctx, user)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	quota := models.Quota{
		Username:         username,
		PeriodStart:      now,
		PeriodEnd:        period.Next(now, period.AnchorDay(now)),
		SimulationsTotal: models.SimulationsLimit(models.TierFree),
	}
	if err := s.users.CreateQuota(ctx, quota); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return uid, nil
}

// Login проверяет пароль пользователя и генерирует JWT.
func (s *Service) Login(ctx context.Context, username, rawPassword string) (token, role string, err error) {
	const op = "services.auth.Login"

	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		return "", "", fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}
	if err := password.CompareHash(user.PasswordHash, rawPassword); err != nil {
		return "", "", fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}
	token, err = s.jwtMaker.GenerateToken(user.Username, user.Role)
	if err != nil {
		return "", "", fmt.Errorf("%s: %w", op, err)
	}
	return token, user.Role, nil
}

// ValidateToken проверяет JWT и возвращает username и роль из claims.
func (s *Service) ValidateToken(_ context.Context, token string) (username, role string, err error) {
	claims, err := s.jwtMaker.ParseToken(token)
	if err != nil {
		return "", "", err
	}
	return claims.Username, claims.Role, nil
}
