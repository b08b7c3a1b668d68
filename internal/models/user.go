package models

import "time"

// User представляет зарегистрированного пользователя платформы.
// Учётные данные нужны только для выдачи JWT; подписка и квота
// хранятся отдельными записями, связанными по username.
type User struct {
	UID          string // Уникальный идентификатор пользователя
	Email        string // Электронная почта, по ней провайдер идентифицирует покупателя
	Username     string // Имя пользователя (уникальное)
	PasswordHash string // Хэш пароля пользователя
	Role         string // Роль пользователя, admin или user
	CreatedAt    time.Time
}

// DummyRegister используется для приёма данных регистрации из JSON-запроса.
type DummyRegister struct {
	Email    string `json:"email" validate:"required,email"`
	Username string `json:"username" validate:"required,alphanum"`
	Password string `json:"password" validate:"required,min=8"`
}

// DummyLogin используется для приёма данных входа из JSON-запроса.
type DummyLogin struct {
	Username string `json:"username" validate:"required,alphanum"`
	Password string `json:"password" validate:"required"`
}
