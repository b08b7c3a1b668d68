// Package status реализует HTTP-обработчик чтения текущего состояния квоты.
// Доступ к записи не резервирует симуляцию: главный экран мобильного
// приложения опрашивает остаток, ответ кэшируется сервисом.
package status

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/simulation-quota/internal/http/middlewarectx"
	"github.com/magabrotheeeer/simulation-quota/internal/http/response"
	"github.com/magabrotheeeer/simulation-quota/internal/lib/sl"
	"github.com/magabrotheeeer/simulation-quota/internal/models"
)

// Service описывает интерфейс бизнес-логики чтения квоты.
type Service interface {
	Status(ctx context.Context, username string, now time.Time) (*models.QuotaStatus, error)
}

// Handler обрабатывает HTTP-запросы чтения состояния квоты.
type Handler struct {
	log     *slog.Logger
	service Service
}

// New создает новый экземпляр Handler.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:     log,
		service: service,
	}
}

// ServeHTTP godoc
// @Summary Текущее состояние квоты
// @Description Возвращает остаток симуляций и дату конца периода без резервирования.
// @Tags Quota
// @Produce  json
// @Security BearerAuth
// @Success 200 {object} response.Response "Состояние квоты"
// @Failure 401 {object} response.ErrorResponse "Пользователь не аутентифицирован"
// @Failure 500 {object} response.ErrorResponse "Внутренняя ошибка сервера"
// @Router /quota [get]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.quota.status"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	username, ok := r.Context().Value(middlewarectx.User).(string)
	if !ok || username == "" {
		log.Error("username missing in request context")
		w.WriteHeader(http.StatusUnauthorized)
		render.JSON(w, r, response.Error("user identification missing"))
		return
	}

	status, err := h.service.Status(r.Context(), username, time.Now().UTC())
	if err != nil {
		log.Error("failed to read quota status", sl.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, response.Error("failed to read quota status"))
		return
	}

	log.Info("quota status read", slog.String("username", username))
	render.JSON(w, r, response.StatusOKWithData(status))
}
