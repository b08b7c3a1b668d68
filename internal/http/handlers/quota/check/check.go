// Package check реализует HTTP-обработчик проверки квоты перед запуском
// симуляции. Обработчик берёт имя пользователя из контекста (JWT middleware)
// и атомарно резервирует одну симуляцию; при исчерпанном лимите ничего
// не изменяется, клиент получает allowed:false и дату следующего сброса.
package check

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

// Service описывает интерфейс бизнес-логики проверки квоты.
type Service interface {
	CheckAndReserve(ctx context.Context, username string, now time.Time) (*models.QuotaStatus, error)
}

// Handler обрабатывает HTTP-запросы проверки квоты.
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
// @Summary Проверить и зарезервировать симуляцию
// @Description Атомарно проверяет лимит и резервирует одну симуляцию. При allowed:false состояние не меняется.
// @Tags Quota
// @Produce  json
// @Security BearerAuth
// @Success 200 {object} response.Response "Результат проверки квоты"
// @Failure 401 {object} response.ErrorResponse "Пользователь не аутентифицирован"
// @Failure 500 {object} response.ErrorResponse "Внутренняя ошибка сервера"
// @Router /quota/check [post]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.quota.check"

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

	status, err := h.service.CheckAndReserve(r.Context(), username, time.Now().UTC())
	if err != nil {
		// Fail-closed: при внутренней ошибке симуляция не выдаётся.
		log.Error("quota check failed", sl.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, response.Error("quota check failed"))
		return
	}

	log.Info("quota check completed",
		slog.String("username", username),
		slog.Bool("allowed", status.Allowed),
		slog.Int("remaining", status.Remaining))
	render.JSON(w, r, response.StatusOKWithData(status))
}
