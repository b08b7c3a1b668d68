// Package duplicates реализует операторский отчёт о пользователях
// с несколькими активными подписками. Отчёт только читает данные:
// лишнюю подписку оператор отменяет у провайдера и запускает синхронизацию.
package duplicates

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/simulation-quota/internal/http/response"
	"github.com/magabrotheeeer/simulation-quota/internal/lib/sl"
	"github.com/magabrotheeeer/simulation-quota/internal/models"
)

// Service описывает интерфейс поиска дублирующихся подписок.
type Service interface {
	FindDuplicates(ctx context.Context) ([]*models.DuplicateSubscription, error)
}

// Handler обрабатывает HTTP-запросы отчёта о дубликатах.
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
// @Summary Отчёт о дублирующихся активных подписках
// @Description Возвращает пользователей, у которых больше одной активной подписки.
// @Tags Admin
// @Produce  json
// @Security BearerAuth
// @Success 200 {object} response.Response "Список нарушений инварианта"
// @Failure 403 {object} response.ErrorResponse "Требуется роль admin"
// @Failure 500 {object} response.ErrorResponse "Внутренняя ошибка сервера"
// @Router /admin/duplicates [get]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.admin.duplicates"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	found, err := h.service.FindDuplicates(r.Context())
	if err != nil {
		log.Error("failed to find duplicate subscriptions", sl.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, response.Error("failed to find duplicates"))
		return
	}

	log.Info("duplicate report built", slog.Int("found", len(found)))
	render.JSON(w, r, response.StatusOKWithData(map[string]any{
		"duplicates": found,
		"count":      len(found),
	}))
}
