// Package syncrun реализует операторский HTTP-обработчик запуска
// синхронизации с платёжным провайдером. Необязательный параметр username
// ограничивает прогон одним пользователем.
package syncrun

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/simulation-quota/internal/http/response"
	"github.com/magabrotheeeer/simulation-quota/internal/lib/sl"
	syncservice "github.com/magabrotheeeer/simulation-quota/internal/services/sync"
)

// Service описывает интерфейс запуска синхронизации.
type Service interface {
	Run(ctx context.Context, username string, now time.Time) (*syncservice.Summary, error)
}

// Handler обрабатывает HTTP-запросы запуска синхронизации.
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
// @Summary Запустить синхронизацию с провайдером
// @Description Сверяет активные подписки с провайдером и чинит дрейф границ периода. Счётчик потребления не сбрасывается.
// @Tags Admin
// @Produce  json
// @Security BearerAuth
// @Param username query string false "Ограничить прогон одним пользователем"
// @Success 200 {object} response.Response "Сводка прогона"
// @Failure 403 {object} response.ErrorResponse "Требуется роль admin"
// @Failure 500 {object} response.ErrorResponse "Внутренняя ошибка сервера"
// @Router /admin/sync [post]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.admin.syncrun"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	username := r.URL.Query().Get("username")
	if username != "" {
		log = log.With(slog.String("username", username))
	}

	summary, err := h.service.Run(r.Context(), username, time.Now().UTC())
	if err != nil {
		log.Error("sync run failed", sl.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, response.Error("sync run failed"))
		return
	}

	log.Info("sync run finished",
		slog.Int("unchanged", summary.Unchanged),
		slog.Int("corrected", summary.Corrected),
		slog.Int("errors", summary.Errors))
	render.JSON(w, r, response.StatusOKWithData(summary))
}
