// Package billingwebhook реализует приём webhook-событий платёжного
// провайдера: проверка HMAC-подписи тела, валидация payload и передача
// события сервису обработки. Коды ответов подобраны под политику повторных
// доставок провайдера: 2xx останавливает доставку, 4xx означает
// неисправимый payload, 5xx вызывает повтор с backoff.
package billingwebhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/simulation-quota/internal/http/response"
	"github.com/magabrotheeeer/simulation-quota/internal/lib/sl"
	"github.com/magabrotheeeer/simulation-quota/internal/models"
	"github.com/magabrotheeeer/simulation-quota/internal/services/webhook"
)

// Service описывает интерфейс обработки события провайдера.
type Service interface {
	ProcessEvent(ctx context.Context, event models.DummyWebhookEvent, now time.Time) error
}

// Handler обрабатывает HTTP-запросы webhook от провайдера.
type Handler struct {
	log           *slog.Logger
	service       Service
	webhookSecret string // Секрет для проверки подписи
	validate      *validator.Validate
}

// New создает новый экземпляр Handler.
func New(log *slog.Logger, service Service, secret string) *Handler {
	return &Handler{
		log:           log,
		service:       service,
		webhookSecret: secret,
		validate:      validator.New(),
	}
}

// Проверка подписи webhook (X-Api-Signature)
func (h *Handler) verifySignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(h.webhookSecret))
	mac.Write(body)
	expectedSig := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expectedSig), []byte(signature))
}

// ServeHTTP godoc
// @Summary Приём webhook платёжного провайдера
// @Description Применяет событие жизненного цикла подписки. Повторная доставка уже применённого события возвращает 200.
// @Tags Billing
// @Accept  json
// @Produce  json
// @Param X-Api-Signature header string true "HMAC-SHA256 подпись тела"
// @Param request body models.DummyWebhookEvent true "Событие провайдера"
// @Success 200 {object} response.Response "Событие применено или уже было применено"
// @Failure 400 {object} response.ErrorResponse "Некорректный payload"
// @Failure 401 {object} response.ErrorResponse "Неверная подпись"
// @Failure 500 {object} response.ErrorResponse "Временная ошибка, провайдер повторит доставку"
// @Router /billing/webhook [post]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.billingwebhook"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Error("failed to read webhook body", sl.Err(err))
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, response.Error("failed to read request body"))
		return
	}
	defer r.Body.Close()

	signature := r.Header.Get("X-Api-Signature")
	if signature == "" || !h.verifySignature(body, signature) {
		log.Error("invalid or missing webhook signature")
		w.WriteHeader(http.StatusUnauthorized)
		render.JSON(w, r, response.Error("invalid signature"))
		return
	}

	var event models.DummyWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Error("failed to unmarshal webhook payload", sl.Err(err))
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}
	log = log.With(
		slog.String("event_id", event.EventID),
		slog.String("event_type", event.EventType),
	)

	if err := h.validate.Struct(event); err != nil {
		// Сырой payload уходит в лог для разбора оператором.
		log.Error("webhook payload validation failed", sl.Err(err),
			slog.String("payload", string(body)))
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, response.ValidationError(err.(validator.ValidationErrors)))
		return
	}

	err = h.service.ProcessEvent(r.Context(), event, time.Now().UTC())
	switch {
	case err == nil:
		log.Info("webhook event processed")
		render.JSON(w, r, response.StatusOKWithData(map[string]any{
			"event_id": event.EventID,
		}))
	case errors.Is(err, webhook.ErrAlreadyProcessed):
		// Идемпотентный повтор: отвечаем успехом, чтобы провайдер
		// прекратил доставку.
		log.Info("duplicate webhook delivery acknowledged")
		render.JSON(w, r, response.StatusOKWithData(map[string]any{
			"event_id": event.EventID,
			"message":  "event already processed",
		}))
	case errors.Is(err, webhook.ErrValidation):
		log.Error("webhook event rejected", sl.Err(err),
			slog.String("payload", string(body)))
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, response.Error(err.Error()))
	default:
		log.Error("failed to process webhook event", sl.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, response.Error("failed to process event"))
	}
}
