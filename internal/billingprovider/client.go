// Package billingprovider содержит HTTP-клиент API платёжного провайдера.
// Сервис потребляет только чтение подписки: авторитетные дата продления,
// статус и тариф для обнаружения и ремонта дрейфа локальных данных.
package billingprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrSubscriptionNotFound возвращается, когда подписка удалена у провайдера.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// Client — клиент API платёжного провайдера.
type Client struct {
	apiKey     string
	apiURL     string
	httpClient *http.Client
}

// NewClient создаёт клиент провайдера с ограничением времени запроса.
func NewClient(apiURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		apiKey:     apiKey,
		apiURL:     apiURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// GetSubscription запрашивает текущее состояние подписки по её идентификатору
// на стороне провайдера.
func (c *Client) GetSubscription(ctx context.Context, externalID string) (*SubscriptionState, error) {
	const op = "billingprovider.GetSubscription"

	req, err := c.newRequest(ctx, http.MethodGet, "/subscriptions/"+externalID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", op, ErrSubscriptionNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%s: unexpected status: %s", op, resp.Status)
	}

	var state SubscriptionState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &state, nil
}
