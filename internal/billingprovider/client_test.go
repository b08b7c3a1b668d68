package billingprovider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSubscription_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/subscriptions/sub_123", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "sub_123",
			"status": "active",
			"variant": "basis",
			"renews_at": "2025-02-28T10:00:00Z",
			"user_email": "student@example.com"
		}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key", 5*time.Second)
	state, err := client.GetSubscription(context.Background(), "sub_123")
	require.NoError(t, err)

	assert.Equal(t, "sub_123", state.ID)
	assert.Equal(t, "active", state.Status)
	assert.Equal(t, "basis", state.Variant)
	assert.Equal(t, time.Date(2025, 2, 28, 10, 0, 0, 0, time.UTC), state.RenewsAt)
	assert.Equal(t, "student@example.com", state.UserEmail)
}

func TestGetSubscription_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key", 5*time.Second)
	_, err := client.GetSubscription(context.Background(), "sub_gone")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestGetSubscription_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key", 5*time.Second)
	_, err := client.GetSubscription(context.Background(), "sub_123")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestGetSubscription_ContextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key", 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.GetSubscription(ctx, "sub_123")
	assert.Error(t, err)
}
