package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/simulation-quota/internal/models"
)

func TestStorage_InsertWebhookEvent(t *testing.T) {
	event := models.WebhookEvent{
		ExternalEventID: "evt_100",
		EventType:       models.EventSubscriptionUpdated,
		SubscriptionID:  "sub_abc",
	}

	tests := []struct {
		name         string
		wantInserted bool
		setup        func(t *testing.T, factory *TestDataFactory)
	}{
		{
			name:         "first delivery is inserted",
			wantInserted: true,
			setup:        func(_ *testing.T, _ *TestDataFactory) {},
		},
		{
			name:         "repeat delivery is ignored",
			wantInserted: false,
			setup: func(t *testing.T, factory *TestDataFactory) {
				factory.CreateWebhookEvent(t, "evt_100", models.EventSubscriptionUpdated,
					"sub_abc", models.EventProcessingProcessed)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage, cleanup := setupTestDatabase(t)
			defer cleanup()

			factory := NewTestDataFactory(storage)
			tt.setup(t, factory)

			inserted, err := storage.InsertWebhookEvent(context.Background(), event)
			require.NoError(t, err)
			assert.Equal(t, tt.wantInserted, inserted)

			got, err := storage.GetWebhookEvent(context.Background(), "evt_100")
			require.NoError(t, err)
			if tt.wantInserted {
				assert.Equal(t, models.EventProcessingReceived, got.ProcessingStatus)
			} else {
				// Повторная вставка не затирает статус первой обработки
				assert.Equal(t, models.EventProcessingProcessed, got.ProcessingStatus)
			}
		})
	}
}

func TestStorage_WebhookEventStatusTransitions(t *testing.T) {
	storage, cleanup := setupTestDatabase(t)
	defer cleanup()

	ctx := context.Background()
	factory := NewTestDataFactory(storage)
	factory.CreateWebhookEvent(t, "evt_200", models.EventSubscriptionCreated,
		"sub_abc", models.EventProcessingReceived)

	verification := NewTestVerification(storage)

	err := storage.MarkWebhookEventFailed(ctx, "evt_200", "user not found")
	require.NoError(t, err)
	verification.VerifyWebhookEventStatus(t, "evt_200", models.EventProcessingFailed)

	got, err := storage.GetWebhookEvent(ctx, "evt_200")
	require.NoError(t, err)
	assert.Equal(t, "user not found", got.ProcessingError)

	// Сбойное событие переоткрывается для повторной доставки
	gotRows, err := storage.ReopenFailedWebhookEvent(ctx, "evt_200")
	require.NoError(t, err)
	assert.Equal(t, 1, gotRows)
	verification.VerifyWebhookEventStatus(t, "evt_200", models.EventProcessingReceived)

	err = storage.MarkWebhookEventProcessed(ctx, "evt_200")
	require.NoError(t, err)
	verification.VerifyWebhookEventStatus(t, "evt_200", models.EventProcessingProcessed)

	// Уже применённое событие переоткрыть нельзя
	gotRows, err = storage.ReopenFailedWebhookEvent(ctx, "evt_200")
	require.NoError(t, err)
	assert.Equal(t, 0, gotRows)
	verification.VerifyWebhookEventStatus(t, "evt_200", models.EventProcessingProcessed)
}

func TestStorage_UpdateSubscription(t *testing.T) {
	renewsAt := time.Date(2025, 1, 28, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name             string
		staleToken       bool
		wantRowsAffected int
		wantTier         string
	}{
		{
			name:             "successful conditional update",
			staleToken:       false,
			wantRowsAffected: 1,
			wantTier:         "premium",
		},
		{
			name:             "stale updated_at loses the race",
			staleToken:       true,
			wantRowsAffected: 0,
			wantTier:         "basis",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage, cleanup := setupTestDatabase(t)
			defer cleanup()

			ctx := context.Background()
			factory := NewTestDataFactory(storage)
			factory.CreateUser(t, uuid.New().String(), "testuser", "test@example.com", "hashedpassword", "user")
			subID := factory.CreateSubscription(t, "testuser", "sub_abc", "basis", "active", 28, renewsAt)

			stored, err := storage.GetSubscriptionByUsername(ctx, "testuser")
			require.NoError(t, err)
			require.Equal(t, subID, stored.ID)

			token := stored.UpdatedAt
			if tt.staleToken {
				token = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
			}

			updated := *stored
			updated.Tier = models.TierPremium
			updated.RenewsAt = renewsAt.AddDate(0, 1, 0)

			gotRows, err := storage.UpdateSubscription(ctx, updated, token)
			require.NoError(t, err)
			assert.Equal(t, tt.wantRowsAffected, gotRows)

			verification := NewTestVerification(storage)
			verification.VerifySubscriptionState(t, subID, tt.wantTier, "active")
		})
	}
}

func TestStorage_GetSubscriptionByExternalID(t *testing.T) {
	storage, cleanup := setupTestDatabase(t)
	defer cleanup()

	ctx := context.Background()
	renewsAt := time.Date(2025, 1, 28, 10, 0, 0, 0, time.UTC)

	factory := NewTestDataFactory(storage)
	factory.CreateUser(t, uuid.New().String(), "testuser", "test@example.com", "hashedpassword", "user")
	factory.CreateSubscription(t, "testuser", "sub_abc", "basis", "active", 28, renewsAt)

	got, err := storage.GetSubscriptionByExternalID(ctx, "sub_abc")
	require.NoError(t, err)
	assert.Equal(t, "testuser", got.Username)
	assert.Equal(t, models.TierBasis, got.Tier)
	assert.Equal(t, 28, got.BillingAnchorDay)
	assert.True(t, renewsAt.Equal(got.RenewsAt))

	got, err = storage.GetSubscriptionByExternalID(ctx, "sub_unknown")
	require.Error(t, err)
	assert.Nil(t, got)
}

func TestStorage_ListActiveSubscriptions(t *testing.T) {
	storage, cleanup := setupTestDatabase(t)
	defer cleanup()

	ctx := context.Background()
	renewsAt := time.Date(2025, 1, 28, 10, 0, 0, 0, time.UTC)

	factory := NewTestDataFactory(storage)
	factory.CreateUser(t, uuid.New().String(), "alice", "alice@example.com", "hashedpassword", "user")
	factory.CreateUser(t, uuid.New().String(), "bob", "bob@example.com", "hashedpassword", "user")
	factory.CreateSubscription(t, "alice", "sub_alice", "premium", "active", 28, renewsAt)
	factory.CreateSubscription(t, "bob", "sub_bob", "basis", "cancelled", 15, renewsAt)

	got, err := storage.ListActiveSubscriptions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].Username)
	assert.Equal(t, "sub_alice", got[0].ExternalID)
}

func TestStorage_FindDuplicateActiveSubscriptions(t *testing.T) {
	tests := []struct {
		name      string
		wantCount int
		setup     func(t *testing.T, factory *TestDataFactory)
	}{
		{
			name:      "user with two active subscriptions is reported",
			wantCount: 1,
			setup: func(t *testing.T, factory *TestDataFactory) {
				renewsAt := time.Date(2025, 1, 28, 10, 0, 0, 0, time.UTC)
				factory.CreateUser(t, uuid.New().String(), "alice", "alice@example.com", "hashedpassword", "user")
				factory.CreateUser(t, uuid.New().String(), "bob", "bob@example.com", "hashedpassword", "user")
				factory.CreateSubscription(t, "alice", "sub_a1", "basis", "active", 28, renewsAt)
				factory.CreateSubscription(t, "alice", "sub_a2", "premium", "active", 15, renewsAt)
				// Отменённый дубль не считается нарушением
				factory.CreateSubscription(t, "bob", "sub_b1", "basis", "active", 28, renewsAt)
				factory.CreateSubscription(t, "bob", "sub_b2", "basis", "cancelled", 28, renewsAt)
			},
		},
		{
			name:      "no duplicates",
			wantCount: 0,
			setup: func(t *testing.T, factory *TestDataFactory) {
				renewsAt := time.Date(2025, 1, 28, 10, 0, 0, 0, time.UTC)
				factory.CreateUser(t, uuid.New().String(), "alice", "alice@example.com", "hashedpassword", "user")
				factory.CreateSubscription(t, "alice", "sub_a1", "basis", "active", 28, renewsAt)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage, cleanup := setupTestDatabase(t)
			defer cleanup()

			factory := NewTestDataFactory(storage)
			tt.setup(t, factory)

			got, err := storage.FindDuplicateActiveSubscriptions(context.Background())
			require.NoError(t, err)
			require.Len(t, got, tt.wantCount)

			if tt.wantCount == 1 {
				assert.Equal(t, "alice", got[0].Username)
				assert.Equal(t, 2, got[0].ActiveCount)
				assert.Equal(t, []string{"sub_a1", "sub_a2"}, got[0].ExternalIDs)
			}
		})
	}
}

func TestStorage_GetUsernameByEmail(t *testing.T) {
	tests := []struct {
		name    string
		email   string
		want    string
		wantErr bool
	}{
		{
			name:  "existing email",
			email: "test@example.com",
			want:  "testuser",
		},
		{
			name:    "unknown email",
			email:   "ghost@example.com",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage, cleanup := setupTestDatabase(t)
			defer cleanup()

			factory := NewTestDataFactory(storage)
			factory.CreateUser(t, uuid.New().String(), "testuser", "test@example.com", "hashedpassword", "user")

			got, err := storage.GetUsernameByEmail(context.Background(), tt.email)
			if tt.wantErr {
				require.Error(t, err)
				assert.Empty(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
