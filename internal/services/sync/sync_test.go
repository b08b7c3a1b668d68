package sync

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/simulation-quota/internal/billingprovider"
	"github.com/magabrotheeeer/simulation-quota/internal/models"
)

// MockRepository реализует интерфейс sync.Repository
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) ListActiveSubscriptions(ctx context.Context) ([]*models.Subscription, error) {
	args := m.Called(ctx)
	if res := args.Get(0); res != nil {
		return res.([]*models.Subscription), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) GetSubscriptionByUsername(ctx context.Context, username string) (*models.Subscription, error) {
	args := m.Called(ctx, username)
	if res := args.Get(0); res != nil {
		return res.(*models.Subscription), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) UpdateSubscription(ctx context.Context, sub models.Subscription, expectedUpdatedAt time.Time) (int, error) {
	args := m.Called(ctx, sub, expectedUpdatedAt)
	return args.Int(0), args.Error(1)
}

func (m *MockRepository) GetQuota(ctx context.Context, username string) (*models.Quota, error) {
	args := m.Called(ctx, username)
	if res := args.Get(0); res != nil {
		return res.(*models.Quota), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) CreateQuota(ctx context.Context, quota models.Quota) error {
	args := m.Called(ctx, quota)
	return args.Error(0)
}

func (m *MockRepository) SetQuotaPeriod(ctx context.Context, username string, newStart, newEnd time.Time, expectedUpdatedAt time.Time) (int, error) {
	args := m.Called(ctx, username, newStart, newEnd, expectedUpdatedAt)
	return args.Int(0), args.Error(1)
}

func (m *MockRepository) FindDuplicateActiveSubscriptions(ctx context.Context) ([]*models.DuplicateSubscription, error) {
	args := m.Called(ctx)
	if res := args.Get(0); res != nil {
		return res.([]*models.DuplicateSubscription), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockProvider реализует интерфейс sync.Provider
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) GetSubscription(ctx context.Context, externalID string) (*billingprovider.SubscriptionState, error) {
	args := m.Called(ctx, externalID)
	if res := args.Get(0); res != nil {
		return res.(*billingprovider.SubscriptionState), args.Error(1)
	}
	return nil, args.Error(1)
}

func newTestService(repo *MockRepository, provider *MockProvider) *Service {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return New(repo, provider, logger, 5*time.Second)
}

var (
	now      = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	renewsAt = time.Date(2025, 1, 28, 10, 0, 0, 0, time.UTC)
)

func activeSubscription(username, externalID string) *models.Subscription {
	return &models.Subscription{
		ID:               1,
		Username:         username,
		ExternalID:       externalID,
		Tier:             models.TierBasis,
		Status:           models.StatusActive,
		BillingAnchorDay: 28,
		RenewsAt:         renewsAt,
		UpdatedAt:        time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func matchingState(sub *models.Subscription) *billingprovider.SubscriptionState {
	return &billingprovider.SubscriptionState{
		ID:       sub.ExternalID,
		Status:   string(sub.Status),
		Variant:  string(sub.Tier),
		RenewsAt: sub.RenewsAt,
	}
}

func currentQuota(username string) *models.Quota {
	return &models.Quota{
		Username:         username,
		PeriodStart:      time.Date(2024, 12, 28, 10, 0, 0, 0, time.UTC),
		PeriodEnd:        renewsAt,
		SimulationsUsed:  7,
		SimulationsTotal: 20,
		UpdatedAt:        time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC),
	}
}

func TestRun_NoDriftIsNoOp(t *testing.T) {
	sub := activeSubscription("student", "sub_123")

	repo := new(MockRepository)
	repo.On("ListActiveSubscriptions", mock.Anything).Return([]*models.Subscription{sub}, nil).Once()
	repo.On("GetQuota", mock.Anything, "student").Return(currentQuota("student"), nil).Once()

	provider := new(MockProvider)
	provider.On("GetSubscription", mock.Anything, "sub_123").Return(matchingState(sub), nil).Once()

	service := newTestService(repo, provider)
	summary, err := service.Run(context.Background(), "", now)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Unchanged)
	assert.Equal(t, 0, summary.Corrected)
	assert.Equal(t, 0, summary.Errors)
	repo.AssertNotCalled(t, "UpdateSubscription", mock.Anything, mock.Anything, mock.Anything)
	repo.AssertNotCalled(t, "SetQuotaPeriod", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	repo.AssertExpectations(t)
}

func TestRun_PeriodDriftCorrectedWithoutTouchingCounter(t *testing.T) {
	sub := activeSubscription("student", "sub_123")
	providerRenews := time.Date(2025, 1, 30, 10, 0, 0, 0, time.UTC)
	state := &billingprovider.SubscriptionState{
		ID: "sub_123", Status: "active", Variant: "basis", RenewsAt: providerRenews,
	}
	quota := currentQuota("student")

	repo := new(MockRepository)
	repo.On("ListActiveSubscriptions", mock.Anything).Return([]*models.Subscription{sub}, nil).Once()
	repo.On("UpdateSubscription", mock.Anything, mock.MatchedBy(func(s models.Subscription) bool {
		return s.RenewsAt.Equal(providerRenews) && s.BillingAnchorDay == 30
	}), sub.UpdatedAt).Return(1, nil).Once()
	repo.On("GetQuota", mock.Anything, "student").Return(quota, nil).Once()
	// Ремонт двигает только границы, счётчик не сбрасывается.
	repo.On("SetQuotaPeriod", mock.Anything, "student", quota.PeriodStart, providerRenews, quota.UpdatedAt).Return(1, nil).Once()

	provider := new(MockProvider)
	provider.On("GetSubscription", mock.Anything, "sub_123").Return(state, nil).Once()

	service := newTestService(repo, provider)
	summary, err := service.Run(context.Background(), "", now)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Corrected)
	assert.Equal(t, 0, summary.Errors)
	repo.AssertExpectations(t)
}

func TestRun_TierMismatchCorrectedQuotaUntouched(t *testing.T) {
	// Апгрейд, который webhook не донёс: чинится тариф подписки,
	// новый лимит пользователь получит на следующем сбросе.
	sub := activeSubscription("student", "sub_123")
	state := &billingprovider.SubscriptionState{
		ID: "sub_123", Status: "active", Variant: "premium", RenewsAt: renewsAt,
	}

	repo := new(MockRepository)
	repo.On("ListActiveSubscriptions", mock.Anything).Return([]*models.Subscription{sub}, nil).Once()
	repo.On("UpdateSubscription", mock.Anything, mock.MatchedBy(func(s models.Subscription) bool {
		return s.Tier == models.TierPremium && s.RenewsAt.Equal(renewsAt)
	}), mock.Anything).Return(1, nil).Once()
	repo.On("GetQuota", mock.Anything, "student").Return(currentQuota("student"), nil).Once()

	provider := new(MockProvider)
	provider.On("GetSubscription", mock.Anything, "sub_123").Return(state, nil).Once()

	service := newTestService(repo, provider)
	summary, err := service.Run(context.Background(), "", now)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Corrected)
	repo.AssertNotCalled(t, "SetQuotaPeriod", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	repo.AssertExpectations(t)
}

func TestRun_MissingQuotaRowIsProvisioned(t *testing.T) {
	sub := activeSubscription("student", "sub_123")

	repo := new(MockRepository)
	repo.On("ListActiveSubscriptions", mock.Anything).Return([]*models.Subscription{sub}, nil).Once()
	repo.On("GetQuota", mock.Anything, "student").Return(nil, sql.ErrNoRows).Once()
	repo.On("CreateQuota", mock.Anything, mock.MatchedBy(func(q models.Quota) bool {
		return q.Username == "student" && q.SimulationsUsed == 0 &&
			q.SimulationsTotal == 20 && q.PeriodEnd.Equal(renewsAt)
	})).Return(nil).Once()

	provider := new(MockProvider)
	provider.On("GetSubscription", mock.Anything, "sub_123").Return(matchingState(sub), nil).Once()

	service := newTestService(repo, provider)
	summary, err := service.Run(context.Background(), "", now)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Corrected)
	repo.AssertExpectations(t)
}

func TestRun_FailureOnOneSubscriptionDoesNotStopBatch(t *testing.T) {
	first := activeSubscription("student", "sub_123")
	second := activeSubscription("colleague", "sub_456")
	second.ID = 2

	repo := new(MockRepository)
	repo.On("ListActiveSubscriptions", mock.Anything).Return([]*models.Subscription{first, second}, nil).Once()
	repo.On("GetQuota", mock.Anything, "colleague").Return(currentQuota("colleague"), nil).Once()

	provider := new(MockProvider)
	provider.On("GetSubscription", mock.Anything, "sub_123").
		Return(nil, errors.New("provider timeout")).Once()
	provider.On("GetSubscription", mock.Anything, "sub_456").Return(matchingState(second), nil).Once()

	service := newTestService(repo, provider)
	summary, err := service.Run(context.Background(), "", now)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, 1, summary.Unchanged)
	require.Len(t, summary.Results, 2)
	assert.Equal(t, OutcomeError, summary.Results[0].Outcome)
	assert.Equal(t, OutcomeUnchanged, summary.Results[1].Outcome)
	repo.AssertExpectations(t)
	provider.AssertExpectations(t)
}

func TestRun_DeletedUpstreamReportedAsError(t *testing.T) {
	sub := activeSubscription("student", "sub_123")

	repo := new(MockRepository)
	repo.On("ListActiveSubscriptions", mock.Anything).Return([]*models.Subscription{sub}, nil).Once()

	provider := new(MockProvider)
	provider.On("GetSubscription", mock.Anything, "sub_123").
		Return(nil, billingprovider.ErrSubscriptionNotFound).Once()

	service := newTestService(repo, provider)
	summary, err := service.Run(context.Background(), "", now)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Errors)
	repo.AssertNotCalled(t, "UpdateSubscription", mock.Anything, mock.Anything, mock.Anything)
	repo.AssertNotCalled(t, "SetQuotaPeriod", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_SingleUserFilter(t *testing.T) {
	sub := activeSubscription("student", "sub_123")

	repo := new(MockRepository)
	repo.On("GetSubscriptionByUsername", mock.Anything, "student").Return(sub, nil).Once()
	repo.On("GetQuota", mock.Anything, "student").Return(currentQuota("student"), nil).Once()

	provider := new(MockProvider)
	provider.On("GetSubscription", mock.Anything, "sub_123").Return(matchingState(sub), nil).Once()

	service := newTestService(repo, provider)
	summary, err := service.Run(context.Background(), "student", now)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Unchanged)
	repo.AssertNotCalled(t, "ListActiveSubscriptions", mock.Anything)
	repo.AssertExpectations(t)
}

func TestRun_SingleUserWithoutSubscriptionFails(t *testing.T) {
	repo := new(MockRepository)
	repo.On("GetSubscriptionByUsername", mock.Anything, "stranger").Return(nil, sql.ErrNoRows).Once()

	service := newTestService(repo, new(MockProvider))
	summary, err := service.Run(context.Background(), "stranger", now)

	assert.Error(t, err)
	assert.Nil(t, summary)
}

func TestRun_ConcurrentSubscriptionChangeIsErrorOutcome(t *testing.T) {
	sub := activeSubscription("student", "sub_123")
	state := &billingprovider.SubscriptionState{
		ID: "sub_123", Status: "active", Variant: "premium", RenewsAt: renewsAt,
	}

	repo := new(MockRepository)
	repo.On("ListActiveSubscriptions", mock.Anything).Return([]*models.Subscription{sub}, nil).Once()
	repo.On("UpdateSubscription", mock.Anything, mock.Anything, sub.UpdatedAt).Return(0, nil).Once()

	provider := new(MockProvider)
	provider.On("GetSubscription", mock.Anything, "sub_123").Return(state, nil).Once()

	service := newTestService(repo, provider)
	summary, err := service.Run(context.Background(), "", now)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Errors)
	repo.AssertNotCalled(t, "SetQuotaPeriod", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	repo.AssertExpectations(t)
}

func TestFindDuplicates(t *testing.T) {
	expected := []*models.DuplicateSubscription{
		{Username: "student", ActiveCount: 2, ExternalIDs: []string{"sub_123", "sub_456"}},
	}

	repo := new(MockRepository)
	repo.On("FindDuplicateActiveSubscriptions", mock.Anything).Return(expected, nil).Once()

	service := newTestService(repo, new(MockProvider))
	duplicates, err := service.FindDuplicates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, expected, duplicates)
}
