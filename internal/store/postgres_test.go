package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrimanagement/internal/models"
)

// These run against a migrated database named by TEST_DATABASE_URL.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestPostgresUsageIncrement(t *testing.T) {
	ctx := context.Background()
	s := NewPostgres(testPool(t))

	u, err := s.CreateUser(ctx, models.User{Email: "pg-" + time.Now().Format("150405.000000") + "@example.com"})
	require.NoError(t, err)

	period := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e, err := s.GetOrCreateUsage(ctx, u.ID, period)
	require.NoError(t, err)
	assert.Equal(t, 0, e.AssistantCount)

	for i := 1; i <= 3; i++ {
		n, err := s.IncrementUsage(ctx, u.ID, period, models.FeatureAssistant)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	e, err = s.GetOrCreateUsage(ctx, u.ID, period)
	require.NoError(t, err)
	assert.Equal(t, 3, e.AssistantCount)
}

func TestPostgresSubscriptionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewPostgres(testPool(t))

	u, err := s.CreateUser(ctx, models.User{Email: "pg-sub-" + time.Now().Format("150405.000000") + "@example.com"})
	require.NoError(t, err)

	sub, err := s.EnsureSubscription(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, sub.PlanTier)

	ref := "sub_" + u.ID.String()
	end := time.Now().Add(-time.Minute).UTC()
	sub.PlanTier = models.TierPremium
	sub.BillingStatus = models.BillingCanceled
	sub.ExternalSubscriptionRef = &ref
	sub.PeriodEnd = &end
	require.NoError(t, s.SaveSubscription(ctx, sub))

	found, err := s.FindSubscriptionByExternalRef(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, u.ID, found.UserID)

	ids, err := s.RevertExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Contains(t, ids, u.ID)

	sub, err = s.GetSubscription(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, sub.PlanTier)
	assert.Nil(t, sub.ExternalSubscriptionRef)
}

func TestPostgresSaveSubscriptionRefusesOlderEvent(t *testing.T) {
	ctx := context.Background()
	s := NewPostgres(testPool(t))

	u, err := s.CreateUser(ctx, models.User{Email: "pg-order-" + time.Now().Format("150405.000000") + "@example.com"})
	require.NoError(t, err)

	late := time.Now().UTC().Truncate(time.Second)
	early := late.Add(-time.Minute)
	customer := "cus_" + u.ID.String()

	sub := models.DefaultSubscription(u.ID)
	sub.ExternalCustomerRef = &customer
	sub.LastEventAt = &late
	require.NoError(t, s.SaveSubscription(ctx, sub))

	sub.PlanTier = models.TierPremium
	sub.LastEventAt = &early
	assert.ErrorIs(t, s.SaveSubscription(ctx, sub), ErrStale)

	got, err := s.FindSubscriptionByCustomerRef(ctx, customer)
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, got.PlanTier)
}
