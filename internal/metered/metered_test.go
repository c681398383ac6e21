package metered

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrimanagement/internal/apperr"
	"agrimanagement/internal/entitlements"
	"agrimanagement/internal/models"
	"agrimanagement/internal/plans"
	"agrimanagement/internal/store"
)

func setup(t *testing.T, scanLimit int) (*entitlements.Checker, *store.Memory, uuid.UUID) {
	t.Helper()
	st := store.NewMemory()
	u, err := st.CreateUser(context.Background(), models.User{Email: "grower@example.com"})
	require.NoError(t, err)
	catalog := plans.NewCatalog(plans.FreeQuotas{Scan: scanLimit, Assistant: 20, Export: 3}, plans.PriceRefs{Standard: "price_std"})
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	checker := entitlements.New(st, catalog,
		entitlements.WithClock(func() time.Time { return now }),
		entitlements.WithLocation(time.UTC),
	)
	return checker, st, u.ID
}

func used(t *testing.T, checker *entitlements.Checker, userID uuid.UUID) int {
	t.Helper()
	ent, err := checker.Check(context.Background(), userID, models.FeatureScan)
	require.NoError(t, err)
	return ent.Used
}

func TestRunCountsSuccessfulCalls(t *testing.T) {
	checker, _, userID := setup(t, 2)
	ctx := context.Background()

	res, err := Run(ctx, checker, userID, models.FeatureScan, nil, func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Value)
	assert.Equal(t, 1, res.Usage.Used)
	assert.Equal(t, 1, res.Usage.Remaining())
	assert.True(t, res.Usage.Allowed)

	res, err = Run(ctx, checker, userID, models.FeatureScan, nil, func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Usage.Used)
	assert.False(t, res.Usage.Allowed)
	assert.Equal(t, 2, used(t, checker, userID))
}

func TestRunDeniedDoesNotRunOperation(t *testing.T) {
	checker, _, userID := setup(t, 0)

	called := false
	_, err := Run(context.Background(), checker, userID, models.FeatureScan, nil, func(ctx context.Context) (int, error) {
		called = true
		return 0, nil
	})
	var quotaErr *entitlements.QuotaError
	require.ErrorAs(t, err, &quotaErr)
	assert.ErrorIs(t, err, apperr.ErrQuotaExceeded)
	assert.Equal(t, 0, quotaErr.Entitlement.Remaining())
	assert.False(t, called)
}

func TestRunFailuresConsumeNothing(t *testing.T) {
	checker, _, userID := setup(t, 5)
	ctx := context.Background()

	_, err := Run(ctx, checker, userID, models.FeatureScan,
		func() error { return apperr.InvalidInput("image is empty") },
		func(ctx context.Context) (int, error) {
			t.Fatal("operation ran after failed validation")
			return 0, nil
		})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	upstream := apperr.External("vision", apperr.ExternalTransient, 503, errors.New("overloaded"))
	_, err = Run(ctx, checker, userID, models.FeatureScan, nil, func(ctx context.Context) (int, error) {
		return 0, upstream
	})
	assert.ErrorIs(t, err, apperr.ErrExternal)

	assert.Equal(t, 0, used(t, checker, userID))
}

func TestRunUnlimitedTierStillCounts(t *testing.T) {
	checker, st, userID := setup(t, 0)
	ctx := context.Background()
	ref := "sub_1"
	require.NoError(t, st.SaveSubscription(ctx, models.Subscription{
		UserID:                  userID,
		PlanTier:                models.TierStandard,
		BillingStatus:           models.BillingActive,
		ExternalSubscriptionRef: &ref,
	}))

	res, err := Run(ctx, checker, userID, models.FeatureScan, nil, func(ctx context.Context) (bool, error) {
		return true, nil
	})
	require.NoError(t, err)
	assert.True(t, res.Usage.Limit.Unlimited)
	assert.Equal(t, 0, res.Usage.Used)

	entry, err := st.GetOrCreateUsage(ctx, userID, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, entry.ScanCount)
}
