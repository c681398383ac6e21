package entitlements

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrimanagement/internal/apperr"
	"agrimanagement/internal/models"
	"agrimanagement/internal/plans"
	"agrimanagement/internal/retry"
	"agrimanagement/internal/store"
)

type fixture struct {
	store   *store.Memory
	checker *Checker
	now     time.Time
	user    models.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemory(),
		now:   time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
	}
	catalog := plans.NewCatalog(
		plans.FreeQuotas{Scan: 10, Assistant: 20, Export: 3},
		plans.PriceRefs{Standard: "price_std", Premium: "price_prem", ProYearly: "price_pro"},
	)
	f.checker = New(f.store, catalog,
		WithClock(func() time.Time { return f.now }),
		WithLogger(zerolog.Nop()),
	)
	u, err := f.store.CreateUser(context.Background(), models.User{Email: "farmer@example.com"})
	require.NoError(t, err)
	f.user = u
	return f
}

func (f *fixture) setTier(t *testing.T, tier models.Tier, status models.BillingStatus, periodEnd *time.Time) {
	t.Helper()
	sub := models.DefaultSubscription(f.user.ID)
	sub.PlanTier = tier
	sub.BillingStatus = status
	sub.PeriodEnd = periodEnd
	require.NoError(t, f.store.SaveSubscription(context.Background(), sub))
}

func TestFreeTierAllowsUntilLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, feature := range models.Features {
		limit := f.checker.catalog.QuotaFor(models.TierFree, feature).Max
		for n := 0; n < limit; n++ {
			ent, err := f.checker.Check(ctx, f.user.ID, feature)
			require.NoError(t, err)
			assert.True(t, ent.Allowed, "%s after %d", feature, n)
			f.checker.Increment(ctx, f.user.ID, feature)
		}
		ent, err := f.checker.Check(ctx, f.user.ID, feature)
		require.NoError(t, err)
		assert.False(t, ent.Allowed, feature)
	}
}

func TestExportDeniedAfterThreeUses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		f.checker.Increment(ctx, f.user.ID, models.FeatureExport)
	}

	ent, err := f.checker.Check(ctx, f.user.ID, models.FeatureExport)
	require.NoError(t, err)
	assert.False(t, ent.Allowed)
	assert.Equal(t, 3, ent.Used)
	assert.Equal(t, 3, ent.Limit.Max)
	assert.Equal(t, 0, ent.Remaining())

	raw, err := json.Marshal(ent)
	require.NoError(t, err)
	assert.JSONEq(t, `{"feature":"export","tier":"free","allowed":false,"used":3,"limit":3,"remaining":0,"unlimited":false}`, string(raw))
}

func TestPaidTierIsUnlimited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setTier(t, models.TierPremium, models.BillingActive, nil)

	for i := 0; i < 50; i++ {
		f.checker.Increment(ctx, f.user.ID, models.FeatureScan)
	}

	ent, err := f.checker.Check(ctx, f.user.ID, models.FeatureScan)
	require.NoError(t, err)
	assert.True(t, ent.Allowed)
	assert.Equal(t, 0, ent.Used)
	assert.True(t, ent.Limit.Unlimited)

	raw, err := json.Marshal(ent)
	require.NoError(t, err)
	assert.JSONEq(t, `{"feature":"scan","tier":"premium","allowed":true,"used":0,"limit":null,"remaining":null,"unlimited":true}`, string(raw))

	// Paid usage is still recorded.
	entry, err := f.store.GetOrCreateUsage(ctx, f.user.ID, f.checker.Period())
	require.NoError(t, err)
	assert.Equal(t, 50, entry.ScanCount)
}

func TestPastDueAndTrialingKeepPaidTier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, status := range []models.BillingStatus{models.BillingPastDue, models.BillingTrialing} {
		f.setTier(t, models.TierStandard, status, nil)
		ent, err := f.checker.Check(ctx, f.user.ID, models.FeatureAssistant)
		require.NoError(t, err)
		assert.True(t, ent.Limit.Unlimited, status)
	}
}

func TestCanceledTierLapsesAtPeriodEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	end := f.now.Add(24 * time.Hour)
	f.setTier(t, models.TierPremium, models.BillingCanceled, &end)

	ent, err := f.checker.Check(ctx, f.user.ID, models.FeatureExport)
	require.NoError(t, err)
	assert.Equal(t, models.TierPremium, ent.Tier)
	assert.True(t, ent.Limit.Unlimited)

	f.now = end
	ent, err = f.checker.Check(ctx, f.user.ID, models.FeatureExport)
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, ent.Tier)
	assert.False(t, ent.Limit.Unlimited)
}

func TestCountersAreScopedPerCalendarMonth(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.now = time.Date(2024, 1, 31, 12, 0, 0, 0, time.UTC)
	f.checker.Increment(ctx, f.user.ID, models.FeatureExport)

	f.now = time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	ent, err := f.checker.Check(ctx, f.user.ID, models.FeatureExport)
	require.NoError(t, err)
	assert.Equal(t, 0, ent.Used)
}

func TestPeriodFollowsConfiguredZone(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	f := newFixture(t)
	WithLocation(tokyo)(f.checker)

	// 2024-01-31 16:00 UTC is already February in Tokyo.
	f.now = time.Date(2024, 1, 31, 16, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), f.checker.Period())
}

func TestMissingSubscriptionDefaultsToFree(t *testing.T) {
	f := newFixture(t)

	ent, err := f.checker.Check(context.Background(), uuid.New(), models.FeatureScan)
	// The ledger row cannot be created for an unknown user.
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.False(t, ent.Allowed)
}

func TestUnknownFeatureIsInvalid(t *testing.T) {
	f := newFixture(t)

	_, err := f.checker.Check(context.Background(), f.user.ID, "translate")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

type failingStore struct {
	*store.Memory
	calls int
}

func (s *failingStore) IncrementUsage(ctx context.Context, userID uuid.UUID, period time.Time, feature models.Feature) (int, error) {
	s.calls++
	return 0, apperr.Persistence("increment usage", errors.New("connection reset"), true)
}

func TestIncrementFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	fs := &failingStore{Memory: f.store}
	checker := New(fs, f.checker.catalog,
		WithRetry(retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 1}),
		WithLogger(zerolog.Nop()),
	)

	assert.NotPanics(t, func() {
		checker.Increment(context.Background(), f.user.ID, models.FeatureScan)
	})
	assert.Equal(t, 2, fs.calls)
}

func TestAdvanced(t *testing.T) {
	ent := Entitlement{Feature: models.FeatureExport, Tier: models.TierFree, Allowed: true, Used: 2, Limit: plans.Finite(3)}

	next := ent.Advanced()
	assert.Equal(t, 3, next.Used)
	assert.Equal(t, 0, next.Remaining())
	assert.False(t, next.Allowed)

	unlimited := Entitlement{Allowed: true, Limit: plans.Unlimited}
	assert.Equal(t, unlimited, unlimited.Advanced())
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.checker.Increment(ctx, f.user.ID, models.FeatureScan)

	snap, err := f.checker.Snapshot(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, snap.Tier)
	assert.Len(t, snap.Features, 3)
	assert.Equal(t, 1, snap.Features[models.FeatureScan].Used)
	assert.Equal(t, 9, snap.Features[models.FeatureScan].Remaining())
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), snap.ResetsAt)
}

func TestQuotaErrorMatchesSentinel(t *testing.T) {
	err := error(&QuotaError{Entitlement: Entitlement{Feature: models.FeatureScan, Used: 10, Limit: plans.Finite(10)}})
	assert.ErrorIs(t, err, apperr.ErrQuotaExceeded)

	var qe *QuotaError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, 10, qe.Entitlement.Used)
}
