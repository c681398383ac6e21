package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrimanagement/internal/apperr"
	"agrimanagement/internal/models"
)

func newUser(t *testing.T, s *Memory, email string) models.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), models.User{Email: email})
	require.NoError(t, err)
	return u
}

func strPtr(s string) *string { return &s }

func TestCreateUserCreatesDefaultSubscription(t *testing.T) {
	s := NewMemory()
	u := newUser(t, s, "Farmer@Example.com")

	assert.Equal(t, "farmer@example.com", u.Email)
	sub, err := s.GetSubscription(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, sub.PlanTier)
	assert.Equal(t, models.BillingActive, sub.BillingStatus)
	assert.Nil(t, sub.ExternalSubscriptionRef)

	_, err = s.CreateUser(context.Background(), models.User{Email: "farmer@example.com"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestUsageLedgerIsScopedPerPeriod(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	u := newUser(t, s, "a@example.com")

	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	n, err := s.IncrementUsage(ctx, u.ID, jan, models.FeatureExport)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e, err := s.GetOrCreateUsage(ctx, u.ID, feb)
	require.NoError(t, err)
	assert.Equal(t, 0, e.ExportCount)

	e, err = s.GetOrCreateUsage(ctx, u.ID, jan)
	require.NoError(t, err)
	assert.Equal(t, 1, e.ExportCount)
	assert.Equal(t, 0, e.ScanCount)
}

func TestIncrementUsageIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	u := newUser(t, s, "a@example.com")
	period := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.IncrementUsage(ctx, u.ID, period, models.FeatureScan)
		}()
	}
	wg.Wait()

	e, err := s.GetOrCreateUsage(ctx, u.ID, period)
	require.NoError(t, err)
	assert.Equal(t, 50, e.ScanCount)
}

func TestIncrementUsageRejectsUnknownFeature(t *testing.T) {
	s := NewMemory()
	u := newUser(t, s, "a@example.com")

	_, err := s.IncrementUsage(context.Background(), u.ID, time.Now(), "translate")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestSaveSubscriptionUpsertsAndKeepsCustomer(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	u := newUser(t, s, "a@example.com")

	ref, err := s.SetExternalCustomer(ctx, u.ID, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", ref)

	ref, err = s.SetExternalCustomer(ctx, u.ID, "cus_2")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", ref, "customer is stored once")

	sub := models.DefaultSubscription(u.ID)
	sub.PlanTier = models.TierPremium
	sub.ExternalSubscriptionRef = strPtr("sub_1")
	require.NoError(t, s.SaveSubscription(ctx, sub))

	got, err := s.FindSubscriptionByExternalRef(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.TierPremium, got.PlanTier)
	require.NotNil(t, got.ExternalCustomerRef)
	assert.Equal(t, "cus_1", *got.ExternalCustomerRef)
}

func TestSaveSubscriptionRejectsForeignRefAndUnknownUser(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	a := newUser(t, s, "a@example.com")
	b := newUser(t, s, "b@example.com")

	sub := models.DefaultSubscription(a.ID)
	sub.ExternalSubscriptionRef = strPtr("sub_1")
	require.NoError(t, s.SaveSubscription(ctx, sub))

	other := models.DefaultSubscription(b.ID)
	other.ExternalSubscriptionRef = strPtr("sub_1")
	assert.ErrorIs(t, s.SaveSubscription(ctx, other), ErrConflict)

	assert.ErrorIs(t, s.SaveSubscription(ctx, models.DefaultSubscription(uuid.New())), apperr.ErrNotFound)
}

func TestSaveSubscriptionRefusesOlderEvent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	u := newUser(t, s, "a@example.com")
	early := time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)
	late := early.Add(time.Minute)

	sub := models.DefaultSubscription(u.ID)
	sub.ExternalCustomerRef = strPtr("cus_1")
	sub.LastEventAt = &late
	require.NoError(t, s.SaveSubscription(ctx, sub))

	older := models.DefaultSubscription(u.ID)
	older.PlanTier = models.TierPremium
	older.ExternalSubscriptionRef = strPtr("sub_1")
	older.LastEventAt = &early
	assert.ErrorIs(t, s.SaveSubscription(ctx, older), ErrStale)

	got, err := s.FindSubscriptionByCustomerRef(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, got.PlanTier)
	assert.Equal(t, late, *got.LastEventAt)

	// Writes without an event time are not ordered.
	older.LastEventAt = nil
	require.NoError(t, s.SaveSubscription(ctx, older))
	got, err = s.GetSubscription(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TierPremium, got.PlanTier)
	assert.Equal(t, late, *got.LastEventAt)

	_, err = s.FindSubscriptionByCustomerRef(ctx, "cus_missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRevertExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)

	expired := newUser(t, s, "expired@example.com")
	running := newUser(t, s, "running@example.com")
	active := newUser(t, s, "active@example.com")

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	save := func(id uuid.UUID, status models.BillingStatus, end time.Time, ref string) {
		sub := models.DefaultSubscription(id)
		sub.PlanTier = models.TierStandard
		sub.BillingStatus = status
		sub.ExternalSubscriptionRef = strPtr(ref)
		sub.PeriodEnd = &end
		require.NoError(t, s.SaveSubscription(ctx, sub))
	}
	save(expired.ID, models.BillingCanceled, past, "sub_a")
	save(running.ID, models.BillingCanceled, future, "sub_b")
	save(active.ID, models.BillingActive, past, "sub_c")

	ids, err := s.RevertExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{expired.ID}, ids)

	sub, err := s.GetSubscription(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, sub.PlanTier)
	assert.Equal(t, models.BillingActive, sub.BillingStatus)
	assert.Nil(t, sub.ExternalSubscriptionRef)
	assert.Nil(t, sub.PeriodEnd)

	sub, err = s.GetSubscription(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TierStandard, sub.PlanTier)
}

func TestTransactionsAndTotals(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	u := newUser(t, s, "a@example.com")
	other := newUser(t, s, "b@example.com")

	day := func(m time.Month, d int) time.Time { return time.Date(2024, m, d, 0, 0, 0, 0, time.UTC) }
	add := func(uid uuid.UUID, kind, cat string, on time.Time, amount int64) models.Transaction {
		tx, err := s.CreateTransaction(ctx, models.Transaction{UserID: uid, Kind: kind, Category: cat, OccurredOn: on, Amount: amount, Source: models.SourceManual})
		require.NoError(t, err)
		return tx
	}
	add(u.ID, models.KindExpense, "fertilizer", day(1, 5), 3000)
	add(u.ID, models.KindExpense, "fuel", day(1, 20), 1000)
	add(u.ID, models.KindExpense, "fertilizer", day(2, 2), 500)
	sale := add(u.ID, models.KindSale, "vegetables", day(2, 10), 9000)
	add(other.ID, models.KindSale, "vegetables", day(2, 10), 1)

	list, err := s.ListTransactions(ctx, u.ID, models.TransactionFilter{Kind: models.KindExpense})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, day(2, 2), list[0].OccurredOn)

	totals, err := s.MonthlyTotals(ctx, u.ID, day(1, 1), day(3, 1))
	require.NoError(t, err)
	assert.Equal(t, []models.MonthlyTotal{
		{Month: day(1, 1), Kind: models.KindExpense, Amount: 4000},
		{Month: day(2, 1), Kind: models.KindExpense, Amount: 500},
		{Month: day(2, 1), Kind: models.KindSale, Amount: 9000},
	}, totals)

	cats, err := s.CategoryTotals(ctx, u.ID, models.KindExpense, day(1, 1), day(3, 1), 1)
	require.NoError(t, err)
	assert.Equal(t, []models.CategoryTotal{{Category: "fertilizer", Amount: 3500}}, cats)

	assert.ErrorIs(t, s.DeleteTransaction(ctx, other.ID, sale.ID), apperr.ErrNotFound)
	assert.NoError(t, s.DeleteTransaction(ctx, u.ID, sale.ID))
}
