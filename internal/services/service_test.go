package services

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"agrimanagement/internal/apperr"
	"agrimanagement/internal/config"
	"agrimanagement/internal/models"
	"agrimanagement/internal/store"
)

func newTestService(t *testing.T, now time.Time) *Service {
	t.Helper()
	svc := New(store.NewMemory(), config.Config{UsageTimezone: "Asia/Tokyo"})
	svc.now = func() time.Time { return now }
	return svc
}

func TestCreateUserAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, time.Now())

	user, err := svc.CreateUser(ctx, " Grower@Example.com ", "correct horse", "Sato")
	require.NoError(t, err)
	assert.Equal(t, "grower@example.com", user.Email)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("correct horse")))

	acct, err := svc.Account(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, acct.Subscription.PlanTier)
	assert.Equal(t, models.BillingActive, acct.Subscription.BillingStatus)

	_, err = svc.CreateUser(ctx, "grower@example.com", "another password", "")
	assert.ErrorIs(t, err, ErrEmailTaken)

	got, err := svc.AuthenticateUser(ctx, "GROWER@example.com", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, err = svc.AuthenticateUser(ctx, "grower@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.AuthenticateUser(ctx, "nobody@example.com", "correct horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestCreateUserValidation(t *testing.T) {
	svc := newTestService(t, time.Now())
	_, err := svc.CreateUser(context.Background(), "not-an-email", "long enough", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = svc.CreateUser(context.Background(), "a@example.com", "short", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestGoogleSignInLinksExistingAccount(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, time.Now())

	pw, err := svc.CreateUser(ctx, "grower@example.com", "correct horse", "")
	require.NoError(t, err)

	linked, created, err := svc.GetOrCreateUserByGoogleID(ctx, "g-1", "Grower@example.com", "Sato")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, pw.ID, linked.ID)

	again, created, err := svc.GetOrCreateUserByGoogleID(ctx, "g-1", "grower@example.com", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, pw.ID, again.ID)

	fresh, created, err := svc.GetOrCreateUserByGoogleID(ctx, "g-2", "new@example.com", "Suzuki")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, pw.ID, fresh.ID)

	_, err = svc.AuthenticateUser(ctx, "new@example.com", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestTransactionsAreOwnerScoped(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, time.Now())
	alice, err := svc.CreateUser(ctx, "alice@example.com", "password1", "")
	require.NoError(t, err)
	bob, err := svc.CreateUser(ctx, "bob@example.com", "password2", "")
	require.NoError(t, err)

	tx, err := svc.CreateTransaction(ctx, alice.ID, TransactionInput{
		Kind: models.KindExpense, OccurredOn: "2024-05-02", Category: "fertilizer", Amount: 4200,
	})
	require.NoError(t, err)
	assert.Equal(t, models.SourceManual, tx.Source)

	list, err := svc.ListTransactions(ctx, bob.ID, models.TransactionFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)

	assert.ErrorIs(t, svc.DeleteTransaction(ctx, bob.ID, tx.ID), apperr.ErrNotFound)
	assert.NoError(t, svc.DeleteTransaction(ctx, alice.ID, tx.ID))
	assert.ErrorIs(t, svc.DeleteTransaction(ctx, alice.ID, uuid.New()), apperr.ErrNotFound)
}

func TestCreateTransactionValidation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, time.Now())
	user, err := svc.CreateUser(ctx, "a@example.com", "password1", "")
	require.NoError(t, err)

	bad := []TransactionInput{
		{Kind: "refund", OccurredOn: "2024-05-02", Amount: 1},
		{Kind: models.KindSale, OccurredOn: "02/05/2024", Amount: 1},
		{Kind: models.KindSale, OccurredOn: "2024-05-02", Amount: 0},
		{Kind: models.KindSale, OccurredOn: "2024-05-02", Amount: 1, Category: "fertilizer"},
		{Kind: models.KindExpense, OccurredOn: "2024-05-02", Amount: 1, Source: "import"},
	}
	for _, in := range bad {
		_, err := svc.CreateTransaction(ctx, user.ID, in)
		assert.ErrorIs(t, err, apperr.ErrInvalidInput, "%+v", in)
	}
}

func TestDashboard(t *testing.T) {
	ctx := context.Background()
	// 2024-03-31 23:30 UTC is already April 1st in Tokyo.
	svc := newTestService(t, time.Date(2024, 3, 31, 23, 30, 0, 0, time.UTC))
	user, err := svc.CreateUser(ctx, "a@example.com", "password1", "")
	require.NoError(t, err)

	add := func(kind, date, category string, amount int64) {
		_, err := svc.CreateTransaction(ctx, user.ID, TransactionInput{Kind: kind, OccurredOn: date, Category: category, Amount: amount})
		require.NoError(t, err)
	}
	add(models.KindSale, "2024-04-01", "produce", 50000)
	add(models.KindExpense, "2024-04-01", "fuel_utilities", 8000)
	add(models.KindExpense, "2024-02-10", "fertilizer", 12000)
	add(models.KindSale, "2023-12-20", "produce", 30000)
	add(models.KindExpense, "2023-04-30", "seeds", 999)

	d, err := svc.Dashboard(ctx, user.ID)
	require.NoError(t, err)

	assert.Equal(t, "2024-04-01", d.AsOf)
	assert.Equal(t, Totals{Sales: 50000, Expenses: 8000, Profit: 42000}, d.ThisMonth)
	assert.Equal(t, Totals{Sales: 50000, Expenses: 20000, Profit: 30000}, d.YearToDate)

	require.Len(t, d.Trend, 12)
	assert.Equal(t, "2023-05", d.Trend[0].Month)
	assert.Equal(t, "2024-04", d.Trend[11].Month)
	assert.Equal(t, int64(30000), d.Trend[7].Sales)
	assert.Equal(t, int64(12000), d.Trend[9].Expenses)
	for _, p := range d.Trend {
		assert.NotEqual(t, int64(999), p.Expenses)
	}

	require.Len(t, d.TopExpenseCategories, 2)
	assert.Equal(t, "fertilizer", d.TopExpenseCategories[0].Category)
}

func TestTruncateMemo(t *testing.T) {
	assert.Equal(t, "JA Store", TruncateMemo("  JA Store "))
	long := strings.Repeat("あ", maxMemoRunes+20)
	cut := TruncateMemo(long)
	assert.Equal(t, maxMemoRunes, utf8.RuneCountInString(cut))

	svc := newTestService(t, time.Now())
	user, err := svc.CreateUser(context.Background(), "memo@example.com", "password1", "")
	require.NoError(t, err)
	_, err = svc.CreateTransaction(context.Background(), user.ID, TransactionInput{
		Kind: models.KindExpense, OccurredOn: "2024-05-02", Amount: 1, Memo: cut,
	})
	require.NoError(t, err)
}
