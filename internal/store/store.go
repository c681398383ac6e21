// Package store persists users, subscriptions, the usage ledger and
// bookkeeping transactions. Postgres is the production backend; Memory
// serves tests and local runs without a database.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"agrimanagement/internal/models"
)

var (
	// ErrConflict is returned when a unique key is already held by another row.
	ErrConflict = errors.New("conflict")
	// ErrStale is returned by SaveSubscription when the stored record was
	// written by a later billing event than the one being saved.
	ErrStale = errors.New("stale write")
)

type Users interface {
	CreateUser(ctx context.Context, user models.User) (models.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (models.User, error)
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
	GetUserByGoogleID(ctx context.Context, googleID string) (models.User, error)
	LinkGoogleID(ctx context.Context, userID uuid.UUID, googleID string) error
}

type Subscriptions interface {
	// EnsureSubscription returns the user's record, creating the default
	// {free, active} row when none exists.
	EnsureSubscription(ctx context.Context, userID uuid.UUID) (models.Subscription, error)
	GetSubscription(ctx context.Context, userID uuid.UUID) (models.Subscription, error)
	FindSubscriptionByExternalRef(ctx context.Context, subscriptionRef string) (models.Subscription, error)
	FindSubscriptionByCustomerRef(ctx context.Context, customerRef string) (models.Subscription, error)
	// SaveSubscription upserts the full record keyed by user id. The write
	// is refused with ErrStale when both the stored and the new record carry
	// LastEventAt and the stored one is later.
	SaveSubscription(ctx context.Context, sub models.Subscription) error
	// SetExternalCustomer stores ref unless a customer is already recorded
	// and returns whichever ref is stored afterwards.
	SetExternalCustomer(ctx context.Context, userID uuid.UUID, ref string) (string, error)
	// RevertExpired moves every canceled subscription whose period ended
	// at or before now back to {free, active, nulls}.
	RevertExpired(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}

type Usage interface {
	GetOrCreateUsage(ctx context.Context, userID uuid.UUID, period time.Time) (models.UsageLedgerEntry, error)
	// IncrementUsage adds exactly one to feature's counter and returns the
	// new value.
	IncrementUsage(ctx context.Context, userID uuid.UUID, period time.Time, feature models.Feature) (int, error)
}

type Transactions interface {
	CreateTransaction(ctx context.Context, tx models.Transaction) (models.Transaction, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, filter models.TransactionFilter) ([]models.Transaction, error)
	DeleteTransaction(ctx context.Context, userID, id uuid.UUID) error
	// MonthlyTotals sums amounts per month and kind for from <= occurred_on < to.
	MonthlyTotals(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]models.MonthlyTotal, error)
	// CategoryTotals returns the largest categories of kind in the range.
	CategoryTotals(ctx context.Context, userID uuid.UUID, kind string, from, to time.Time, limit int) ([]models.CategoryTotal, error)
}

// Store is everything the application persists.
type Store interface {
	Users
	Subscriptions
	Usage
	Transactions
}

var usageColumns = map[models.Feature]string{
	models.FeatureScan:      "scan_count",
	models.FeatureAssistant: "assistant_count",
	models.FeatureExport:    "export_count",
}
