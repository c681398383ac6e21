package models

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	GoogleID     *string   `json:"-"`
	DisplayName  string    `json:"display_name"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Tier identifies a plan in the catalog.
type Tier string

const (
	TierFree      Tier = "free"
	TierStandard  Tier = "standard"
	TierPremium   Tier = "premium"
	TierProYearly Tier = "pro_yearly"
)

// BillingStatus is the local view of the processor's subscription status.
type BillingStatus string

const (
	BillingActive   BillingStatus = "active"
	BillingCanceled BillingStatus = "canceled"
	BillingPastDue  BillingStatus = "past_due"
	BillingTrialing BillingStatus = "trialing"
)

// Subscription is the per-user record of the current plan. It is written
// only by billing reconciliation and the period-end sweeper.
type Subscription struct {
	UserID                  uuid.UUID     `json:"user_id"`
	PlanTier                Tier          `json:"plan_tier"`
	BillingStatus           BillingStatus `json:"billing_status"`
	ExternalCustomerRef     *string       `json:"external_customer_ref"`
	ExternalSubscriptionRef *string       `json:"external_subscription_ref"`
	PeriodStart             *time.Time    `json:"period_start"`
	PeriodEnd               *time.Time    `json:"period_end"`
	// LastEventAt is the creation time of the newest billing event applied.
	LastEventAt *time.Time `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// DefaultSubscription is the record every user starts from.
func DefaultSubscription(userID uuid.UUID) Subscription {
	return Subscription{
		UserID:        userID,
		PlanTier:      TierFree,
		BillingStatus: BillingActive,
	}
}

// RevertToFree drops the paid plan and billing cycle. The customer
// reference survives so a later checkout reuses it.
func (s *Subscription) RevertToFree() {
	s.PlanTier = TierFree
	s.BillingStatus = BillingActive
	s.ExternalSubscriptionRef = nil
	s.PeriodStart = nil
	s.PeriodEnd = nil
}

// Lapsed reports whether a canceled subscription has run out its paid
// period at now. A canceled record without a period end has nothing left
// to honor.
func (s Subscription) Lapsed(now time.Time) bool {
	if s.BillingStatus != BillingCanceled {
		return false
	}
	return s.PeriodEnd == nil || !now.Before(*s.PeriodEnd)
}

// EffectiveTier is the tier entitlements are computed from at now.
func (s Subscription) EffectiveTier(now time.Time) Tier {
	if s.PlanTier == "" || s.Lapsed(now) {
		return TierFree
	}
	return s.PlanTier
}

// Feature is a metered capability.
type Feature string

const (
	FeatureScan      Feature = "scan"
	FeatureAssistant Feature = "assistant"
	FeatureExport    Feature = "export"
)

// Features lists every metered feature in display order.
var Features = []Feature{FeatureScan, FeatureAssistant, FeatureExport}

func (f Feature) Valid() bool {
	switch f {
	case FeatureScan, FeatureAssistant, FeatureExport:
		return true
	}
	return false
}

// UsageLedgerEntry counts metered calls for one user in one calendar month.
type UsageLedgerEntry struct {
	UserID         uuid.UUID `json:"user_id"`
	PeriodStart    time.Time `json:"period_start"`
	ScanCount      int       `json:"scan_count"`
	AssistantCount int       `json:"assistant_count"`
	ExportCount    int       `json:"export_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Count returns the counter for f.
func (e UsageLedgerEntry) Count(f Feature) int {
	switch f {
	case FeatureScan:
		return e.ScanCount
	case FeatureAssistant:
		return e.AssistantCount
	case FeatureExport:
		return e.ExportCount
	}
	return 0
}

// PeriodStart returns the first day of t's calendar month in loc, as a
// UTC midnight value suitable for a DATE column.
func PeriodStart(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, time.UTC)
}

const (
	KindExpense = "expense"
	KindSale    = "sale"
)

const (
	SourceManual  = "manual"
	SourceReceipt = "receipt"
)

// Transaction is a bookkeeping line: an expense or a sale, in yen.
type Transaction struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	Kind       string    `json:"kind"`
	OccurredOn time.Time `json:"occurred_on"`
	Category   string    `json:"category"`
	Amount     int64     `json:"amount"`
	Memo       string    `json:"memo"`
	Source     string    `json:"source"`
	CreatedAt  time.Time `json:"created_at"`
}

// TransactionFilter narrows ListTransactions. Zero values mean no bound.
type TransactionFilter struct {
	Kind string
	From time.Time
	To   time.Time
}

// MonthlyTotal is one month's sum for one kind.
type MonthlyTotal struct {
	Month  time.Time `json:"month"`
	Kind   string    `json:"kind"`
	Amount int64     `json:"amount"`
}

// CategoryTotal is a sum for one category over a range.
type CategoryTotal struct {
	Category string `json:"category"`
	Amount   int64  `json:"amount"`
}
