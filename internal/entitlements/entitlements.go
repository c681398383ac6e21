// Package entitlements decides whether a user may perform a metered action
// by combining the plan catalog with the monthly usage ledger.
package entitlements

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"agrimanagement/internal/apperr"
	"agrimanagement/internal/metrics"
	"agrimanagement/internal/models"
	"agrimanagement/internal/plans"
	"agrimanagement/internal/retry"
)

// Store is the slice of persistence the checker reads and writes.
type Store interface {
	GetSubscription(ctx context.Context, userID uuid.UUID) (models.Subscription, error)
	GetOrCreateUsage(ctx context.Context, userID uuid.UUID, period time.Time) (models.UsageLedgerEntry, error)
	IncrementUsage(ctx context.Context, userID uuid.UUID, period time.Time, feature models.Feature) (int, error)
}

// Entitlement is the result of one check.
type Entitlement struct {
	Feature models.Feature
	Tier    models.Tier
	Allowed bool
	Used    int
	Limit   plans.Limit
}

// Remaining is max(0, limit-used); -1 when unlimited.
func (e Entitlement) Remaining() int {
	return e.Limit.Remaining(e.Used)
}

// Advanced returns the entitlement as it stands after one more successful
// call. Unlimited entitlements are returned unchanged.
func (e Entitlement) Advanced() Entitlement {
	if e.Limit.Unlimited {
		return e
	}
	e.Used++
	e.Allowed = e.Limit.Allows(e.Used)
	return e
}

func (e Entitlement) MarshalJSON() ([]byte, error) {
	out := struct {
		Feature   models.Feature `json:"feature"`
		Tier      models.Tier    `json:"tier"`
		Allowed   bool           `json:"allowed"`
		Used      int            `json:"used"`
		Limit     *int           `json:"limit"`
		Remaining *int           `json:"remaining"`
		Unlimited bool           `json:"unlimited"`
	}{
		Feature:   e.Feature,
		Tier:      e.Tier,
		Allowed:   e.Allowed,
		Used:      e.Used,
		Unlimited: e.Limit.Unlimited,
	}
	if !e.Limit.Unlimited {
		limit, remaining := e.Limit.Max, e.Remaining()
		out.Limit, out.Remaining = &limit, &remaining
	}
	return json.Marshal(out)
}

// QuotaError is returned to callers that were denied. It carries the
// entitlement so clients can render upgrade messaging.
type QuotaError struct {
	Entitlement Entitlement
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s quota exceeded: used %d of %d on %s plan",
		e.Entitlement.Feature, e.Entitlement.Used, e.Entitlement.Limit.Max, e.Entitlement.Tier)
}

func (e *QuotaError) Is(target error) bool { return target == apperr.ErrQuotaExceeded }

// Snapshot is the per-feature usage view for one user.
type Snapshot struct {
	Tier          models.Tier                    `json:"tier"`
	BillingStatus models.BillingStatus           `json:"billing_status"`
	PeriodStart   time.Time                      `json:"period_start"`
	ResetsAt      time.Time                      `json:"resets_at"`
	Features      map[models.Feature]Entitlement `json:"features"`
}

type Checker struct {
	store   Store
	catalog *plans.Catalog
	now     func() time.Time
	loc     *time.Location
	retry   retry.Config
	logger  zerolog.Logger
}

type Option func(*Checker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

// WithLocation sets the zone calendar months are counted in.
func WithLocation(loc *time.Location) Option {
	return func(c *Checker) {
		if loc != nil {
			c.loc = loc
		}
	}
}

func WithRetry(cfg retry.Config) Option {
	return func(c *Checker) { c.retry = cfg }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Checker) { c.logger = logger }
}

func New(store Store, catalog *plans.Catalog, opts ...Option) *Checker {
	c := &Checker{
		store:   store,
		catalog: catalog,
		now:     time.Now,
		loc:     time.UTC,
		retry:   retry.Default(),
		logger:  log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Period returns the ledger period containing now.
func (c *Checker) Period() time.Time {
	return models.PeriodStart(c.now(), c.loc)
}

// Check reports whether userID may use feature now. It never changes a
// counter, so it is safe to call speculatively.
func (c *Checker) Check(ctx context.Context, userID uuid.UUID, feature models.Feature) (Entitlement, error) {
	if !feature.Valid() {
		return Entitlement{}, apperr.InvalidInput("unknown feature %q", feature)
	}
	sub, err := c.subscription(ctx, userID)
	if err != nil {
		return Entitlement{}, err
	}

	now := c.now()
	tier := sub.EffectiveTier(now)
	limit := c.catalog.QuotaFor(tier, feature)
	var ent Entitlement
	if limit.Unlimited {
		ent = Entitlement{Feature: feature, Tier: tier, Allowed: true, Limit: limit}
	} else {
		entry, err := c.store.GetOrCreateUsage(ctx, userID, models.PeriodStart(now, c.loc))
		if err != nil {
			return Entitlement{}, err
		}
		ent = evaluate(feature, tier, limit, entry)
	}

	decision := "allowed"
	if !ent.Allowed {
		decision = "denied"
	}
	metrics.EntitlementDecisions.WithLabelValues(string(feature), string(tier), decision).Inc()
	return ent, nil
}

// Increment counts one successful use of feature. It retries transient
// failures and otherwise logs them; the caller's operation already
// succeeded and is never failed for a missed count.
func (c *Checker) Increment(ctx context.Context, userID uuid.UUID, feature models.Feature) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	period := c.Period()
	err := retry.Do(ctx, c.retry, func(ctx context.Context) error {
		_, err := c.store.IncrementUsage(ctx, userID, period, feature)
		return err
	})
	if err != nil {
		metrics.UsageIncrements.WithLabelValues(string(feature), "failed").Inc()
		c.logger.Error().Err(err).
			Str("user_id", userID.String()).
			Str("feature", string(feature)).
			Time("period_start", period).
			Msg("usage increment failed; usage is under-counted")
		return
	}
	metrics.UsageIncrements.WithLabelValues(string(feature), "ok").Inc()
}

// Snapshot evaluates every metered feature for userID.
func (c *Checker) Snapshot(ctx context.Context, userID uuid.UUID) (Snapshot, error) {
	sub, err := c.subscription(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	now := c.now()
	tier := sub.EffectiveTier(now)
	period := models.PeriodStart(now, c.loc)

	status := sub.BillingStatus
	if tier == models.TierFree && sub.Lapsed(now) {
		status = models.BillingActive
	}
	snap := Snapshot{
		Tier:          tier,
		BillingStatus: status,
		PeriodStart:   period,
		ResetsAt:      time.Date(period.Year(), period.Month()+1, 1, 0, 0, 0, 0, c.loc),
		Features:      make(map[models.Feature]Entitlement, len(models.Features)),
	}

	var entry *models.UsageLedgerEntry
	for _, f := range models.Features {
		limit := c.catalog.QuotaFor(tier, f)
		if limit.Unlimited {
			snap.Features[f] = Entitlement{Feature: f, Tier: tier, Allowed: true, Limit: limit}
			continue
		}
		if entry == nil {
			e, err := c.store.GetOrCreateUsage(ctx, userID, period)
			if err != nil {
				return Snapshot{}, err
			}
			entry = &e
		}
		snap.Features[f] = evaluate(f, tier, limit, *entry)
	}
	return snap, nil
}

func (c *Checker) subscription(ctx context.Context, userID uuid.UUID) (models.Subscription, error) {
	sub, err := c.store.GetSubscription(ctx, userID)
	if errors.Is(err, apperr.ErrNotFound) {
		return models.DefaultSubscription(userID), nil
	}
	return sub, err
}

func evaluate(feature models.Feature, tier models.Tier, limit plans.Limit, entry models.UsageLedgerEntry) Entitlement {
	used := entry.Count(feature)
	return Entitlement{
		Feature: feature,
		Tier:    tier,
		Allowed: limit.Allows(used),
		Used:    used,
		Limit:   limit,
	}
}
