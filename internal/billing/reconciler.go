package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"agrimanagement/internal/apperr"
	"agrimanagement/internal/metrics"
	"agrimanagement/internal/models"
	"agrimanagement/internal/plans"
	"agrimanagement/internal/store"
)

// Store is the persistence the reconciler reads and writes.
type Store interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (models.User, error)
	EnsureSubscription(ctx context.Context, userID uuid.UUID) (models.Subscription, error)
	FindSubscriptionByExternalRef(ctx context.Context, subscriptionRef string) (models.Subscription, error)
	FindSubscriptionByCustomerRef(ctx context.Context, customerRef string) (models.Subscription, error)
	SaveSubscription(ctx context.Context, sub models.Subscription) error
}

// Notifier tells a user their payment failed.
type Notifier interface {
	PaymentFailed(ctx context.Context, user models.User, sub models.Subscription) error
}

// Outcome describes what applying one event did.
type Outcome struct {
	Applied bool
	// Stale is set when the event described a superseded subscription or
	// was older than the last applied event.
	Stale  bool
	UserID uuid.UUID
	Tier   models.Tier
	Status models.BillingStatus
}

// Reconciler applies billing events to the subscription record. Every
// event is applied as a snapshot of the fields it carries, so replays and
// reordering converge on the same state.
type Reconciler struct {
	store    Store
	catalog  *plans.Catalog
	gateway  Gateway
	notifier Notifier
	logger   zerolog.Logger
}

func NewReconciler(st Store, catalog *plans.Catalog, gateway Gateway, notifier Notifier) *Reconciler {
	return &Reconciler{
		store:    st,
		catalog:  catalog,
		gateway:  gateway,
		notifier: notifier,
		logger:   log.Logger,
	}
}

// WithLogger returns a copy of r logging to logger.
func (r *Reconciler) WithLogger(logger zerolog.Logger) *Reconciler {
	cp := *r
	cp.logger = logger
	return &cp
}

// Apply mutates the subscription record for ev. Errors matching
// apperr.ErrReconciliation mean the event can never be applied; any other
// error is worth a redelivery.
func (r *Reconciler) Apply(ctx context.Context, ev Event) (Outcome, error) {
	switch e := ev.(type) {
	case CheckoutCompleted:
		return r.applyCheckout(ctx, e)
	case SubscriptionUpdated:
		return r.applyUpdated(ctx, e)
	case SubscriptionDeleted:
		return r.applyDeleted(ctx, e)
	case PaymentFailed:
		return r.applyPaymentFailed(ctx, e)
	case nil:
		return Outcome{}, apperr.Reconciliation("", "nil event")
	}
	return Outcome{}, apperr.Reconciliation(ev.Meta().Type, "unsupported event variant %T", ev)
}

func (r *Reconciler) applyCheckout(ctx context.Context, e CheckoutCompleted) (Outcome, error) {
	if e.SubscriptionRef == "" {
		return Outcome{}, apperr.Reconciliation(e.Type, "checkout session %s created no subscription", e.SessionID)
	}
	if r.gateway == nil {
		return Outcome{}, apperr.ErrNotConfigured
	}

	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	state, err := r.gateway.FetchSubscription(fetchCtx, e.SubscriptionRef)
	if err != nil {
		var ext *apperr.ExternalError
		if errors.As(err, &ext) && ext.Kind == apperr.ExternalInvalidRequest {
			return Outcome{}, apperr.Reconciliation(e.Type, "subscription %s not retrievable: %v", e.SubscriptionRef, err)
		}
		return Outcome{}, err
	}
	if state.CustomerRef == "" {
		state.CustomerRef = e.CustomerRef
	}

	userID := e.UserID
	if userID == nil {
		userID = state.UserID
	}
	sub, err := r.resolve(ctx, e.Type, userID, state.Ref)
	if err != nil {
		return Outcome{}, err
	}
	if r.olderThanApplied(sub, e.EventMeta) {
		return r.stale(sub, e.EventMeta, "older than last applied event"), nil
	}
	// A new checkout replaces whatever subscription was on record, unless
	// this is the replay of a checkout whose subscription has since ended.
	status := mapStatus(state.Status)
	if sub.ExternalSubscriptionRef != nil && *sub.ExternalSubscriptionRef != state.Ref && status == models.BillingCanceled {
		return r.stale(sub, e.EventMeta, "checkout for an ended subscription"), nil
	}

	tier, ok := r.catalog.TierForPriceRef(state.PriceRef)
	if !ok {
		return Outcome{}, apperr.Reconciliation(e.Type, "unknown price %q", state.PriceRef)
	}
	return r.save(ctx, sub, e.EventMeta, func(s *models.Subscription) {
		applyState(s, tier, status, state)
	})
}

func (r *Reconciler) applyUpdated(ctx context.Context, e SubscriptionUpdated) (Outcome, error) {
	state := e.Subscription
	sub, err := r.resolve(ctx, e.Type, state.UserID, state.Ref)
	if err != nil {
		return Outcome{}, err
	}
	if reason, stale := r.superseded(sub, e.EventMeta, state.Ref); stale {
		return r.stale(sub, e.EventMeta, reason), nil
	}

	tier, ok := r.catalog.TierForPriceRef(state.PriceRef)
	if !ok {
		return Outcome{}, apperr.Reconciliation(e.Type, "unknown price %q", state.PriceRef)
	}
	return r.save(ctx, sub, e.EventMeta, func(s *models.Subscription) {
		applyState(s, tier, mapStatus(state.Status), state)
	})
}

func (r *Reconciler) applyDeleted(ctx context.Context, e SubscriptionDeleted) (Outcome, error) {
	state := e.Subscription
	sub, err := r.resolve(ctx, e.Type, state.UserID, state.Ref)
	if errors.Is(err, apperr.ErrReconciliation) && state.UserID == nil && state.CustomerRef != "" {
		// An immediate cancel clears the ref, so a redelivery can only be
		// matched through the customer.
		ended, lookupErr := r.store.FindSubscriptionByCustomerRef(ctx, state.CustomerRef)
		if lookupErr == nil {
			return r.stale(ended, e.EventMeta, "subscription already ended"), nil
		}
		if !errors.Is(lookupErr, apperr.ErrNotFound) {
			return Outcome{}, lookupErr
		}
	}
	if err != nil {
		return Outcome{}, err
	}
	if reason, stale := r.superseded(sub, e.EventMeta, state.Ref); stale {
		return r.stale(sub, e.EventMeta, reason), nil
	}

	out, err := r.save(ctx, sub, e.EventMeta, func(s *models.Subscription) {
		if state.CancelAtPeriodEnd {
			// Paid features run until PeriodEnd; the checker and sweeper
			// revert the tier after that.
			s.BillingStatus = models.BillingCanceled
			return
		}
		s.RevertToFree()
	})
	if out.Applied && !state.CancelAtPeriodEnd {
		metrics.SubscriptionReversions.WithLabelValues("immediate_cancel").Inc()
	}
	return out, err
}

func (r *Reconciler) applyPaymentFailed(ctx context.Context, e PaymentFailed) (Outcome, error) {
	if e.SubscriptionRef == "" {
		return Outcome{}, apperr.Reconciliation(e.Type, "invoice %s has no subscription", e.InvoiceRef)
	}
	sub, err := r.resolve(ctx, e.Type, e.UserID, e.SubscriptionRef)
	if err != nil {
		return Outcome{}, err
	}
	if sub.ExternalSubscriptionRef == nil {
		return r.stale(sub, e.EventMeta, "no paid subscription on record"), nil
	}
	if reason, stale := r.superseded(sub, e.EventMeta, e.SubscriptionRef); stale {
		return r.stale(sub, e.EventMeta, reason), nil
	}

	previous := sub.BillingStatus
	out, err := r.save(ctx, sub, e.EventMeta, func(s *models.Subscription) {
		s.BillingStatus = models.BillingPastDue
	})
	if err != nil || !out.Applied {
		return out, err
	}
	if previous != models.BillingPastDue {
		sub.BillingStatus = models.BillingPastDue
		r.notifyPaymentFailed(ctx, sub)
	}
	return out, nil
}

// resolve finds the local record for an event: metadata user id first,
// then the external subscription ref.
func (r *Reconciler) resolve(ctx context.Context, eventType string, userID *uuid.UUID, subscriptionRef string) (models.Subscription, error) {
	if userID != nil {
		sub, err := r.store.EnsureSubscription(ctx, *userID)
		if errors.Is(err, apperr.ErrNotFound) {
			return models.Subscription{}, apperr.Reconciliation(eventType, "unknown user %s", userID)
		}
		return sub, err
	}
	if subscriptionRef != "" {
		sub, err := r.store.FindSubscriptionByExternalRef(ctx, subscriptionRef)
		if errors.Is(err, apperr.ErrNotFound) {
			return models.Subscription{}, apperr.Reconciliation(eventType, "no user for subscription %s", subscriptionRef)
		}
		return sub, err
	}
	return models.Subscription{}, apperr.Reconciliation(eventType, "event carries neither user id nor subscription ref")
}

// superseded reports whether an event about subscriptionRef should be
// ignored because the record has moved on.
func (r *Reconciler) superseded(sub models.Subscription, meta EventMeta, subscriptionRef string) (string, bool) {
	if sub.ExternalSubscriptionRef != nil && subscriptionRef != "" && *sub.ExternalSubscriptionRef != subscriptionRef {
		return "subscription superseded by " + *sub.ExternalSubscriptionRef, true
	}
	if r.olderThanApplied(sub, meta) {
		return "older than last applied event", true
	}
	return "", false
}

func (r *Reconciler) olderThanApplied(sub models.Subscription, meta EventMeta) bool {
	return sub.LastEventAt != nil && !meta.Created.IsZero() && meta.Created.Before(*sub.LastEventAt)
}

func (r *Reconciler) stale(sub models.Subscription, meta EventMeta, reason string) Outcome {
	r.logger.Info().
		Str("event_id", meta.ID).
		Str("type", meta.Type).
		Str("user_id", sub.UserID.String()).
		Str("reason", reason).
		Msg("billing event ignored as stale")
	return Outcome{Stale: true, UserID: sub.UserID, Tier: sub.PlanTier, Status: sub.BillingStatus}
}

func (r *Reconciler) save(ctx context.Context, sub models.Subscription, meta EventMeta, mutate func(*models.Subscription)) (Outcome, error) {
	mutate(&sub)
	if !meta.Created.IsZero() {
		created := meta.Created
		sub.LastEventAt = &created
	}
	if err := r.store.SaveSubscription(ctx, sub); err != nil {
		if errors.Is(err, store.ErrStale) {
			if current, getErr := r.store.EnsureSubscription(ctx, sub.UserID); getErr == nil {
				sub = current
			}
			return r.stale(sub, meta, "newer event applied meanwhile"), nil
		}
		if errors.Is(err, store.ErrConflict) {
			return Outcome{}, apperr.Reconciliation(meta.Type, "external reference already belongs to another user")
		}
		if errors.Is(err, apperr.ErrNotFound) {
			return Outcome{}, apperr.Reconciliation(meta.Type, "unknown user %s", sub.UserID)
		}
		return Outcome{}, err
	}
	r.logger.Info().
		Str("event_id", meta.ID).
		Str("type", meta.Type).
		Str("user_id", sub.UserID.String()).
		Str("tier", string(sub.PlanTier)).
		Str("status", string(sub.BillingStatus)).
		Msg("billing event applied")
	return Outcome{Applied: true, UserID: sub.UserID, Tier: sub.PlanTier, Status: sub.BillingStatus}, nil
}

func (r *Reconciler) notifyPaymentFailed(ctx context.Context, sub models.Subscription) {
	if r.notifier == nil {
		return
	}
	user, err := r.store.GetUserByID(ctx, sub.UserID)
	if err != nil {
		r.logger.Warn().Err(err).Str("user_id", sub.UserID.String()).Msg("payment failed notice skipped: user lookup failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.notifier.PaymentFailed(ctx, user, sub); err != nil {
		r.logger.Warn().Err(err).Str("user_id", sub.UserID.String()).Msg("payment failed notice not sent")
	}
}

func applyState(s *models.Subscription, tier models.Tier, status models.BillingStatus, state SubscriptionState) {
	s.PlanTier = tier
	s.BillingStatus = status
	ref := state.Ref
	s.ExternalSubscriptionRef = &ref
	if state.CustomerRef != "" {
		customer := state.CustomerRef
		s.ExternalCustomerRef = &customer
	}
	s.PeriodStart = state.PeriodStart
	s.PeriodEnd = state.PeriodEnd
}

// mapStatus folds the processor's subscription statuses onto ours.
func mapStatus(status string) models.BillingStatus {
	switch status {
	case "canceled", "incomplete_expired":
		return models.BillingCanceled
	case "past_due", "unpaid":
		return models.BillingPastDue
	case "trialing":
		return models.BillingTrialing
	default:
		return models.BillingActive
	}
}
