package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"agrimanagement/internal/apperr"
	"agrimanagement/internal/models"
	"agrimanagement/internal/plans"
	"agrimanagement/internal/store"
)

// ErrAlreadySubscribed is returned when checkout is started while a paid
// subscription is still running.
var ErrAlreadySubscribed = fmt.Errorf("paid subscription already active: %w", store.ErrConflict)

// CheckoutStore is the persistence checkout needs.
type CheckoutStore interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (models.User, error)
	EnsureSubscription(ctx context.Context, userID uuid.UUID) (models.Subscription, error)
	SetExternalCustomer(ctx context.Context, userID uuid.UUID, ref string) (string, error)
}

type CheckoutURLs struct {
	Success string
	Cancel  string
}

// Checkout opens hosted checkout sessions for paid tiers.
type Checkout struct {
	store   CheckoutStore
	catalog *plans.Catalog
	gateway Gateway
	urls    CheckoutURLs
}

func NewCheckout(st CheckoutStore, catalog *plans.Catalog, gateway Gateway, urls CheckoutURLs) *Checkout {
	return &Checkout{store: st, catalog: catalog, gateway: gateway, urls: urls}
}

// Start returns a hosted checkout session for tier. The processor
// customer is created on first use and reused afterwards.
func (c *Checkout) Start(ctx context.Context, userID uuid.UUID, tier models.Tier) (Session, error) {
	if c.gateway == nil {
		return Session{}, apperr.ErrNotConfigured
	}
	priceRef, ok := c.catalog.PriceRefFor(tier)
	if !ok {
		return Session{}, apperr.InvalidInput("tier %q cannot be purchased", tier)
	}

	sub, err := c.subscription(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	if sub.ExternalSubscriptionRef != nil && sub.PlanTier != models.TierFree && sub.BillingStatus != models.BillingCanceled {
		return Session{}, ErrAlreadySubscribed
	}

	customerRef, err := c.customer(ctx, sub)
	if err != nil {
		return Session{}, err
	}

	sess, err := c.gateway.CreateCheckoutSession(ctx, SessionRequest{
		UserID:      userID,
		CustomerRef: customerRef,
		PriceRef:    priceRef,
		Tier:        string(tier),
		SuccessURL:  c.urls.Success,
		CancelURL:   c.urls.Cancel,
	})
	if err != nil {
		return Session{}, err
	}
	log.Info().
		Str("user_id", userID.String()).
		Str("tier", string(tier)).
		Str("session_id", sess.ID).
		Msg("checkout session created")
	return sess, nil
}

// Cancel asks the processor to end the user's subscription with its current
// period. The record itself changes when the resulting events arrive.
func (c *Checkout) Cancel(ctx context.Context, userID uuid.UUID) (SubscriptionState, error) {
	if c.gateway == nil {
		return SubscriptionState{}, apperr.ErrNotConfigured
	}
	sub, err := c.subscription(ctx, userID)
	if err != nil {
		return SubscriptionState{}, err
	}
	if sub.ExternalSubscriptionRef == nil || sub.PlanTier == models.TierFree {
		return SubscriptionState{}, apperr.InvalidInput("no paid subscription to cancel")
	}
	if sub.BillingStatus == models.BillingCanceled {
		return SubscriptionState{}, apperr.InvalidInput("subscription is already canceled")
	}

	state, err := c.gateway.CancelSubscription(ctx, *sub.ExternalSubscriptionRef)
	if err != nil {
		return SubscriptionState{}, err
	}
	log.Info().
		Str("user_id", userID.String()).
		Str("subscription_ref", state.Ref).
		Msg("subscription cancel requested")
	return state, nil
}

func (c *Checkout) subscription(ctx context.Context, userID uuid.UUID) (models.Subscription, error) {
	sub, err := c.store.EnsureSubscription(ctx, userID)
	if errors.Is(err, apperr.ErrNotFound) {
		return models.Subscription{}, apperr.ErrUnauthenticated
	}
	return sub, err
}

func (c *Checkout) customer(ctx context.Context, sub models.Subscription) (string, error) {
	userID := sub.UserID
	if sub.ExternalCustomerRef != nil && *sub.ExternalCustomerRef != "" {
		return *sub.ExternalCustomerRef, nil
	}

	user, err := c.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return "", apperr.ErrUnauthenticated
		}
		return "", err
	}
	created, err := c.gateway.CreateCustomer(ctx, userID, user.Email)
	if err != nil {
		return "", err
	}
	// A concurrent checkout may have stored a customer first; use that one.
	return c.store.SetExternalCustomer(ctx, userID, created)
}
