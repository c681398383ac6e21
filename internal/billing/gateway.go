package billing

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"agrimanagement/internal/apperr"
	"agrimanagement/internal/metrics"
)

// Gateway is the processor API the billing package calls out to.
type Gateway interface {
	CreateCustomer(ctx context.Context, userID uuid.UUID, email string) (string, error)
	CreateCheckoutSession(ctx context.Context, req SessionRequest) (Session, error)
	FetchSubscription(ctx context.Context, subscriptionRef string) (SubscriptionState, error)
	// CancelSubscription schedules the subscription to end with its current
	// period and returns the updated snapshot.
	CancelSubscription(ctx context.Context, subscriptionRef string) (SubscriptionState, error)
}

type SessionRequest struct {
	UserID      uuid.UUID
	CustomerRef string
	PriceRef    string
	Tier        string
	SuccessURL  string
	CancelURL   string
}

type Session struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// StripeGateway implements Gateway with an explicitly constructed client.
type StripeGateway struct {
	api *client.API
}

func NewStripeGateway(secretKey string) *StripeGateway {
	return &StripeGateway{api: client.New(secretKey, nil)}
}

func (g *StripeGateway) CreateCustomer(ctx context.Context, userID uuid.UUID, email string) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
	}
	params.Context = ctx
	params.AddMetadata("user_id", userID.String())
	// Replays of the same request return the first customer.
	params.SetIdempotencyKey("customer-" + userID.String())

	cus, err := g.api.Customers.New(params)
	if err != nil {
		return "", stripeError("create customer", err)
	}
	metrics.ExternalCalls.WithLabelValues("stripe", "ok").Inc()
	return cus.ID, nil
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req SessionRequest) (Session, error) {
	metadata := map[string]string{
		"user_id": req.UserID.String(),
		"tier":    req.Tier,
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(req.CustomerRef),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.UserID.String()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PriceRef),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: metadata,
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		},
	}
	params.Context = ctx

	sess, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return Session{}, stripeError("create checkout session", err)
	}
	metrics.ExternalCalls.WithLabelValues("stripe", "ok").Inc()
	return Session{ID: sess.ID, URL: sess.URL}, nil
}

func (g *StripeGateway) FetchSubscription(ctx context.Context, subscriptionRef string) (SubscriptionState, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	sub, err := g.api.Subscriptions.Get(subscriptionRef, params)
	if err != nil {
		return SubscriptionState{}, stripeError("fetch subscription", err)
	}
	metrics.ExternalCalls.WithLabelValues("stripe", "ok").Inc()
	return subscriptionState(sub), nil
}

func (g *StripeGateway) CancelSubscription(ctx context.Context, subscriptionRef string) (SubscriptionState, error) {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	params.Context = ctx
	params.SetIdempotencyKey("cancel-" + subscriptionRef)

	sub, err := g.api.Subscriptions.Update(subscriptionRef, params)
	if err != nil {
		return SubscriptionState{}, stripeError("cancel subscription", err)
	}
	metrics.ExternalCalls.WithLabelValues("stripe", "ok").Inc()
	return subscriptionState(sub), nil
}

func subscriptionState(sub *stripe.Subscription) SubscriptionState {
	state := SubscriptionState{
		Ref:               sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		PeriodStart:       unixPtr(sub.CurrentPeriodStart),
		PeriodEnd:         unixPtr(sub.CurrentPeriodEnd),
		UserID:            parseUserID(sub.Metadata["user_id"]),
	}
	if sub.Customer != nil {
		state.CustomerRef = sub.Customer.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.Price != nil && item.Price.ID != "" {
				state.PriceRef = item.Price.ID
				break
			}
		}
	}
	return state
}

// stripeError maps a processor failure onto an ExternalError kind.
func stripeError(op string, err error) error {
	metrics.ExternalCalls.WithLabelValues("stripe", "failed").Inc()

	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return apperr.External("stripe", apperr.ExternalTransient, 0, err)
	}

	kind := apperr.ExternalTransient
	switch {
	case stripeErr.HTTPStatusCode == http.StatusUnauthorized || stripeErr.HTTPStatusCode == http.StatusForbidden:
		kind = apperr.ExternalAuth
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests:
		kind = apperr.ExternalRateLimited
	case stripeErr.Type == stripe.ErrorTypeInvalidRequest,
		stripeErr.Type == stripe.ErrorTypeCard,
		stripeErr.HTTPStatusCode == http.StatusBadRequest,
		stripeErr.HTTPStatusCode == http.StatusNotFound:
		kind = apperr.ExternalInvalidRequest
	}
	return apperr.External("stripe", kind, stripeErr.HTTPStatusCode, errors.New(op+": "+stripeMessage(stripeErr)))
}

func stripeMessage(e *stripe.Error) string {
	if e.Code != "" {
		return string(e.Code) + " - " + e.Msg
	}
	return e.Msg
}

// fetchTimeout bounds the snapshot fetch made while handling a webhook.
const fetchTimeout = 10 * time.Second
