// Package billing reconciles payment processor events into the local
// subscription record and opens hosted checkout sessions.
package billing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76"

	"agrimanagement/internal/apperr"
)

// ErrMalformedEvent is returned when a verified event's object cannot be
// decoded. Retrying the same payload cannot succeed.
var ErrMalformedEvent = errors.New("malformed billing event")

const (
	TypeCheckoutCompleted   = "checkout.session.completed"
	TypeSubscriptionUpdated = "customer.subscription.updated"
	TypeSubscriptionDeleted = "customer.subscription.deleted"
	TypePaymentFailed       = "invoice.payment_failed"
)

// Event is one of CheckoutCompleted, SubscriptionUpdated,
// SubscriptionDeleted or PaymentFailed.
type Event interface {
	Meta() EventMeta
	sealed()
}

// EventMeta identifies the processor event an Event was decoded from.
type EventMeta struct {
	ID      string
	Type    string
	Created time.Time
}

func (m EventMeta) Meta() EventMeta { return m }
func (EventMeta) sealed()           {}

// SubscriptionState is the processor's snapshot of one subscription.
type SubscriptionState struct {
	Ref               string
	CustomerRef       string
	PriceRef          string
	Status            string
	CancelAtPeriodEnd bool
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	// UserID comes from the subscription metadata set at checkout.
	UserID *uuid.UUID
}

type CheckoutCompleted struct {
	EventMeta
	SessionID       string
	Mode            string
	CustomerRef     string
	SubscriptionRef string
	UserID          *uuid.UUID
}

type SubscriptionUpdated struct {
	EventMeta
	Subscription SubscriptionState
}

type SubscriptionDeleted struct {
	EventMeta
	Subscription SubscriptionState
}

type PaymentFailed struct {
	EventMeta
	InvoiceRef      string
	CustomerRef     string
	SubscriptionRef string
	UserID          *uuid.UUID
}

// Decode turns a verified processor event into its typed variant. Unknown
// event types are reconciliation errors, not silent no-ops.
func Decode(event stripe.Event) (Event, error) {
	meta := EventMeta{ID: event.ID, Type: string(event.Type), Created: time.Unix(event.Created, 0).UTC()}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: %s has no data object", ErrMalformedEvent, meta.Type)
	}
	raw := event.Data.Raw

	switch meta.Type {
	case TypeCheckoutCompleted:
		var obj checkoutSessionObject
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("%w: decode checkout.session: %v", ErrMalformedEvent, err)
		}
		userID := parseUserID(obj.Metadata["user_id"])
		if userID == nil {
			userID = parseUserID(obj.ClientReferenceID)
		}
		return CheckoutCompleted{
			EventMeta:       meta,
			SessionID:       obj.ID,
			Mode:            obj.Mode,
			CustomerRef:     expandableID(obj.Customer),
			SubscriptionRef: expandableID(obj.Subscription),
			UserID:          userID,
		}, nil

	case TypeSubscriptionUpdated, TypeSubscriptionDeleted:
		var obj subscriptionObject
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("%w: decode subscription: %v", ErrMalformedEvent, err)
		}
		if strings.TrimSpace(obj.ID) == "" {
			return nil, fmt.Errorf("%w: subscription without id", ErrMalformedEvent)
		}
		state := obj.state()
		if meta.Type == TypeSubscriptionDeleted {
			return SubscriptionDeleted{EventMeta: meta, Subscription: state}, nil
		}
		return SubscriptionUpdated{EventMeta: meta, Subscription: state}, nil

	case TypePaymentFailed:
		var obj invoiceObject
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("%w: decode invoice: %v", ErrMalformedEvent, err)
		}
		subRef := expandableID(obj.Subscription)
		metadata := obj.SubscriptionDetails.Metadata
		if subRef == "" && obj.Parent != nil {
			subRef = expandableID(obj.Parent.SubscriptionDetails.Subscription)
			if metadata == nil {
				metadata = obj.Parent.SubscriptionDetails.Metadata
			}
		}
		return PaymentFailed{
			EventMeta:       meta,
			InvoiceRef:      obj.ID,
			CustomerRef:     expandableID(obj.Customer),
			SubscriptionRef: subRef,
			UserID:          parseUserID(metadata["user_id"]),
		}, nil
	}

	return nil, apperr.Reconciliation(meta.Type, "unsupported event type")
}

// checkoutSessionObject is the subset of a checkout.session the reconciler reads.
type checkoutSessionObject struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          json.RawMessage   `json:"customer"`
	Subscription      json.RawMessage   `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
}

type subscriptionItem struct {
	Price struct {
		ID string `json:"id"`
	} `json:"price"`
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
}

// subscriptionObject is the subset of a subscription the reconciler reads.
// Newer API versions carry the billing period on the items only.
type subscriptionObject struct {
	ID                 string          `json:"id"`
	Customer           json.RawMessage `json:"customer"`
	Status             string          `json:"status"`
	CancelAtPeriodEnd  bool            `json:"cancel_at_period_end"`
	CurrentPeriodStart int64           `json:"current_period_start"`
	CurrentPeriodEnd   int64           `json:"current_period_end"`
	Items              struct {
		Data []subscriptionItem `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// FirstPriceID returns the price ID from the first subscription item.
func (s *subscriptionObject) FirstPriceID() string {
	for _, item := range s.Items.Data {
		if priceID := strings.TrimSpace(item.Price.ID); priceID != "" {
			return priceID
		}
	}
	return ""
}

func (s *subscriptionObject) state() SubscriptionState {
	start, end := s.CurrentPeriodStart, s.CurrentPeriodEnd
	if (start == 0 || end == 0) && len(s.Items.Data) > 0 {
		start, end = s.Items.Data[0].CurrentPeriodStart, s.Items.Data[0].CurrentPeriodEnd
	}
	return SubscriptionState{
		Ref:               strings.TrimSpace(s.ID),
		CustomerRef:       expandableID(s.Customer),
		PriceRef:          s.FirstPriceID(),
		Status:            s.Status,
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		PeriodStart:       unixPtr(start),
		PeriodEnd:         unixPtr(end),
		UserID:            parseUserID(s.Metadata["user_id"]),
	}
}

type subscriptionDetails struct {
	Subscription json.RawMessage   `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

// invoiceObject is the subset of an invoice the reconciler reads.
type invoiceObject struct {
	ID                  string              `json:"id"`
	Customer            json.RawMessage     `json:"customer"`
	Subscription        json.RawMessage     `json:"subscription"`
	SubscriptionDetails subscriptionDetails `json:"subscription_details"`
	Parent              *struct {
		SubscriptionDetails subscriptionDetails `json:"subscription_details"`
	} `json:"parent"`
}

// expandableID reads a field the processor sends either as an ID string
// or as an expanded object with an id.
func expandableID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return strings.TrimSpace(id)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return strings.TrimSpace(obj.ID)
	}
	return ""
}

func parseUserID(raw string) *uuid.UUID {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil
	}
	return &id
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
