package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v76/webhook"

	"agrimanagement/internal/apperr"
	"agrimanagement/internal/billing"
	"agrimanagement/internal/metrics"
)

const webhookBodyLimit = 1 << 20

type webhookResponse struct {
	Received bool   `json:"received"`
	Applied  bool   `json:"applied"`
	Stale    bool   `json:"stale,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// handleStripeWebhook verifies and applies one billing event. Only
// failures a retry could fix get a non-2xx answer.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	fail := func(code int, msg string) {
		status = code
		respondError(w, code, errors.New(msg))
	}

	if strings.TrimSpace(s.cfg.StripeWebhookSecret) == "" || s.reconciler == nil {
		fail(http.StatusServiceUnavailable, "webhook secret not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		fail(http.StatusBadRequest, "failed to read request body")
		return
	}
	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		fail(http.StatusBadRequest, "missing Stripe signature")
		return
	}
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, s.cfg.StripeWebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		fail(http.StatusBadRequest, "invalid Stripe signature")
		return
	}
	eventType = string(event.Type)
	logger := log.With().Str("event_id", event.ID).Str("event_type", eventType).Logger()

	ev, err := billing.Decode(event)
	if err == nil {
		var out billing.Outcome
		out, err = s.reconciler.Apply(r.Context(), ev)
		if err == nil {
			resp := webhookResponse{Received: true, Applied: out.Applied, Stale: out.Stale}
			respondJSON(w, http.StatusOK, resp)
			return
		}
	}

	var recErr *apperr.ReconciliationError
	switch {
	case errors.Is(err, billing.ErrMalformedEvent):
		logger.Warn().Err(err).Msg("billing webhook: undecodable event")
		fail(http.StatusBadRequest, "event object could not be decoded")
	case errors.As(err, &recErr):
		logger.Error().Err(err).Msg("billing webhook: event dropped")
		metrics.WebhookDropped.WithLabelValues(eventType, "unreconcilable").Inc()
		respondJSON(w, http.StatusOK, webhookResponse{Received: true, Reason: recErr.Error()})
	case errors.Is(err, apperr.ErrNotConfigured):
		logger.Error().Err(err).Msg("billing webhook: billing gateway not configured")
		fail(http.StatusServiceUnavailable, "billing not configured")
	default:
		logger.Error().Err(err).Msg("billing webhook: processing failed")
		fail(http.StatusInternalServerError, "processing failed")
	}
}
