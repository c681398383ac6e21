package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"agrimanagement/internal/apperr"
	"agrimanagement/internal/entitlements"
	"agrimanagement/internal/services"
	"agrimanagement/internal/store"
)

// maxBodyBytes bounds JSON request bodies; receipt images are the largest.
const maxBodyBytes = 8 << 20

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// QuotaResponse is the 402 body. Usage carries the denied entitlement.
type QuotaResponse struct {
	Error   string                   `json:"error"`
	Code    string                   `json:"code"`
	Usage   entitlements.Entitlement `json:"usage"`
	Upgrade UpgradeHint              `json:"upgrade"`
}

type UpgradeHint struct {
	Message  string `json:"message"`
	PlansURL string `json:"plans_url"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, ErrorResponse{Error: err.Error()})
}

func respondCode(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

// decodeJSON reads a bounded JSON body into v and runs struct validation.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperr.InvalidInput("request body exceeds %d bytes", maxErr.Limit)
		}
		return apperr.InvalidInput("invalid JSON body: %v", err)
	}
	if err := validate.Struct(v); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.InvalidInput("%v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "email":
			msgs = append(msgs, fmt.Sprintf("%s must be an email address", fe.Field()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()))
		case "min", "max", "gt":
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid", fe.Field()))
		}
	}
	return apperr.InvalidInput("%s", strings.Join(msgs, "; "))
}

// respondServiceError maps the error taxonomy onto status codes.
func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var quotaErr *entitlements.QuotaError
	var extErr *apperr.ExternalError
	switch {
	case errors.As(err, &quotaErr):
		respondJSON(w, http.StatusPaymentRequired, QuotaResponse{
			Error: quotaErr.Error(),
			Code:  "quota_exceeded",
			Usage: quotaErr.Entitlement,
			Upgrade: UpgradeHint{
				Message:  fmt.Sprintf("The %s plan allows %d %s uses per month. Upgrade for unlimited use.", quotaErr.Entitlement.Tier, quotaErr.Entitlement.Limit.Max, quotaErr.Entitlement.Feature),
				PlansURL: "/api/plans",
			},
		})
	case errors.Is(err, apperr.ErrUnauthenticated), errors.Is(err, services.ErrInvalidCredentials):
		respondCode(w, http.StatusUnauthorized, "unauthenticated", err.Error())
	case errors.Is(err, services.ErrEmailTaken), errors.Is(err, store.ErrConflict):
		respondCode(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, apperr.ErrInvalidInput):
		respondCode(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, apperr.ErrNotFound):
		respondCode(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, apperr.ErrNotConfigured):
		respondCode(w, http.StatusServiceUnavailable, "not_configured", "this feature is not configured on the server")
	case errors.As(err, &extErr):
		s.respondExternalError(w, r, extErr)
	default:
		log.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("internal server error")
		respondCode(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

func (s *Server) respondExternalError(w http.ResponseWriter, r *http.Request, extErr *apperr.ExternalError) {
	log.Warn().Err(extErr).
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("service", extErr.Service).
		Str("kind", string(extErr.Kind)).
		Msg("external service call failed")

	switch extErr.Kind {
	case apperr.ExternalAuth:
		respondCode(w, http.StatusBadGateway, "external_auth", extErr.Service+" rejected the server's credentials")
	case apperr.ExternalRateLimited:
		w.Header().Set("Retry-After", "30")
		respondCode(w, http.StatusTooManyRequests, "external_rate_limited", extErr.Service+" is rate limiting requests; try again shortly")
	case apperr.ExternalInvalidRequest:
		respondCode(w, http.StatusUnprocessableEntity, "external_invalid_request", extErr.Service+" could not process the request")
	default:
		respondCode(w, http.StatusServiceUnavailable, "external_unavailable", extErr.Service+" is temporarily unavailable")
	}
}
