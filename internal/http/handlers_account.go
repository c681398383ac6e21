package httpapi

import (
	"net/http"
	"time"

	"agrimanagement/internal/apperr"
	"agrimanagement/internal/entitlements"
	"agrimanagement/internal/models"
	"agrimanagement/internal/plans"
	"agrimanagement/internal/services"
)

type signupRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required,min=8,max=128"`
	DisplayName string `json:"display_name" validate:"max=100"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type authResponse struct {
	Token     string      `json:"token"`
	User      models.User `json:"user"`
	IsNewUser bool        `json:"is_new_user,omitempty"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	user, err := s.svc.CreateUser(r.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	token, err := s.generateJWT(user)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, authResponse{Token: token, User: user, IsNewUser: true})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	user, err := s.svc.AuthenticateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	token, err := s.generateJWT(user)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

type meResponse struct {
	services.Account
	Usage entitlements.Snapshot `json:"usage"`
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	userID := getUserIDFromContext(r.Context())
	account, err := s.svc.Account(r.Context(), userID)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	snap, err := s.checker.Snapshot(r.Context(), userID)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, meResponse{Account: account, Usage: snap})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	snap, err := s.checker.Snapshot(r.Context(), getUserIDFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

type limitView struct {
	Limit     *int `json:"limit"`
	Unlimited bool `json:"unlimited"`
}

type planView struct {
	Tier        models.Tier                  `json:"tier"`
	Name        string                       `json:"name"`
	Interval    string                       `json:"interval,omitempty"`
	Purchasable bool                         `json:"purchasable"`
	Quotas      map[models.Feature]limitView `json:"quotas"`
}

func newPlanView(p plans.Plan) planView {
	v := planView{
		Tier:        p.Tier,
		Name:        p.Name,
		Interval:    p.Interval,
		Purchasable: p.Paid() && p.PriceRef != "",
		Quotas:      make(map[models.Feature]limitView, len(p.Quotas)),
	}
	for f, l := range p.Quotas {
		if l.Unlimited {
			v.Quotas[f] = limitView{Unlimited: true}
			continue
		}
		n := l.Max
		v.Quotas[f] = limitView{Limit: &n}
	}
	return v
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	all := s.catalog.Plans()
	out := make([]planView, 0, len(all))
	for _, p := range all {
		out = append(out, newPlanView(p))
	}
	respondJSON(w, http.StatusOK, map[string]any{"plans": out})
}

type checkoutRequest struct {
	Tier string `json:"tier" validate:"required,oneof=standard premium pro_yearly"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if s.checkout == nil {
		s.respondServiceError(w, r, apperr.ErrNotConfigured)
		return
	}
	var req checkoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	sess, err := s.checkout.Start(r.Context(), getUserIDFromContext(r.Context()), models.Tier(req.Tier))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

type cancelResponse struct {
	SubscriptionRef   string     `json:"subscription_ref"`
	Status            string     `json:"status"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	PeriodEnd         *time.Time `json:"period_end,omitempty"`
}

// handleCancelSubscription schedules the paid plan to end with the current
// period. The tier stays until the processor reports the end.
func (s *Server) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	if s.checkout == nil {
		s.respondServiceError(w, r, apperr.ErrNotConfigured)
		return
	}
	state, err := s.checkout.Cancel(r.Context(), getUserIDFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cancelResponse{
		SubscriptionRef:   state.Ref,
		Status:            state.Status,
		CancelAtPeriodEnd: state.CancelAtPeriodEnd,
		PeriodEnd:         state.PeriodEnd,
	})
}
