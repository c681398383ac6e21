package httpapi

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"agrimanagement/internal/assistant"
	"agrimanagement/internal/billing"
	"agrimanagement/internal/config"
	"agrimanagement/internal/entitlements"
	"agrimanagement/internal/export"
	"agrimanagement/internal/plans"
	"agrimanagement/internal/receipts"
	"agrimanagement/internal/services"
)

// Deps are the components the HTTP layer dispatches to. Scanner,
// Assistant and Exporter may be nil; their routes then answer 503.
type Deps struct {
	Services   *services.Service
	Catalog    *plans.Catalog
	Checker    *entitlements.Checker
	Checkout   *billing.Checkout
	Reconciler *billing.Reconciler
	Scanner    *receipts.Scanner
	Assistant  *assistant.Assistant
	Exporter   *export.Exporter
}

type Server struct {
	cfg        config.Config
	svc        *services.Service
	catalog    *plans.Catalog
	checker    *entitlements.Checker
	checkout   *billing.Checkout
	reconciler *billing.Reconciler
	scanner    *receipts.Scanner
	assistant  *assistant.Assistant
	exporter   *export.Exporter
}

func NewServer(cfg config.Config, deps Deps) *Server {
	return &Server{
		cfg:        cfg,
		svc:        deps.Services,
		catalog:    deps.Catalog,
		checker:    deps.Checker,
		checkout:   deps.Checkout,
		reconciler: deps.Reconciler,
		scanner:    deps.Scanner,
		assistant:  deps.Assistant,
		exporter:   deps.Exporter,
	}
}

func loggingRecoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				log.Error().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Interface("panic", rvr).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				if r.Header.Get("Connection") != "Upgrade" {
					respondCode(w, http.StatusInternalServerError, "internal", "internal server error")
				}
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("request")
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingRecoverer)
	r.Use(requestLogger)
	r.Use(s.corsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/signup", s.handleSignup)
		r.Post("/auth/login", s.handleLogin)
		r.Get("/auth/google", s.handleGoogleLogin)
		r.Get("/auth/google/callback", s.handleGoogleCallback)
		r.Get("/plans", s.handleListPlans)
		r.Post("/webhooks/stripe", s.handleStripeWebhook)

		r.Group(func(r chi.Router) {
			r.Use(s.jwtMiddleware)

			r.Get("/me", s.handleMe)
			r.Get("/usage", s.handleUsage)
			r.Post("/billing/checkout", s.handleCheckout)
			r.Post("/billing/cancel", s.handleCancelSubscription)

			r.Post("/transactions", s.handleCreateTransaction)
			r.Get("/transactions", s.handleListTransactions)
			r.Delete("/transactions/{id}", s.handleDeleteTransaction)
			r.Get("/dashboard", s.handleDashboard)

			r.Post("/receipts/scan", s.handleScanReceipt)
			r.Post("/assistant/chat", s.handleAssistantChat)
			r.Post("/exports", s.handleExport)
		})
	})

	return r
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	origin := s.cfg.CORSAllowedOrigin
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		if origin != "*" {
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
