package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"agrimanagement/internal/apperr"
	"agrimanagement/internal/models"
	"agrimanagement/internal/services"
)

type transactionRequest struct {
	Kind       string `json:"kind" validate:"required,oneof=expense sale"`
	OccurredOn string `json:"occurred_on" validate:"required"`
	Category   string `json:"category"`
	Amount     int64  `json:"amount" validate:"gt=0"`
	Memo       string `json:"memo"`
	Source     string `json:"source" validate:"omitempty,oneof=manual receipt"`
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	tx, err := s.svc.CreateTransaction(r.Context(), getUserIDFromContext(r.Context()), services.TransactionInput{
		Kind:       req.Kind,
		OccurredOn: req.OccurredOn,
		Category:   req.Category,
		Amount:     req.Amount,
		Memo:       req.Memo,
		Source:     req.Source,
	})
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, tx)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.TransactionFilter{Kind: q.Get("kind")}
	if filter.Kind != "" && filter.Kind != models.KindExpense && filter.Kind != models.KindSale {
		s.respondServiceError(w, r, apperr.InvalidInput("kind must be expense or sale"))
		return
	}
	if raw := q.Get("from"); raw != "" {
		from, err := services.ParseDate(raw)
		if err != nil {
			s.respondServiceError(w, r, err)
			return
		}
		filter.From = from
	}
	if raw := q.Get("to"); raw != "" {
		to, err := services.ParseDate(raw)
		if err != nil {
			s.respondServiceError(w, r, err)
			return
		}
		filter.To = to
	}

	txs, err := s.svc.ListTransactions(r.Context(), getUserIDFromContext(r.Context()), filter)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (s *Server) handleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, r, apperr.InvalidInput("invalid transaction id"))
		return
	}
	if err := s.svc.DeleteTransaction(r.Context(), getUserIDFromContext(r.Context()), id); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := s.svc.Dashboard(r.Context(), getUserIDFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, dash)
}
