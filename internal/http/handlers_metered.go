package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"agrimanagement/internal/apperr"
	"agrimanagement/internal/assistant"
	"agrimanagement/internal/entitlements"
	"agrimanagement/internal/export"
	"agrimanagement/internal/metered"
	"agrimanagement/internal/models"
	"agrimanagement/internal/receipts"
	"agrimanagement/internal/services"
)

// meteredResponse pairs a metered result with the usage after the call.
type meteredResponse[T any] struct {
	Result T                        `json:"result"`
	Usage  entitlements.Entitlement `json:"usage"`
}

func respondMetered[T any](w http.ResponseWriter, res metered.Result[T]) {
	respondJSON(w, http.StatusOK, meteredResponse[T]{Result: res.Value, Usage: res.Usage})
}

type scanRequest struct {
	ImageBase64 string `json:"image_base64" validate:"required"`
	MIMEType    string `json:"mime_type" validate:"required"`
	// Save records the receipt total as an expense transaction.
	Save       bool   `json:"save"`
	OccurredOn string `json:"occurred_on"`
}

type scanResult struct {
	Receipt     receipts.Receipt    `json:"receipt"`
	Transaction *models.Transaction `json:"transaction,omitempty"`
	// SaveError explains why a requested save did not happen. The scan
	// itself succeeded and is counted.
	SaveError string `json:"save_error,omitempty"`
}

func (s *Server) handleScanReceipt(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	userID := getUserIDFromContext(r.Context())
	img := receipts.Image{Base64: req.ImageBase64, MIMEType: req.MIMEType}

	res, err := metered.Run(r.Context(), s.checker, userID, models.FeatureScan,
		func() error {
			if s.scanner == nil {
				return apperr.ErrNotConfigured
			}
			_, err := img.Validate()
			return err
		},
		func(ctx context.Context) (scanResult, error) {
			rec, err := s.scanner.Scan(ctx, img)
			if err != nil {
				return scanResult{}, err
			}
			out := scanResult{Receipt: rec}
			if req.Save && rec.Total > 0 {
				date := req.OccurredOn
				if date == "" {
					date = rec.Date
				}
				if date == "" {
					date = time.Now().In(s.cfg.Location()).Format("2006-01-02")
				}
				tx, err := s.svc.CreateTransaction(ctx, userID, services.TransactionInput{
					Kind:       models.KindExpense,
					OccurredOn: date,
					Category:   rec.Category,
					Amount:     rec.Total,
					Memo:       services.TruncateMemo(rec.Vendor),
					Source:     models.SourceReceipt,
				})
				if err != nil {
					log.Warn().Err(err).Str("user_id", userID.String()).Msg("scanned receipt not saved")
					out.SaveError = saveErrorMessage(err)
					return out, nil
				}
				out.Transaction = &tx
			}
			return out, nil
		})
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondMetered(w, res)
}

func saveErrorMessage(err error) string {
	if errors.Is(err, apperr.ErrInvalidInput) {
		return err.Error()
	}
	return "the receipt could not be saved; add it manually"
}

type chatRequest struct {
	Message string           `json:"message" validate:"required"`
	History []assistant.Turn `json:"history"`
}

func (s *Server) handleAssistantChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	chat := assistant.Request{Message: req.Message, History: req.History}

	res, err := metered.Run(r.Context(), s.checker, getUserIDFromContext(r.Context()), models.FeatureAssistant,
		func() error {
			if s.assistant == nil {
				return apperr.ErrNotConfigured
			}
			return chat.Validate()
		},
		func(ctx context.Context) (assistant.Reply, error) {
			return s.assistant.Chat(ctx, getUserIDFromContext(ctx), chat)
		})
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondMetered(w, res)
}

type exportRequest struct {
	From string `json:"from" validate:"required"`
	To   string `json:"to" validate:"required"`
	Kind string `json:"kind" validate:"omitempty,oneof=expense sale"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	var rng export.Range

	res, err := metered.Run(r.Context(), s.checker, getUserIDFromContext(r.Context()), models.FeatureExport,
		func() error {
			if s.exporter == nil {
				return apperr.ErrNotConfigured
			}
			var err error
			rng, err = export.Request{From: req.From, To: req.To, Kind: req.Kind}.Parse()
			return err
		},
		func(ctx context.Context) (export.Result, error) {
			return s.exporter.Export(ctx, getUserIDFromContext(ctx), rng)
		})
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondMetered(w, res)
}
