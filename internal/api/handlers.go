/**
 * @description
 * HTTP handlers for the accrual-service.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/recoverly/accrual-service/internal/app"
	"github.com/recoverly/accrual-service/internal/domain"
	"github.com/recoverly/accrual-service/internal/store"
	"github.com/sirupsen/logrus"
)

// LedgerAPI is the ledger surface the handlers use.
type LedgerAPI interface {
	ApplyDelta(ctx context.Context, userID string, req app.ApplyDeltaRequest) (*domain.Balances, error)
	Portfolio(ctx context.Context, userID string) (*app.Portfolio, error)
	ListReviews(ctx context.Context, limit int) ([]store.PositionReview, error)
}

// Handler holds the application services that handlers will interact with.
type Handler struct {
	runner     app.AccrualRunner
	ledger     LedgerAPI
	location   *time.Location
	runTimeout time.Duration
	logger     logrus.FieldLogger
}

// NewHandler creates a new Handler.
func NewHandler(runner app.AccrualRunner, ledger LedgerAPI, location *time.Location, runTimeout time.Duration, logger logrus.FieldLogger) *Handler {
	if location == nil {
		location = time.UTC
	}
	return &Handler{
		runner:     runner,
		ledger:     ledger,
		location:   location,
		runTimeout: runTimeout,
		logger:     logger,
	}
}

type runAccrualRequest struct {
	AsOf string `json:"as_of"`
}

func (h *Handler) handleRunAccrual(w http.ResponseWriter, r *http.Request) {
	var req runAccrualRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	asOf := time.Now()
	if value := strings.TrimSpace(req.AsOf); value != "" {
		day, err := domain.ParseDay(value, h.location)
		if err != nil {
			http.Error(w, "as_of must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		asOf = day
	}

	// the run must outlive a dropped client connection
	ctx := context.WithoutCancel(r.Context())
	if h.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.runTimeout)
		defer cancel()
	}

	report, err := h.runner.RunDailyAccrual(ctx, asOf)
	if err != nil {
		h.logger.WithError(err).Error("manual accrual run failed")
		if report != nil {
			respondWithJSON(w, http.StatusBadGateway, report)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, http.StatusOK, report)
}

func (h *Handler) handleListReviews(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	reviews, err := h.ledger.ListReviews(r.Context(), limit)
	if err != nil {
		h.logger.WithError(err).Error("failed to list position reviews")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, http.StatusOK, reviews)
}

func (h *Handler) handleApplyDelta(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req app.ApplyDeltaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	balances, err := h.ledger.ApplyDelta(r.Context(), userID, req)
	if err != nil {
		h.respondWithLedgerError(w, userID, err)
		return
	}

	respondWithJSON(w, http.StatusOK, balances)
}

func (h *Handler) handleGetPortfolioInternal(w http.ResponseWriter, r *http.Request) {
	h.writePortfolio(w, r, chi.URLParam(r, "userID"))
}

func (h *Handler) handleGetMyPortfolio(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	h.writePortfolio(w, r, userID)
}

func (h *Handler) writePortfolio(w http.ResponseWriter, r *http.Request, userID string) {
	portfolio, err := h.ledger.Portfolio(r.Context(), userID)
	if err != nil {
		h.respondWithLedgerError(w, userID, err)
		return
	}
	respondWithJSON(w, http.StatusOK, portfolio)
}

func (h *Handler) respondWithLedgerError(w http.ResponseWriter, userID string, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidLedgerRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrUserNotFound):
		http.Error(w, "User not found", http.StatusNotFound)
	case errors.Is(err, store.ErrInsufficientBalance):
		http.Error(w, "Insufficient balance", http.StatusConflict)
	case errors.Is(err, store.ErrDuplicateEntry):
		http.Error(w, "Duplicate ledger entry", http.StatusConflict)
	default:
		h.logger.WithError(err).WithField("user_id", userID).Error("ledger request failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logrus.WithError(err).Error("failed to encode response")
	}
}
