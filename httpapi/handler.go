// Package httpapi exposes a Controller over HTTP for services that cannot
// link it in-process.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ineyio/admission"
	"github.com/ineyio/admission/degrade"
)

// Admitter is the subset of *admission.Controller the handler needs.
type Admitter interface {
	Evaluate(ctx context.Context, accountID string, class admission.RequestClass, estimatedCost float64) (admission.Decision, error)
	Spend(ctx context.Context, accountID string) (admission.LedgerTotals, error)
	Unblock(ctx context.Context, accountID string) error
	Pricing(class admission.RequestClass) (admission.Pricing, bool)
}

// EvaluateRequest is the body of POST /v1/evaluate.
// When EstimatedCost is omitted it is estimated from Prompt and
// MaxOutputTokens using the class pricing.
type EvaluateRequest struct {
	AccountID       string   `json:"account_id"`
	RequestClass    string   `json:"request_class"`
	EstimatedCost   *float64 `json:"estimated_cost,omitempty"`
	Prompt          string   `json:"prompt,omitempty"`
	MaxOutputTokens int64    `json:"max_output_tokens,omitempty"`
	HasCache        bool     `json:"has_cache,omitempty"`
	HasDowngrade    bool     `json:"has_downgrade,omitempty"`
}

// EvaluateResponse is the decision returned by POST /v1/evaluate.
type EvaluateResponse struct {
	DecisionID        string  `json:"decision_id"`
	Outcome           string  `json:"outcome"`
	Reason            *string `json:"reason"`
	RetryAfterSeconds *int64  `json:"retry_after_seconds"`
	Degraded          bool    `json:"degraded,omitempty"`
	Strategy          string  `json:"strategy"`
	Message           string  `json:"message,omitempty"`
}

// SpendResponse is returned by GET /v1/accounts/{id}/spend.
type SpendResponse struct {
	AccountID    string    `json:"account_id"`
	Day          float64   `json:"day"`
	Month        float64   `json:"month"`
	DayStart     time.Time `json:"day_start"`
	MonthStart   time.Time `json:"month_start"`
	DayBlocked   bool      `json:"day_blocked"`
	MonthBlocked bool      `json:"month_blocked"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler serves the admission API.
type Handler struct {
	admitter Admitter
	logger   *slog.Logger
	mux      *http.ServeMux
}

// NewHandler creates a Handler. If logger is nil, slog.Default() is used.
func NewHandler(a Admitter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{admitter: a, logger: logger, mux: http.NewServeMux()}
	h.mux.HandleFunc("POST /v1/evaluate", h.evaluate)
	h.mux.HandleFunc("GET /v1/accounts/{id}/spend", h.spend)
	h.mux.HandleFunc("POST /v1/accounts/{id}/unblock", h.unblock)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) evaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.AccountID == "" || req.RequestClass == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "account_id and request_class are required"})
		return
	}

	class := admission.RequestClass(req.RequestClass)
	cost := 0.0
	switch {
	case req.EstimatedCost != nil:
		cost = *req.EstimatedCost
	case req.Prompt != "" || req.MaxOutputTokens > 0:
		if p, ok := h.admitter.Pricing(class); ok {
			cost = p.Estimate(admission.EstimateTokens(req.Prompt), req.MaxOutputTokens)
		}
	}

	d, err := h.admitter.Evaluate(r.Context(), req.AccountID, class, cost)
	if err != nil {
		h.logger.Error("evaluate store failure",
			"account", req.AccountID, "class", req.RequestClass, "degraded", d.Degraded, "error", err)
	}

	advice := degrade.Advise(d, degrade.Options{HasCache: req.HasCache, HasDowngrade: req.HasDowngrade})
	resp := EvaluateResponse{
		DecisionID:        d.ID,
		Outcome:           string(d.Outcome),
		RetryAfterSeconds: d.RetryAfterSeconds(),
		Degraded:          d.Degraded,
		Strategy:          string(advice.Strategy),
		Message:           advice.Message,
	}
	if d.Reason != admission.ReasonNone {
		reason := string(d.Reason)
		resp.Reason = &reason
	}
	if resp.RetryAfterSeconds != nil {
		w.Header().Set("Retry-After", strconv.FormatInt(*resp.RetryAfterSeconds, 10))
	}
	writeJSON(w, statusFor(d), resp)
}

func (h *Handler) spend(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := h.admitter.Spend(r.Context(), id)
	if err != nil {
		h.logger.Error("spend lookup failed", "account", id, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "ledger unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, SpendResponse{
		AccountID:    id,
		Day:          t.DayDollars(),
		Month:        t.MonthDollars(),
		DayStart:     t.DayStart,
		MonthStart:   t.MonthStart,
		DayBlocked:   t.DayBlocked,
		MonthBlocked: t.MonthBlocked,
	})
}

func (h *Handler) unblock(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.admitter.Unblock(r.Context(), id); err != nil {
		h.logger.Error("unblock failed", "account", id, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "ledger unavailable"})
		return
	}
	h.logger.Warn("budget block lifted", "account", id)
	w.WriteHeader(http.StatusNoContent)
}

func statusFor(d admission.Decision) int {
	switch d.Reason {
	case admission.ReasonNone:
		return http.StatusOK
	case admission.ReasonRateLimitExceeded:
		return http.StatusTooManyRequests
	case admission.ReasonBudgetExceeded:
		return http.StatusPaymentRequired
	case admission.ReasonUnknownAccount:
		return http.StatusForbidden
	case admission.ReasonUnknownClass, admission.ReasonInvalidCost:
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
