package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mihaimyh/gounlock/pkg/unlock"
)

const maxUserIDLen = 255

// Handler provides HTTP endpoints for the unlock engine: resolve, balance,
// audit log, manual end and an optional sweep trigger. Methods are plain
// http.HandlerFuncs so they mount on any router.
type Handler struct {
	config Config
}

// Resolve handles POST requests granting access to a component, charging
// credits only when no valid entitlement exists.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.handleError(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}

	cost := 0
	if req.Cost != nil {
		cost = *req.Cost
	} else {
		configured, err := h.config.Resolver.ComponentCost(req.Component)
		if err != nil {
			h.handleError(w, r, err, http.StatusBadRequest)
			return
		}
		cost = configured
	}

	res, err := h.config.Resolver.Resolve(r.Context(), userID, req.Component, cost)
	if err != nil {
		h.resolveError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ResolveResponse{
		Granted:        true,
		Access:         string(res.Kind),
		ChargedCredits: res.CreditsCharged,
		EntitlementID:  res.Entitlement.ID,
		ExpiresAt:      res.Entitlement.ExpiresAt,
		FromMirror:     res.FromMirror,
	})
}

// resolveError maps resolver errors onto the denial and error responses.
func (h *Handler) resolveError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *unlock.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusPaymentRequired, DeniedResponse{
			Granted:   false,
			Reason:    "insufficient_credits",
			Required:  insufficient.Required,
			Remaining: insufficient.Remaining,
		})
	case errors.Is(err, unlock.ErrAccountNotFound):
		writeJSON(w, http.StatusNotFound, DeniedResponse{
			Granted: false,
			Reason:  "account_not_found",
		})
	case errors.Is(err, unlock.ErrUnknownComponent), errors.Is(err, unlock.ErrInvalidCost):
		h.handleError(w, r, err, http.StatusBadRequest)
	case errors.Is(err, unlock.ErrTxConflict):
		// Transient: the whole call is safe to retry.
		w.Header().Set("Retry-After", "1")
		h.handleError(w, r, err, http.StatusServiceUnavailable)
	default:
		h.config.Logger.Error("resolve failed", unlock.Field{Key: "error", Value: err})
		h.handleError(w, r, fmt.Errorf("internal error"), http.StatusInternalServerError)
	}
}

// GetBalance handles GET requests for the user's credit standing.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	balance, err := h.config.Resolver.Balance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, unlock.ErrAccountNotFound) {
			h.handleError(w, r, err, http.StatusNotFound)
			return
		}
		h.config.Logger.Error("balance lookup failed", unlock.Field{Key: "error", Value: err})
		h.handleError(w, r, fmt.Errorf("internal error"), http.StatusInternalServerError)
		return
	}

	resp := BalanceResponse{
		UserID:     balance.UserID,
		Tier:       string(balance.Tier),
		Allocation: balance.Allocation,
		Purchased:  balance.Purchased,
		Consumed:   balance.Consumed,
		Remaining:  balance.Remaining,
	}
	if !balance.ResetAt.IsZero() {
		resp.ResetAt = &balance.ResetAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetAuditLog handles GET requests for the user's activity log. Query
// parameters: component, type, limit, since, until (RFC 3339).
func (h *Handler) GetAuditLog(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	filter := unlock.AuditFilter{
		UserID:    userID,
		Component: r.URL.Query().Get("component"),
		Type:      unlock.EventType(r.URL.Query().Get("type")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			h.handleError(w, r, fmt.Errorf("invalid limit %q", v), http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.handleError(w, r, fmt.Errorf("invalid since %q", v), http.StatusBadRequest)
			return
		}
		filter.Since = &since
	}
	if v := r.URL.Query().Get("until"); v != "" {
		until, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.handleError(w, r, fmt.Errorf("invalid until %q", v), http.StatusBadRequest)
			return
		}
		filter.Until = &until
	}

	events, err := h.config.Resolver.AuditLog(r.Context(), filter)
	if err != nil {
		h.config.Logger.Error("audit log lookup failed", unlock.Field{Key: "error", Value: err})
		h.handleError(w, r, fmt.Errorf("internal error"), http.StatusInternalServerError)
		return
	}

	resp := AuditLogResponse{Events: make([]AuditEventResponse, 0, len(events))}
	for _, ev := range events {
		resp.Events = append(resp.Events, AuditEventResponse{
			ID:            ev.ID,
			Type:          string(ev.Type),
			EntitlementID: ev.EntitlementID,
			UserID:        ev.UserID,
			Component:     ev.Component,
			CreditsDelta:  ev.CreditsDelta,
			OccurredAt:    ev.OccurredAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// EndEntitlement handles POST requests that manually end an active
// entitlement. Credits are never refunded.
func (h *Handler) EndEntitlement(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.handleError(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}

	if _, ok := h.userID(w, r); !ok {
		return
	}

	var req EndRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EntitlementID == "" {
		h.handleError(w, r, fmt.Errorf("entitlement_id is required"), http.StatusBadRequest)
		return
	}

	ended, err := h.config.Resolver.End(r.Context(), req.EntitlementID)
	if err != nil {
		if errors.Is(err, unlock.ErrEntitlementNotFound) {
			h.handleError(w, r, err, http.StatusNotFound)
			return
		}
		h.config.Logger.Error("end entitlement failed", unlock.Field{Key: "error", Value: err})
		h.handleError(w, r, fmt.Errorf("internal error"), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, EndResponse{Ended: ended})
}

// Sweep handles POST requests that trigger one sweeper run. Only mounted
// when a Sweeper is configured; intended for admin surfaces.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.handleError(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	if h.config.Sweeper == nil {
		h.handleError(w, r, fmt.Errorf("sweeper not configured"), http.StatusNotFound)
		return
	}

	transitioned, err := h.config.Sweeper.Sweep(r.Context())
	if err != nil {
		h.config.Logger.Error("sweep failed", unlock.Field{Key: "error", Value: err})
		h.handleError(w, r, fmt.Errorf("internal error"), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, SweepResponse{Transitioned: transitioned})
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

// handleError handles errors with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	writeJSON(w, statusCode, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// Response already sent; nothing useful to do.
		_ = err
	}
}
