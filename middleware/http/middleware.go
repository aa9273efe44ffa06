// Package http provides HTTP middleware that gates handlers behind
// credit-funded session unlocks.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mihaimyh/gounlock/pkg/unlock"
)

// UserIDExtractor extracts the user ID from an HTTP request.
// Return empty string if the user is not authenticated.
type UserIDExtractor func(r *http.Request) string

// ComponentExtractor extracts the gated component name from an HTTP request.
// For example: "advanced_chart", "scores", "export".
type ComponentExtractor func(r *http.Request) string

// CostExtractor overrides the configured credit cost for a request.
// Return an error to reject the request as a bad request.
type CostExtractor func(r *http.Request) (int, error)

type contextKey struct{}

var resolutionKey contextKey

// ResolutionFromContext returns the access resolution stored by the
// middleware, or nil when the request did not pass through it.
func ResolutionFromContext(ctx context.Context) *unlock.Resolution {
	res, _ := ctx.Value(resolutionKey).(*unlock.Resolution)
	return res
}

// Config holds middleware configuration.
type Config struct {
	// Resolver is the access resolver instance (required).
	Resolver *unlock.Resolver

	// GetUserID extracts user ID from request (required).
	GetUserID UserIDExtractor

	// GetComponent extracts the component name from request (required).
	GetComponent ComponentExtractor

	// GetCost overrides the configured component cost (optional).
	// If nil, the resolver's component catalog supplies the cost.
	GetCost CostExtractor

	// DeniedStatusCode is the HTTP status returned when the user cannot
	// afford the unlock. Default: 402 (Payment Required).
	DeniedStatusCode int

	// OnDenied is called when the user has too few credits.
	// If nil, returns DeniedStatusCode with a plain-text message.
	OnDenied func(w http.ResponseWriter, r *http.Request, denial *unlock.InsufficientCreditsError)

	// OnUnauthorized is called when the user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs.
	// If nil, returns 500 Internal Server Error.
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that resolves component access
// before the request reaches the handler. A granted request carries the
// resolution in its context and in X-Entitlement-* response headers; a
// request the user cannot afford never reaches the handler.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.DeniedStatusCode == 0 {
		config.DeniedStatusCode = http.StatusPaymentRequired
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			component := config.GetComponent(r)

			cost := -1
			if config.GetCost != nil {
				c, err := config.GetCost(r)
				if err != nil {
					http.Error(w, "Bad Request", http.StatusBadRequest)
					return
				}
				cost = c
			} else {
				c, err := config.Resolver.ComponentCost(component)
				if err != nil {
					http.Error(w, "Unknown component", http.StatusBadRequest)
					return
				}
				cost = c
			}

			res, err := config.Resolver.Resolve(r.Context(), userID, component, cost)
			if err != nil {
				var denial *unlock.InsufficientCreditsError
				switch {
				case errors.As(err, &denial):
					if config.OnDenied != nil {
						config.OnDenied(w, r, denial)
					} else {
						msg := fmt.Sprintf("Insufficient credits: %d required, %d remaining", denial.Required, denial.Remaining)
						http.Error(w, msg, config.DeniedStatusCode)
					}
				case errors.Is(err, unlock.ErrAccountNotFound):
					http.Error(w, "Forbidden", http.StatusForbidden)
				case errors.Is(err, unlock.ErrUnknownComponent), errors.Is(err, unlock.ErrInvalidCost):
					http.Error(w, "Bad Request", http.StatusBadRequest)
				default:
					if config.OnError != nil {
						config.OnError(w, r, err)
					} else {
						http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					}
				}
				return
			}

			setResolutionHeaders(w.Header(), res)
			ctx := context.WithValue(r.Context(), resolutionKey, res)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HandlerFunc creates an HTTP middleware for http.HandlerFunc chains.
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

func setResolutionHeaders(h http.Header, res *unlock.Resolution) {
	h.Set("X-Entitlement-ID", res.Entitlement.ID)
	h.Set("X-Entitlement-Expires", res.Entitlement.ExpiresAt.UTC().Format(time.RFC3339))
	h.Set("X-Credits-Charged", strconv.Itoa(res.CreditsCharged))
}
