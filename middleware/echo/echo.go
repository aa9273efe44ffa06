// Package echo provides Echo middleware that gates handlers behind
// credit-funded session unlocks.
package echo

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gounlock/pkg/unlock"
)

// ResolutionContextKey is the Echo context key under which the middleware
// stores the granted *unlock.Resolution.
const ResolutionContextKey = "unlock.resolution"

// UserIDExtractor extracts the user ID from an Echo context.
// Return empty string if the user is not authenticated.
type UserIDExtractor func(c echo.Context) string

// ComponentExtractor extracts the gated component name from an Echo context.
type ComponentExtractor func(c echo.Context) string

// CostExtractor overrides the configured credit cost for a request.
type CostExtractor func(c echo.Context) (int, error)

// Config holds middleware configuration.
type Config struct {
	// Resolver is the access resolver instance (required).
	Resolver *unlock.Resolver

	// GetUserID extracts user ID from context (required).
	GetUserID UserIDExtractor

	// GetComponent extracts the component name from context (required).
	GetComponent ComponentExtractor

	// GetCost overrides the configured component cost (optional).
	GetCost CostExtractor

	// DeniedStatusCode is the HTTP status returned when the user cannot
	// afford the unlock. Default: 402 (Payment Required).
	DeniedStatusCode int

	// OnDenied is called when the user has too few credits.
	// If nil, returns DeniedStatusCode with a JSON body.
	OnDenied func(c echo.Context, denial *unlock.InsufficientCreditsError) error

	// OnUnauthorized is called when the user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs.
	// If nil, returns 500 Internal Server Error.
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that resolves component access
// before the handler runs. Granted requests carry the resolution under
// ResolutionContextKey and in X-Entitlement-* response headers.
func Middleware(config Config) echo.MiddlewareFunc {
	if config.DeniedStatusCode == 0 {
		config.DeniedStatusCode = http.StatusPaymentRequired
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := config.GetUserID(c)
			if userID == "" {
				if config.OnUnauthorized != nil {
					return config.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}

			component := config.GetComponent(c)

			var cost int
			var err error
			if config.GetCost != nil {
				cost, err = config.GetCost(c)
			} else {
				cost, err = config.Resolver.ComponentCost(component)
			}
			if err != nil {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown component"})
			}

			res, err := config.Resolver.Resolve(c.Request().Context(), userID, component, cost)
			if err != nil {
				var denial *unlock.InsufficientCreditsError
				switch {
				case errors.As(err, &denial):
					if config.OnDenied != nil {
						return config.OnDenied(c, denial)
					}
					return c.JSON(config.DeniedStatusCode, map[string]interface{}{
						"error":     "insufficient_credits",
						"required":  denial.Required,
						"remaining": denial.Remaining,
					})
				case errors.Is(err, unlock.ErrAccountNotFound):
					return c.JSON(http.StatusForbidden, map[string]string{"error": "account_not_found"})
				case errors.Is(err, unlock.ErrUnknownComponent), errors.Is(err, unlock.ErrInvalidCost):
					return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
				default:
					if config.OnError != nil {
						return config.OnError(c, err)
					}
					return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
				}
			}

			h := c.Response().Header()
			h.Set("X-Entitlement-ID", res.Entitlement.ID)
			h.Set("X-Entitlement-Expires", res.Entitlement.ExpiresAt.UTC().Format(time.RFC3339))
			h.Set("X-Credits-Charged", strconv.Itoa(res.CreditsCharged))
			c.Set(ResolutionContextKey, res)
			return next(c)
		}
	}
}

// ResolutionFromContext returns the resolution stored by the middleware,
// or nil when the request did not pass through it.
func ResolutionFromContext(c echo.Context) *unlock.Resolution {
	if res, ok := c.Get(ResolutionContextKey).(*unlock.Resolution); ok {
		return res
	}
	return nil
}
