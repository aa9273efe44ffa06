// Package gin provides Gin middleware that gates handlers behind
// credit-funded session unlocks.
package gin

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gounlock/pkg/unlock"
)

// ResolutionContextKey is the Gin context key under which the middleware
// stores the granted *unlock.Resolution.
const ResolutionContextKey = "unlock.resolution"

// UserIDExtractor extracts the user ID from a Gin context.
// Return empty string if the user is not authenticated.
type UserIDExtractor func(c *gongin.Context) string

// ComponentExtractor extracts the gated component name from a Gin context.
type ComponentExtractor func(c *gongin.Context) string

// CostExtractor overrides the configured credit cost for a request.
type CostExtractor func(c *gongin.Context) (int, error)

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
	OnDenied func(c *gongin.Context, denial *unlock.InsufficientCreditsError)

	// OnUnauthorized is called when the user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs.
	// If nil, returns 500 Internal Server Error.
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that resolves component access before
// the handler runs. Granted requests carry the resolution under
// ResolutionContextKey and in X-Entitlement-* response headers.
func Middleware(config Config) gongin.HandlerFunc {
	if config.DeniedStatusCode == 0 {
		config.DeniedStatusCode = http.StatusPaymentRequired
	}

	return func(c *gongin.Context) {
		userID := config.GetUserID(c)
		if userID == "" {
			if config.OnUnauthorized != nil {
				config.OnUnauthorized(c)
			} else {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gongin.H{"error": "unauthorized"})
			}
			c.Abort()
			return
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
			c.AbortWithStatusJSON(http.StatusBadRequest, gongin.H{"error": "unknown component"})
			return
		}

		res, err := config.Resolver.Resolve(c.Request.Context(), userID, component, cost)
		if err != nil {
			var denial *unlock.InsufficientCreditsError
			switch {
			case errors.As(err, &denial):
				if config.OnDenied != nil {
					config.OnDenied(c, denial)
					c.Abort()
				} else {
					c.AbortWithStatusJSON(config.DeniedStatusCode, gongin.H{
						"error":     "insufficient_credits",
						"required":  denial.Required,
						"remaining": denial.Remaining,
					})
				}
			case errors.Is(err, unlock.ErrAccountNotFound):
				c.AbortWithStatusJSON(http.StatusForbidden, gongin.H{"error": "account_not_found"})
			case errors.Is(err, unlock.ErrUnknownComponent), errors.Is(err, unlock.ErrInvalidCost):
				c.AbortWithStatusJSON(http.StatusBadRequest, gongin.H{"error": err.Error()})
			default:
				if config.OnError != nil {
					config.OnError(c, err)
					c.Abort()
				} else {
					c.AbortWithStatusJSON(http.StatusInternalServerError, gongin.H{"error": "internal error"})
				}
			}
			return
		}

		c.Header("X-Entitlement-ID", res.Entitlement.ID)
		c.Header("X-Entitlement-Expires", res.Entitlement.ExpiresAt.UTC().Format(time.RFC3339))
		c.Header("X-Credits-Charged", strconv.Itoa(res.CreditsCharged))
		c.Set(ResolutionContextKey, res)
		c.Next()
	}
}

// ResolutionFromContext returns the resolution stored by the middleware,
// or nil when the request did not pass through it.
func ResolutionFromContext(c *gongin.Context) *unlock.Resolution {
	if v, ok := c.Get(ResolutionContextKey); ok {
		if res, ok := v.(*unlock.Resolution); ok {
			return res
		}
	}
	return nil
}
