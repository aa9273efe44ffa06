// Package fiber provides Fiber middleware that gates handlers behind
// credit-funded session unlocks.
package fiber

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gounlock/pkg/unlock"
)

// ResolutionContextKey is the Fiber locals key under which the middleware
// stores the granted *unlock.Resolution.
const ResolutionContextKey = "unlock.resolution"

// UserIDExtractor extracts the user ID from a Fiber context.
// Return empty string if the user is not authenticated.
type UserIDExtractor func(c *fiber.Ctx) string

// ComponentExtractor extracts the gated component name from a Fiber context.
type ComponentExtractor func(c *fiber.Ctx) string

// CostExtractor overrides the configured credit cost for a request.
type CostExtractor func(c *fiber.Ctx) (int, error)

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
	OnDenied func(c *fiber.Ctx, denial *unlock.InsufficientCreditsError) error

	// OnUnauthorized is called when the user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs.
	// If nil, returns 500 Internal Server Error.
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that resolves component access
// before the handler runs. Granted requests carry the resolution under
// ResolutionContextKey and in X-Entitlement-* response headers.
func Middleware(config Config) fiber.Handler {
	if config.DeniedStatusCode == 0 {
		config.DeniedStatusCode = fiber.StatusPaymentRequired
	}

	return func(c *fiber.Ctx) error {
		userID := config.GetUserID(c)
		if userID == "" {
			if config.OnUnauthorized != nil {
				return config.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
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
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown component"})
		}

		res, err := config.Resolver.Resolve(c.UserContext(), userID, component, cost)
		if err != nil {
			var denial *unlock.InsufficientCreditsError
			switch {
			case errors.As(err, &denial):
				if config.OnDenied != nil {
					return config.OnDenied(c, denial)
				}
				return c.Status(config.DeniedStatusCode).JSON(fiber.Map{
					"error":     "insufficient_credits",
					"required":  denial.Required,
					"remaining": denial.Remaining,
				})
			case errors.Is(err, unlock.ErrAccountNotFound):
				return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "account_not_found"})
			case errors.Is(err, unlock.ErrUnknownComponent), errors.Is(err, unlock.ErrInvalidCost):
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
			default:
				if config.OnError != nil {
					return config.OnError(c, err)
				}
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
			}
		}

		c.Set("X-Entitlement-ID", res.Entitlement.ID)
		c.Set("X-Entitlement-Expires", res.Entitlement.ExpiresAt.UTC().Format(time.RFC3339))
		c.Set("X-Credits-Charged", strconv.Itoa(res.CreditsCharged))
		c.Locals(ResolutionContextKey, res)
		return c.Next()
	}
}

// ResolutionFromContext returns the resolution stored by the middleware,
// or nil when the request did not pass through it.
func ResolutionFromContext(c *fiber.Ctx) *unlock.Resolution {
	if res, ok := c.Locals(ResolutionContextKey).(*unlock.Resolution); ok {
		return res
	}
	return nil
}
