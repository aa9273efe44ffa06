package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/gounlock/pkg/unlock"
)

// Config holds configuration for the unlock API handler.
type Config struct {
	// Resolver is the access resolver instance (required).
	Resolver *unlock.Resolver

	// Sweeper optionally exposes an admin endpoint to trigger a sweep.
	Sweeper *unlock.Sweeper

	// GetUserID extracts the user ID from an HTTP request (required).
	GetUserID func(*http.Request) string

	// OnError handles errors (auth, internal, etc.).
	// If nil, uses default error handling.
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is used for structured logging (default: NoopLogger).
	Logger unlock.Logger
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Resolver == nil {
		return fmt.Errorf("resolver is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new unlock API handler with the given configuration.
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &unlock.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts the user ID from a header.
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts the user ID from the
// request context. Uses the same context key pattern as middleware/http.
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
