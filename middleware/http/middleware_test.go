package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gounlock/pkg/unlock"
	"github.com/mihaimyh/gounlock/storage/memory"
)

func newTestResolver(t *testing.T) (*unlock.Resolver, *memory.Storage) {
	t.Helper()
	store := memory.New()
	resolver, err := unlock.NewResolver(store, unlock.Config{
		Tiers: map[unlock.Tier]unlock.TierConfig{
			unlock.TierFree: {Name: unlock.TierFree, MonthlyAllocation: 10, UnlockWindow: time.Hour},
		},
		Components: map[string]unlock.ComponentConfig{
			"chart":  {Name: "chart", Cost: 8},
			"scores": {Name: "scores", Cost: 5},
		},
		DefaultTier: unlock.TierFree,
	})
	require.NoError(t, err)
	return resolver, store
}

func seedAccount(t *testing.T, store *memory.Storage, userID string, allocation int) {
	t.Helper()
	require.NoError(t, store.PutAccount(context.Background(), &unlock.Account{
		UserID:            userID,
		Tier:              unlock.TierFree,
		MonthlyAllocation: allocation,
	}))
}

func okHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := ResolutionFromContext(r.Context())
		require.NotNil(t, res)
		w.WriteHeader(http.StatusOK)
	})
}

func testConfig(resolver *unlock.Resolver) Config {
	return Config{
		Resolver: resolver,
		GetUserID: func(r *http.Request) string {
			return r.Header.Get("X-User-ID")
		},
		GetComponent: func(r *http.Request) string {
			return r.URL.Query().Get("component")
		},
	}
}

func TestMiddlewareGrantsAndSetsHeaders(t *testing.T) {
	resolver, store := newTestResolver(t)
	seedAccount(t, store, "user1", 10)

	handler := Middleware(testConfig(resolver))(okHandler(t))

	req := httptest.NewRequest(http.MethodGet, "/view?component=chart", nil)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Entitlement-ID"))
	assert.Equal(t, "8", rec.Header().Get("X-Credits-Charged"))

	expires, err := time.Parse(time.RFC3339, rec.Header().Get("X-Entitlement-Expires"))
	require.NoError(t, err)
	assert.True(t, expires.After(time.Now()))
}

func TestMiddlewareReusesWithinWindow(t *testing.T) {
	resolver, store := newTestResolver(t)
	seedAccount(t, store, "user1", 10)

	handler := Middleware(testConfig(resolver))(okHandler(t))

	first := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/view?component=chart", nil)
	req.Header.Set("X-User-ID", "user1")
	handler.ServeHTTP(first, req)
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/view?component=chart", nil)
	req.Header.Set("X-User-ID", "user1")
	handler.ServeHTTP(second, req)
	require.Equal(t, http.StatusOK, second.Code)

	assert.Equal(t, first.Header().Get("X-Entitlement-ID"), second.Header().Get("X-Entitlement-ID"))
	assert.Equal(t, "0", second.Header().Get("X-Credits-Charged"))
}

func TestMiddlewareDeniesInsufficientCredits(t *testing.T) {
	resolver, store := newTestResolver(t)
	seedAccount(t, store, "user1", 10)

	handler := Middleware(testConfig(resolver))(okHandler(t))

	// Charge 8 of 10 for chart, then scores at 5 cannot be afforded.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/view?component=chart", nil)
	req.Header.Set("X-User-ID", "user1")
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/view?component=scores", nil)
	req.Header.Set("X-User-ID", "user1")
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, rec.Body.String(), "5 required, 2 remaining")
}

func TestMiddlewareCustomDenialHandler(t *testing.T) {
	resolver, store := newTestResolver(t)
	seedAccount(t, store, "user1", 0)

	config := testConfig(resolver)
	config.OnDenied = func(w http.ResponseWriter, r *http.Request, denial *unlock.InsufficientCreditsError) {
		w.Header().Set("X-Required", "yes")
		w.WriteHeader(http.StatusConflict)
	}
	handler := Middleware(config)(okHandler(t))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/view?component=chart", nil)
	req.Header.Set("X-User-ID", "user1")
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "yes", rec.Header().Get("X-Required"))
}

func TestMiddlewareUnauthorized(t *testing.T) {
	resolver, _ := newTestResolver(t)
	handler := Middleware(testConfig(resolver))(okHandler(t))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/view?component=chart", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareUnknownComponent(t *testing.T) {
	resolver, store := newTestResolver(t)
	seedAccount(t, store, "user1", 10)

	handler := Middleware(testConfig(resolver))(okHandler(t))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/view?component=nope", nil)
	req.Header.Set("X-User-ID", "user1")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMiddlewareUnknownAccount(t *testing.T) {
	resolver, _ := newTestResolver(t)
	handler := Middleware(testConfig(resolver))(okHandler(t))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/view?component=chart", nil)
	req.Header.Set("X-User-ID", "ghost")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandlerFuncVariant(t *testing.T) {
	resolver, store := newTestResolver(t)
	seedAccount(t, store, "user1", 10)

	var called bool
	wrapped := HandlerFunc(testConfig(resolver))(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/view?component=scores", nil)
	req.Header.Set("X-User-ID", "user1")
	wrapped(rec, req)

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
}
