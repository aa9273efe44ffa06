package echo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gounlock/pkg/unlock"
	"github.com/mihaimyh/gounlock/storage/memory"
)

func newTestApp(t *testing.T) (*echo.Echo, *memory.Storage) {
	t.Helper()
	store := memory.New()
	resolver, err := unlock.NewResolver(store, unlock.Config{
		Tiers: map[unlock.Tier]unlock.TierConfig{
			unlock.TierFree: {Name: unlock.TierFree, MonthlyAllocation: 10, UnlockWindow: time.Hour},
		},
		Components: map[string]unlock.ComponentConfig{
			"chart": {Name: "chart", Cost: 8},
		},
		DefaultTier: unlock.TierFree,
	})
	require.NoError(t, err)

	e := echo.New()
	e.Use(Middleware(Config{
		Resolver: resolver,
		GetUserID: func(c echo.Context) string {
			return c.Request().Header.Get("X-User-ID")
		},
		GetComponent: func(c echo.Context) string {
			return c.QueryParam("component")
		},
	}))
	e.GET("/view", func(c echo.Context) error {
		res := ResolutionFromContext(c)
		require.NotNil(t, res)
		return c.String(http.StatusOK, "granted")
	})
	return e, store
}

func TestEchoMiddlewareGrants(t *testing.T) {
	e, store := newTestApp(t)
	require.NoError(t, store.PutAccount(context.Background(), &unlock.Account{
		UserID:            "user1",
		Tier:              unlock.TierFree,
		MonthlyAllocation: 10,
	}))

	req := httptest.NewRequest(http.MethodGet, "/view?component=chart", nil)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Entitlement-ID"))
	assert.Equal(t, "8", rec.Header().Get("X-Credits-Charged"))
}

func TestEchoMiddlewareDenies(t *testing.T) {
	e, store := newTestApp(t)
	require.NoError(t, store.PutAccount(context.Background(), &unlock.Account{
		UserID:            "broke",
		Tier:              unlock.TierFree,
		MonthlyAllocation: 3,
	}))

	req := httptest.NewRequest(http.MethodGet, "/view?component=chart", nil)
	req.Header.Set("X-User-ID", "broke")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, rec.Body.String(), "insufficient_credits")
}

func TestEchoMiddlewareUnauthorized(t *testing.T) {
	e, _ := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/view?component=chart", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
