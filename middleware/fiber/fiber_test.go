package fiber

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gounlock/pkg/unlock"
	"github.com/mihaimyh/gounlock/storage/memory"
)

func newTestApp(t *testing.T) (*fiber.App, *memory.Storage) {
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

	app := fiber.New()
	app.Use(Middleware(Config{
		Resolver: resolver,
		GetUserID: func(c *fiber.Ctx) string {
			return c.Get("X-User-ID")
		},
		GetComponent: func(c *fiber.Ctx) string {
			return c.Query("component")
		},
	}))
	app.Get("/view", func(c *fiber.Ctx) error {
		res := ResolutionFromContext(c)
		require.NotNil(t, res)
		return c.SendString("granted")
	})
	return app, store
}

func TestFiberMiddlewareGrants(t *testing.T) {
	app, store := newTestApp(t)
	require.NoError(t, store.PutAccount(context.Background(), &unlock.Account{
		UserID:            "user1",
		Tier:              unlock.TierFree,
		MonthlyAllocation: 10,
	}))

	req := httptest.NewRequest(http.MethodGet, "/view?component=chart", nil)
	req.Header.Set("X-User-ID", "user1")
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Entitlement-ID"))
	assert.Equal(t, "8", resp.Header.Get("X-Credits-Charged"))
}

func TestFiberMiddlewareDenies(t *testing.T) {
	app, store := newTestApp(t)
	require.NoError(t, store.PutAccount(context.Background(), &unlock.Account{
		UserID:            "broke",
		Tier:              unlock.TierFree,
		MonthlyAllocation: 3,
	}))

	req := httptest.NewRequest(http.MethodGet, "/view?component=chart", nil)
	req.Header.Set("X-User-ID", "broke")
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
}

func TestFiberMiddlewareUnauthorized(t *testing.T) {
	app, _ := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/view?component=chart", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
