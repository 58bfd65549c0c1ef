package service_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"market_edge/server/common/token"
	"market_edge/server/edge/domain"
	"market_edge/server/edge/service"
)

type fakeResolver struct {
	session *domain.ProviderSession
	err     error
}

func (f *fakeResolver) Resolve(ctx context.Context, sessionToken string) (*domain.ProviderSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

var testPrefixes = []string{"/dashboard", "/api/v1"}

func sessionWithTokens() *domain.ProviderSession {
	return &domain.ProviderSession{
		Subject: "u1",
		Tokens:  &token.Set{Access: "backend-access", Refresh: "backend-refresh"},
	}
}

func TestDecide(t *testing.T) {
	bare := &domain.ProviderSession{Subject: "u1"}

	t.Run("unprotected path passes", func(t *testing.T) {
		require.Equal(t, domain.GatePass, service.Decide("/about", testPrefixes, nil, false))
	})

	t.Run("embedded tokens without cookie mirror", func(t *testing.T) {
		require.Equal(t, domain.GateMirror, service.Decide("/dashboard", testPrefixes, sessionWithTokens(), false))
	})

	t.Run("embedded tokens with cookie pass", func(t *testing.T) {
		require.Equal(t, domain.GatePass, service.Decide("/dashboard", testPrefixes, sessionWithTokens(), true))
	})

	t.Run("session without tokens passes", func(t *testing.T) {
		require.Equal(t, domain.GatePass, service.Decide("/dashboard", testPrefixes, bare, false))
	})

	t.Run("cookie only passes", func(t *testing.T) {
		require.Equal(t, domain.GatePass, service.Decide("/dashboard", testPrefixes, nil, true))
	})

	t.Run("no credential redirects", func(t *testing.T) {
		require.Equal(t, domain.GateRedirect, service.Decide("/dashboard", testPrefixes, nil, false))
	})
}

func newGateRouter(resolver *fakeResolver) *gin.Engine {
	gin.SetMode(gin.TestMode)
	gate := service.NewGate(service.GateConfig{
		ProtectedPrefixes: testPrefixes,
		SignInPath:        "/signin",
		SessionCookie:     "providerSession",
	}, resolver)

	r := gin.New()
	r.Use(gate.Middleware())
	r.GET("/dashboard/messages", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/about", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return r
}

func cookieByName(res *http.Response, name string) *http.Cookie {
	for _, cookie := range res.Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

func TestGateMirrorsTokensExactlyOnce(t *testing.T) {
	r := newGateRouter(&fakeResolver{session: sessionWithTokens()})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/dashboard/messages", nil)
	req.AddCookie(&http.Cookie{Name: "providerSession", Value: "sess-1"})
	r.ServeHTTP(w, req)

	res := w.Result()
	require.Equal(t, http.StatusOK, res.StatusCode)

	access := cookieByName(res, "accessToken")
	require.NotNil(t, access)
	require.Equal(t, "backend-access", access.Value)
	require.Equal(t, 24*60*60, access.MaxAge)
	require.True(t, access.HttpOnly)

	refresh := cookieByName(res, "refreshToken")
	require.NotNil(t, refresh)
	require.Equal(t, "backend-refresh", refresh.Value)
	require.Equal(t, 7*24*60*60, refresh.MaxAge)

	// Second pass with the cookie already present must not overwrite it.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/dashboard/messages", nil)
	req.AddCookie(&http.Cookie{Name: "providerSession", Value: "sess-1"})
	req.AddCookie(&http.Cookie{Name: "accessToken", Value: "backend-access"})
	r.ServeHTTP(w, req)

	res = w.Result()
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Nil(t, cookieByName(res, "accessToken"))
	require.Nil(t, cookieByName(res, "refreshToken"))
}

func TestGateRedirectPreservesDestination(t *testing.T) {
	r := newGateRouter(&fakeResolver{err: errors.New("provider unavailable")})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/dashboard/messages", nil)
	r.ServeHTTP(w, req)

	res := w.Result()
	require.Equal(t, http.StatusFound, res.StatusCode)
	require.Equal(t, "/signin?callbackUrl=%2Fdashboard%2Fmessages", res.Header.Get("Location"))
}

func TestGateResolverFailureFallsBackToCookie(t *testing.T) {
	r := newGateRouter(&fakeResolver{err: errors.New("provider unavailable")})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/dashboard/messages", nil)
	req.AddCookie(&http.Cookie{Name: "providerSession", Value: "sess-1"})
	req.AddCookie(&http.Cookie{Name: "accessToken", Value: "backend-access"})
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Result().StatusCode)
}

func TestGateBearerHeaderIsNotRedirected(t *testing.T) {
	r := newGateRouter(&fakeResolver{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/dashboard/messages", nil)
	req.Header.Set("Authorization", "Bearer backend-access")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Result().StatusCode)
}

func TestGateIgnoresUnprotectedPaths(t *testing.T) {
	r := newGateRouter(&fakeResolver{err: errors.New("provider unavailable")})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/about", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Result().StatusCode)
}
