package service

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	commonlog "market_edge/server/common/log"
	"market_edge/server/edge/domain"
)

const (
	accessTokenCookie  = "accessToken"
	refreshTokenCookie = "refreshToken"

	accessCookieMaxAge  = 24 * 60 * 60
	refreshCookieMaxAge = 7 * 24 * 60 * 60
)

type sessionResolver interface {
	Resolve(ctx context.Context, sessionToken string) (*domain.ProviderSession, error)
}

// Gate guards the protected path prefixes: it mirrors backend tokens
// embedded in a provider session into cookies, or redirects to sign-in.
// It is stateless across requests and never calls the backend itself.
type Gate struct {
	protectedPrefixes []string
	signInPath        string
	sessionCookie     string
	secureCookies     bool
	resolver          sessionResolver
}

type GateConfig struct {
	ProtectedPrefixes []string
	SignInPath        string
	SessionCookie     string
	SecureCookies     bool
}

func NewGate(cfg GateConfig, resolver sessionResolver) *Gate {
	return &Gate{
		protectedPrefixes: cfg.ProtectedPrefixes,
		signInPath:        cfg.SignInPath,
		sessionCookie:     cfg.SessionCookie,
		secureCookies:     cfg.SecureCookies,
		resolver:          resolver,
	}
}

// PathProtected reports whether the path falls under a protected prefix.
func PathProtected(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Decide is the pure reconciliation function: (path, provider session,
// cookie presence) to a gate action. Kept free of gin and redis so it is
// testable without an identity provider.
func Decide(path string, prefixes []string, session *domain.ProviderSession, hasAccessCookie bool) domain.GateAction {
	if !PathProtected(path, prefixes) {
		return domain.GatePass
	}
	if session != nil {
		if session.HasTokens() && !hasAccessCookie {
			return domain.GateMirror
		}
		return domain.GatePass
	}
	if hasAccessCookie {
		return domain.GatePass
	}
	return domain.GateRedirect
}

// Middleware applies Decide to every request. Resolver failures degrade
// to "no session" and fall through to the cookie check or the redirect,
// never to a hard error.
func (g *Gate) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if !PathProtected(path, g.protectedPrefixes) {
			c.Next()
			return
		}

		var session *domain.ProviderSession
		if sessionToken, err := c.Cookie(g.sessionCookie); err == nil && strings.TrimSpace(sessionToken) != "" {
			resolved, resolveErr := g.resolver.Resolve(c.Request.Context(), sessionToken)
			if resolveErr != nil {
				commonlog.Debugf("event=edge_gate action=resolve_session status=failed path=%s error=%v", path, resolveErr)
			} else {
				session = resolved
			}
		}

		// A bearer header counts the same as the mirrored cookie, so API
		// clients that never went through a browser are not redirected.
		hasToken := strings.HasPrefix(strings.TrimSpace(c.GetHeader("Authorization")), "Bearer ")
		if !hasToken {
			if cookie, err := c.Cookie(accessTokenCookie); err == nil && strings.TrimSpace(cookie) != "" {
				hasToken = true
			}
		}

		switch Decide(path, g.protectedPrefixes, session, hasToken) {
		case domain.GateMirror:
			g.mirrorTokens(c, session)
			c.Next()
		case domain.GateRedirect:
			target := g.signInPath + "?callbackUrl=" + url.QueryEscape(c.Request.URL.RequestURI())
			commonlog.Infof("event=edge_gate action=redirect path=%s", path)
			c.Redirect(http.StatusFound, target)
			c.Abort()
		default:
			c.Next()
		}
	}
}

// mirrorTokens copies the already-issued backend pair from the provider
// session into cookies. Pure copy: no fresh issuance.
func (g *Gate) mirrorTokens(c *gin.Context, session *domain.ProviderSession) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(accessTokenCookie, session.Tokens.Access, accessCookieMaxAge, "/", "", g.secureCookies, true)
	if session.Tokens.Refresh != "" {
		c.SetCookie(refreshTokenCookie, session.Tokens.Refresh, refreshCookieMaxAge, "/", "", g.secureCookies, true)
	}
	commonlog.Infof("event=edge_gate action=mirror_tokens status=ok subject=%s", session.Subject)
}

// ClearTokenCookies expires both backend token cookies, used at logout.
func (g *Gate) ClearTokenCookies(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(accessTokenCookie, "", -1, "/", "", g.secureCookies, true)
	c.SetCookie(refreshTokenCookie, "", -1, "/", "", g.secureCookies, true)
}
