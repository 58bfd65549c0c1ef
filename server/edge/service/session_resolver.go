package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"market_edge/server/common/token"
	"market_edge/server/edge/domain"
)

const providerSessionKeyPrefix = "provider:session:"

type providerClaims struct {
	Email        string `json:"email,omitempty"`
	Name         string `json:"name,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	jwt.RegisteredClaims
}

type storedSession struct {
	UserID       string `json:"user_id"`
	Email        string `json:"email,omitempty"`
	Name         string `json:"name,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
}

// SessionResolver reads provider-issued sessions. Two read-only paths: a
// self-contained session JWT signed with the provider secret, or an
// opaque session id looked up in the provider's redis session store.
// Resolution never writes and never calls the backend.
type SessionResolver struct {
	secret []byte
	redis  *redis.Client
}

func NewSessionResolver(secret string, redisClient *redis.Client) *SessionResolver {
	return &SessionResolver{secret: []byte(secret), redis: redisClient}
}

func (r *SessionResolver) Resolve(ctx context.Context, sessionToken string) (*domain.ProviderSession, error) {
	sessionToken = strings.TrimSpace(sessionToken)
	if sessionToken == "" {
		return nil, fmt.Errorf("empty session token")
	}
	if session, err := r.resolveJWT(sessionToken); err == nil {
		return session, nil
	}
	return r.resolveStored(ctx, sessionToken)
}

func (r *SessionResolver) resolveJWT(sessionToken string) (*domain.ProviderSession, error) {
	parsed, err := jwt.ParseWithClaims(sessionToken, &providerClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return r.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*providerClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid session token")
	}

	session := &domain.ProviderSession{
		Subject: claims.Subject,
		Email:   claims.Email,
		Name:    claims.Name,
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	if claims.AccessToken != "" {
		session.Tokens = &token.Set{Access: claims.AccessToken, Refresh: claims.RefreshToken}
	}
	return session, nil
}

func (r *SessionResolver) resolveStored(ctx context.Context, sessionID string) (*domain.ProviderSession, error) {
	if r.redis == nil {
		return nil, fmt.Errorf("session store is not configured")
	}
	raw, err := r.redis.Get(ctx, providerSessionKeyPrefix+sessionID).Result()
	if err != nil {
		return nil, fmt.Errorf("load provider session: %w", err)
	}
	var stored storedSession
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("decode provider session: %w", err)
	}
	if stored.ExpiresAt > 0 && time.Unix(stored.ExpiresAt, 0).Before(time.Now()) {
		return nil, fmt.Errorf("provider session expired")
	}

	session := &domain.ProviderSession{
		Subject: stored.UserID,
		Email:   stored.Email,
		Name:    stored.Name,
	}
	if stored.ExpiresAt > 0 {
		session.ExpiresAt = time.Unix(stored.ExpiresAt, 0)
	}
	if stored.AccessToken != "" {
		session.Tokens = &token.Set{Access: stored.AccessToken, Refresh: stored.RefreshToken}
	}
	return session, nil
}
