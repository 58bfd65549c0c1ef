package auth_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"market_edge/server/common/auth"
)

func TestServiceRoundTrip(t *testing.T) {
	svc := auth.NewService("secret", 60)

	signed, err := svc.GenerateToken("u1", "user")
	require.NoError(t, err)

	claims, err := svc.ParseToken(signed)
	require.NoError(t, err)
	require.Equal(t, "u1", claims.UserID)
	require.Equal(t, "user", claims.Role)

	userID, role, err := svc.ParseAuthContext(signed)
	require.NoError(t, err)
	require.Equal(t, "u1", userID)
	require.Equal(t, "user", role)
}

func TestServiceRejectsWrongSecret(t *testing.T) {
	signed, err := auth.NewService("secret", 60).GenerateToken("u1", "user")
	require.NoError(t, err)

	_, err = auth.NewService("other", 60).ParseToken(signed)
	require.Error(t, err)
}

func TestServiceRejectsExpired(t *testing.T) {
	svc := auth.NewService("secret", -1)
	signed, err := svc.GenerateToken("u1", "user")
	require.NoError(t, err)

	_, err = svc.ParseToken(signed)
	require.Error(t, err)
}
