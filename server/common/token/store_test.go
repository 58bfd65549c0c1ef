package token_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"market_edge/server/common/token"
)

func TestStoreReplaceAndSnapshot(t *testing.T) {
	store := token.NewStore()
	require.True(t, store.Snapshot().Empty())
	require.Empty(t, store.Access())

	store.Replace(token.Set{Access: "a1", Refresh: "r1"})
	require.Equal(t, "a1", store.Access())
	require.Equal(t, token.Set{Access: "a1", Refresh: "r1"}, store.Snapshot())

	// Replacement is wholesale: the old refresh token does not survive.
	store.Replace(token.Set{Access: "a2"})
	require.Equal(t, token.Set{Access: "a2"}, store.Snapshot())
}

func TestStoreProviderSession(t *testing.T) {
	store := token.NewStore()
	store.SetProviderSession(" sess-1 ")
	require.Equal(t, "sess-1", store.ProviderSession())
}

func TestStoreClear(t *testing.T) {
	store := token.NewStore()
	store.Replace(token.Set{Access: "a1", Refresh: "r1"})
	store.SetProviderSession("sess-1")

	store.Clear()
	require.True(t, store.Snapshot().Empty())
	require.Empty(t, store.ProviderSession())
}

func TestSetEmpty(t *testing.T) {
	require.True(t, token.Set{}.Empty())
	require.True(t, token.Set{Access: "   "}.Empty())
	require.False(t, token.Set{Access: "a"}.Empty())
}
