package service_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"market_edge/server/common/token"
	"market_edge/server/realtime/domain"
	"market_edge/server/realtime/service"
)

func TestChatClientFailsOverToHealthyEndpoint(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	var hits int32
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode([]domain.ConversationSummary{{ID: "c1", UnreadCount: 2}})
	}))
	defer good.Close()

	tokens := token.NewStore()
	tokens.Replace(token.Set{Access: "test-token"})
	client := service.NewChatClient(tokens, bad.URL, good.URL)

	conversations, err := client.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, conversations, 1)
	require.EqualValues(t, 2, conversations[0].UnreadCount)
	require.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestChatClientClientErrorIsTerminal(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	tokens := token.NewStore()
	tokens.Replace(token.Set{Access: "test-token"})
	client := service.NewChatClient(tokens, srv.URL, srv.URL+"/")

	_, err := client.ListConversations(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "403")
	// 4xx is not retried and duplicate endpoints are collapsed.
	require.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestChatClientSendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/chat/conversations/c7/send_message/", r.URL.Path)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "hello", req["content"])
		_ = json.NewEncoder(w).Encode(domain.Message{ID: "m1", ConversationID: "c7", Content: "hello"})
	}))
	defer srv.Close()

	tokens := token.NewStore()
	tokens.Replace(token.Set{Access: "test-token"})
	client := service.NewChatClient(tokens, srv.URL)

	message, err := client.SendMessage(context.Background(), "c7", "hello")
	require.NoError(t, err)
	require.Equal(t, "m1", message.ID)
}

func TestChatClientNoEndpoints(t *testing.T) {
	client := service.NewChatClient(token.NewStore())
	_, err := client.ListConversations(context.Background())
	require.Error(t, err)
}
