package service_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"market_edge/server/common/token"
	"market_edge/server/realtime/domain"
	"market_edge/server/realtime/service"
)

type chatBackend struct {
	srv *httptest.Server

	mu          sync.Mutex
	unread      map[string]int64
	failList    bool
	markedRead  []string
	listGate    chan struct{}
	listStarted chan struct{}
}

func newChatBackend(t *testing.T, unread map[string]int64) *chatBackend {
	t.Helper()
	b := &chatBackend{unread: unread}
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/conversations/", b.handle)
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *chatBackend) handle(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case r.Method == http.MethodGet && path == "/chat/conversations/":
		b.mu.Lock()
		fail := b.failList
		started := b.listStarted
		gate := b.listGate
		summaries := make([]domain.ConversationSummary, 0, len(b.unread))
		for id, count := range b.unread {
			summaries = append(summaries, domain.ConversationSummary{ID: id, UnreadCount: count})
		}
		b.mu.Unlock()
		if started != nil {
			started <- struct{}{}
		}
		if gate != nil {
			<-gate
		}
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(summaries)
	case r.Method == http.MethodPatch && strings.HasSuffix(path, "/mark_as_read/"):
		id := strings.TrimPrefix(path, "/chat/conversations/")
		id = strings.TrimSuffix(id, "/mark_as_read/")
		b.mu.Lock()
		b.unread[id] = 0
		b.markedRead = append(b.markedRead, id)
		b.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "success"})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestAggregator(t *testing.T, b *chatBackend) *service.Aggregator {
	t.Helper()
	tokens := token.NewStore()
	tokens.Replace(token.Set{Access: "test-token"})
	chat := service.NewChatClient(tokens, b.srv.URL)
	return service.NewAggregator(chat)
}

func TestAggregatorResyncWinsOverStaleIncrement(t *testing.T) {
	b := newChatBackend(t, map[string]int64{"c1": 1, "c2": 2})
	agg := newTestAggregator(t, b)

	agg.IncrementUnreadCount(1)
	require.EqualValues(t, 1, agg.State().TotalUnreadCount)

	require.NoError(t, agg.RefreshUnreadCount(context.Background()))
	state := agg.State()
	require.EqualValues(t, 3, state.TotalUnreadCount)
	require.False(t, state.IsLoading)
	require.Empty(t, state.LastError)
}

func TestAggregatorRefreshFailureKeepsStaleCount(t *testing.T) {
	b := newChatBackend(t, map[string]int64{"c1": 5})
	agg := newTestAggregator(t, b)
	require.NoError(t, agg.RefreshUnreadCount(context.Background()))
	require.EqualValues(t, 5, agg.State().TotalUnreadCount)

	b.mu.Lock()
	b.failList = true
	b.mu.Unlock()

	require.Error(t, agg.RefreshUnreadCount(context.Background()))
	state := agg.State()
	require.EqualValues(t, 5, state.TotalUnreadCount)
	require.False(t, state.IsLoading)
	require.NotEmpty(t, state.LastError)
}

func TestAggregatorIncrementDuringRefreshSurvives(t *testing.T) {
	b := newChatBackend(t, map[string]int64{"c1": 3})
	b.listStarted = make(chan struct{}, 1)
	b.listGate = make(chan struct{})
	agg := newTestAggregator(t, b)

	done := make(chan error, 1)
	go func() { done <- agg.RefreshUnreadCount(context.Background()) }()

	<-b.listStarted
	// The backend snapshot was taken before this notification arrived, so
	// the increment must survive the resync.
	agg.IncrementUnreadCount(1)
	close(b.listGate)

	require.NoError(t, <-done)
	require.EqualValues(t, 4, agg.State().TotalUnreadCount)
}

func TestAggregatorMarkConversationAsReadResyncs(t *testing.T) {
	b := newChatBackend(t, map[string]int64{"c1": 2, "c2": 1})
	agg := newTestAggregator(t, b)
	require.NoError(t, agg.RefreshUnreadCount(context.Background()))
	require.EqualValues(t, 3, agg.State().TotalUnreadCount)

	require.NoError(t, agg.MarkConversationAsRead(context.Background(), "c1"))

	state := agg.State()
	require.EqualValues(t, 1, state.TotalUnreadCount)
	b.mu.Lock()
	defer b.mu.Unlock()
	require.Equal(t, []string{"c1"}, b.markedRead)
}

func TestAggregatorLoadingDuringRefresh(t *testing.T) {
	b := newChatBackend(t, map[string]int64{"c1": 1})
	b.listStarted = make(chan struct{}, 1)
	b.listGate = make(chan struct{})
	agg := newTestAggregator(t, b)

	done := make(chan error, 1)
	go func() { done <- agg.RefreshUnreadCount(context.Background()) }()

	<-b.listStarted
	require.True(t, agg.State().IsLoading)
	close(b.listGate)
	require.NoError(t, <-done)
	require.False(t, agg.State().IsLoading)
}
