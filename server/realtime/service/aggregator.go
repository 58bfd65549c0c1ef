package service

import (
	"context"
	"sync"

	commonlog "market_edge/server/common/log"
	"market_edge/server/realtime/domain"
)

// Aggregator maintains the single cross-conversation unread total.
// Increments are optimistic and resyncs are authoritative: a resync
// replaces the count, and only increments that arrived while the resync
// was in flight (so after its snapshot) are re-applied on top.
type Aggregator struct {
	chat *ChatClient

	refreshMu sync.Mutex // serializes resyncs
	mu        sync.Mutex // guards the fields below
	total     int64
	loading   bool
	lastErr   string
	pending   int64
}

func NewAggregator(chat *ChatClient) *Aggregator {
	return &Aggregator{chat: chat}
}

// RefreshUnreadCount fetches the per-conversation summary, sums the
// unread counts and replaces the total. On failure the previous count is
// kept and LastError is set.
func (a *Aggregator) RefreshUnreadCount(ctx context.Context) error {
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	a.mu.Lock()
	a.loading = true
	a.pending = 0
	a.mu.Unlock()

	conversations, err := a.chat.ListConversations(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.loading = false
	if err != nil {
		a.lastErr = err.Error()
		commonlog.Errorf("event=unread_aggregator action=refresh status=failed error=%v", err)
		return err
	}

	var sum int64
	for _, conversation := range conversations {
		sum += conversation.UnreadCount
	}
	a.total = sum + a.pending
	a.pending = 0
	a.lastErr = ""
	commonlog.Debugf("event=unread_aggregator action=refresh status=ok total=%d conversations=%d", a.total, len(conversations))
	return nil
}

// IncrementUnreadCount is purely additive and never touches the network.
func (a *Aggregator) IncrementUnreadCount(n int64) {
	if n <= 0 {
		n = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total += n
	if a.loading {
		a.pending += n
	}
}

// MarkConversationAsRead tells the backend and then resyncs. The total is
// never decremented locally, so it cannot drift from the authoritative
// source when one conversation held several unread messages.
func (a *Aggregator) MarkConversationAsRead(ctx context.Context, conversationID string) error {
	if err := a.chat.MarkAsRead(ctx, conversationID); err != nil {
		commonlog.Errorf("event=unread_aggregator action=mark_read status=failed conversation_id=%s error=%v", conversationID, err)
		return err
	}
	return a.RefreshUnreadCount(ctx)
}

func (a *Aggregator) State() domain.UnreadState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return domain.UnreadState{TotalUnreadCount: a.total, IsLoading: a.loading, LastError: a.lastErr}
}
