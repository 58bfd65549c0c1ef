package service

import (
	"context"
	"sync"
	"time"

	commonlog "market_edge/server/common/log"
	"market_edge/server/common/token"
	rtdomain "market_edge/server/realtime/domain"
	rtservice "market_edge/server/realtime/service"
)

type notifyPublisher interface {
	Publish(ctx context.Context, userID string, notification rtdomain.Notification) error
}

// UserSession is the per-user runtime state of the edge: the token store,
// the backend chat client, the unread aggregator and the single global
// notification channel. One instance per authenticated session; nothing
// carries across logout.
type UserSession struct {
	UserID string
	Tokens *token.Store
	Chat   *rtservice.ChatClient
	Unread *rtservice.Aggregator
	Global *rtservice.Channel
}

type SessionManagerConfig struct {
	WSBaseURL        string
	ChatEndpoints    []string
	ReconnectBase    time.Duration
	ReconnectCeiling time.Duration
}

type SessionManager struct {
	cfg       SessionManagerConfig
	publisher notifyPublisher

	mu       sync.Mutex
	sessions map[string]*UserSession
}

func NewSessionManager(cfg SessionManagerConfig, publisher notifyPublisher) *SessionManager {
	return &SessionManager{
		cfg:       cfg,
		publisher: publisher,
		sessions:  map[string]*UserSession{},
	}
}

// Ensure returns the live session for userID, creating it on first sight.
// The token pair is replaced wholesale on every call so a refreshed token
// is picked up by the next channel (re)connect.
func (m *SessionManager) Ensure(userID string, set token.Set, providerSession string) *UserSession {
	m.mu.Lock()
	session, ok := m.sessions[userID]
	if ok {
		m.mu.Unlock()
		session.Tokens.Replace(set)
		if providerSession != "" {
			session.Tokens.SetProviderSession(providerSession)
		}
		return session
	}

	tokens := token.NewStore()
	tokens.Replace(set)
	tokens.SetProviderSession(providerSession)
	chat := rtservice.NewChatClient(tokens, m.cfg.ChatEndpoints...)
	unread := rtservice.NewAggregator(chat)
	global := rtservice.NewChannel(rtservice.ChannelConfig{
		BaseURL:          m.cfg.WSBaseURL,
		ReconnectBase:    m.cfg.ReconnectBase,
		ReconnectCeiling: m.cfg.ReconnectCeiling,
	}, tokens)

	session = &UserSession{UserID: userID, Tokens: tokens, Chat: chat, Unread: unread, Global: global}
	m.sessions[userID] = session
	m.mu.Unlock()

	global.SetCallbacks(rtservice.Callbacks{
		OnNotification: func(n rtdomain.Notification) {
			unread.IncrementUnreadCount(1)
			if m.publisher != nil {
				go m.fanOut(userID, n)
			}
		},
		OnError: func(text string) {
			commonlog.Warnf("event=edge_session action=global_channel status=error user_id=%s error=%s", userID, text)
		},
	})
	global.Connect(rtdomain.GlobalChannelID)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = unread.RefreshUnreadCount(ctx)
	}()

	commonlog.Infof("event=edge_session action=create status=ok user_id=%s", userID)
	return session
}

func (m *SessionManager) fanOut(userID string, n rtdomain.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.publisher.Publish(ctx, userID, n); err != nil {
		commonlog.Errorf("event=edge_session action=fanout status=failed user_id=%s error=%v", userID, err)
	}
}

// NewConversationChannel builds a channel for one conversation, sharing
// the session's token store so reconnects always see the current token.
func (m *SessionManager) NewConversationChannel(session *UserSession) *rtservice.Channel {
	return rtservice.NewChannel(rtservice.ChannelConfig{
		BaseURL:          m.cfg.WSBaseURL,
		ReconnectBase:    m.cfg.ReconnectBase,
		ReconnectCeiling: m.cfg.ReconnectCeiling,
	}, session.Tokens)
}

func (m *SessionManager) Get(userID string) (*UserSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[userID]
	return session, ok
}

// Logout tears the session down: the global channel is disconnected
// (which also cancels any armed retry timer), the token store is cleared
// and the counters are discarded with the session itself.
func (m *SessionManager) Logout(userID string) {
	m.mu.Lock()
	session, ok := m.sessions[userID]
	if ok {
		delete(m.sessions, userID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	session.Global.Disconnect()
	session.Tokens.Clear()
	commonlog.Infof("event=edge_session action=logout status=ok user_id=%s", userID)
}

func (m *SessionManager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*UserSession, 0, len(m.sessions))
	for userID, session := range m.sessions {
		sessions = append(sessions, session)
		delete(m.sessions, userID)
	}
	m.mu.Unlock()
	for _, session := range sessions {
		session.Global.Disconnect()
		session.Tokens.Clear()
	}
}
