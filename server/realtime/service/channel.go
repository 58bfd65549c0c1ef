package service

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	commonlog "market_edge/server/common/log"
	"market_edge/server/common/token"
	"market_edge/server/realtime/domain"
)

type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateConnected    ChannelState = "connected"
	StateReconnecting ChannelState = "reconnecting"
)

const (
	defaultReconnectBase    = 1 * time.Second
	defaultReconnectCeiling = 10 * time.Second
	writeTimeout            = 5 * time.Second
	handshakeTimeout        = 10 * time.Second
)

const errNoAuthToken = "No authentication token available"

// Callbacks receive decoded channel events. The set is swappable at any
// time via SetCallbacks without touching the connection lifecycle. OnRaw,
// when set, receives the raw bytes of every recognized frame.
type Callbacks struct {
	OnMessage      func(domain.Message)
	OnMessagesRead func([]string)
	OnTyping       func(domain.TypingEvent)
	OnNotification func(domain.Notification)
	OnError        func(string)
	OnRaw          func([]byte)
}

type ChannelConfig struct {
	BaseURL          string
	ReconnectBase    time.Duration
	ReconnectCeiling time.Duration
}

// Channel owns exactly one live websocket per channel id. All transitions
// run under c.mu; the socket handle never leaves this struct.
type Channel struct {
	cfg    ChannelConfig
	tokens *token.Store
	dialer *websocket.Dialer

	callbacks atomic.Pointer[Callbacks]

	mu         sync.Mutex
	state      ChannelState
	channelID  string
	conn       *websocket.Conn
	connecting bool
	attempt    int
	retryTimer *time.Timer
	seq        uint64
}

func NewChannel(cfg ChannelConfig, tokens *token.Store) *Channel {
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = defaultReconnectBase
	}
	if cfg.ReconnectCeiling <= 0 {
		cfg.ReconnectCeiling = defaultReconnectCeiling
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	ch := &Channel{
		cfg:    cfg,
		tokens: tokens,
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		state:  StateDisconnected,
	}
	ch.callbacks.Store(&Callbacks{})
	return ch
}

// SetCallbacks replaces the callback set. Never triggers a reconnect.
func (c *Channel) SetCallbacks(cb Callbacks) {
	c.callbacks.Store(&cb)
}

func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) IsConnected() bool {
	return c.State() == StateConnected
}

func (c *Channel) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelID
}

// Connect opens the channel and returns immediately; establishment is
// asynchronous. A second call for the same id while connecting or
// connected is a no-op. A call for a different id tears the old socket
// down first.
func (c *Channel) Connect(channelID string) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return
	}

	c.mu.Lock()
	if c.channelID == channelID && (c.connecting || c.state == StateConnecting || c.state == StateConnected) {
		c.mu.Unlock()
		return
	}
	if c.channelID != "" && c.channelID != channelID {
		c.teardownLocked()
	}

	accessToken := c.tokens.Access()
	if accessToken == "" {
		c.state = StateDisconnected
		c.mu.Unlock()
		commonlog.Warnf("event=channel action=connect status=rejected channel_id=%s reason=no_token", channelID)
		c.emitError(errNoAuthToken)
		return
	}

	c.channelID = channelID
	c.beginDialLocked(channelID, accessToken)
	c.mu.Unlock()
}

// beginDialLocked arms the connecting guard and starts the dial goroutine.
// Caller holds c.mu.
func (c *Channel) beginDialLocked(channelID, accessToken string) {
	c.connecting = true
	c.state = StateConnecting
	c.seq++
	go c.dial(c.seq, channelID, c.channelURL(channelID, accessToken))
}

func (c *Channel) channelURL(channelID, accessToken string) string {
	return fmt.Sprintf("%s/ws/chat/%s/?token=%s", c.cfg.BaseURL, url.PathEscape(channelID), url.QueryEscape(accessToken))
}

func (c *Channel) dial(seq uint64, channelID, wsURL string) {
	conn, _, err := c.dialer.Dial(wsURL, nil)

	c.mu.Lock()
	if seq != c.seq {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	c.connecting = false
	if err != nil {
		commonlog.Warnf("event=channel action=dial status=failed channel_id=%s error=%v", channelID, err)
		c.scheduleRetryLocked(channelID)
		c.mu.Unlock()
		c.emitError(err.Error())
		return
	}

	c.conn = conn
	c.state = StateConnected
	c.attempt = 0
	readSeq := c.seq
	c.mu.Unlock()

	commonlog.Infof("event=channel action=connect status=ok channel_id=%s", channelID)
	go c.readLoop(readSeq, conn)
}

func (c *Channel) readLoop(seq uint64, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(seq, err)
			return
		}
		c.dispatch(raw)
	}
}

func (c *Channel) handleClose(seq uint64, err error) {
	c.mu.Lock()
	if seq != c.seq {
		// Stale handle: the caller already disconnected or reconnected.
		c.mu.Unlock()
		return
	}
	channelID := c.channelID
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.state = StateDisconnected
		c.mu.Unlock()
		commonlog.Infof("event=channel action=close status=normal channel_id=%s", channelID)
		return
	}
	if channelID == "" || c.tokens.Access() == "" {
		c.state = StateDisconnected
		c.mu.Unlock()
		commonlog.Warnf("event=channel action=close status=abnormal channel_id=%s retry=false error=%v", channelID, err)
		return
	}

	c.scheduleRetryLocked(channelID)
	c.mu.Unlock()
	commonlog.Warnf("event=channel action=close status=abnormal channel_id=%s retry=true error=%v", channelID, err)
}

// scheduleRetryLocked arms the reconnect timer with exponential backoff
// clamped to the configured ceiling. Caller holds c.mu.
func (c *Channel) scheduleRetryLocked(channelID string) {
	c.state = StateReconnecting
	delay := c.cfg.ReconnectBase << uint(c.attempt)
	if delay > c.cfg.ReconnectCeiling || delay <= 0 {
		delay = c.cfg.ReconnectCeiling
	}
	c.attempt++
	seq := c.seq
	c.retryTimer = time.AfterFunc(delay, func() {
		c.retryFire(seq, channelID)
	})
}

func (c *Channel) retryFire(seq uint64, channelID string) {
	c.mu.Lock()
	if seq != c.seq || c.state != StateReconnecting || c.channelID != channelID {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	accessToken := c.tokens.Access()
	if accessToken == "" {
		c.state = StateDisconnected
		c.mu.Unlock()
		c.emitError(errNoAuthToken)
		return
	}
	c.beginDialLocked(channelID, accessToken)
	c.mu.Unlock()
}

// Send writes a send_message frame. Valid only while connected: anything
// else is dropped with a warning, never queued. Callers that need
// delivery must gate on IsConnected first.
func (c *Channel) Send(content string) {
	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		channelID := c.channelID
		c.mu.Unlock()
		commonlog.Warnf("event=channel action=send status=dropped channel_id=%s reason=not_connected", channelID)
		return
	}
	conn := c.conn
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := conn.WriteJSON(domain.Frame{Type: domain.FrameSendMessage, Content: content})
	c.mu.Unlock()
	if err != nil {
		commonlog.Errorf("event=channel action=send status=failed error=%v", err)
	}
}

// Disconnect is idempotent and the only terminal transition: it cancels
// any armed retry timer, closes the socket and clears the channel id.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.teardownLocked()
	c.channelID = ""
	c.state = StateDisconnected
	c.mu.Unlock()
}

// teardownLocked invalidates in-flight dials, read loops and timers.
// Caller holds c.mu.
func (c *Channel) teardownLocked() {
	c.seq++
	c.connecting = false
	c.attempt = 0
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.conn != nil {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Channel) dispatch(raw []byte) {
	var frame domain.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		commonlog.Warnf("event=channel action=dispatch status=malformed error=%v", err)
		c.emitError("malformed frame")
		return
	}
	cb := c.callbacks.Load()

	switch frame.Type {
	case domain.FrameMessageReceived:
		var msg domain.Message
		if err := json.Unmarshal(frame.Message, &msg); err != nil {
			commonlog.Warnf("event=channel action=dispatch status=malformed frame_type=%s error=%v", frame.Type, err)
			return
		}
		c.forwardRaw(cb, raw)
		if cb.OnMessage != nil {
			cb.OnMessage(msg)
		}
	case domain.FrameMessagesRead:
		c.forwardRaw(cb, raw)
		if cb.OnMessagesRead != nil {
			cb.OnMessagesRead(frame.MessageIDs)
		}
	case domain.FrameTypingIndicator:
		c.forwardRaw(cb, raw)
		if cb.OnTyping != nil {
			cb.OnTyping(domain.TypingEvent{UserID: frame.UserID, UserName: frame.UserName, IsTyping: frame.IsTyping})
		}
	case domain.FrameNewMessageNotification:
		var msg domain.Message
		if len(frame.Message) > 0 {
			if err := json.Unmarshal(frame.Message, &msg); err != nil {
				commonlog.Warnf("event=channel action=dispatch status=malformed frame_type=%s error=%v", frame.Type, err)
				return
			}
		}
		c.forwardRaw(cb, raw)
		if cb.OnNotification != nil {
			cb.OnNotification(domain.Notification{ConversationID: frame.ConversationID, Message: msg, SenderName: frame.SenderName})
		}
	case domain.FrameError:
		var text string
		if len(frame.Message) > 0 {
			_ = json.Unmarshal(frame.Message, &text)
		}
		c.forwardRaw(cb, raw)
		if cb.OnError != nil {
			cb.OnError(text)
		}
	default:
		// Forward-compatible: future discriminants must not break us.
		commonlog.Debugf("event=channel action=dispatch status=dropped frame_type=%s", frame.Type)
	}
}

func (c *Channel) forwardRaw(cb *Callbacks, raw []byte) {
	if cb.OnRaw != nil {
		cb.OnRaw(raw)
	}
}

func (c *Channel) emitError(text string) {
	if cb := c.callbacks.Load(); cb.OnError != nil {
		cb.OnError(text)
	}
}
