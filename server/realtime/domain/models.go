package domain

import (
	"encoding/json"
	"time"
)

// Frame discriminants on the channel wire protocol.
const (
	FrameSendMessage            = "send_message"
	FrameMessageReceived        = "message_received"
	FrameMessagesRead           = "messages_read"
	FrameTypingIndicator        = "typing_indicator"
	FrameError                  = "error"
	FrameNewMessageNotification = "new_message_notification"
)

// GlobalChannelID is the sentinel id of the notification channel that is
// independent of any open conversation.
const GlobalChannelID = "global"

// Frame is a single JSON frame on a channel. The "message" key carries an
// object on message_received frames and a plain string on error frames, so
// it stays raw until the discriminant is known.
type Frame struct {
	Type           string          `json:"type"`
	Content        string          `json:"content,omitempty"`
	Message        json.RawMessage `json:"message,omitempty"`
	MessageIDs     []string        `json:"message_ids,omitempty"`
	UserID         int64           `json:"user_id,omitempty"`
	UserName       string          `json:"user_name,omitempty"`
	IsTyping       bool            `json:"is_typing,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	SenderName     string          `json:"sender_name,omitempty"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	Content        string    `json:"content"`
	IsRead         bool      `json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
}

type TypingEvent struct {
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name"`
	IsTyping bool   `json:"is_typing"`
}

// Notification is the inbound payload of the global channel.
type Notification struct {
	ConversationID string  `json:"conversation_id"`
	Message        Message `json:"message"`
	SenderName     string  `json:"sender_name"`
}

type ConversationSummary struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	PeerUserID    *string    `json:"peer_user_id,omitempty"`
	PeerName      *string    `json:"peer_name,omitempty"`
	LatestMessage *Message   `json:"latest_message,omitempty"`
	LatestAt      *time.Time `json:"latest_at,omitempty"`
	UnreadCount   int64      `json:"unread_count"`
}

type UnreadState struct {
	TotalUnreadCount int64  `json:"total_unread_count"`
	IsLoading        bool   `json:"is_loading"`
	LastError        string `json:"last_error,omitempty"`
}
