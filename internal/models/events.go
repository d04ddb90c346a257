package models

import "time"

// Server-to-client event types.
const (
	EventNewMessage   = "newMessage"
	EventMessagesRead = "messagesRead"
	EventUserStatus   = "userStatus"
)

// Client-to-server event types.
const (
	EventJoinRoom  = "joinRoom"
	EventLeaveRoom = "leaveRoom"
	EventMarkRead  = "markRead"
	EventHeartbeat = "heartbeat"
)

// ServerEvent is pushed to clients over the websocket and fanned out across
// instances through the backplane.
type ServerEvent struct {
	Type           string     `json:"type"`
	ConversationID int        `json:"conversation_id,omitempty"`
	Message        *Message   `json:"message,omitempty"`
	UserID         int        `json:"user_id,omitempty"`
	IsOnline       bool       `json:"is_online,omitempty"`
	LastSeen       *time.Time `json:"last_seen,omitempty"`
}

// ClientEvent is received from clients over the websocket.
type ClientEvent struct {
	Type           string `json:"type"`
	ConversationID int    `json:"conversation_id,omitempty"`
}
