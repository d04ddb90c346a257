package session

import (
	"time"

	"marketchat/internal/models"
)

// Participant is a cached view of another user in a conversation, including
// the presence state maintained from userStatus events.
type Participant struct {
	ID       int       `json:"id"`
	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`
}

// Message wraps the server message with a client-local identifier. LocalID
// is set on optimistic sends and cleared once the server confirms; confirmed
// messages are matched by their server id.
type Message struct {
	models.Message
	LocalID string `json:"-"`
}

// Pending reports whether the message is an unconfirmed optimistic send.
func (m Message) Pending() bool {
	return m.LocalID != ""
}

// Conversation is the client-side cache entry for one conversation.
type Conversation struct {
	ID           int           `json:"id"`
	Participants []Participant `json:"participants"`
	Messages     []Message     `json:"messages"`
	UnreadCount  int           `json:"unread_count"`
	LastActivity time.Time     `json:"last_activity"`
	LastMessage  *Message      `json:"last_message,omitempty"`

	// historyLoaded marks entries whose full message log has been fetched.
	// The list endpoint returns summaries without messages, so entries
	// seeded by Bootstrap start false and hydrate on first activation.
	historyLoaded bool
}

func (c *Conversation) hasMessage(id int) bool {
	for _, m := range c.Messages {
		if m.ID != 0 && m.ID == id {
			return true
		}
	}
	return false
}

func (c *Conversation) setLast(msg *Message) {
	c.LastMessage = msg
	if msg != nil {
		c.LastActivity = msg.CreatedAt
	}
}
