package models

import "time"

// Conversation represents a private conversation between exactly two users.
// The participant columns keep invite order; uniqueness of the unordered
// pair is enforced by an expression index on (LEAST, GREATEST).
type Conversation struct {
	ID        int       `db:"id" json:"id"`
	User1ID   int       `db:"user1_id" json:"-"`
	User2ID   int       `db:"user2_id" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Participants returns the participant ids in invite order.
func (c Conversation) Participants() []int {
	return []int{c.User1ID, c.User2ID}
}

// HasParticipant reports whether the user belongs to the conversation.
func (c Conversation) HasParticipant(userID int) bool {
	return c.User1ID == userID || c.User2ID == userID
}

// OtherParticipant returns the peer of the given user.
func (c Conversation) OtherParticipant(userID int) int {
	if c.User1ID == userID {
		return c.User2ID
	}
	return c.User1ID
}

// ConversationSummary provides an API-friendly view of a conversation for a
// user, annotated with the unread count computed relative to that user.
type ConversationSummary struct {
	ID           int       `db:"id" json:"id"`
	User1ID      int       `db:"user1_id" json:"-"`
	User2ID      int       `db:"user2_id" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	LastActivity time.Time `db:"last_activity" json:"last_activity"`
	UnreadCount  int       `db:"unread_count" json:"unread_count"`

	Participants []int    `json:"participants"`
	LastMessage  *Message `json:"last_message,omitempty"`
}
