package models

import (
	"time"

	"github.com/lib/pq"
)

// Message represents a chat message. ReadBy holds the ids of users who have
// acknowledged the message; the sender is a member from creation and the set
// only ever grows.
type Message struct {
	ID             int           `db:"id" json:"id"`
	ConversationID int           `db:"conversation_id" json:"conversation_id"`
	SenderID       int           `db:"sender_id" json:"sender_id"`
	Content        string        `db:"content" json:"content"`
	ReadBy         pq.Int64Array `db:"read_by" json:"read_by"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
}

// ReadByUser reports whether the user has read the message.
func (m Message) ReadByUser(userID int) bool {
	for _, id := range m.ReadBy {
		if int(id) == userID {
			return true
		}
	}
	return false
}
