package repositories

import (
	"context"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"

	"marketchat/internal/models"
)

var ErrEmptyContent = errors.New("message content is empty")

// MessageRepository defines interactions for conversation messages.
type MessageRepository interface {
	CreateMessage(ctx context.Context, conversationID int, senderID int, content string) (models.Message, error)
	ListMessages(ctx context.Context, conversationID int) ([]models.Message, error)
	CountUnread(ctx context.Context, conversationID int, userID int) (int, error)
	MarkAllRead(ctx context.Context, conversationID int, userID int) (bool, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// CreateMessage appends a message to the conversation log. The sender is a
// member of read_by from creation.
func (r *MessageRepo) CreateMessage(ctx context.Context, conversationID int, senderID int, content string) (models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return models.Message{}, ErrEmptyContent
	}

	var msg models.Message
	err := r.db.QueryRowxContext(ctx,
		`INSERT INTO messages (conversation_id, sender_id, content, read_by)
         VALUES ($1, $2, $3, ARRAY[$2]::int[])
         RETURNING id, conversation_id, sender_id, content, read_by, created_at`,
		conversationID, senderID, content).StructScan(&msg)
	return msg, err
}

// ListMessages returns the conversation log in creation order, ties broken by
// insertion order.
func (r *MessageRepo) ListMessages(ctx context.Context, conversationID int) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs,
		`SELECT id, conversation_id, sender_id, content, read_by, created_at
         FROM messages WHERE conversation_id=$1
         ORDER BY created_at ASC, id ASC`,
		conversationID)
	return msgs, err
}

// CountUnread counts messages whose read_by excludes the user.
func (r *MessageRepo) CountUnread(ctx context.Context, conversationID int, userID int) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM messages WHERE conversation_id=$1 AND NOT ($2 = ANY(read_by))`,
		conversationID, userID)
	return count, err
}

// MarkAllRead adds the user to read_by on every message missing it. Returns
// whether any row changed so callers can skip the broadcast on a no-op.
func (r *MessageRepo) MarkAllRead(ctx context.Context, conversationID int, userID int) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE messages SET read_by = array_append(read_by, $2)
         WHERE conversation_id=$1 AND NOT ($2 = ANY(read_by))`,
		conversationID, userID)
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
