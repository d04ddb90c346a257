package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"marketchat/internal/models"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrSelfConversation     = errors.New("cannot start a conversation with yourself")
)

// ConversationRepository abstracts conversation persistence.
type ConversationRepository interface {
	FindOrCreate(ctx context.Context, userID int, participantID int) (models.Conversation, error)
	GetConversation(ctx context.Context, conversationID int) (models.Conversation, error)
	IsParticipant(ctx context.Context, conversationID int, userID int) (bool, error)
	ListConversations(ctx context.Context, userID int) ([]models.ConversationSummary, error)
	DeleteConversation(ctx context.Context, conversationID int) error
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// FindOrCreate returns the conversation between the two users, creating it if
// absent. The unique expression index on the unordered pair makes concurrent
// calls from both participants converge on a single row.
func (r *ConversationRepo) FindOrCreate(ctx context.Context, userID int, participantID int) (models.Conversation, error) {
	if userID == participantID {
		return models.Conversation{}, ErrSelfConversation
	}

	var conv models.Conversation
	err := r.db.QueryRowxContext(ctx,
		`INSERT INTO conversations (user1_id, user2_id) VALUES ($1, $2)
         ON CONFLICT ((LEAST(user1_id, user2_id)), (GREATEST(user1_id, user2_id))) DO NOTHING
         RETURNING id, user1_id, user2_id, created_at`,
		userID, participantID).StructScan(&conv)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, err
	}

	// Insert hit the conflict; read the existing row.
	err = r.db.GetContext(ctx, &conv,
		`SELECT id, user1_id, user2_id, created_at FROM conversations
         WHERE LEAST(user1_id, user2_id) = LEAST($1, $2)
           AND GREATEST(user1_id, user2_id) = GREATEST($1, $2)`,
		userID, participantID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// GetConversation fetches a conversation by id.
func (r *ConversationRepo) GetConversation(ctx context.Context, conversationID int) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv,
		`SELECT id, user1_id, user2_id, created_at FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// IsParticipant checks whether a user belongs to the conversation.
func (r *ConversationRepo) IsParticipant(ctx context.Context, conversationID int, userID int) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE id=$1 AND (user1_id=$2 OR user2_id=$2))`,
		conversationID, userID)
	return exists, err
}

// ListConversations returns the user's conversations annotated with unread
// counts, ordered by most recent activity.
func (r *ConversationRepo) ListConversations(ctx context.Context, userID int) ([]models.ConversationSummary, error) {
	query := `SELECT c.id, c.user1_id, c.user2_id, c.created_at,
            COALESCE(MAX(m.created_at), c.created_at) AS last_activity,
            COALESCE(COUNT(m.id) FILTER (WHERE NOT ($1 = ANY(m.read_by))), 0) AS unread_count
        FROM conversations c
        LEFT JOIN messages m ON m.conversation_id = c.id
        WHERE c.user1_id = $1 OR c.user2_id = $1
        GROUP BY c.id
        ORDER BY last_activity DESC`

	var summaries []models.ConversationSummary
	if err := r.db.SelectContext(ctx, &summaries, query, userID); err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(summaries))
	for i := range summaries {
		summaries[i].Participants = []int{summaries[i].User1ID, summaries[i].User2ID}
		ids = append(ids, int64(summaries[i].ID))
	}
	if len(ids) == 0 {
		return summaries, nil
	}

	var lastMessages []models.Message
	err := r.db.SelectContext(ctx, &lastMessages,
		`SELECT DISTINCT ON (conversation_id) id, conversation_id, sender_id, content, read_by, created_at
         FROM messages WHERE conversation_id = ANY($1)
         ORDER BY conversation_id, created_at DESC, id DESC`,
		pq.Int64Array(ids))
	if err != nil {
		return nil, err
	}

	lastByConversation := make(map[int]models.Message, len(lastMessages))
	for _, m := range lastMessages {
		lastByConversation[m.ConversationID] = m
	}
	for i := range summaries {
		if last, ok := lastByConversation[summaries[i].ID]; ok {
			msg := last
			summaries[i].LastMessage = &msg
		}
	}
	return summaries, nil
}

// DeleteConversation removes the conversation; messages cascade.
func (r *ConversationRepo) DeleteConversation(ctx context.Context, conversationID int) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM conversations WHERE id=$1`, conversationID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrConversationNotFound
	}
	return nil
}
