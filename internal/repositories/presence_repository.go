package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"marketchat/internal/models"
)

var ErrPresenceNotFound = errors.New("presence not found")

// PresenceRepository persists last known presence alongside the user record
// so REST reads reflect it even when no push connection exists.
type PresenceRepository interface {
	SetStatus(ctx context.Context, userID int, online bool, lastSeen time.Time) error
	GetPresence(ctx context.Context, userID int) (models.Presence, error)
}

// PresenceRepo is a sqlx implementation of PresenceRepository.
type PresenceRepo struct {
	db *sqlx.DB
}

// NewPresenceRepo constructs a PresenceRepo.
func NewPresenceRepo(db *sqlx.DB) *PresenceRepo {
	return &PresenceRepo{db: db}
}

// SetStatus upserts the user's presence row.
func (r *PresenceRepo) SetStatus(ctx context.Context, userID int, online bool, lastSeen time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO user_presence (user_id, is_online, last_seen) VALUES ($1, $2, $3)
         ON CONFLICT (user_id) DO UPDATE SET is_online = EXCLUDED.is_online, last_seen = EXCLUDED.last_seen`,
		userID, online, lastSeen)
	return err
}

// GetPresence fetches a user's last known presence.
func (r *PresenceRepo) GetPresence(ctx context.Context, userID int) (models.Presence, error) {
	var p models.Presence
	err := r.db.GetContext(ctx, &p,
		`SELECT user_id, is_online, last_seen FROM user_presence WHERE user_id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Presence{}, ErrPresenceNotFound
	}
	return p, err
}
