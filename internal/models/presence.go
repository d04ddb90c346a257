package models

import "time"

// Presence is the last known online state of a user, persisted so REST reads
// reflect presence even when no push connection exists.
type Presence struct {
	UserID   int       `db:"user_id" json:"user_id"`
	IsOnline bool      `db:"is_online" json:"is_online"`
	LastSeen time.Time `db:"last_seen" json:"last_seen"`
}
