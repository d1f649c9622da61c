package models

import (
	"time"

	"github.com/lib/pq"
)

// Forum is a chat room scoped to a subject. The realtime core only needs its
// id; the rest is read-only metadata.
type Forum struct {
	ID          int64          `db:"id" json:"id"`
	Name        string         `db:"name" json:"name"`
	Tags        pq.StringArray `db:"tags" json:"tags"`
	IsPrivate   bool           `db:"is_private" json:"isPrivate"`
	OwnerID     string         `db:"owner_id" json:"ownerId"`
	ModeratorID string         `db:"moderator_id" json:"moderatorId"`
	CreatedAt   time.Time      `db:"created_at" json:"createdAt"`
}
