package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"forum-service/internal/models"
)

// ForumMessageRepository persists forum chat messages.
type ForumMessageRepository interface {
	History(ctx context.Context, forumID int64) ([]models.Message, error)
	AppendMessages(ctx context.Context, forumID int64, msgs []models.Message) ([]int64, error)
	DeleteMessages(ctx context.Context, forumID int64, senderID string, ids []int64) ([]int64, error)
}

// ForumMessageRepo is a sqlx-backed repository.
type ForumMessageRepo struct {
	db *sqlx.DB
}

// NewForumMessageRepo constructs ForumMessageRepo.
func NewForumMessageRepo(db *sqlx.DB) *ForumMessageRepo {
	return &ForumMessageRepo{db: db}
}

// History returns the live messages of a forum, oldest first.
func (r *ForumMessageRepo) History(ctx context.Context, forumID int64) ([]models.Message, error) {
	msgs := []models.Message{}
	err := r.db.SelectContext(ctx, &msgs, `SELECT id, forum_id, sender_id, body, attachments, created_at
        FROM forum_messages
        WHERE forum_id=$1 AND deleted_at IS NULL
        ORDER BY created_at ASC, id ASC`, forumID)
	return msgs, err
}

// AppendMessages stores msgs and returns their settled ids in request order.
// A message whose id already exists in the forum is accepted as-is. Any
// other id is treated as the sender's client id, so flushing the same
// provisional message twice, from one client or several, stores it once.
func (r *ForumMessageRepo) AppendMessages(ctx context.Context, forumID int64, msgs []models.Message) ([]int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		if m.ID > 0 {
			var existing int64
			err = tx.GetContext(ctx, &existing, `SELECT id FROM forum_messages WHERE forum_id=$1 AND id=$2`, forumID, m.ID)
			if err == nil {
				ids[i] = existing
				continue
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return nil, err
			}
		}

		clientID := sql.NullInt64{Int64: m.ID, Valid: m.ID > 0}
		err = tx.QueryRowxContext(ctx, `INSERT INTO forum_messages (forum_id, sender_id, client_id, body, attachments, created_at)
            VALUES ($1, $2, $3, $4, $5, $6)
            ON CONFLICT (forum_id, sender_id, client_id) DO UPDATE SET client_id = EXCLUDED.client_id
            RETURNING id`, forumID, m.SenderID, clientID, m.Body, m.Attachments, m.CreatedAt).Scan(&ids[i])
		if err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// DeleteMessages soft-deletes ids in a forum and returns the ids that were
// removed by this call. An id may name a settled message or the client id
// senderID flushed it under; the returned value echoes whichever was
// requested. Client ids are only unique per sender.
func (r *ForumMessageRepo) DeleteMessages(ctx context.Context, forumID int64, senderID string, ids []int64) ([]int64, error) {
	deleted := []int64{}
	if len(ids) == 0 {
		return deleted, nil
	}
	err := r.db.SelectContext(ctx, &deleted, `UPDATE forum_messages SET deleted_at = NOW()
        WHERE forum_id=$1 AND (id = ANY($2) OR (client_id = ANY($2) AND sender_id = $3)) AND deleted_at IS NULL
        RETURNING CASE WHEN id = ANY($2) THEN id ELSE client_id END`, forumID, pq.Array(ids), senderID)
	return deleted, err
}
