package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"forum-service/internal/models"
)

var ErrForumNotFound = errors.New("forum not found")

// ForumRepository reads forum metadata. Forums are managed elsewhere.
type ForumRepository interface {
	GetForum(ctx context.Context, forumID int64) (models.Forum, error)
}

// ForumRepo is a sqlx implementation of ForumRepository.
type ForumRepo struct {
	db *sqlx.DB
}

// NewForumRepo constructs a ForumRepo.
func NewForumRepo(db *sqlx.DB) *ForumRepo {
	return &ForumRepo{db: db}
}

// GetForum fetches a single forum.
func (r *ForumRepo) GetForum(ctx context.Context, forumID int64) (models.Forum, error) {
	var forum models.Forum
	err := r.db.GetContext(ctx, &forum, `SELECT id, name, tags, is_private, owner_id, moderator_id, created_at FROM forums WHERE id=$1`, forumID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Forum{}, ErrForumNotFound
	}
	return forum, err
}
