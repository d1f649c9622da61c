package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forum-service/internal/models"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

func TestHistoryReturnsLiveMessages(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewForumMessageRepo(db)
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "forum_id", "sender_id", "body", "attachments", "created_at"}).
		AddRow(int64(1), int64(3), "u1", "hi", []byte(`[{"url":"https://x/a.png","fileType":"image/png","fileName":"a.png"}]`), at).
		AddRow(int64(2), int64(3), "u2", "yo", nil, at.Add(time.Second))
	mock.ExpectQuery(`SELECT id, forum_id, sender_id, body, attachments, created_at\s+FROM forum_messages\s+WHERE forum_id=\$1 AND deleted_at IS NULL`).
		WithArgs(int64(3)).
		WillReturnRows(rows)

	msgs, err := repo.History(context.Background(), 3)

	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a.png", msgs[0].Attachments[0].FileName)
	assert.Empty(t, msgs[1].Attachments)
	assert.Equal(t, int64(3), msgs[1].RoomID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendMessagesAcceptsExistingAndInsertsNew(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewForumMessageRepo(db)
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	provisional := at.UnixMilli()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM forum_messages WHERE forum_id=\$1 AND id=\$2`).
		WithArgs(int64(3), int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(5)))
	mock.ExpectQuery(`SELECT id FROM forum_messages WHERE forum_id=\$1 AND id=\$2`).
		WithArgs(int64(3), provisional).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`INSERT INTO forum_messages`).
		WithArgs(int64(3), "u1", provisional, "bye", sqlmock.AnyArg(), at).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectCommit()

	ids, err := repo.AppendMessages(context.Background(), 3, []models.Message{
		{ID: 5, Body: "hi", RoomID: 3, SenderID: "u2", CreatedAt: at},
		{ID: provisional, Body: "bye", RoomID: 3, SenderID: "u1", CreatedAt: at},
	})

	require.NoError(t, err)
	assert.Equal(t, []int64{5, 42}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendMessagesRollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewForumMessageRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO forum_messages`).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := repo.AppendMessages(context.Background(), 3, []models.Message{
		{Body: "hi", RoomID: 3, SenderID: "u1", CreatedAt: time.Now()},
	})

	assert.ErrorIs(t, err, assert.AnError)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteMessagesReturnsRemoved(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewForumMessageRepo(db)

	mock.ExpectQuery(`UPDATE forum_messages SET deleted_at = NOW\(\)`).
		WithArgs(int64(3), pq.Array([]int64{5, 6}), "alice").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(5)))

	deleted, err := repo.DeleteMessages(context.Background(), 3, "alice", []int64{5, 6})

	require.NoError(t, err)
	assert.Equal(t, []int64{5}, deleted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteMessagesEmpty(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewForumMessageRepo(db)

	deleted, err := repo.DeleteMessages(context.Background(), 3, "alice", nil)

	require.NoError(t, err)
	assert.Empty(t, deleted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetForum(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewForumRepo(db)

	mock.ExpectQuery(`SELECT id, name, tags, is_private, owner_id, moderator_id, created_at FROM forums WHERE id=\$1`).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "tags", "is_private", "owner_id", "moderator_id", "created_at"}).
			AddRow(int64(3), "Networks", []byte("{cs,net}"), false, "t1", "t2", time.Now()))

	forum, err := repo.GetForum(context.Background(), 3)

	require.NoError(t, err)
	assert.Equal(t, "Networks", forum.Name)
	assert.Equal(t, []string{"cs", "net"}, []string(forum.Tags))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetForumNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewForumRepo(db)

	mock.ExpectQuery(`FROM forums WHERE id=\$1`).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetForum(context.Background(), 9)

	assert.ErrorIs(t, err, ErrForumNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteMessagesScopesClientIDsToSender(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewForumMessageRepo(db)

	clientID := int64(1714554000000)
	mock.ExpectQuery(`WHERE forum_id=\$1 AND \(id = ANY\(\$2\) OR \(client_id = ANY\(\$2\) AND sender_id = \$3\)\) AND deleted_at IS NULL`).
		WithArgs(int64(3), pq.Array([]int64{clientID}), "alice").
		WillReturnRows(sqlmock.NewRows([]string{"client_id"}).AddRow(clientID))

	deleted, err := repo.DeleteMessages(context.Background(), 3, "alice", []int64{clientID})

	require.NoError(t, err)
	assert.Equal(t, []int64{clientID}, deleted)
	require.NoError(t, mock.ExpectationsWereMet())
}
