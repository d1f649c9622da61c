package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"forum-service/internal/models"
	"forum-service/internal/repositories"
)

type ForumRepositoryMock struct {
	mock.Mock
}

func (m *ForumRepositoryMock) GetForum(ctx context.Context, forumID int64) (models.Forum, error) {
	args := m.Called(ctx, forumID)
	var forum models.Forum
	if val := args.Get(0); val != nil {
		forum = val.(models.Forum)
	}
	return forum, args.Error(1)
}

type ForumMessageRepositoryMock struct {
	mock.Mock
}

func (m *ForumMessageRepositoryMock) History(ctx context.Context, forumID int64) ([]models.Message, error) {
	args := m.Called(ctx, forumID)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *ForumMessageRepositoryMock) AppendMessages(ctx context.Context, forumID int64, msgs []models.Message) ([]int64, error) {
	args := m.Called(ctx, forumID, msgs)
	var ids []int64
	if val := args.Get(0); val != nil {
		ids = val.([]int64)
	}
	return ids, args.Error(1)
}

func (m *ForumMessageRepositoryMock) DeleteMessages(ctx context.Context, forumID int64, senderID string, ids []int64) ([]int64, error) {
	args := m.Called(ctx, forumID, senderID, ids)
	var deleted []int64
	if val := args.Get(0); val != nil {
		deleted = val.([]int64)
	}
	return deleted, args.Error(1)
}

// RemoteMock stands in for the forum HTTP API on the client side.
type RemoteMock struct {
	mock.Mock
}

func (m *RemoteMock) History(ctx context.Context, roomID int64) ([]models.Message, error) {
	args := m.Called(ctx, roomID)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *RemoteMock) AppendMessages(ctx context.Context, roomID int64, msgs []models.Message) ([]int64, error) {
	args := m.Called(ctx, roomID, msgs)
	var ids []int64
	if val := args.Get(0); val != nil {
		ids = val.([]int64)
	}
	return ids, args.Error(1)
}

func (m *RemoteMock) DeleteMessages(ctx context.Context, roomID int64, ids []int64) ([]int64, error) {
	args := m.Called(ctx, roomID, ids)
	var deleted []int64
	if val := args.Get(0); val != nil {
		deleted = val.([]int64)
	}
	return deleted, args.Error(1)
}

var (
	_ repositories.ForumRepository        = (*ForumRepositoryMock)(nil)
	_ repositories.ForumMessageRepository = (*ForumMessageRepositoryMock)(nil)
)
