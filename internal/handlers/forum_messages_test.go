package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"forum-service/internal/middleware"
	"forum-service/internal/mocks"
	"forum-service/internal/models"
	"forum-service/internal/repositories"
	"forum-service/internal/telemetry"
)

func setupForumRouter(handler *ForumMessageHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.SenderIdentity(false))
	handler.Register(r)
	return r
}

func doJSON(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestGetMessagesSuccess(t *testing.T) {
	forumRepo := new(mocks.ForumRepositoryMock)
	messageRepo := new(mocks.ForumMessageRepositoryMock)
	router := setupForumRouter(NewForumMessageHandler(forumRepo, messageRepo, nil, nil))
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	forumRepo.On("GetForum", mock.Anything, int64(3)).Return(models.Forum{ID: 3}, nil).Once()
	messageRepo.On("History", mock.Anything, int64(3)).Return([]models.Message{{ID: 1, Body: "hi", RoomID: 3, SenderID: "u2", CreatedAt: at}}, nil).Once()

	rec := doJSON(router, http.MethodGet, "/forums/3/messages", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "hi", resp.Messages[0].Body)
	forumRepo.AssertExpectations(t)
	messageRepo.AssertExpectations(t)
}

func TestGetMessagesUnknownForum(t *testing.T) {
	forumRepo := new(mocks.ForumRepositoryMock)
	router := setupForumRouter(NewForumMessageHandler(forumRepo, new(mocks.ForumMessageRepositoryMock), nil, nil))

	forumRepo.On("GetForum", mock.Anything, int64(9)).Return(nil, repositories.ErrForumNotFound).Once()

	rec := doJSON(router, http.MethodGet, "/forums/9/messages", "")

	require.Equal(t, http.StatusNotFound, rec.Code)
	forumRepo.AssertExpectations(t)
}

func TestGetMessagesInvalidID(t *testing.T) {
	router := setupForumRouter(NewForumMessageHandler(new(mocks.ForumRepositoryMock), new(mocks.ForumMessageRepositoryMock), nil, nil))

	rec := doJSON(router, http.MethodGet, "/forums/abc/messages", "")

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAppendMessagesFillsDefaultsAndEmitsAudit(t *testing.T) {
	forumRepo := new(mocks.ForumRepositoryMock)
	messageRepo := new(mocks.ForumMessageRepositoryMock)
	publisher := new(mocks.PublisherMock)
	audit := telemetry.NewAuditEmitter(publisher, "audit.forum-service", "forum-service", "test", nil)
	router := setupForumRouter(NewForumMessageHandler(forumRepo, messageRepo, audit, nil))

	forumRepo.On("GetForum", mock.Anything, int64(3)).Return(models.Forum{ID: 3}, nil).Once()
	messageRepo.On("AppendMessages", mock.Anything, int64(3), mock.MatchedBy(func(msgs []models.Message) bool {
		return len(msgs) == 2 && msgs[0].RoomID == 3 && msgs[0].SenderID == "u1" && msgs[1].SenderID == "u2"
	})).Return([]int64{41, 42}, nil).Once()
	publisher.On("Publish", mock.Anything, "audit.forum-service", mock.MatchedBy(func(env telemetry.AuditEnvelope) bool {
		return env.Payload.Text == "messages appended" && env.Payload.Count == 2
	})).Return(nil).Once()

	body := `{"messages":[
		{"id":1714554000000,"body":"hi","createdAt":"2024-05-01T09:00:00Z"},
		{"id":1714554000001,"body":"yo","roomId":3,"senderId":"u2","createdAt":"2024-05-01T09:00:01Z"}
	]}`
	rec := doJSON(router, http.MethodPost, "/forums/3/messages", body)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"acceptedIds":[41,42]}`, rec.Body.String())
	forumRepo.AssertExpectations(t)
	messageRepo.AssertExpectations(t)
	publisher.AssertExpectations(t)
}

func TestAppendMessagesRejectsForeignRoom(t *testing.T) {
	forumRepo := new(mocks.ForumRepositoryMock)
	messageRepo := new(mocks.ForumMessageRepositoryMock)
	router := setupForumRouter(NewForumMessageHandler(forumRepo, messageRepo, nil, nil))

	forumRepo.On("GetForum", mock.Anything, int64(3)).Return(models.Forum{ID: 3}, nil).Once()

	rec := doJSON(router, http.MethodPost, "/forums/3/messages", `{"messages":[{"id":5,"body":"x","roomId":4,"createdAt":"2024-05-01T09:00:00Z"}]}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	messageRepo.AssertNotCalled(t, "AppendMessages", mock.Anything, mock.Anything, mock.Anything)
}

func TestAppendMessagesRejectsBlankBody(t *testing.T) {
	forumRepo := new(mocks.ForumRepositoryMock)
	messageRepo := new(mocks.ForumMessageRepositoryMock)
	router := setupForumRouter(NewForumMessageHandler(forumRepo, messageRepo, nil, nil))

	forumRepo.On("GetForum", mock.Anything, int64(3)).Return(models.Forum{ID: 3}, nil).Once()

	rec := doJSON(router, http.MethodPost, "/forums/3/messages", `{"messages":[{"id":5,"body":"  ","createdAt":"2024-05-01T09:00:00Z"}]}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	messageRepo.AssertNotCalled(t, "AppendMessages", mock.Anything, mock.Anything, mock.Anything)
}

func TestAppendMessagesRepoError(t *testing.T) {
	forumRepo := new(mocks.ForumRepositoryMock)
	messageRepo := new(mocks.ForumMessageRepositoryMock)
	router := setupForumRouter(NewForumMessageHandler(forumRepo, messageRepo, nil, nil))

	forumRepo.On("GetForum", mock.Anything, int64(3)).Return(models.Forum{ID: 3}, nil).Once()
	messageRepo.On("AppendMessages", mock.Anything, int64(3), mock.Anything).Return(nil, assert.AnError).Once()

	rec := doJSON(router, http.MethodPost, "/forums/3/messages", `{"messages":[{"id":5,"body":"x","createdAt":"2024-05-01T09:00:00Z"}]}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	messageRepo.AssertExpectations(t)
}

func TestDeleteMessagesReturnsRemovedIDs(t *testing.T) {
	forumRepo := new(mocks.ForumRepositoryMock)
	messageRepo := new(mocks.ForumMessageRepositoryMock)
	router := setupForumRouter(NewForumMessageHandler(forumRepo, messageRepo, nil, nil))

	forumRepo.On("GetForum", mock.Anything, int64(3)).Return(models.Forum{ID: 3}, nil).Once()
	messageRepo.On("DeleteMessages", mock.Anything, int64(3), "u1", []int64{5, 6}).Return([]int64{5}, nil).Once()

	rec := doJSON(router, http.MethodDelete, "/forums/3/messages", `{"messageIds":[5,6]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deletedIds":[5]}`, rec.Body.String())
	messageRepo.AssertExpectations(t)
}

func TestDeleteMessagesRejectsInvalidIDs(t *testing.T) {
	forumRepo := new(mocks.ForumRepositoryMock)
	messageRepo := new(mocks.ForumMessageRepositoryMock)
	router := setupForumRouter(NewForumMessageHandler(forumRepo, messageRepo, nil, nil))

	forumRepo.On("GetForum", mock.Anything, int64(3)).Return(models.Forum{ID: 3}, nil).Once()

	rec := doJSON(router, http.MethodDelete, "/forums/3/messages", `{"messageIds":[5,-1]}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	messageRepo.AssertNotCalled(t, "DeleteMessages", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDeleteMessagesEmptyBatch(t *testing.T) {
	forumRepo := new(mocks.ForumRepositoryMock)
	router := setupForumRouter(NewForumMessageHandler(forumRepo, new(mocks.ForumMessageRepositoryMock), nil, nil))

	forumRepo.On("GetForum", mock.Anything, int64(3)).Return(models.Forum{ID: 3}, nil).Once()

	rec := doJSON(router, http.MethodDelete, "/forums/3/messages", `{"messageIds":[]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deletedIds":[]}`, rec.Body.String())
}
