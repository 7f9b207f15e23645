package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"livechat/internal/models"
	"livechat/internal/repositories"
)

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) Append(ctx context.Context, senderID, receiverID int, content, clientKey string) (models.Message, bool, error) {
	args := m.Called(ctx, senderID, receiverID, content, clientKey)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Bool(1), args.Error(2)
}

func (m *MessageRepositoryMock) RangeByPair(ctx context.Context, a, b int) ([]models.Message, error) {
	args := m.Called(ctx, a, b)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

type PresenceStoreMock struct {
	mock.Mock
}

func (m *PresenceStoreMock) SetStatus(ctx context.Context, userID int, status string) error {
	args := m.Called(ctx, userID, status)
	return args.Error(0)
}

func (m *PresenceStoreMock) Statuses(ctx context.Context, userIDs []int) (map[int]string, error) {
	args := m.Called(ctx, userIDs)
	var statuses map[int]string
	if val := args.Get(0); val != nil {
		statuses = val.(map[int]string)
	}
	return statuses, args.Error(1)
}

// DirectoryMock stands in for the account directory on the live channel.
type DirectoryMock struct {
	mock.Mock
}

func (m *DirectoryMock) ValidateToken(ctx context.Context, token string) (int, error) {
	args := m.Called(ctx, token)
	return args.Int(0), args.Error(1)
}

func (m *DirectoryMock) UserExists(ctx context.Context, id int) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

// AccountServiceMock stands in for the account directory behind the HTTP
// handlers.
type AccountServiceMock struct {
	mock.Mock
}

func (m *AccountServiceMock) Register(ctx context.Context, name, email, password string) (models.UserSummary, error) {
	args := m.Called(ctx, name, email, password)
	var user models.UserSummary
	if val := args.Get(0); val != nil {
		user = val.(models.UserSummary)
	}
	return user, args.Error(1)
}

func (m *AccountServiceMock) Authenticate(ctx context.Context, email, password string) (models.AuthResult, error) {
	args := m.Called(ctx, email, password)
	var result models.AuthResult
	if val := args.Get(0); val != nil {
		result = val.(models.AuthResult)
	}
	return result, args.Error(1)
}

func (m *AccountServiceMock) ListUsers(ctx context.Context, excludeID int) ([]models.UserSummary, error) {
	args := m.Called(ctx, excludeID)
	var users []models.UserSummary
	if val := args.Get(0); val != nil {
		users = val.([]models.UserSummary)
	}
	return users, args.Error(1)
}

type MessageEngineMock struct {
	mock.Mock
}

func (m *MessageEngineMock) SubmitAs(ctx context.Context, senderID int, req models.SubmitRequest) (models.Message, error) {
	args := m.Called(ctx, senderID, req)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageEngineMock) Conversation(ctx context.Context, a, b int) ([]models.Message, error) {
	args := m.Called(ctx, a, b)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

var (
	_ repositories.MessageRepository = (*MessageRepositoryMock)(nil)
	_ repositories.PresenceStore     = (*PresenceStoreMock)(nil)
)
