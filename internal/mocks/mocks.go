package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"marketchat/internal/auth"
	"marketchat/internal/models"
	"marketchat/internal/repositories"
)

type ConversationRepositoryMock struct {
	mock.Mock
}

func (m *ConversationRepositoryMock) FindOrCreate(ctx context.Context, userID int, participantID int) (models.Conversation, error) {
	args := m.Called(ctx, userID, participantID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) GetConversation(ctx context.Context, conversationID int) (models.Conversation, error) {
	args := m.Called(ctx, conversationID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) IsParticipant(ctx context.Context, conversationID int, userID int) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *ConversationRepositoryMock) ListConversations(ctx context.Context, userID int) ([]models.ConversationSummary, error) {
	args := m.Called(ctx, userID)
	var list []models.ConversationSummary
	if val := args.Get(0); val != nil {
		list = val.([]models.ConversationSummary)
	}
	return list, args.Error(1)
}

func (m *ConversationRepositoryMock) DeleteConversation(ctx context.Context, conversationID int) error {
	args := m.Called(ctx, conversationID)
	return args.Error(0)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) CreateMessage(ctx context.Context, conversationID int, senderID int, content string) (models.Message, error) {
	args := m.Called(ctx, conversationID, senderID, content)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) ListMessages(ctx context.Context, conversationID int) ([]models.Message, error) {
	args := m.Called(ctx, conversationID)
	var list []models.Message
	if val := args.Get(0); val != nil {
		list = val.([]models.Message)
	}
	return list, args.Error(1)
}

func (m *MessageRepositoryMock) CountUnread(ctx context.Context, conversationID int, userID int) (int, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Int(0), args.Error(1)
}

func (m *MessageRepositoryMock) MarkAllRead(ctx context.Context, conversationID int, userID int) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

type PresenceRepositoryMock struct {
	mock.Mock
}

func (m *PresenceRepositoryMock) SetStatus(ctx context.Context, userID int, online bool, lastSeen time.Time) error {
	args := m.Called(ctx, userID, online, lastSeen)
	return args.Error(0)
}

func (m *PresenceRepositoryMock) GetPresence(ctx context.Context, userID int) (models.Presence, error) {
	args := m.Called(ctx, userID)
	var p models.Presence
	if val := args.Get(0); val != nil {
		p = val.(models.Presence)
	}
	return p, args.Error(1)
}

type TokenVerifierMock struct {
	mock.Mock
}

func (m *TokenVerifierMock) Verify(ctx context.Context, token string) (int, error) {
	args := m.Called(ctx, token)
	return args.Int(0), args.Error(1)
}

var (
	_ repositories.ConversationRepository = (*ConversationRepositoryMock)(nil)
	_ repositories.MessageRepository     = (*MessageRepositoryMock)(nil)
	_ repositories.PresenceRepository    = (*PresenceRepositoryMock)(nil)
	_ auth.TokenVerifier                 = (*TokenVerifierMock)(nil)
)
