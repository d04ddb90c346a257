package session

import (
	"context"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"marketchat/internal/models"
)

type apiMock struct {
	mock.Mock
}

func (m *apiMock) FetchConversations(ctx context.Context) ([]Conversation, error) {
	args := m.Called(ctx)
	var list []Conversation
	if val := args.Get(0); val != nil {
		list = val.([]Conversation)
	}
	return list, args.Error(1)
}

func (m *apiMock) FetchConversation(ctx context.Context, conversationID int) (Conversation, error) {
	args := m.Called(ctx, conversationID)
	var conv Conversation
	if val := args.Get(0); val != nil {
		conv = val.(Conversation)
	}
	return conv, args.Error(1)
}

func (m *apiMock) StartConversation(ctx context.Context, participantID int) (Conversation, error) {
	args := m.Called(ctx, participantID)
	var conv Conversation
	if val := args.Get(0); val != nil {
		conv = val.(Conversation)
	}
	return conv, args.Error(1)
}

func (m *apiMock) SendMessage(ctx context.Context, conversationID int, content string) (models.Message, error) {
	args := m.Called(ctx, conversationID, content)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *apiMock) DeleteConversation(ctx context.Context, conversationID int) error {
	args := m.Called(ctx, conversationID)
	return args.Error(0)
}

// commandsRecorder records the room commands issued to the push channel.
type commandsRecorder struct {
	joined     []int
	left       []int
	markedRead []int
	heartbeats int
}

func (r *commandsRecorder) JoinRoom(conversationID int)  { r.joined = append(r.joined, conversationID) }
func (r *commandsRecorder) LeaveRoom(conversationID int) { r.left = append(r.left, conversationID) }
func (r *commandsRecorder) MarkRead(conversationID int) {
	r.markedRead = append(r.markedRead, conversationID)
}
func (r *commandsRecorder) Heartbeat() { r.heartbeats++ }

func cachedConversation(id int, peerID int, msgs ...Message) Conversation {
	return Conversation{
		ID:           id,
		Participants: []Participant{{ID: peerID}},
		Messages:     msgs,
	}
}

func serverMessage(id, conversationID, senderID int, content string) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		ReadBy:         pq.Int64Array{int64(senderID)},
		CreatedAt:      time.Now(),
	}
}

func TestBootstrapSeedsCacheAndJoinsRooms(t *testing.T) {
	api := new(apiMock)
	cmds := &commandsRecorder{}
	ctrl := NewController(1, api, cmds)

	api.On("FetchConversations", mock.Anything).Return([]Conversation{
		cachedConversation(10, 2),
		cachedConversation(11, 3),
	}, nil).Once()

	require.NoError(t, ctrl.Bootstrap(context.Background()))
	assert.ElementsMatch(t, []int{10, 11}, cmds.joined)
	assert.Len(t, ctrl.Conversations(), 2)
	api.AssertExpectations(t)
}

func TestOwnEchoIsDiscarded(t *testing.T) {
	api := new(apiMock)
	cmds := &commandsRecorder{}
	ctrl := NewController(1, api, cmds)
	api.On("FetchConversations", mock.Anything).Return([]Conversation{cachedConversation(10, 2)}, nil).Once()
	require.NoError(t, ctrl.Bootstrap(context.Background()))

	msg := serverMessage(50, 10, 1, "mine")
	ctrl.HandleEvent(context.Background(), models.ServerEvent{
		Type: models.EventNewMessage, ConversationID: 10, Message: &msg,
	})

	convs := ctrl.Conversations()
	require.Len(t, convs, 1)
	assert.Empty(t, convs[0].Messages)
}

func TestIncomingMessageIncrementsUnreadWhenInactive(t *testing.T) {
	api := new(apiMock)
	cmds := &commandsRecorder{}
	ctrl := NewController(1, api, cmds)
	api.On("FetchConversations", mock.Anything).Return([]Conversation{
		cachedConversation(10, 2),
		cachedConversation(11, 3),
	}, nil).Once()
	require.NoError(t, ctrl.Bootstrap(context.Background()))

	msg := serverMessage(50, 11, 3, "hey")
	ctrl.HandleEvent(context.Background(), models.ServerEvent{
		Type: models.EventNewMessage, ConversationID: 11, Message: &msg,
	})

	convs := ctrl.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, 11, convs[0].ID)
	assert.Equal(t, 1, convs[0].UnreadCount)
	require.Len(t, convs[0].Messages, 1)
	assert.Equal(t, 50, convs[0].Messages[0].ID)
	assert.Equal(t, 1, ctrl.TotalUnread())
}

func TestIncomingMessageMarkedReadWhenActive(t *testing.T) {
	api := new(apiMock)
	cmds := &commandsRecorder{}
	ctrl := NewController(1, api, cmds)
	api.On("FetchConversations", mock.Anything).Return([]Conversation{cachedConversation(10, 2)}, nil).Once()
	api.On("FetchConversation", mock.Anything, 10).Return(cachedConversation(10, 2), nil).Once()
	require.NoError(t, ctrl.Bootstrap(context.Background()))
	ctrl.SetActive(context.Background(), 10)

	msg := serverMessage(50, 10, 2, "hey")
	ctrl.HandleEvent(context.Background(), models.ServerEvent{
		Type: models.EventNewMessage, ConversationID: 10, Message: &msg,
	})

	convs := ctrl.Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, 0, convs[0].UnreadCount)
	require.Len(t, convs[0].Messages, 1)
	assert.True(t, convs[0].Messages[0].ReadByUser(1))
	assert.Contains(t, cmds.markedRead, 10)
}

func TestIncomingMessageDeduplicatedByID(t *testing.T) {
	api := new(apiMock)
	cmds := &commandsRecorder{}
	ctrl := NewController(1, api, cmds)
	api.On("FetchConversations", mock.Anything).Return([]Conversation{cachedConversation(10, 2)}, nil).Once()
	require.NoError(t, ctrl.Bootstrap(context.Background()))

	msg := serverMessage(50, 10, 2, "hey")
	ev := models.ServerEvent{Type: models.EventNewMessage, ConversationID: 10, Message: &msg}
	ctrl.HandleEvent(context.Background(), ev)
	ctrl.HandleEvent(context.Background(), ev)

	convs := ctrl.Conversations()
	require.Len(t, convs[0].Messages, 1)
	assert.Equal(t, 1, convs[0].UnreadCount)
}

func TestIncomingMessageForUnknownConversationFetchesSnapshot(t *testing.T) {
	api := new(apiMock)
	cmds := &commandsRecorder{}
	ctrl := NewController(1, api, cmds)

	msg := serverMessage(50, 99, 4, "first contact")
	// Snapshot already contains the pushed message, so no extra unread.
	api.On("FetchConversation", mock.Anything, 99).Return(Conversation{
		ID:           99,
		Participants: []Participant{{ID: 4}},
		Messages:     []Message{{Message: msg}},
		UnreadCount:  1,
	}, nil).Once()

	ctrl.HandleEvent(context.Background(), models.ServerEvent{
		Type: models.EventNewMessage, ConversationID: 99, Message: &msg,
	})

	convs := ctrl.Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, 99, convs[0].ID)
	require.Len(t, convs[0].Messages, 1)
	assert.Equal(t, 1, convs[0].UnreadCount)
	assert.Contains(t, cmds.joined, 99)
	api.AssertExpectations(t)
}

func TestIncomingMessageForUnknownConversationRacesSnapshot(t *testing.T) {
	api := new(apiMock)
	cmds := &commandsRecorder{}
	ctrl := NewController(1, api, cmds)

	msg := serverMessage(50, 99, 4, "first contact")
	// Snapshot predates the pushed message; the push supplies it.
	api.On("FetchConversation", mock.Anything, 99).Return(Conversation{
		ID:           99,
		Participants: []Participant{{ID: 4}},
	}, nil).Once()

	ctrl.HandleEvent(context.Background(), models.ServerEvent{
		Type: models.EventNewMessage, ConversationID: 99, Message: &msg,
	})

	convs := ctrl.Conversations()
	require.Len(t, convs, 1)
	require.Len(t, convs[0].Messages, 1)
	assert.Equal(t, 50, convs[0].Messages[0].ID)
	assert.Equal(t, 1, convs[0].UnreadCount)
	api.AssertExpectations(t)
}

func TestMessagesReadGrowsReadByMonotonically(t *testing.T) {
	api := new(apiMock)
	cmds := &commandsRecorder{}
	ctrl := NewController(1, api, cmds)
	m1 := Message{Message: serverMessage(1, 10, 1, "a")}
	m2 := Message{Message: serverMessage(2, 10, 1, "b")}
	api.On("FetchConversations", mock.Anything).Return([]Conversation{
		cachedConversation(10, 2, m1, m2),
	}, nil).Once()
	require.NoError(t, ctrl.Bootstrap(context.Background()))

	ev := models.ServerEvent{Type: models.EventMessagesRead, ConversationID: 10, UserID: 2}
	ctrl.HandleEvent(context.Background(), ev)
	ctrl.HandleEvent(context.Background(), ev)

	convs := ctrl.Conversations()
	for _, m := range convs[0].Messages {
		assert.True(t, m.ReadByUser(2))
		assert.Len(t, m.ReadBy, 2)
	}
}

func TestUserStatusUpdatesParticipants(t *testing.T) {
	api := new(apiMock)
	cmds := &commandsRecorder{}
	ctrl := NewController(1, api, cmds)
	api.On("FetchConversations", mock.Anything).Return([]Conversation{cachedConversation(10, 2)}, nil).Once()
	require.NoError(t, ctrl.Bootstrap(context.Background()))

	seen := time.Now().UTC()
	ctrl.HandleEvent(context.Background(), models.ServerEvent{
		Type: models.EventUserStatus, UserID: 2, IsOnline: true, LastSeen: &seen,
	})

	convs := ctrl.Conversations()
	require.Len(t, convs[0].Participants, 1)
	assert.True(t, convs[0].Participants[0].IsOnline)
	assert.Equal(t, seen, convs[0].Participants[0].LastSeen)

	ctrl.HandleEvent(context.Background(), models.ServerEvent{
		Type: models.EventUserStatus, UserID: 2, IsOnline: false, LastSeen: &seen,
	})
	convs = ctrl.Conversations()
	assert.False(t, convs[0].Participants[0].IsOnline)
}

func TestSendReplacesOptimisticMessageOnSuccess(t *testing.T) {
	api := new(apiMock)
	cmds := &commandsRecorder{}
	ctrl := NewController(1, api, cmds)
	api.On("FetchConversations", mock.Anything).Return([]Conversation{cachedConversation(10, 2)}, nil).Once()
	require.NoError(t, ctrl.Bootstrap(context.Background()))

	confirmed := serverMessage(77, 10, 1, "hello")
	api.On("SendMessage", mock.Anything, 10, "hello").Return(confirmed, nil).Once()

	require.NoError(t, ctrl.Send(context.Background(), 10, "hello"))

	convs := ctrl.Conversations()
	require.Len(t, convs[0].Messages, 1)
	assert.Equal(t, 77, convs[0].Messages[0].ID)
	assert.False(t, convs[0].Messages[0].Pending())
	api.AssertExpectations(t)
}

func TestSendRollsBackOnFailure(t *testing.T) {
	api := new(apiMock)
	cmds := &commandsRecorder{}
	ctrl := NewController(1, api, cmds)
	existing := Message{Message: serverMessage(1, 10, 2, "earlier")}
	api.On("FetchConversations", mock.Anything).Return([]Conversation{
		cachedConversation(10, 2, existing),
	}, nil).Once()
	require.NoError(t, ctrl.Bootstrap(context.Background()))

	api.On("SendMessage", mock.Anything, 10, "doomed").Return(models.Message{}, assert.AnError).Once()

	err := ctrl.Send(context.Background(), 10, "doomed")
	require.Error(t, err)

	convs := ctrl.Conversations()
	require.Len(t, convs[0].Messages, 1)
	assert.Equal(t, 1, convs[0].Messages[0].ID)
	require.NotNil(t, convs[0].LastMessage)
	assert.Equal(t, 1, convs[0].LastMessage.ID)
	api.AssertExpectations(t)
}

func TestSendToUnknownConversation(t *testing.T) {
	ctrl := NewController(1, new(apiMock), &commandsRecorder{})
	err := ctrl.Send(context.Background(), 123, "hi")
	assert.ErrorIs(t, err, ErrUnknownConversation)
}

func TestStartConversationReusesCachedEntry(t *testing.T) {
	api := new(apiMock)
	cmds := &commandsRecorder{}
	ctrl := NewController(1, api, cmds)
	api.On("FetchConversations", mock.Anything).Return([]Conversation{cachedConversation(10, 2)}, nil).Once()
	api.On("FetchConversation", mock.Anything, 10).Return(cachedConversation(10, 2), nil).Once()
	require.NoError(t, ctrl.Bootstrap(context.Background()))

	conv, err := ctrl.StartConversation(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 10, conv.ID)
	assert.Len(t, ctrl.Conversations(), 1)
	// No StartConversation API call expected.
	api.AssertExpectations(t)
}

func TestStartConversationCreatesRemotely(t *testing.T) {
	api := new(apiMock)
	cmds := &commandsRecorder{}
	ctrl := NewController(1, api, cmds)

	api.On("StartConversation", mock.Anything, 5).Return(cachedConversation(20, 5), nil).Once()

	conv, err := ctrl.StartConversation(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 20, conv.ID)
	assert.Contains(t, cmds.joined, 20)
	api.AssertExpectations(t)
}

func TestSetActiveSwitchesRooms(t *testing.T) {
	api := new(apiMock)
	cmds := &commandsRecorder{}
	ctrl := NewController(1, api, cmds)
	api.On("FetchConversations", mock.Anything).Return([]Conversation{
		cachedConversation(10, 2),
		cachedConversation(11, 3),
	}, nil).Once()
	api.On("FetchConversation", mock.Anything, 10).Return(cachedConversation(10, 2), nil).Once()
	api.On("FetchConversation", mock.Anything, 11).Return(cachedConversation(11, 3), nil).Once()
	require.NoError(t, ctrl.Bootstrap(context.Background()))

	ctrl.SetActive(context.Background(), 10)
	ctrl.SetActive(context.Background(), 11)

	assert.Contains(t, cmds.left, 10)
	assert.Contains(t, cmds.joined, 11)
}

func TestSetActiveLoadsMessageHistory(t *testing.T) {
	api := new(apiMock)
	cmds := &commandsRecorder{}
	ctrl := NewController(1, api, cmds)

	// The list endpoint returns summaries without messages.
	api.On("FetchConversations", mock.Anything).Return([]Conversation{cachedConversation(10, 2)}, nil).Once()
	require.NoError(t, ctrl.Bootstrap(context.Background()))
	require.Empty(t, ctrl.Conversations()[0].Messages)

	history := []Message{
		{Message: serverMessage(1, 10, 2, "is it still available?")},
		{Message: serverMessage(2, 10, 1, "yes, it is")},
	}
	api.On("FetchConversation", mock.Anything, 10).Return(Conversation{
		ID:           10,
		Participants: []Participant{{ID: 2}},
		Messages:     history,
	}, nil).Once()

	ctrl.SetActive(context.Background(), 10)

	convs := ctrl.Conversations()
	require.Len(t, convs[0].Messages, 2)
	assert.Equal(t, 1, convs[0].Messages[0].ID)
	assert.Equal(t, 2, convs[0].Messages[1].ID)
	assert.True(t, convs[0].Messages[0].ReadByUser(1))
	require.NotNil(t, convs[0].LastMessage)
	assert.Equal(t, 2, convs[0].LastMessage.ID)

	// Re-activation serves from the cache; the Once expectation above
	// fails the test on a second fetch.
	ctrl.SetActive(context.Background(), 0)
	ctrl.SetActive(context.Background(), 10)
	api.AssertExpectations(t)
}

func TestHistoryMergeKeepsPushedMessagesDeduped(t *testing.T) {
	api := new(apiMock)
	cmds := &commandsRecorder{}
	ctrl := NewController(1, api, cmds)

	api.On("FetchConversations", mock.Anything).Return([]Conversation{cachedConversation(10, 2)}, nil).Once()
	require.NoError(t, ctrl.Bootstrap(context.Background()))

	// A push lands before the first activation.
	pushed := serverMessage(2, 10, 2, "ping")
	ctrl.HandleEvent(context.Background(), models.ServerEvent{
		Type: models.EventNewMessage, ConversationID: 10, Message: &pushed,
	})

	// The history snapshot already includes the pushed message.
	api.On("FetchConversation", mock.Anything, 10).Return(Conversation{
		ID:           10,
		Participants: []Participant{{ID: 2}},
		Messages: []Message{
			{Message: serverMessage(1, 10, 1, "hello")},
			{Message: pushed},
		},
	}, nil).Once()

	ctrl.SetActive(context.Background(), 10)

	convs := ctrl.Conversations()
	require.Len(t, convs[0].Messages, 2)
	assert.Equal(t, 1, convs[0].Messages[0].ID)
	assert.Equal(t, 2, convs[0].Messages[1].ID)
	assert.Equal(t, 0, convs[0].UnreadCount)
	api.AssertExpectations(t)
}

func TestActivationEmitsSingleReadReceipt(t *testing.T) {
	api := new(apiMock)
	cmds := &commandsRecorder{}
	ctrl := NewController(1, api, cmds)

	unread := Message{Message: serverMessage(1, 10, 2, "hi")}
	api.On("FetchConversations", mock.Anything).Return([]Conversation{
		cachedConversation(10, 2, unread),
	}, nil).Once()
	require.NoError(t, ctrl.Bootstrap(context.Background()))
	api.On("FetchConversation", mock.Anything, 10).Return(cachedConversation(10, 2, unread), nil).Once()

	ctrl.SetActive(context.Background(), 10)

	// The receipt travels over the push channel only; the strict mock
	// fails the test if any REST call beyond the history fetch happens.
	assert.Equal(t, []int{10}, cmds.markedRead)
	assert.Equal(t, 0, ctrl.TotalUnread())
	api.AssertExpectations(t)
}

func TestUnknownConversationFetchDoesNotBlockCache(t *testing.T) {
	api := new(apiMock)
	cmds := &commandsRecorder{}
	ctrl := NewController(1, api, cmds)
	api.On("FetchConversations", mock.Anything).Return([]Conversation{cachedConversation(10, 2)}, nil).Once()
	require.NoError(t, ctrl.Bootstrap(context.Background()))

	entered := make(chan struct{})
	release := make(chan struct{})
	api.On("FetchConversation", mock.Anything, 99).Run(func(mock.Arguments) {
		close(entered)
		<-release
	}).Return(cachedConversation(99, 4), nil).Once()
	api.On("SendMessage", mock.Anything, 10, "hi").Return(serverMessage(70, 10, 1, "hi"), nil).Once()

	msg := serverMessage(50, 99, 4, "first contact")
	handled := make(chan struct{})
	go func() {
		ctrl.HandleEvent(context.Background(), models.ServerEvent{
			Type: models.EventNewMessage, ConversationID: 99, Message: &msg,
		})
		close(handled)
	}()
	<-entered

	// Other cache operations must proceed while the fetch is in flight.
	sent := make(chan error, 1)
	go func() { sent <- ctrl.Send(context.Background(), 10, "hi") }()
	select {
	case err := <-sent:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("send blocked behind the conversation fetch")
	}

	close(release)
	<-handled
	assert.Len(t, ctrl.Conversations(), 2)
	api.AssertExpectations(t)
}

func TestUnknownConversationInsertedDuringFetchStaysSingle(t *testing.T) {
	api := new(apiMock)
	cmds := &commandsRecorder{}
	ctrl := NewController(1, api, cmds)

	entered := make(chan struct{})
	release := make(chan struct{})
	api.On("FetchConversation", mock.Anything, 99).Run(func(mock.Arguments) {
		close(entered)
		<-release
	}).Return(cachedConversation(99, 4), nil).Once()

	msg := serverMessage(50, 99, 4, "first contact")
	handled := make(chan struct{})
	go func() {
		ctrl.HandleEvent(context.Background(), models.ServerEvent{
			Type: models.EventNewMessage, ConversationID: 99, Message: &msg,
		})
		close(handled)
	}()
	<-entered

	// A bootstrap lands while the fetch is in flight and seeds the same
	// conversation.
	api.On("FetchConversations", mock.Anything).Return([]Conversation{cachedConversation(99, 4)}, nil).Once()
	require.NoError(t, ctrl.Bootstrap(context.Background()))

	close(release)
	<-handled

	convs := ctrl.Conversations()
	require.Len(t, convs, 1)
	require.Len(t, convs[0].Messages, 1)
	assert.Equal(t, 50, convs[0].Messages[0].ID)
	assert.Equal(t, 1, convs[0].UnreadCount)
	api.AssertExpectations(t)
}

func TestDeleteRemovesFromCache(t *testing.T) {
	api := new(apiMock)
	cmds := &commandsRecorder{}
	ctrl := NewController(1, api, cmds)
	api.On("FetchConversations", mock.Anything).Return([]Conversation{cachedConversation(10, 2)}, nil).Once()
	require.NoError(t, ctrl.Bootstrap(context.Background()))

	api.On("DeleteConversation", mock.Anything, 10).Return(nil).Once()
	require.NoError(t, ctrl.Delete(context.Background(), 10))
	assert.Empty(t, ctrl.Conversations())
	api.AssertExpectations(t)
}

func TestResubscribeRejoinsAllRooms(t *testing.T) {
	api := new(apiMock)
	cmds := &commandsRecorder{}
	ctrl := NewController(1, api, cmds)
	api.On("FetchConversations", mock.Anything).Return([]Conversation{
		cachedConversation(10, 2),
		cachedConversation(11, 3),
	}, nil).Once()
	require.NoError(t, ctrl.Bootstrap(context.Background()))

	cmds.joined = nil
	ctrl.Resubscribe()
	assert.ElementsMatch(t, []int{10, 11}, cmds.joined)
}

func TestRunConsumesEventStream(t *testing.T) {
	api := new(apiMock)
	cmds := &commandsRecorder{}
	ctrl := NewController(1, api, cmds)
	api.On("FetchConversations", mock.Anything).Return([]Conversation{cachedConversation(10, 2)}, nil).Once()
	require.NoError(t, ctrl.Bootstrap(context.Background()))

	events := make(chan models.ServerEvent, 1)
	msg := serverMessage(50, 10, 2, "hey")
	events <- models.ServerEvent{Type: models.EventNewMessage, ConversationID: 10, Message: &msg}
	close(events)

	ctrl.Run(context.Background(), events)

	convs := ctrl.Conversations()
	require.Len(t, convs[0].Messages, 1)
	assert.Equal(t, 50, convs[0].Messages[0].ID)
}
