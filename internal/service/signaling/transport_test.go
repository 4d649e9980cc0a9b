package signaling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"callkit/internal/domain"
	apperrors "callkit/pkg/errors"
)

type MockMessageStore struct {
	mock.Mock
}

func (m *MockMessageStore) AppendCallMessage(ctx context.Context, msg *domain.SignalingMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockMessageStore) MergeCallMetadata(ctx context.Context, conversationID, messageID uuid.UUID, fields map[string]string) error {
	args := m.Called(ctx, conversationID, messageID, fields)
	return args.Error(0)
}

func (m *MockMessageStore) GetCallMessage(ctx context.Context, conversationID, messageID uuid.UUID) (*domain.SignalingMessage, error) {
	args := m.Called(ctx, conversationID, messageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SignalingMessage), args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishCallSignal(ctx context.Context, conversationID uuid.UUID, signal domain.CallSignal) error {
	args := m.Called(ctx, conversationID, signal)
	return args.Error(0)
}

func TestSendInviteAppendsAndPublishes(t *testing.T) {
	store := new(MockMessageStore)
	publisher := new(MockPublisher)
	transport := NewStoreTransport(store, publisher)

	conversationID := uuid.New()
	senderID := uuid.New()
	meta := domain.CallMetadata{
		CallType:    domain.CallModeVoice,
		CallStatus:  domain.StatusCalling,
		ChannelName: "call_ab12cd34",
		CallerID:    senderID.String(),
	}

	var appended *domain.SignalingMessage
	store.On("AppendCallMessage", mock.Anything, mock.AnythingOfType("*domain.SignalingMessage")).
		Run(func(args mock.Arguments) {
			appended = args.Get(1).(*domain.SignalingMessage)
		}).
		Return(nil)
	publisher.On("PublishCallSignal", mock.Anything, conversationID, mock.AnythingOfType("domain.CallSignal")).
		Return(nil)

	messageID, err := transport.SendInvite(context.Background(), conversationID, senderID, meta)

	require.NoError(t, err)
	require.NotNil(t, appended)
	assert.Equal(t, messageID, appended.MessageID)
	assert.Equal(t, conversationID, appended.ConversationID)
	assert.Equal(t, domain.StatusCalling, appended.Metadata.CallStatus)
	store.AssertExpectations(t)
	publisher.AssertExpectations(t)
}

func TestSendInviteWithoutPublisher(t *testing.T) {
	store := new(MockMessageStore)
	transport := NewStoreTransport(store, nil)

	store.On("AppendCallMessage", mock.Anything, mock.Anything).Return(nil)

	_, err := transport.SendInvite(context.Background(), uuid.New(), uuid.New(), domain.CallMetadata{
		CallStatus: domain.StatusCalling,
	})

	assert.NoError(t, err)
	store.AssertExpectations(t)
}

func TestPatchStatusMergesOnlyPatchedFields(t *testing.T) {
	store := new(MockMessageStore)
	transport := NewStoreTransport(store, nil)

	conversationID := uuid.New()
	messageID := uuid.New()
	answeredAt := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	patch := domain.MetadataPatch{
		CallStatus: statusPtr(domain.StatusAnswered),
		AnsweredAt: &answeredAt,
	}

	var merged map[string]string
	store.On("MergeCallMetadata", mock.Anything, conversationID, messageID, mock.Anything).
		Run(func(args mock.Arguments) {
			merged = args.Get(3).(map[string]string)
		}).
		Return(nil)

	err := transport.PatchStatus(context.Background(), conversationID, messageID, patch)

	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		domain.MetaCallStatus: "answered",
		domain.MetaAnsweredAt: "2025-03-14T12:00:00Z",
	}, merged)
	// Fields the patch does not carry must be absent from the merge, so
	// concurrent writers never clobber each other field by field.
	assert.NotContains(t, merged, domain.MetaEndedAt)
	assert.NotContains(t, merged, domain.MetaChannelName)
}

func TestPatchStatusEmptyPatchIsNoop(t *testing.T) {
	store := new(MockMessageStore)
	transport := NewStoreTransport(store, nil)

	err := transport.PatchStatus(context.Background(), uuid.New(), uuid.New(), domain.MetadataPatch{})

	assert.NoError(t, err)
	store.AssertNotCalled(t, "MergeCallMetadata", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPatchStatusPublishFailureIsSwallowed(t *testing.T) {
	store := new(MockMessageStore)
	publisher := new(MockPublisher)
	transport := NewStoreTransport(store, publisher)

	store.On("MergeCallMetadata", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	publisher.On("PublishCallSignal", mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("redis down"))

	err := transport.PatchStatus(context.Background(), uuid.New(), uuid.New(), domain.StatusPatch(domain.StatusEnded))

	assert.NoError(t, err)
}

func TestReadStatusReturnsMetadata(t *testing.T) {
	store := new(MockMessageStore)
	transport := NewStoreTransport(store, nil)

	conversationID := uuid.New()
	messageID := uuid.New()
	store.On("GetCallMessage", mock.Anything, conversationID, messageID).Return(&domain.SignalingMessage{
		MessageID: messageID,
		Metadata: domain.CallMetadata{
			CallStatus:  domain.StatusAnswered,
			ChannelName: "call_ab12cd34",
		},
	}, nil)

	meta, err := transport.ReadStatus(context.Background(), conversationID, messageID)

	require.NoError(t, err)
	assert.Equal(t, domain.StatusAnswered, meta.CallStatus)
	assert.Equal(t, "call_ab12cd34", meta.ChannelName)
}

func TestReadStatusMissMapsToReadMiss(t *testing.T) {
	store := new(MockMessageStore)
	transport := NewStoreTransport(store, nil)

	store.On("GetCallMessage", mock.Anything, mock.Anything, mock.Anything).Return(nil, nil)

	_, err := transport.ReadStatus(context.Background(), uuid.New(), uuid.New())

	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSignalingReadMiss))
}

func TestReadStatusStoreErrorIsDatabaseError(t *testing.T) {
	store := new(MockMessageStore)
	transport := NewStoreTransport(store, nil)

	store.On("GetCallMessage", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("cassandra timeout"))

	_, err := transport.ReadStatus(context.Background(), uuid.New(), uuid.New())

	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDatabase))
}

func statusPtr(s domain.CallStatus) *domain.CallStatus { return &s }
