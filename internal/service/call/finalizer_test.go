package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"callkit/internal/domain"
)

type MockCallRecordStore struct {
	mock.Mock
}

func (m *MockCallRecordStore) Create(ctx context.Context, record *domain.CallRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockCallRecordStore) Finalize(ctx context.Context, callID uuid.UUID, status domain.CallStatus, endedAt time.Time, durationSeconds int) error {
	args := m.Called(ctx, callID, status, endedAt, durationSeconds)
	return args.Error(0)
}

type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) FinalizeRecording(ctx context.Context, session *domain.CallSession) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func TestRecordStartCreatesHistoryRow(t *testing.T) {
	store := new(MockCallRecordStore)
	finalizer := NewRecordFinalizer(store, nil)

	session := &domain.CallSession{
		SessionID:      uuid.New(),
		ConversationID: uuid.New(),
		Mode:           domain.CallModeVideo,
		Status:         domain.StatusCalling,
		StartedAt:      time.Now(),
	}
	callerID := uuid.New()

	store.On("Create", mock.Anything, mock.MatchedBy(func(r *domain.CallRecord) bool {
		return r.CallID == session.SessionID && r.CallerID == callerID && r.Mode == domain.CallModeVideo
	})).Return(nil)

	finalizer.RecordStart(context.Background(), session, callerID)

	store.AssertExpectations(t)
}

func TestFinalizePersistsTerminalStatus(t *testing.T) {
	store := new(MockCallRecordStore)
	recorder := new(MockRecorder)
	finalizer := NewRecordFinalizer(store, recorder)

	endedAt := time.Now()
	session := &domain.CallSession{
		SessionID:       uuid.New(),
		Status:          domain.StatusEnded,
		EndedAt:         &endedAt,
		DurationSeconds: 42,
	}

	store.On("Finalize", mock.Anything, session.SessionID, domain.StatusEnded, endedAt, 42).Return(nil)
	recorder.On("FinalizeRecording", mock.Anything, session).Return(nil)

	finalizer.Finalize(context.Background(), session)

	store.AssertExpectations(t)
	recorder.AssertExpectations(t)
}

func TestFinalizeSkipsRecorderForUnconnectedCalls(t *testing.T) {
	store := new(MockCallRecordStore)
	recorder := new(MockRecorder)
	finalizer := NewRecordFinalizer(store, recorder)

	endedAt := time.Now()
	session := &domain.CallSession{
		SessionID:       uuid.New(),
		Status:          domain.StatusCancelled,
		EndedAt:         &endedAt,
		DurationSeconds: 0,
	}

	store.On("Finalize", mock.Anything, session.SessionID, domain.StatusCancelled, endedAt, 0).Return(nil)

	finalizer.Finalize(context.Background(), session)

	store.AssertExpectations(t)
	recorder.AssertNotCalled(t, "FinalizeRecording", mock.Anything, mock.Anything)
}

func TestFinalizeSwallowsStoreErrors(t *testing.T) {
	store := new(MockCallRecordStore)
	finalizer := NewRecordFinalizer(store, nil)

	endedAt := time.Now()
	store.On("Finalize", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("database down"))

	// A dead history store must never keep a call from ending.
	finalizer.Finalize(context.Background(), &domain.CallSession{
		SessionID: uuid.New(),
		Status:    domain.StatusEnded,
		EndedAt:   &endedAt,
	})
}

func TestNilFinalizerIsSafe(t *testing.T) {
	var finalizer *RecordFinalizer
	finalizer.RecordStart(context.Background(), &domain.CallSession{}, uuid.New())
	finalizer.Finalize(context.Background(), &domain.CallSession{})
}
