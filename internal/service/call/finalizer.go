package call

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callkit/internal/domain"
	"callkit/pkg/logger"
	"callkit/pkg/metrics"
)

// CallRecordStore persists call history rows
type CallRecordStore interface {
	Create(ctx context.Context, record *domain.CallRecord) error
	Finalize(ctx context.Context, callID uuid.UUID, status domain.CallStatus, endedAt time.Time, durationSeconds int) error
}

// Recorder receives the finished call for recording upload
type Recorder interface {
	FinalizeRecording(ctx context.Context, session *domain.CallSession) error
}

// RecordFinalizer writes the terminal outcome of a call: history row and,
// when a recorder is attached, the recording upload. All of it is
// best-effort; a dead database must never keep a call from ending.
type RecordFinalizer struct {
	records  CallRecordStore
	recorder Recorder
}

// NewRecordFinalizer creates a finalizer; records and recorder may each
// be nil
func NewRecordFinalizer(records CallRecordStore, recorder Recorder) *RecordFinalizer {
	return &RecordFinalizer{records: records, recorder: recorder}
}

// RecordStart inserts the history row for a freshly initiated call. Only
// the initiator writes it; the responder's finalize updates the same row.
func (f *RecordFinalizer) RecordStart(ctx context.Context, session *domain.CallSession, callerID uuid.UUID) {
	if f == nil || f.records == nil {
		return
	}
	record := &domain.CallRecord{
		CallID:         session.SessionID,
		ConversationID: session.ConversationID,
		CallerID:       callerID,
		Mode:           session.Mode,
		Status:         session.Status,
		StartedAt:      session.StartedAt,
	}
	if err := f.records.Create(ctx, record); err != nil {
		logger.Warn("failed to create call history row",
			zap.String("call_id", session.SessionID.String()),
			zap.Error(err),
		)
	}
}

// Finalize persists the terminal status and hands the call to the
// recorder
func (f *RecordFinalizer) Finalize(ctx context.Context, session *domain.CallSession) {
	if f == nil {
		return
	}
	if f.records != nil {
		endedAt := time.Now()
		if session.EndedAt != nil {
			endedAt = *session.EndedAt
		}
		if err := f.records.Finalize(ctx, session.SessionID, session.Status, endedAt, session.DurationSeconds); err != nil {
			logger.Warn("failed to finalize call history row",
				zap.String("call_id", session.SessionID.String()),
				zap.Error(err),
			)
		}
	}
	if f.recorder != nil && session.DurationSeconds > 0 {
		if err := f.recorder.FinalizeRecording(ctx, session); err != nil {
			logger.Warn("failed to upload call recording",
				zap.String("call_id", session.SessionID.String()),
				zap.Error(err),
			)
		}
	}
}

// finalize is the single teardown path for every way a call can end:
// user hangup, peer-observed termination, forced dialog close, fatal join
// error. It is idempotent; a second invocation for the same attempt finds
// the session already gone and returns.
func (c *Coordinator) finalize(ctx context.Context, epoch int, status domain.CallStatus, rejectedAt *time.Time, publishPatch bool) {
	c.mu.Lock()
	if epoch != c.epoch || c.session == nil {
		c.mu.Unlock()
		return
	}
	if !transitionAllowed(c.session.Status, status) {
		c.mu.Unlock()
		return
	}

	endedAt := c.now()
	duration := 0
	if c.session.Status == domain.StatusConnected {
		duration = int(endedAt.Sub(c.connectedAt).Seconds())
	}

	c.session.Status = status
	c.session.EndedAt = &endedAt
	c.session.DurationSeconds = duration
	finished := *c.session

	// Working memory is released here; the attempt's epoch is burned so
	// every still-outstanding async resolution sees itself stale.
	c.session = nil
	c.pendingRemote = nil
	c.guard = nil
	c.epoch++
	client := c.client
	c.client = nil
	poller := c.poller
	c.poller = nil
	subCancel := c.subCancel
	c.subCancel = nil
	tickCancel := c.tickCancel
	c.tickCancel = nil
	c.mu.Unlock()

	if poller != nil {
		poller.Stop()
	}
	if subCancel != nil {
		subCancel()
	}
	if tickCancel != nil {
		tickCancel()
	}

	if client != nil {
		// Best effort: the relay drops the attachment on socket close
		// even if this errors.
		if err := client.Leave(ctx); err != nil {
			logger.Warn("failed to leave media session", zap.Error(err))
		}
	}

	if publishPatch {
		patch := domain.MetadataPatch{
			CallStatus:   &status,
			EndedAt:      &endedAt,
			CallDuration: &duration,
			RejectedAt:   rejectedAt,
		}
		if err := c.transport.PatchStatus(ctx, finished.ConversationID, finished.SessionID, patch); err != nil {
			logger.Warn("failed to publish final call status",
				zap.String("call_id", finished.SessionID.String()),
				zap.Error(err),
			)
		}
	}

	if c.opts.Finalizer != nil {
		c.opts.Finalizer.Finalize(ctx, &finished)
	}

	metrics.CallEndedTotal.WithLabelValues(string(status)).Inc()
	if duration > 0 {
		metrics.CallConnectedDuration.Observe(float64(duration))
	}

	logger.Info("call finalized",
		zap.String("call_id", finished.SessionID.String()),
		zap.String("status", string(status)),
		zap.Int("duration_seconds", duration),
	)

	c.emit(domain.CallEvent{Kind: domain.EventStatusChanged, Status: status})
	c.emit(domain.CallEvent{Kind: domain.EventCallEnded, Status: status, Seconds: duration})
}
