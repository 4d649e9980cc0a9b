// Package signaling carries call lifecycle state over the chat's own
// message store. There is no dedicated signaling server: the invitation is
// an ordinary chat message and every status change is a metadata patch on
// it, read back by polling and by a Redis push channel.
package signaling

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callkit/internal/domain"
	apperrors "callkit/pkg/errors"
	"callkit/pkg/logger"
	"callkit/pkg/metrics"
)

// Transport sends and reads call signaling state. The message-store
// adapter below is one implementation; a push-based signaling service
// could be substituted without touching the coordinator.
type Transport interface {
	// SendInvite appends the signaling message with call_status=calling
	// and returns its id.
	SendInvite(ctx context.Context, conversationID, senderID uuid.UUID, meta domain.CallMetadata) (uuid.UUID, error)

	// PatchStatus merges the patch into the message metadata. The merge
	// is last-write-wins per field; unrelated fields are never touched.
	PatchStatus(ctx context.Context, conversationID, messageID uuid.UUID, patch domain.MetadataPatch) error

	// ReadStatus returns the current metadata of the signaling message.
	// Returns a SignalingReadMiss error when the message is not yet
	// visible (message store lag); callers retry rather than fail.
	ReadStatus(ctx context.Context, conversationID, messageID uuid.UUID) (domain.CallMetadata, error)
}

// MessageStore is the slice of the chat message store the transport needs
type MessageStore interface {
	AppendCallMessage(ctx context.Context, msg *domain.SignalingMessage) error
	MergeCallMetadata(ctx context.Context, conversationID, messageID uuid.UUID, fields map[string]string) error
	// GetCallMessage returns nil without error when the message is not
	// visible yet.
	GetCallMessage(ctx context.Context, conversationID, messageID uuid.UUID) (*domain.SignalingMessage, error)
}

// Publisher pushes signaling updates onto the realtime side channel so
// the peer does not have to wait for its next poll tick
type Publisher interface {
	PublishCallSignal(ctx context.Context, conversationID uuid.UUID, signal domain.CallSignal) error
}

// StoreTransport adapts the chat message store into a Transport
type StoreTransport struct {
	store     MessageStore
	publisher Publisher // optional
}

// NewStoreTransport creates a transport over the message store. The
// publisher may be nil; push delivery is best-effort on top of polling.
func NewStoreTransport(store MessageStore, publisher Publisher) *StoreTransport {
	return &StoreTransport{store: store, publisher: publisher}
}

// SendInvite appends the invitation message and announces it on the push
// channel
func (t *StoreTransport) SendInvite(ctx context.Context, conversationID, senderID uuid.UUID, meta domain.CallMetadata) (uuid.UUID, error) {
	msg := &domain.SignalingMessage{
		MessageID:      uuid.New(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Metadata:       meta,
		SentAt:         time.Now(),
	}

	if err := t.store.AppendCallMessage(ctx, msg); err != nil {
		return uuid.Nil, apperrors.DatabaseError("failed to append signaling message", err)
	}

	t.publish(ctx, conversationID, domain.CallSignal{
		MessageID: msg.MessageID,
		Fields:    meta.ToFields(),
	})

	return msg.MessageID, nil
}

// PatchStatus merges the patch into the stored metadata and mirrors it on
// the push channel
func (t *StoreTransport) PatchStatus(ctx context.Context, conversationID, messageID uuid.UUID, patch domain.MetadataPatch) error {
	fields := patch.Fields()
	if len(fields) == 0 {
		return nil
	}

	if err := t.store.MergeCallMetadata(ctx, conversationID, messageID, fields); err != nil {
		return apperrors.DatabaseError("failed to patch signaling metadata", err)
	}

	if patch.CallStatus != nil {
		metrics.SignalingPatchTotal.WithLabelValues(string(*patch.CallStatus)).Inc()
	}

	t.publish(ctx, conversationID, domain.CallSignal{
		MessageID: messageID,
		Fields:    fields,
	})

	return nil
}

// ReadStatus extracts the call metadata of the signaling message
func (t *StoreTransport) ReadStatus(ctx context.Context, conversationID, messageID uuid.UUID) (domain.CallMetadata, error) {
	msg, err := t.store.GetCallMessage(ctx, conversationID, messageID)
	if err != nil {
		return domain.CallMetadata{}, apperrors.DatabaseError("failed to read signaling message", err)
	}
	if msg == nil {
		metrics.SignalingReadMissTotal.Inc()
		return domain.CallMetadata{}, apperrors.SignalingReadMissError(messageID.String())
	}
	return msg.Metadata, nil
}

func (t *StoreTransport) publish(ctx context.Context, conversationID uuid.UUID, signal domain.CallSignal) {
	if t.publisher == nil {
		return
	}
	// Push delivery is an optimization over polling; a publish failure
	// must not fail the signaling write.
	if err := t.publisher.PublishCallSignal(ctx, conversationID, signal); err != nil {
		logger.Warn("failed to publish call signal",
			zap.String("conversation_id", conversationID.String()),
			zap.Error(err),
		)
	}
}
